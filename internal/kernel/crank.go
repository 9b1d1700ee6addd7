// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
)

// A crank is the unit of kernel work: one event is taken off a queue and
// processed, and all resulting state changes commit together. Within a crank
// there are two savepoints. "start" is before the event was dequeued, so
// rolling back to it leaves the event to be tried again. "deliver" is after
// the dequeue, so rolling back to it throws the delivery's effects away but
// still consumes the event.

// setPanic puts the kernel in the panicked state. Only the first cause is
// kept. A panicked kernel does no more cranks.
func (k *Kernel) setPanic(err error) {
	if k.panicErr != nil {
		return
	}
	log.Errorf("kernel panic: %v", err)
	if _, ok := core.KernelError(err); !ok {
		err = core.ErrKernelPanic.Errorf("%v", err)
	}
	k.panicErr = err
}

// PanicError returns why the kernel panicked, or nil.
func (k *Kernel) PanicError() error {
	return k.panicErr
}

// nextEvent picks the next piece of work: the acceptance queue first, then
// terminated-vat cleanup, then GC actions, then reaps, then the run queue.
// The bool is true for acceptance-queue events.
func (k *Kernel) nextEvent(policy RunPolicy) (*state.RunQueueEvent, bool) {
	if ev := k.keeper.GetNextAcceptanceQueueMsg(); ev != nil {
		return ev, true
	}
	allow, budget := policy.AllowCleanup()
	if budget == nil {
		budget = &k.cfg.CleanupBudget
	}
	if ev := k.keeper.NextCleanupTerminatedVatAction(allow, *budget); ev != nil {
		return ev, false
	}
	if ev := k.processGCActionSet(); ev != nil {
		return ev, false
	}
	if ev := k.keeper.NextReapAction(); ev != nil {
		return ev, false
	}
	return k.keeper.GetNextRunQueueMsg(), false
}

// processAcceptanceMessage routes an accepted event onto the run queue or a
// promise queue. Nothing is delivered.
func (k *Kernel) processAcceptanceMessage(ev *state.RunQueueEvent) {
	log.V(2).Infof("crank %d: accept %s", k.keeper.GetCrankNumber(), ev)
	if ev.Type == state.EventSend {
		r := k.routeSendEvent(ev.Target, ev.Msg)
		switch {
		case r.kind == routeSplat:
			k.decrementSendEventRefCount(ev.Target, ev.Msg)
		default:
			if r.target != ev.Target {
				// Retargeted at a promise's resolution. The other references
				// stay with the message.
				k.keeper.DecrementRefCount(ev.Target, state.RefOptions{})
				k.keeper.IncrementRefCount(r.target, state.RefOptions{})
			}
			if r.kind == routeDeliver {
				k.keeper.AddToRunQueue(state.SendEvent(r.target, *ev.Msg))
			} else {
				k.keeper.AddMessageToPromiseQueue(r.target, *ev.Msg)
			}
		}
	} else {
		k.keeper.AddToRunQueue(ev)
	}
	k.keeper.ProcessRefcounts()
	k.keeper.IncrementCrankNumber()
}

// processDeliveryMessage performs a run-queue event and deals with the
// outcome. It returns what the policy said about continuing.
func (k *Kernel) processDeliveryMessage(ev *state.RunQueueEvent, policy RunPolicy) bool {
	crankNum := k.keeper.GetCrankNumber()
	log.V(2).Infof("crank %d: deliver %s", crankNum, ev)
	k.keeper.EstablishCrankSavepoint("deliver")

	var keepGoing bool
	if ev.Type == state.EventCleanupTerminatedVat {
		done, work := k.keeper.CleanupAfterTerminatedVat(ev.VatID, *ev.Budget)
		log.V(1).Infof("cleanup of %s: done=%t work=%+v", ev.VatID, done, work)
		mCranks.WithLabelValues("cleanup").Inc()
		keepGoing = policy.DidCleanup(work)
	} else if r := k.deliverRunQueueEvent(ev); r != nil {
		if r.abort {
			if r.consumeMessage {
				k.keeper.RollbackCrank("deliver")
			} else {
				k.keeper.RollbackCrank("start")
			}
		}
		if r.measureDirt != nil && k.keeper.VatIsAlive(r.didDelivery) {
			k.keeper.ProvideVatKeeper(r.didDelivery).AddDirt(*r.measureDirt)
		}
		if r.terminate != nil {
			k.terminateVat(r.terminate.vatID, r.terminate.reject, r.terminate.info)
		}
		info := CrankInfo{CrankNumber: crankNum, VatID: r.didDelivery, Type: ev.Type}
		if r.abort {
			mCranks.WithLabelValues("failed").Inc()
			keepGoing = policy.CrankFailed(info)
		} else {
			mCranks.WithLabelValues("delivery").Inc()
			keepGoing = policy.CrankComplete(info)
		}
	} else {
		mCranks.WithLabelValues("empty").Inc()
		keepGoing = policy.EmptyCrank()
	}

	if ev.Type == state.EventStartVat && ev.VatParameters != nil {
		// startVat is never retried, so whatever happened its references
		// are gone. This must follow any rollback.
		k.keeper.DecrementSlots(ev.VatParameters.Slots)
	}

	k.keeper.ProcessRefcounts()
	k.keeper.IncrementCrankNumber()
	return keepGoing
}

// crank runs one crank. 'did' is false when there was nothing to do.
func (k *Kernel) crank(policy RunPolicy) (did, keepGoing bool, err error) {
	if k.panicErr != nil {
		return false, false, k.panicErr
	}
	k.keeper.StartCrank()
	k.keeper.EstablishCrankSavepoint("start")

	func() {
		defer func() {
			if r := recover(); r != nil {
				k.setPanic(panicError(r))
			}
		}()
		ev, accepted := k.nextEvent(policy)
		if ev == nil {
			return
		}
		did = true
		if accepted {
			mCranks.WithLabelValues("accept").Inc()
			k.processAcceptanceMessage(ev)
			keepGoing = policy.EmptyCrank()
		} else {
			keepGoing = k.processDeliveryMessage(ev, policy)
		}
	}()

	if k.panicErr != nil {
		// Nothing the crank did may survive.
		k.keeper.AbandonCrank()
		return false, false, k.panicErr
	}
	if !did {
		k.keeper.AbandonCrank()
		return false, false, nil
	}
	crankHash, activityHash := k.keeper.EndCrank()
	k.lastCrankHash = crankHash
	log.V(2).Infof("crank hash %s, activity hash %s", crankHash, activityHash)
	return true, keepGoing, nil
}

func (k *Kernel) enter() error {
	if !k.started {
		return core.ErrNotStarted.Errorf("kernel not started")
	}
	if !k.acquire() {
		return core.ErrReentrancy.Errorf("kernel is already busy")
	}
	return nil
}

// Step runs at most one crank and returns how many it ran.
func (k *Kernel) Step() (int, error) {
	if err := k.enter(); err != nil {
		return 0, err
	}
	defer k.release()
	did, _, err := k.crank(ForeverPolicy())
	if did {
		return 1, err
	}
	return 0, err
}

// Run runs cranks until there is no work left or 'policy' says to stop, and
// returns how many it ran. A nil policy runs until the kernel is idle.
func (k *Kernel) Run(policy RunPolicy) (int, error) {
	if policy == nil {
		policy = ForeverPolicy()
	}
	if err := k.enter(); err != nil {
		return 0, err
	}
	defer k.release()
	count := 0
	for {
		did, keepGoing, err := k.crank(policy)
		if did {
			count++
		}
		if err != nil || !did || !keepGoing {
			return count, err
		}
	}
}
