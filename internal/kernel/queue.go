// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
)

// Every event on the acceptance and run queues holds a reference to each
// kref it names. doSend and notify add them; the crank that consumes the
// event drops them.

// doSend puts a message on the acceptance queue.
func (k *Kernel) doSend(target string, msg core.Message) {
	if _, err := core.ParseKernelSlot(target); err != nil {
		panic(err)
	}
	k.keeper.IncrementRefCount(target, state.RefOptions{})
	if msg.Result != "" {
		k.keeper.IncrementRefCount(msg.Result, state.RefOptions{})
	}
	k.keeper.IncrementSlots(msg.Methargs.Slots)
	k.keeper.AddToAcceptanceQueue(state.SendEvent(target, msg))
}

func (k *Kernel) decrementSendEventRefCount(target string, msg *core.Message) {
	k.keeper.DecrementRefCount(target, state.RefOptions{})
	if msg.Result != "" {
		k.keeper.DecrementRefCount(msg.Result, state.RefOptions{})
	}
	k.keeper.DecrementSlots(msg.Methargs.Slots)
}

func (k *Kernel) notify(vatID core.VatID, kpid string) {
	k.keeper.IncrementRefCount(kpid, state.RefOptions{})
	k.keeper.AddToAcceptanceQueue(state.NotifyEvent(vatID, kpid))
}

func (k *Kernel) doSubscribe(vatID core.VatID, kpid string) {
	p, err := k.keeper.GetKernelPromise(kpid)
	if err != nil {
		panic(err)
	}
	if p.State == state.Unresolved {
		k.keeper.AddSubscriberToPromise(kpid, vatID)
		return
	}
	// Already settled: the subscriber still wants to hear how.
	k.notify(vatID, kpid)
}

// doResolve settles each promise of the batch. 'vatID' is the resolver and
// must be the decider of every promise; zero means the kernel resolves
// promises nobody decides. Subscribers other than the resolver get one
// notify each.
func (k *Kernel) doResolve(vatID core.VatID, resolutions []state.Resolution) {
	for _, r := range resolutions {
		p, err := k.keeper.GetResolveablePromise(r.KPID, vatID)
		if err != nil {
			panic(err)
		}
		for _, sub := range p.Subscribers {
			if sub != vatID {
				k.notify(sub, r.KPID)
			}
		}
		k.keeper.ResolveKernelPromise(r.KPID, r.Rejected, r.Data)

		tag := "fulfilled"
		if r.Rejected {
			tag = "rejected"
		}
		switch {
		case p.Policy == state.PolicyLogAlways, r.Rejected && p.Policy == state.PolicyLogFailure:
			log.Infof("%s.policy %s: %s %s", r.KPID, p.Policy, tag, r.Data.Body)
		case r.Rejected && p.Policy == state.PolicyPanic:
			k.setPanic(core.ErrKernelPanic.Errorf("%s.policy panic: %s %s", r.KPID, tag, r.Data.Body))
		}
	}
}

func (k *Kernel) resolveToError(kpid string, errData core.CapData, expectedDecider core.VatID) {
	k.doResolve(expectedDecider, []state.Resolution{{KPID: kpid, Rejected: true, Data: errData}})
}
