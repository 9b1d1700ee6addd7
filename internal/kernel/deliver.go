// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
)

// deliveryStatus is how a delivery to a vat ended.
type deliveryStatus struct {
	illegalSyscall error
	deliveryError  error
	exit           *exitRequest
}

type termination struct {
	vatID  core.VatID
	reject bool
	info   core.CapData
}

// crankResults tell processDeliveryMessage what to do after a delivery.
type crankResults struct {
	didDelivery core.VatID

	// Roll the crank back before doing anything else. Normally to the
	// 'start' savepoint, so the event is retried. With consumeMessage, to
	// the 'deliver' savepoint, so it is not.
	abort          bool
	consumeMessage bool

	terminate   *termination
	measureDirt *state.ReapDirt
}

func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// deliverToVat hands 'd' to the vat and records it in the vat's transcript.
func (k *Kernel) deliverToVat(vk *state.VatKeeper, d *VatDelivery) (status deliveryStatus) {
	vatID := vk.VatID()
	vat, ok := k.vats[vatID]
	if !ok {
		panic(core.ErrNoSuchVat.Errorf("no dispatcher attached to live vat %s", vatID))
	}
	name := vk.GetOptions().Name
	entry := &state.TranscriptEntry{CrankNumber: k.keeper.GetCrankNumber(), Delivery: mustJSON(d)}
	sys := newVatSyscall(k, vk, entry)
	k.keeper.IncStat(state.StatDeliveries)

	op := deliveryMetric.Start(string(d.Type))
	start := time.Now()
	if e := deliveryFailures.Get(name); e != core.NoError {
		status.deliveryError = e.Errorf("injected delivery failure for vat %s", name)
	} else {
		status.deliveryError = k.dispatch(vat, d, sys)
	}
	sys.done = true
	crankLatency.Insert(time.Since(start))
	status.illegalSyscall = sys.illegal
	status.exit = sys.exit
	if status.illegalSyscall != nil {
		op.EndWithError(status.illegalSyscall)
	} else {
		op.EndWithError(status.deliveryError)
	}

	entry.Status = "ok"
	switch {
	case status.illegalSyscall != nil:
		entry.Status = "illegal syscall: " + status.illegalSyscall.Error()
	case status.deliveryError != nil:
		entry.Status = "error: " + status.deliveryError.Error()
		log.Errorf("delivery %s to %s (%s) failed: %v", d.Type, vatID, name, status.deliveryError)
	}
	vk.AddToTranscript(entry, k.cfg.CompressTranscripts)
	return status
}

// dispatch calls the vat, turning a panic in vat code into a delivery error.
func (k *Kernel) dispatch(vat Vat, d *VatDelivery, sys *vatSyscall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("vat panicked: %v", panicError(r))
		}
	}()
	return vat.Dispatch(d, sys)
}

// deliveryCrankResults turns a delivery status into crank results. An
// illegal syscall beats a delivery error, which beats a requested exit.
func deliveryCrankResults(vatID core.VatID, status deliveryStatus, measureDirt bool, gcKrefs int) *crankResults {
	r := &crankResults{didDelivery: vatID}
	switch {
	case status.illegalSyscall != nil:
		r.abort = true
		r.terminate = &termination{vatID: vatID, reject: true, info: core.MakeError(status.illegalSyscall.Error())}
	case status.deliveryError != nil:
		r.abort = true
		r.terminate = &termination{vatID: vatID, reject: true, info: core.MakeError(status.deliveryError.Error())}
	case status.exit != nil:
		// A clean exit keeps what the delivery did; a failure exit is
		// unwound like an error.
		r.abort = status.exit.reject
		r.terminate = &termination{vatID: vatID, reject: status.exit.reject, info: status.exit.info}
	}
	if measureDirt && !r.abort && r.terminate == nil {
		r.measureDirt = &state.ReapDirt{Deliveries: 1, GCKrefs: gcKrefs}
	}
	return r
}

func (k *Kernel) processSend(vatID core.VatID, target string, msg core.Message) *crankResults {
	vk := k.keeper.ProvideVatKeeper(vatID)
	if vk.GetOptions().EnablePipelining && msg.Result != "" {
		// The vat will decide the result, and it pipelines, so whatever
		// queued up on the result can go to it right away.
		k.keeper.RequeueKernelPromise(msg.Result)
	}
	d := translateMessage(k.keeper, vk, target, msg)
	log.V(2).Infof("deliver %s: %s.%s", vatID, target, core.ExtractMethod(msg.Methargs))
	return deliveryCrankResults(vatID, k.deliverToVat(vk, d), true, 0)
}

// getKpidsToRetire returns 'kpid' and every settled promise reachable from
// its resolution data through other settled promises, in discovery order.
func (k *Kernel) getKpidsToRetire(kpid string, data core.CapData) []string {
	seen := map[string]bool{kpid: true}
	out := []string{kpid}
	var scan func(data core.CapData)
	scan = func(data core.CapData) {
		for _, slot := range data.Slots {
			if core.KernelSlotType(slot) != core.PromiseSlot || seen[slot] {
				continue
			}
			p, err := k.keeper.GetKernelPromise(slot)
			if err != nil {
				panic(err)
			}
			if p.State == state.Unresolved {
				continue
			}
			seen[slot] = true
			out = append(out, slot)
			scan(p.Data)
		}
	}
	scan(data)
	return out
}

func (k *Kernel) processNotify(vatID core.VatID, kpid string) *crankResults {
	if !k.keeper.VatIsAlive(vatID) {
		log.V(2).Infof("dropping notify of %s to dead vat %s", kpid, vatID)
		return nil
	}
	p, err := k.keeper.GetKernelPromise(kpid)
	if err != nil {
		panic(err)
	}
	if p.State == state.Unresolved {
		panic(core.ErrInvalidState.Errorf("notify on unresolved promise %s", kpid))
	}
	vk := k.keeper.ProvideVatKeeper(vatID)
	if !vk.HasCListEntry(kpid) {
		// The vat already heard about it, as part of another resolution.
		log.V(2).Infof("%s no longer knows %s, skipping notify", vatID, kpid)
		return nil
	}
	targets := k.getKpidsToRetire(kpid, p.Data)
	d := translateNotify(k.keeper, vk, targets)
	vk.DeleteCListEntriesForKernelSlots(targets)
	return deliveryCrankResults(vatID, k.deliverToVat(vk, d), true, 0)
}

func (k *Kernel) processGCMessage(ev *state.RunQueueEvent) *crankResults {
	if !k.keeper.VatIsAlive(ev.VatID) {
		return nil
	}
	if ev.Type == state.EventRetireExports {
		for _, kref := range ev.Krefs {
			// Nobody can reach or recognize it any more.
			k.keeper.DeleteKernelObject(kref)
		}
	}
	vk := k.keeper.ProvideVatKeeper(ev.VatID)
	d := translateGC(vk, ev.Type, ev.Krefs)
	return deliveryCrankResults(ev.VatID, k.deliverToVat(vk, d), true, len(ev.Krefs))
}

func (k *Kernel) processBringOutYourDead(vatID core.VatID) *crankResults {
	if !k.keeper.VatIsAlive(vatID) {
		return nil
	}
	vk := k.keeper.ProvideVatKeeper(vatID)
	vk.ClearReapDirt()
	d := &VatDelivery{Type: DeliverBringOutYourDead}
	return deliveryCrankResults(vatID, k.deliverToVat(vk, d), false, 0)
}

// processStartVat delivers startVat. The event's references to the
// parameters are released by processDeliveryMessage.
func (k *Kernel) processStartVat(ev *state.RunQueueEvent) *crankResults {
	if !k.keeper.VatIsAlive(ev.VatID) {
		return nil
	}
	vk := k.keeper.ProvideVatKeeper(ev.VatID)
	d := translateStartVat(vk, ev.VatParameters)
	r := deliveryCrankResults(ev.VatID, k.deliverToVat(vk, d), false, 0)
	// A failed startVat is not retried.
	r.consumeMessage = true
	return r
}

// deliverRunQueueEvent performs one run-queue event. It returns nil when
// nothing was delivered.
func (k *Kernel) deliverRunQueueEvent(ev *state.RunQueueEvent) *crankResults {
	switch ev.Type {
	case state.EventSend:
		r := k.routeSendEvent(ev.Target, ev.Msg)
		switch r.kind {
		case routeSplat:
			k.decrementSendEventRefCount(ev.Target, ev.Msg)
			return nil
		case routeRequeue:
			// The event's references move to the promise queue.
			k.keeper.AddMessageToPromiseQueue(r.target, *ev.Msg)
			return nil
		}
		k.decrementSendEventRefCount(ev.Target, ev.Msg)
		return k.processSend(r.vatID, r.target, *ev.Msg)
	case state.EventNotify:
		k.keeper.DecrementRefCount(ev.KPID, state.RefOptions{})
		return k.processNotify(ev.VatID, ev.KPID)
	case state.EventDropExports, state.EventRetireExports, state.EventRetireImports:
		return k.processGCMessage(ev)
	case state.EventBringOutYourDead:
		return k.processBringOutYourDead(ev.VatID)
	case state.EventStartVat:
		return k.processStartVat(ev)
	case state.EventNegatedGCAction:
		return nil
	}
	panic(core.ErrInvalidState.Errorf("unknown run-queue event type %q", ev.Type))
}
