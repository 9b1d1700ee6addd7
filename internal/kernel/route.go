// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	"fmt"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
)

// routeKind says what to do with a send.
type routeKind int

const (
	// The message was rejected and its result promise (if any) rejected
	// with it.
	routeSplat routeKind = iota
	// The message goes to 'vatID'.
	routeDeliver
	// The message waits on the queue of the unresolved promise 'target'.
	routeRequeue
)

type route struct {
	kind   routeKind
	vatID  core.VatID
	target string
}

// routeSendEvent decides where a send goes. The target may change when it
// is a promise fulfilled to an object. Splatting rejects the result promise
// here, before the caller releases the message's references.
func (k *Kernel) routeSendEvent(target string, msg *core.Message) route {
	splat := func(errData core.CapData) route {
		log.V(2).Infof("splat %s.%s: %s", target, core.ExtractMethod(msg.Methargs), errData.Body)
		if msg.Result != "" {
			k.resolveToError(msg.Result, errData, 0)
		}
		return route{kind: routeSplat}
	}

	switch core.KernelSlotType(target) {
	case core.ObjectSlot:
		owner, ok := k.keeper.OwnerOfKernelObject(target)
		if !ok {
			// Orphaned, or the owner is dead.
			return splat(core.MakeError("vat terminated"))
		}
		return route{kind: routeDeliver, vatID: owner, target: target}

	case core.PromiseSlot:
		p, err := k.keeper.GetKernelPromise(target)
		if err != nil {
			panic(err)
		}
		switch p.State {
		case state.Fulfilled:
			if kref, ok := core.ExtractSingleSlot(p.Data); ok && core.KernelSlotType(kref) == core.ObjectSlot {
				return k.routeSendEvent(kref, msg)
			}
			return splat(core.MakeError(fmt.Sprintf("data is not callable, has no method %s", core.ExtractMethod(msg.Methargs))))
		case state.Rejected:
			return splat(p.Data)
		}
		if !p.HasDecider {
			return route{kind: routeRequeue, target: target}
		}
		if !k.keeper.VatIsAlive(p.Decider) {
			return splat(core.MakeError("vat terminated"))
		}
		if k.keeper.ProvideVatKeeper(p.Decider).GetOptions().EnablePipelining {
			return route{kind: routeDeliver, vatID: p.Decider, target: target}
		}
		return route{kind: routeRequeue, target: target}
	}
	panic(core.ErrInvalidState.Errorf("cannot send to %s", target))
}
