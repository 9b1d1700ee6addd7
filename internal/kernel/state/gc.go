// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package state

import (
	"sort"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/pkg/slices"
)

//------ GC actions ------//

// GetGCActions returns the pending GC actions, sorted by their persisted
// form.
func (k *KernelKeeper) GetGCActions() []GCAction {
	var raw []string
	k.getJSON("gcActions", &raw)
	actions := make([]GCAction, 0, len(raw))
	for _, s := range raw {
		a, err := ParseGCAction(s)
		if err != nil {
			panic(core.ErrInvalidState.Errorf("gcActions: %v", err))
		}
		actions = append(actions, a)
	}
	return actions
}

// SetGCActions replaces the pending GC actions. Duplicates collapse.
func (k *KernelKeeper) SetGCActions(actions []GCAction) {
	set := make(map[string]bool, len(actions))
	for _, a := range actions {
		set[a.String()] = true
	}
	k.setJSON("gcActions", slices.SortedKeys(set))
}

// AddGCActions merges 'actions' into the pending set.
func (k *KernelKeeper) AddGCActions(actions []GCAction) {
	if len(actions) == 0 {
		return
	}
	for _, a := range actions {
		if _, err := ParseGCAction(a.String()); err != nil {
			panic(core.ErrInvalidState.Errorf("adding bad GC action: %v", err))
		}
	}
	k.SetGCActions(append(k.GetGCActions(), actions...))
}

//------ Reap queue ------//

// ScheduleReap queues a bringOutYourDead for 'vatID' unless one is already
// queued.
func (k *KernelKeeper) ScheduleReap(vatID core.VatID) {
	var queue []core.VatID
	k.getJSON("reapQueue", &queue)
	for _, v := range queue {
		if v == vatID {
			return
		}
	}
	k.setJSON("reapQueue", append(queue, vatID))
}

// NextReapAction pops the head of the reap queue as a bringOutYourDead
// event, or returns nil.
func (k *KernelKeeper) NextReapAction() *RunQueueEvent {
	var queue []core.VatID
	k.getJSON("reapQueue", &queue)
	if len(queue) == 0 {
		return nil
	}
	k.setJSON("reapQueue", queue[1:])
	return &RunQueueEvent{Type: EventBringOutYourDead, VatID: queue[0]}
}

// GetReapQueue returns the vats waiting for bringOutYourDead.
func (k *KernelKeeper) GetReapQueue() []core.VatID {
	var queue []core.VatID
	k.getJSON("reapQueue", &queue)
	return queue
}

//------ Refcount processing ------//

// MaybeFreeKrefs returns the krefs whose counts reached zero during this
// crank and have not been processed yet.
func (k *KernelKeeper) MaybeFreeKrefs() []string {
	out := make([]string, 0, len(k.maybeFreeKrefs))
	for kref := range k.maybeFreeKrefs {
		out = append(out, kref)
	}
	sort.Slice(out, func(i, j int) bool { return core.CompareKernelSlots(out[i], out[j]) })
	return out
}

// ProcessRefcounts acts on every kref whose count reached zero:
//
//   - an unreferenced promise is deleted and its data slots released;
//   - an unreachable object with a live owner earns that owner a dropExport,
//     and a retireExport once it is also unrecognizable;
//   - an unreachable object whose owner is terminated is detached from it and
//     then treated as orphaned;
//   - an unreachable orphan is retired from its importers and deleted.
//
// Deleting a promise can release more krefs, so this repeats until nothing
// new shows up. Krefs are visited in sorted order.
func (k *KernelKeeper) ProcessRefcounts() {
	if !k.enableKernelGC {
		return
	}
	for len(k.maybeFreeKrefs) > 0 {
		krefs := k.MaybeFreeKrefs()
		k.maybeFreeKrefs = make(map[string]bool)
		var actions []GCAction
		for _, kref := range krefs {
			switch core.KernelSlotType(kref) {
			case core.PromiseSlot:
				k.processPromiseRefcount(kref)
			case core.ObjectSlot:
				actions = append(actions, k.processObjectRefcount(kref)...)
			}
		}
		k.AddGCActions(actions)
	}
}

func (k *KernelKeeper) processPromiseRefcount(kpid string) {
	if !k.HasKernelPromise(kpid) {
		return
	}
	p, err := k.GetKernelPromise(kpid)
	if err != nil {
		panic(err)
	}
	if p.RefCount != 0 {
		return
	}
	log.V(2).Infof("gc: deleting unreferenced promise %s", kpid)
	if p.State == Unresolved {
		for _, msg := range p.Queue {
			k.DecrementSlots(msg.Methargs.Slots)
			if msg.Result != "" {
				k.DecrementRefCount(msg.Result, RefOptions{})
			}
			k.decStat(StatPromiseQueuesLength)
		}
	} else {
		k.DecrementSlots(p.Data.Slots)
	}
	k.DeleteKernelPromise(kpid)
}

func (k *KernelKeeper) processObjectRefcount(kref string) []GCAction {
	if !k.KernelObjectExists(kref) {
		return nil
	}
	rc := k.GetObjectRefCount(kref)
	if rc.Reachable != 0 {
		return nil
	}
	var actions []GCAction
	owner, owned := k.rawOwner(kref)
	if owned && !k.IsVatTerminated(owner) {
		vk := k.ProvideVatKeeper(owner)
		if vk.GetReachableFlag(kref) {
			actions = append(actions, GCAction{VatID: owner, Type: DropExport, Kref: kref})
		}
		if rc.Recognizable == 0 {
			actions = append(actions, GCAction{VatID: owner, Type: RetireExport, Kref: kref})
		}
		return actions
	}
	if owned {
		// Never send GC deliveries into a dead vat. Do the abandonment the
		// slow cleanup would have done, without going through
		// OrphanKernelObject, which would requeue the kref.
		vk := newVatKeeper(k, owner)
		k.kv.Delete(kref + ".owner")
		if _, vatSlot, ok := vk.getReachableAndVatSlot(kref); ok {
			k.kv.Delete(vk.clistKey(kref))
			k.kv.Delete(vk.clistKey(vatSlot))
			k.decStat(StatClistEntries)
		}
	}
	if rc.Recognizable > 0 {
		k.RetireKernelObjects([]string{kref})
	} else {
		k.DeleteKernelObject(kref)
	}
	return nil
}
