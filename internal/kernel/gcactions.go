// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	"sort"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
)

// shouldProcessGCAction re-checks a pending action against current state.
// Things may have changed since the action was queued: the object may have
// been re-imported, or already deleted, or the vat may be gone.
func (k *Kernel) shouldProcessGCAction(a state.GCAction) bool {
	if !k.keeper.VatIsAlive(a.VatID) {
		return false
	}
	vk := k.keeper.ProvideVatKeeper(a.VatID)
	hasCList := vk.HasCListEntry(a.Kref)
	switch a.Type {
	case state.DropExport:
		if !k.keeper.KernelObjectExists(a.Kref) {
			return false
		}
		rc := k.keeper.GetObjectRefCount(a.Kref)
		return rc.Reachable == 0 && hasCList && vk.GetReachableFlag(a.Kref)
	case state.RetireExport:
		if !k.keeper.KernelObjectExists(a.Kref) {
			return false
		}
		rc := k.keeper.GetObjectRefCount(a.Kref)
		return rc.Reachable == 0 && rc.Recognizable == 0 && hasCList
	case state.RetireImport:
		return hasCList
	}
	return false
}

// processGCActionSet picks the next GC delivery out of the pending actions.
// Actions are grouped by vat (in vat ID order) and then by type, in the
// order dropExport, retireExport, retireImport. The first group with
// anything left to do becomes the event. Stale actions in the groups looked
// at are discarded. If only discarding happened, a negated-gc-action event
// is returned so the crank still commits. Nil means there was nothing.
func (k *Kernel) processGCActionSet() *state.RunQueueEvent {
	all := k.keeper.GetGCActions()
	if len(all) == 0 {
		return nil
	}

	type group struct {
		vatID core.VatID
		t     state.GCActionType
	}
	groups := make(map[group][]state.GCAction)
	var vatIDs []core.VatID
	seen := make(map[core.VatID]bool)
	for _, a := range all {
		g := group{a.VatID, a.Type}
		groups[g] = append(groups[g], a)
		if !seen[a.VatID] {
			seen[a.VatID] = true
			vatIDs = append(vatIDs, a.VatID)
		}
	}
	core.SortVatIDs(vatIDs)

	remaining := make(map[string]state.GCAction, len(all))
	for _, a := range all {
		remaining[a.String()] = a
	}
	save := func() {
		left := make([]state.GCAction, 0, len(remaining))
		for _, a := range remaining {
			left = append(left, a)
		}
		k.keeper.SetGCActions(left)
	}

	for _, vatID := range vatIDs {
		for _, t := range state.GCActionTypes {
			var krefs []string
			for _, a := range groups[group{vatID, t}] {
				if k.shouldProcessGCAction(a) {
					krefs = append(krefs, a.Kref)
				} else {
					log.V(2).Infof("discarding stale GC action %s", a)
				}
				delete(remaining, a.String())
			}
			if len(krefs) > 0 {
				sort.Slice(krefs, func(i, j int) bool { return core.CompareKernelSlots(krefs[i], krefs[j]) })
				save()
				return state.GCEvent(t.EventType(), vatID, krefs)
			}
		}
	}
	save()
	return &state.RunQueueEvent{Type: state.EventNegatedGCAction}
}
