// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package state

import (
	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

// AllocateVatIDForName returns the ID of the vat called 'name', allocating a
// new one if there is none.
func (k *KernelKeeper) AllocateVatIDForName(name string) core.VatID {
	if vatID, ok := k.GetVatIDForName(name); ok {
		return vatID
	}
	vatID := core.VatID(k.allocate("vat.nextID"))
	k.kv.Set("vat.name."+name, vatID.String())
	var names []string
	k.getJSON("vat.names", &names)
	k.setJSON("vat.names", append(names, name))
	return vatID
}

// GetVatIDForName looks up a vat by name.
func (k *KernelKeeper) GetVatIDForName(name string) (core.VatID, bool) {
	s, ok := k.kv.Get("vat.name." + name)
	if !ok {
		return 0, false
	}
	return core.MustParseVatID(s), true
}

// GetVatNames returns the names of all registered vats in creation order.
func (k *KernelKeeper) GetVatNames() []string {
	var names []string
	k.getJSON("vat.names", &names)
	return names
}

// DeleteVatID forgets the name of a vat. Its ID is never reused.
func (k *KernelKeeper) DeleteVatID(vatID core.VatID) {
	var names, kept []string
	k.getJSON("vat.names", &names)
	for _, name := range names {
		if id, ok := k.GetVatIDForName(name); ok && id == vatID {
			k.kv.Delete("vat.name." + name)
			continue
		}
		kept = append(kept, name)
	}
	if kept == nil {
		kept = []string{}
	}
	k.setJSON("vat.names", kept)
}

// CreateVatState writes the initial state of a vat and returns its keeper.
func (k *KernelKeeper) CreateVatState(vatID core.VatID, opts VatOptions) *VatKeeper {
	if k.hasVatState(vatID) {
		panic(core.ErrInvalidState.Errorf("vat %s already exists", vatID))
	}
	var threshold ReapDirtThreshold
	k.getJSON("kernel.defaultReapDirtThreshold", &threshold)
	initializeVatState(k, vatID, opts, threshold)
	k.incStat(StatVats)
	log.Infof("created vat %s (%s)", vatID, opts.Name)
	return k.ProvideVatKeeper(vatID)
}

func (k *KernelKeeper) hasVatState(vatID core.VatID) bool {
	return k.kv.Has(vatID.String() + ".o.nextID")
}

// ProvideVatKeeper returns the keeper of an existing vat.
func (k *KernelKeeper) ProvideVatKeeper(vatID core.VatID) *VatKeeper {
	if vk, ok := k.vatKeepers.Get(vatID); ok {
		return vk.(*VatKeeper)
	}
	if !k.hasVatState(vatID) {
		panic(core.ErrNoSuchVat.Errorf("%s", vatID))
	}
	vk := newVatKeeper(k, vatID)
	k.vatKeepers.Add(vatID, vk)
	return vk
}

// EvictVatKeeper drops 'vatID' from the keeper cache.
func (k *KernelKeeper) EvictVatKeeper(vatID core.VatID) {
	k.vatKeepers.Remove(vatID)
}

// VatIsAlive returns true if the vat exists and has not been terminated.
func (k *KernelKeeper) VatIsAlive(vatID core.VatID) bool {
	return k.hasVatState(vatID) && !k.IsVatTerminated(vatID)
}

// GetAllVatIDs returns every vat that still has state, including terminated
// vats whose cleanup is unfinished, in ID order.
func (k *KernelKeeper) GetAllVatIDs() []core.VatID {
	next := k.getNat("vat.nextID")
	var out []core.VatID
	for id := uint64(core.FirstVatID); id < next; id++ {
		if vatID := core.VatID(id); k.hasVatState(vatID) {
			out = append(out, vatID)
		}
	}
	return out
}

// GetLiveVatIDs returns the vats that are alive, in ID order.
func (k *KernelKeeper) GetLiveVatIDs() []core.VatID {
	var out []core.VatID
	for _, vatID := range k.GetAllVatIDs() {
		if !k.IsVatTerminated(vatID) {
			out = append(out, vatID)
		}
	}
	return out
}

//------ Terminated vats ------//

// MarkVatAsTerminated records that 'vatID' is dead and awaits cleanup.
func (k *KernelKeeper) MarkVatAsTerminated(vatID core.VatID) {
	if k.IsVatTerminated(vatID) {
		return
	}
	k.terminatedVats = append(k.terminatedVats, vatID)
	k.setJSON("vats.terminated", k.terminatedVats)
	k.decStat(StatVats)
}

// IsVatTerminated returns true between MarkVatAsTerminated and
// ForgetTerminatedVat.
func (k *KernelKeeper) IsVatTerminated(vatID core.VatID) bool {
	for _, v := range k.terminatedVats {
		if v == vatID {
			return true
		}
	}
	return false
}

// GetFirstTerminatedVat returns the oldest terminated vat still being cleaned
// up.
func (k *KernelKeeper) GetFirstTerminatedVat() (core.VatID, bool) {
	if len(k.terminatedVats) == 0 {
		return 0, false
	}
	return k.terminatedVats[0], true
}

// ForgetTerminatedVat removes a fully cleaned vat from the terminated list.
func (k *KernelKeeper) ForgetTerminatedVat(vatID core.VatID) {
	var kept []core.VatID
	for _, v := range k.terminatedVats {
		if v != vatID {
			kept = append(kept, v)
		}
	}
	k.terminatedVats = kept
	if kept == nil {
		kept = []core.VatID{}
	}
	k.setJSON("vats.terminated", kept)
}

// NextCleanupTerminatedVatAction returns a cleanup event for the oldest
// terminated vat, or nil if there is none or cleanup is not allowed now.
func (k *KernelKeeper) NextCleanupTerminatedVatAction(allowCleanup bool, budget CleanupBudget) *RunQueueEvent {
	if !allowCleanup {
		return nil
	}
	vatID, ok := k.GetFirstTerminatedVat()
	if !ok {
		return nil
	}
	b := budget
	return &RunQueueEvent{Type: EventCleanupTerminatedVat, VatID: vatID, Budget: &b}
}

func exhausted(limit, done int) bool {
	return limit > 0 && done >= limit
}

// CleanupAfterTerminatedVat removes the state of a terminated vat in four
// phases: exported objects are orphaned, imports and promise entries are
// released, then every remaining key is deleted. Each phase stops when its
// budget runs out; 'done' is true once nothing is left.
func (k *KernelKeeper) CleanupAfterTerminatedVat(vatID core.VatID, budget CleanupBudget) (done bool, work CleanupWork) {
	if !k.IsVatTerminated(vatID) {
		panic(core.ErrInvalidState.Errorf("cleaning up live vat %s", vatID))
	}
	vk := newVatKeeper(k, vatID)
	clist := vk.clistKey("")

	for _, key := range k.kv.Keys(clist + "o+") {
		if exhausted(budget.Exports, work.Exports) {
			return false, work
		}
		kref, ok := k.kv.Get(key)
		if !ok {
			continue
		}
		k.OrphanKernelObject(kref, vatID)
		work.Exports++
	}

	for _, prefix := range []string{"o-", "d-"} {
		for _, key := range k.kv.Keys(clist + prefix) {
			if exhausted(budget.Imports, work.Imports) {
				return false, work
			}
			kref, ok := k.kv.Get(key)
			if !ok {
				continue
			}
			vk.DeleteCListEntry(kref, key[len(clist):])
			work.Imports++
		}
	}

	// Promises the vat decided were rejected when it was terminated. What
	// remains are references, which must be released.
	for _, key := range k.kv.Keys(clist + "p") {
		if exhausted(budget.Promises, work.Promises) {
			return false, work
		}
		kpid, ok := k.kv.Get(key)
		if !ok {
			continue
		}
		vk.DeleteCListEntry(kpid, key[len(clist):])
		work.Promises++
	}

	for _, key := range k.kv.Keys(vatID.String() + ".") {
		if exhausted(budget.KV, work.KV) {
			return false, work
		}
		k.kv.Delete(key)
		work.KV++
	}

	k.ForgetTerminatedVat(vatID)
	k.EvictVatKeeper(vatID)
	log.Infof("finished cleanup of terminated vat %s", vatID)
	return true, work
}
