// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package state

import (
	"encoding/json"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kvstore"
)

// VatOptions are fixed when a vat is created.
type VatOptions struct {
	Name string `json:"name"`

	// EnablePipelining lets sends to promises this vat decides be delivered
	// before the promise settles.
	EnablePipelining bool `json:"enablePipelining,omitempty"`

	// Critical vats panic the kernel instead of being terminated.
	Critical bool `json:"critical,omitempty"`

	// ReapDirtThreshold overrides the kernel default when set.
	ReapDirtThreshold *ReapDirtThreshold `json:"reapDirtThreshold,omitempty"`
}

// ReapDirtThreshold says how much dirt a vat may collect before it is asked
// to bringOutYourDead. A zero field never triggers.
type ReapDirtThreshold struct {
	Deliveries int  `json:"deliveries,omitempty"`
	GCKrefs    int  `json:"gcKrefs,omitempty"`
	Never      bool `json:"never,omitempty"`
}

func (t ReapDirtThreshold) encode() string {
	b, _ := json.Marshal(t)
	return string(b)
}

// ReapDirt is the work a vat has done since its last bringOutYourDead.
type ReapDirt struct {
	Deliveries int `json:"deliveries,omitempty"`
	GCKrefs    int `json:"gcKrefs,omitempty"`
}

// MapOptions modify c-list translation.
type MapOptions struct {
	// Required makes a missing entry an error instead of allocating one.
	Required bool
	// SetReachable marks the entry reachable (or insists that it already
	// is, depending on direction). Plain lookups leave it false.
	SetReachable bool
}

// Translate is the MapOptions used when refs travel in messages.
var Translate = MapOptions{SetReachable: true}

// VatKeeper manages the c-list and other per-vat state of one vat. It holds
// no state of its own besides the vat ID.
type VatKeeper struct {
	k      *KernelKeeper
	vatID  core.VatID
	prefix string
}

func newVatKeeper(k *KernelKeeper, vatID core.VatID) *VatKeeper {
	return &VatKeeper{k: k, vatID: vatID, prefix: vatID.String() + "."}
}

// VatID returns the ID of the vat this keeper is for.
func (vk *VatKeeper) VatID() core.VatID {
	return vk.vatID
}

func (vk *VatKeeper) clistKey(slot string) string {
	return vk.prefix + "c." + slot
}

// parseReachableAndVatSlot decodes the kref side of a c-list entry.
func parseReachableAndVatSlot(value string) (isReachable bool, vatSlot string) {
	if len(value) < 3 || value[1] != ' ' || (value[0] != 'R' && value[0] != '_') {
		panic(core.ErrInvalidState.Errorf("bad c-list entry %q", value))
	}
	return value[0] == 'R', value[2:]
}

func buildReachableAndVatSlot(isReachable bool, vatSlot string) string {
	if isReachable {
		return "R " + vatSlot
	}
	return "_ " + vatSlot
}

// getReachableAndVatSlot looks up the kref side of the c-list.
func (vk *VatKeeper) getReachableAndVatSlot(kref string) (isReachable bool, vatSlot string, ok bool) {
	v, ok := vk.k.kv.Get(vk.clistKey(kref))
	if !ok {
		return false, "", false
	}
	isReachable, vatSlot = parseReachableAndVatSlot(v)
	return isReachable, vatSlot, true
}

// GetOptions returns the options the vat was created with.
func (vk *VatKeeper) GetOptions() VatOptions {
	var o VatOptions
	vk.k.getJSON(vk.prefix+"options", &o)
	return o
}

//------ C-List ------//

// MapVatSlotToKernelSlot translates a vref the vat used into a kref. A vref
// the vat allocated (o+NN, p+NN) that is not in the c-list yet is a new
// export and gets a fresh kernel object or promise.
func (vk *VatKeeper) MapVatSlotToKernelSlot(vatSlot string, opts MapOptions) (string, error) {
	vs, err := core.ParseVatSlot(vatSlot)
	if err != nil {
		return "", err
	}
	vatKey := vk.clistKey(vatSlot)
	if !vk.k.kv.Has(vatKey) {
		if !vs.AllocatedByVat {
			// The vat didn't allocate it, and the kernel didn't allocate it
			// (else it would have been in the c-list), so it must be bogus.
			return "", core.ErrUnknownSlot.Errorf("%s: unknown vatSlot %q", vk.vatID, vatSlot)
		}
		if opts.Required {
			return "", core.ErrNotInCList.Errorf("%s: vref %s not in clist", vk.vatID, vatSlot)
		}
		var kernelSlot string
		switch vs.Type {
		case core.ObjectSlot:
			kernelSlot = vk.k.AddKernelObject(vk.vatID)
		case core.DeviceSlot:
			return "", core.ErrDeviceExport.Errorf("%s tried to export %s", vk.vatID, vatSlot)
		case core.PromiseSlot:
			kernelSlot = vk.k.AddKernelPromiseForVat(vk.vatID)
		}
		// Exports of objects aren't counted, only imports, so this leaves
		// the object at 0,0 but gives promises their c-list reference.
		vk.k.IncrementRefCount(kernelSlot, RefOptions{IsExport: true, OnlyRecognizable: true})
		vk.k.incStat(StatClistEntries)
		// Added as unreachable; SetReachableFlag below marks it reachable
		// and keeps the refcounts consistent.
		vk.k.kv.Set(vk.clistKey(kernelSlot), buildReachableAndVatSlot(false, vatSlot))
		vk.k.kv.Set(vatKey, kernelSlot)
		log.V(2).Infof("%s: add mapping v->k %s<=>%s", vk.vatID, kernelSlot, vatSlot)
	}
	kernelSlot, _ := vk.k.kv.Get(vatKey)

	if opts.SetReachable {
		if vs.AllocatedByVat {
			vk.SetReachableFlag(kernelSlot)
		} else {
			isReachable, _, _ := vk.getReachableAndVatSlot(kernelSlot)
			if !isReachable {
				return "", core.ErrUnreachableImport.Errorf("%s used %s (%s)", vk.vatID, vatSlot, kernelSlot)
			}
		}
	}
	return kernelSlot, nil
}

// MapKernelSlotToVatSlot translates a kref into the vat's vref, allocating
// a new import (o-NN, p-NN, d-NN) if the vat has never seen it.
func (vk *VatKeeper) MapKernelSlotToVatSlot(kernelSlot string, opts MapOptions) (string, error) {
	ks, err := core.ParseKernelSlot(kernelSlot)
	if err != nil {
		return "", err
	}
	kernelKey := vk.clistKey(kernelSlot)
	if !vk.k.kv.Has(kernelKey) {
		if opts.Required {
			return "", core.ErrNotInCList.Errorf("%s: kref %s not in clist", vk.vatID, kernelSlot)
		}
		var counter string
		switch ks.Type {
		case core.ObjectSlot:
			counter = "o.nextID"
		case core.DeviceSlot:
			counter = "d.nextID"
		case core.PromiseSlot:
			counter = "p.nextID"
		}
		id := vk.k.allocate(vk.prefix + counter)
		vatSlot := core.MakeVatSlot(ks.Type, false, id)
		vk.k.IncrementRefCount(kernelSlot, RefOptions{OnlyRecognizable: true})
		vk.k.incStat(StatClistEntries)
		vk.k.kv.Set(vk.clistKey(vatSlot), kernelSlot)
		vk.k.kv.Set(kernelKey, buildReachableAndVatSlot(false, vatSlot))
		log.V(2).Infof("%s: add mapping k->v %s<=>%s", vk.vatID, kernelSlot, vatSlot)
	}

	isReachable, vatSlot, _ := vk.getReachableAndVatSlot(kernelSlot)
	if opts.SetReachable {
		vs, err := core.ParseVatSlot(vatSlot)
		if err != nil {
			panic(core.ErrInvalidState.Errorf("c-list holds bad vref: %v", err))
		}
		if !vs.AllocatedByVat {
			vk.SetReachableFlag(kernelSlot)
		} else if !isReachable {
			// Sending an unreachable export back into the exporting vat
			// means our refcounts are wrong.
			panic(core.ErrInvalidState.Errorf("kernel sent unreachable export %s to %s", kernelSlot, vk.vatID))
		}
	}
	return vatSlot, nil
}

// GetReachableFlag returns the reachable flag of the c-list entry for
// 'kref'. Missing entries are not reachable.
func (vk *VatKeeper) GetReachableFlag(kref string) bool {
	isReachable, _, _ := vk.getReachableAndVatSlot(kref)
	return isReachable
}

// SetReachableFlag marks an entry reachable. The first time an object import
// becomes reachable the object's reachable count goes up.
func (vk *VatKeeper) SetReachableFlag(kref string) {
	isReachable, vatSlot, ok := vk.getReachableAndVatSlot(kref)
	if !ok {
		panic(core.ErrInvalidState.Errorf("%s has no c-list entry for %s", vk.vatID, kref))
	}
	vk.k.kv.Set(vk.clistKey(kref), buildReachableAndVatSlot(true, vatSlot))
	if !isReachable && isObjectImport(kref, vatSlot) {
		rc := vk.k.GetObjectRefCount(kref)
		rc.Reachable++
		vk.k.SetObjectRefCount(kref, rc)
	}
}

// ClearReachableFlag marks an entry unreachable. If that was the last
// reachable import of an object, the object becomes a GC candidate.
func (vk *VatKeeper) ClearReachableFlag(kref string) {
	isReachable, vatSlot, ok := vk.getReachableAndVatSlot(kref)
	if !ok {
		panic(core.ErrInvalidState.Errorf("%s has no c-list entry for %s", vk.vatID, kref))
	}
	vk.k.kv.Set(vk.clistKey(kref), buildReachableAndVatSlot(false, vatSlot))
	if isReachable && isObjectImport(kref, vatSlot) && vk.k.KernelObjectExists(kref) {
		rc := vk.k.GetObjectRefCount(kref)
		if rc.Reachable == 0 {
			panic(core.ErrInvalidState.Errorf("%s reachable flag set but refcount is %s", kref, rc))
		}
		rc.Reachable--
		vk.k.SetObjectRefCount(kref, rc)
		if rc.Reachable == 0 {
			vk.k.addMaybeFreeKref(kref)
		}
	}
}

func isObjectImport(kref, vatSlot string) bool {
	return core.KernelSlotType(kref) == core.ObjectSlot && strings.HasPrefix(vatSlot, "o-")
}

// InsistNotReachable returns an error if 'kref' is still reachable by the
// vat.
func (vk *VatKeeper) InsistNotReachable(kref string) error {
	if vk.GetReachableFlag(kref) {
		return core.ErrStillReachable.Errorf("%s: %s is still reachable", vk.vatID, kref)
	}
	return nil
}

// HasCListEntry returns true if the vat knows 'kref'.
func (vk *VatKeeper) HasCListEntry(kref string) bool {
	return vk.k.kv.Has(vk.clistKey(kref))
}

// HasVatSlot returns true if the vat's c-list has 'vref'.
func (vk *VatKeeper) HasVatSlot(vref string) bool {
	return vk.k.kv.Has(vk.clistKey(vref))
}

// ImportsKernelSlot returns true if the vat has 'kref' as an import.
func (vk *VatKeeper) ImportsKernelSlot(kref string) bool {
	_, vatSlot, ok := vk.getReachableAndVatSlot(kref)
	if !ok {
		return false
	}
	return len(vatSlot) > 1 && vatSlot[1] == '-'
}

// DeleteCListEntry removes both sides of a c-list entry and the
// recognizability it provided.
func (vk *VatKeeper) DeleteCListEntry(kernelSlot, vatSlot string) {
	kernelKey := vk.clistKey(kernelSlot)
	isReachable, _, ok := vk.getReachableAndVatSlot(kernelSlot)
	if !ok {
		panic(core.ErrInvalidState.Errorf("%s: deleting missing c-list entry %s", vk.vatID, kernelSlot))
	}
	vs, err := core.ParseVatSlot(vatSlot)
	if err != nil {
		panic(core.ErrInvalidState.Errorf("%v", err))
	}
	if isReachable {
		vk.ClearReachableFlag(kernelSlot)
	}
	vk.k.kv.Delete(kernelKey)
	vk.k.kv.Delete(vk.clistKey(vatSlot))
	vk.k.DecrementRefCount(kernelSlot, RefOptions{IsExport: vs.AllocatedByVat, OnlyRecognizable: true})
	vk.k.decStat(StatClistEntries)
	log.V(2).Infof("%s: delete mapping %s<=>%s", vk.vatID, kernelSlot, vatSlot)
}

// DeleteCListEntriesForKernelSlots deletes the entries of every kref in
// 'krefs' that the vat still has.
func (vk *VatKeeper) DeleteCListEntriesForKernelSlots(krefs []string) {
	for _, kref := range krefs {
		if _, vatSlot, ok := vk.getReachableAndVatSlot(kref); ok {
			vk.DeleteCListEntry(kref, vatSlot)
		}
	}
}

// CListEntry is one row of a c-list dump.
type CListEntry struct {
	Kref      string
	Vref      string
	Reachable bool
}

// GetCList returns the whole c-list, ordered by kref key.
func (vk *VatKeeper) GetCList() []CListEntry {
	var out []CListEntry
	p := vk.clistKey("k")
	for _, key := range vk.k.kv.Keys(p) {
		kref := key[len(vk.clistKey("")):]
		isReachable, vatSlot, _ := vk.getReachableAndVatSlot(kref)
		out = append(out, CListEntry{Kref: kref, Vref: vatSlot, Reachable: isReachable})
	}
	return out
}

//------ Reap dirt ------//

func (vk *VatKeeper) getReapDirtThreshold() ReapDirtThreshold {
	var t ReapDirtThreshold
	vk.k.getJSON(vk.prefix+"reapDirtThreshold", &t)
	return t
}

// GetReapDirt returns the dirt collected since the last reap.
func (vk *VatKeeper) GetReapDirt() ReapDirt {
	var d ReapDirt
	vk.k.getJSON(vk.prefix+"reapDirt", &d)
	return d
}

// AddDirt adds to the vat's dirt and schedules a bringOutYourDead when a
// threshold is reached.
func (vk *VatKeeper) AddDirt(more ReapDirt) {
	dirt := vk.GetReapDirt()
	dirt.Deliveries += more.Deliveries
	dirt.GCKrefs += more.GCKrefs
	vk.k.setJSON(vk.prefix+"reapDirt", dirt)

	t := vk.getReapDirtThreshold()
	if t.Never {
		return
	}
	if (t.Deliveries > 0 && dirt.Deliveries >= t.Deliveries) ||
		(t.GCKrefs > 0 && dirt.GCKrefs >= t.GCKrefs) {
		vk.k.ScheduleReap(vk.vatID)
	}
}

// ClearReapDirt resets the vat's dirt after a bringOutYourDead.
func (vk *VatKeeper) ClearReapDirt() {
	vk.k.kv.Set(vk.prefix+"reapDirt", "{}")
}

//------ Vatstore ------//

func (vk *VatKeeper) vatstoreKey(key string) string {
	return vk.prefix + "vs." + key
}

// VatstoreGet returns a vatstore value.
func (vk *VatKeeper) VatstoreGet(key string) (string, bool) {
	return vk.k.kv.Get(vk.vatstoreKey(key))
}

// VatstoreSet sets a vatstore value.
func (vk *VatKeeper) VatstoreSet(key, value string) {
	vk.k.kv.Set(vk.vatstoreKey(key), value)
}

// VatstoreDelete deletes a vatstore value.
func (vk *VatKeeper) VatstoreDelete(key string) {
	vk.k.kv.Delete(vk.vatstoreKey(key))
}

// VatstoreGetAfter returns the first vatstore entry after 'prior' within
// [lower, upper). Keys are given and returned without the vatstore prefix.
// An empty 'upper' means the rest of this vat's vatstore.
func (vk *VatKeeper) VatstoreGetAfter(prior, lower, upper string) (key, value string, ok bool) {
	base := vk.vatstoreKey("")
	hi := base + upper
	if upper == "" {
		hi = kvstore.PrefixEnd(base)
	}
	p := ""
	if prior != "" {
		p = base + prior
	}
	k, v, ok := vk.k.kv.GetAfter(p, base+lower, hi)
	if !ok {
		return "", "", false
	}
	return k[len(base):], v, true
}

//------ Allocation state ------//

// GetNextIDs returns the import allocators, for dumps.
func (vk *VatKeeper) GetNextIDs() (o, p, d uint64) {
	return vk.k.getNat(vk.prefix + "o.nextID"), vk.k.getNat(vk.prefix + "p.nextID"), vk.k.getNat(vk.prefix + "d.nextID")
}

func initializeVatState(k *KernelKeeper, vatID core.VatID, opts VatOptions, defaultThreshold ReapDirtThreshold) {
	p := vatID.String() + "."
	k.kv.Set(p+"o.nextID", strconv.Itoa(firstVatObjectID))
	k.kv.Set(p+"p.nextID", strconv.Itoa(firstVatPromiseID))
	k.kv.Set(p+"d.nextID", strconv.Itoa(firstVatDeviceID))
	k.kv.Set(p+"t.nextID", "0")
	threshold := defaultThreshold
	if opts.ReapDirtThreshold != nil {
		threshold = *opts.ReapDirtThreshold
	}
	k.kv.Set(p+"reapDirtThreshold", threshold.encode())
	k.kv.Set(p+"reapDirt", "{}")
	k.setJSON(p+"options", opts)
}
