// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package state

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/pkg/slices"
)

// RefCount is the pair of counts kept for every kernel object. Reachable
// references let the holder send to the object; recognizable ones only let
// it compare identities. Reachable never exceeds Recognizable.
type RefCount struct {
	Reachable    int
	Recognizable int
}

func (rc RefCount) String() string {
	return fmt.Sprintf("%d,%d", rc.Reachable, rc.Recognizable)
}

// RefOptions qualify a refcount change.
type RefOptions struct {
	// IsExport means the reference comes from a c-list export. Those count
	// for promises but not for objects.
	IsExport bool
	// OnlyRecognizable means the reference provides recognition but not
	// reachability.
	OnlyRecognizable bool
}

// AddKernelObject allocates a new kernel object owned by 'owner'.
func (k *KernelKeeper) AddKernelObject(owner core.VatID) string {
	id := k.allocate("ko.nextID")
	kref := core.MakeKernelSlot(core.ObjectSlot, id)
	log.V(2).Infof("adding kernel object %s for %s", kref, owner)
	k.kv.Set(kref+".owner", owner.String())
	k.SetObjectRefCount(kref, RefCount{})
	k.incStat(StatKernelObjects)
	return kref
}

// KernelObjectExists returns true if 'kref' has not been deleted.
func (k *KernelKeeper) KernelObjectExists(kref string) bool {
	return k.kv.Has(kref + ".refCount")
}

// OwnerOfKernelObject returns the owner of 'kref'. Orphaned objects, and
// objects whose owner has been terminated, have no owner.
func (k *KernelKeeper) OwnerOfKernelObject(kref string) (core.VatID, bool) {
	if err := core.InsistKernelType(core.ObjectSlot, kref); err != nil {
		panic(err)
	}
	owner, ok := k.rawOwner(kref)
	if !ok || k.IsVatTerminated(owner) {
		return 0, false
	}
	return owner, true
}

// rawOwner returns the recorded owner even if it is terminated.
func (k *KernelKeeper) rawOwner(kref string) (core.VatID, bool) {
	s, ok := k.kv.Get(kref + ".owner")
	if !ok || s == "" {
		return 0, false
	}
	return core.MustParseVatID(s), true
}

// GetObjectRefCount returns the refcount of an object. Deleted objects have
// a zero refcount.
func (k *KernelKeeper) GetObjectRefCount(kref string) RefCount {
	data, ok := k.kv.Get(kref + ".refCount")
	if !ok || data == "" {
		return RefCount{}
	}
	parts := strings.Split(data, ",")
	if len(parts) != 2 {
		panic(core.ErrInvalidState.Errorf("bad refcount %q for %s", data, kref))
	}
	reach, err1 := strconv.Atoi(parts[0])
	recog, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		panic(core.ErrInvalidState.Errorf("bad refcount %q for %s", data, kref))
	}
	rc := RefCount{Reachable: reach, Recognizable: recog}
	if rc.Reachable > rc.Recognizable {
		panic(core.ErrInvalidState.Errorf("refmismatch(get) %s %s", kref, rc))
	}
	return rc
}

// SetObjectRefCount stores the refcount of an object, insisting on
// 0 <= reachable <= recognizable.
func (k *KernelKeeper) SetObjectRefCount(kref string, rc RefCount) {
	if rc.Reachable < 0 || rc.Recognizable < 0 {
		panic(core.ErrInvalidState.Errorf("%s underflow %s", kref, rc))
	}
	if rc.Reachable > rc.Recognizable {
		panic(core.ErrInvalidState.Errorf("refmismatch(set) %s %s", kref, rc))
	}
	k.kv.Set(kref+".refCount", rc.String())
}

// OrphanKernelObject removes 'oldVat' as the owner of 'kref' along with its
// c-list entry. The object is not deleted: it will be retired if and when all
// other references go away.
func (k *KernelKeeper) OrphanKernelObject(kref string, oldVat core.VatID) {
	owner, ok := k.rawOwner(kref)
	if !ok || owner != oldVat {
		panic(core.ErrInvalidState.Errorf("export %s not owned by %s", kref, oldVat))
	}
	k.kv.Delete(kref + ".owner")
	vk := k.ProvideVatKeeper(oldVat)
	if _, vatSlot, ok := vk.getReachableAndVatSlot(kref); ok {
		k.kv.Delete(vk.clistKey(kref))
		k.kv.Delete(vk.clistKey(vatSlot))
		k.decStat(StatClistEntries)
	}
	k.addMaybeFreeKref(kref)
}

// RetireKernelObjects deletes each object in 'krefs' and tells every vat that
// still imports it to retire its import.
func (k *KernelKeeper) RetireKernelObjects(krefs []string) {
	var actions []GCAction
	for _, kref := range krefs {
		for _, vatID := range k.GetImporters(kref) {
			actions = append(actions, GCAction{VatID: vatID, Type: RetireImport, Kref: kref})
		}
		k.DeleteKernelObject(kref)
	}
	k.AddGCActions(actions)
}

// DeleteKernelObject removes all state of an object.
func (k *KernelKeeper) DeleteKernelObject(kref string) {
	k.kv.Delete(kref + ".owner")
	k.kv.Delete(kref + ".refCount")
	k.decStat(StatKernelObjects)
	log.V(2).Infof("deleted kernel object %s", kref)
}

// GetImporters returns the vats that import 'kref', in vat ID string order.
func (k *KernelKeeper) GetImporters(kref string) []core.VatID {
	var importers []core.VatID
	for _, vatID := range k.GetAllVatIDs() {
		if k.ProvideVatKeeper(vatID).ImportsKernelSlot(kref) {
			importers = append(importers, vatID)
		}
	}
	core.SortVatIDs(importers)
	return importers
}

// PinObject adds a permanent reachable reference to 'kref', so it is never
// collected.
func (k *KernelKeeper) PinObject(kref string) {
	pinned, added := slices.InsertSorted(k.GetPinnedObjects(), kref)
	if !added {
		return
	}
	k.IncrementRefCount(kref, RefOptions{})
	k.kv.Set("pinnedObjects", core.JoinSlots(pinned))
}

// GetPinnedObjects returns the pinned krefs.
func (k *KernelKeeper) GetPinnedObjects() []string {
	v, _ := k.kv.Get("pinnedObjects")
	return core.SplitSlots(v)
}

//------ Device nodes ------//

// AddKernelDeviceNode allocates a kref for a device node owned by
// 'deviceID'.
func (k *KernelKeeper) AddKernelDeviceNode(deviceID core.DeviceID) string {
	id := k.allocate("kd.nextID")
	kref := core.MakeKernelSlot(core.DeviceSlot, id)
	log.V(2).Infof("adding kernel device %s for %s", kref, deviceID)
	k.kv.Set(kref+".owner", deviceID.String())
	k.incStat(StatKernelDevices)
	return kref
}

// OwnerOfKernelDevice returns the device that owns 'kref'.
func (k *KernelKeeper) OwnerOfKernelDevice(kref string) (core.DeviceID, bool) {
	s, ok := k.kv.Get(kref + ".owner")
	if !ok {
		return 0, false
	}
	d, err := core.ParseDeviceID(s)
	if err != nil {
		panic(core.ErrInvalidState.Errorf("bad owner %q of %s", s, kref))
	}
	return d, true
}

// AllocateDeviceIDForName returns the device ID for 'name', allocating one
// on first use.
func (k *KernelKeeper) AllocateDeviceIDForName(name string) core.DeviceID {
	key := "device.name." + name
	if s, ok := k.kv.Get(key); ok {
		d, err := core.ParseDeviceID(s)
		if err != nil {
			panic(core.ErrInvalidState.Errorf("bad device ID %q for %s", s, name))
		}
		return d
	}
	d := core.DeviceID(k.allocate("device.nextID"))
	k.kv.Set(key, d.String())
	var names []string
	k.getJSON("device.names", &names)
	k.setJSON("device.names", append(names, name))
	return d
}

//------ Refcounts ------//

func (k *KernelKeeper) addMaybeFreeKref(kref string) {
	k.maybeFreeKrefs[kref] = true
}

// IncrementRefCount adds a reference to 'kref'. Promises have a single
// count; objects count reachable and recognizable references separately.
// Devices are not counted.
func (k *KernelKeeper) IncrementRefCount(kref string, opts RefOptions) {
	switch core.KernelSlotType(kref) {
	case core.PromiseSlot:
		n := k.getNat(kref+".refCount") + 1
		k.kv.Set(kref+".refCount", strconv.FormatUint(n, 10))
	case core.ObjectSlot:
		if opts.IsExport {
			return
		}
		rc := k.GetObjectRefCount(kref)
		if !opts.OnlyRecognizable {
			rc.Reachable++
		}
		rc.Recognizable++
		k.SetObjectRefCount(kref, rc)
	}
}

// DecrementRefCount removes a reference from 'kref'. Any count reaching zero
// makes the kref a candidate for ProcessRefcounts. It returns true when a
// promise's count reached zero.
func (k *KernelKeeper) DecrementRefCount(kref string, opts RefOptions) bool {
	switch core.KernelSlotType(kref) {
	case core.PromiseSlot:
		n := k.getNat(kref + ".refCount")
		if n == 0 {
			panic(core.ErrInvalidState.Errorf("refCount underflow %s", kref))
		}
		n--
		k.kv.Set(kref+".refCount", strconv.FormatUint(n, 10))
		if n == 0 {
			k.addMaybeFreeKref(kref)
			return true
		}
	case core.ObjectSlot:
		if opts.IsExport || !k.KernelObjectExists(kref) {
			return false
		}
		rc := k.GetObjectRefCount(kref)
		if !opts.OnlyRecognizable {
			rc.Reachable--
		}
		rc.Recognizable--
		if rc.Reachable == 0 || rc.Recognizable == 0 {
			k.addMaybeFreeKref(kref)
		}
		k.SetObjectRefCount(kref, rc)
	}
	return false
}

// IncrementSlots increments every slot of 'data'.
func (k *KernelKeeper) IncrementSlots(slots []string) {
	for _, s := range slots {
		k.IncrementRefCount(s, RefOptions{})
	}
}

// DecrementSlots decrements every slot of 'data'.
func (k *KernelKeeper) DecrementSlots(slots []string) {
	for _, s := range slots {
		k.DecrementRefCount(s, RefOptions{})
	}
}
