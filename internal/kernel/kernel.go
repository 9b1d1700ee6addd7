// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

/*
Package kernel runs vats. A vat is an isolated unit of computation that only
sees its own vrefs ("o+3", "p-12"). The kernel keeps the c-lists that
translate those to krefs ("ko20", "kp40"), the tables of kernel objects and
promises, and the queues of pending work.

Work happens in cranks. Each crank takes one event, delivers it to at most
one vat, and commits every resulting state change to the store along with a
crank hash. Two kernels that start from the same state and are given the
same host calls go through the same cranks and end with the same activity
hash.

The host (the program embedding the kernel) adds vats with AddVat, talks to
them with QueueToKref, and drives the kernel with Step or Run. None of these
may be called from inside a vat's Dispatch.
*/
package kernel

import (
	"sync/atomic"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
	"github.com/westerndigitalcorporation/vatkernel/internal/kvstore"
)

// Kernel is a vat kernel over a store.
type Kernel struct {
	cfg    Config
	kv     *kvstore.CrankBuffer
	keeper *state.KernelKeeper

	// Dispatchers of live vats. These are not persistent: the host attaches
	// them with AddVat every time the kernel is built.
	vats map[core.VatID]Vat

	started bool
	busy    int32

	panicErr      error
	lastCrankHash string
}

// New returns a kernel over 'store'. An empty store is initialized.
func New(store kvstore.Store, cfg Config) *Kernel {
	kv := kvstore.NewCrankBuffer(store)
	k := &Kernel{
		cfg:    cfg,
		kv:     kv,
		keeper: state.NewKernelKeeper(kv, cfg.VatKeeperCacheSize),
		vats:   make(map[core.VatID]Vat),
	}
	if !k.keeper.IsInitialized() {
		k.keeper.CreateStartingKernelState(cfg.DefaultReapDirtThreshold)
		k.keeper.Commit()
	}
	if cfg.UseFailure {
		enableFailures()
	}
	return k
}

func (k *Kernel) acquire() bool {
	return atomic.CompareAndSwapInt32(&k.busy, 0, 1)
}

func (k *Kernel) release() {
	atomic.StoreInt32(&k.busy, 0)
}

// hostOp runs a host call outside of any crank and commits what it did. If
// 'fn' fails, whatever it wrote is discarded. A panic in 'fn' is a kernel
// bug and panics the kernel.
func (k *Kernel) hostOp(fn func() error) (err error) {
	if k.panicErr != nil {
		return k.panicErr
	}
	if !k.acquire() {
		return core.ErrReentrancy.Errorf("kernel is busy")
	}
	defer k.release()
	defer func() {
		if r := recover(); r != nil {
			k.setPanic(panicError(r))
			err = k.panicErr
		}
	}()
	if err = fn(); err != nil {
		k.keeper.Discard()
		return err
	}
	if k.panicErr != nil {
		return k.panicErr
	}
	k.keeper.ProcessRefcounts()
	k.keeper.Commit()
	return nil
}

// Start checks that every live vat has a dispatcher and allows cranks.
func (k *Kernel) Start() error {
	if k.started {
		return nil
	}
	for _, vatID := range k.keeper.GetLiveVatIDs() {
		if _, ok := k.vats[vatID]; !ok {
			return core.ErrNoSuchVat.Errorf("no dispatcher for %s", vatID)
		}
	}
	k.started = true
	log.Infof("kernel started at crank %d", k.keeper.GetCrankNumber())
	return nil
}

// AddVat attaches 'vat' under 'name'. A name seen for the first time creates
// the vat, and its startVat delivery (with 'params', whose slots must be
// krefs) is queued. Otherwise the existing vat gets 'vat' as its
// dispatcher and 'opts' and 'params' are ignored.
func (k *Kernel) AddVat(name string, vat Vat, opts state.VatOptions, params *core.CapData) (vatID core.VatID, err error) {
	err = k.hostOp(func() error {
		if id, ok := k.keeper.GetVatIDForName(name); ok {
			vatID = id
			k.vats[id] = vat
			return nil
		}
		if params != nil {
			if err := k.validateKrefs(params.Slots); err != nil {
				return err
			}
		}
		opts.Name = name
		vatID = k.keeper.AllocateVatIDForName(name)
		k.keeper.CreateVatState(vatID, opts)
		ev := &state.RunQueueEvent{Type: state.EventStartVat, VatID: vatID}
		if params != nil {
			p := *params
			k.keeper.IncrementSlots(p.Slots)
			ev.VatParameters = &p
		}
		k.keeper.AddToRunQueue(ev)
		k.vats[vatID] = vat
		return nil
	})
	return vatID, err
}

// VatID looks up a live vat by name.
func (k *Kernel) VatID(name string) (core.VatID, bool) {
	return k.keeper.GetVatIDForName(name)
}

func (k *Kernel) validateKref(kref string) error {
	ks, err := core.ParseKernelSlot(kref)
	if err != nil {
		return err
	}
	switch ks.Type {
	case core.ObjectSlot:
		if !k.keeper.KernelObjectExists(kref) {
			return core.ErrUnknownSlot.Errorf("no such object %s", kref)
		}
	case core.PromiseSlot:
		if !k.keeper.HasKernelPromise(kref) {
			return core.ErrUnknownPromise.Errorf("no such promise %s", kref)
		}
	}
	return nil
}

func (k *Kernel) validateKrefs(krefs []string) error {
	for _, kref := range krefs {
		if err := k.validateKref(kref); err != nil {
			return err
		}
	}
	return nil
}

// QueueToKref sends a message from the host to 'target' and returns the
// kpid of its result. The host holds a reference to the result until it
// calls KPResolution.
func (k *Kernel) QueueToKref(target string, methargs core.CapData, policy state.Policy) (kpid string, err error) {
	err = k.hostOp(func() error {
		if err := k.validateKref(target); err != nil {
			return err
		}
		if err := k.validateKrefs(methargs.Slots); err != nil {
			return err
		}
		if _, err := state.ParsePolicy(string(policy)); err != nil {
			return err
		}
		kpid = k.keeper.AddKernelPromise(policy)
		k.keeper.IncrementRefCount(kpid, state.RefOptions{})
		k.doSend(target, core.Message{Methargs: methargs, Result: kpid})
		return nil
	})
	return kpid, err
}

// Queue sends a message from the host to 'target' without a result.
func (k *Kernel) Queue(target string, methargs core.CapData) error {
	return k.hostOp(func() error {
		if err := k.validateKref(target); err != nil {
			return err
		}
		if err := k.validateKrefs(methargs.Slots); err != nil {
			return err
		}
		k.doSend(target, core.Message{Methargs: methargs})
		return nil
	})
}

// KPStatus returns "unresolved", "fulfilled", "rejected", or "unknown" for
// a kpid that is not in the promise table.
func (k *Kernel) KPStatus(kpid string) string {
	if err := core.InsistKernelType(core.PromiseSlot, kpid); err != nil || !k.keeper.HasKernelPromise(kpid) {
		return "unknown"
	}
	p, err := k.keeper.GetKernelPromise(kpid)
	if err != nil {
		return "unknown"
	}
	return string(p.State)
}

// KPResolution returns the settled value of a promise from QueueToKref and
// gives up the host's reference to it. The data slots are now referenced by
// the host instead.
func (k *Kernel) KPResolution(kpid string) (data core.CapData, rejected bool, err error) {
	err = k.hostOp(func() error {
		if !k.keeper.HasKernelPromise(kpid) {
			return core.ErrUnknownPromise.Errorf("no such promise %s", kpid)
		}
		p, err := k.keeper.GetKernelPromise(kpid)
		if err != nil {
			return err
		}
		if p.State == state.Unresolved {
			return core.ErrInvalidState.Errorf("%s is unresolved", kpid)
		}
		data, rejected = p.Data, p.State == state.Rejected
		k.keeper.IncrementSlots(data.Slots)
		k.keeper.DecrementRefCount(kpid, state.RefOptions{})
		return nil
	})
	return data, rejected, err
}

// RootObject returns the kref of the root object (o+0) of a vat.
func (k *Kernel) RootObject(vatID core.VatID) (kref string, err error) {
	err = k.hostOp(func() error {
		if !k.keeper.VatIsAlive(vatID) {
			return core.ErrNoSuchVat.Errorf("%s", vatID)
		}
		kref, err = k.rootObject(vatID)
		return err
	})
	return kref, err
}

func (k *Kernel) rootObject(vatID core.VatID) (string, error) {
	return k.keeper.ProvideVatKeeper(vatID).MapVatSlotToKernelSlot(core.MakeVatSlot(core.ObjectSlot, true, 0), state.Translate)
}

// QueueToVatRoot sends a message to the root object of the vat called
// 'name', pinning the root so it stays reachable, and returns the result
// kpid.
func (k *Kernel) QueueToVatRoot(name string, methargs core.CapData, policy state.Policy) (string, error) {
	vatID, ok := k.keeper.GetVatIDForName(name)
	if !ok {
		return "", core.ErrNoSuchVat.Errorf("no vat called %q", name)
	}
	var root string
	err := k.hostOp(func() error {
		var err error
		if root, err = k.rootObject(vatID); err != nil {
			return err
		}
		k.keeper.PinObject(root)
		return nil
	})
	if err != nil {
		return "", err
	}
	return k.QueueToKref(root, methargs, policy)
}

// AddImport gives 'vatID' an import of 'kref' and returns its vref.
func (k *Kernel) AddImport(vatID core.VatID, kref string) (vref string, err error) {
	err = k.hostOp(func() error {
		if !k.keeper.VatIsAlive(vatID) {
			return core.ErrNoSuchVat.Errorf("%s", vatID)
		}
		if err := k.validateKref(kref); err != nil {
			return err
		}
		vref, err = k.keeper.ProvideVatKeeper(vatID).MapKernelSlotToVatSlot(kref, state.Translate)
		return err
	})
	return vref, err
}

// AddExport returns the kref of an object exported by 'vatID'. The object is
// pinned: the host's reference to it is permanent, and is not counted twice
// if the host asks again.
func (k *Kernel) AddExport(vatID core.VatID, vref string) (kref string, err error) {
	err = k.hostOp(func() error {
		if !k.keeper.VatIsAlive(vatID) {
			return core.ErrNoSuchVat.Errorf("%s", vatID)
		}
		if err := core.InsistVatType(core.ObjectSlot, vref); err != nil {
			return err
		}
		kref, err = k.keeper.ProvideVatKeeper(vatID).MapVatSlotToKernelSlot(vref, state.Translate)
		if err != nil {
			return err
		}
		k.keeper.PinObject(kref)
		return nil
	})
	return kref, err
}

// PinObject keeps 'kref' reachable forever.
func (k *Kernel) PinObject(kref string) error {
	return k.hostOp(func() error {
		if err := core.InsistKernelType(core.ObjectSlot, kref); err != nil {
			return err
		}
		if err := k.validateKref(kref); err != nil {
			return err
		}
		k.keeper.PinObject(kref)
		return nil
	})
}

// TerminateVatExternally kills a vat on behalf of the host. Its promises are
// rejected with "vat terminated".
func (k *Kernel) TerminateVatExternally(vatID core.VatID, reason core.CapData) error {
	return k.hostOp(func() error {
		if !k.keeper.VatIsAlive(vatID) {
			return core.ErrNoSuchVat.Errorf("%s", vatID)
		}
		if err := k.validateKrefs(reason.Slots); err != nil {
			return err
		}
		k.terminateVat(vatID, true, reason)
		return nil
	})
}

// ReapAllVats queues a bringOutYourDead for every live vat.
func (k *Kernel) ReapAllVats() error {
	return k.hostOp(func() error {
		for _, vatID := range k.keeper.GetLiveVatIDs() {
			k.keeper.ScheduleReap(vatID)
		}
		return nil
	})
}

// Dump returns a snapshot of the kernel tables.
func (k *Kernel) Dump() *state.Dump {
	return k.keeper.Dump()
}

// Keeper returns the kernel tables.
func (k *Kernel) Keeper() *state.KernelKeeper {
	return k.keeper
}

// ActivityHash returns the hash chained over all cranks so far.
func (k *Kernel) ActivityHash() string {
	return k.kv.ActivityHash()
}

// LastCrankHash returns the hash of the last committed crank.
func (k *Kernel) LastCrankHash() string {
	return k.lastCrankHash
}

// Close closes the store.
func (k *Kernel) Close() error {
	return k.kv.Store().Close()
}
