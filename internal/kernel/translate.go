// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
)

// Translation between vat space and kernel space. Deliveries go kernel to
// vat: the kernel built them, so any failure is a kernel bug and panics.
// Syscalls go vat to kernel: the vat may be confused or malicious, so
// failures are returned and end up terminating the vat.

//------ Kernel to vat ------//

func mapKernelSlot(vk *state.VatKeeper, kref string, opts state.MapOptions) string {
	vref, err := vk.MapKernelSlotToVatSlot(kref, opts)
	if err != nil {
		panic(err)
	}
	return vref
}

func mapKernelData(vk *state.VatKeeper, data core.CapData) core.CapData {
	out := core.CapData{Body: data.Body}
	for _, kref := range data.Slots {
		out.Slots = append(out.Slots, mapKernelSlot(vk, kref, state.Translate))
	}
	return out
}

func translateMessage(k *state.KernelKeeper, vk *state.VatKeeper, target string, msg core.Message) *VatDelivery {
	vatID := vk.VatID()
	vtarget := mapKernelSlot(vk, target, state.Translate)
	vs, err := core.ParseVatSlot(vtarget)
	if err != nil {
		panic(err)
	}
	switch vs.Type {
	case core.ObjectSlot:
		if !vs.AllocatedByVat {
			panic(core.ErrInvalidState.Errorf("deliver() of %s to wrong vat %s", target, vatID))
		}
	case core.PromiseSlot:
		p, err := k.GetKernelPromise(target)
		if err != nil {
			panic(err)
		}
		if !p.HasDecider || p.Decider != vatID {
			panic(core.ErrInvalidState.Errorf("wrong decider for %s: %s is not %s", target, vatID, p.Decider))
		}
	}
	vmsg := core.Message{Methargs: mapKernelData(vk, msg.Methargs)}
	if msg.Result != "" {
		p, err := k.GetKernelPromise(msg.Result)
		if err != nil {
			panic(err)
		}
		if p.State != state.Unresolved {
			panic(core.ErrInvalidState.Errorf("result %s already resolved", msg.Result))
		}
		if p.HasDecider {
			panic(core.ErrInvalidState.Errorf("result %s already has decider %s", msg.Result, p.Decider))
		}
		vmsg.Result = mapKernelSlot(vk, msg.Result, state.Translate)
		k.SetDecider(msg.Result, vatID)
	}
	return &VatDelivery{Type: DeliverMessage, Target: vtarget, Msg: &vmsg}
}

func translateNotify(k *state.KernelKeeper, vk *state.VatKeeper, kpids []string) *VatDelivery {
	d := &VatDelivery{Type: DeliverNotify}
	for _, kpid := range kpids {
		p, err := k.GetKernelPromise(kpid)
		if err != nil {
			panic(err)
		}
		if p.State == state.Unresolved {
			panic(core.ErrInvalidState.Errorf("notify on unresolved %s", kpid))
		}
		d.Resolutions = append(d.Resolutions, VatResolution{
			VPID:     mapKernelSlot(vk, kpid, state.Translate),
			Rejected: p.State == state.Rejected,
			Data:     mapKernelData(vk, p.Data),
		})
	}
	return d
}

// translateGC builds a dropExports, retireExports or retireImports delivery
// and applies its c-list effects. Every kref must already be in the c-list.
func translateGC(vk *state.VatKeeper, t state.EventType, krefs []string) *VatDelivery {
	required := state.MapOptions{Required: true}
	vrefs := make([]string, len(krefs))
	for i, kref := range krefs {
		vrefs[i] = mapKernelSlot(vk, kref, required)
	}
	var dt DeliveryType
	switch t {
	case state.EventDropExports:
		dt = DeliverDropExports
		for _, kref := range krefs {
			vk.ClearReachableFlag(kref)
		}
	case state.EventRetireExports, state.EventRetireImports:
		dt = DeliverRetireExports
		if t == state.EventRetireImports {
			dt = DeliverRetireImports
		}
		for i, kref := range krefs {
			vk.DeleteCListEntry(kref, vrefs[i])
		}
	default:
		panic(core.ErrInvalidState.Errorf("%s is not a GC delivery", t))
	}
	return &VatDelivery{Type: dt, Vrefs: vrefs}
}

func translateStartVat(vk *state.VatKeeper, params *core.CapData) *VatDelivery {
	vp := core.Undefined
	if params != nil {
		vp = mapKernelData(vk, *params)
	}
	return &VatDelivery{Type: DeliverStartVat, VatParameters: &vp}
}

//------ Vat to kernel ------//

func mapVatData(vk *state.VatKeeper, data core.CapData) (core.CapData, error) {
	out := core.CapData{Body: data.Body}
	for _, vref := range data.Slots {
		kref, err := vk.MapVatSlotToKernelSlot(vref, state.Translate)
		if err != nil {
			return core.CapData{}, err
		}
		out.Slots = append(out.Slots, kref)
	}
	return out, nil
}

// translateSend maps a send and takes the decider role of its result away
// from the sender.
func translateSend(k *state.KernelKeeper, vk *state.VatKeeper, target string, methargs core.CapData, result string) (string, core.Message, error) {
	ktarget, err := vk.MapVatSlotToKernelSlot(target, state.Translate)
	if err != nil {
		return "", core.Message{}, err
	}
	kargs, err := mapVatData(vk, methargs)
	if err != nil {
		return "", core.Message{}, err
	}
	msg := core.Message{Methargs: kargs}
	if result == "" {
		return ktarget, msg, nil
	}
	if err := core.InsistVatType(core.PromiseSlot, result); err != nil {
		return "", core.Message{}, err
	}
	kpid, err := vk.MapVatSlotToKernelSlot(result, state.Translate)
	if err != nil {
		return "", core.Message{}, err
	}
	p, err := k.GetKernelPromise(kpid)
	if err != nil {
		return "", core.Message{}, err
	}
	if p.State != state.Unresolved {
		return "", core.Message{}, core.ErrAlreadyResolved.Errorf("result %s (%s) is %s", result, kpid, p.State)
	}
	if !p.HasDecider || p.Decider != vk.VatID() {
		return "", core.Message{}, core.ErrNotDecider.Errorf("%s does not decide result %s (%s)", vk.VatID(), result, kpid)
	}
	k.ClearDecider(kpid)
	msg.Result = kpid
	return ktarget, msg, nil
}

// translateResolve maps a batch of resolutions. The resolved promises leave
// the resolver's c-list.
func translateResolve(k *state.KernelKeeper, vk *state.VatKeeper, resolutions []VatResolution) ([]state.Resolution, error) {
	var out []state.Resolution
	var kpids []string
	seen := make(map[string]bool)
	for _, r := range resolutions {
		if err := core.InsistVatType(core.PromiseSlot, r.VPID); err != nil {
			return nil, err
		}
		kpid, err := vk.MapVatSlotToKernelSlot(r.VPID, state.Translate)
		if err != nil {
			return nil, err
		}
		if seen[kpid] {
			return nil, core.ErrAlreadyResolved.Errorf("%s (%s) resolved twice in one batch", r.VPID, kpid)
		}
		seen[kpid] = true
		if _, err := k.GetResolveablePromise(kpid, vk.VatID()); err != nil {
			return nil, err
		}
		if s, ok := core.ExtractSingleSlot(r.Data); ok && s == r.VPID {
			return nil, core.ErrInvalidArgument.Errorf("%s resolved to itself", r.VPID)
		}
		data, err := mapVatData(vk, r.Data)
		if err != nil {
			return nil, err
		}
		kpids = append(kpids, kpid)
		out = append(out, state.Resolution{KPID: kpid, Rejected: r.Rejected, Data: data})
	}
	vk.DeleteCListEntriesForKernelSlots(kpids)
	return out, nil
}

func translateSubscribe(k *state.KernelKeeper, vk *state.VatKeeper, vpid string) (string, error) {
	if err := core.InsistVatType(core.PromiseSlot, vpid); err != nil {
		return "", err
	}
	kpid, err := vk.MapVatSlotToKernelSlot(vpid, state.Translate)
	if err != nil {
		return "", err
	}
	if !k.HasKernelPromise(kpid) {
		return "", core.ErrUnknownPromise.Errorf("unknown kernelPromise id %q", kpid)
	}
	return kpid, nil
}

// gcVref checks that 'vref' is an object import (or export, if 'export')
// and returns its kref.
func gcVref(vk *state.VatKeeper, vref string, export bool) (string, error) {
	vs, err := core.ParseVatSlot(vref)
	if err != nil {
		return "", err
	}
	if vs.Type != core.ObjectSlot || vs.AllocatedByVat != export {
		if export {
			return "", core.ErrNotAnExport.Errorf("%s", vref)
		}
		return "", core.ErrNotAnImport.Errorf("%s", vref)
	}
	return vk.MapVatSlotToKernelSlot(vref, state.MapOptions{Required: true})
}

func translateDropImports(vk *state.VatKeeper, vrefs []string) ([]string, error) {
	var krefs []string
	for _, vref := range vrefs {
		kref, err := gcVref(vk, vref, false)
		if err != nil {
			return nil, err
		}
		if !vk.GetReachableFlag(kref) {
			return nil, core.ErrAlreadyDropped.Errorf("%s (%s)", vref, kref)
		}
		vk.ClearReachableFlag(kref)
		krefs = append(krefs, kref)
	}
	return krefs, nil
}

func translateRetireImports(vk *state.VatKeeper, vrefs []string) ([]string, error) {
	var krefs []string
	for _, vref := range vrefs {
		kref, err := gcVref(vk, vref, false)
		if err != nil {
			return nil, err
		}
		if err := vk.InsistNotReachable(kref); err != nil {
			return nil, err
		}
		vk.DeleteCListEntry(kref, vref)
		krefs = append(krefs, kref)
	}
	return krefs, nil
}

func translateRetireExports(vk *state.VatKeeper, vrefs []string) ([]string, error) {
	var krefs []string
	for _, vref := range vrefs {
		kref, err := gcVref(vk, vref, true)
		if err != nil {
			return nil, err
		}
		if err := vk.InsistNotReachable(kref); err != nil {
			return nil, err
		}
		vk.DeleteCListEntry(kref, vref)
		krefs = append(krefs, kref)
	}
	return krefs, nil
}

// translateAbandonExports only maps; orphaning the object removes the c-list
// entry.
func translateAbandonExports(vk *state.VatKeeper, vrefs []string) ([]string, error) {
	var krefs []string
	seen := make(map[string]bool)
	for _, vref := range vrefs {
		kref, err := gcVref(vk, vref, true)
		if err != nil {
			return nil, err
		}
		if seen[kref] {
			return nil, core.ErrInvalidArgument.Errorf("%s abandoned twice", vref)
		}
		seen[kref] = true
		krefs = append(krefs, kref)
	}
	return krefs, nil
}
