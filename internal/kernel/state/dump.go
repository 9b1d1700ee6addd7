// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package state

import (
	"sort"
	"strings"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

// ObjectDump describes one kernel object.
type ObjectDump struct {
	Kref         string `json:"kref"`
	Owner        string `json:"owner,omitempty"`
	Reachable    int    `json:"reachable"`
	Recognizable int    `json:"recognizable"`
}

// PromiseDump describes one kernel promise.
type PromiseDump struct {
	KPID    string         `json:"kpid"`
	Promise *KernelPromise `json:"promise"`
}

// VatDump describes one vat.
type VatDump struct {
	VatID      core.VatID   `json:"vatID"`
	Options    VatOptions   `json:"options"`
	Terminated bool         `json:"terminated,omitempty"`
	CList      []CListEntry `json:"clist"`
	ReapDirt   ReapDirt     `json:"reapDirt"`
}

// Dump is a snapshot of all kernel tables, for debugging and tests.
type Dump struct {
	CrankNumber     uint64           `json:"crankNumber"`
	ActivityHash    string           `json:"activityHash"`
	Vats            []VatDump        `json:"vats"`
	Objects         []ObjectDump     `json:"objects"`
	Promises        []PromiseDump    `json:"promises"`
	RunQueue        []*RunQueueEvent `json:"runQueue"`
	AcceptanceQueue []*RunQueueEvent `json:"acceptanceQueue"`
	GCActions       []string         `json:"gcActions"`
	ReapQueue       []core.VatID     `json:"reapQueue"`
	Pinned          []string         `json:"pinned"`
	Stats           map[string]int64 `json:"stats"`
}

// GetAllKernelObjects returns every kernel object, in kref order.
func (k *KernelKeeper) GetAllKernelObjects() []ObjectDump {
	var out []ObjectDump
	for _, key := range k.kv.Keys("ko") {
		if !strings.HasSuffix(key, ".refCount") {
			continue
		}
		kref := strings.TrimSuffix(key, ".refCount")
		rc := k.GetObjectRefCount(kref)
		owner, _ := k.kv.Get(kref + ".owner")
		out = append(out, ObjectDump{Kref: kref, Owner: owner, Reachable: rc.Reachable, Recognizable: rc.Recognizable})
	}
	sort.Slice(out, func(i, j int) bool { return core.CompareKernelSlots(out[i].Kref, out[j].Kref) })
	return out
}

// GetAllKernelPromises returns every kernel promise, in kpid order.
func (k *KernelKeeper) GetAllKernelPromises() []PromiseDump {
	var out []PromiseDump
	for _, key := range k.kv.Keys("kp") {
		if !strings.HasSuffix(key, ".state") {
			continue
		}
		kpid := strings.TrimSuffix(key, ".state")
		p, err := k.GetKernelPromise(kpid)
		if err != nil {
			panic(err)
		}
		out = append(out, PromiseDump{KPID: kpid, Promise: p})
	}
	sort.Slice(out, func(i, j int) bool { return core.CompareKernelSlots(out[i].KPID, out[j].KPID) })
	return out
}

// Dump collects the content of every kernel table.
func (k *KernelKeeper) Dump() *Dump {
	d := &Dump{
		CrankNumber:     k.GetCrankNumber(),
		ActivityHash:    k.kv.ActivityHash(),
		Objects:         k.GetAllKernelObjects(),
		Promises:        k.GetAllKernelPromises(),
		RunQueue:        k.DumpRunQueue(),
		AcceptanceQueue: k.DumpAcceptanceQueue(),
		ReapQueue:       k.GetReapQueue(),
		Pinned:          k.GetPinnedObjects(),
		Stats:           make(map[string]int64),
	}
	for _, a := range k.GetGCActions() {
		d.GCActions = append(d.GCActions, a.String())
	}
	for _, vatID := range k.GetAllVatIDs() {
		vk := k.ProvideVatKeeper(vatID)
		d.Vats = append(d.Vats, VatDump{
			VatID:      vatID,
			Options:    vk.GetOptions(),
			Terminated: k.IsVatTerminated(vatID),
			CList:      vk.GetCList(),
			ReapDirt:   vk.GetReapDirt(),
		})
	}
	for _, name := range k.stats.Names() {
		d.Stats[name] = k.stats.Get(name)
	}
	return d
}
