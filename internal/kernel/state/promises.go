// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package state

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

// PromiseState is the settlement state of a kernel promise.
type PromiseState string

// Promise states.
const (
	Unresolved PromiseState = "unresolved"
	Fulfilled  PromiseState = "fulfilled"
	Rejected   PromiseState = "rejected"
)

// Policy says what the kernel does when a promise it created for the host is
// rejected.
type Policy string

// Promise policies.
const (
	PolicyIgnore     Policy = "ignore"
	PolicyLogAlways  Policy = "logAlways"
	PolicyLogFailure Policy = "logFailure"
	PolicyPanic      Policy = "panic"
)

// ParsePolicy validates a policy name. The empty string means ignore.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return PolicyIgnore, nil
	case PolicyIgnore, PolicyLogAlways, PolicyLogFailure, PolicyPanic:
		return p, nil
	}
	return "", core.ErrInvalidArgument.Errorf("unknown promise policy %q", s)
}

// KernelPromise is a decoded promise table entry. Decider, Policy,
// Subscribers and Queue are only meaningful while unresolved, Data only once
// settled.
type KernelPromise struct {
	State       PromiseState
	RefCount    int
	Decider     core.VatID
	HasDecider  bool
	Policy      Policy
	Subscribers []core.VatID
	Queue       []core.Message
	Data        core.CapData
}

// Resolution is one entry of a batch resolve.
type Resolution struct {
	KPID     string
	Rejected bool
	Data     core.CapData
}

// AddKernelPromise allocates an unresolved promise with no decider.
func (k *KernelKeeper) AddKernelPromise(policy Policy) string {
	id := k.allocate("kp.nextID")
	kpid := core.MakeKernelSlot(core.PromiseSlot, id)
	k.kv.Set(kpid+".state", string(Unresolved))
	k.kv.Set(kpid+".subscribers", "")
	k.kv.Set(kpid+".queue.nextID", "0")
	k.kv.Set(kpid+".refCount", "0")
	k.kv.Set(kpid+".decider", "")
	if policy != "" && policy != PolicyIgnore {
		k.kv.Set(kpid+".policy", string(policy))
	}
	k.incStat(StatKernelPromises)
	k.incStat(StatKPUnresolved)
	log.V(2).Infof("adding kernel promise %s", kpid)
	return kpid
}

// AddKernelPromiseForVat allocates a promise decided by 'deciderVatID'.
func (k *KernelKeeper) AddKernelPromiseForVat(deciderVatID core.VatID) string {
	kpid := k.AddKernelPromise(PolicyIgnore)
	k.kv.Set(kpid+".decider", deciderVatID.String())
	return kpid
}

// HasKernelPromise returns true if 'kpid' is in the promise table.
func (k *KernelKeeper) HasKernelPromise(kpid string) bool {
	return k.kv.Has(kpid + ".state")
}

// GetKernelPromise decodes a promise. Unknown promises are an error.
func (k *KernelKeeper) GetKernelPromise(kpid string) (*KernelPromise, error) {
	if err := core.InsistKernelType(core.PromiseSlot, kpid); err != nil {
		return nil, err
	}
	s, ok := k.kv.Get(kpid + ".state")
	if !ok {
		return nil, core.ErrUnknownPromise.Errorf("unknown kernelPromise %q", kpid)
	}
	p := &KernelPromise{State: PromiseState(s), RefCount: int(k.getNat(kpid + ".refCount"))}
	switch p.State {
	case Unresolved:
		if d, _ := k.kv.Get(kpid + ".decider"); d != "" {
			p.Decider, p.HasDecider = core.MustParseVatID(d), true
		}
		p.Policy = PolicyIgnore
		if pol, ok := k.kv.Get(kpid + ".policy"); ok {
			p.Policy = Policy(pol)
		}
		p.Subscribers = k.getSubscribers(kpid)
		p.Queue = k.getPromiseQueue(kpid)
	case Fulfilled, Rejected:
		p.Data = core.CapData{
			Body:  k.getRequired(kpid + ".data.body"),
			Slots: core.SplitSlots(k.getRequired(kpid + ".data.slots")),
		}
	default:
		panic(core.ErrInvalidState.Errorf("unknown state for %s: %s", kpid, s))
	}
	return p, nil
}

func (k *KernelKeeper) getSubscribers(kpid string) []core.VatID {
	s, _ := k.kv.Get(kpid + ".subscribers")
	var subs []core.VatID
	for _, v := range core.SplitSlots(s) {
		subs = append(subs, core.MustParseVatID(v))
	}
	return subs
}

// getPromiseQueue returns the queued messages in arrival order. Entries are
// numbered densely from zero, so they are read by index rather than by key
// order.
func (k *KernelKeeper) getPromiseQueue(kpid string) []core.Message {
	n := k.getNat(kpid + ".queue.nextID")
	var msgs []core.Message
	for i := uint64(0); i < n; i++ {
		var m core.Message
		k.getJSON(kpid+".queue."+strconv.FormatUint(i, 10), &m)
		msgs = append(msgs, m)
	}
	return msgs
}

// GetResolveablePromise returns the promise if it is unresolved and decided
// by 'decider'. A zero 'decider' means the kernel itself is resolving, in
// which case the promise must not have a decider.
func (k *KernelKeeper) GetResolveablePromise(kpid string, decider core.VatID) (*KernelPromise, error) {
	p, err := k.GetKernelPromise(kpid)
	if err != nil {
		return nil, err
	}
	if p.State != Unresolved {
		return nil, core.ErrAlreadyResolved.Errorf("%s was already resolved", kpid)
	}
	if decider != 0 {
		if !p.HasDecider || p.Decider != decider {
			return nil, core.ErrNotDecider.Errorf("%s is not the decider for %s", decider, kpid)
		}
	} else if p.HasDecider {
		return nil, core.ErrNotDecider.Errorf("kernel is not the decider for %s (%s is)", kpid, p.Decider)
	}
	return p, nil
}

// DeleteKernelPromise removes every key of a promise.
func (k *KernelKeeper) DeleteKernelPromise(kpid string) {
	s, ok := k.kv.Get(kpid + ".state")
	if !ok {
		panic(core.ErrInvalidState.Errorf("deleting unknown promise %s", kpid))
	}
	switch PromiseState(s) {
	case Unresolved:
		k.decStat(StatKPUnresolved)
	case Fulfilled:
		k.decStat(StatKPFulfilled)
	case Rejected:
		k.decStat(StatKPRejected)
	}
	k.decStat(StatKernelPromises)
	for _, key := range k.kv.Keys(kpid + ".") {
		k.kv.Delete(key)
	}
	log.V(2).Infof("deleted kernel promise %s", kpid)
}

// RequeueKernelPromise moves every message queued on 'kpid' to the
// acceptance queue, retargeted at the promise itself, so that they are routed
// again.
func (k *KernelKeeper) RequeueKernelPromise(kpid string) {
	for _, msg := range k.getPromiseQueue(kpid) {
		k.AddToAcceptanceQueue(SendEvent(kpid, msg))
		k.decStat(StatPromiseQueuesLength)
	}
	for _, key := range k.kv.Keys(kpid + ".queue.") {
		k.kv.Delete(key)
	}
	k.kv.Set(kpid+".queue.nextID", "0")
}

// ResolveKernelPromise settles 'kpid' with 'data'. Queued messages go back
// to the acceptance queue and the decider, subscribers and policy are
// forgotten. The data slots gain a reference.
func (k *KernelKeeper) ResolveKernelPromise(kpid string, rejected bool, data core.CapData) {
	if err := core.InsistKernelType(core.PromiseSlot, kpid); err != nil {
		panic(err)
	}
	k.IncrementSlots(data.Slots)
	k.RequeueKernelPromise(kpid)
	for _, suffix := range []string{".state", ".decider", ".subscribers", ".policy", ".queue.nextID"} {
		k.kv.Delete(kpid + suffix)
	}
	st := Fulfilled
	if rejected {
		st = Rejected
	}
	k.kv.Set(kpid+".state", string(st))
	k.kv.Set(kpid+".data.body", data.Body)
	k.kv.Set(kpid+".data.slots", core.JoinSlots(data.Slots))
	k.decStat(StatKPUnresolved)
	if rejected {
		k.incStat(StatKPRejected)
	} else {
		k.incStat(StatKPFulfilled)
	}
}

// AddMessageToPromiseQueue appends 'msg' to the queue of an unresolved
// promise. The promise queue holds references to the message slots and
// result, which the caller has already counted.
func (k *KernelKeeper) AddMessageToPromiseQueue(kpid string, msg core.Message) {
	if err := core.InsistKernelType(core.PromiseSlot, kpid); err != nil {
		panic(err)
	}
	if s, _ := k.kv.Get(kpid + ".state"); PromiseState(s) != Unresolved {
		panic(core.ErrInvalidState.Errorf("%s is %q, not unresolved", kpid, s))
	}
	n := k.allocate(kpid + ".queue.nextID")
	k.setJSON(kpid+".queue."+strconv.FormatUint(n, 10), msg)
	k.incStat(StatPromiseQueuesLength)
}

// SetDecider makes 'vatID' the decider of an unresolved promise that has
// none.
func (k *KernelKeeper) SetDecider(kpid string, vatID core.VatID) {
	p, err := k.GetKernelPromise(kpid)
	if err != nil {
		panic(err)
	}
	if p.State != Unresolved {
		panic(core.ErrInvalidState.Errorf("setDecider on %s %s", p.State, kpid))
	}
	if p.HasDecider {
		panic(core.ErrInvalidState.Errorf("setDecider: %s already has decider %s", kpid, p.Decider))
	}
	k.kv.Set(kpid+".decider", vatID.String())
}

// ClearDecider removes the decider of an unresolved promise.
func (k *KernelKeeper) ClearDecider(kpid string) {
	p, err := k.GetKernelPromise(kpid)
	if err != nil {
		panic(err)
	}
	if p.State != Unresolved {
		panic(core.ErrInvalidState.Errorf("clearDecider on %s %s", p.State, kpid))
	}
	if !p.HasDecider {
		panic(core.ErrInvalidState.Errorf("clearDecider: %s has no decider", kpid))
	}
	k.kv.Set(kpid+".decider", "")
}

// AddSubscriberToPromise records that 'vatID' wants a notify when 'kpid'
// settles. The subscriber set is kept sorted.
func (k *KernelKeeper) AddSubscriberToPromise(kpid string, vatID core.VatID) {
	subs := k.getSubscribers(kpid)
	for _, s := range subs {
		if s == vatID {
			return
		}
	}
	subs = append(subs, vatID)
	core.SortVatIDs(subs)
	names := make([]string, len(subs))
	for i, s := range subs {
		names[i] = s.String()
	}
	k.kv.Set(kpid+".subscribers", strings.Join(names, ","))
}

// EnumeratePromisesByDecider returns the unresolved promises in the c-list
// of 'vatID' that it decides, sorted by kpid.
func (k *KernelKeeper) EnumeratePromisesByDecider(vatID core.VatID) []string {
	prefix := vatID.String() + ".c.kp"
	var out []string
	for _, key := range k.kv.Keys(prefix) {
		kpid := key[len(vatID.String()+".c."):]
		s, _ := k.kv.Get(kpid + ".state")
		if PromiseState(s) != Unresolved {
			continue
		}
		if d, _ := k.kv.Get(kpid + ".decider"); d == vatID.String() {
			out = append(out, kpid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return core.CompareKernelSlots(out[i], out[j]) })
	return out
}

// GetPromisePolicy returns the policy of an unresolved promise.
func (k *KernelKeeper) GetPromisePolicy(kpid string) Policy {
	if pol, ok := k.kv.Get(kpid + ".policy"); ok {
		return Policy(pol)
	}
	return PolicyIgnore
}

// MarshalJSON renders a promise for dumps.
func (p *KernelPromise) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"state":    p.State,
		"refCount": p.RefCount,
	}
	if p.State == Unresolved {
		if p.HasDecider {
			out["decider"] = p.Decider
		}
		out["policy"] = p.Policy
		out["subscribers"] = p.Subscribers
		out["queue"] = p.Queue
	} else {
		out["data"] = p.Data
	}
	return json.Marshal(out)
}
