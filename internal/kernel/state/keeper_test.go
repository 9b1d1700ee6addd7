// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package state

import (
	"reflect"
	"testing"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

func TestStartingState(t *testing.T) {
	k := NewKernelKeeper(kvstoreForTest(), 10)
	if k.IsInitialized() {
		t.Fatalf("fresh store claims to be initialized")
	}
	k.CreateStartingKernelState(ReapDirtThreshold{})
	k.Commit()

	if n := k.GetCrankNumber(); n != 0 {
		t.Fatalf("crank number %d", n)
	}
	if ko := k.AddKernelObject(core.VatID(1)); ko != "ko20" {
		t.Fatalf("first object %s", ko)
	}
	if kp := k.AddKernelPromise(PolicyIgnore); kp != "kp40" {
		t.Fatalf("first promise %s", kp)
	}
	if kd := k.AddKernelDeviceNode(core.DeviceID(7)); kd != "kd30" {
		t.Fatalf("first device node %s", kd)
	}
	if d := k.AllocateDeviceIDForName("timer"); d != core.DeviceID(7) {
		t.Fatalf("first device %s", d)
	}
	if v := k.AllocateVatIDForName("alice"); v != core.VatID(1) {
		t.Fatalf("first vat %s", v)
	}
	if v := k.AllocateVatIDForName("alice"); v != core.VatID(1) {
		t.Fatalf("reallocation gave %s", v)
	}

	// A second keeper over the same buffer picks up where we left off.
	k.Commit()
	k2 := NewKernelKeeper(k.KV(), 10)
	if !k2.IsInitialized() {
		t.Fatalf("not initialized after commit")
	}
	if got := k2.Stats().Get(StatKernelObjects); got != 1 {
		t.Fatalf("stats not reloaded: %d", got)
	}
}

func TestQueues(t *testing.T) {
	k, _, _ := newTestKeeper(t)
	msg := core.Message{Methargs: core.NewMethargs("foo", nil)}
	k.AddToRunQueue(SendEvent("ko20", msg))
	k.AddToRunQueue(NotifyEvent(core.VatID(2), "kp40"))
	k.AddToAcceptanceQueue(SendEvent("ko21", msg))

	if k.GetRunQueueLength() != 2 || k.GetAcceptanceQueueLength() != 1 {
		t.Fatalf("lengths %d %d", k.GetRunQueueLength(), k.GetAcceptanceQueueLength())
	}
	if got := k.Stats().Get(StatRunQueueLength); got != 2 {
		t.Fatalf("runQueueLength stat %d", got)
	}
	if d := k.DumpRunQueue(); len(d) != 2 || d[0].Target != "ko20" {
		t.Fatalf("dump %v", d)
	}
	e := k.GetNextRunQueueMsg()
	if e.Type != EventSend || e.Target != "ko20" || core.ExtractMethod(e.Msg.Methargs) != "foo" {
		t.Fatalf("first event %v", e)
	}
	e = k.GetNextRunQueueMsg()
	if e.Type != EventNotify || e.VatID != core.VatID(2) || e.KPID != "kp40" {
		t.Fatalf("second event %v", e)
	}
	if e := k.GetNextRunQueueMsg(); e != nil {
		t.Fatalf("queue should be empty, got %v", e)
	}
	if got := k.Stats().Get(StatRunQueueLength + "Max"); got != 2 {
		t.Fatalf("runQueueLengthMax %d", got)
	}
	if e := k.GetNextAcceptanceQueueMsg(); e == nil || e.Target != "ko21" {
		t.Fatalf("acceptance queue gave %v", e)
	}
}

func TestObjectRefCounts(t *testing.T) {
	k, alice, _ := newTestKeeper(t)
	ko := k.AddKernelObject(alice.VatID())

	k.IncrementRefCount(ko, RefOptions{})
	k.IncrementRefCount(ko, RefOptions{OnlyRecognizable: true})
	k.IncrementRefCount(ko, RefOptions{IsExport: true})
	if rc := k.GetObjectRefCount(ko); rc != (RefCount{1, 2}) {
		t.Fatalf("expected 1,2 got %s", rc)
	}
	k.DecrementRefCount(ko, RefOptions{})
	if got := k.MaybeFreeKrefs(); !reflect.DeepEqual(got, []string{ko}) {
		t.Fatalf("maybe free %v", got)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("reachable > recognizable should panic")
			}
		}()
		k.SetObjectRefCount(ko, RefCount{2, 1})
	}()
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("negative refcount should panic")
			}
		}()
		k.DecrementRefCount(ko, RefOptions{})
	}()
}

func TestPinObject(t *testing.T) {
	k, alice, _ := newTestKeeper(t)
	ko := k.AddKernelObject(alice.VatID())
	k.PinObject(ko)
	k.PinObject(ko)
	if rc := k.GetObjectRefCount(ko); rc != (RefCount{1, 1}) {
		t.Fatalf("pinning twice should count once, got %s", rc)
	}
	if got := k.GetPinnedObjects(); !reflect.DeepEqual(got, []string{ko}) {
		t.Fatalf("pinned %v", got)
	}
}

func TestPromiseTable(t *testing.T) {
	k, alice, bob := newTestKeeper(t)
	kp := k.AddKernelPromiseForVat(alice.VatID())

	if _, err := k.GetResolveablePromise(kp, bob.VatID()); !core.ErrNotDecider.Is(err) {
		t.Fatalf("expected not decider, got %v", err)
	}
	if _, err := k.GetResolveablePromise(kp, 0); !core.ErrNotDecider.Is(err) {
		t.Fatalf("kernel is not the decider, got %v", err)
	}
	if _, err := k.GetKernelPromise("kp999"); !core.ErrUnknownPromise.Is(err) {
		t.Fatalf("expected unknown promise, got %v", err)
	}

	k.AddSubscriberToPromise(kp, core.VatID(10))
	k.AddSubscriberToPromise(kp, bob.VatID())
	k.AddSubscriberToPromise(kp, bob.VatID())
	for _, method := range []string{"first", "second", "third"} {
		k.AddMessageToPromiseQueue(kp, core.Message{Methargs: core.NewMethargs(method, nil)})
	}

	p, err := k.GetKernelPromise(kp)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !p.HasDecider || p.Decider != alice.VatID() || p.Policy != PolicyIgnore {
		t.Fatalf("bad promise %+v", p)
	}
	if !reflect.DeepEqual(p.Subscribers, []core.VatID{10, 2}) {
		t.Fatalf("subscribers %v", p.Subscribers)
	}
	if len(p.Queue) != 3 || core.ExtractMethod(p.Queue[2].Methargs) != "third" {
		t.Fatalf("queue %v", p.Queue)
	}
	if got := k.EnumeratePromisesByDecider(alice.VatID()); got != nil {
		t.Fatalf("promise not in alice's clist yet, got %v", got)
	}
	mustMapK2V(t, alice, kp, Translate)
	if got := k.EnumeratePromisesByDecider(alice.VatID()); !reflect.DeepEqual(got, []string{kp}) {
		t.Fatalf("decided by alice: %v", got)
	}

	// Resolving requeues the messages, in order, targeted at the promise.
	k.ResolveKernelPromise(kp, false, core.NewData("done"))
	var methods []string
	for e := k.GetNextAcceptanceQueueMsg(); e != nil; e = k.GetNextAcceptanceQueueMsg() {
		if e.Target != kp {
			t.Fatalf("requeued message targets %s", e.Target)
		}
		methods = append(methods, core.ExtractMethod(e.Msg.Methargs))
	}
	if !reflect.DeepEqual(methods, []string{"first", "second", "third"}) {
		t.Fatalf("requeued %v", methods)
	}
	if _, err := k.GetResolveablePromise(kp, alice.VatID()); !core.ErrAlreadyResolved.Is(err) {
		t.Fatalf("expected already resolved, got %v", err)
	}
	p, _ = k.GetKernelPromise(kp)
	if p.State != Fulfilled || p.Data.Body != core.NewData("done").Body {
		t.Fatalf("settled promise %+v", p)
	}
	if k.Stats().Get(StatKPFulfilled) != 1 || k.Stats().Get(StatKPUnresolved) != 0 {
		t.Fatalf("stats %v", k.Dump().Stats)
	}
}

func TestDecider(t *testing.T) {
	k, alice, bob := newTestKeeper(t)
	kp := k.AddKernelPromise(PolicyPanic)
	if k.GetPromisePolicy(kp) != PolicyPanic {
		t.Fatalf("policy not stored")
	}
	if _, err := k.GetResolveablePromise(kp, 0); err != nil {
		t.Fatalf("kernel should decide an undecided promise: %v", err)
	}
	k.SetDecider(kp, alice.VatID())
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("setting a second decider should panic")
			}
		}()
		k.SetDecider(kp, bob.VatID())
	}()
	k.ClearDecider(kp)
	k.SetDecider(kp, bob.VatID())
	if p, _ := k.GetKernelPromise(kp); p.Decider != bob.VatID() {
		t.Fatalf("decider %s", p.Decider)
	}
	if _, err := ParsePolicy("bogus"); !core.ErrInvalidArgument.Is(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestRollbackRestoresCaches(t *testing.T) {
	k, alice, _ := newTestKeeper(t)
	k.StartCrank()
	k.EstablishCrankSavepoint("start")
	ko := k.AddKernelObject(alice.VatID())
	k.MarkVatAsTerminated(alice.VatID())
	kp := k.AddKernelPromise(PolicyIgnore)
	k.IncrementRefCount(kp, RefOptions{})
	k.DecrementRefCount(kp, RefOptions{})
	k.RollbackCrank("start")

	if k.KernelObjectExists(ko) {
		t.Fatalf("object survived rollback")
	}
	if k.IsVatTerminated(alice.VatID()) {
		t.Fatalf("termination survived rollback")
	}
	if k.Stats().Get(StatKernelObjects) != 0 {
		t.Fatalf("stats survived rollback")
	}
	if len(k.MaybeFreeKrefs()) != 0 {
		t.Fatalf("maybe-free set survived rollback")
	}
	k.IncrementCrankNumber()
	crankHash, activityHash := k.EndCrank()
	if crankHash == "" || activityHash == "" || k.KV().ActivityHash() != activityHash {
		t.Fatalf("bad hashes %q %q", crankHash, activityHash)
	}
}

func TestTranscript(t *testing.T) {
	_, alice, _ := newTestKeeper(t)
	entries := []*TranscriptEntry{
		{CrankNumber: 3, Delivery: `["startVat"]`, Status: "ok"},
		{CrankNumber: 4, Delivery: `["message","o+0"]`,
			Syscalls: []TranscriptSyscall{{Request: `["send","o-50"]`, Result: `["ok",null]`}}, Status: "ok"},
	}
	alice.AddToTranscript(entries[0], false)
	alice.AddToTranscript(entries[1], true)
	if n := alice.TranscriptLength(); n != 2 {
		t.Fatalf("length %d", n)
	}
	got, err := alice.GetTranscript(0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(got, entries) {
		t.Fatalf("got %+v", got)
	}
	if got, _ := alice.GetTranscript(1); len(got) != 1 || got[0].CrankNumber != 4 {
		t.Fatalf("tail %+v", got)
	}
}
