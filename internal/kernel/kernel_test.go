// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
	"github.com/westerndigitalcorporation/vatkernel/internal/kvstore"
	"github.com/westerndigitalcorporation/vatkernel/pkg/failures"
)

func TestStartVat(t *testing.T) {
	k := newTestKernel(t)
	alice := newTestVat()
	bob := newTestVat()
	aliceID := addVat(t, k, "alice", alice, state.VatOptions{})
	aliceRoot := root(t, k, aliceID)
	params := core.NewData(core.SlotRef{Index: 0}, aliceRoot)
	if _, err := k.AddVat("bob", bob, state.VatOptions{}, &params); err != nil {
		t.Fatalf("adding bob: %v", err)
	}
	if _, err := k.Step(); !core.ErrNotStarted.Is(err) {
		t.Fatalf("step before start: %v", err)
	}
	start(t, k)
	run(t, k)

	if d := alice.ofType(DeliverStartVat); len(d) != 1 || d[0].VatParameters.Body != core.Undefined.Body {
		t.Fatalf("alice startVat %+v", d)
	}
	d := bob.ofType(DeliverStartVat)
	if len(d) != 1 || len(d[0].VatParameters.Slots) != 1 || !strings.HasPrefix(d[0].VatParameters.Slots[0], "o-") {
		t.Fatalf("bob startVat %+v", d)
	}

	// Adding an existing name only swaps the dispatcher.
	again, err := k.AddVat("alice", newTestVat(), state.VatOptions{}, nil)
	if err != nil || again != aliceID {
		t.Fatalf("re-adding alice: %s %v", again, err)
	}
	if n := run(t, k); n != 0 {
		t.Fatalf("re-adding alice made %d cranks", n)
	}
}

func TestQueueToVatRoot(t *testing.T) {
	k := newTestKernel(t)
	bob := newTestVat()
	bob.methods["hello"] = func(d *VatDelivery, sys Syscall) error {
		return sys.Resolve(resolveWith(d.Msg.Result, core.NewData("hi")))
	}
	addVat(t, k, "bob", bob, state.VatOptions{})
	start(t, k)

	kpid, err := k.QueueToVatRoot("bob", core.NewMethargs("hello", nil), state.PolicyLogFailure)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if s := k.KPStatus(kpid); s != "unresolved" {
		t.Fatalf("status before run %q", s)
	}
	if _, _, err := k.KPResolution(kpid); err == nil {
		t.Fatalf("resolution of unresolved promise")
	}
	run(t, k)
	if s := k.KPStatus(kpid); s != "fulfilled" {
		t.Fatalf("status after run %q", s)
	}
	data, rejected, err := k.KPResolution(kpid)
	if err != nil || rejected || data.Body != `"hi"` {
		t.Fatalf("resolution %+v %t %v", data, rejected, err)
	}
	// The host's reference was the last one.
	if s := k.KPStatus(kpid); s != "unknown" {
		t.Fatalf("status after resolution %q", s)
	}
	if !reflect.DeepEqual(bob.messages(), []string{"hello"}) {
		t.Fatalf("bob got %v", bob.messages())
	}
}

func TestQueueToKrefErrors(t *testing.T) {
	k := newTestKernel(t)
	addVat(t, k, "bob", newTestVat(), state.VatOptions{})
	if _, err := k.QueueToKref("ko999", core.NewMethargs("x", nil), state.PolicyIgnore); !core.ErrUnknownSlot.Is(err) {
		t.Fatalf("send to unknown object: %v", err)
	}
	if _, err := k.QueueToKref("o+1", core.NewMethargs("x", nil), state.PolicyIgnore); err == nil {
		t.Fatalf("send to a vref worked")
	}
	if _, err := k.QueueToVatRoot("nobody", core.NewMethargs("x", nil), state.PolicyIgnore); !core.ErrNoSuchVat.Is(err) {
		t.Fatalf("send to unknown vat: %v", err)
	}
	if s := k.KPStatus("kp999"); s != "unknown" {
		t.Fatalf("status of unknown promise %q", s)
	}
}

// share sets up alice to export "amy" (o+101) to every vat whose root is
// passed to alice's "share" method. Importers remember the vref in 'imports'.
func shareAmy(alice *testVat, importers map[string]*testVat, imports map[string]string) {
	alice.methods["share"] = func(d *VatDelivery, sys Syscall) error {
		for _, to := range d.Msg.Methargs.Slots {
			if err := sys.Send(to, core.NewMethargs("take", []string{"o+101"}, core.SlotRef{Index: 0}), ""); err != nil {
				return err
			}
		}
		return nil
	}
	for name, v := range importers {
		name := name
		v.methods["take"] = func(d *VatDelivery, sys Syscall) error {
			imports[name] = d.Msg.Methargs.Slots[0]
			return nil
		}
	}
}

func TestDropAndRetireImport(t *testing.T) {
	k := newTestKernel(t)
	alice, bob := newTestVat(), newTestVat()
	imports := make(map[string]string)
	shareAmy(alice, map[string]*testVat{"bob": bob}, imports)
	bob.methods["drop"] = func(d *VatDelivery, sys Syscall) error {
		if err := sys.DropImports([]string{imports["bob"]}); err != nil {
			return err
		}
		return sys.RetireImports([]string{imports["bob"]})
	}
	aliceID := addVat(t, k, "alice", alice, state.VatOptions{})
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	aliceRoot, bobRoot := root(t, k, aliceID), root(t, k, bobID)
	start(t, k)

	queue(t, k, aliceRoot, "share", bobRoot)
	run(t, k)
	vref := imports["bob"]
	if !strings.HasPrefix(vref, "o-") {
		t.Fatalf("bob imported %q", vref)
	}
	amy, err := k.Keeper().ProvideVatKeeper(aliceID).MapVatSlotToKernelSlot("o+101", state.MapOptions{Required: true})
	if err != nil {
		t.Fatalf("amy: %v", err)
	}
	if rc := k.Keeper().GetObjectRefCount(amy); rc != (state.RefCount{Reachable: 1, Recognizable: 1}) {
		t.Fatalf("amy refcount %s", rc)
	}

	queue(t, k, bobRoot, "drop")
	run(t, k)

	var gc []string
	for _, d := range alice.deliveries {
		if d.Type == DeliverDropExports || d.Type == DeliverRetireExports {
			gc = append(gc, string(d.Type)+" "+strings.Join(d.Vrefs, ","))
		}
	}
	if want := []string{"dropExports o+101", "retireExports o+101"}; !reflect.DeepEqual(gc, want) {
		t.Fatalf("alice GC deliveries %v, want %v", gc, want)
	}
	if k.Keeper().KernelObjectExists(amy) {
		t.Fatalf("%s still exists", amy)
	}
	if k.Keeper().ProvideVatKeeper(aliceID).HasCListEntry(amy) || k.Keeper().ProvideVatKeeper(bobID).HasCListEntry(amy) {
		t.Fatalf("%s still in a c-list", amy)
	}
	if len(k.Keeper().GetGCActions()) != 0 {
		t.Fatalf("leftover GC actions %v", k.Keeper().GetGCActions())
	}
}

func TestTwoImportersDropThenRetire(t *testing.T) {
	k := newTestKernel(t)
	alice, bob, carol := newTestVat(), newTestVat(), newTestVat()
	imports := make(map[string]string)
	shareAmy(alice, map[string]*testVat{"bob": bob, "carol": carol}, imports)
	alice.types[DeliverDropExports] = func(d *VatDelivery, sys Syscall) error {
		return sys.RetireExports(d.Vrefs)
	}
	bob.methods["drop"] = func(d *VatDelivery, sys Syscall) error {
		return sys.DropImports([]string{imports["bob"]})
	}
	carol.methods["drop"] = func(d *VatDelivery, sys Syscall) error {
		return sys.DropImports([]string{imports["carol"]})
	}
	aliceID := addVat(t, k, "alice", alice, state.VatOptions{})
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	carolID := addVat(t, k, "carol", carol, state.VatOptions{})
	aliceRoot, bobRoot, carolRoot := root(t, k, aliceID), root(t, k, bobID), root(t, k, carolID)
	start(t, k)

	queue(t, k, aliceRoot, "share", bobRoot, carolRoot)
	run(t, k)
	amy, err := k.Keeper().ProvideVatKeeper(aliceID).MapVatSlotToKernelSlot("o+101", state.MapOptions{Required: true})
	if err != nil {
		t.Fatalf("amy: %v", err)
	}
	if rc := k.Keeper().GetObjectRefCount(amy); rc != (state.RefCount{Reachable: 2, Recognizable: 2}) {
		t.Fatalf("amy refcount %s", rc)
	}

	queue(t, k, bobRoot, "drop")
	run(t, k)
	if rc := k.Keeper().GetObjectRefCount(amy); rc != (state.RefCount{Reachable: 1, Recognizable: 2}) {
		t.Fatalf("amy refcount after one drop %s", rc)
	}
	if len(alice.ofType(DeliverDropExports)) != 0 {
		t.Fatalf("dropExports after first drop")
	}

	queue(t, k, carolRoot, "drop")
	run(t, k)
	if n := len(alice.ofType(DeliverDropExports)); n != 1 {
		t.Fatalf("%d dropExports", n)
	}
	for name, v := range map[string]*testVat{"bob": bob, "carol": carol} {
		r := v.ofType(DeliverRetireImports)
		if len(r) != 1 || !reflect.DeepEqual(r[0].Vrefs, []string{imports[name]}) {
			t.Fatalf("%s retireImports %+v", name, r)
		}
	}
	if k.Keeper().KernelObjectExists(amy) {
		t.Fatalf("%s still exists", amy)
	}
	if len(alice.ofType(DeliverRetireExports)) != 0 {
		t.Fatalf("alice retired the export herself, the kernel should not tell her again")
	}
}

func TestAbandonExports(t *testing.T) {
	k := newTestKernel(t)
	alice, bob := newTestVat(), newTestVat()
	imports := make(map[string]string)
	shareAmy(alice, map[string]*testVat{"bob": bob}, imports)
	var abandonErr error
	alice.methods["abandon"] = func(d *VatDelivery, sys Syscall) error {
		abandonErr = sys.AbandonExports([]string{"o+101"})
		return abandonErr
	}
	bob.methods["drop"] = func(d *VatDelivery, sys Syscall) error {
		return sys.DropImports([]string{imports["bob"]})
	}
	aliceID := addVat(t, k, "alice", alice, state.VatOptions{})
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	aliceRoot, bobRoot := root(t, k, aliceID), root(t, k, bobID)
	start(t, k)
	queue(t, k, aliceRoot, "share", bobRoot)
	run(t, k)
	amy, err := k.Keeper().ProvideVatKeeper(aliceID).MapVatSlotToKernelSlot("o+101", state.MapOptions{Required: true})
	if err != nil {
		t.Fatalf("amy: %v", err)
	}

	queue(t, k, aliceRoot, "abandon")
	run(t, k)
	if abandonErr != nil {
		t.Fatalf("abandonExports: %v", abandonErr)
	}
	if !k.Keeper().VatIsAlive(aliceID) {
		t.Fatalf("alice died")
	}
	if !k.Keeper().KernelObjectExists(amy) {
		t.Fatalf("%s was deleted while bob still imports it", amy)
	}
	if _, ok := k.Keeper().OwnerOfKernelObject(amy); ok {
		t.Fatalf("%s still has an owner", amy)
	}
	if k.Keeper().ProvideVatKeeper(aliceID).HasCListEntry(amy) {
		t.Fatalf("%s still in alice's c-list", amy)
	}

	// Messages to an orphan are rejected.
	p := queue(t, k, amy, "hello")
	run(t, k)
	data, rejected, err := k.KPResolution(p)
	if err != nil {
		t.Fatalf("resolution: %v", err)
	}
	if msg, _ := core.ErrorMessage(data); !rejected || msg != "vat terminated" {
		t.Fatalf("send to orphan: rejected=%v %q", rejected, data.Body)
	}

	queue(t, k, bobRoot, "drop")
	run(t, k)
	r := bob.ofType(DeliverRetireImports)
	if len(r) != 1 || !reflect.DeepEqual(r[0].Vrefs, []string{imports["bob"]}) {
		t.Fatalf("bob retireImports %+v", r)
	}
	if k.Keeper().KernelObjectExists(amy) {
		t.Fatalf("%s still exists", amy)
	}
	if n := len(alice.ofType(DeliverDropExports)) + len(alice.ofType(DeliverRetireExports)); n != 0 {
		t.Fatalf("alice got %d GC deliveries for an abandoned export", n)
	}
}

func TestAbandonExportTwiceKillsVat(t *testing.T) {
	k := newTestKernel(t)
	alice, bob := newTestVat(), newTestVat()
	imports := make(map[string]string)
	shareAmy(alice, map[string]*testVat{"bob": bob}, imports)
	var abandonErr error
	alice.methods["abandon"] = func(d *VatDelivery, sys Syscall) error {
		abandonErr = sys.AbandonExports([]string{"o+101", "o+101"})
		return nil
	}
	aliceID := addVat(t, k, "alice", alice, state.VatOptions{})
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	aliceRoot, bobRoot := root(t, k, aliceID), root(t, k, bobID)
	start(t, k)
	queue(t, k, aliceRoot, "share", bobRoot)
	run(t, k)

	queue(t, k, aliceRoot, "abandon")
	run(t, k)
	serr, ok := abandonErr.(*SyscallError)
	if !ok || !core.ErrInvalidArgument.Is(serr.Err) {
		t.Fatalf("abandoning o+101 twice returned %v", abandonErr)
	}
	if k.Keeper().VatIsAlive(aliceID) {
		t.Fatalf("alice survived")
	}
	if !k.Keeper().VatIsAlive(bobID) {
		t.Fatalf("bob died")
	}
}

func TestDoubleDropKillsVat(t *testing.T) {
	k := newTestKernel(t)
	alice, bob := newTestVat(), newTestVat()
	imports := make(map[string]string)
	shareAmy(alice, map[string]*testVat{"bob": bob}, imports)
	var second error
	bob.methods["drop"] = func(d *VatDelivery, sys Syscall) error {
		if err := sys.DropImports([]string{imports["bob"]}); err != nil {
			return err
		}
		second = sys.DropImports([]string{imports["bob"]})
		return nil
	}
	aliceID := addVat(t, k, "alice", alice, state.VatOptions{})
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	aliceRoot, bobRoot := root(t, k, aliceID), root(t, k, bobID)
	start(t, k)
	queue(t, k, aliceRoot, "share", bobRoot)
	run(t, k)

	queue(t, k, bobRoot, "drop")
	run(t, k)
	serr, ok := second.(*SyscallError)
	if !ok || !core.ErrAlreadyDropped.Is(serr.Err) {
		t.Fatalf("second drop returned %v", second)
	}
	if k.Keeper().VatIsAlive(bobID) {
		t.Fatalf("bob survived a double drop")
	}
	if !k.Keeper().VatIsAlive(aliceID) {
		t.Fatalf("alice died")
	}
}

func TestRetireBeforeDropKillsVat(t *testing.T) {
	k := newTestKernel(t)
	alice, bob := newTestVat(), newTestVat()
	imports := make(map[string]string)
	shareAmy(alice, map[string]*testVat{"bob": bob}, imports)
	var retireErr error
	bob.methods["retire"] = func(d *VatDelivery, sys Syscall) error {
		retireErr = sys.RetireImports([]string{imports["bob"]})
		return nil
	}
	aliceID := addVat(t, k, "alice", alice, state.VatOptions{})
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	aliceRoot, bobRoot := root(t, k, aliceID), root(t, k, bobID)
	start(t, k)
	queue(t, k, aliceRoot, "share", bobRoot)
	run(t, k)

	queue(t, k, bobRoot, "retire")
	run(t, k)
	serr, ok := retireErr.(*SyscallError)
	if !ok || !core.ErrStillReachable.Is(serr.Err) {
		t.Fatalf("retire of a reachable import returned %v", retireErr)
	}
	if k.Keeper().VatIsAlive(bobID) {
		t.Fatalf("bob survived retiring a reachable import")
	}
	if !k.Keeper().VatIsAlive(aliceID) {
		t.Fatalf("alice died")
	}
}

func TestReusedResultPromise(t *testing.T) {
	k := newTestKernel(t)
	bob, carol := newTestVat(), newTestVat()
	carolID := addVat(t, k, "carol", carol, state.VatOptions{})
	carolRoot := root(t, k, carolID)
	carol.methods["ping"] = func(d *VatDelivery, sys Syscall) error {
		return sys.Resolve(resolveWith(d.Msg.Result, core.NewData("pong")))
	}

	var carolRef string
	bob.types[DeliverStartVat] = func(d *VatDelivery, sys Syscall) error {
		carolRef = d.VatParameters.Slots[0]
		return nil
	}
	var first, second error
	bob.methods["reuse"] = func(d *VatDelivery, sys Syscall) error {
		first = sys.Send(carolRef, core.NewMethargs("foo", nil), "p+5")
		second = sys.Send(carolRef, core.NewMethargs("bar", nil), "p+5")
		return nil
	}
	params := core.SlotData(carolRoot)
	bobID, err := k.AddVat("bob", bob, state.VatOptions{}, &params)
	if err != nil {
		t.Fatalf("adding bob: %v", err)
	}
	start(t, k)
	run(t, k)

	kpid, err := k.QueueToVatRoot("bob", core.NewMethargs("reuse", nil), state.PolicyIgnore)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	run(t, k)
	if first != nil {
		t.Fatalf("first send: %v", first)
	}
	if second == nil || !strings.Contains(second.Error(), "prepare to die") {
		t.Fatalf("second send: %v", second)
	}
	if k.Keeper().VatIsAlive(bobID) {
		t.Fatalf("bob is still alive")
	}
	if s := k.KPStatus(kpid); s != "rejected" {
		t.Fatalf("result of reuse is %q", s)
	}
	data, rejected, err := k.KPResolution(kpid)
	if msg, _ := core.ErrorMessage(data); err != nil || !rejected || msg != "vat terminated" {
		t.Fatalf("resolution %+v %t %v", data, rejected, err)
	}
	// bob's delivery was unwound, so carol never heard of it.
	if len(carol.messages()) != 0 {
		t.Fatalf("carol got %v", carol.messages())
	}

	// Everyone else keeps going.
	ping := queue(t, k, carolRoot, "ping")
	run(t, k)
	if s := k.KPStatus(ping); s != "fulfilled" {
		t.Fatalf("ping is %q", s)
	}
	// Cleanup ran as part of Run.
	if k.Keeper().IsVatTerminated(bobID) {
		t.Fatalf("bob not cleaned up")
	}
}

func TestPromiseQueueIsFIFO(t *testing.T) {
	k := newTestKernel(t)
	alice, bob := newTestVat(), newTestVat()
	var pending, bobRef string
	alice.methods["getP"] = func(d *VatDelivery, sys Syscall) error {
		pending = d.Msg.Result
		bobRef = d.Msg.Methargs.Slots[0]
		return nil
	}
	alice.methods["settle"] = func(d *VatDelivery, sys Syscall) error {
		return sys.Resolve(resolveWith(pending, core.SlotData(bobRef)))
	}
	aliceID := addVat(t, k, "alice", alice, state.VatOptions{})
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	aliceRoot, bobRoot := root(t, k, aliceID), root(t, k, bobID)
	start(t, k)

	p := queue(t, k, aliceRoot, "getP", bobRoot)
	for _, m := range []string{"m1", "m2", "m3"} {
		queue(t, k, p, m)
	}
	run(t, k)
	if len(bob.messages()) != 0 {
		t.Fatalf("bob got %v before the promise settled", bob.messages())
	}
	pr, err := k.Keeper().GetKernelPromise(p)
	if err != nil || len(pr.Queue) != 3 {
		t.Fatalf("promise queue %+v %v", pr, err)
	}

	queue(t, k, aliceRoot, "settle")
	run(t, k)
	if want := []string{"m1", "m2", "m3"}; !reflect.DeepEqual(bob.messages(), want) {
		t.Fatalf("bob got %v, want %v", bob.messages(), want)
	}
}

func TestPipelining(t *testing.T) {
	k := newTestKernel(t)
	bob := newTestVat()
	var result string
	bob.methods["getP"] = func(d *VatDelivery, sys Syscall) error {
		result = d.Msg.Result
		return nil
	}
	bobID := addVat(t, k, "bob", bob, state.VatOptions{EnablePipelining: true})
	bobRoot := root(t, k, bobID)
	start(t, k)

	p := queue(t, k, bobRoot, "getP")
	queue(t, k, p, "pipe")
	run(t, k)
	msgs := bob.ofType(DeliverMessage)
	if len(msgs) != 2 || core.ExtractMethod(msgs[1].Msg.Methargs) != "pipe" {
		t.Fatalf("bob got %v", bob.messages())
	}
	if msgs[1].Target != result {
		t.Fatalf("pipelined to %s, want %s", msgs[1].Target, result)
	}
	if s := k.KPStatus(p); s != "unresolved" {
		t.Fatalf("promise is %q", s)
	}
}

func TestSendToFulfilledData(t *testing.T) {
	k := newTestKernel(t)
	bob := newTestVat()
	bob.methods["get"] = func(d *VatDelivery, sys Syscall) error {
		return sys.Resolve(resolveWith(d.Msg.Result, core.NewData(42)))
	}
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	bobRoot := root(t, k, bobID)
	start(t, k)
	p := queue(t, k, bobRoot, "get")
	q := queue(t, k, p, "frob")
	run(t, k)
	data, rejected, err := k.KPResolution(q)
	msg, _ := core.ErrorMessage(data)
	if err != nil || !rejected || msg != "data is not callable, has no method frob" {
		t.Fatalf("resolution %+v %t %v", data, rejected, err)
	}
}

func TestNotifySubscribers(t *testing.T) {
	k := newTestKernel(t)
	alice, bob := newTestVat(), newTestVat()
	var pending string
	alice.methods["getP"] = func(d *VatDelivery, sys Syscall) error {
		pending = d.Msg.Result
		return nil
	}
	alice.methods["settle"] = func(d *VatDelivery, sys Syscall) error {
		return sys.Resolve(resolveWith(pending, core.NewData("done")))
	}
	bob.methods["watch"] = func(d *VatDelivery, sys Syscall) error {
		return sys.Subscribe(d.Msg.Methargs.Slots[0])
	}
	aliceID := addVat(t, k, "alice", alice, state.VatOptions{})
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	aliceRoot, bobRoot := root(t, k, aliceID), root(t, k, bobID)
	start(t, k)

	p := queue(t, k, aliceRoot, "getP")
	queue(t, k, bobRoot, "watch", p)
	run(t, k)
	queue(t, k, aliceRoot, "settle")
	run(t, k)

	n := bob.ofType(DeliverNotify)
	if len(n) != 1 || len(n[0].Resolutions) != 1 || n[0].Resolutions[0].Data.Body != `"done"` {
		t.Fatalf("bob notifies %+v", n)
	}
	// The notify retired bob's c-list entry.
	if k.Keeper().ProvideVatKeeper(bobID).HasCListEntry(p) {
		t.Fatalf("bob still knows %s", p)
	}
	if len(alice.ofType(DeliverNotify)) != 0 {
		t.Fatalf("the resolver was notified")
	}
}

func TestResolveNotDecider(t *testing.T) {
	k := newTestKernel(t)
	alice, bob := newTestVat(), newTestVat()
	var resolveErr error
	alice.methods["getP"] = func(d *VatDelivery, sys Syscall) error { return nil }
	bob.methods["steal"] = func(d *VatDelivery, sys Syscall) error {
		resolveErr = sys.Resolve(resolveWith(d.Msg.Methargs.Slots[0], core.NewData(1)))
		return nil
	}
	aliceID := addVat(t, k, "alice", alice, state.VatOptions{})
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	aliceRoot, bobRoot := root(t, k, aliceID), root(t, k, bobID)
	start(t, k)
	p := queue(t, k, aliceRoot, "getP")
	queue(t, k, bobRoot, "steal", p)
	run(t, k)
	serr, ok := resolveErr.(*SyscallError)
	if !ok || !core.ErrNotDecider.Is(serr.Err) {
		t.Fatalf("resolve by non-decider: %v", resolveErr)
	}
	if k.Keeper().VatIsAlive(bobID) {
		t.Fatalf("bob survived")
	}
	if s := k.KPStatus(p); s != "unresolved" {
		t.Fatalf("promise is %q", s)
	}
}

func TestResolveToItself(t *testing.T) {
	k := newTestKernel(t)
	alice := newTestVat()
	var resolveErr error
	alice.methods["self"] = func(d *VatDelivery, sys Syscall) error {
		resolveErr = sys.Resolve(resolveWith(d.Msg.Result, core.SlotData(d.Msg.Result)))
		return nil
	}
	aliceID := addVat(t, k, "alice", alice, state.VatOptions{})
	aliceRoot := root(t, k, aliceID)
	start(t, k)
	p := queue(t, k, aliceRoot, "self")
	run(t, k)
	serr, ok := resolveErr.(*SyscallError)
	if !ok || !core.ErrInvalidArgument.Is(serr.Err) {
		t.Fatalf("resolve to itself: %v", resolveErr)
	}
	if k.Keeper().VatIsAlive(aliceID) {
		t.Fatalf("alice survived")
	}
	if s := k.KPStatus(p); s != "rejected" {
		t.Fatalf("promise is %q", s)
	}
}

func TestDeliveryErrorTerminates(t *testing.T) {
	k := newTestKernel(t)
	bob := newTestVat()
	bob.methods["boom"] = func(d *VatDelivery, sys Syscall) error {
		if err := sys.VatstoreSet("k", "v"); err != nil {
			return err
		}
		panic("oops")
	}
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	bobRoot := root(t, k, bobID)
	start(t, k)
	p := queue(t, k, bobRoot, "boom")
	run(t, k)
	if k.Keeper().VatIsAlive(bobID) {
		t.Fatalf("bob survived a panic")
	}
	if s := k.KPStatus(p); s != "rejected" {
		t.Fatalf("result is %q", s)
	}
	if k.PanicError() != nil {
		t.Fatalf("kernel panicked: %v", k.PanicError())
	}
}

func TestCriticalVatPanicsKernel(t *testing.T) {
	k := newTestKernel(t)
	crit := newTestVat()
	crit.methods["boom"] = func(d *VatDelivery, sys Syscall) error {
		return core.ErrInvalidArgument.Errorf("no")
	}
	critID := addVat(t, k, "crit", crit, state.VatOptions{Critical: true})
	critRoot := root(t, k, critID)
	start(t, k)
	run(t, k)

	queue(t, k, critRoot, "boom")
	_, err := k.Run(nil)
	if !core.ErrKernelPanic.Is(err) {
		t.Fatalf("run returned %v", err)
	}
	if _, err := k.Step(); !core.ErrKernelPanic.Is(err) {
		t.Fatalf("step after panic returned %v", err)
	}
	if _, err := k.QueueToVatRoot("crit", core.NewMethargs("boom", nil), state.PolicyIgnore); err == nil {
		t.Fatalf("queue after panic worked")
	}
	// The failed crank was not committed.
	if !k.Keeper().VatIsAlive(critID) {
		t.Fatalf("crit's termination was committed")
	}
}

func TestExit(t *testing.T) {
	k := newTestKernel(t)
	bob := newTestVat()
	var pending string
	bob.methods["getP"] = func(d *VatDelivery, sys Syscall) error {
		pending = d.Msg.Result
		return nil
	}
	bob.methods["quit"] = func(d *VatDelivery, sys Syscall) error {
		if err := sys.VatstoreSet("kept", "yes"); err != nil {
			return err
		}
		return sys.Exit(false, core.NewData("bye"))
	}
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	bobRoot := root(t, k, bobID)
	start(t, k)
	p := queue(t, k, bobRoot, "getP")
	run(t, k)
	if pending == "" {
		t.Fatalf("getP not delivered")
	}

	queue(t, k, bobRoot, "quit")
	if _, err := k.Run(WithCleanup(ForeverPolicy(), false, nil)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if k.Keeper().VatIsAlive(bobID) || !k.Keeper().IsVatTerminated(bobID) {
		t.Fatalf("bob did not exit")
	}
	data, rejected, err := k.KPResolution(p)
	if msg, _ := core.ErrorMessage(data); err != nil || !rejected || msg != "vat terminated" {
		t.Fatalf("bob's promise %+v %t %v", data, rejected, err)
	}

	// Cleanup runs once allowed.
	run(t, k)
	if k.Keeper().IsVatTerminated(bobID) {
		t.Fatalf("bob not cleaned up")
	}
}

func TestTerminateVatExternally(t *testing.T) {
	k := newTestKernel(t)
	bob := newTestVat()
	bob.methods["getP"] = func(d *VatDelivery, sys Syscall) error { return nil }
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	bobRoot := root(t, k, bobID)
	start(t, k)
	p := queue(t, k, bobRoot, "getP")
	run(t, k)
	if err := k.TerminateVatExternally(bobID, core.MakeError("enough")); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if s := k.KPStatus(p); s != "rejected" {
		t.Fatalf("promise is %q", s)
	}
	if err := k.TerminateVatExternally(bobID, core.MakeError("again")); !core.ErrNoSuchVat.Is(err) {
		t.Fatalf("second terminate: %v", err)
	}
	run(t, k)
	if _, ok := k.VatID("bob"); ok {
		t.Fatalf("bob's name survived")
	}
}

func TestVatstoreAndTranscript(t *testing.T) {
	k := newTestKernel(t)
	bob := newTestVat()
	var got []string
	bob.methods["store"] = func(d *VatDelivery, sys Syscall) error {
		for _, key := range []string{"a.1", "a.2", "b.1"} {
			if err := sys.VatstoreSet(key, "v"+key); err != nil {
				return err
			}
		}
		if err := sys.VatstoreDelete("a.2"); err != nil {
			return err
		}
		prior := ""
		for {
			key, value, ok, err := sys.VatstoreGetAfter(prior, "a.", "a/")
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			got = append(got, key+"="+value)
			prior = key
		}
		v, ok, err := sys.VatstoreGet("b.1")
		if err != nil || !ok {
			return err
		}
		got = append(got, v)
		return nil
	}
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	bobRoot := root(t, k, bobID)
	start(t, k)
	queue(t, k, bobRoot, "store")
	run(t, k)
	if want := []string{"a.1=va.1", "vb.1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("vatstore gave %v, want %v", got, want)
	}

	entries, err := k.Keeper().ProvideVatKeeper(bobID).GetTranscript(0)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("%d transcript entries", len(entries))
	}
	last := entries[1]
	if !strings.Contains(last.Delivery, "store") || len(last.Syscalls) != 7 || last.Status != "ok" {
		t.Fatalf("last transcript entry %+v", last)
	}
}

func TestReentrancy(t *testing.T) {
	k := newTestKernel(t)
	bob := newTestVat()
	var stepErr, queueErr error
	bob.methods["nest"] = func(d *VatDelivery, sys Syscall) error {
		_, stepErr = k.Step()
		_, queueErr = k.QueueToVatRoot("bob", core.NewMethargs("x", nil), state.PolicyIgnore)
		return nil
	}
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	bobRoot := root(t, k, bobID)
	start(t, k)
	queue(t, k, bobRoot, "nest")
	run(t, k)
	if !core.ErrReentrancy.Is(stepErr) || !core.ErrReentrancy.Is(queueErr) {
		t.Fatalf("nested calls returned %v, %v", stepErr, queueErr)
	}
}

func TestReap(t *testing.T) {
	cfg := DefaultConfig
	cfg.DefaultReapDirtThreshold = state.ReapDirtThreshold{Deliveries: 2}
	k := New(kvstore.NewMemStore(), cfg)
	bob := newTestVat()
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	bobRoot := root(t, k, bobID)
	start(t, k)
	queue(t, k, bobRoot, "one")
	queue(t, k, bobRoot, "two")
	run(t, k)
	if n := len(bob.ofType(DeliverBringOutYourDead)); n != 1 {
		t.Fatalf("%d reaps", n)
	}
	if err := k.ReapAllVats(); err != nil {
		t.Fatalf("reap all: %v", err)
	}
	run(t, k)
	if n := len(bob.ofType(DeliverBringOutYourDead)); n != 2 {
		t.Fatalf("%d reaps after ReapAllVats", n)
	}
}

// Two kernels driven the same way end with the same activity hash, and an
// idle step changes nothing.
func TestDeterminism(t *testing.T) {
	build := func() *Kernel {
		k := newTestKernel(t)
		alice, bob := newTestVat(), newTestVat()
		imports := make(map[string]string)
		shareAmy(alice, map[string]*testVat{"bob": bob}, imports)
		bob.methods["drop"] = func(d *VatDelivery, sys Syscall) error {
			if err := sys.DropImports([]string{imports["bob"]}); err != nil {
				return err
			}
			return sys.RetireImports([]string{imports["bob"]})
		}
		aliceID := addVat(t, k, "alice", alice, state.VatOptions{})
		bobID := addVat(t, k, "bob", bob, state.VatOptions{})
		aliceRoot, bobRoot := root(t, k, aliceID), root(t, k, bobID)
		start(t, k)
		queue(t, k, aliceRoot, "share", bobRoot)
		run(t, k)
		queue(t, k, bobRoot, "drop")
		run(t, k)
		return k
	}
	k1, k2 := build(), build()
	h := k1.ActivityHash()
	if h == "" || h != k2.ActivityHash() {
		t.Fatalf("activity hashes %q and %q", h, k2.ActivityHash())
	}
	if n, err := k1.Step(); n != 0 || err != nil {
		t.Fatalf("idle step: %d %v", n, err)
	}
	if k1.ActivityHash() != h {
		t.Fatalf("idle step changed the activity hash")
	}
}

func TestCrankLimitPolicy(t *testing.T) {
	k := newTestKernel(t)
	bob := newTestVat()
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	bobRoot := root(t, k, bobID)
	start(t, k)
	run(t, k)
	for i := 0; i < 3; i++ {
		queue(t, k, bobRoot, "m")
	}
	n, err := k.Run(CrankLimitPolicy(2))
	if err != nil || n != 2 {
		t.Fatalf("limited run: %d %v", n, err)
	}
	if n := run(t, k); n != 4 {
		t.Fatalf("rest of the run took %d cranks", n)
	}
	if len(bob.messages()) != 3 {
		t.Fatalf("bob got %v", bob.messages())
	}
}

func TestInjectedDeliveryFailure(t *testing.T) {
	cfg := DefaultConfig
	cfg.DefaultReapDirtThreshold = state.ReapDirtThreshold{Never: true}
	cfg.UseFailure = true
	k := New(kvstore.NewMemStore(), cfg)

	bob := newTestVat()
	bobID := addVat(t, k, "bob", bob, state.VatOptions{})
	bobRoot := root(t, k, bobID)
	start(t, k)
	run(t, k)

	settings := fmt.Sprintf(`{%q: {"bob": %d}}`, FailureKey, int(core.ErrInvalidArgument))
	if err := failures.Apply(settings); err != nil {
		t.Fatalf("apply: %v", err)
	}
	defer failures.Apply("{}")

	p := queue(t, k, bobRoot, "hello")
	run(t, k)
	if len(bob.messages()) != 0 {
		t.Fatalf("bob saw %q", bob.messages())
	}
	if k.Keeper().VatIsAlive(bobID) {
		t.Fatalf("bob survived an injected failure")
	}
	if s := k.KPStatus(p); s != "rejected" {
		t.Fatalf("result is %q", s)
	}
}

func TestFailedHostOpDiscardsWrites(t *testing.T) {
	k := newTestKernel(t)
	promises := k.Keeper().Stats().Get(state.StatKernelPromises)
	err := k.hostOp(func() error {
		k.keeper.AllocateVatIDForName("ghost")
		k.keeper.AddKernelPromise(state.PolicyIgnore)
		return core.ErrInvalidArgument.Errorf("changed our mind")
	})
	if !core.ErrInvalidArgument.Is(err) {
		t.Fatalf("host op returned %v", err)
	}
	if n := k.kv.PendingChanges(); n != 0 {
		t.Fatalf("%d writes left behind", n)
	}
	if n := k.Keeper().Stats().Get(state.StatKernelPromises); n != promises {
		t.Fatalf("kernelPromises went from %d to %d", promises, n)
	}

	// The next successful host op must not commit them either.
	addVat(t, k, "alice", newTestVat(), state.VatOptions{})
	if _, ok := k.VatID("ghost"); ok {
		t.Fatalf("ghost vat was committed")
	}
	if names := k.Keeper().GetVatNames(); !reflect.DeepEqual(names, []string{"alice"}) {
		t.Fatalf("vat names %v", names)
	}
}

func TestAddExportPins(t *testing.T) {
	k := newTestKernel(t)
	aliceID := addVat(t, k, "alice", newTestVat(), state.VatOptions{})
	kref, err := k.AddExport(aliceID, "o+5")
	if err != nil {
		t.Fatalf("add export: %v", err)
	}
	if !reflect.DeepEqual(k.Keeper().GetPinnedObjects(), []string{kref}) {
		t.Fatalf("pinned objects %v", k.Keeper().GetPinnedObjects())
	}
	again, err := k.AddExport(aliceID, "o+5")
	if err != nil || again != kref {
		t.Fatalf("second add export: %s %v", again, err)
	}
	if rc := k.Keeper().GetObjectRefCount(kref); rc != (state.RefCount{Reachable: 1, Recognizable: 1}) {
		t.Fatalf("%s refcount %s", kref, rc)
	}

	if _, err := k.AddExport(aliceID, "o-5"); err == nil {
		t.Fatalf("exported an import")
	}
	if err := k.ReapAllVats(); err != nil {
		t.Fatalf("reap: %v", err)
	}
	start(t, k)
	run(t, k)
	if !k.Keeper().KernelObjectExists(kref) {
		t.Fatalf("pinned export %s was collected", kref)
	}
}
