// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	"testing"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
	"github.com/westerndigitalcorporation/vatkernel/internal/kvstore"
	"github.com/westerndigitalcorporation/vatkernel/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}

type handler func(d *VatDelivery, sys Syscall) error

// testVat records its deliveries and runs a handler per method or delivery
// type, if there is one.
type testVat struct {
	deliveries []*VatDelivery
	methods    map[string]handler
	types      map[DeliveryType]handler
}

func newTestVat() *testVat {
	return &testVat{methods: make(map[string]handler), types: make(map[DeliveryType]handler)}
}

func (v *testVat) Dispatch(d *VatDelivery, sys Syscall) error {
	v.deliveries = append(v.deliveries, d)
	if d.Type == DeliverMessage {
		if h := v.methods[core.ExtractMethod(d.Msg.Methargs)]; h != nil {
			return h(d, sys)
		}
		return nil
	}
	if h := v.types[d.Type]; h != nil {
		return h(d, sys)
	}
	return nil
}

func (v *testVat) ofType(t DeliveryType) []*VatDelivery {
	var out []*VatDelivery
	for _, d := range v.deliveries {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

// messages returns the method names of message deliveries, in order.
func (v *testVat) messages() []string {
	var out []string
	for _, d := range v.ofType(DeliverMessage) {
		out = append(out, core.ExtractMethod(d.Msg.Methargs))
	}
	return out
}

func newTestKernel(t *testing.T) *Kernel {
	cfg := DefaultConfig
	cfg.DefaultReapDirtThreshold = state.ReapDirtThreshold{Never: true}
	return New(kvstore.NewMemStore(), cfg)
}

func addVat(t *testing.T, k *Kernel, name string, v Vat, opts state.VatOptions) core.VatID {
	vatID, err := k.AddVat(name, v, opts, nil)
	if err != nil {
		t.Fatalf("adding vat %s: %v", name, err)
	}
	return vatID
}

// root returns the pinned root object of a vat.
func root(t *testing.T, k *Kernel, vatID core.VatID) string {
	kref, err := k.RootObject(vatID)
	if err != nil {
		t.Fatalf("root of %s: %v", vatID, err)
	}
	if err := k.PinObject(kref); err != nil {
		t.Fatalf("pinning %s: %v", kref, err)
	}
	return kref
}

func start(t *testing.T, k *Kernel) {
	if err := k.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func run(t *testing.T, k *Kernel) int {
	n, err := k.Run(nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	checkRefcounts(t, k)
	return n
}

func queue(t *testing.T, k *Kernel, target, method string, slots ...string) string {
	args := make([]interface{}, len(slots))
	for i := range slots {
		args[i] = core.SlotRef{Index: i}
	}
	kpid, err := k.QueueToKref(target, core.NewMethargs(method, slots, args...), state.PolicyIgnore)
	if err != nil {
		t.Fatalf("queueing %s to %s: %v", method, target, err)
	}
	return kpid
}

// checkRefcounts insists on 0 <= reachable <= recognizable everywhere.
func checkRefcounts(t *testing.T, k *Kernel) {
	for _, o := range k.Dump().Objects {
		if o.Reachable < 0 || o.Reachable > o.Recognizable {
			t.Fatalf("bad refcount for %s: %d,%d", o.Kref, o.Reachable, o.Recognizable)
		}
	}
}

func resolveWith(vpid string, data core.CapData) []VatResolution {
	return []VatResolution{{VPID: vpid, Data: data}}
}
