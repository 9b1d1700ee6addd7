// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package comms

import (
	"errors"
	"testing"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
	"github.com/westerndigitalcorporation/vatkernel/internal/kvstore"
)

// queueTransport holds transmitted messages until the test pumps them.
type queueTransport struct {
	msgs []string
	// Fail this many Transmits before succeeding.
	failures int
}

func (q *queueTransport) Transmit(msg string) error {
	if q.failures > 0 {
		q.failures--
		return errors.New("link down")
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

type machine struct {
	t   *testing.T
	k   *kernel.Kernel
	out *queueTransport
}

// newMachine builds a kernel with comms, a transmitter to "peer", and the
// given extra vats.
func newMachine(t *testing.T, vats map[string]kernel.Vat) *machine {
	cfg := kernel.DefaultConfig
	cfg.DefaultReapDirtThreshold = state.ReapDirtThreshold{Never: true}
	m := &machine{t: t, k: kernel.New(kvstore.NewMemStore(), cfg), out: &queueTransport{}}

	m.addVat("comms", New())
	txID := m.addVat("transmitter", NewTransmitter(m.out, TransmitterConfig{}))
	for name, v := range vats {
		m.addVat(name, v)
	}
	if err := m.k.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.run()

	tx, err := m.k.RootObject(txID)
	if err != nil {
		t.Fatalf("transmitter root: %v", err)
	}
	if err := m.k.PinObject(tx); err != nil {
		t.Fatalf("pinning transmitter: %v", err)
	}
	m.control("addRemote", []string{tx}, "peer", core.SlotRef{Index: 0})
	return m
}

func (m *machine) addVat(name string, v kernel.Vat) core.VatID {
	id, err := m.k.AddVat(name, v, state.VatOptions{}, nil)
	if err != nil {
		m.t.Fatalf("adding %s: %v", name, err)
	}
	return id
}

func (m *machine) run() {
	if _, err := m.k.Run(nil); err != nil {
		m.t.Fatalf("run: %v", err)
	}
}

// control sends a message to the comms controller, runs the kernel and
// returns the result.
func (m *machine) control(method string, slots []string, args ...interface{}) core.CapData {
	kpid, err := m.k.QueueToVatRoot("comms", core.NewMethargs(method, slots, args...), "")
	if err != nil {
		m.t.Fatalf("%s: %v", method, err)
	}
	m.run()
	data, rejected, err := m.k.KPResolution(kpid)
	if err != nil || rejected {
		m.t.Fatalf("%s: %v %v %s", method, err, rejected, data.Body)
	}
	return data
}

// pump delivers everything 'from' transmitted to 'to' until both are idle.
func pump(t *testing.T, a, b *machine) {
	for i := 0; len(a.out.msgs)+len(b.out.msgs) > 0; i++ {
		if i > 100 {
			t.Fatalf("machines never settle")
		}
		for _, p := range [][2]*machine{{a, b}, {b, a}} {
			from, to := p[0], p[1]
			msgs := from.out.msgs
			from.out.msgs = nil
			for _, msg := range msgs {
				to.control("receive", nil, "peer", msg)
			}
		}
	}
}

func TestRemoteRoundTrip(t *testing.T) {
	var greetings []string
	bob := kernel.VatFunc(func(d *kernel.VatDelivery, sys kernel.Syscall) error {
		if d.Type != kernel.DeliverMessage {
			return nil
		}
		greetings = append(greetings, d.Msg.Methargs.Body)
		return sys.Resolve([]kernel.VatResolution{{VPID: d.Msg.Result, Data: core.NewData("hi back")}})
	})

	a := newMachine(t, nil)
	b := newMachine(t, map[string]kernel.Vat{"bob": bob})

	bobID, _ := b.k.VatID("bob")
	bobRoot, err := b.k.RootObject(bobID)
	if err != nil {
		t.Fatalf("bob root: %v", err)
	}
	if err := b.k.PinObject(bobRoot); err != nil {
		t.Fatalf("pinning bob: %v", err)
	}
	b.control("addEgress", []string{bobRoot}, "peer", 1, core.SlotRef{Index: 0})

	proxy, ok := core.ExtractSingleSlot(a.control("addIngress", nil, "peer", 1))
	if !ok {
		t.Fatalf("addIngress did not return an object")
	}

	kpid, err := a.k.QueueToKref(proxy, core.NewMethargs("hello", nil, "hi"), "")
	if err != nil {
		t.Fatalf("send to proxy: %v", err)
	}
	a.run()
	if len(a.out.msgs) != 1 {
		t.Fatalf("transmitted %q", a.out.msgs)
	}
	pump(t, a, b)

	if len(greetings) != 1 || greetings[0] != `["hello",["hi"]]` {
		t.Fatalf("bob got %q", greetings)
	}
	data, rejected, err := a.k.KPResolution(kpid)
	if err != nil || rejected || data.Body != `"hi back"` {
		t.Fatalf("result: %v %v %q", err, rejected, data.Body)
	}
}

func TestRemoteResolvesToData(t *testing.T) {
	bob := kernel.VatFunc(func(d *kernel.VatDelivery, sys kernel.Syscall) error {
		if d.Type != kernel.DeliverMessage {
			return nil
		}
		return sys.Resolve([]kernel.VatResolution{{VPID: d.Msg.Result, Data: core.NewData(42)}})
	})
	a := newMachine(t, nil)
	b := newMachine(t, map[string]kernel.Vat{"bob": bob})
	bobID, _ := b.k.VatID("bob")
	bobRoot, _ := b.k.RootObject(bobID)
	b.k.PinObject(bobRoot)
	b.control("addEgress", []string{bobRoot}, "peer", 1, core.SlotRef{Index: 0})
	proxy, _ := core.ExtractSingleSlot(a.control("addIngress", nil, "peer", 1))

	first, err := a.k.QueueToKref(proxy, core.NewMethargs("number", nil), "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	a.run()
	pump(t, a, b)

	data, rejected, err := a.k.KPResolution(first)
	if err != nil || rejected || data.Body != "42" {
		t.Fatalf("first: %v %v %q", err, rejected, data.Body)
	}
}

func TestTransmitterRetries(t *testing.T) {
	q := &queueTransport{failures: 2}
	tr := NewTransmitter(q, TransmitterConfig{Retrier: DefaultTransmitterConfig.Retrier, Rate: 1000, Burst: 10})
	d := &kernel.VatDelivery{
		Type:   kernel.DeliverMessage,
		Target: "o+0",
		Msg:    &core.Message{Methargs: core.NewMethargs("transmit", nil, "1:0:gc:dropExport:ro+1")},
	}
	if err := tr.Dispatch(d, newFakeSyscall()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(q.msgs) != 1 || q.msgs[0] != "1:0:gc:dropExport:ro+1" {
		t.Fatalf("sent %q", q.msgs)
	}

	// Out of retries: the message is held without failing the vat.
	q = &queueTransport{failures: 10}
	tr = NewTransmitter(q, TransmitterConfig{})
	if err := tr.Dispatch(d, newFakeSyscall()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(q.msgs) != 0 || tr.Pending() != 1 {
		t.Fatalf("sent %q, %d pending", q.msgs, tr.Pending())
	}

	d.Msg.Methargs = core.NewMethargs("frob", nil)
	if err := tr.Dispatch(d, newFakeSyscall()); !core.ErrInvalidArgument.Is(err) {
		t.Fatalf("unknown method: %v", err)
	}
}
