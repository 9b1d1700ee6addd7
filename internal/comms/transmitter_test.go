// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package comms

import (
	"errors"
	"reflect"
	"testing"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
	"github.com/westerndigitalcorporation/vatkernel/pkg/testutil"
)

type mockTransport struct {
	*testutil.Mock
}

func (m mockTransport) Transmit(msg string) error {
	return m.Err("Transmit", msg)
}

func TestTransmitterResolvesResult(t *testing.T) {
	const msg = "3:1:resolve:fulfill:rp+20;42"
	m := mockTransport{testutil.NewMock(t)}
	m.Expect("Transmit", errors.New("connection refused"), msg)
	m.Expect("Transmit", nil, msg)

	tr := NewTransmitter(m, DefaultTransmitterConfig)
	sys := newFakeSyscall()
	d := &kernel.VatDelivery{
		Type:   kernel.DeliverMessage,
		Target: "o+0",
		Msg:    &core.Message{Methargs: core.NewMethargs("transmit", nil, msg), Result: "p-5"},
	}
	if err := tr.Dispatch(d, sys); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	m.Done()

	calls := sys.take()
	want := "resolve p-5 false " + core.Undefined.Body + " "
	if len(calls) != 1 || calls[0] != want {
		t.Fatalf("got %q, want %q", calls, want)
	}

	// Other deliveries are ignored.
	if err := tr.Dispatch(&kernel.VatDelivery{Type: kernel.DeliverBringOutYourDead}, sys); err != nil {
		t.Fatalf("bringOutYourDead: %v", err)
	}
	if calls := sys.take(); len(calls) != 0 {
		t.Fatalf("unexpected calls %q", calls)
	}
}

func TestTransmitterHoldsFailedMessages(t *testing.T) {
	q := &queueTransport{failures: 2}
	tr := NewTransmitter(q, TransmitterConfig{})
	transmit := func(msg string) {
		d := &kernel.VatDelivery{
			Type:   kernel.DeliverMessage,
			Target: "o+0",
			Msg:    &core.Message{Methargs: core.NewMethargs("transmit", nil, msg)},
		}
		if err := tr.Dispatch(d, newFakeSyscall()); err != nil {
			t.Fatalf("dispatch %s: %v", msg, err)
		}
	}

	transmit("1:0:a")
	transmit("2:0:b")
	if len(q.msgs) != 0 || tr.Pending() != 2 {
		t.Fatalf("sent %q, %d pending", q.msgs, tr.Pending())
	}

	// The next delivery goes out behind the held ones.
	transmit("3:0:c")
	if want := []string{"1:0:a", "2:0:b", "3:0:c"}; !reflect.DeepEqual(q.msgs, want) {
		t.Fatalf("sent %q, want %q", q.msgs, want)
	}
	if tr.Pending() != 0 {
		t.Fatalf("%d pending", tr.Pending())
	}

	// Or the host flushes them.
	q.failures = 1
	transmit("4:0:d")
	if tr.Pending() != 1 {
		t.Fatalf("%d pending", tr.Pending())
	}
	if err := tr.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if tr.Pending() != 0 || q.msgs[len(q.msgs)-1] != "4:0:d" {
		t.Fatalf("sent %q, %d pending", q.msgs, tr.Pending())
	}
}
