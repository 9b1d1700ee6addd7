// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

func TestOpFailure(t *testing.T) {
	f := NewOpFailure()
	config := `{"bob": ` + jsonInt(int(core.ErrVatTerminated)) + `, "alice": "invalid argument"}`
	if err := f.Handler(json.RawMessage(config)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if e := f.Get("bob"); e != core.ErrVatTerminated {
		t.Fatalf("bob: %v", e)
	}
	if e := f.Get("alice"); e != core.ErrInvalidArgument {
		t.Fatalf("alice: %v", e)
	}
	if e := f.Get("carol"); e != core.NoError {
		t.Fatalf("carol: %v", e)
	}

	// A bad config leaves the old one in place.
	for _, bad := range []string{`{"bob": "no such error"}`, `{"bob": [1]}`, `[]`} {
		if err := f.Handler(json.RawMessage(bad)); err == nil {
			t.Fatalf("accepted %s", bad)
		}
	}
	if e := f.Get("bob"); e != core.ErrVatTerminated {
		t.Fatalf("bob after bad config: %v", e)
	}

	if err := f.Handler(nil); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if e := f.Get("bob"); e != core.NoError {
		t.Fatalf("bob after reset: %v", e)
	}
}

func jsonInt(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}

func TestOpMetric(t *testing.T) {
	m := NewOpMetric("test_ops", "type")

	op := m.Start("message")
	op.End()
	op = m.Start("message")
	op.EndWithError(errors.New("plain"))
	op = m.Start("message")
	op.EndWithError(core.ErrVatTerminated.Errorf("v3"))
	m.Start("notify").End()

	if n := m.Count("all", "message"); n != 3 {
		t.Fatalf("all: %d", n)
	}
	if n := m.Count("failed", "message"); n != 1 {
		t.Fatalf("failed: %d", n)
	}
	if n := m.Count(core.ErrVatTerminated.String(), "message"); n != 1 {
		t.Fatalf("terminated: %d", n)
	}
	s := m.Strings("message", "notify")
	if !strings.Contains(s["message"], "3 ops / 1 failed") || !strings.Contains(s["notify"], "1 ops / 0 failed") {
		t.Fatalf("strings: %q", s)
	}
}

func TestLatencyStream(t *testing.T) {
	l := NewLatencyStream()
	if l.String() != "Total count=0" {
		t.Fatalf("empty: %s", l)
	}
	for i := 1; i <= 100; i++ {
		l.Insert(time.Duration(i) * time.Millisecond)
	}
	if l.Count() != 100 {
		t.Fatalf("count %d", l.Count())
	}
	if q := l.Query(0.5); q < 0.04 || q > 0.06 {
		t.Fatalf("median %v", q)
	}
	if !strings.HasSuffix(l.String(), "max=0.100000") {
		t.Fatalf("string: %s", l)
	}
	l.Reset()
	if l.Count() != 0 {
		t.Fatalf("count after reset %d", l.Count())
	}
}
