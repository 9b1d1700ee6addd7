// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"testing"
)

func TestMethargs(t *testing.T) {
	var data CapData
	ref := data.Slot("o-5")
	m := NewMethargs("foo", data.Slots, "bar", ref, 3)
	if m.Body != `["foo",["bar",{"@qclass":"slot","index":0},3]]` {
		t.Fatalf("unexpected body %s", m.Body)
	}
	if ExtractMethod(m) != "foo" {
		t.Fatalf("wrong method %q", ExtractMethod(m))
	}
	args, err := ExtractArgs(m)
	if err != nil || len(args) != 3 {
		t.Fatalf("bad args %v %v", args, err)
	}
	slot, err := ArgSlot(m, args[1])
	if err != nil || slot != "o-5" {
		t.Fatalf("bad slot arg %q %v", slot, err)
	}
	if _, err := ArgSlot(m, args[0]); err == nil {
		t.Fatalf("a string is not a slot")
	}

	// No args still has an args list.
	if NewMethargs("ping", nil).Body != `["ping",[]]` {
		t.Fatalf("unexpected body for no-arg methargs")
	}
	if ExtractMethod(CapData{Body: "3"}) != "" {
		t.Fatalf("a number has no method")
	}
}

func TestExtractSingleSlot(t *testing.T) {
	if s, ok := ExtractSingleSlot(SlotData("ko20")); !ok || s != "ko20" {
		t.Fatalf("expected a single slot, got %q %v", s, ok)
	}
	if _, ok := ExtractSingleSlot(NewData([]interface{}{SlotRef{0}}, "ko20")); ok {
		t.Fatalf("an array holding a slot is not a single slot")
	}
	if _, ok := ExtractSingleSlot(NewData(4)); ok {
		t.Fatalf("plain data is not a single slot")
	}
}

func TestMakeError(t *testing.T) {
	e := MakeError("vat terminated")
	if msg, ok := ErrorMessage(e); !ok || msg != "vat terminated" {
		t.Fatalf("failed to read back error: %q %v", msg, ok)
	}
	if _, ok := ErrorMessage(Undefined); ok {
		t.Fatalf("undefined is not an error")
	}
}

func TestSlotsJoin(t *testing.T) {
	if len(SplitSlots("")) != 0 {
		t.Fatalf("empty string should be no slots")
	}
	s := []string{"ko20", "kp41"}
	if got := SplitSlots(JoinSlots(s)); len(got) != 2 || got[0] != s[0] || got[1] != s[1] {
		t.Fatalf("join/split mismatch: %v", got)
	}
}

func TestErrors(t *testing.T) {
	err := ErrNotDecider.Errorf("kp40 is decided by v2")
	if !ErrNotDecider.Is(err) {
		t.Fatalf("Is should see through Errorf")
	}
	if ErrAlreadyResolved.Is(err) {
		t.Fatalf("Is matched the wrong code")
	}
	if code, ok := KernelError(err); !ok || code != ErrNotDecider {
		t.Fatalf("KernelError returned %v %v", code, ok)
	}
	if NoError.Error() != nil {
		t.Fatalf("NoError should be a nil error")
	}
}
