// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package comms

import (
	"testing"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

func TestLocalRefs(t *testing.T) {
	for _, c := range []struct {
		lref string
		t    core.SlotType
		id   uint64
	}{
		{"lo10", core.ObjectSlot, 10},
		{"lp3", core.PromiseSlot, 3},
	} {
		typ, id, err := ParseLocalRef(c.lref)
		if err != nil || typ != c.t || id != c.id {
			t.Errorf("ParseLocalRef(%q) = %v %d %v", c.lref, typ, id, err)
		}
		if got := MakeLocalRef(c.t, c.id); got != c.lref {
			t.Errorf("MakeLocalRef = %q, want %q", got, c.lref)
		}
	}
	for _, bad := range []string{"", "lo", "ld1", "o+1", "lo-1", "lox"} {
		if _, _, err := ParseLocalRef(bad); err == nil {
			t.Errorf("ParseLocalRef(%q) succeeded", bad)
		}
	}
}

func TestRemoteRefs(t *testing.T) {
	r, err := ParseRemoteRef("ro+5")
	if err != nil || r.Type != core.ObjectSlot || !r.AllocatedByRecipient || r.ID != 5 {
		t.Fatalf("ParseRemoteRef: %+v %v", r, err)
	}
	if r.String() != "ro+5" {
		t.Fatalf("String: %s", r)
	}
	for in, want := range map[string]string{"ro+5": "ro-5", "rp-2": "rp+2"} {
		if got := FlipRemoteRef(in); got != want {
			t.Errorf("FlipRemoteRef(%s) = %s, want %s", in, got, want)
		}
	}
	for _, bad := range []string{"o+5", "rd+1", "ro+1/2", "r", "rx+1"} {
		if _, err := ParseRemoteRef(bad); err == nil {
			t.Errorf("ParseRemoteRef(%q) succeeded", bad)
		}
	}
	if got := flipSlots([]string{"ro+1", "rp-3"}); got != ":ro-1:rp+3" {
		t.Errorf("flipSlots = %q", got)
	}
	if got := flipSlots(nil); got != "" {
		t.Errorf("flipSlots(nil) = %q", got)
	}
}

func TestParseResolveMessage(t *testing.T) {
	rs := parseResolveMessage("resolve:fulfill:rp+1:ro-2;{\"a\":1}\nresolve:reject:rp+3;\"no\"")
	if len(rs) != 2 {
		t.Fatalf("got %d resolutions", len(rs))
	}
	if rs[0].rpid != "rp+1" || rs[0].rejected || rs[0].data.Body != `{"a":1}` || len(rs[0].data.Slots) != 1 || rs[0].data.Slots[0] != "ro-2" {
		t.Errorf("first: %+v", rs[0])
	}
	if rs[1].rpid != "rp+3" || !rs[1].rejected || rs[1].data.Body != `"no"` {
		t.Errorf("second: %+v", rs[1])
	}
}
