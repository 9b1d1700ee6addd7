// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package comms

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

/*

The comms vat juggles three reference spaces.

Local refs name things inside comms: "lo7" is an object, "lp3" a promise.
Every object and promise comms knows about has exactly one local ref.

Vrefs are how comms talks to the kernel, with the usual vat grammar ("o+4"
is exported by comms, "o-9" imported from the kernel).

Remote refs are per remote and look like vrefs with an 'r' prefix: "ro+4",
"rp-2". We store them from our own point of view, so '+' means we allocated
it and '-' means the remote did. On the wire the sign is flipped, so every
message reads from the point of view of its recipient.

*/

// ParseLocalRef returns the type and ID of a local ref.
func ParseLocalRef(lref string) (core.SlotType, uint64, error) {
	if len(lref) < 3 || lref[0] != 'l' {
		return 0, 0, core.ErrBadSlot.Errorf("invalid local ref %q", lref)
	}
	var t core.SlotType
	switch lref[1] {
	case 'o':
		t = core.ObjectSlot
	case 'p':
		t = core.PromiseSlot
	default:
		return 0, 0, core.ErrBadSlot.Errorf("invalid local ref type in %q", lref)
	}
	id, err := strconv.ParseUint(lref[2:], 10, 64)
	if err != nil || (len(lref) > 3 && lref[2] == '0') {
		return 0, 0, core.ErrBadSlot.Errorf("invalid local ref ID in %q", lref)
	}
	return t, id, nil
}

// MakeLocalRef builds a local ref.
func MakeLocalRef(t core.SlotType, id uint64) string {
	switch t {
	case core.ObjectSlot:
		return fmt.Sprintf("lo%d", id)
	case core.PromiseSlot:
		return fmt.Sprintf("lp%d", id)
	}
	panic(core.ErrWrongSlotType.Errorf("no local refs for %s", t))
}

func localType(lref string) core.SlotType {
	t, _, err := ParseLocalRef(lref)
	if err != nil {
		panic(err)
	}
	return t
}

// RemoteRef is a parsed remote ref.
type RemoteRef struct {
	Type core.SlotType
	// AllocatedByRecipient is true for '+': whoever reads the ref allocated
	// it.
	AllocatedByRecipient bool
	ID                   uint64
}

// ParseRemoteRef parses "ro+N", "ro-N", "rp+N" or "rp-N".
func ParseRemoteRef(rref string) (RemoteRef, error) {
	if len(rref) < 4 || rref[0] != 'r' {
		return RemoteRef{}, core.ErrBadSlot.Errorf("invalid remote ref %q", rref)
	}
	vs, err := core.ParseVatSlot(rref[1:])
	if err != nil {
		return RemoteRef{}, core.ErrBadSlot.Errorf("invalid remote ref %q: %v", rref, err)
	}
	if vs.Type == core.DeviceSlot || vs.Virtual || vs.Durable || vs.HasSubID {
		return RemoteRef{}, core.ErrBadSlot.Errorf("invalid remote ref %q", rref)
	}
	return RemoteRef{Type: vs.Type, AllocatedByRecipient: vs.AllocatedByVat, ID: vs.ID}, nil
}

// String renders the ref.
func (r RemoteRef) String() string {
	return "r" + core.MakeVatSlot(r.Type, r.AllocatedByRecipient, r.ID)
}

// MakeRemoteRef builds a remote ref.
func MakeRemoteRef(t core.SlotType, allocatedByRecipient bool, id uint64) string {
	return RemoteRef{Type: t, AllocatedByRecipient: allocatedByRecipient, ID: id}.String()
}

// FlipRemoteRef changes the point of view of a remote ref: what one side
// calls "ro+5" the other calls "ro-5".
func FlipRemoteRef(rref string) string {
	r, err := ParseRemoteRef(rref)
	if err != nil {
		panic(err)
	}
	r.AllocatedByRecipient = !r.AllocatedByRecipient
	return r.String()
}

func mustParseRemoteRef(rref string) RemoteRef {
	r, err := ParseRemoteRef(rref)
	if err != nil {
		fail(core.ErrBadRemoteMessage.Errorf("%v", err))
	}
	return r
}

// flipSlots flips each ref and joins them as ":a:b", or "" for no slots.
func flipSlots(rrefs []string) string {
	if len(rrefs) == 0 {
		return ""
	}
	flipped := make([]string, len(rrefs))
	for i, r := range rrefs {
		flipped[i] = FlipRemoteRef(r)
	}
	return ":" + strings.Join(flipped, ":")
}
