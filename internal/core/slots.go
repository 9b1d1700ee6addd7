// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"strconv"
	"strings"
)

/*

Two reference grammars cross the kernel boundary.

A vref is vat-local. Its first character is the type ('o' object, 'd' device,
'p' promise) and the second says who allocated it ('+' the vat, '-' the
kernel). Objects exported by a vat may carry a durability marker and a
subid/facet for virtual object cohorts:

    o-12          import
    p+5           promise exported by the vat
    o+d4/7:1      durable kind 4, instance 7, facet 1
    o+v3/2        merely-virtual kind 3, instance 2

The baseRef of a vref is the vref without its facet; every facet of one
cohort shares a baseRef.

A kref is kernel-global: "ko", "kp" or "kd" followed by a decimal ID that is
never reused.

*/

// SlotType is the kind of thing a slot refers to.
type SlotType int

const (
	// ObjectSlot refers to an object (presence).
	ObjectSlot SlotType = iota
	// DeviceSlot refers to a device node.
	DeviceSlot
	// PromiseSlot refers to a promise.
	PromiseSlot
)

var slotTypeNames = map[SlotType]string{
	ObjectSlot:  "object",
	DeviceSlot:  "device",
	PromiseSlot: "promise",
}

var slotTypeChars = map[SlotType]byte{
	ObjectSlot:  'o',
	DeviceSlot:  'd',
	PromiseSlot: 'p',
}

func (t SlotType) String() string {
	if s, ok := slotTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// VatSlot is a parsed vref.
type VatSlot struct {
	Type           SlotType
	AllocatedByVat bool
	Virtual        bool
	Durable        bool
	ID             uint64
	HasSubID       bool
	SubID          uint64
	HasFacet       bool
	Facet          uint64
	BaseRef        string
}

// ParseVatSlot parses a vref. Only vat-exported objects may carry the
// durable/virtual marker, a subid and a facet.
func ParseVatSlot(s string) (VatSlot, error) {
	var vs VatSlot
	if strings.ContainsAny(s, "|,") {
		return vs, ErrBadSlot.Errorf("invalid character in vref %q", s)
	}
	if len(s) < 3 {
		return vs, ErrBadSlot.Errorf("invalid vref %q", s)
	}

	switch s[0] {
	case 'o':
		vs.Type = ObjectSlot
	case 'd':
		vs.Type = DeviceSlot
	case 'p':
		vs.Type = PromiseSlot
	default:
		return vs, ErrBadSlot.Errorf("invalid vref type in %q", s)
	}

	switch s[1] {
	case '+':
		vs.AllocatedByVat = true
	case '-':
		vs.AllocatedByVat = false
	default:
		return vs, ErrBadSlot.Errorf("invalid vref ownership in %q", s)
	}

	rest := s[2:]
	if vs.Type == ObjectSlot && vs.AllocatedByVat && len(rest) > 0 {
		switch rest[0] {
		case 'd':
			vs.Durable = true
			rest = rest[1:]
		case 'v':
			vs.Virtual = true
			rest = rest[1:]
		}
	}

	idPart, subPart := rest, ""
	hasSub := false
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		idPart, subPart, hasSub = rest[:i], rest[i+1:], true
	}
	id, ok := parseDecimal(idPart)
	if !ok {
		return vs, ErrBadSlot.Errorf("invalid vref id in %q", s)
	}
	vs.ID = id
	vs.BaseRef = s

	if !hasSub {
		return vs, nil
	}
	if !vs.Durable && !vs.Virtual {
		return vs, ErrBadSlot.Errorf("subid on ephemeral vref %q", s)
	}

	subStr, facetStr := subPart, ""
	hasFacet := false
	if i := strings.IndexByte(subPart, ':'); i >= 0 {
		subStr, facetStr, hasFacet = subPart[:i], subPart[i+1:], true
	}
	sub, ok := parseDecimal(subStr)
	if !ok {
		return vs, ErrBadSlot.Errorf("invalid subid in %q", s)
	}
	vs.HasSubID, vs.SubID = true, sub
	if hasFacet {
		facet, ok := parseDecimal(facetStr)
		if !ok {
			return vs, ErrBadSlot.Errorf("invalid facet in %q", s)
		}
		vs.HasFacet, vs.Facet = true, facet
		vs.BaseRef = s[:len(s)-len(facetStr)-1]
	}
	return vs, nil
}

// MakeVatSlot builds a non-virtual vref. It is the inverse of ParseVatSlot
// for vrefs without a durability marker.
func MakeVatSlot(t SlotType, allocatedByVat bool, id uint64) string {
	c, ok := slotTypeChars[t]
	if !ok {
		panic("unknown slot type")
	}
	sign := byte('-')
	if allocatedByVat {
		sign = '+'
	}
	return string([]byte{c, sign}) + strconv.FormatUint(id, 10)
}

// InsistVatType returns an error unless 'vref' parses and has type 't'.
func InsistVatType(t SlotType, vref string) error {
	vs, err := ParseVatSlot(vref)
	if err != nil {
		return err
	}
	if vs.Type != t {
		return ErrWrongSlotType.Errorf("vref %q is not a %s", vref, t)
	}
	return nil
}

// KernelSlot is a parsed kref.
type KernelSlot struct {
	Type SlotType
	ID   uint64
}

var krefPrefixes = map[SlotType]string{
	ObjectSlot:  "ko",
	DeviceSlot:  "kd",
	PromiseSlot: "kp",
}

// ParseKernelSlot parses a kref.
func ParseKernelSlot(s string) (KernelSlot, error) {
	var ks KernelSlot
	if len(s) < 3 || s[0] != 'k' {
		return ks, ErrBadSlot.Errorf("invalid kref %q", s)
	}
	switch s[1] {
	case 'o':
		ks.Type = ObjectSlot
	case 'd':
		ks.Type = DeviceSlot
	case 'p':
		ks.Type = PromiseSlot
	default:
		return ks, ErrBadSlot.Errorf("invalid kref type in %q", s)
	}
	id, ok := parseDecimal(s[2:])
	if !ok {
		return ks, ErrBadSlot.Errorf("invalid kref id in %q", s)
	}
	ks.ID = id
	return ks, nil
}

// MakeKernelSlot builds a kref.
func MakeKernelSlot(t SlotType, id uint64) string {
	p, ok := krefPrefixes[t]
	if !ok {
		panic("unknown slot type")
	}
	return p + strconv.FormatUint(id, 10)
}

// InsistKernelType returns an error unless 'kref' parses and has type 't'.
func InsistKernelType(t SlotType, kref string) error {
	ks, err := ParseKernelSlot(kref)
	if err != nil {
		return err
	}
	if ks.Type != t {
		return ErrWrongSlotType.Errorf("kref %q is not a %s", kref, t)
	}
	return nil
}

// KernelSlotType returns the type of a kref that is known to be valid, such
// as one read back from kernel state. It panics on garbage.
func KernelSlotType(kref string) SlotType {
	ks, err := ParseKernelSlot(kref)
	if err != nil {
		panic(err.Error())
	}
	return ks.Type
}

// CompareKernelSlots orders krefs by type prefix and then numerically by ID.
func CompareKernelSlots(a, b string) bool {
	ka, erra := ParseKernelSlot(a)
	kb, errb := ParseKernelSlot(b)
	if erra != nil || errb != nil || ka.Type != kb.Type {
		return a < b
	}
	return ka.ID < kb.ID
}

// parseDecimal accepts only canonical non-negative decimal numbers.
func parseDecimal(s string) (uint64, bool) {
	if s == "" || (s[0] == '0' && len(s) > 1) {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return n, err == nil
}
