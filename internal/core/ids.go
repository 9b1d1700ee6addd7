// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

/*

Vats and devices are named by kernel-assigned IDs that never get reused:

 - VatID is "v" followed by a decimal number. The first vat is v1.
 - DeviceID is "d" followed by a decimal number. The first device is d7.

Both are used as key prefixes in the kernel database ("v1.c.ko20"), so their
string form is part of the persisted layout.

*/

// ErrInvalidID is the error returned when a string representation of an ID is invalid.
var ErrInvalidID = errors.New("invalid id format")

// First values handed out by the kernel's ID allocators.
const (
	FirstVatID       = 1
	FirstDeviceID    = 7
	FirstObjectID    = 20
	FirstDevnodeID   = 30
	FirstPromiseID   = 40
	FirstCrankNumber = 0
)

// VatID identifies a vat. Valid VatIDs start from 1.
type VatID uint64

// String returns the persisted form of the vat ID.
func (v VatID) String() string {
	return "v" + strconv.FormatUint(uint64(v), 10)
}

// ParseVatID parses a VatID from its string form.
func ParseVatID(s string) (VatID, error) {
	n, err := parsePrefixedID(s, "v")
	return VatID(n), err
}

// MarshalText encodes the vat ID as its string form, so that it appears as
// "v1" rather than 1 inside persisted JSON.
func (v VatID) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (v *VatID) UnmarshalText(b []byte) error {
	id, err := ParseVatID(string(b))
	if err != nil {
		return err
	}
	*v = id
	return nil
}

// DeviceID identifies a device. Valid DeviceIDs start from 7.
type DeviceID uint64

// String returns the persisted form of the device ID.
func (d DeviceID) String() string {
	return "d" + strconv.FormatUint(uint64(d), 10)
}

// ParseDeviceID parses a DeviceID from its string form.
func ParseDeviceID(s string) (DeviceID, error) {
	n, err := parsePrefixedID(s, "d")
	return DeviceID(n), err
}

func parsePrefixedID(s, prefix string) (uint64, error) {
	if !strings.HasPrefix(s, prefix) || len(s) == len(prefix) {
		return 0, ErrInvalidID
	}
	digits := s[len(prefix):]
	// Reject "+1", "01" and friends so that every ID has one spelling.
	if digits[0] < '0' || digits[0] > '9' || (digits[0] == '0' && len(digits) > 1) {
		return 0, ErrInvalidID
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, ErrInvalidID
	}
	return n, nil
}

// SortVatIDs sorts in place by the same string order the database uses.
func SortVatIDs(ids []VatID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// MustParseVatID is ParseVatID for trusted input such as our own database.
func MustParseVatID(s string) VatID {
	v, err := ParseVatID(s)
	if err != nil {
		panic(fmt.Sprintf("bad vat ID %q in kernel state", s))
	}
	return v
}
