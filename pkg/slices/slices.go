// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package slices has helpers for the sorted string sets that the kernel and
// comms keep in their databases.
package slices

import "sort"

// ContainsString returns true if 'slice' contains 'a'.
func ContainsString(slice []string, a string) bool {
	for _, b := range slice {
		if b == a {
			return true
		}
	}
	return false
}

// InsertSorted adds 'a' to the sorted set 'slice' and returns the result and
// whether 'a' was new.
func InsertSorted(slice []string, a string) ([]string, bool) {
	i := sort.SearchStrings(slice, a)
	if i < len(slice) && slice[i] == a {
		return slice, false
	}
	slice = append(slice, "")
	copy(slice[i+1:], slice[i:])
	slice[i] = a
	return slice, true
}

// SortedKeys returns the members of 'set' in order.
func SortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
