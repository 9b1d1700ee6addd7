// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package slices

import (
	"reflect"
	"testing"
)

func TestInsertSorted(t *testing.T) {
	var set []string
	for _, s := range []string{"r2", "r1", "r3", "r1"} {
		set, _ = InsertSorted(set, s)
	}
	if want := []string{"r1", "r2", "r3"}; !reflect.DeepEqual(set, want) {
		t.Fatalf("got %q, want %q", set, want)
	}
	if _, added := InsertSorted(set, "r2"); added {
		t.Fatalf("r2 added twice")
	}
	if !ContainsString(set, "r3") || ContainsString(set, "r4") {
		t.Fatalf("bad membership in %q", set)
	}
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys(map[string]bool{"ko3": true, "ko10": true, "kp1": false})
	if want := []string{"ko10", "ko3", "kp1"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := SortedKeys(nil); len(got) != 0 {
		t.Fatalf("got %q", got)
	}
}
