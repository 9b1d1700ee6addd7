// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kvstore

import (
	"sort"
)

// MemStore is a Store that lives only in memory. It is used by tests and by
// hosts that don't need durability.
type MemStore struct {
	data     map[string]string
	crank    uint64
	hasCrank bool
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]string)}
}

// Get implements Store.
func (m *MemStore) Get(key string) (string, bool) {
	v, ok := m.data[key]
	return v, ok
}

// Keys implements Store.
func (m *MemStore) Keys(start, end string) []string {
	var keys []string
	for k := range m.data {
		if k >= start && (end == "" || k < end) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Commit implements Store.
func (m *MemStore) Commit(changes []Change, crankNumber uint64) error {
	for _, c := range changes {
		if c.Delete {
			delete(m.data, c.Key)
		} else {
			m.data[c.Key] = c.Value
		}
	}
	m.crank, m.hasCrank = crankNumber, true
	mCommits.WithLabelValues("mem").Inc()
	mChanges.WithLabelValues("mem").Add(float64(len(changes)))
	return nil
}

// CrankNumber implements Store.
func (m *MemStore) CrankNumber() (uint64, bool) {
	return m.crank, m.hasCrank
}

// Checksum implements Store.
func (m *MemStore) Checksum() uint64 {
	return genericChecksum(m)
}

// Close implements Store.
func (m *MemStore) Close() error {
	return nil
}
