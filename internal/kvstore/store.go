// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package kvstore provides the ordered, string-keyed, transactional key/value
// storage that holds all kernel state.
//
// A Store is the durable backend. The kernel never writes to it directly;
// it reads and writes through a CrankBuffer, which batches the writes of one
// crank and commits them atomically when the crank ends.
package kvstore

import (
	"encoding/binary"
	"hash/crc64"
)

// Change is a single mutation applied by Store.Commit.
type Change struct {
	Key    string
	Value  string
	Delete bool
}

// Store is an ordered string key/value store.
type Store interface {
	// Get returns the value of 'key' and whether it exists.
	Get(key string) (string, bool)

	// Keys returns, in ascending order, all keys in [start, end). An empty
	// 'end' means there is no upper bound.
	Keys(start, end string) []string

	// Commit atomically applies 'changes' and records 'crankNumber' as the
	// last committed crank.
	Commit(changes []Change, crankNumber uint64) error

	// CrankNumber returns the crank number recorded by the last Commit.
	CrankNumber() (uint64, bool)

	// Checksum returns a checksum over the crank number and every key/value
	// pair, in key order. Equal stores have equal checksums regardless of
	// backend.
	Checksum() uint64

	// Close releases the store.
	Close() error
}

var crcTable = crc64.MakeTable(crc64.ECMA)

// checksummer computes the backend-independent checksum of a store.
type checksummer struct {
	crc uint64
	b   [16]byte
}

func newChecksummer(crankNumber uint64, ok bool) *checksummer {
	c := &checksummer{}
	if ok {
		var idx [8]byte
		binary.LittleEndian.PutUint64(idx[:], crankNumber)
		c.crc = crc64.Update(c.crc, crcTable, idx[:]) // mix in crank number
	}
	return c
}

func (c *checksummer) add(k, v []byte) {
	// crc key and value separately and then mix them in, for framing
	binary.LittleEndian.PutUint64(c.b[0:8], crc64.Update(c.crc, crcTable, k))
	binary.LittleEndian.PutUint64(c.b[8:16], crc64.Update(c.crc, crcTable, v))
	c.crc = crc64.Update(c.crc, crcTable, c.b[:])
}

// genericChecksum computes the checksum through the Store interface.
func genericChecksum(s Store) uint64 {
	c := newChecksummer(s.CrankNumber())
	for _, k := range s.Keys("", "") {
		v, _ := s.Get(k)
		c.add([]byte(k), []byte(v))
	}
	return c.crc
}

// PrefixEnd returns the smallest key greater than every key that starts with
// 'prefix', for use as the 'end' of a range scan.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
