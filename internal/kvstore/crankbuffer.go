// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kvstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"

	log "github.com/golang/glog"
)

const (
	// ActivityHashKey is where the running activity hash is stored. It is
	// written directly at the end of each crank and is not itself hashed.
	ActivityHashKey = "activityhash"

	// LocalPrefix marks keys that are private to this node. They are stored
	// like any other key but are left out of the crank hash.
	LocalPrefix = "local."
)

type pendingValue struct {
	value   string
	deleted bool
}

// undoEntry remembers what the buffer held for 'key' before one write.
type undoEntry struct {
	key     string
	had     bool
	prev    pendingValue
	current pendingValue
}

type savepoint struct {
	name string
	pos  int
}

// CrankBuffer is the kernel's read/write view of a Store. Writes are kept in
// memory until Commit or EndCrank, so that a crank can be rolled back to any
// savepoint established since StartCrank. Reads see buffered writes merged
// over the store.
//
// Committed writes are folded, in write order, into a crank hash. EndCrank
// finishes the crank hash and chains it into the activity hash, so two
// kernels that perform the same state changes end up with the same activity
// hash.
type CrankBuffer struct {
	store   Store
	pending map[string]pendingValue

	// Writes since the last flush, oldest first.
	journal    []undoEntry
	savepoints []savepoint
	inCrank    bool
	crankStart int

	crankHasher hash.Hash
}

// NewCrankBuffer returns a CrankBuffer over 'store'.
func NewCrankBuffer(store Store) *CrankBuffer {
	return &CrankBuffer{
		store:       store,
		pending:     make(map[string]pendingValue),
		crankHasher: sha256.New(),
	}
}

// Store returns the backing store.
func (b *CrankBuffer) Store() Store {
	return b.store
}

// Get returns the value of 'key' and whether it exists.
func (b *CrankBuffer) Get(key string) (string, bool) {
	if p, ok := b.pending[key]; ok {
		return p.value, !p.deleted
	}
	return b.store.Get(key)
}

// Has returns true if 'key' exists.
func (b *CrankBuffer) Has(key string) bool {
	_, ok := b.Get(key)
	return ok
}

// Set sets 'key' to 'value'.
func (b *CrankBuffer) Set(key, value string) {
	b.write(key, pendingValue{value: value})
}

// Delete deletes 'key'. Deleting a missing key is not an error.
func (b *CrankBuffer) Delete(key string) {
	b.write(key, pendingValue{deleted: true})
}

func (b *CrankBuffer) write(key string, v pendingValue) {
	prev, had := b.pending[key]
	b.journal = append(b.journal, undoEntry{key: key, had: had, prev: prev, current: v})
	b.pending[key] = v
}

// KeysBetween returns, in order, all existing keys in [start, end). An empty
// 'end' means there is no upper bound.
func (b *CrankBuffer) KeysBetween(start, end string) []string {
	stored := b.store.Keys(start, end)

	var buffered []string
	for k := range b.pending {
		if k >= start && (end == "" || k < end) {
			buffered = append(buffered, k)
		}
	}
	if len(buffered) == 0 {
		return stored
	}
	sort.Strings(buffered)

	out := make([]string, 0, len(stored)+len(buffered))
	i, j := 0, 0
	for i < len(stored) || j < len(buffered) {
		var k string
		switch {
		case j == len(buffered) || (i < len(stored) && stored[i] < buffered[j]):
			k = stored[i]
			i++
		case i == len(stored) || buffered[j] < stored[i]:
			k = buffered[j]
			j++
		default:
			// Same key in both.
			k = buffered[j]
			i++
			j++
		}
		if p, ok := b.pending[k]; ok && p.deleted {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Keys returns, in order, all existing keys that start with 'prefix'.
func (b *CrankBuffer) Keys(prefix string) []string {
	return b.KeysBetween(prefix, PrefixEnd(prefix))
}

// GetNextKey returns the smallest existing key greater than 'prior'.
func (b *CrankBuffer) GetNextKey(prior string) (string, bool) {
	// The smallest string greater than 'prior' is prior+"\x00".
	return b.GetFirstKey(prior+"\x00", "")
}

// GetFirstKey returns the smallest existing key in [start, end).
func (b *CrankBuffer) GetFirstKey(start, end string) (string, bool) {
	// TODO: a bounded scan would avoid materializing the whole range for
	// large prefixes.
	keys := b.KeysBetween(start, end)
	if len(keys) == 0 {
		return "", false
	}
	return keys[0], true
}

// GetAfter returns the first key/value pair whose key is greater than
// 'prior' and lies in [lower, upper). An empty 'upper' means no bound. This
// is the iteration primitive behind vatstoreGetAfter.
func (b *CrankBuffer) GetAfter(prior, lower, upper string) (key, value string, ok bool) {
	start := lower
	if prior != "" && prior >= lower {
		start = prior + "\x00"
	}
	if upper != "" && start >= upper {
		return "", "", false
	}
	key, ok = b.GetFirstKey(start, upper)
	if !ok {
		return "", "", false
	}
	value, _ = b.Get(key)
	return key, value, true
}

// StartCrank marks the beginning of a crank. Savepoints can only be
// established inside a crank.
func (b *CrankBuffer) StartCrank() {
	if b.inCrank {
		panic("StartCrank while already in a crank")
	}
	b.inCrank = true
	b.crankStart = len(b.journal)
	b.savepoints = b.savepoints[:0]
}

// InCrank returns true between StartCrank and EndCrank.
func (b *CrankBuffer) InCrank() bool {
	return b.inCrank
}

// EstablishSavepoint names the current buffer state so that Rollback can
// return to it.
func (b *CrankBuffer) EstablishSavepoint(name string) {
	if !b.inCrank {
		panic("EstablishSavepoint outside of crank")
	}
	b.savepoints = append(b.savepoints, savepoint{name: name, pos: len(b.journal)})
}

// Rollback undoes every write made since the most recent savepoint called
// 'name'. That savepoint and any established after it are discarded.
func (b *CrankBuffer) Rollback(name string) error {
	if !b.inCrank {
		panic("Rollback outside of crank")
	}
	for i := len(b.savepoints) - 1; i >= 0; i-- {
		sp := b.savepoints[i]
		if sp.name != name {
			continue
		}
		b.undo(sp.pos)
		b.savepoints = b.savepoints[:i]
		log.V(2).Infof("rolled back to savepoint %q", name)
		return nil
	}
	return fmt.Errorf("no such savepoint as %q", name)
}

// undo reverts journaled writes back to position 'pos'.
func (b *CrankBuffer) undo(pos int) {
	for j := len(b.journal) - 1; j >= pos; j-- {
		u := b.journal[j]
		if u.had {
			b.pending[u.key] = u.prev
		} else {
			delete(b.pending, u.key)
		}
	}
	b.journal = b.journal[:pos]
}

// AbandonCrank ends a crank that did no work. Every write made since
// StartCrank is undone and neither the store nor the hashes change.
func (b *CrankBuffer) AbandonCrank() {
	if !b.inCrank {
		panic("AbandonCrank outside of crank")
	}
	b.undo(b.crankStart)
	b.inCrank = false
	b.savepoints = b.savepoints[:0]
}

// Discard undoes every write buffered since the last commit. It is the
// out-of-crank counterpart of AbandonCrank.
func (b *CrankBuffer) Discard() {
	if b.inCrank {
		panic("Discard inside a crank, use AbandonCrank")
	}
	b.undo(0)
}

// Commit writes all buffered changes to the store atomically and folds them
// into the crank hash. It may be called outside of a crank, e.g. while the
// kernel is being initialized.
func (b *CrankBuffer) Commit(crankNumber uint64) error {
	if b.inCrank {
		panic("Commit inside a crank, use EndCrank")
	}
	return b.flush(crankNumber, nil)
}

// EndCrank commits like Commit and then finishes the crank hash, chaining it
// into the activity hash, which is stored along with the crank's changes.
func (b *CrankBuffer) EndCrank(crankNumber uint64) (crankHash, activityHash string, err error) {
	if !b.inCrank {
		panic("EndCrank outside of crank")
	}
	b.inCrank = false
	b.savepoints = b.savepoints[:0]

	b.hashJournal()
	crankHash = hex.EncodeToString(b.crankHasher.Sum(nil))
	b.crankHasher.Reset()

	old, _ := b.Get(ActivityHashKey)
	h := sha256.New()
	fmt.Fprintf(h, "activityhash\n%s\n%s\n", old, crankHash)
	activityHash = hex.EncodeToString(h.Sum(nil))

	err = b.flush(crankNumber, &Change{Key: ActivityHashKey, Value: activityHash})
	return crankHash, activityHash, err
}

// ActivityHash returns the current activity hash.
func (b *CrankBuffer) ActivityHash() string {
	v, _ := b.Get(ActivityHashKey)
	return v
}

// PendingChanges returns the number of buffered keys.
func (b *CrankBuffer) PendingChanges() int {
	return len(b.pending)
}

// hashJournal feeds surviving writes into the crank hash and clears the
// journal, which is then no longer needed for rollback.
func (b *CrankBuffer) hashJournal() {
	for _, u := range b.journal {
		if strings.HasPrefix(u.key, LocalPrefix) || u.key == ActivityHashKey {
			continue
		}
		if u.current.deleted {
			fmt.Fprintf(b.crankHasher, "delete\n%s\n", u.key)
		} else {
			fmt.Fprintf(b.crankHasher, "add\n%s\n%s\n", u.key, u.current.value)
		}
	}
	b.journal = b.journal[:0]
}

func (b *CrankBuffer) flush(crankNumber uint64, extra *Change) error {
	b.hashJournal()

	keys := make([]string, 0, len(b.pending))
	for k := range b.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	changes := make([]Change, 0, len(keys)+1)
	for _, k := range keys {
		p := b.pending[k]
		changes = append(changes, Change{Key: k, Value: p.value, Delete: p.deleted})
	}
	if extra != nil {
		changes = append(changes, *extra)
	}
	if err := b.store.Commit(changes, crankNumber); err != nil {
		return err
	}
	b.pending = make(map[string]pendingValue)
	return nil
}
