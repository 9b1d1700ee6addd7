// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

/*
Package state holds all kernel tables: kernel objects and promises, the
per-vat c-lists, the run and acceptance queues, and the GC bookkeeping that
ties them together.

Everything lives in a kvstore.CrankBuffer. The layout is:

	vat.names, vat.name.$NAME, vat.nextID        vat registry
	vats.terminated                              JSON list of dead vats awaiting cleanup
	ko.nextID, kp.nextID, kd.nextID              kref allocators
	koNN.owner, koNN.refCount                    objects ("reachable,recognizable")
	kdNN.owner                                   device nodes
	kpNN.state, .decider, .policy, .subscribers,
	kpNN.queue.$N, .queue.nextID,
	kpNN.data.body, .data.slots, .refCount       promises
	runQueue, runQueue.$N                        [head,tail] plus JSON events
	acceptanceQueue, acceptanceQueue.$N
	gcActions, reapQueue, pinnedObjects
	crankNumber, kernelStats
	vNN.c.$KREF = "R $VREF" | "_ $VREF"          c-list, kref side, with reachable flag
	vNN.c.$VREF = $KREF                          c-list, vref side
	vNN.o.nextID, vNN.p.nextID, vNN.d.nextID     import vref allocators
	vNN.vs.$KEY                                  vatstore
	vNN.t.$N, vNN.t.nextID                       transcript
	vNN.options, vNN.reapDirt, vNN.reapDirtThreshold

The store is the source of truth. The in-memory pieces (vat keeper cache,
terminated vat list, statistics) are reloaded from it whenever a crank is
rolled back.
*/
package state

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kvstore"
)

const (
	queueRun        = "runQueue"
	queueAcceptance = "acceptanceQueue"

	// Initial values of the per-vat import allocators.
	firstVatObjectID  = 50
	firstVatPromiseID = 10
	firstVatDeviceID  = 10
)

// KernelKeeper provides typed access to the kernel tables.
type KernelKeeper struct {
	kv *kvstore.CrankBuffer

	// vatID -> *VatKeeper. Keepers are stateless views over kv, so a cached
	// keeper never goes stale.
	vatKeepers *lru.Cache

	terminatedVats []core.VatID
	stats          *Stats

	// Krefs whose refcount dropped to zero during this crank. Ephemeral:
	// harvested by ProcessRefcounts before the crank commits.
	maybeFreeKrefs map[string]bool

	enableKernelGC bool
}

// NewKernelKeeper returns a keeper over 'kv'. If the store was initialized
// before, caches are loaded from it.
func NewKernelKeeper(kv *kvstore.CrankBuffer, vatKeeperCacheSize int) *KernelKeeper {
	k := &KernelKeeper{
		kv:             kv,
		vatKeepers:     lru.New(vatKeeperCacheSize),
		stats:          newStats(),
		maybeFreeKrefs: make(map[string]bool),
		enableKernelGC: true,
	}
	if k.IsInitialized() {
		k.loadCaches()
	}
	return k
}

// KV returns the underlying crank buffer.
func (k *KernelKeeper) KV() *kvstore.CrankBuffer {
	return k.kv
}

// SetKernelGC turns processing of refcounts on or off. Tests use this to
// look at refcounts before they are acted upon.
func (k *KernelKeeper) SetKernelGC(enabled bool) {
	k.enableKernelGC = enabled
}

// IsInitialized returns true once CreateStartingKernelState has been
// committed.
func (k *KernelKeeper) IsInitialized() bool {
	return k.kv.Has("initialized")
}

// CreateStartingKernelState writes the tables of an empty kernel.
func (k *KernelKeeper) CreateStartingKernelState(defaultThreshold ReapDirtThreshold) {
	if k.IsInitialized() {
		panic("kernel state already initialized")
	}
	k.kv.Set("vat.names", "[]")
	k.kv.Set("vat.nextID", strconv.Itoa(core.FirstVatID))
	k.kv.Set("vats.terminated", "[]")
	k.kv.Set("device.names", "[]")
	k.kv.Set("device.nextID", strconv.Itoa(core.FirstDeviceID))
	k.kv.Set("ko.nextID", strconv.Itoa(core.FirstObjectID))
	k.kv.Set("kd.nextID", strconv.Itoa(core.FirstDevnodeID))
	k.kv.Set("kp.nextID", strconv.Itoa(core.FirstPromiseID))
	k.kv.Set("gcActions", "[]")
	k.kv.Set("reapQueue", "[]")
	k.initQueue(queueRun)
	k.initQueue(queueAcceptance)
	k.kv.Set("crankNumber", strconv.Itoa(core.FirstCrankNumber))
	k.kv.Set("kernel.defaultReapDirtThreshold", defaultThreshold.encode())
	k.stats = newStats()
	k.saveStats()
	k.kv.Set("initialized", "true")
	k.terminatedVats = nil
	log.Infof("created starting kernel state")
}

func (k *KernelKeeper) loadCaches() {
	k.terminatedVats = nil
	if err := json.Unmarshal([]byte(k.getRequired("vats.terminated")), &k.terminatedVats); err != nil {
		panic(core.ErrInvalidState.Errorf("vats.terminated: %v", err))
	}
	k.stats.load(k.getRequired("kernelStats"))
}

func (k *KernelKeeper) getRequired(key string) string {
	v, ok := k.kv.Get(key)
	if !ok {
		panic(core.ErrInvalidState.Errorf("storage lacks required key %s", key))
	}
	return v
}

func (k *KernelKeeper) getNat(key string) uint64 {
	v := k.getRequired(key)
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		panic(core.ErrInvalidState.Errorf("%s is not a natural number: %q", key, v))
	}
	return n
}

// allocate returns the value of the counter at 'key' and increments it.
func (k *KernelKeeper) allocate(key string) uint64 {
	id := k.getNat(key)
	k.kv.Set(key, strconv.FormatUint(id+1, 10))
	return id
}

func (k *KernelKeeper) getJSON(key string, v interface{}) {
	if err := json.Unmarshal([]byte(k.getRequired(key)), v); err != nil {
		panic(core.ErrInvalidState.Errorf("%s: %v", key, err))
	}
}

func (k *KernelKeeper) setJSON(key string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("unencodable value for %s: %v", key, err))
	}
	k.kv.Set(key, string(b))
}

//------ Crank lifecycle ------//

// StartCrank starts buffering a crank.
func (k *KernelKeeper) StartCrank() {
	k.kv.StartCrank()
}

// EstablishCrankSavepoint names a point that RollbackCrank can return to.
// Statistics are saved first so that they roll back too.
func (k *KernelKeeper) EstablishCrankSavepoint(name string) {
	k.saveStats()
	k.kv.EstablishSavepoint(name)
}

// RollbackCrank undoes the crank back to savepoint 'name' and reloads
// everything we cache from the store.
func (k *KernelKeeper) RollbackCrank(name string) {
	if err := k.kv.Rollback(name); err != nil {
		panic(core.ErrInvalidState.Errorf("%v", err))
	}
	k.maybeFreeKrefs = make(map[string]bool)
	k.loadCaches()
}

// EndCrank saves statistics and commits the crank, returning the crank and
// activity hashes. A commit failure is fatal: continuing would let memory
// and storage diverge.
func (k *KernelKeeper) EndCrank() (crankHash, activityHash string) {
	k.saveStats()
	crankHash, activityHash, err := k.kv.EndCrank(k.GetCrankNumber())
	if err != nil {
		log.Fatalf("Failed to commit crank: %v", err)
	}
	k.stats.export()
	return crankHash, activityHash
}

// Commit commits writes made outside of a crank, e.g. by kernel setup.
func (k *KernelKeeper) Commit() {
	k.saveStats()
	if err := k.kv.Commit(k.GetCrankNumber()); err != nil {
		log.Fatalf("Failed to commit: %v", err)
	}
	k.stats.export()
}

// Discard throws away writes made outside of a crank since the last Commit
// and reloads everything we cache from the store.
func (k *KernelKeeper) Discard() {
	k.kv.Discard()
	k.maybeFreeKrefs = make(map[string]bool)
	k.loadCaches()
}

// GetCrankNumber returns the number of the current crank.
func (k *KernelKeeper) GetCrankNumber() uint64 {
	return k.getNat("crankNumber")
}

// IncrementCrankNumber advances the crank number.
func (k *KernelKeeper) IncrementCrankNumber() {
	k.allocate("crankNumber")
}

// Stats returns the kernel statistics.
func (k *KernelKeeper) Stats() *Stats {
	return k.stats
}

func (k *KernelKeeper) saveStats() {
	k.kv.Set("kernelStats", k.stats.serialize())
}

// IncStat increments a counter statistic.
func (k *KernelKeeper) IncStat(name string) {
	k.incStat(name)
}

func (k *KernelKeeper) incStat(name string) {
	k.stats.inc(name, 1)
}

func (k *KernelKeeper) decStat(name string) {
	k.stats.dec(name, 1)
}

//------ Queues ------//

func (k *KernelKeeper) initQueue(queue string) {
	k.kv.Set(queue, "[1,1]")
}

func (k *KernelKeeper) queueBounds(queue string) (head, tail uint64) {
	var ht [2]uint64
	k.getJSON(queue, &ht)
	return ht[0], ht[1]
}

func (k *KernelKeeper) enqueue(queue string, e *RunQueueEvent) {
	head, tail := k.queueBounds(queue)
	k.kv.Set(queue+"."+strconv.FormatUint(tail, 10), encodeEvent(e))
	k.setJSON(queue, [2]uint64{head, tail + 1})
	k.incStat(queue + "Length")
}

func (k *KernelKeeper) dequeue(queue string) *RunQueueEvent {
	head, tail := k.queueBounds(queue)
	if head >= tail {
		return nil
	}
	itemKey := queue + "." + strconv.FormatUint(head, 10)
	e := decodeEvent(k.getRequired(itemKey))
	k.kv.Delete(itemKey)
	k.setJSON(queue, [2]uint64{head + 1, tail})
	k.decStat(queue + "Length")
	return e
}

func (k *KernelKeeper) queueLength(queue string) int {
	head, tail := k.queueBounds(queue)
	return int(tail - head)
}

func (k *KernelKeeper) dumpQueue(queue string) []*RunQueueEvent {
	head, tail := k.queueBounds(queue)
	var out []*RunQueueEvent
	for i := head; i < tail; i++ {
		out = append(out, decodeEvent(k.getRequired(queue+"."+strconv.FormatUint(i, 10))))
	}
	return out
}

// AddToRunQueue appends a validated event to the run queue.
func (k *KernelKeeper) AddToRunQueue(e *RunQueueEvent) {
	k.enqueue(queueRun, e)
}

// GetNextRunQueueMsg pops the head of the run queue, or returns nil.
func (k *KernelKeeper) GetNextRunQueueMsg() *RunQueueEvent {
	return k.dequeue(queueRun)
}

// GetRunQueueLength returns the number of events on the run queue.
func (k *KernelKeeper) GetRunQueueLength() int {
	return k.queueLength(queueRun)
}

// AddToAcceptanceQueue appends a not yet routed send or notify.
func (k *KernelKeeper) AddToAcceptanceQueue(e *RunQueueEvent) {
	k.enqueue(queueAcceptance, e)
}

// GetNextAcceptanceQueueMsg pops the head of the acceptance queue, or
// returns nil.
func (k *KernelKeeper) GetNextAcceptanceQueueMsg() *RunQueueEvent {
	return k.dequeue(queueAcceptance)
}

// GetAcceptanceQueueLength returns the number of events on the acceptance
// queue.
func (k *KernelKeeper) GetAcceptanceQueueLength() int {
	return k.queueLength(queueAcceptance)
}

// DumpRunQueue returns the run queue, head first.
func (k *KernelKeeper) DumpRunQueue() []*RunQueueEvent {
	return k.dumpQueue(queueRun)
}

// DumpAcceptanceQueue returns the acceptance queue, head first.
func (k *KernelKeeper) DumpAcceptanceQueue() []*RunQueueEvent {
	return k.dumpQueue(queueAcceptance)
}

// AbandonCrank ends a crank that found nothing to do, leaving the store and
// the activity hash as they were.
func (k *KernelKeeper) AbandonCrank() {
	k.kv.AbandonCrank()
	k.maybeFreeKrefs = make(map[string]bool)
	k.loadCaches()
}
