// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package comms

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
	"github.com/westerndigitalcorporation/vatkernel/pkg/slices"
)

// failure carries an error out of the middle of a delivery. Dispatch turns
// it back into an error, which terminates the comms vat.
type failure struct {
	err error
}

func fail(err error) {
	panic(failure{err: err})
}

func failf(e core.Error, format string, args ...interface{}) {
	fail(e.Errorf(format, args...))
}

// store is the vatstore, reached through the syscalls of the current
// delivery. Everything comms remembers lives here, so it commits and rolls
// back with the crank.
type store struct {
	sys kernel.Syscall
}

func (s store) get(key string) (string, bool) {
	v, ok, err := s.sys.VatstoreGet(key)
	if err != nil {
		fail(err)
	}
	return v, ok
}

func (s store) has(key string) bool {
	_, ok := s.get(key)
	return ok
}

func (s store) set(key, value string) {
	if err := s.sys.VatstoreSet(key, value); err != nil {
		fail(err)
	}
}

func (s store) del(key string) {
	if err := s.sys.VatstoreDelete(key); err != nil {
		fail(err)
	}
}

func (s store) getNat(key string) uint64 {
	v, ok := s.get(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		failf(core.ErrInvalidState, "%s is not a number: %q", key, v)
	}
	return n
}

func (s store) setNat(key string, n uint64) {
	s.set(key, strconv.FormatUint(n, 10))
}

// allocate returns the counter at 'key' and advances it.
func (s store) allocate(key string) uint64 {
	n := s.getNat(key)
	s.setNat(key, n+1)
	return n
}

func (s store) getJSON(key string, v interface{}) bool {
	data, ok := s.get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		failf(core.ErrInvalidState, "corrupt %s: %v", key, err)
	}
	return true
}

func (s store) setJSON(key string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("unencodable %T: %v", v, err))
	}
	s.set(key, string(b))
}

// Counters start above zero so that small numbers stay free: o+0 is the
// controller, and remote refs below firstRemoteID are for ingress/egress.
const (
	firstLocalID  = 10
	firstExportID = 1
	firstRemoteID = 20
)

const kernelOwner = "kernel"

// Promise deciders, other than a remote ID.
const (
	deciderKernel = "kernel"
	deciderComms  = "comms"
)

// Promise states.
const (
	unresolved = "unresolved"
	fulfilled  = "fulfilled"
	rejected   = "rejected"
)

func (s store) initialize() {
	if s.has("initialized") {
		return
	}
	s.setNat("lo.nextID", firstLocalID)
	s.setNat("lp.nextID", firstLocalID)
	s.setNat("ko.nextID", firstExportID)
	s.setNat("kp.nextID", firstExportID)
	s.setNat("r.nextID", 1)
	s.set("initialized", "1")
}

//------ Objects ------//

// An object's refs count the c-list entries through which somebody other
// than its owner imports it from us: the kernel, or remotes. The owner's own
// entry is not counted.
type refs struct {
	reachable    int
	recognizable int
}

func (s store) addObject(owner string) string {
	lref := MakeLocalRef(core.ObjectSlot, s.allocate("lo.nextID"))
	s.set(lref+".owner", owner)
	s.setRefs(lref, refs{})
	return lref
}

func (s store) objectExists(lref string) bool {
	return s.has(lref + ".owner")
}

// owner returns "kernel" or a remote ID.
func (s store) owner(lref string) string {
	o, ok := s.get(lref + ".owner")
	if !ok {
		failf(core.ErrUnknownSlot, "unknown object %s", lref)
	}
	return o
}

func (s store) getRefs(lref string) refs {
	v, ok := s.get(lref + ".refs")
	if !ok {
		return refs{}
	}
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		failf(core.ErrInvalidState, "bad refs %q for %s", v, lref)
	}
	r1, err1 := strconv.Atoi(parts[0])
	r2, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		failf(core.ErrInvalidState, "bad refs %q for %s", v, lref)
	}
	return refs{reachable: r1, recognizable: r2}
}

func (s store) setRefs(lref string, r refs) {
	if r.reachable < 0 || r.recognizable < 0 || r.reachable > r.recognizable {
		failf(core.ErrInvalidState, "refs of %s would be %d,%d", lref, r.reachable, r.recognizable)
	}
	s.set(lref+".refs", fmt.Sprintf("%d,%d", r.reachable, r.recognizable))
}

func (s store) deleteObject(lref string) {
	s.del(lref + ".owner")
	s.del(lref + ".refs")
}

//------ Promises ------//

type promise struct {
	Status  string `json:"status"`
	Decider string `json:"decider,omitempty"`
	// Remotes to tell about the resolution.
	Subscribers []string `json:"subscribers,omitempty"`
	// The kernel knows the promise but does not decide it, so it must be
	// told too.
	Kernel bool          `json:"kernel,omitempty"`
	Data   *core.CapData `json:"data,omitempty"`
}

func (s store) addPromise(decider string) string {
	lpid := MakeLocalRef(core.PromiseSlot, s.allocate("lp.nextID"))
	s.setPromise(lpid, &promise{Status: unresolved, Decider: decider})
	return lpid
}

func (s store) getPromise(lpid string) *promise {
	var p promise
	if !s.getJSON(lpid, &p) {
		failf(core.ErrUnknownPromise, "unknown promise %s", lpid)
	}
	return &p
}

func (s store) setPromise(lpid string, p *promise) {
	s.setJSON(lpid, p)
}

func (s store) insistUnresolved(lpid string, p *promise) {
	if p.Status != unresolved {
		failf(core.ErrAlreadyResolved, "%s is already %s", lpid, p.Status)
	}
}

func (s store) insistDecider(lpid string, p *promise, decider string) {
	if p.Decider != decider {
		failf(core.ErrNotDecider, "%s is decided by %q, not %q", lpid, p.Decider, decider)
	}
}

func (s store) changeDecider(lpid, from, to string) {
	p := s.getPromise(lpid)
	s.insistUnresolved(lpid, p)
	s.insistDecider(lpid, p, from)
	p.Decider = to
	s.setPromise(lpid, p)
}

func (s store) addSubscriber(lpid, remoteID string) {
	p := s.getPromise(lpid)
	if p.Status != unresolved || p.Decider == remoteID {
		return
	}
	var added bool
	if p.Subscribers, added = slices.InsertSorted(p.Subscribers, remoteID); added {
		s.setPromise(lpid, p)
	}
}

func (s store) setKernelSubscribed(lpid string) {
	p := s.getPromise(lpid)
	if p.Status != unresolved || p.Decider == deciderKernel || p.Kernel {
		return
	}
	p.Kernel = true
	s.setPromise(lpid, p)
}

// markResolved settles 'lpid'. Objects in the data are held for as long as
// the promise record exists.
func (s store) markResolved(lpid string, isReject bool, data core.CapData) {
	p := s.getPromise(lpid)
	s.insistUnresolved(lpid, p)
	s.insistDecider(lpid, p, deciderComms)
	p.Status = fulfilled
	if isReject {
		p.Status = rejected
	}
	p.Decider = ""
	d := data
	p.Data = &d
	s.setPromise(lpid, p)
	for _, slot := range data.Slots {
		if localType(slot) == core.ObjectSlot {
			r := s.getRefs(slot)
			r.reachable++
			r.recognizable++
			s.setRefs(slot, r)
		}
	}
}

//------ Remotes ------//

type pendingRetirement struct {
	Seq  uint64 `json:"seq"`
	RPID string `json:"rpid"`
}

func (s store) addRemote(name, transmitter string) string {
	if s.has("rname." + name) {
		failf(core.ErrInvalidArgument, "remote %q already exists", name)
	}
	rid := fmt.Sprintf("r%d", s.allocate("r.nextID"))
	s.set("rname."+name, rid)
	s.set(rid+".name", name)
	s.set(rid+".transmitter", transmitter)
	s.setNat(rid+".sendSeq", 0)
	s.setNat(rid+".recvSeq", 0)
	s.setNat(rid+".o.nextID", firstRemoteID)
	s.setNat(rid+".p.nextID", firstRemoteID)
	return rid
}

func (s store) remoteID(name string) string {
	rid, ok := s.get("rname." + name)
	if !ok {
		failf(core.ErrUnknownRemote, "unknown remote %q", name)
	}
	return rid
}

func (s store) remoteName(rid string) string {
	name, ok := s.get(rid + ".name")
	if !ok {
		failf(core.ErrUnknownRemote, "unknown remote %s", rid)
	}
	return name
}

func (s store) isRemoteID(who string) bool {
	return strings.HasPrefix(who, "r") && s.has(who+".name")
}

// nextSendSeq is the number the next message to 'rid' will carry.
func (s store) nextSendSeq(rid string) uint64 {
	return s.getNat(rid+".sendSeq") + 1
}

// advanceReceivedSeq counts an inbound message and returns its number.
func (s store) advanceReceivedSeq(rid string) uint64 {
	n := s.getNat(rid+".recvSeq") + 1
	s.setNat(rid+".recvSeq", n)
	return n
}
