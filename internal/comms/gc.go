// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package comms

import (
	"sort"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
)

// Wire GC verbs. Like kernel GC deliveries they say what the recipient
// should do: "dropExport" tells the owner that we dropped our import. The
// kernel hears the same news as syscalls named from our side, so a wire
// dropExport corresponds to syscall.dropImports.
const (
	gcDropExport   = "dropExport"
	gcRetireExport = "retireExport"
	gcRetireImport = "retireImport"
)

// gcBatch is the GC work a delivery produced, sent out by processGC.
type gcBatch struct {
	dropImports   []string
	retireImports []string
	retireExports []string
	remote        map[string][]string
}

func (b *gcBatch) toRemote(rid, verb, rref string) {
	if b.remote == nil {
		b.remote = make(map[string][]string)
	}
	b.remote[rid] = append(b.remote[rid], "gc:"+verb+":"+FlipRemoteRef(rref))
}

// gcFromKernel handles dropExports, retireExports and retireImports
// deliveries.
func (v *vat) gcFromKernel(t kernel.DeliveryType, vrefs []string) {
	for _, vref := range vrefs {
		lref := v.getLocalForKernel(vref)
		if localType(lref) != core.ObjectSlot {
			failf(core.ErrWrongSlotType, "GC of %s (%s)", vref, lref)
		}
		switch t {
		case kernel.DeliverDropExports:
			v.clearReachable(kernelOwner, lref)
		case kernel.DeliverRetireExports:
			v.deleteMapping(kernelOwner, lref)
		case kernel.DeliverRetireImports:
			if v.owner(lref) != kernelOwner {
				failf(core.ErrNotAnImport, "retireImports of %s (%s)", vref, lref)
			}
			v.retireFromOwner(lref)
		}
	}
}

// gcFromRemote handles a "gc:" message. A drop or retire of one of our
// exports is only honored if the remote had seen every message we sent
// naming it, that is if 'ackSeqNum' is at least lastSent. Otherwise the
// remote has re-imported it since and the action is ignored.
func (v *vat) gcFromRemote(rid, body string, ackSeqNum uint64) {
	for _, line := range strings.Split(body, "\n") {
		parts := strings.Split(line, ":")
		if len(parts) != 3 || parts[0] != "gc" {
			failf(core.ErrBadRemoteMessage, "bad gc line %q from %s", line, rid)
		}
		verb, rref := parts[1], parts[2]
		r := mustParseRemoteRef(rref)
		if r.Type != core.ObjectSlot {
			failf(core.ErrBadRemoteMessage, "gc of non-object %s from %s", rref, rid)
		}
		switch verb {
		case gcDropExport, gcRetireExport:
			if !r.AllocatedByRecipient {
				failf(core.ErrNotAnExport, "%s %s from %s", verb, rref, rid)
			}
			lref, ok := v.lookup(rid, rref)
			if !ok {
				// Crossed with our retireImport.
				log.V(2).Infof("comms: ignoring %s of unknown %s from %s", verb, rref, rid)
				mGCIgnored.WithLabelValues(verb, "unknown").Inc()
				continue
			}
			if last := v.lastSent(rid, lref); ackSeqNum < last {
				log.V(2).Infof("comms: ignoring uninformed %s of %s from %s (ack %d < %d)", verb, rref, rid, ackSeqNum, last)
				mGCIgnored.WithLabelValues(verb, "uninformed").Inc()
				continue
			}
			if verb == gcDropExport {
				v.clearReachable(rid, lref)
			} else {
				if v.isReachable(rid, lref) {
					failf(core.ErrStillReachable, "%s retired %s (%s) before dropping it", rid, rref, lref)
				}
				v.deleteMapping(rid, lref)
			}
		case gcRetireImport:
			if r.AllocatedByRecipient {
				failf(core.ErrNotAnImport, "%s %s from %s", verb, rref, rid)
			}
			lref, ok := v.lookup(rid, rref)
			if !ok {
				// Crossed with our retireExport.
				log.V(2).Infof("comms: ignoring %s of unknown %s from %s", verb, rref, rid)
				mGCIgnored.WithLabelValues(verb, "unknown").Inc()
				continue
			}
			v.retireFromOwner(lref)
		default:
			failf(core.ErrBadRemoteMessage, "unknown gc verb %q from %s", verb, rid)
		}
	}
}

// retireFromOwner handles the owner of 'lref' retiring it. Everyone we
// exported it to must retire their import.
func (v *vat) retireFromOwner(lref string) {
	owner := v.owner(lref)
	v.deleteMapping(owner, lref)
	if owner != kernelOwner {
		if vref, ok := v.lookup(kernelOwner, lref); ok {
			v.gc.retireExports = append(v.gc.retireExports, vref)
			v.deleteMapping(kernelOwner, lref)
		}
	}
	for _, rid := range v.remoteIDs() {
		if rid == owner {
			continue
		}
		if rref, ok := v.lookup(rid, lref); ok {
			v.gc.toRemote(rid, gcRetireImport, rref)
			v.deleteMapping(rid, lref)
		}
	}
	v.deleteObject(lref)
	delete(v.maybeFree, lref)
}

func (v *vat) remoteIDs() []string {
	var out []string
	next := v.getNat("r.nextID")
	for i := uint64(1); i < next; i++ {
		out = append(out, "r"+strconv.FormatUint(i, 10))
	}
	return out
}

func compareLocalRefs(a, b string) bool {
	_, ia, _ := ParseLocalRef(a)
	_, ib, _ := ParseLocalRef(b)
	return ia < ib
}

// processGC looks at every object whose refs went down during the delivery.
// If nobody we exported it to can reach it any more, we drop our import from
// the owner; if nobody can even recognize it, we retire it. The actions are
// then sent, to the kernel as syscalls and to each remote as one message.
func (v *vat) processGC() {
	lrefs := make([]string, 0, len(v.maybeFree))
	for lref := range v.maybeFree {
		lrefs = append(lrefs, lref)
	}
	sort.Slice(lrefs, func(i, j int) bool { return compareLocalRefs(lrefs[i], lrefs[j]) })
	v.maybeFree = make(map[string]bool)

	for _, lref := range lrefs {
		if !v.objectExists(lref) {
			continue
		}
		owner := v.owner(lref)
		r := v.getRefs(lref)
		ref := v.mustLookup(owner, lref)
		if r.reachable == 0 && v.isReachable(owner, lref) {
			v.del(v.flagKey(owner, lref))
			if owner == kernelOwner {
				v.gc.dropImports = append(v.gc.dropImports, ref)
			} else {
				v.gc.toRemote(owner, gcDropExport, ref)
			}
		}
		if r.recognizable == 0 {
			if owner == kernelOwner {
				v.gc.retireImports = append(v.gc.retireImports, ref)
			} else {
				v.gc.toRemote(owner, gcRetireExport, ref)
			}
			v.deleteMapping(owner, lref)
			v.deleteObject(lref)
		}
	}
	v.flushGC()
}

func (v *vat) flushGC() {
	b := v.gc
	v.gc = &gcBatch{}
	for _, vrefs := range [][]string{b.dropImports, b.retireImports, b.retireExports} {
		sort.Strings(vrefs)
	}
	if len(b.dropImports) > 0 {
		if err := v.sys.DropImports(b.dropImports); err != nil {
			fail(err)
		}
	}
	if len(b.retireImports) > 0 {
		if err := v.sys.RetireImports(b.retireImports); err != nil {
			fail(err)
		}
	}
	if len(b.retireExports) > 0 {
		if err := v.sys.RetireExports(b.retireExports); err != nil {
			fail(err)
		}
	}

	rids := make([]string, 0, len(b.remote))
	for rid := range b.remote {
		rids = append(rids, rid)
	}
	sort.Strings(rids)
	for _, rid := range rids {
		lines := b.remote[rid]
		sort.Strings(lines)
		v.transmit(rid, strings.Join(lines, "\n"))
	}
}
