// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package comms

import (
	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

// Comms keeps one c-list toward the kernel and one per remote. Each maps the
// peer's ref to a local ref and back, and for objects carries a reachable
// flag. Keys:
//
//	k.<vref>, k.<lref>              kernel c-list
//	kr.<lref>                       kernel entry is reachable
//	<rid>.c.<rref>, <rid>.c.<lref>  remote c-list
//	<rid>.cr.<lref>                 remote entry is reachable
//	<rid>.sent.<lref>               seqNum of the last message to <rid> naming it
//
// For an object, the entry with its owner is an import and every other entry
// is an export, which is what the object's refs count.

func (v *vat) mappingKey(who, ref string) string {
	if who == kernelOwner {
		return "k." + ref
	}
	return who + ".c." + ref
}

func (v *vat) flagKey(who, lref string) string {
	if who == kernelOwner {
		return "kr." + lref
	}
	return who + ".cr." + lref
}

// lookup maps a peer's ref to a local ref, or a local ref to the peer's.
func (v *vat) lookup(who, ref string) (string, bool) {
	return v.get(v.mappingKey(who, ref))
}

func (v *vat) mustLookup(who, ref string) string {
	out, ok := v.lookup(who, ref)
	if !ok {
		failf(core.ErrNotInCList, "%s is not in the c-list of %s", ref, who)
	}
	return out
}

// addMapping adds a c-list entry. New exports count as recognizable; the
// caller marks them reachable.
func (v *vat) addMapping(who, ref, lref string) {
	v.set(v.mappingKey(who, ref), lref)
	v.set(v.mappingKey(who, lref), ref)
	if localType(lref) == core.ObjectSlot && v.owner(lref) != who {
		r := v.getRefs(lref)
		r.recognizable++
		v.setRefs(lref, r)
	}
}

// deleteMapping removes the c-list entry of 'lref' for 'who', releasing the
// export's refs.
func (v *vat) deleteMapping(who, lref string) {
	ref := v.mustLookup(who, lref)
	if localType(lref) == core.ObjectSlot && v.objectExists(lref) && v.owner(lref) != who {
		r := v.getRefs(lref)
		if v.isReachable(who, lref) {
			r.reachable--
		}
		r.recognizable--
		v.setRefs(lref, r)
		v.maybeFree[lref] = true
	}
	v.del(v.mappingKey(who, ref))
	v.del(v.mappingKey(who, lref))
	v.del(v.flagKey(who, lref))
	if who != kernelOwner {
		v.del(who + ".sent." + lref)
	}
}

func (v *vat) isReachable(who, lref string) bool {
	return v.has(v.flagKey(who, lref))
}

func (v *vat) setReachable(who, lref string) {
	if v.isReachable(who, lref) {
		return
	}
	v.set(v.flagKey(who, lref), "1")
	if v.owner(lref) != who {
		r := v.getRefs(lref)
		r.reachable++
		v.setRefs(lref, r)
	}
}

func (v *vat) clearReachable(who, lref string) {
	if !v.isReachable(who, lref) {
		failf(core.ErrAlreadyDropped, "%s already dropped by %s", lref, who)
	}
	v.del(v.flagKey(who, lref))
	if v.owner(lref) != who {
		r := v.getRefs(lref)
		r.reachable--
		v.setRefs(lref, r)
		v.maybeFree[lref] = true
	}
}

//------ Kernel c-list ------//

func (v *vat) getLocalForKernel(vref string) string {
	return v.mustLookup(kernelOwner, vref)
}

func (v *vat) getKernelForLocal(lref string) string {
	return v.mustLookup(kernelOwner, lref)
}

// provideLocalForKernel maps a vref the kernel gave us, importing it if it
// is new. New kernel promises are subscribed to unless they are in
// 'noSubscribe'.
func (v *vat) provideLocalForKernel(vref string, noSubscribe map[string]bool) string {
	vs, err := core.ParseVatSlot(vref)
	if err != nil {
		fail(err)
	}
	if lref, ok := v.lookup(kernelOwner, vref); ok {
		if vs.Type == core.ObjectSlot && !vs.AllocatedByVat {
			// The kernel may hand us an import we dropped earlier.
			v.setReachable(kernelOwner, lref)
		}
		return lref
	}
	if vs.AllocatedByVat {
		failf(core.ErrUnknownSlot, "kernel sent unknown export %s", vref)
	}
	switch vs.Type {
	case core.ObjectSlot:
		lref := v.addObject(kernelOwner)
		v.addMapping(kernelOwner, vref, lref)
		v.setReachable(kernelOwner, lref)
		v.maybeFree[lref] = true
		return lref
	case core.PromiseSlot:
		lpid := v.addPromise(deciderKernel)
		v.addMapping(kernelOwner, vref, lpid)
		if !noSubscribe[vref] {
			if err := v.sys.Subscribe(vref); err != nil {
				fail(err)
			}
		}
		return lpid
	}
	failf(core.ErrWrongSlotType, "comms cannot import %s", vref)
	return ""
}

// provideLocalForKernelResult maps the result of a message the kernel
// delivered. Comms now decides it and owes the kernel a resolution.
func (v *vat) provideLocalForKernelResult(vpid string) string {
	if vpid == "" {
		return ""
	}
	if err := core.InsistVatType(core.PromiseSlot, vpid); err != nil {
		fail(err)
	}
	lpid, ok := v.lookup(kernelOwner, vpid)
	if ok {
		v.changeDecider(lpid, deciderKernel, deciderComms)
	} else {
		lpid = v.addPromise(deciderComms)
		v.addMapping(kernelOwner, vpid, lpid)
	}
	p := v.getPromise(lpid)
	p.Kernel = true
	v.setPromise(lpid, p)
	return lpid
}

// provideKernelForLocal maps a local ref for the kernel, exporting it if it
// is new.
func (v *vat) provideKernelForLocal(lref string) string {
	t := localType(lref)
	if vref, ok := v.lookup(kernelOwner, lref); ok {
		if t == core.ObjectSlot {
			if v.owner(lref) != kernelOwner {
				v.setReachable(kernelOwner, lref)
			} else if !v.isReachable(kernelOwner, lref) {
				failf(core.ErrUnreachableImport, "%s (%s) was dropped", lref, vref)
			}
		} else {
			v.setKernelSubscribed(lref)
		}
		return vref
	}
	if t == core.ObjectSlot {
		if v.owner(lref) == kernelOwner {
			failf(core.ErrInvalidState, "kernel object %s has no c-list entry", lref)
		}
		vref := core.MakeVatSlot(core.ObjectSlot, true, v.allocate("ko.nextID"))
		v.addMapping(kernelOwner, vref, lref)
		v.setReachable(kernelOwner, lref)
		return vref
	}
	vref := core.MakeVatSlot(core.PromiseSlot, true, v.allocate("kp.nextID"))
	v.addMapping(kernelOwner, vref, lref)
	v.setKernelSubscribed(lref)
	return vref
}

// provideKernelForLocalResult exports a fresh promise as the result of a
// send into the kernel, which will then decide it.
func (v *vat) provideKernelForLocalResult(lpid string) string {
	if lpid == "" {
		return ""
	}
	if _, ok := v.lookup(kernelOwner, lpid); ok {
		failf(core.ErrNotDecider, "result %s is already known to the kernel", lpid)
	}
	vref := core.MakeVatSlot(core.PromiseSlot, true, v.allocate("kp.nextID"))
	v.addMapping(kernelOwner, vref, lpid)
	v.changeDecider(lpid, deciderComms, deciderKernel)
	return vref
}

// retireKernelPromiseID forgets a settled promise's kernel c-list entry.
// The kernel forgets its side on its own.
func (v *vat) retireKernelPromiseID(vpid string) {
	if lpid, ok := v.lookup(kernelOwner, vpid); ok {
		v.deleteMapping(kernelOwner, lpid)
	}
}

//------ Remote c-lists ------//

func (v *vat) getLocalForRemote(rid, rref string) string {
	return v.mustLookup(rid, rref)
}

func (v *vat) getRemoteForLocal(rid, lref string) string {
	return v.mustLookup(rid, lref)
}

// provideLocalForRemote maps a ref a remote sent us, importing it if new.
func (v *vat) provideLocalForRemote(rid, rref string) string {
	r := mustParseRemoteRef(rref)
	if lref, ok := v.lookup(rid, rref); ok {
		if r.Type == core.ObjectSlot && v.owner(lref) == rid {
			v.setReachable(rid, lref)
		}
		return lref
	}
	if r.AllocatedByRecipient {
		failf(core.ErrBadRemoteMessage, "%s sent unknown ref %s", v.remoteName(rid), rref)
	}
	if r.Type == core.ObjectSlot {
		lref := v.addObject(rid)
		v.addMapping(rid, rref, lref)
		v.setReachable(rid, lref)
		v.maybeFree[lref] = true
		return lref
	}
	lpid := v.addPromise(rid)
	v.addMapping(rid, rref, lpid)
	return lpid
}

// provideLocalForRemoteResult maps the result promise of a message from a
// remote. Comms decides it for now and the remote wants the answer.
func (v *vat) provideLocalForRemoteResult(rid, rref string) string {
	r := mustParseRemoteRef(rref)
	if r.Type != core.PromiseSlot || r.AllocatedByRecipient {
		failf(core.ErrBadRemoteMessage, "bad result %s from %s", rref, v.remoteName(rid))
	}
	if _, ok := v.lookup(rid, rref); ok {
		failf(core.ErrBadRemoteMessage, "result %s from %s is already in use", rref, v.remoteName(rid))
	}
	lpid := v.addPromise(deciderComms)
	v.addMapping(rid, rref, lpid)
	v.addSubscriber(lpid, rid)
	return lpid
}

// provideRemoteForLocal maps a local ref for a message about to go to
// 'rid', exporting it if new. Objects remember the message number so that a
// crossing drop can be recognized.
func (v *vat) provideRemoteForLocal(rid, lref string) string {
	if localType(lref) == core.PromiseSlot {
		rref, ok := v.lookup(rid, lref)
		if !ok {
			rref = MakeRemoteRef(core.PromiseSlot, true, v.allocate(rid+".p.nextID"))
			v.addMapping(rid, rref, lref)
		}
		v.addSubscriber(lref, rid)
		return rref
	}

	owner := v.owner(lref)
	rref, ok := v.lookup(rid, lref)
	if !ok {
		if owner == rid {
			failf(core.ErrInvalidState, "%s from %s has no c-list entry", lref, rid)
		}
		rref = MakeRemoteRef(core.ObjectSlot, true, v.allocate(rid+".o.nextID"))
		v.addMapping(rid, rref, lref)
	}
	if owner == rid {
		if !v.isReachable(rid, lref) {
			failf(core.ErrUnreachableImport, "%s (%s) was dropped", lref, rref)
		}
		return rref
	}
	v.setReachable(rid, lref)
	v.setNat(rid+".sent."+lref, v.nextSendSeq(rid))
	return rref
}

// provideRemoteForLocalResult exports a fresh promise as the result of a
// send to 'rid', which will then decide it.
func (v *vat) provideRemoteForLocalResult(rid, lpid string) string {
	if _, ok := v.lookup(rid, lpid); ok {
		failf(core.ErrNotDecider, "result %s is already known to %s", lpid, rid)
	}
	rref := MakeRemoteRef(core.PromiseSlot, true, v.allocate(rid+".p.nextID"))
	v.addMapping(rid, rref, lpid)
	v.changeDecider(lpid, deciderComms, rid)
	return rref
}

// lastSent is the number of the last message to 'rid' that named 'lref'.
func (v *vat) lastSent(rid, lref string) uint64 {
	return v.getNat(rid + ".sent." + lref)
}

func (v *vat) retireRemotePromiseID(rid, rpid string) {
	if lpid, ok := v.lookup(rid, rpid); ok {
		v.deleteMapping(rid, lpid)
	}
}

// beginRemotePromiseIDRetirement schedules 'rpid' to be forgotten once the
// remote acknowledges the message that resolves it. Until then the remote
// may still use it.
func (v *vat) beginRemotePromiseIDRetirement(rid, rpid string) {
	var pending []pendingRetirement
	v.getJSON(rid+".retiring", &pending)
	pending = append(pending, pendingRetirement{Seq: v.nextSendSeq(rid), RPID: rpid})
	v.setJSON(rid+".retiring", pending)
}

func (v *vat) retireAcknowledgedRemotePromiseIDs(rid string, ackSeqNum uint64) {
	var pending, kept []pendingRetirement
	if !v.getJSON(rid+".retiring", &pending) {
		return
	}
	for _, p := range pending {
		if p.Seq <= ackSeqNum {
			log.V(2).Infof("comms: %s acknowledged %d, retiring %s", rid, ackSeqNum, p.RPID)
			v.retireRemotePromiseID(rid, p.RPID)
		} else {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		v.del(rid + ".retiring")
		return
	}
	v.setJSON(rid+".retiring", kept)
}
