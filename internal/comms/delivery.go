// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package comms

import (
	"fmt"
	"strconv"
	"strings"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
	"github.com/westerndigitalcorporation/vatkernel/pkg/slices"
)

// localDelivery is a message in local refs.
type localDelivery struct {
	target   string
	methargs core.CapData
	result   string
}

// localResolution settles one promise, in local refs.
type localResolution struct {
	lpid     string
	rejected bool
	data     core.CapData
}

func (v *vat) mapDataFromKernel(data core.CapData, noSubscribe map[string]bool) core.CapData {
	out := core.CapData{Body: data.Body}
	for _, vref := range data.Slots {
		out.Slots = append(out.Slots, v.provideLocalForKernel(vref, noSubscribe))
	}
	return out
}

func (v *vat) mapDataToKernel(data core.CapData) core.CapData {
	out := core.CapData{Body: data.Body}
	for _, lref := range data.Slots {
		out.Slots = append(out.Slots, v.provideKernelForLocal(lref))
	}
	return out
}

// sendFromKernel handles a message the kernel delivered to one of our
// exports: a local vat talking to something on a remote machine.
func (v *vat) sendFromKernel(target string, msg *core.Message) {
	ltarget := v.getLocalForKernel(target)
	methargs := v.mapDataFromKernel(msg.Methargs, nil)
	result := v.provideLocalForKernelResult(msg.Result)
	v.handleSend(localDelivery{target: ltarget, methargs: methargs, result: result})
}

// resolveFromKernel handles a notify: a promise the kernel decided has
// settled, and the remotes we shared it with must hear about it.
func (v *vat) resolveFromKernel(resolutions []kernel.VatResolution) {
	willBeResolved := make(map[string]bool)
	for _, r := range resolutions {
		willBeResolved[r.VPID] = true
	}
	var local []localResolution
	for _, r := range resolutions {
		lpid := v.provideLocalForKernel(r.VPID, willBeResolved)
		v.changeDecider(lpid, deciderKernel, deciderComms)
		local = append(local, localResolution{lpid: lpid, rejected: r.Rejected, data: v.mapDataFromKernel(r.Data, willBeResolved)})
	}
	for _, r := range resolutions {
		v.retireKernelPromiseID(r.VPID)
	}
	v.handleResolutions(local)
}

// messageFromRemote handles one framed message from a remote:
// "$seqNum:$ackSeqNum:$body", where $seqNum may be empty.
func (v *vat) messageFromRemote(rid, message string) {
	delim1 := strings.IndexByte(message, ':')
	if delim1 < 0 {
		failf(core.ErrBadRemoteMessage, "message %q from %s lacks seqNum delimiter", message, rid)
	}
	seqNum := message[:delim1]
	expected := v.advanceReceivedSeq(rid)
	if seqNum != "" && seqNum != strconv.FormatUint(expected, 10) {
		failf(core.ErrSeqNum, "unexpected seqNum %s from %s, wanted %d", seqNum, rid, expected)
	}
	rest := message[delim1+1:]
	delim2 := strings.IndexByte(rest, ':')
	if delim2 < 0 {
		failf(core.ErrBadRemoteMessage, "message %q from %s lacks ackSeqNum delimiter", message, rid)
	}
	ackSeqNum, err := strconv.ParseUint(rest[:delim2], 10, 64)
	if err != nil {
		failf(core.ErrBadRemoteMessage, "bad ackSeqNum in %q from %s", message, rid)
	}
	v.retireAcknowledgedRemotePromiseIDs(rid, ackSeqNum)

	body := rest[delim2+1:]
	command := body
	if i := strings.IndexByte(body, ':'); i >= 0 {
		command = body[:i]
	}
	mMessages.WithLabelValues("in", command).Inc()
	switch command {
	case "deliver":
		v.sendFromRemote(rid, body)
	case "resolve":
		v.resolveFromRemote(rid, body)
	case "gc":
		v.gcFromRemote(rid, body, ackSeqNum)
	default:
		failf(core.ErrBadRemoteMessage, "unrecognized %q in message from %s", command, rid)
	}
}

// sendFromRemote handles "deliver:$target:[$result][:$slots..];body".
func (v *vat) sendFromRemote(rid, message string) {
	sci := strings.IndexByte(message, ';')
	if sci < 0 {
		failf(core.ErrBadRemoteMessage, "missing semicolon in deliver %q", message)
	}
	fields := strings.Split(message[:sci], ":")[1:]
	if len(fields) < 2 {
		failf(core.ErrBadRemoteMessage, "short deliver %q", message)
	}
	target := v.getLocalForRemote(rid, fields[0])
	var result string
	if fields[1] != "" {
		result = v.provideLocalForRemoteResult(rid, fields[1])
	}
	methargs := core.CapData{Body: message[sci+1:]}
	for _, s := range fields[2:] {
		methargs.Slots = append(methargs.Slots, v.provideLocalForRemote(rid, s))
	}
	v.handleSend(localDelivery{target: target, methargs: methargs, result: result})
}

type remoteResolution struct {
	rpid     string
	rejected bool
	data     core.CapData
}

// parseResolveMessage splits one or more newline-joined
// "resolve:fulfill|reject:$rpid[:$slots..];body" lines.
func parseResolveMessage(message string) []remoteResolution {
	var out []remoteResolution
	for _, line := range strings.Split(message, "\n") {
		sci := strings.IndexByte(line, ';')
		if sci < 0 {
			failf(core.ErrBadRemoteMessage, "missing semicolon in resolve %q", line)
		}
		pieces := strings.Split(line[:sci], ":")
		if len(pieces) < 3 || pieces[0] != "resolve" || (pieces[1] != "fulfill" && pieces[1] != "reject") {
			failf(core.ErrBadRemoteMessage, "bad resolve %q", line)
		}
		out = append(out, remoteResolution{
			rpid:     pieces[2],
			rejected: pieces[1] == "reject",
			data:     core.CapData{Body: line[sci+1:], Slots: pieces[3:]},
		})
	}
	return out
}

func (v *vat) resolveFromRemote(rid, message string) {
	var local []localResolution
	resolutions := parseResolveMessage(message)
	for _, r := range resolutions {
		if mustParseRemoteRef(r.rpid).Type != core.PromiseSlot {
			failf(core.ErrBadRemoteMessage, "resolve of non-promise %s from %s", r.rpid, rid)
		}
		lpid := v.getLocalForRemote(rid, r.rpid)
		v.changeDecider(lpid, rid, deciderComms)
		data := core.CapData{Body: r.data.Body}
		for _, s := range r.data.Slots {
			data.Slots = append(data.Slots, v.provideLocalForRemote(rid, s))
		}
		local = append(local, localResolution{lpid: lpid, rejected: r.rejected, data: data})
	}
	for _, r := range resolutions {
		v.retireRemotePromiseID(rid, r.rpid)
	}
	v.handleResolutions(local)
}

// where says what to do with a send: deliver it to the kernel, to a remote,
// or reject its result.
type where struct {
	send     string
	kernel   bool
	remoteID string
	reject   *core.CapData
}

func (v *vat) resolveTarget(target string, methargs core.CapData) where {
	if localType(target) == core.ObjectSlot {
		owner := v.owner(target)
		if owner == kernelOwner {
			return where{send: target, kernel: true}
		}
		return where{send: target, remoteID: owner}
	}
	p := v.getPromise(target)
	switch p.Status {
	case rejected:
		return where{reject: p.Data}
	case fulfilled:
		if slot, ok := core.ExtractSingleSlot(*p.Data); ok && localType(slot) == core.ObjectSlot {
			return v.resolveTarget(slot, methargs)
		}
		e := core.MakeError(fmt.Sprintf("data is not callable, has no method %s", core.ExtractMethod(methargs)))
		return where{reject: &e}
	}
	switch {
	case p.Decider == deciderKernel:
		return where{send: target, kernel: true}
	case v.isRemoteID(p.Decider):
		return where{send: target, remoteID: p.Decider}
	}
	failf(core.ErrInvalidState, "cannot send to %s decided by %q", target, p.Decider)
	return where{}
}

// resolutionCollector finds the settled promises that a batch of slots
// refers to, directly or through other settled promises. Whoever receives
// those slots gets fresh IDs for them and needs their resolutions too.
type resolutionCollector struct {
	v           *vat
	resolutions []localResolution
	done        map[string]bool
}

func (v *vat) newResolutionCollector() *resolutionCollector {
	return &resolutionCollector{v: v, done: make(map[string]bool)}
}

func (c *resolutionCollector) forSlots(slots []string) []localResolution {
	for _, slot := range slots {
		if localType(slot) != core.PromiseSlot || c.done[slot] {
			continue
		}
		p := c.v.getPromise(slot)
		if p.Status == unresolved {
			continue
		}
		c.done[slot] = true
		c.resolutions = append(c.resolutions, localResolution{lpid: slot, rejected: p.Status == rejected, data: *p.Data})
		c.forSlots(p.Data.Slots)
	}
	return c.resolutions
}

func (v *vat) handleSend(d localDelivery) {
	w := v.resolveTarget(d.target, d.methargs)
	if w.reject != nil {
		if d.result == "" {
			return
		}
		v.handleResolutions([]localResolution{{lpid: d.result, rejected: true, data: *w.reject}})
		return
	}
	aux := v.newResolutionCollector().forSlots(d.methargs.Slots)
	if w.kernel {
		v.sendToKernel(w.send, d)
		if len(aux) > 0 {
			v.resolveToKernel(aux)
		}
		return
	}
	v.sendToRemote(w.send, w.remoteID, d)
	if len(aux) > 0 {
		v.resolveToRemote(w.remoteID, aux)
	}
}

func (v *vat) sendToKernel(target string, d localDelivery) {
	ktarget := v.getKernelForLocal(target)
	kargs := v.mapDataToKernel(d.methargs)
	kresult := v.provideKernelForLocalResult(d.result)
	if err := v.sys.Send(ktarget, kargs, kresult); err != nil {
		fail(err)
	}
	if kresult != "" {
		if err := v.sys.Subscribe(kresult); err != nil {
			fail(err)
		}
	}
}

func (v *vat) sendToRemote(target, rid string, d localDelivery) {
	rtarget := v.getRemoteForLocal(rid, target)
	var rresult string
	if d.result != "" {
		rresult = FlipRemoteRef(v.provideRemoteForLocalResult(rid, d.result))
	}
	rslots := make([]string, len(d.methargs.Slots))
	for i, s := range d.methargs.Slots {
		rslots[i] = v.provideRemoteForLocal(rid, s)
	}
	v.transmit(rid, fmt.Sprintf("deliver:%s:%s%s;%s", FlipRemoteRef(rtarget), rresult, flipSlots(rslots), d.methargs.Body))
}

// handleResolutions settles promises comms now decides and tells everyone
// who knows them: remotes that subscribed, and the kernel if it was given
// the promise by us.
func (v *vat) handleResolutions(resolutions []localResolution) {
	collector := v.newResolutionCollector()
	for _, r := range resolutions {
		collector.forSlots(r.data.Slots)
	}

	var subscribers []string
	kernelSubscribed := false
	for _, r := range resolutions {
		p := v.getPromise(r.lpid)
		for _, sub := range p.Subscribers {
			subscribers, _ = slices.InsertSorted(subscribers, sub)
		}
		kernelSubscribed = kernelSubscribed || p.Kernel
		v.markResolved(r.lpid, r.rejected, r.data)
	}
	all := append(append([]localResolution{}, resolutions...), collector.resolutions...)

	for _, rid := range subscribers {
		v.resolveToRemote(rid, all)
	}
	if kernelSubscribed {
		v.resolveToKernel(all)
	}
}

// resolveToRemote tells 'rid' about every resolution in the batch that it
// knows, or learns about through the data of an earlier one.
func (v *vat) resolveToRemote(rid string, resolutions []localResolution) {
	var msgs, retires []string
	for _, r := range resolutions {
		rpid, ok := v.lookup(rid, r.lpid)
		if !ok {
			continue
		}
		rslots := make([]string, len(r.data.Slots))
		for i, s := range r.data.Slots {
			rslots[i] = v.provideRemoteForLocal(rid, s)
		}
		tag := "fulfill"
		if r.rejected {
			tag = "reject"
		}
		msgs = append(msgs, fmt.Sprintf("resolve:%s:%s%s;%s", tag, FlipRemoteRef(rpid), flipSlots(rslots), r.data.Body))
		retires = append(retires, rpid)
	}
	if len(msgs) == 0 {
		return
	}
	for _, rpid := range retires {
		v.beginRemotePromiseIDRetirement(rid, rpid)
	}
	v.transmit(rid, strings.Join(msgs, "\n"))
}

// resolveToKernel resolves, in one syscall, every promise of the batch the
// kernel knows or learns about through the data of an earlier one.
func (v *vat) resolveToKernel(resolutions []localResolution) {
	var kres []kernel.VatResolution
	for _, r := range resolutions {
		vpid, ok := v.lookup(kernelOwner, r.lpid)
		if !ok {
			continue
		}
		kres = append(kres, kernel.VatResolution{VPID: vpid, Rejected: r.rejected, Data: v.mapDataToKernel(r.data)})
	}
	if len(kres) == 0 {
		return
	}
	if err := v.sys.Resolve(kres); err != nil {
		fail(err)
	}
	for _, r := range kres {
		v.retireKernelPromiseID(r.VPID)
	}
}

// transmit frames 'body' as the next message to 'rid' and sends it to the
// remote's transmitter.
func (v *vat) transmit(rid, body string) {
	seq := v.nextSendSeq(rid)
	v.setNat(rid+".sendSeq", seq)
	ack := v.getNat(rid + ".recvSeq")
	msg := fmt.Sprintf("%d:%d:%s", seq, ack, body)
	transmitter, ok := v.get(rid + ".transmitter")
	if !ok {
		failf(core.ErrUnknownRemote, "no transmitter for %s", rid)
	}
	command := body
	if i := strings.IndexByte(body, ':'); i >= 0 {
		command = body[:i]
	}
	mMessages.WithLabelValues("out", command).Inc()
	log.V(2).Infof("comms: transmit to %s: %s", rid, msg)
	if err := v.sys.Send(transmitter, core.NewMethargs("transmit", nil, msg), ""); err != nil {
		fail(err)
	}
}
