// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package comms

import (
	"encoding/json"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
)

// controller handles messages to the comms root object:
//
//	addRemote(name, transmitter)
//	addEgress(remoteName, index, object)    export 'object' as ro+index
//	addIngress(remoteName, index) -> proxy  import ro-index
//	receive(remoteName, message)
func (v *vat) controller(msg *core.Message) {
	method := core.ExtractMethod(msg.Methargs)
	args, err := core.ExtractArgs(msg.Methargs)
	if err != nil {
		fail(err)
	}
	result := core.Undefined
	switch method {
	case "addRemote":
		need(method, args, 2)
		name := stringArg(args[0])
		transmitter := slotArg(msg.Methargs, args[1])
		v.addRemoteWithTransmitter(name, transmitter)
	case "addEgress":
		need(method, args, 3)
		rid := v.remoteID(stringArg(args[0]))
		index := indexArg(args[1])
		v.addEgress(rid, index, slotArg(msg.Methargs, args[2]))
	case "addIngress":
		need(method, args, 2)
		rid := v.remoteID(stringArg(args[0]))
		lref := v.addIngress(rid, indexArg(args[1]))
		result = core.SlotData(lref)
	case "receive":
		need(method, args, 2)
		rid := v.remoteID(stringArg(args[0]))
		v.messageFromRemote(rid, stringArg(args[1]))
	default:
		failf(core.ErrInvalidArgument, "comms controller has no method %q", method)
	}

	if msg.Result == "" {
		return
	}
	if _, ok := v.lookup(kernelOwner, msg.Result); ok {
		lpid := v.provideLocalForKernelResult(msg.Result)
		v.handleResolutions([]localResolution{{lpid: lpid, data: result}})
		return
	}
	// A result comms has never seen needs no promise record.
	res := kernel.VatResolution{VPID: msg.Result, Data: v.mapDataToKernel(result)}
	if err := v.sys.Resolve([]kernel.VatResolution{res}); err != nil {
		fail(err)
	}
}

// addRemoteWithTransmitter registers a remote. The transmitter is held for
// as long as comms lives.
func (v *vat) addRemoteWithTransmitter(name, transmitter string) {
	if err := core.InsistVatType(core.ObjectSlot, transmitter); err != nil {
		fail(err)
	}
	lref := v.provideLocalForKernel(transmitter, nil)
	r := v.getRefs(lref)
	r.reachable++
	r.recognizable++
	v.setRefs(lref, r)
	rid := v.addRemote(name, transmitter)
	log.Infof("comms: added remote %q as %s", name, rid)
}

// addEgress makes a kernel object available to the remote under a well
// known index.
func (v *vat) addEgress(rid string, index uint64, vref string) {
	if index >= firstRemoteID {
		failf(core.ErrInvalidArgument, "egress index %d must be below %d", index, firstRemoteID)
	}
	rref := MakeRemoteRef(core.ObjectSlot, true, index)
	if _, ok := v.lookup(rid, rref); ok {
		failf(core.ErrInvalidArgument, "egress %s of %s already in use", rref, rid)
	}
	lref := v.provideLocalForKernel(vref, nil)
	if localType(lref) != core.ObjectSlot || v.owner(lref) != kernelOwner {
		failf(core.ErrWrongSlotType, "egress %s is not a kernel object", vref)
	}
	v.addMapping(rid, rref, lref)
	v.setReachable(rid, lref)
}

// addIngress imports the object the remote exported under 'index'.
func (v *vat) addIngress(rid string, index uint64) string {
	if index >= firstRemoteID {
		failf(core.ErrInvalidArgument, "ingress index %d must be below %d", index, firstRemoteID)
	}
	rref := MakeRemoteRef(core.ObjectSlot, false, index)
	if _, ok := v.lookup(rid, rref); ok {
		failf(core.ErrInvalidArgument, "ingress %s of %s already in use", rref, rid)
	}
	return v.provideLocalForRemote(rid, rref)
}

func need(method string, args []json.RawMessage, n int) {
	if len(args) != n {
		failf(core.ErrInvalidArgument, "%s takes %d arguments, got %d", method, n, len(args))
	}
}

func stringArg(arg json.RawMessage) string {
	var s string
	if err := json.Unmarshal(arg, &s); err != nil {
		failf(core.ErrInvalidArgument, "argument %s is not a string", arg)
	}
	return s
}

func indexArg(arg json.RawMessage) uint64 {
	var n uint64
	if err := json.Unmarshal(arg, &n); err != nil {
		failf(core.ErrInvalidArgument, "argument %s is not an index", arg)
	}
	return n
}

func slotArg(data core.CapData, arg json.RawMessage) string {
	slot, err := core.ArgSlot(data, arg)
	if err != nil {
		fail(err)
	}
	return slot
}
