// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package comms

import (
	"context"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/vatkernel/pkg/rpc"
)

// ReceiverName is the name a Receiver is registered under.
const ReceiverName = "CommsReceiver"

// ReceiveReq carries one framed comms message between machines.
type ReceiveReq struct {
	// The sender's name for itself, which is the receiver's remote name for
	// it.
	From string
	Msg  string
}

// RPCTransport is a Transport that calls a Receiver on another machine.
type RPCTransport struct {
	cc   *rpc.ConnectionCache
	addr string
	from string
}

// NewRPCTransport returns a transport to the Receiver at 'addr'. 'from' is
// how the other side knows us.
func NewRPCTransport(cc *rpc.ConnectionCache, addr, from string) *RPCTransport {
	return &RPCTransport{cc: cc, addr: addr, from: from}
}

// Transmit implements Transport.
func (t *RPCTransport) Transmit(msg string) error {
	var ok bool
	return t.cc.Send(context.Background(), t.addr, ReceiverName+".Receive", ReceiveReq{From: t.from, Msg: msg}, &ok)
}

// Receiver is the RPC endpoint for inbound comms messages. The kernel is not
// safe for concurrent use, so messages are queued for whoever runs it to
// hand to comms with a "receive" message.
type Receiver struct {
	inbound chan ReceiveReq
}

// NewReceiver returns a receiver that queues up to 'depth' messages before
// blocking senders.
func NewReceiver(depth int) *Receiver {
	return &Receiver{inbound: make(chan ReceiveReq, depth)}
}

// Register registers the receiver with the default RPC server.
func (r *Receiver) Register() error {
	return rpc.RegisterName(ReceiverName, r)
}

// Receive is the RPC method.
func (r *Receiver) Receive(req ReceiveReq, ok *bool) error {
	log.V(2).Infof("comms: received from %s: %s", req.From, req.Msg)
	r.inbound <- req
	*ok = true
	return nil
}

// Inbound returns the queue of received messages.
func (r *Receiver) Inbound() <-chan ReceiveReq {
	return r.inbound
}
