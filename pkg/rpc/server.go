// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package rpc carries net/rpc calls over HTTP CONNECT, with a cache of client
// connections keyed by address.
package rpc

import (
	"net"
	"net/http"
	"net/rpc"
	"sync"
)

// rpc.connected is not exported.
const connectedStatus = "200 Connected to Go RPC"

var handleHTTPOnce sync.Once

// RegisterName wraps rpc.RegisterName, which uses the default RPC server,
// and mounts that server on the default http mux.
func RegisterName(name string, rcvr interface{}) error {
	handleHTTPOnce.Do(rpc.HandleHTTP)
	return rpc.RegisterName(name, rcvr)
}

// Serve serves the default http mux on 'l' in the background and returns
// the address it listens on.
func Serve(l net.Listener) string {
	go http.Serve(l, nil)
	return l.Addr().String()
}
