// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package rpc

import (
	"context"
	"errors"
	"net/rpc"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	log "github.com/golang/glog"
)

// ErrorRPCConnect is returned if we can't connect to the RPC server.
var ErrorRPCConnect = errors.New("RPC couldn't connect")

// ConnectionCache creates and caches RPC connections to addresses. It is
// safe for concurrent use.
type ConnectionCache struct {
	// Protects conns and the counts of the clients in it.
	lock  sync.Mutex
	conns *lru.Cache

	dialTimeout time.Duration
	rpcTimeout  time.Duration
}

// NewConnectionCache makes a new ConnectionCache. If more than 'maxConns'
// connections are open, idle ones may be dropped. Zero means no limit.
func NewConnectionCache(dialTimeout, rpcTimeout time.Duration, maxConns int) *ConnectionCache {
	if maxConns < 0 {
		log.Fatalf("max connections can not be negative")
	}
	conns := lru.New(maxConns)
	conns.OnEvicted = onConnEvicted
	return &ConnectionCache{
		conns:       conns,
		dialTimeout: dialTimeout,
		rpcTimeout:  rpcTimeout,
	}
}

// get returns a connection to 'addr', dialing if needed, or nil if it can't
// connect. The caller must call done when the call is over.
func (cc *ConnectionCache) get(ctx context.Context, addr string) *refCntClient {
	cc.lock.Lock()
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		cc.lock.Unlock()
		return rc
	}
	cc.lock.Unlock()

	nctx, cancel := context.WithTimeout(ctx, cc.dialTimeout)
	defer cancel()
	clt, err := dialHTTPContext(nctx, "tcp", addr)
	if err != nil {
		log.Infof("error connecting to %s: %s", addr, err)
		return nil
	}

	cc.lock.Lock()
	defer cc.lock.Unlock()
	// Somebody may have dialed in parallel.
	if v, ok := cc.conns.Get(addr); ok {
		rc := v.(*refCntClient)
		rc.count++
		clt.Close()
		return rc
	}
	log.Infof("established connection to %s", addr)

	// One reference for the cache and one for the caller.
	rc := &refCntClient{count: 2, clt: clt}
	cc.conns.Add(addr, rc)
	return rc
}

// done releases the caller's reference. A non-nil 'err' means the
// connection is suspect, and it is dropped from the cache so that the next
// call redials.
func (cc *ConnectionCache) done(addr string, old *refCntClient, err error) {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	if old.decAndMaybeClose() || err == nil {
		return
	}
	// Only remove it if nobody replaced it already.
	if cur, ok := cc.conns.Get(addr); ok && cur == old {
		cc.conns.Remove(addr)
		log.Errorf("connection to %s lost (%s)", addr, err)
	}
}

// Send calls 'method' on 'addr' and waits for the reply, or until the RPC
// timeout. A connection the server shut down is redialed once.
func (cc *ConnectionCache) Send(ctx context.Context, addr, method string, req, reply interface{}) error {
	err := cc.send(ctx, addr, method, req, reply)
	if err == rpc.ErrShutdown {
		err = cc.send(ctx, addr, method, req, reply)
	}
	return err
}

func (cc *ConnectionCache) send(ctx context.Context, addr, method string, req, reply interface{}) error {
	rc := cc.get(ctx, addr)
	if rc == nil {
		return ErrorRPCConnect
	}

	nctx, cancel := context.WithTimeout(ctx, cc.rpcTimeout)
	defer cancel()
	call := rc.clt.Go(method, req, reply, make(chan *rpc.Call, 1))

	select {
	case <-call.Done:
		cc.done(addr, rc, call.Error)
		return call.Error
	case <-nctx.Done():
		log.Errorf("rpc %q to %s: %s", method, addr, nctx.Err())
		cc.done(addr, rc, nctx.Err())
		return nctx.Err()
	}
}

// CloseAll drops every connection. Connections in use are closed once their
// calls finish.
func (cc *ConnectionCache) CloseAll() {
	cc.lock.Lock()
	defer cc.lock.Unlock()
	for cc.conns.Len() > 0 {
		cc.conns.RemoveOldest()
	}
}

func onConnEvicted(key lru.Key, val interface{}) {
	log.V(10).Infof("%s evicted from connection cache", key)
	// The cache lock is held.
	val.(*refCntClient).decAndMaybeClose()
}

// refCntClient counts the users of a client, the cache included, so that
// it is closed when the last one is done.
type refCntClient struct {
	count int
	clt   *rpc.Client
}

// decAndMaybeClose must be called with the cache lock held.
func (c *refCntClient) decAndMaybeClose() (closed bool) {
	c.count--
	if c.count == 0 {
		c.clt.Close()
		return true
	}
	return false
}
