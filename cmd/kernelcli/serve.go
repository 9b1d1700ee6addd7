// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/codegangsta/cli"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/comms"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
	"github.com/westerndigitalcorporation/vatkernel/pkg/rpc"
)

const (
	serveDialTimeout = 5 * time.Second
	serveRPCTimeout  = 10 * time.Second
	inboundDepth     = 1024

	// How often to retry messages the transmitter is holding.
	serveFlushEvery = time.Second

	// The comms index both machines export their echo object at.
	echoIndex = 1
)

// server runs one kernel that talks to a peer process over RPC. The kernel
// is only touched from the loop in run.
type server struct {
	m    *machine
	recv *comms.Receiver

	pingEvery time.Duration
	proxy     string
	pings     map[string]time.Time
	seq       int
}

func (b *kernelCli) cmdServe(c *cli.Context) {
	k := b.getKernel(c)
	if _, ok := k.VatID("comms"); ok {
		log.Errorf("The database already has a comms vat; serve needs a fresh one.")
		return
	}
	s, err := newServer(k, c.String("listen"), c.String("peer"), c.String("name"))
	if err != nil {
		log.Errorf("serve: %v", err)
		return
	}
	s.pingEvery = c.Duration("ping")
	atomic.StoreInt32(&b.looping, 1)
	defer atomic.StoreInt32(&b.looping, 0)
	if err := s.run(b.quit); err != nil {
		log.Errorf("serve: %v", err)
	}
}

func newServer(k *kernel.Kernel, listen, peer, name string) (*server, error) {
	recv := comms.NewReceiver(inboundDepth)
	if err := recv.Register(); err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	log.Infof("listening for comms on %s", rpc.Serve(l))

	cc := rpc.NewConnectionCache(serveDialTimeout, serveRPCTimeout, 1)
	m, err := newMachineWithTransport(k, comms.NewRPCTransport(cc, peer, name), map[string]kernel.Vat{"echo": echo})
	if err != nil {
		return nil, err
	}

	echoID, _ := k.VatID("echo")
	root, err := k.RootObject(echoID)
	if err != nil {
		return nil, err
	}
	if err := k.PinObject(root); err != nil {
		return nil, err
	}
	if _, err := m.control("addEgress", []string{root}, "peer", echoIndex, core.SlotRef{Index: 0}); err != nil {
		return nil, err
	}
	data, err := m.control("addIngress", nil, "peer", echoIndex)
	if err != nil {
		return nil, err
	}
	proxy, ok := core.ExtractSingleSlot(data)
	if !ok {
		return nil, fmt.Errorf("addIngress returned %s", data.Body)
	}
	return &server{m: m, recv: recv, proxy: proxy, pings: make(map[string]time.Time)}, nil
}

// run hands inbound messages to comms and, if asked to, pings the peer's
// echo object until 'stop' is closed.
func (s *server) run(stop <-chan struct{}) error {
	var tick <-chan time.Time
	if s.pingEvery > 0 {
		t := time.NewTicker(s.pingEvery)
		defer t.Stop()
		tick = t.C
	}
	flush := time.NewTicker(serveFlushEvery)
	defer flush.Stop()
	for {
		select {
		case <-stop:
			return nil
		case req := <-s.recv.Inbound():
			if _, err := s.m.control("receive", nil, "peer", req.Msg); err != nil {
				// A bad message from the peer is logged and dropped.
				log.Errorf("receive from %s: %v", req.From, err)
			}
		case <-tick:
			if err := s.ping(); err != nil {
				return err
			}
		case <-flush.C:
			if s.m.tx.Pending() > 0 {
				s.m.tx.Flush()
			}
		}
		s.reportPongs()
	}
}

func (s *server) ping() error {
	kpid, err := s.m.k.QueueToKref(s.proxy, core.NewMethargs("ping", nil, s.seq), state.PolicyLogFailure)
	if err != nil {
		return err
	}
	s.seq++
	s.pings[kpid] = time.Now()
	_, err = s.m.k.Run(nil)
	return err
}

func (s *server) reportPongs() {
	for kpid, sent := range s.pings {
		if s.m.k.KPStatus(kpid) == string(state.Unresolved) {
			continue
		}
		data, rejected, _ := s.m.k.KPResolution(kpid)
		fmt.Printf("pong %s (rejected=%v) after %v\n", data.Body, rejected, time.Since(sent))
		delete(s.pings, kpid)
	}
}
