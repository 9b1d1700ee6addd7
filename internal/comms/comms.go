// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package comms implements the comms vat, which connects the objects of one
// kernel to those of remote machines. To the kernel it is an ordinary vat
// that exports proxies for remote objects and imports local ones. To each
// remote it speaks a line-based protocol of deliver, resolve and gc
// messages, framed with sequence numbers so that garbage collection actions
// that cross on the wire can be told apart from informed ones.
//
// Messages leave through a transmitter object given to addRemote, typically
// the root of a vat built by NewTransmitterVat, and arrive as "receive"
// messages to the comms root object.
package comms

import (
	"fmt"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
)

var (
	mMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "comms",
		Name:      "messages",
		Help:      "remote messages by direction and command",
	}, []string{"dir", "command"})

	mGCIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "comms",
		Name:      "gc_ignored",
		Help:      "remote gc actions ignored, by verb and reason",
	}, []string{"verb", "reason"})

	mDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "comms",
		Name:      "deliveries",
		Help:      "kernel deliveries to comms by type",
	}, []string{"type"})
)

// controllerRef is the comms root object.
const controllerRef = "o+0"

// vat is the state of one delivery.
type vat struct {
	store
	maybeFree map[string]bool
	gc        *gcBatch
}

// Comms is the comms vat. It keeps nothing between deliveries: all state is
// in the vatstore.
type Comms struct{}

// New returns a comms vat.
func New() *Comms {
	return &Comms{}
}

// Dispatch implements kernel.Vat.
func (c *Comms) Dispatch(d *kernel.VatDelivery, sys kernel.Syscall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(failure)
			if !ok {
				panic(r)
			}
			log.Errorf("comms: %s delivery failed: %v", d.Type, f.err)
			err = f.err
		}
	}()

	v := &vat{store: store{sys: sys}, maybeFree: make(map[string]bool), gc: &gcBatch{}}
	v.initialize()
	mDeliveries.WithLabelValues(string(d.Type)).Inc()

	switch d.Type {
	case kernel.DeliverStartVat:
		// Nothing to do: the vatstore was initialized above.
	case kernel.DeliverMessage:
		if d.Msg == nil {
			return core.ErrInvalidArgument.Errorf("message delivery without a message")
		}
		if d.Target == controllerRef {
			v.controller(d.Msg)
		} else {
			v.sendFromKernel(d.Target, d.Msg)
		}
	case kernel.DeliverNotify:
		v.resolveFromKernel(d.Resolutions)
	case kernel.DeliverDropExports, kernel.DeliverRetireExports, kernel.DeliverRetireImports:
		v.gcFromKernel(d.Type, d.Vrefs)
	case kernel.DeliverBringOutYourDead:
		// Comms drops things as soon as it can, so there is never anything
		// left to collect here.
	default:
		return fmt.Errorf("comms: unknown delivery type %q", d.Type)
	}
	v.processGC()
	return nil
}
