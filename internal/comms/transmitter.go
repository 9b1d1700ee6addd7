// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package comms

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
	"github.com/westerndigitalcorporation/vatkernel/pkg/retry"
	"github.com/westerndigitalcorporation/vatkernel/pkg/tokenbucket"
)

var mTransmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Subsystem: "comms",
	Name:      "transmitted",
	Help:      "messages handed to a transport, by outcome",
}, []string{"outcome"})

// Transport carries framed comms messages to one remote.
type Transport interface {
	Transmit(msg string) error
}

// TransmitterConfig configures a transmitter vat.
type TransmitterConfig struct {
	// How to retry a failed Transmit.
	Retrier retry.Retrier

	// Messages per second, and how many may go out in a burst. A zero
	// Rate means no limit.
	Rate  float32
	Burst float32
}

// DefaultTransmitterConfig retries a few times quickly and does not limit
// the rate.
var DefaultTransmitterConfig = TransmitterConfig{
	Retrier: retry.Retrier{
		MinSleep:    10 * time.Millisecond,
		MaxSleep:    time.Second,
		MaxAttempts: 5,
	},
}

// Transmitter is a vat whose root object passes "transmit" messages to a
// Transport. Its root is what comms is given as a remote's transmitter.
//
// Messages the transport would not take are held, in order, and go out
// ahead of the next one, or when the host calls Flush.
type Transmitter struct {
	t       Transport
	retrier retry.Retrier
	bucket  *tokenbucket.TokenBucket

	lock    sync.Mutex
	backlog []string // oldest first
}

// NewTransmitter returns a transmitter vat for 't'.
func NewTransmitter(t Transport, cfg TransmitterConfig) *Transmitter {
	tr := &Transmitter{t: t, retrier: cfg.Retrier}
	if tr.retrier.MaxAttempts == 0 && tr.retrier.MaxElapsed == 0 {
		tr.retrier.MaxAttempts = 1
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		tr.bucket = tokenbucket.New(cfg.Rate, burst)
	}
	return tr
}

// Dispatch implements kernel.Vat.
func (tr *Transmitter) Dispatch(d *kernel.VatDelivery, sys kernel.Syscall) error {
	if d.Type != kernel.DeliverMessage {
		return nil
	}
	if method := core.ExtractMethod(d.Msg.Methargs); method != "transmit" {
		return core.ErrInvalidArgument.Errorf("transmitter has no method %q", method)
	}
	args, err := core.ExtractArgs(d.Msg.Methargs)
	if err != nil {
		return err
	}
	var msg string
	if len(args) != 1 || json.Unmarshal(args[0], &msg) != nil {
		return core.ErrInvalidArgument.Errorf("transmit takes one string")
	}

	tr.lock.Lock()
	tr.backlog = append(tr.backlog, msg)
	tr.lock.Unlock()
	// On failure the message stays in the backlog, and the error is logged.
	tr.Flush()

	if d.Msg.Result != "" {
		return sys.Resolve([]kernel.VatResolution{{VPID: d.Msg.Result, Data: core.Undefined}})
	}
	return nil
}

// Flush hands held messages to the transport, oldest first. It stops at the
// first one that can't be sent even after retries, so the remote never sees
// a gap in sequence numbers; that message and the ones behind it are kept.
func (tr *Transmitter) Flush() error {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	for len(tr.backlog) > 0 {
		if err := tr.send(tr.backlog[0]); err != nil {
			log.Errorf("holding %d message(s) after failed transmits: %v", len(tr.backlog), err)
			mTransmitted.WithLabelValues("held").Inc()
			return err
		}
		tr.backlog = tr.backlog[1:]
		mTransmitted.WithLabelValues("sent").Inc()
	}
	return nil
}

// Pending returns the number of messages waiting to be sent.
func (tr *Transmitter) Pending() int {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	return len(tr.backlog)
}

func (tr *Transmitter) send(msg string) error {
	if tr.bucket != nil {
		tr.bucket.Wait(context.Background(), 1)
	}
	return tr.retrier.Do(context.Background(), func(n int) error {
		err := tr.t.Transmit(msg)
		if err != nil {
			log.Warningf("transmit attempt %d failed: %v", n, err)
		}
		return err
	})
}
