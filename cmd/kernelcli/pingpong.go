// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"time"

	"github.com/codegangsta/cli"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/comms"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
	"github.com/westerndigitalcorporation/vatkernel/internal/kvstore"
)

// outbox collects what a transmitter vat sends until it is pumped to the
// other machine.
type outbox struct {
	msgs []string
}

func (o *outbox) Transmit(msg string) error {
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) take() []string {
	msgs := o.msgs
	o.msgs = nil
	return msgs
}

// machine is a kernel with a comms vat and a transmitter to one peer.
type machine struct {
	k   *kernel.Kernel
	tx  *comms.Transmitter
	out *outbox
}

func newMachine(k *kernel.Kernel, vats map[string]kernel.Vat) (*machine, error) {
	out := &outbox{}
	m, err := newMachineWithTransport(k, out, vats)
	if m != nil {
		m.out = out
	}
	return m, err
}

// newMachineWithTransport sets up comms on 'k' with a single remote, called
// "peer", reached through 't'.
func newMachineWithTransport(k *kernel.Kernel, t comms.Transport, vats map[string]kernel.Vat) (*machine, error) {
	m := &machine{k: k, tx: comms.NewTransmitter(t, comms.DefaultTransmitterConfig)}
	all := map[string]kernel.Vat{
		"comms":       comms.New(),
		"transmitter": m.tx,
	}
	for name, v := range vats {
		all[name] = v
	}
	for _, name := range []string{"comms", "transmitter", "echo"} {
		v, ok := all[name]
		if !ok {
			continue
		}
		if _, err := k.AddVat(name, v, state.VatOptions{}, nil); err != nil {
			return nil, err
		}
	}
	if err := k.Start(); err != nil {
		return nil, err
	}
	if _, err := k.Run(nil); err != nil {
		return nil, err
	}

	txID, _ := k.VatID("transmitter")
	tx, err := k.RootObject(txID)
	if err != nil {
		return nil, err
	}
	if err := k.PinObject(tx); err != nil {
		return nil, err
	}
	_, err = m.control("addRemote", []string{tx}, "peer", core.SlotRef{Index: 0})
	return m, err
}

// control sends a message to the comms controller and waits for its result.
func (m *machine) control(method string, slots []string, args ...interface{}) (core.CapData, error) {
	kpid, err := m.k.QueueToVatRoot("comms", core.NewMethargs(method, slots, args...), state.PolicyLogFailure)
	if err != nil {
		return core.CapData{}, err
	}
	if _, err := m.k.Run(nil); err != nil {
		return core.CapData{}, err
	}
	data, rejected, err := m.k.KPResolution(kpid)
	if err == nil && rejected {
		msg, _ := core.ErrorMessage(data)
		err = fmt.Errorf("%s rejected: %s", method, msg)
	}
	return data, err
}

// pump moves messages between the machines until neither has any to send.
func pump(a, b *machine) error {
	for len(a.out.msgs)+len(b.out.msgs) > 0 {
		for _, p := range [][2]*machine{{a, b}, {b, a}} {
			for _, msg := range p[0].out.take() {
				if _, err := p[1].control("receive", nil, "peer", msg); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// echo resolves every message with its arguments.
var echo = kernel.VatFunc(func(d *kernel.VatDelivery, sys kernel.Syscall) error {
	if d.Type != kernel.DeliverMessage || d.Msg.Result == "" {
		return nil
	}
	args, err := core.ExtractArgs(d.Msg.Methargs)
	if err != nil {
		return err
	}
	return sys.Resolve([]kernel.VatResolution{{VPID: d.Msg.Result, Data: core.NewData(args)}})
})

func (b *kernelCli) cmdPingPong(c *cli.Context) {
	k := b.getKernel(c)
	if _, ok := k.VatID("comms"); ok {
		log.Errorf("The database already has a comms vat; pingpong needs a fresh one.")
		return
	}
	if err := b.pingPong(k, c.Int("rounds")); err != nil {
		log.Errorf("pingpong failed: %v", err)
	}
}

func (b *kernelCli) pingPong(k *kernel.Kernel, rounds int) error {
	a, err := newMachine(k, nil)
	if err != nil {
		return err
	}
	peer, err := newMachine(kernel.New(kvstore.NewMemStore(), kernel.DefaultConfig), map[string]kernel.Vat{"echo": echo})
	if err != nil {
		return err
	}

	echoID, _ := peer.k.VatID("echo")
	echoRoot, err := peer.k.RootObject(echoID)
	if err != nil {
		return err
	}
	if err := peer.k.PinObject(echoRoot); err != nil {
		return err
	}
	if _, err := peer.control("addEgress", []string{echoRoot}, "peer", 1, core.SlotRef{Index: 0}); err != nil {
		return err
	}
	data, err := a.control("addIngress", nil, "peer", 1)
	if err != nil {
		return err
	}
	proxy, ok := core.ExtractSingleSlot(data)
	if !ok {
		return fmt.Errorf("addIngress returned %s", data.Body)
	}

	for i := 0; i < rounds; i++ {
		start := time.Now()
		kpid, err := k.QueueToKref(proxy, core.NewMethargs("ping", nil, i), state.PolicyLogFailure)
		if err != nil {
			return err
		}
		if _, err := k.Run(nil); err != nil {
			return err
		}
		if err := pump(a, peer); err != nil {
			return err
		}
		data, rejected, err := k.KPResolution(kpid)
		if err != nil {
			return err
		}
		fmt.Printf("ping %d -> %s (rejected=%v) in %v\n", i, data.Body, rejected, time.Since(start))
	}
	fmt.Printf("activity hash %s\n", k.ActivityHash())
	return nil
}
