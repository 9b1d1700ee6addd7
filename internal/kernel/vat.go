// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

// DeliveryType tags a VatDelivery.
type DeliveryType string

// The deliveries a vat can receive. The set is closed.
const (
	DeliverMessage          DeliveryType = "message"
	DeliverNotify           DeliveryType = "notify"
	DeliverDropExports      DeliveryType = "dropExports"
	DeliverRetireExports    DeliveryType = "retireExports"
	DeliverRetireImports    DeliveryType = "retireImports"
	DeliverStartVat         DeliveryType = "startVat"
	DeliverBringOutYourDead DeliveryType = "bringOutYourDead"
)

// VatResolution settles one promise, in vat space.
type VatResolution struct {
	VPID     string       `json:"vpid"`
	Rejected bool         `json:"rejected"`
	Data     core.CapData `json:"data"`
}

// VatDelivery is what the kernel hands a vat's Dispatch. All refs are vrefs
// from the vat's own c-list. Which fields are set depends on Type:
//
//	message           Target, Msg
//	notify            Resolutions
//	dropExports etc.  Vrefs
//	startVat          VatParameters
type VatDelivery struct {
	Type          DeliveryType    `json:"type"`
	Target        string          `json:"target,omitempty"`
	Msg           *core.Message   `json:"msg,omitempty"`
	Resolutions   []VatResolution `json:"resolutions,omitempty"`
	Vrefs         []string        `json:"vrefs,omitempty"`
	VatParameters *core.CapData   `json:"vatParameters,omitempty"`
}

// Syscall is how a vat talks to the kernel while it handles a delivery. It
// must not be used once Dispatch has returned.
//
// A syscall that the kernel cannot make sense of (an unknown vref, a second
// drop of the same import, resolving a promise the vat does not decide,
// ...) returns a *SyscallError. The vat is then terminated at the end of the
// delivery, and every later syscall fails too.
type Syscall interface {
	// Send queues a message to 'target'. 'result' is empty or a promise the
	// vat decides; the vat stops being its decider.
	Send(target string, methargs core.CapData, result string) error
	// Resolve settles a batch of promises the vat decides.
	Resolve(resolutions []VatResolution) error
	// Subscribe asks for a notify once 'vpid' settles.
	Subscribe(vpid string) error

	DropImports(vrefs []string) error
	RetireImports(vrefs []string) error
	RetireExports(vrefs []string) error
	AbandonExports(vrefs []string) error

	VatstoreGet(key string) (value string, ok bool, err error)
	VatstoreSet(key, value string) error
	VatstoreDelete(key string) error
	// VatstoreGetAfter returns the first entry after 'prior' in
	// [lower, upper). An empty 'upper' means no upper bound.
	VatstoreGetAfter(prior, lower, upper string) (key, value string, ok bool, err error)

	// Exit asks the kernel to terminate the vat once the delivery is over.
	Exit(isFailure bool, info core.CapData) error
}

// Vat is the execution side of a vat. Dispatch handles one delivery to
// completion. A non-nil error is a delivery failure, which terminates the
// vat.
type Vat interface {
	Dispatch(d *VatDelivery, syscall Syscall) error
}

// VatFunc adapts a function to the Vat interface.
type VatFunc func(d *VatDelivery, syscall Syscall) error

// Dispatch calls f(d, syscall).
func (f VatFunc) Dispatch(d *VatDelivery, syscall Syscall) error {
	return f(d, syscall)
}
