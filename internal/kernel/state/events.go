// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package state

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

// EventType tags a RunQueueEvent. The set is closed: the kernel switches over
// every value and panics on anything else.
type EventType string

// Every kind of work the crank loop knows how to do.
const (
	EventSend                 EventType = "send"
	EventNotify               EventType = "notify"
	EventDropExports          EventType = "dropExports"
	EventRetireExports        EventType = "retireExports"
	EventRetireImports        EventType = "retireImports"
	EventBringOutYourDead     EventType = "bringOutYourDead"
	EventStartVat             EventType = "startVat"
	EventNegatedGCAction      EventType = "negated-gc-action"
	EventCleanupTerminatedVat EventType = "cleanup-terminated-vat"
)

// RunQueueEvent is one unit of work for the crank loop. Which fields are
// meaningful depends on Type:
//
//	send                       Target, Msg
//	notify                     VatID, KPID
//	dropExports etc.           VatID, Krefs
//	bringOutYourDead           VatID
//	startVat                   VatID, VatParameters
//	negated-gc-action          VatID (may be zero)
//	cleanup-terminated-vat     VatID, Budget
//
// Events are persisted as JSON in the run and acceptance queues.
type RunQueueEvent struct {
	Type   EventType      `json:"type"`
	Target string         `json:"target,omitempty"`
	Msg    *core.Message  `json:"msg,omitempty"`
	VatID  core.VatID     `json:"vatID,omitempty"`
	KPID   string         `json:"kpid,omitempty"`
	Krefs  []string       `json:"krefs,omitempty"`
	Budget *CleanupBudget `json:"budget,omitempty"`

	VatParameters *core.CapData `json:"vatParameters,omitempty"`
}

// SendEvent returns a send of 'msg' to 'target'.
func SendEvent(target string, msg core.Message) *RunQueueEvent {
	return &RunQueueEvent{Type: EventSend, Target: target, Msg: &msg}
}

// NotifyEvent returns a notification to 'vatID' that 'kpid' settled.
func NotifyEvent(vatID core.VatID, kpid string) *RunQueueEvent {
	return &RunQueueEvent{Type: EventNotify, VatID: vatID, KPID: kpid}
}

// GCEvent returns a GC delivery of type 't' to 'vatID'.
func GCEvent(t EventType, vatID core.VatID, krefs []string) *RunQueueEvent {
	switch t {
	case EventDropExports, EventRetireExports, EventRetireImports:
	default:
		panic(fmt.Sprintf("%s is not a GC event", t))
	}
	return &RunQueueEvent{Type: t, VatID: vatID, Krefs: krefs}
}

func (e *RunQueueEvent) String() string {
	switch e.Type {
	case EventSend:
		return fmt.Sprintf("send(%s.%s)", e.Target, core.ExtractMethod(e.Msg.Methargs))
	case EventNotify:
		return fmt.Sprintf("notify(%s %s)", e.VatID, e.KPID)
	case EventDropExports, EventRetireExports, EventRetireImports:
		return fmt.Sprintf("%s(%s %s)", e.Type, e.VatID, strings.Join(e.Krefs, ","))
	}
	return fmt.Sprintf("%s(%s)", e.Type, e.VatID)
}

func encodeEvent(e *RunQueueEvent) string {
	b, err := json.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("unencodable event %v: %v", e, err))
	}
	return string(b)
}

func decodeEvent(s string) *RunQueueEvent {
	var e RunQueueEvent
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		panic(core.ErrInvalidState.Errorf("bad queue entry %q: %v", s, err))
	}
	return &e
}

// CleanupBudget limits how much terminated-vat cleanup one crank may do.
// A zero field means no limit for that phase.
type CleanupBudget struct {
	Exports  int `json:"exports,omitempty"`
	Imports  int `json:"imports,omitempty"`
	Promises int `json:"promises,omitempty"`
	KV       int `json:"kv,omitempty"`
}

// CleanupWork reports how much cleanup a crank did.
type CleanupWork struct {
	Exports  int `json:"exports"`
	Imports  int `json:"imports"`
	Promises int `json:"promises"`
	KV       int `json:"kv"`
}

// Total returns the sum of all work done.
func (w CleanupWork) Total() int {
	return w.Exports + w.Imports + w.Promises + w.KV
}

// GCActionType is a GC verb sent to a vat.
type GCActionType string

// The GC verbs, in the order processGCActionSet considers them.
const (
	DropExport   GCActionType = "dropExport"
	RetireExport GCActionType = "retireExport"
	RetireImport GCActionType = "retireImport"
)

// GCActionTypes lists the GC verbs in processing order.
var GCActionTypes = []GCActionType{DropExport, RetireExport, RetireImport}

// EventType returns the delivery that carries actions of this type.
func (t GCActionType) EventType() EventType {
	switch t {
	case DropExport:
		return EventDropExports
	case RetireExport:
		return EventRetireExports
	case RetireImport:
		return EventRetireImports
	}
	panic(fmt.Sprintf("unknown GC action type %q", string(t)))
}

// GCAction is a pending instruction to tell 'VatID' about 'Kref'.
type GCAction struct {
	VatID core.VatID
	Type  GCActionType
	Kref  string
}

// String returns the persisted form "v1 dropExport ko20".
func (a GCAction) String() string {
	return a.VatID.String() + " " + string(a.Type) + " " + a.Kref
}

// ParseGCAction parses the persisted form of a GCAction.
func ParseGCAction(s string) (GCAction, error) {
	parts := strings.Split(s, " ")
	if len(parts) != 3 {
		return GCAction{}, core.ErrInvalidArgument.Errorf("bad GC action %q", s)
	}
	vatID, err := core.ParseVatID(parts[0])
	if err != nil {
		return GCAction{}, core.ErrInvalidArgument.Errorf("bad GC action %q: %v", s, err)
	}
	t := GCActionType(parts[1])
	switch t {
	case DropExport, RetireExport, RetireImport:
	default:
		return GCAction{}, core.ErrInvalidArgument.Errorf("bad GC action %q (type=%q)", s, parts[1])
	}
	if err := core.InsistKernelType(core.ObjectSlot, parts[2]); err != nil {
		return GCAction{}, err
	}
	return GCAction{VatID: vatID, Type: t, Kref: parts[2]}, nil
}
