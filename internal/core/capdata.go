// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"encoding/json"
	"strings"
)

// CapData is serialized application data plus the slots it refers to. The
// kernel never looks inside Body; Slots are vrefs or krefs depending on which
// side of a c-list the data is on.
type CapData struct {
	Body  string   `json:"body"`
	Slots []string `json:"slots"`
}

// Message is the payload of a send: method name and arguments encoded in
// Methargs, plus an optional result promise.
type Message struct {
	Methargs CapData `json:"methargs"`
	Result   string  `json:"result,omitempty"`
}

// SlotRef marks the position of a slot inside a body. It encodes as
// {"@qclass":"slot","index":N}, where N indexes CapData.Slots.
type SlotRef struct {
	Index int
}

type qclass struct {
	QClass  string `json:"@qclass"`
	Index   *int   `json:"index,omitempty"`
	Message string `json:"message,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s SlotRef) MarshalJSON() ([]byte, error) {
	idx := s.Index
	return json.Marshal(qclass{QClass: "slot", Index: &idx})
}

// Undefined is the encoding of "no value".
var Undefined = CapData{Body: `{"@qclass":"undefined"}`}

// Slot appends 'slot' and returns a SlotRef pointing at it.
func (c *CapData) Slot(slot string) SlotRef {
	c.Slots = append(c.Slots, slot)
	return SlotRef{Index: len(c.Slots) - 1}
}

// NewMethargs encodes a method invocation. Slot arguments are given as
// SlotRefs against 'slots'.
func NewMethargs(method string, slots []string, args ...interface{}) CapData {
	if args == nil {
		args = []interface{}{}
	}
	body, err := json.Marshal([]interface{}{method, args})
	if err != nil {
		panic("unencodable methargs: " + err.Error())
	}
	return CapData{Body: string(body), Slots: copyStrings(slots)}
}

// NewData encodes a single value.
func NewData(value interface{}, slots ...string) CapData {
	body, err := json.Marshal(value)
	if err != nil {
		panic("unencodable data: " + err.Error())
	}
	return CapData{Body: string(body), Slots: copyStrings(slots)}
}

// SlotData is the capdata for a bare reference to 'slot'.
func SlotData(slot string) CapData {
	return NewData(SlotRef{0}, slot)
}

// MakeError encodes an error with the given message.
func MakeError(message string) CapData {
	body, _ := json.Marshal(qclass{QClass: "error", Message: message})
	return CapData{Body: string(body)}
}

// ErrorMessage returns the message of data made by MakeError.
func ErrorMessage(data CapData) (string, bool) {
	var q qclass
	if err := json.Unmarshal([]byte(data.Body), &q); err != nil || q.QClass != "error" {
		return "", false
	}
	return q.Message, true
}

// ExtractMethod returns the method name of methargs, or "" if the body is
// not a method invocation.
func ExtractMethod(methargs CapData) string {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(methargs.Body), &parts); err != nil || len(parts) != 2 {
		return ""
	}
	var method string
	if err := json.Unmarshal(parts[0], &method); err != nil {
		return ""
	}
	return method
}

// ExtractArgs returns the raw encoded arguments of methargs.
func ExtractArgs(methargs CapData) ([]json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(methargs.Body), &parts); err != nil {
		return nil, ErrInvalidArgument.Errorf("methargs body: %v", err)
	}
	if len(parts) != 2 {
		return nil, ErrInvalidArgument.Errorf("methargs body has %d parts", len(parts))
	}
	var args []json.RawMessage
	if err := json.Unmarshal(parts[1], &args); err != nil {
		return nil, ErrInvalidArgument.Errorf("methargs args: %v", err)
	}
	return args, nil
}

// ArgSlot decodes a SlotRef argument and returns the slot it refers to.
func ArgSlot(data CapData, arg json.RawMessage) (string, error) {
	var q qclass
	if err := json.Unmarshal(arg, &q); err != nil || q.QClass != "slot" || q.Index == nil {
		return "", ErrInvalidArgument.Errorf("argument %s is not a slot", arg)
	}
	if *q.Index < 0 || *q.Index >= len(data.Slots) {
		return "", ErrInvalidArgument.Errorf("slot index %d out of range", *q.Index)
	}
	return data.Slots[*q.Index], nil
}

// ExtractSingleSlot returns the slot if 'data' is exactly one reference and
// nothing else.
func ExtractSingleSlot(data CapData) (string, bool) {
	if len(data.Slots) != 1 {
		return "", false
	}
	var q qclass
	if err := json.Unmarshal([]byte(data.Body), &q); err != nil {
		return "", false
	}
	if q.QClass != "slot" || q.Index == nil || *q.Index != 0 {
		return "", false
	}
	return data.Slots[0], true
}

// JoinSlots renders a slot list the way the kernel database stores it.
func JoinSlots(slots []string) string {
	return strings.Join(slots, ",")
}

// SplitSlots is the inverse of JoinSlots. An empty string is an empty list.
func SplitSlots(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func copyStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
