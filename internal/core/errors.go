// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
)

// Error is our own defined error type for reporting kernel and syscall
// failures.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Slot codec errors ------//

	// ErrBadSlot is returned when a vref or kref does not follow the grammar.
	ErrBadSlot

	// ErrWrongSlotType is returned when a slot has a type other than the one
	// the caller insisted on.
	ErrWrongSlotType

	//------ C-List errors ------//

	// ErrUnknownSlot is returned when a vat names a vref that is not in its
	// c-list and that it could not have allocated itself.
	ErrUnknownSlot

	// ErrNotInCList is returned when a required c-list entry is missing.
	ErrNotInCList

	// ErrUnreachableImport is returned when a vat uses an import it has
	// already dropped.
	ErrUnreachableImport

	// ErrStillReachable is returned when a vat retires something it has not
	// dropped yet.
	ErrStillReachable

	// ErrAlreadyDropped is returned for a second drop of the same import.
	ErrAlreadyDropped

	// ErrNotAnImport is returned when an import-only operation is given an
	// export, or vice versa.
	ErrNotAnImport

	// ErrNotAnExport is returned when an export-only operation is given an
	// import.
	ErrNotAnExport

	// ErrDeviceExport is returned when a vat tries to export a device node.
	ErrDeviceExport

	//------ Promise errors ------//

	// ErrAlreadyResolved is returned when a settled promise is resolved or
	// used as a result again.
	ErrAlreadyResolved

	// ErrNotDecider is returned when a vat acts on a promise it does not
	// decide.
	ErrNotDecider

	// ErrUnknownPromise is returned for a kpid with no promise table entry.
	ErrUnknownPromise

	//------ Kernel errors ------//

	// ErrVatTerminated is returned when an operation targets a dead vat.
	ErrVatTerminated

	// ErrNoSuchVat is returned when a vat name or ID is unknown.
	ErrNoSuchVat

	// ErrKernelPanic is returned by every crank after the kernel panicked.
	ErrKernelPanic

	// ErrReentrancy is returned if a crank is started while another one is
	// still running.
	ErrReentrancy

	// ErrNotStarted is returned if the kernel is asked to run before Start.
	ErrNotStarted

	// ErrInvalidArgument is returned if an argument is malformed.
	ErrInvalidArgument

	// ErrInvalidState is returned if we find data in our state that doesn't
	// make sense or is inconsistent.
	ErrInvalidState

	//------ Comms errors ------//

	// ErrBadRemoteMessage is returned for unparseable peer messages.
	ErrBadRemoteMessage

	// ErrUnknownRemote is returned when a remote name or ID is unknown.
	ErrUnknownRemote

	// ErrSeqNum is returned when a peer message arrives out of sequence.
	ErrSeqNum

	//------ Meta-error ------//

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown
)

var description = map[Error]string{
	NoError: "no error",

	ErrBadSlot:       "malformed slot",
	ErrWrongSlotType: "wrong slot type",

	ErrUnknownSlot:       "unknown vat slot",
	ErrNotInCList:        "slot not in c-list",
	ErrUnreachableImport: "vat tried to access unreachable import",
	ErrStillReachable:    "slot is still reachable",
	ErrAlreadyDropped:    "import was already dropped",
	ErrNotAnImport:       "slot is not an object import",
	ErrNotAnExport:       "slot is not an object export",
	ErrDeviceExport:      "normal vats aren't allowed to export device nodes",

	ErrAlreadyResolved: "promise was already resolved",
	ErrNotDecider:      "vat is not the decider of the promise",
	ErrUnknownPromise:  "unknown kernel promise",

	ErrVatTerminated:   "vat terminated",
	ErrNoSuchVat:       "no such vat",
	ErrKernelPanic:     "kernel panic",
	ErrReentrancy:      "kernel reentrancy is forbidden",
	ErrNotStarted:      "kernel has not been started",
	ErrInvalidArgument: "invalid argument",
	ErrInvalidState:    "invalid state",

	ErrBadRemoteMessage: "malformed remote message",
	ErrUnknownRemote:    "unknown remote",
	ErrSeqNum:           "unexpected sequence number",

	ErrUnknown: "unknown error",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath, possibly decorated by Errorf.
func (e Error) Is(g error) bool {
	if de, ok := g.(*detailedError); ok {
		return de.code == e
	}
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// Errorf returns a Go error carrying the receiver code plus a formatted detail.
func (e Error) Errorf(format string, args ...interface{}) error {
	return &detailedError{code: e, detail: fmt.Sprintf(format, args...)}
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

type detailedError struct {
	code   Error
	detail string
}

func (d *detailedError) Error() string {
	return d.code.String() + ": " + d.detail
}

// KernelError gets the underlying core.Error from an error.
func KernelError(err error) (Error, bool) {
	switch e := err.(type) {
	case goError:
		return Error(e), true
	case *detailedError:
		return e.code, true
	}
	return ErrUnknown, false
}

// ParseError returns the Error whose description is 's'.
func ParseError(s string) (Error, bool) {
	for e, d := range description {
		if d == s {
			return e, true
		}
	}
	return NoError, false
}
