// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	"encoding/json"
	"fmt"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
)

// SyscallError is returned to a vat whose syscall the kernel rejected. The
// vat does not survive the delivery.
type SyscallError struct {
	Syscall string
	Err     error
}

func (e *SyscallError) Error() string {
	return fmt.Sprintf("syscall %s translation error: %v: prepare to die", e.Syscall, e.Err)
}

// exitRequest is what a vat asked for with syscall.exit.
type exitRequest struct {
	reject bool
	info   core.CapData
}

// syscallRecord is the transcript form of one syscall.
type syscallRecord struct {
	Type        string          `json:"type"`
	Target      string          `json:"target,omitempty"`
	Methargs    *core.CapData   `json:"methargs,omitempty"`
	Result      string          `json:"result,omitempty"`
	Resolutions []VatResolution `json:"resolutions,omitempty"`
	Vrefs       []string        `json:"vrefs,omitempty"`
	Key         string          `json:"key,omitempty"`
	Value       string          `json:"value,omitempty"`
	Lower       string          `json:"lower,omitempty"`
	Upper       string          `json:"upper,omitempty"`
	IsFailure   bool            `json:"isFailure,omitempty"`
	Info        *core.CapData   `json:"info,omitempty"`
}

// vatSyscall is the Syscall handed to a vat for one delivery.
type vatSyscall struct {
	k     *Kernel
	vatID core.VatID
	vk    *state.VatKeeper
	entry *state.TranscriptEntry

	// The first rejected syscall. Everything after it fails.
	illegal error
	exit    *exitRequest
	done    bool
}

func newVatSyscall(k *Kernel, vk *state.VatKeeper, entry *state.TranscriptEntry) *vatSyscall {
	return &vatSyscall{k: k, vatID: vk.VatID(), vk: vk, entry: entry}
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("unencodable %T: %v", v, err))
	}
	return string(b)
}

func (s *vatSyscall) record(req *syscallRecord, res interface{}, err error) {
	out := []interface{}{"ok", res}
	if err != nil {
		out = []interface{}{"error", err.Error()}
	}
	s.entry.Syscalls = append(s.entry.Syscalls, state.TranscriptSyscall{Request: mustJSON(req), Result: mustJSON(out)})
}

// do runs one syscall. Translation errors make the vat illegal. A panic is a
// kernel bug: the kernel panics and the vat is told to die.
func (s *vatSyscall) do(req *syscallRecord, fn func() (interface{}, error)) (err error) {
	var res interface{}
	defer func() { s.record(req, res, err) }()

	if s.done {
		return core.ErrInvalidState.Errorf("syscall %s from %s after its delivery finished", req.Type, s.vatID)
	}
	if s.illegal != nil {
		return core.ErrVatTerminated.Errorf("%s is dead", s.vatID)
	}
	defer func() {
		if r := recover(); r != nil {
			perr := panicError(r)
			log.Errorf("kernel panic during syscall %s from %s: %v", req.Type, s.vatID, perr)
			s.k.setPanic(perr)
			s.illegal = perr
			err = core.ErrKernelPanic.Errorf("you killed my kernel. prepare to die")
		}
	}()

	s.k.keeper.IncStat(state.StatSyscalls)
	res, err = fn()
	if err != nil {
		log.Errorf("vat %s terminated: error during %s: %v", s.vatID, req.Type, err)
		err = &SyscallError{Syscall: req.Type, Err: err}
		s.illegal = err
	}
	return err
}

func (s *vatSyscall) Send(target string, methargs core.CapData, result string) error {
	req := &syscallRecord{Type: "send", Target: target, Methargs: &methargs, Result: result}
	return s.do(req, func() (interface{}, error) {
		ktarget, msg, err := translateSend(s.k.keeper, s.vk, target, methargs, result)
		if err != nil {
			return nil, err
		}
		log.V(2).Infof("syscall[%s].send(%s/%s).%s", s.vatID, target, ktarget, core.ExtractMethod(methargs))
		s.k.doSend(ktarget, msg)
		return nil, nil
	})
}

func (s *vatSyscall) Resolve(resolutions []VatResolution) error {
	req := &syscallRecord{Type: "resolve", Resolutions: resolutions}
	return s.do(req, func() (interface{}, error) {
		kres, err := translateResolve(s.k.keeper, s.vk, resolutions)
		if err != nil {
			return nil, err
		}
		s.k.doResolve(s.vatID, kres)
		return nil, nil
	})
}

func (s *vatSyscall) Subscribe(vpid string) error {
	req := &syscallRecord{Type: "subscribe", Target: vpid}
	return s.do(req, func() (interface{}, error) {
		kpid, err := translateSubscribe(s.k.keeper, s.vk, vpid)
		if err != nil {
			return nil, err
		}
		s.k.doSubscribe(s.vatID, kpid)
		return nil, nil
	})
}

func (s *vatSyscall) DropImports(vrefs []string) error {
	req := &syscallRecord{Type: "dropImports", Vrefs: vrefs}
	return s.do(req, func() (interface{}, error) {
		krefs, err := translateDropImports(s.vk, vrefs)
		if err == nil {
			log.V(2).Infof("syscall[%s].dropImports(%v)", s.vatID, krefs)
		}
		return nil, err
	})
}

func (s *vatSyscall) RetireImports(vrefs []string) error {
	req := &syscallRecord{Type: "retireImports", Vrefs: vrefs}
	return s.do(req, func() (interface{}, error) {
		krefs, err := translateRetireImports(s.vk, vrefs)
		if err == nil {
			log.V(2).Infof("syscall[%s].retireImports(%v)", s.vatID, krefs)
		}
		return nil, err
	})
}

func (s *vatSyscall) RetireExports(vrefs []string) error {
	req := &syscallRecord{Type: "retireExports", Vrefs: vrefs}
	return s.do(req, func() (interface{}, error) {
		krefs, err := translateRetireExports(s.vk, vrefs)
		if err != nil {
			return nil, err
		}
		// The exporter has forgotten these objects, so nobody can be told
		// about them again: importers retire too.
		s.k.keeper.RetireKernelObjects(krefs)
		return nil, nil
	})
}

func (s *vatSyscall) AbandonExports(vrefs []string) error {
	req := &syscallRecord{Type: "abandonExports", Vrefs: vrefs}
	return s.do(req, func() (interface{}, error) {
		krefs, err := translateAbandonExports(s.vk, vrefs)
		if err != nil {
			return nil, err
		}
		for _, kref := range krefs {
			s.k.keeper.OrphanKernelObject(kref, s.vatID)
		}
		return nil, nil
	})
}

func (s *vatSyscall) VatstoreGet(key string) (value string, ok bool, err error) {
	req := &syscallRecord{Type: "vatstoreGet", Key: key}
	err = s.do(req, func() (interface{}, error) {
		value, ok = s.vk.VatstoreGet(key)
		if !ok {
			return nil, nil
		}
		return value, nil
	})
	return value, ok, err
}

func (s *vatSyscall) VatstoreSet(key, value string) error {
	req := &syscallRecord{Type: "vatstoreSet", Key: key, Value: value}
	return s.do(req, func() (interface{}, error) {
		s.vk.VatstoreSet(key, value)
		return nil, nil
	})
}

func (s *vatSyscall) VatstoreDelete(key string) error {
	req := &syscallRecord{Type: "vatstoreDelete", Key: key}
	return s.do(req, func() (interface{}, error) {
		s.vk.VatstoreDelete(key)
		return nil, nil
	})
}

func (s *vatSyscall) VatstoreGetAfter(prior, lower, upper string) (key, value string, ok bool, err error) {
	req := &syscallRecord{Type: "vatstoreGetAfter", Key: prior, Lower: lower, Upper: upper}
	err = s.do(req, func() (interface{}, error) {
		if upper != "" && lower >= upper {
			return nil, core.ErrInvalidArgument.Errorf("vatstoreGetAfter lower %q not below upper %q", lower, upper)
		}
		key, value, ok = s.vk.VatstoreGetAfter(prior, lower, upper)
		if !ok {
			return nil, nil
		}
		return []string{key, value}, nil
	})
	return key, value, ok, err
}

func (s *vatSyscall) Exit(isFailure bool, info core.CapData) error {
	req := &syscallRecord{Type: "exit", IsFailure: isFailure, Info: &info}
	return s.do(req, func() (interface{}, error) {
		kinfo, err := mapVatData(s.vk, info)
		if err != nil {
			return nil, err
		}
		s.exit = &exitRequest{reject: isFailure, info: kinfo}
		return nil, nil
	})
}
