// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package comms

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
	"github.com/westerndigitalcorporation/vatkernel/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}

// fakeSyscall is an in-memory vatstore that records every other syscall as
// a line of text.
type fakeSyscall struct {
	kv    map[string]string
	calls []string
}

func newFakeSyscall() *fakeSyscall {
	return &fakeSyscall{kv: make(map[string]string)}
}

func (f *fakeSyscall) Send(target string, methargs core.CapData, result string) error {
	f.calls = append(f.calls, fmt.Sprintf("send %s %s %s %s", target, methargs.Body, core.JoinSlots(methargs.Slots), result))
	return nil
}

func (f *fakeSyscall) Resolve(resolutions []kernel.VatResolution) error {
	for _, r := range resolutions {
		f.calls = append(f.calls, fmt.Sprintf("resolve %s %v %s %s", r.VPID, r.Rejected, r.Data.Body, core.JoinSlots(r.Data.Slots)))
	}
	return nil
}

func (f *fakeSyscall) Subscribe(vpid string) error {
	f.calls = append(f.calls, "subscribe "+vpid)
	return nil
}

func (f *fakeSyscall) gc(name string, vrefs []string) error {
	f.calls = append(f.calls, name+" "+core.JoinSlots(vrefs))
	return nil
}

func (f *fakeSyscall) DropImports(vrefs []string) error    { return f.gc("dropImports", vrefs) }
func (f *fakeSyscall) RetireImports(vrefs []string) error  { return f.gc("retireImports", vrefs) }
func (f *fakeSyscall) RetireExports(vrefs []string) error  { return f.gc("retireExports", vrefs) }
func (f *fakeSyscall) AbandonExports(vrefs []string) error { return f.gc("abandonExports", vrefs) }

func (f *fakeSyscall) VatstoreGet(key string) (string, bool, error) {
	v, ok := f.kv[key]
	return v, ok, nil
}

func (f *fakeSyscall) VatstoreSet(key, value string) error {
	f.kv[key] = value
	return nil
}

func (f *fakeSyscall) VatstoreDelete(key string) error {
	delete(f.kv, key)
	return nil
}

func (f *fakeSyscall) VatstoreGetAfter(prior, lower, upper string) (string, string, bool, error) {
	var keys []string
	for k := range f.kv {
		if k > prior && k >= lower && (upper == "" || k < upper) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", "", false, nil
	}
	sort.Strings(keys)
	return keys[0], f.kv[keys[0]], true, nil
}

func (f *fakeSyscall) Exit(isFailure bool, info core.CapData) error {
	f.calls = append(f.calls, fmt.Sprintf("exit %v", isFailure))
	return nil
}

// take returns and forgets the recorded calls.
func (f *fakeSyscall) take() []string {
	out := f.calls
	f.calls = nil
	return out
}

// transmitted returns the messages of recorded sends to 'transmitter'.
func transmitted(calls []string, transmitter string) []string {
	var out []string
	prefix := "send " + transmitter + " "
	for _, c := range calls {
		if !strings.HasPrefix(c, prefix) {
			continue
		}
		body := strings.TrimPrefix(c, prefix)
		args, err := core.ExtractArgs(core.CapData{Body: body[:strings.LastIndex(body, "]")+1]})
		if err != nil || len(args) != 1 {
			continue
		}
		out = append(out, unquote(string(args[0])))
	}
	return out
}

func unquote(s string) string {
	var out string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return s
	}
	return out
}

// commsHarness drives a Comms with a fake kernel.
type commsHarness struct {
	t   *testing.T
	c   *Comms
	sys *fakeSyscall
}

func newCommsHarness(t *testing.T) *commsHarness {
	h := &commsHarness{t: t, c: New(), sys: newFakeSyscall()}
	h.mustDeliver(&kernel.VatDelivery{Type: kernel.DeliverStartVat})
	return h
}

func (h *commsHarness) deliver(d *kernel.VatDelivery) error {
	return h.c.Dispatch(d, h.sys)
}

func (h *commsHarness) mustDeliver(d *kernel.VatDelivery) []string {
	if err := h.deliver(d); err != nil {
		h.t.Fatalf("%s delivery failed: %v", d.Type, err)
	}
	return h.sys.take()
}

// control sends a message to the comms controller.
func (h *commsHarness) control(result string, method string, slots []string, args ...interface{}) []string {
	return h.mustDeliver(&kernel.VatDelivery{
		Type:   kernel.DeliverMessage,
		Target: controllerRef,
		Msg:    &core.Message{Methargs: core.NewMethargs(method, slots, args...), Result: result},
	})
}

func (h *commsHarness) receive(remote, msg string) error {
	return h.deliver(&kernel.VatDelivery{
		Type:   kernel.DeliverMessage,
		Target: controllerRef,
		Msg:    &core.Message{Methargs: core.NewMethargs("receive", nil, remote, msg)},
	})
}

func (h *commsHarness) mustReceive(remote, msg string) []string {
	if err := h.receive(remote, msg); err != nil {
		h.t.Fatalf("receive %q: %v", msg, err)
	}
	return h.sys.take()
}

func checkCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("calls:\n  got  %q\n  want %q", got, want)
	}
}
