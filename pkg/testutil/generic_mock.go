// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"fmt"
	"reflect"
	"sync"
	"testing"
)

// Mock checks calls against expectations. Embed it in a type-safe fake and
// have each method call Result or Err.
type Mock struct {
	t     *testing.T
	lock  sync.Mutex
	calls []expectedCall
}

type expectedCall struct {
	method string
	args   []interface{}
	result interface{}
	used   bool
}

func (c expectedCall) String() string {
	return fmt.Sprintf("%s%v -> %v", c.method, c.args, c.result)
}

// NewMock returns a Mock that reports to 't'.
func NewMock(t *testing.T) *Mock {
	return &Mock{t: t}
}

// Expect adds a call to 'method' with exactly 'args' that returns 'result'.
// Expectations for the same call are used in the order they were added.
func (m *Mock) Expect(method string, result interface{}, args ...interface{}) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.calls = append(m.calls, expectedCall{method: method, args: args, result: result})
}

// Result returns the result of the first unused expectation matching the
// call, and fails the test if there is none.
func (m *Mock) Result(method string, args ...interface{}) interface{} {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i := range m.calls {
		c := &m.calls[i]
		if !c.used && c.method == method && reflect.DeepEqual(c.args, args) {
			c.used = true
			return c.result
		}
	}
	m.t.Fatalf("unexpected call %s%v", method, args)
	return nil
}

// Err is Result for methods that only return an error.
func (m *Mock) Err(method string, args ...interface{}) error {
	if r := m.Result(method, args...); r != nil {
		return r.(error)
	}
	return nil
}

// Done fails the test if any expectation was not used.
func (m *Mock) Done() {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, c := range m.calls {
		if !c.used {
			m.t.Fatalf("expected call never made: %s", c)
		}
	}
}
