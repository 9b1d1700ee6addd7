// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"encoding/json"
	"fmt"
	"sync"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
	"github.com/westerndigitalcorporation/vatkernel/pkg/failures"
)

// OpFailure maps operation names to the error their next operations should
// fail with. The kernel uses vat names as operations.
type OpFailure struct {
	lock     sync.Mutex
	failures map[string]core.Error
}

// NewOpFailure creates a new OpFailure.
func NewOpFailure() *OpFailure {
	return &OpFailure{failures: make(map[string]core.Error)}
}

// Get returns the error registered for 'op', or NoError.
func (f *OpFailure) Get(op string) core.Error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.failures[op]
}

// Handler is a failures.Handler. Its config is a JSON object from operation
// name to error, given either as a numeric core.Error or as its description:
//
//	{"bob": 21, "alice": "invalid argument"}
//
// A nil config clears all failures.
func (f *OpFailure) Handler(config json.RawMessage) error {
	log.Infof("received new failure config: %s", string(config))
	parsed := make(map[string]core.Error)
	if config != nil {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(config, &raw); err != nil {
			log.Errorf("failed to unmarshal config: %s", err)
			return err
		}
		for op, v := range raw {
			e, err := parseFailure(v)
			if err != nil {
				return fmt.Errorf("failure for %q: %v", op, err)
			}
			parsed[op] = e
		}
	}

	f.lock.Lock()
	f.failures = parsed
	f.lock.Unlock()
	return nil
}

func parseFailure(v json.RawMessage) (core.Error, error) {
	var code int
	if err := json.Unmarshal(v, &code); err == nil {
		return core.Error(code), nil
	}
	var desc string
	if err := json.Unmarshal(v, &desc); err != nil {
		return core.NoError, fmt.Errorf("%s is neither an error code nor a description", v)
	}
	if e, ok := core.ParseError(desc); ok {
		return e, nil
	}
	return core.NoError, fmt.Errorf("no error is described as %q", desc)
}

// Register registers f.Handler with the failure service under 'key'.
func (f *OpFailure) Register(key string) error {
	return failures.Register(key, f.Handler)
}
