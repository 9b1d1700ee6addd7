// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package failures lets tests and operators inject failures into a running
// process. The process registers a handler per key; the current settings of
// all keys form one JSON object that can be read and replaced over HTTP, or
// replaced with Apply.
//
// A handler is called with the new value of its key whenever it changes, and
// with nil when the key is cleared:
//
//	failures.Register("vat_delivery_failure", func(v json.RawMessage) error {
//		...
//	})
//
// Reading and replacing the settings:
//
//	curl http://<host>/__failure__
//	curl http://<host>/__failure__ -XPOST -d '{"vat_delivery_failure": {"bob": 14}}'
//
// Each POST replaces the whole object; keys it leaves out are cleared. POST
// "{}" to clear everything.
package failures

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// DefaultFailureServicePath is where Init mounts the service.
const DefaultFailureServicePath = "/__failure__"

// Handler is called with the value of its key, or nil when it is cleared.
type Handler func(json.RawMessage) error

type registry struct {
	lock     sync.Mutex
	values   map[string]json.RawMessage
	handlers map[string]Handler
}

var config = newRegistry()

func newRegistry() *registry {
	return &registry{
		values:   make(map[string]json.RawMessage),
		handlers: make(map[string]Handler),
	}
}

// Init mounts the failure service on the default path of the default mux.
func Init() {
	InitWithPathAndMux(http.DefaultServeMux, DefaultFailureServicePath)
}

// InitWithPathAndMux mounts the failure service on 'path' of 'mux'.
func InitWithPathAndMux(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, serveHTTP)
}

// Register adds a handler for 'key'. A key can only be registered once.
func Register(key string, h Handler) error {
	config.lock.Lock()
	defer config.lock.Unlock()
	if _, ok := config.handlers[key]; ok {
		return fmt.Errorf("failure key %q is already registered", key)
	}
	config.handlers[key] = h
	return nil
}

// Apply replaces the settings with the JSON object 'settings', as a POST
// would.
func Apply(settings string) error {
	var updates map[string]json.RawMessage
	if err := json.Unmarshal([]byte(settings), &updates); err != nil {
		return err
	}
	return config.apply(updates)
}

// Current returns the settings as a JSON object.
func Current() string {
	config.lock.Lock()
	defer config.lock.Unlock()
	b, _ := json.Marshal(config.values)
	return string(b)
}

func (r *registry) apply(updates map[string]json.RawMessage) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	var unknown []string
	for key := range updates {
		if _, ok := r.handlers[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unregistered failure keys: %s", strings.Join(unknown, ", "))
	}

	keys := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		v, set := updates[key]
		if set && string(v) == "null" {
			set = false
		}
		_, had := r.values[key]
		switch {
		case set:
			if err := r.handlers[key](v); err != nil {
				return err
			}
			r.values[key] = v
		case had:
			if err := r.handlers[key](nil); err != nil {
				return err
			}
			delete(r.values, key)
		}
	}
	return nil
}

func serveHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case "GET":
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, Current())
	case "POST":
		body, err := ioutil.ReadAll(req.Body)
		if err == nil {
			err = Apply(string(body))
		}
		if err != nil {
			replyError(w, err.Error(), http.StatusBadRequest)
		}
	default:
		replyError(w, fmt.Sprintf("unsupported method %s", req.Method), http.StatusMethodNotAllowed)
	}
}

func replyError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	fmt.Fprintln(w, msg)
}
