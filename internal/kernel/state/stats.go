// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package state

import (
	"encoding/json"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	log "github.com/golang/glog"
)

// Names of the kernel statistics.
const (
	StatKernelObjects         = "kernelObjects"
	StatKernelDevices         = "kernelDevices"
	StatKernelPromises        = "kernelPromises"
	StatKPUnresolved          = "kpUnresolved"
	StatKPFulfilled           = "kpFulfilled"
	StatKPRejected            = "kpRejected"
	StatRunQueueLength        = "runQueueLength"
	StatAcceptanceQueueLength = "acceptanceQueueLength"
	StatPromiseQueuesLength   = "promiseQueuesLength"
	StatClistEntries          = "clistEntries"
	StatVats                  = "vats"
	StatSyscalls              = "syscalls"
	StatDeliveries            = "deliveries"
)

// Stats that also track their high-water mark as "<name>Max".
var gaugeStats = map[string]bool{
	StatRunQueueLength:        true,
	StatAcceptanceQueueLength: true,
	StatPromiseQueuesLength:   true,
	StatKernelPromises:        true,
	StatKernelObjects:         true,
}

var mKernelStats = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Subsystem: "kernel",
	Name:      "stats",
	Help:      "kernel table and queue sizes",
}, []string{"stat"})

// Stats are counters describing the kernel tables. They live in memory and
// are written to the "kernelStats" key at the end of every crank, so they
// roll back with everything else.
type Stats struct {
	values map[string]int64
}

func newStats() *Stats {
	return &Stats{values: make(map[string]int64)}
}

func (s *Stats) inc(name string, delta int64) {
	v := s.values[name] + delta
	s.values[name] = v
	if gaugeStats[name] && v > s.values[name+"Max"] {
		s.values[name+"Max"] = v
	}
}

func (s *Stats) dec(name string, delta int64) {
	v := s.values[name] - delta
	if v < 0 {
		log.Errorf("kernel stat %s went negative (%d)", name, v)
	}
	s.values[name] = v
}

// Get returns the value of one statistic.
func (s *Stats) Get(name string) int64 {
	return s.values[name]
}

// Names returns the names of all statistics that have a value, sorted.
func (s *Stats) Names() []string {
	names := make([]string, 0, len(s.values))
	for n := range s.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Stats) serialize() string {
	b, err := json.Marshal(s.values)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func (s *Stats) load(v string) {
	values := make(map[string]int64)
	if err := json.Unmarshal([]byte(v), &values); err != nil {
		log.Errorf("ignoring unparseable kernel stats %q: %v", v, err)
	}
	s.values = values
}

// export mirrors the statistics into prometheus.
func (s *Stats) export() {
	for name, v := range s.values {
		mKernelStats.WithLabelValues(name).Set(float64(v))
	}
}
