// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/beorn7/perks/quantile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

// OpMetric is a wrapper around metric objects that helps with tracking counts
// and latencies for "operations", such as kernel deliveries or comms
// messages.
//
// OpMetric will create three metric sets:
//   - A CounterVec with the given name, label "result", and any additional
//     labels. Start increments it with "result"="all"; calling Failed on the
//     op increments "result"="failed".
//   - A SummaryVec with the given name + "_latency" and the additional
//     labels. End adds the latency, unless Failed was called first.
//   - A GaugeVec with the given name + "_pending" that tracks operations
//     between Start and End.
//
// Suggested usage:
//
//	var deliveries = NewOpMetric("kernel_deliveries", "type")
//
//	op := deliveries.Start("message")
//	defer op.End()
//	if err != nil {
//	    op.Failed()
//	}
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns a new op metric, registered with the default registry.
func NewOpMetric(name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &OpMetric{
		name:      name,
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
}

// Start marks that a new operation has started and begins measuring the latency.
func (m *OpMetric) Start(values ...string) *LatencyMeasurer {
	lm := &LatencyMeasurer{opm: m, values: values}
	lm.Result("all") // this resets start, so set it below
	lm.start = time.Now().UnixNano()
	lm.opm.pending.WithLabelValues(values...).Inc()
	return lm
}

// Count returns the counter for 'result' and the label values.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	valuesWithAll := append([]string{result}, values...)
	mtr := m.counters.WithLabelValues(valuesWithAll...)
	var value dto.Metric
	if mtr.Write(&value) != nil {
		return 0
	}
	return uint64(*value.Counter.Value)
}

// String returns a nice string with latency information.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	out += fmt.Sprintf(" / %d ops / %d failed", m.Count("all", values...), m.Count("failed", values...))
	return out
}

// Strings returns a map with results from String. It only calls String with
// a single label value at a time, so the OpMetric must have one label.
func (m *OpMetric) Strings(keys ...string) map[string]string {
	out := make(map[string]string)
	for _, key := range keys {
		out[key] = m.String(key)
	}
	return out
}

// LatencyMeasurer tracks one operation started by OpMetric.Start.
type LatencyMeasurer struct {
	start  int64
	opm    *OpMetric
	values []string
}

// Failed records that the operation failed.
func (lm *LatencyMeasurer) Failed() {
	lm.Result("failed")
}

// Result records an arbitrary result.
func (lm *LatencyMeasurer) Result(result string) {
	lm.start = 0 // zero this so that End won't try to record latency
	valuesWithResult := append([]string{result}, lm.values...)
	lm.opm.counters.WithLabelValues(valuesWithResult...).Inc()
}

// End records the elapsed time since the LatencyMeasurer was created.
func (lm *LatencyMeasurer) End() {
	if lm.start != 0 {
		d := time.Duration(time.Now().UnixNano() - lm.start)
		lm.opm.latencies.WithLabelValues(lm.values...).Observe(float64(d) / 1e9)
	}
	lm.opm.pending.WithLabelValues(lm.values...).Dec()
}

// EndWithError calls Failed if 'err' is not nil, then End. Kernel errors
// are also counted under their code.
func (lm *LatencyMeasurer) EndWithError(err error) {
	if err != nil {
		if kerr, ok := core.KernelError(err); ok {
			lm.Result(kerr.String())
		} else {
			lm.Failed()
		}
	}
	lm.End()
}

// SummaryString formats a prometheus summary.
func SummaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("Total count=%d;", *value.Summary.SampleCount)
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3f;", *q.Quantile*100, *q.Value)
	}
	return out[:len(out)-1]
}

// Targets used by NewLatencyStream.
var latencyTargets = map[float64]float64{
	0.1:    0.05,
	0.5:    0.05,
	0.9:    0.01,
	0.99:   0.001,
	0.9999: 0.000001,
}

// LatencyStream keeps streaming quantiles of a latency in process, for
// reporting without a prometheus scrape.
type LatencyStream struct {
	lock   sync.Mutex
	stream *quantile.Stream
	count  int
	max    time.Duration
}

// NewLatencyStream returns an empty LatencyStream.
func NewLatencyStream() *LatencyStream {
	return &LatencyStream{stream: quantile.NewTargeted(latencyTargets)}
}

// Insert adds one sample.
func (l *LatencyStream) Insert(d time.Duration) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.stream.Insert(float64(d) / 1e9)
	l.count++
	if d > l.max {
		l.max = d
	}
}

// Query returns the 'q' quantile in seconds.
func (l *LatencyStream) Query(q float64) float64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.stream.Query(q)
}

// Count returns the number of samples.
func (l *LatencyStream) Count() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.count
}

// Reset forgets all samples.
func (l *LatencyStream) Reset() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.stream.Reset()
	l.count = 0
	l.max = 0
}

// String formats the stream like SummaryString.
func (l *LatencyStream) String() string {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.count == 0 {
		return "Total count=0"
	}
	return fmt.Sprintf("Total count=%d; 50th=%.6f; 90th=%.6f; 99th=%.6f; max=%.6f",
		l.count, l.stream.Query(0.5), l.stream.Query(0.9), l.stream.Query(0.99), l.max.Seconds())
}
