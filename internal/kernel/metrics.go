// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/vatkernel/internal/server"
)

// FailureKey is the failure service key for injecting delivery failures.
// The config maps vat names to the core.Error their deliveries fail with.
const FailureKey = "vat_delivery_failure"

var (
	deliveryMetric   = server.NewOpMetric("kernel_deliveries", "type")
	deliveryFailures = server.NewOpFailure()
	registerFailures sync.Once

	// Time spent inside Dispatch, for CrankSummary.
	crankLatency = server.NewLatencyStream()

	mCranks = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "kernel",
		Name:      "cranks",
		Help:      "cranks by what they did",
	}, []string{"kind"})

	mVatsTerminated = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "kernel",
		Name:      "vats_terminated",
		Help:      "vats terminated since start",
	})
)

func enableFailures() {
	registerFailures.Do(func() {
		if err := deliveryFailures.Register(FailureKey); err != nil {
			log.Errorf("failed to register failure handler %q: %v", FailureKey, err)
		}
	})
}

// DeliverySummary returns a line per delivery type with counts and
// latencies.
func DeliverySummary() map[string]string {
	return deliveryMetric.Strings(
		string(DeliverMessage),
		string(DeliverNotify),
		string(DeliverDropExports),
		string(DeliverRetireExports),
		string(DeliverRetireImports),
		string(DeliverStartVat),
		string(DeliverBringOutYourDead),
	)
}

// CrankSummary describes the time vats spent handling deliveries.
func CrankSummary() string {
	return crankLatency.String()
}
