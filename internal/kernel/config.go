// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kernel

import (
	"github.com/westerndigitalcorporation/vatkernel/internal/kernel/state"
)

// Config encapsulates parameters for the kernel.
type Config struct {
	// Reap thresholds for vats that don't set their own. Only used when the
	// kernel state is created.
	DefaultReapDirtThreshold state.ReapDirtThreshold

	VatKeeperCacheSize int // How many vat keepers to cache.

	// How much terminated-vat cleanup a crank may do when the run policy
	// allows cleanup without saying how much. Zero fields are unlimited.
	CleanupBudget state.CleanupBudget

	CompressTranscripts bool // Snappy-compress transcript entries.
	UseFailure          bool // Register the vat_delivery_failure handler.
}

// DefaultConfig includes default values for the kernel.
var DefaultConfig = Config{
	DefaultReapDirtThreshold: state.ReapDirtThreshold{Deliveries: 1000, GCKrefs: 20},
	VatKeeperCacheSize:       100,
	CleanupBudget:            state.CleanupBudget{Exports: 5, Imports: 5, Promises: 5, KV: 50},
	CompressTranscripts:      true,
}
