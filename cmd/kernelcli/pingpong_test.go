// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"testing"

	"github.com/westerndigitalcorporation/vatkernel/internal/kernel"
	"github.com/westerndigitalcorporation/vatkernel/internal/kvstore"
)

func TestPingPong(t *testing.T) {
	b := newKernelCli()
	k := kernel.New(kvstore.NewMemStore(), kernel.DefaultConfig)
	if err := b.pingPong(k, 3); err != nil {
		t.Fatalf("pingpong: %v", err)
	}
	comms, ok := k.VatID("comms")
	if !ok {
		t.Fatalf("no comms vat")
	}
	if n := k.Keeper().ProvideVatKeeper(comms).TranscriptLength(); n == 0 {
		t.Fatalf("comms has no transcript")
	}
}
