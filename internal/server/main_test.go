// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"testing"

	"github.com/westerndigitalcorporation/vatkernel/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}
