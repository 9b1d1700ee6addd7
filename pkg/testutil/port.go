// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package testutil

import (
	"fmt"
	"net"

	log "github.com/golang/glog"
)

// GetFreePort returns a TCP port that was free a moment ago.
func GetFreePort() int {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		log.Fatalf("failed to find an unused port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// LocalAddr returns a loopback address with a free port.
func LocalAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", GetFreePort())
}
