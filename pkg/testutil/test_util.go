// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package testutil has helpers shared by the module's tests. Packages that
// use TempDir or TestDir should call TestMain from their own, in a file
// named main_test.go, so that temp directories are removed after a
// successful run:
//
//	func TestMain(m *testing.M) {
//		testutil.TestMain(m)
//	}
package testutil

import (
	"flag"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/golang/glog"
)

var tempDir, createdBase string

// TempDir returns a directory private to this test process.
func TempDir() string {
	if tempDir == "" {
		var err error
		tempDir, err = ioutil.TempDir(getBase(), filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("couldn't create temp dir: %s", err)
		}
	}
	return tempDir
}

// TestDir returns a new directory under TempDir for the running test, e.g.
// for a database file.
func TestDir(t *testing.T) string {
	name := strings.Replace(t.Name(), "/", "_", -1)
	dir, err := ioutil.TempDir(TempDir(), name)
	if err != nil {
		t.Fatalf("couldn't create test dir: %s", err)
	}
	return dir
}

// getBase returns $TMPDIR, or else a new directory in the current one.
func getBase() string {
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return tmp
	}
	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("could not get the current dir: %s", err)
	}
	tmp := filepath.Join(wd, time.Now().Format("20060102.150405.test"))
	if err := os.Mkdir(tmp, 0755); err != nil && !os.IsExist(err) {
		log.Fatalf("failed to create tmp dir: %s", tmp)
	}
	createdBase = tmp
	return tmp
}

func cleanup() {
	if tempDir != "" {
		os.RemoveAll(tempDir)
	}
	if createdBase != "" {
		os.RemoveAll(createdBase)
	}
}

// TestMain runs the tests and removes temp directories if they all pass.
func TestMain(m *testing.M) {
	flag.Parse()
	ret := m.Run()
	if ret == 0 {
		cleanup()
	}
	log.Flush()
	os.Exit(ret)
}
