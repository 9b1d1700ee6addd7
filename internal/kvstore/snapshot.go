// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kvstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"

	log "github.com/golang/glog"
)

const snapshotVersion = 1

// Snapshot writes every key/value pair of 's' to 'w'. The stream is snappy
// compressed; inside it is a version, the crank number, the number of pairs,
// and then each pair as length-prefixed key and value. It returns the
// number of pairs written.
func Snapshot(s Store, w io.Writer) (int, error) {
	sw := snappy.NewBufferedWriter(w)

	crank, _ := s.CrankNumber()
	keys := s.Keys("", "")

	var buf [binary.MaxVarintLen64]byte
	putUvarint := func(x uint64) error {
		n := binary.PutUvarint(buf[:], x)
		_, err := sw.Write(buf[:n])
		return err
	}
	putString := func(str string) error {
		if err := putUvarint(uint64(len(str))); err != nil {
			return err
		}
		_, err := io.WriteString(sw, str)
		return err
	}

	for _, x := range []uint64{snapshotVersion, crank, uint64(len(keys))} {
		if err := putUvarint(x); err != nil {
			return 0, err
		}
	}
	for _, k := range keys {
		v, ok := s.Get(k)
		if !ok {
			return 0, fmt.Errorf("key %q vanished while taking snapshot", k)
		}
		if err := putString(k); err != nil {
			return 0, err
		}
		if err := putString(v); err != nil {
			return 0, err
		}
	}
	if err := sw.Close(); err != nil {
		return 0, err
	}
	log.Infof("wrote snapshot of %d keys at crank %d", len(keys), crank)
	return len(keys), nil
}

// Restore loads a stream written by Snapshot into 's', which must be empty.
func Restore(s Store, r io.Reader) error {
	if len(s.Keys("", "")) != 0 {
		return fmt.Errorf("can't restore into a non-empty store")
	}
	br := bufio.NewReader(snappy.NewReader(r))

	getString := func() (string, error) {
		n, err := binary.ReadUvarint(br)
		if err != nil {
			return "", err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(br, b); err != nil {
			return "", err
		}
		return string(b), nil
	}

	version, err := binary.ReadUvarint(br)
	if err != nil {
		return err
	}
	if version != snapshotVersion {
		return fmt.Errorf("unknown snapshot version %d", version)
	}
	crank, err := binary.ReadUvarint(br)
	if err != nil {
		return err
	}
	count, err := binary.ReadUvarint(br)
	if err != nil {
		return err
	}

	var changes []Change
	for i := uint64(0); i < count; i++ {
		k, err := getString()
		if err != nil {
			return err
		}
		v, err := getString()
		if err != nil {
			return err
		}
		changes = append(changes, Change{Key: k, Value: v})
	}
	log.Infof("restoring snapshot of %d keys at crank %d", count, crank)
	return s.Commit(changes, crank)
}
