// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package state

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"io"
	"strconv"

	"github.com/golang/snappy"

	"github.com/westerndigitalcorporation/vatkernel/internal/core"
)

// TranscriptSyscall is one syscall made during a delivery, with its result.
// Both are the JSON rendering the kernel used, in vat space.
type TranscriptSyscall struct {
	Request string
	Result  string
}

// TranscriptEntry records one delivery to a vat: what was delivered, every
// syscall it made, and how it ended.
type TranscriptEntry struct {
	CrankNumber uint64
	Delivery    string
	Syscalls    []TranscriptSyscall
	Status      string
}

// Transcript values are "g" + base64(gob) or "s" + base64(snappy(gob)). The
// store holds strings, so binary encodings are wrapped in base64.
const (
	transcriptPlain  = 'g'
	transcriptSnappy = 's'
)

func encodeTranscriptEntry(e *TranscriptEntry, compress bool) string {
	var buf bytes.Buffer
	var w io.Writer = &buf
	var sw *snappy.Writer
	if compress {
		sw = snappy.NewBufferedWriter(&buf)
		w = sw
	}
	if err := gob.NewEncoder(w).Encode(e); err != nil {
		panic(core.ErrInvalidState.Errorf("encoding transcript entry: %v", err))
	}
	tag := byte(transcriptPlain)
	if sw != nil {
		if err := sw.Close(); err != nil {
			panic(core.ErrInvalidState.Errorf("compressing transcript entry: %v", err))
		}
		tag = transcriptSnappy
	}
	return string(tag) + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func decodeTranscriptEntry(s string) (*TranscriptEntry, error) {
	if len(s) == 0 {
		return nil, core.ErrInvalidState.Errorf("empty transcript entry")
	}
	raw, err := base64.StdEncoding.DecodeString(s[1:])
	if err != nil {
		return nil, core.ErrInvalidState.Errorf("transcript entry: %v", err)
	}
	var r io.Reader = bytes.NewReader(raw)
	switch s[0] {
	case transcriptPlain:
	case transcriptSnappy:
		r = snappy.NewReader(r)
	default:
		return nil, core.ErrInvalidState.Errorf("unknown transcript encoding %q", s[0])
	}
	var e TranscriptEntry
	if err := gob.NewDecoder(r).Decode(&e); err != nil {
		return nil, core.ErrInvalidState.Errorf("decoding transcript entry: %v", err)
	}
	return &e, nil
}

// AddToTranscript appends an entry to the vat's transcript.
func (vk *VatKeeper) AddToTranscript(e *TranscriptEntry, compress bool) {
	n := vk.k.allocate(vk.prefix + "t.nextID")
	vk.k.kv.Set(vk.prefix+"t."+strconv.FormatUint(n, 10), encodeTranscriptEntry(e, compress))
}

// TranscriptLength returns the number of recorded deliveries.
func (vk *VatKeeper) TranscriptLength() uint64 {
	return vk.k.getNat(vk.prefix + "t.nextID")
}

// GetTranscript returns entries [from, TranscriptLength()).
func (vk *VatKeeper) GetTranscript(from uint64) ([]*TranscriptEntry, error) {
	var out []*TranscriptEntry
	for i, n := from, vk.TranscriptLength(); i < n; i++ {
		s, ok := vk.k.kv.Get(vk.prefix + "t." + strconv.FormatUint(i, 10))
		if !ok {
			continue
		}
		e, err := decodeTranscriptEntry(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
