// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package kvstore

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/boltdb/bolt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	log "github.com/golang/glog"
)

var (
	mode       os.FileMode = 0600
	dataBucket             = []byte("data")
	metaBucket             = []byte("meta")
	crankKey               = []byte("crankNumber")
)

var (
	mDbSize = promauto.NewGauge(prometheus.GaugeOpts{
		Subsystem: "kvstore",
		Name:      "db_size",
		Help:      "size of database in bytes",
	})

	// Boltdb performance metrics (comments copied from boltdb):
	mBoltStats = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "kvstore",
		Name:      "boltdb",
		Help:      "metrics exported by boltdb",
	}, []string{"field"})
	mBoltFreePages     = mBoltStats.WithLabelValues("free_pages")     // total number of free pages on the freelist
	mBoltPendingPages  = mBoltStats.WithLabelValues("pending_pages")  // total number of pending pages on the freelist
	mBoltFreeAlloc     = mBoltStats.WithLabelValues("free_alloc")     // total bytes allocated in free pages
	mBoltFreelistInuse = mBoltStats.WithLabelValues("freelist_inuse") // total bytes used by the freelist
	mBoltOpenTx        = mBoltStats.WithLabelValues("open_tx_count")  // number of currently open read transactions
	// All metrics below here are effectively counters, but maintained by
	// boltdb, so we read them and put them in gauges.
	mBoltTxCount     = mBoltStats.WithLabelValues("tx_count")      // total number of started read transactions
	mBoltTxPageCount = mBoltStats.WithLabelValues("tx_page_count") // number of page allocations
	mBoltTxPageAlloc = mBoltStats.WithLabelValues("tx_page_alloc") // total bytes allocated
	mBoltTxWrite     = mBoltStats.WithLabelValues("tx_write")      // number of writes performed
	mBoltTxWriteT    = mBoltStats.WithLabelValues("tx_write_time") // total time spent writing to disk (s)

	mCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "kvstore",
		Name:      "commits",
		Help:      "number of committed batches",
	}, []string{"backend"})
	mChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "kvstore",
		Name:      "changes",
		Help:      "number of committed key changes",
	}, []string{"backend"})
)

// BoltStore is an on-disk Store backed by boltdb.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens a store from a given path. If no file exists a new store
// will be created. Otherwise the existing one will be opened.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, mode, nil)
	if err != nil {
		return nil, err
	}

	// Create buckets we need if they are not there.
	tx, err := db.Begin(true)
	if err != nil {
		log.Fatalf("Failed to start a transaction: %v", err)
	}
	if _, err := tx.CreateBucketIfNotExists(dataBucket); err != nil {
		log.Fatalf("Failed to create the bucket: %v", err)
	}
	if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
		log.Fatalf("Failed to create the bucket: %v", err)
	}
	if err := tx.Commit(); err != nil {
		log.Fatalf("Failed to commit bucket creation: %v", err)
	}

	log.Infof("opened bolt kvstore at %s", path)
	return &BoltStore{db: db}, nil
}

// view runs 'fn' in a read-only transaction. Failing to get one means the
// database is unusable.
func (s *BoltStore) view(fn func(tx *bolt.Tx)) {
	tx, err := s.db.Begin(false)
	if err != nil {
		log.Fatalf("Failed to get a transaction: %v", err)
	}
	defer tx.Rollback()
	fn(tx)
}

// Get implements Store. Empty values are legal, so existence is decided by
// the cursor key rather than by a nil value.
func (s *BoltStore) Get(key string) (val string, ok bool) {
	s.view(func(tx *bolt.Tx) {
		k, v := tx.Bucket(dataBucket).Cursor().Seek([]byte(key))
		if k != nil && string(k) == key {
			val, ok = string(v), true
		}
	})
	return
}

// Keys implements Store.
func (s *BoltStore) Keys(start, end string) (out []string) {
	s.view(func(tx *bolt.Tx) {
		c := tx.Bucket(dataBucket).Cursor()
		e := []byte(end)
		for k, _ := c.Seek([]byte(start)); k != nil; k, _ = c.Next() {
			if end != "" && bytes.Compare(k, e) >= 0 {
				break
			}
			out = append(out, string(k))
		}
	})
	return
}

// Commit implements Store.
func (s *BoltStore) Commit(changes []Change, crankNumber uint64) error {
	tx, err := s.db.Begin(true)
	if err != nil {
		return err
	}
	b := tx.Bucket(dataBucket)
	for _, c := range changes {
		if c.Delete {
			err = b.Delete([]byte(c.Key))
		} else {
			err = b.Put([]byte(c.Key), []byte(c.Value))
		}
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], crankNumber)
	if err := tx.Bucket(metaBucket).Put(crankKey, idx[:]); err != nil {
		tx.Rollback()
		return err
	}

	// Grab size before committing.
	size := tx.Size()
	if err := tx.Commit(); err != nil {
		return err
	}

	// boltdb updates db-wide stats after committing, so update those now.
	updateDbStats(size, s.db.Stats())
	mCommits.WithLabelValues("bolt").Inc()
	mChanges.WithLabelValues("bolt").Add(float64(len(changes)))
	return nil
}

// CrankNumber implements Store.
func (s *BoltStore) CrankNumber() (n uint64, ok bool) {
	s.view(func(tx *bolt.Tx) {
		if b := tx.Bucket(metaBucket).Get(crankKey); b != nil {
			n, ok = binary.LittleEndian.Uint64(b), true
		}
	})
	return
}

// Checksum implements Store. It walks the data bucket with a single cursor
// rather than going through Keys and Get.
func (s *BoltStore) Checksum() (crc uint64) {
	s.view(func(tx *bolt.Tx) {
		var c *checksummer
		if b := tx.Bucket(metaBucket).Get(crankKey); b != nil {
			c = newChecksummer(binary.LittleEndian.Uint64(b), true)
		} else {
			c = newChecksummer(0, false)
		}
		cur := tx.Bucket(dataBucket).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			c.add(k, v)
		}
		crc = c.crc
	})
	return
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// updateDbStats updates our database stats metrics from boltdb. The size has
// to be read from a transaction, which is why it gets passed in separately.
func updateDbStats(size int64, stats bolt.Stats) {
	mDbSize.Set(float64(size))
	mBoltFreePages.Set(float64(stats.FreePageN))
	mBoltPendingPages.Set(float64(stats.PendingPageN))
	mBoltFreeAlloc.Set(float64(stats.FreeAlloc))
	mBoltFreelistInuse.Set(float64(stats.FreelistInuse))
	mBoltOpenTx.Set(float64(stats.OpenTxN))
	mBoltTxCount.Set(float64(stats.TxN))
	mBoltTxPageCount.Set(float64(stats.TxStats.PageCount))
	mBoltTxPageAlloc.Set(float64(stats.TxStats.PageAlloc))
	mBoltTxWrite.Set(float64(stats.TxStats.Write))
	mBoltTxWriteT.Set(float64(stats.TxStats.WriteTime) / 1e9)
}
