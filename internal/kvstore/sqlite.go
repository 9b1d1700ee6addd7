// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package kvstore

import (
	"database/sql"

	// Import sqlite3 driver so that we can create db backed by sqlite.
	_ "github.com/mattn/go-sqlite3"

	log "github.com/golang/glog"
)

// SqliteStore is a Store backed by sqlite. Keys are compared with the
// default BINARY collation, which orders them the same way Go compares
// strings.
type SqliteStore struct {
	// The sqlite database.
	db *sql.DB

	// Prepared statements for operating on the 'kv' and 'meta' tables.
	getStmt, putStmt, delStmt, keysFromStmt, keysRangeStmt, getMetaStmt, putMetaStmt *sql.Stmt
}

// OpenSqlite creates a SqliteStore backed by the file located at 'path'.
func OpenSqlite(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// Due to a bug in early version of sqlite, a non-integer primary key
	// can be null. So we need to set it to be not null explicitly here.
	// (see https://www.sqlite.org/lang_createtable.html#rowid).
	for _, create := range []string{
		"CREATE TABLE IF NOT EXISTS kv (key TEXT NOT NULL PRIMARY KEY, value TEXT NOT NULL)",
		"CREATE TABLE IF NOT EXISTS meta (name TEXT NOT NULL PRIMARY KEY, value INTEGER NOT NULL)",
	} {
		if _, err := db.Exec(create); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &SqliteStore{db: db}
	for _, p := range []struct {
		stmt **sql.Stmt
		sql  string
	}{
		{&s.getStmt, "SELECT value FROM kv WHERE key=?"},
		{&s.putStmt, "INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)"},
		{&s.delStmt, "DELETE FROM kv WHERE key=?"},
		{&s.keysFromStmt, "SELECT key FROM kv WHERE key>=? ORDER BY key"},
		{&s.keysRangeStmt, "SELECT key FROM kv WHERE key>=? AND key<? ORDER BY key"},
		{&s.getMetaStmt, "SELECT value FROM meta WHERE name=?"},
		{&s.putMetaStmt, "INSERT OR REPLACE INTO meta (name, value) VALUES (?, ?)"},
	} {
		if *p.stmt, err = db.Prepare(p.sql); err != nil {
			s.Close()
			return nil, err
		}
	}

	log.Infof("opened sqlite kvstore at %s", path)
	return s, nil
}

// Get implements Store.
func (s *SqliteStore) Get(key string) (string, bool) {
	var v string
	err := s.getStmt.QueryRow(key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		log.Fatalf("failed to get %q: %s", key, err)
	}
	return v, true
}

// Keys implements Store.
func (s *SqliteStore) Keys(start, end string) []string {
	var rows *sql.Rows
	var err error
	if end == "" {
		rows, err = s.keysFromStmt.Query(start)
	} else {
		rows, err = s.keysRangeStmt.Query(start, end)
	}
	if err != nil {
		log.Fatalf("failed to list keys in [%q, %q): %s", start, end, err)
	}
	var keys []string
	var k string
	for rows.Next() {
		if err := rows.Scan(&k); err != nil {
			log.Fatalf("failed to get key: %s", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		log.Fatalf("error in iterating through rows: %s", err)
	}
	return keys
}

// Commit implements Store.
func (s *SqliteStore) Commit(changes []Change, crankNumber uint64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	put, del := tx.Stmt(s.putStmt), tx.Stmt(s.delStmt)
	for _, c := range changes {
		if c.Delete {
			_, err = del.Exec(c.Key)
		} else {
			_, err = put.Exec(c.Key, c.Value)
		}
		if err != nil {
			log.Errorf("failed to apply change to %q: %s", c.Key, err)
			tx.Rollback()
			return err
		}
	}
	if _, err := tx.Stmt(s.putMetaStmt).Exec("crankNumber", int64(crankNumber)); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	mCommits.WithLabelValues("sqlite").Inc()
	mChanges.WithLabelValues("sqlite").Add(float64(len(changes)))
	return nil
}

// CrankNumber implements Store.
func (s *SqliteStore) CrankNumber() (uint64, bool) {
	var n int64
	err := s.getMetaStmt.QueryRow("crankNumber").Scan(&n)
	if err == sql.ErrNoRows {
		return 0, false
	}
	if err != nil {
		log.Fatalf("failed to read crank number: %s", err)
	}
	return uint64(n), true
}

// Checksum implements Store.
func (s *SqliteStore) Checksum() uint64 {
	return genericChecksum(s)
}

// Close closes the db. All errors will be logged and the last error is
// returned.
func (s *SqliteStore) Close() (err error) {
	for _, stmt := range []*sql.Stmt{
		s.getStmt, s.putStmt, s.delStmt, s.keysFromStmt, s.keysRangeStmt, s.getMetaStmt, s.putMetaStmt,
	} {
		if stmt == nil {
			continue
		}
		if cerr := stmt.Close(); cerr != nil {
			err = cerr
			log.Errorf("failed to close statement: %s", err)
		}
	}
	if cerr := s.db.Close(); cerr != nil {
		err = cerr
		log.Errorf("failed to close db: %s", err)
	}
	return err
}
