// Copyright 2025 Probemesh Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package db provides helpers for the gateway's sqlite storage backends.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // sqlite driver
)

// Reader is the read-only subset of database operations.
type Reader interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Stats() sql.DBStats
}

// SqliteConfig allows configuring the sqlite database instance.
type SqliteConfig struct {
	MaxOpenReadConns int
	MaxIdleReadConns int
	InMemory         bool
}

// Sqlite is a database handle with a write and a read connection pool. The
// write pool is limited to one open connection to avoid contention; the read
// pool is bounded by the number of CPUs unless overridden.
type Sqlite struct {
	Full     *sql.DB
	ReadOnly Reader
}

// NewSqlite opens a sqlite database at the given path.
//
// Transactions on the Full pool start with BEGIN IMMEDIATE (_txlock), so a
// concurrent writer waits on busy_timeout instead of failing with
// SQLITE_BUSY when the transaction upgrades to a write mid-flight. This is
// what serializes concurrent check-then-write sequences.
func NewSqlite(path string, cfg *SqliteConfig) (*Sqlite, error) {
	c := SqliteConfig{}
	if cfg != nil {
		c = *cfg
	}

	// :memory: is ambiguous: without a shared named database the read and
	// write pools would see two different empty databases.
	if strings.Contains(path, ":memory:") {
		return nil, fmt.Errorf("use explicitly named memory database")
	}
	noFile, ok := strings.CutPrefix(path, "file:")

	connParams := make(url.Values)
	connParams.Add("_txlock", "immediate")
	connParams.Add("_pragma", "journal_mode(WAL)")
	connParams.Add("_pragma", "busy_timeout(1000)")
	connParams.Add("_pragma", "synchronous(NORMAL)")
	connParams.Add("_pragma", "foreign_keys(1)")
	if c.InMemory {
		registerMemoryDB(noFile)
		connParams.Add("mode", "memory")
		// Shared cache so the read and write pools see the same in-memory
		// database.
		connParams.Add("cache", "shared")
	}

	connURL := path + "?" + connParams.Encode()
	if !ok {
		connURL = "file:" + connURL
	}

	write, err := sql.Open("sqlite", connURL)
	if err != nil {
		return nil, fmt.Errorf("opening write database: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", connURL)
	if err != nil {
		defer write.Close()
		return nil, fmt.Errorf("opening read database: %w", err)
	}
	if c.MaxOpenReadConns == 0 {
		c.MaxOpenReadConns = max(4, runtime.NumCPU())
	}
	read.SetMaxOpenConns(c.MaxOpenReadConns)
	if c.MaxIdleReadConns != 0 {
		read.SetMaxIdleConns(c.MaxIdleReadConns)
	}

	db := &Sqlite{
		Full:     write,
		ReadOnly: read,
	}
	if c.InMemory {
		runtime.SetFinalizer(db, func(*Sqlite) { unregisterMemoryDB(noFile) })
	}
	return db, nil
}

// Setup applies the schema on a fresh database and verifies the schema
// version on an existing one, via PRAGMA user_version.
func (db *Sqlite) Setup(schema string, schemaVersion int) error {
	var existingVersion int
	if err := db.Full.QueryRow("PRAGMA user_version;").Scan(&existingVersion); err != nil {
		return fmt.Errorf("checking database schema version: %w", err)
	}
	switch {
	case existingVersion == 0:
		if _, err := db.Full.Exec(schema); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
		_, err := db.Full.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion))
		if err != nil {
			return fmt.Errorf("writing schema version: %w", err)
		}
		return nil
	case existingVersion != schemaVersion:
		return fmt.Errorf("database schema version mismatch: expected %d, have %d",
			schemaVersion, existingVersion,
		)
	default:
		return nil
	}
}

func (db *Sqlite) Close() error {
	var errs []error
	if err := db.Full.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing write db: %w", err))
	}
	if err := db.ReadOnly.(*sql.DB).Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing read db: %w", err))
	}
	return errors.Join(errs...)
}

// memoryDBCheck is a safety mechanism to prevent multiple in-memory databases
// with the same name. Such databases would share the same underlying database,
// leading to unexpected behavior in tests.
var memoryDBCheck = struct {
	mtx sync.Mutex
	dbs map[string]struct{}
}{
	dbs: make(map[string]struct{}),
}

func registerMemoryDB(name string) {
	memoryDBCheck.mtx.Lock()
	defer memoryDBCheck.mtx.Unlock()
	if _, ok := memoryDBCheck.dbs[name]; ok {
		panic(fmt.Sprintf("memory database with name %s already exists", name))
	}
	memoryDBCheck.dbs[name] = struct{}{}
}

func unregisterMemoryDB(name string) {
	memoryDBCheck.mtx.Lock()
	defer memoryDBCheck.mtx.Unlock()
	delete(memoryDBCheck.dbs, name)
}
