// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite is the durable persistence.Store backed by SQLite in WAL
// mode. Each logical table is an SQL table with a text primary key and a
// blob payload. Payloads above a configurable size are zstd compressed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/klauspost/compress/zstd"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/docsync/pkg/logger"
	"github.com/united-manufacturing-hub/docsync/pkg/persistence"
)

// Options configure Open.
type Options struct {
	// Path is the database file. ":memory:" opens a private in-memory
	// database, which is handy in tests.
	Path string
	// CompressionThreshold is the payload size above which values are
	// compressed. 0 disables compression.
	CompressionThreshold int
	Logger               *zap.SugaredLogger
}

// Store implements persistence.Store on one SQLite connection.
type Store struct {
	db        *sql.DB
	log       *zap.SugaredLogger
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder

	mu     sync.RWMutex
	closed bool
}

var (
	_ persistence.Store = (*Store)(nil)
	_ persistence.Sizer = (*Store)(nil)
)

// Open opens or creates the database. Paths on network filesystems are
// refused because WAL mode needs shared memory between connections.
func Open(ctx context.Context, opts Options) (*Store, error) {
	log := logger.Or(opts.Logger, logger.ComponentPersistence)

	if opts.Path == "" {
		return nil, errors.New("sqlite path is required")
	}

	if opts.Path != ":memory:" {
		dir := filepath.Dir(opts.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}

		isNetwork, fsType, err := IsNetworkFilesystem(dir)
		if err != nil {
			log.Warnf("could not detect filesystem type of %s: %v", dir, err)
		} else if isNetwork {
			return nil, fmt.Errorf("database directory %s is on a %s network filesystem, which does not support WAL mode", dir, fsType)
		}
	}

	db, err := sql.Open("sqlite3", buildConnectionString(opts.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		_ = db.Close()

		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	log.Debugf("opened sqlite store at %s", opts.Path)

	return &Store{
		db:        db,
		log:       log,
		threshold: opts.CompressionThreshold,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

func buildConnectionString(dbPath string) string {
	if dbPath == ":memory:" {
		return "file::memory:?mode=memory&_busy_timeout=5000"
	}

	baseParams := "?mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_cache_size=-64000"

	if runtime.GOOS == "darwin" {
		baseParams += "&_fullfsync=1"
	}

	return "file:" + dbPath + baseParams
}

// mapError turns lock contention into persistence.ErrConflict.
func mapError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", persistence.ErrConflict, err)
	}

	return err
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.closed
}

func (s *Store) EnsureTable(ctx context.Context, name string) error {
	if s.isClosed() {
		return persistence.ErrClosed
	}

	if err := persistence.ValidateTableName(name); err != nil {
		return err
	}

	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data BLOB NOT NULL
	) WITHOUT ROWID`, name)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, mapError(err))
	}

	return nil
}

func (s *Store) BeginTx(ctx context.Context, name string) (persistence.Tx, error) {
	if s.isClosed() {
		return nil, persistence.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction %s: %w", name, mapError(err))
	}

	return &sqliteTx{tx: tx, store: s, name: name}, nil
}

// TableSize sums the stored key and payload lengths. Compressed payloads
// count with their compressed size.
func (s *Store) TableSize(ctx context.Context, name string) (int64, error) {
	if s.isClosed() {
		return 0, persistence.ErrClosed
	}

	if err := persistence.ValidateTableName(name); err != nil {
		return 0, err
	}

	var size int64

	query := fmt.Sprintf(`SELECT COALESCE(SUM(LENGTH(id) + LENGTH(data)), 0) FROM %s`, name)
	if err := s.db.QueryRowContext(ctx, query).Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to size table %s: %w", name, mapError(err))
	}

	return size, nil
}

func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("store already closed")
	}

	s.closed = true
	s.decoder.Close()

	if err := s.encoder.Close(); err != nil {
		s.log.Warnf("failed to close zstd encoder: %v", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

type sqliteTx struct {
	tx     *sql.Tx
	store  *Store
	name   string
	closed bool
}

func (t *sqliteTx) check(table string) error {
	if t.closed {
		return persistence.ErrTxDone
	}

	return persistence.ValidateTableName(table)
}

func (t *sqliteTx) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := t.check(table); err != nil {
		return nil, err
	}

	var data []byte

	err := t.tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, table), key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}

		return nil, fmt.Errorf("failed to get %s/%s: %w", table, key, mapError(err))
	}

	return t.store.decode(data)
}

func (t *sqliteTx) Put(ctx context.Context, table, key string, value []byte) error {
	if err := t.check(table); err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, table)

	if _, err := t.tx.ExecContext(ctx, query, key, t.store.encode(value)); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", table, key, mapError(err))
	}

	return nil
}

func (t *sqliteTx) Delete(ctx context.Context, table, key string) error {
	if err := t.check(table); err != nil {
		return err
	}

	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, key, mapError(err))
	}

	return nil
}

type row struct {
	key  string
	data []byte
}

// Scan reads the whole range before calling fn, so fn can use the
// transaction while the single connection is otherwise busy.
func (t *sqliteTx) Scan(ctx context.Context, table string, r persistence.KeyRange, fn persistence.ScanFunc) error {
	if err := t.check(table); err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT id, data FROM %s WHERE id >= ?`, table)
	args := []any{r.Start}

	if r.End != "" {
		query += ` AND id < ?`
		args = append(args, r.End)
	}

	query += ` ORDER BY id`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", table, mapError(err))
	}

	var collected []row

	for rows.Next() {
		var rw row
		if err := rows.Scan(&rw.key, &rw.data); err != nil {
			_ = rows.Close()

			return fmt.Errorf("failed to scan row of %s: %w", table, err)
		}

		collected = append(collected, rw)
	}

	if err := rows.Err(); err != nil {
		_ = rows.Close()

		return fmt.Errorf("rows error: %w", mapError(err))
	}

	_ = rows.Close()

	for _, rw := range collected {
		value, err := t.store.decode(rw.data)
		if err != nil {
			return err
		}

		more, err := fn(rw.key, value)
		if err != nil {
			return err
		}

		if !more {
			return nil
		}
	}

	return nil
}

func (t *sqliteTx) Commit() error {
	if t.closed {
		return nil
	}

	t.closed = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction %s: %w", t.name, mapError(err))
	}

	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.closed {
		return nil
	}

	t.closed = true
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to rollback transaction %s: %w", t.name, err)
	}

	return nil
}
