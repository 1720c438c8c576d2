// Package db opens the SQLite query history database and applies its
// migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"go.uber.org/multierr"
)

// Mode selects how a pool is sized and locked.
type Mode string

const (
	// ModeWrite is a single-connection pool with immediate transaction locks.
	ModeWrite Mode = "write"
	// ModeRead is a multi-connection pool for concurrent readers.
	ModeRead Mode = "read"
)

const (
	busyTimeoutMs   = "5000"
	synchronous     = "NORMAL"
	journalMode     = "WAL"
	defaultReadConn = 4
)

// Open opens a pool for the SQLite file at path and pings it.
func Open(ctx context.Context, path string, mode Mode, maxOpen int) (*sql.DB, error) {
	if mode != ModeRead && mode != ModeWrite {
		return nil, fmt.Errorf("invalid SQLite mode %q", mode)
	}

	db, err := sql.Open("sqlite3", dsn(path, mode))
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", mode, err)
	}
	if mode == ModeWrite {
		maxOpen = 1
	} else if maxOpen <= 0 {
		maxOpen = defaultReadConn
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite (%s): %w", mode, err)
	}
	return db, nil
}

// Store is the write and read pool pair of one history database.
type Store struct {
	Write *sql.DB
	Read  *sql.DB
}

// OpenStore opens both pools for path and migrates the schema.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	w, err := Open(ctx, path, ModeWrite, 0)
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(ctx, w); err != nil {
		_ = w.Close()
		return nil, err
	}
	r, err := Open(ctx, path, ModeRead, 0)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Store{Write: w, Read: r}, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	return multierr.Combine(s.Read.Close(), s.Write.Close())
}

func dsn(path string, mode Mode) string {
	params := url.Values{}
	params.Set("_journal_mode", journalMode)
	params.Set("_busy_timeout", busyTimeoutMs)
	params.Set("_synchronous", synchronous)
	if mode == ModeWrite {
		params.Set("_txlock", "immediate")
	}
	return path + "?" + params.Encode()
}
