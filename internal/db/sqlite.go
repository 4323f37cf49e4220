// Package db opens SQLite document files and runs their migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
)

// Mode selects how a pool is tuned.
type Mode string

const (
	// ModeWrite is a single-connection pool whose transactions take the
	// write lock immediately.
	ModeWrite Mode = "write"
	// ModeRead is a pool of concurrent readers.
	ModeRead Mode = "read"
)

const (
	defaultBusyTimeout = "5000" // 5 seconds
	defaultSynchronous = "NORMAL"
	defaultJournalMode = "WAL"
	defaultReadConns   = 4
)

// OpenSQLite opens a pool on a document file. All modes use the WAL
// journal, a 5s busy timeout, synchronous=NORMAL and foreign keys.
// maxOpen sizes read pools; 0 means 4.
func OpenSQLite(path string, mode Mode, maxOpen int) (*sql.DB, error) {
	if mode != ModeRead && mode != ModeWrite {
		return nil, fmt.Errorf("invalid SQLite mode %q: must be \"read\" or \"write\"", mode)
	}

	db, err := sql.Open("sqlite3", buildDSN(path, mode))
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", mode, err)
	}

	switch mode {
	case ModeWrite:
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case ModeRead:
		if maxOpen <= 0 {
			maxOpen = defaultReadConns
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite (%s): %w", mode, err)
	}
	return db, nil
}

// Pair is a writer and a reader pool on the same document file.
type Pair struct {
	Write *sql.DB
	Read  *sql.DB
}

// OpenSQLitePair opens both pools for path.
func OpenSQLitePair(path string, readMaxOpen int) (*Pair, error) {
	writeDB, err := OpenSQLite(path, ModeWrite, 0)
	if err != nil {
		return nil, err
	}
	readDB, err := OpenSQLite(path, ModeRead, readMaxOpen)
	if err != nil {
		_ = writeDB.Close()
		return nil, err
	}
	return &Pair{Write: writeDB, Read: readDB}, nil
}

// OpenDocument opens a document file and brings its schema up to date.
func OpenDocument(path string, readMaxOpen int) (*Pair, error) {
	p, err := OpenSQLitePair(path, readMaxOpen)
	if err != nil {
		return nil, err
	}
	if _, err := RunMigrations(context.Background(), p.Write); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Close closes both pools.
func (p *Pair) Close() error {
	rerr := p.Read.Close()
	werr := p.Write.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func buildDSN(path string, mode Mode) string {
	params := url.Values{}
	params.Set("_journal_mode", defaultJournalMode)
	params.Set("_busy_timeout", defaultBusyTimeout)
	params.Set("_synchronous", defaultSynchronous)
	params.Set("_foreign_keys", "on")
	if mode == ModeWrite {
		params.Set("_txlock", "immediate")
	}
	return path + "?" + params.Encode()
}
