// Package database keeps the bridge's entity state and availability
// history in SQLite
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second
	// DefaultHistoryRetention is how long availability transitions are kept
	DefaultHistoryRetention = 30 * 24 * time.Hour
)

// DB is the bridge's state store
type DB struct {
	*sql.DB
	path      string
	retention time.Duration
	logger    *slog.Logger
}

// Config holds database configuration. Zero values fall back to defaults;
// a negative HistoryRetention keeps history forever.
type Config struct {
	Path             string
	BusyTimeout      time.Duration
	HistoryRetention time.Duration
}

// DefaultConfig returns the configuration for a store under dataDir
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Path:             filepath.Join(dataDir, "codnida.db"),
		BusyTimeout:      defaultBusyTimeout,
		HistoryRetention: DefaultHistoryRetention,
	}
}

// dsn builds the go-sqlite3 connection string: WAL with a busy timeout
func (c *Config) dsn() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", strconv.FormatInt(busy.Milliseconds(), 10))
	q.Set("_foreign_keys", "on")
	return "file:" + c.Path + "?" + q.Encode()
}

// Open opens the store, creating its directory when needed
func Open(cfg *Config) (*DB, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database %s: %w", cfg.Path, err)
	}

	retention := cfg.HistoryRetention
	if retention == 0 {
		retention = DefaultHistoryRetention
	}

	db := &DB{
		DB:        sqlDB,
		path:      cfg.Path,
		retention: retention,
		logger:    slog.Default().With("component", "database"),
	}
	db.logger.Info("Database opened", "path", cfg.Path, "history_retention", retention)
	return db, nil
}

// Close closes the store
func (db *DB) Close() error {
	return db.DB.Close()
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Health pings the store
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// PruneHistory drops availability transitions older than the retention
// window and returns how many were removed
func (db *DB) PruneHistory(ctx context.Context, now time.Time) (int64, error) {
	if db.retention < 0 {
		return 0, nil
	}
	cutoff := now.Add(-db.retention).Unix()
	res, err := db.ExecContext(ctx, "DELETE FROM state_history WHERE changed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune state history: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		db.logger.Info("Pruned state history", "rows", n, "before", time.Unix(cutoff, 0))
	}
	return n, nil
}

// RunRetention prunes history now and then every interval until ctx ends
func (db *DB) RunRetention(ctx context.Context, interval time.Duration) {
	if db.retention < 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := db.PruneHistory(ctx, time.Now()); err != nil && ctx.Err() == nil {
			db.logger.Warn("History retention failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Transaction runs fn in a transaction, rolling back when fn fails
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
