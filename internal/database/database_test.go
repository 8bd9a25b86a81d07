package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(&Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path() != dbPath {
		t.Errorf("Expected path %s, got %s", dbPath, db.Path())
	}
	if err := db.Health(context.Background()); err != nil {
		t.Errorf("Health check failed: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/data")

	if cfg.Path != "/data/codnida.db" {
		t.Errorf("Expected path /data/codnida.db, got %s", cfg.Path)
	}
	if cfg.BusyTimeout != 5*time.Second || cfg.HistoryRetention != DefaultHistoryRetention {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(&Config{}); err == nil {
		t.Error("Expected error for empty path")
	}
	if _, err := Open(nil); err == nil {
		t.Error("Expected error for nil config")
	}
}

func TestConfigDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{"defaults", Config{Path: "/data/codnida.db"}, []string{"file:/data/codnida.db?", "_busy_timeout=5000", "_journal_mode=WAL", "_foreign_keys=on"}},
		{"busy timeout", Config{Path: "x.db", BusyTimeout: 250 * time.Millisecond}, []string{"_busy_timeout=250"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsn := tt.cfg.dsn()
			for _, part := range tt.want {
				if !strings.Contains(dsn, part) {
					t.Errorf("DSN %q missing %q", dsn, part)
				}
			}
		})
	}
}

func TestPruneHistory(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name      string
		retention time.Duration
		wantGone  int64
	}{
		{"default window", 0, 1},
		{"short window", time.Hour, 2},
		{"keep forever", -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := Open(&Config{Path: filepath.Join(t.TempDir(), "test.db"), HistoryRetention: tt.retention})
			if err != nil {
				t.Fatalf("Failed to open database: %v", err)
			}
			defer db.Close()
			if err := NewMigrator(db).Run(ctx); err != nil {
				t.Fatalf("Migrations failed: %v", err)
			}

			for _, at := range []time.Time{now.Add(-60 * 24 * time.Hour), now.Add(-2 * time.Hour), now} {
				if _, err := db.Exec("INSERT INTO state_history (unique_id, available, reason, changed_at) VALUES ('codnida_a_80', 1, 'test', ?)", at.Unix()); err != nil {
					t.Fatalf("Failed to insert: %v", err)
				}
			}

			n, err := db.PruneHistory(ctx, now)
			if err != nil {
				t.Fatalf("PruneHistory failed: %v", err)
			}
			if n != tt.wantGone {
				t.Errorf("Expected %d rows pruned, got %d", tt.wantGone, n)
			}

			var left int64
			if err := db.QueryRow("SELECT COUNT(*) FROM state_history").Scan(&left); err != nil {
				t.Fatalf("Failed to count: %v", err)
			}
			if left != 3-tt.wantGone {
				t.Errorf("Expected %d rows left, got %d", 3-tt.wantGone, left)
			}
		})
	}
}

func TestRunRetention_StopsWithContext(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Migrations failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		db.RunRetention(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunRetention did not return after cancel")
	}
}

func TestTransaction(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO items (name) VALUES ('kept')")
		return err
	})
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	boom := errors.New("boom")
	err = db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO items (name) VALUES ('dropped')"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom error, got %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM items").Scan(&count); err != nil {
		t.Fatalf("Failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row after rollback, got %d", count)
	}
}
