package database

import (
	"context"
	"testing"
)

func TestMigrator_Run(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db)

	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	for _, table := range []string{"entities", "state_history"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Expected table %s: %v", table, err)
		}
	}

	// Running again should be idempotent
	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Second Run failed: %v", err)
	}
}

func TestMigrator_Status(t *testing.T) {
	db := openTestDB(t)
	migrator := NewMigrator(db)

	before, err := migrator.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(before) == 0 {
		t.Fatal("Expected embedded migrations")
	}
	if !before[0].AppliedAt.IsZero() {
		t.Error("Migration should not be applied yet")
	}

	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	after, err := migrator.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	for _, m := range after {
		if m.AppliedAt.IsZero() {
			t.Errorf("Migration %d should be applied", m.Version)
		}
	}
}

func TestAvailableMigrations_Order(t *testing.T) {
	migrations, err := availableMigrations()
	if err != nil {
		t.Fatalf("availableMigrations failed: %v", err)
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("Migrations out of order: %d after %d", migrations[i].Version, migrations[i-1].Version)
		}
	}
	if migrations[0].Name != "initial_schema" {
		t.Errorf("Expected first migration 'initial_schema', got %s", migrations[0].Name)
	}
}
