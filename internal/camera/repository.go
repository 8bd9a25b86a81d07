package camera

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Spatial-NVR/codnida/internal/database"
)

// EntityState is the persisted state of a camera entity
type EntityState struct {
	UniqueID    string    `json:"unique_id"`
	EntryID     string    `json:"entry_id"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Available   bool      `json:"available"`
	LastChanged time.Time `json:"last_changed"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StateChange is one availability transition
type StateChange struct {
	ID        int64     `json:"id"`
	UniqueID  string    `json:"unique_id"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// Repository stores entity state and availability history
type Repository struct {
	db *database.DB
}

// NewRepository creates a repository on an open, migrated database
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Upsert inserts or replaces the state row of an entity
func (r *Repository) Upsert(ctx context.Context, st EntityState) error {
	now := time.Now()
	if st.LastChanged.IsZero() {
		st.LastChanged = now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO entities (unique_id, entry_id, name, state, available, last_changed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(unique_id) DO UPDATE SET
			entry_id = excluded.entry_id,
			name = excluded.name,
			state = excluded.state,
			available = excluded.available,
			last_changed = excluded.last_changed,
			updated_at = excluded.updated_at
	`, st.UniqueID, st.EntryID, st.Name, st.State, st.Available, st.LastChanged.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert entity %s: %w", st.UniqueID, err)
	}
	return nil
}

// Get returns the stored state of an entity
func (r *Repository) Get(ctx context.Context, uniqueID string) (*EntityState, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT unique_id, entry_id, name, state, available, last_changed, updated_at
		FROM entities WHERE unique_id = ?
	`, uniqueID)

	st, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uniqueID)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// List returns every stored entity ordered by unique id
func (r *Repository) List(ctx context.Context) ([]EntityState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT unique_id, entry_id, name, state, available, last_changed, updated_at
		FROM entities ORDER BY unique_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []EntityState
	for rows.Next() {
		st, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *st)
	}
	return states, rows.Err()
}

// Delete removes an entity and its history
func (r *Repository) Delete(ctx context.Context, uniqueID string) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM state_history WHERE unique_id = ?", uniqueID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE unique_id = ?", uniqueID)
		return err
	})
}

// RecordChange appends an availability transition to the history
func (r *Repository) RecordChange(ctx context.Context, change StateChange) error {
	if change.ChangedAt.IsZero() {
		change.ChangedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO state_history (unique_id, available, reason, changed_at)
		VALUES (?, ?, ?, ?)
	`, change.UniqueID, change.Available, change.Reason, change.ChangedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record state change: %w", err)
	}
	return nil
}

// History returns the most recent transitions of an entity, newest first
func (r *Repository) History(ctx context.Context, uniqueID string, limit int) ([]StateChange, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, unique_id, available, reason, changed_at
		FROM state_history
		WHERE unique_id = ?
		ORDER BY changed_at DESC, id DESC
		LIMIT ?
	`, uniqueID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	changes := []StateChange{}
	for rows.Next() {
		var c StateChange
		var changedAt int64
		if err := rows.Scan(&c.ID, &c.UniqueID, &c.Available, &c.Reason, &changedAt); err != nil {
			return nil, err
		}
		c.ChangedAt = time.Unix(changedAt, 0)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*EntityState, error) {
	var st EntityState
	var lastChanged, updatedAt int64
	if err := s.Scan(&st.UniqueID, &st.EntryID, &st.Name, &st.State, &st.Available, &lastChanged, &updatedAt); err != nil {
		return nil, err
	}
	st.LastChanged = time.Unix(lastChanged, 0)
	st.UpdatedAt = time.Unix(updatedAt, 0)
	return &st, nil
}
