// Package store persists an audit trail of stage transitions and observed
// promotions. It is write-mostly: the bridge records what happened so a
// support engineer can reconstruct a window's session afterwards. Nothing
// in the event path reads it back; in particular the promotion guard never
// consults it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Transition is one recorded stage transition.
type Transition struct {
	ID         int64
	WindowID   string
	FromState  string
	ToState    string
	Trigger    string
	OccurredAt time.Time
}

// Promotion is one recorded promotion observation.
type Promotion struct {
	ID         int64
	WindowID   string
	UserID     int64
	MatchID    int64
	ObservedAt time.Time
}

// Store is a SQLite-backed audit log.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the audit database at the given path.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	migration := `
	CREATE TABLE IF NOT EXISTS stage_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		window_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		trigger_name TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_window ON stage_transitions(window_id, occurred_at DESC);

	CREATE TABLE IF NOT EXISTS promotions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		window_id TEXT NOT NULL,
		user_id INTEGER NOT NULL,
		match_id INTEGER NOT NULL DEFAULT 0,
		observed_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_promotions_window ON promotions(window_id, observed_at DESC);
	`

	_, err := db.Exec(migration)
	return err
}

// RecordTransition appends one stage transition.
func (s *Store) RecordTransition(ctx context.Context, windowID, from, to, trigger string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO stage_transitions (window_id, from_state, to_state, trigger_name, occurred_at) VALUES (?, ?, ?, ?, ?)",
		windowID, from, to, trigger, time.Now())
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// RecordPromotion appends one observed promotion.
func (s *Store) RecordPromotion(ctx context.Context, windowID string, userID, matchID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO promotions (window_id, user_id, match_id, observed_at) VALUES (?, ?, ?, ?)",
		windowID, userID, matchID, time.Now())
	if err != nil {
		return fmt.Errorf("record promotion: %w", err)
	}
	return nil
}

// RecentTransitions returns the newest transitions for a window, newest
// first.
func (s *Store) RecentTransitions(ctx context.Context, windowID string, limit int) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, window_id, from_state, to_state, trigger_name, occurred_at FROM stage_transitions WHERE window_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?",
		windowID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.WindowID, &t.FromState, &t.ToState, &t.Trigger, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// Promotions returns all promotions recorded for a window, newest first.
func (s *Store) Promotions(ctx context.Context, windowID string) ([]Promotion, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, window_id, user_id, match_id, observed_at FROM promotions WHERE window_id = ? ORDER BY observed_at DESC, id DESC",
		windowID)
	if err != nil {
		return nil, fmt.Errorf("query promotions: %w", err)
	}
	defer rows.Close()

	var promotions []Promotion
	for rows.Next() {
		var p Promotion
		if err := rows.Scan(&p.ID, &p.WindowID, &p.UserID, &p.MatchID, &p.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		promotions = append(promotions, p)
	}
	return promotions, rows.Err()
}
