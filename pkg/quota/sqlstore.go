package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLStore keeps the state as one JSON row in engine_state. Updates read and
// write that row in a single transaction; on postgres the row is locked.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates the engine_state table if needed.
func NewSQLStore(ctx context.Context, db *sqlx.DB) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS engine_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("init engine_state: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Load(ctx context.Context) (State, error) {
	var rows []string
	if err := s.db.SelectContext(ctx, &rows, `SELECT state FROM engine_state WHERE id = 1`); err != nil {
		return State{}, fmt.Errorf("load engine state: %w", err)
	}
	return decodeState(rows)
}

func (s *SQLStore) Update(ctx context.Context, fn func(*State) error) (State, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return State{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT state FROM engine_state WHERE id = 1`
	if s.db.DriverName() == "postgres" {
		query += ` FOR UPDATE`
	}

	var rows []string
	if err := tx.SelectContext(ctx, &rows, query); err != nil {
		return State{}, fmt.Errorf("load engine state: %w", err)
	}
	state, err := decodeState(rows)
	if err != nil {
		return State{}, err
	}

	if err := fn(&state); err != nil {
		return state, err
	}

	b, err := json.Marshal(state)
	if err != nil {
		return State{}, fmt.Errorf("marshal state: %w", err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(
		`INSERT INTO engine_state (id, state, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`),
		string(b), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return State{}, fmt.Errorf("write engine state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return State{}, fmt.Errorf("commit engine state: %w", err)
	}
	return state, nil
}

func decodeState(rows []string) (State, error) {
	state := DefaultState()
	if len(rows) == 0 {
		return state, nil
	}
	if err := json.Unmarshal([]byte(rows[0]), &state); err != nil {
		return State{}, fmt.Errorf("parse engine state: %w", err)
	}
	if state.Status == "" {
		state.Status = StatusStopped
	}
	return state, nil
}
