package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/3leaps/courtsync/pkg/store"
)

// Migrate creates the bot_config table if needed. Existing tables written by
// other tools are left as they are.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS bot_config (
		environment TEXT NOT NULL,
		config_key TEXT NOT NULL,
		config_value TEXT NOT NULL,
		updated_at TEXT,
		PRIMARY KEY (environment, config_key)
	)`)
	if err != nil {
		return fmt.Errorf("init bot_config: %w", err)
	}
	return nil
}

// GetValue returns the raw JSON value of key in env.
func GetValue(ctx context.Context, db *sqlx.DB, env, key string) (string, bool, error) {
	var value string
	err := db.GetContext(ctx, &value, db.Rebind(
		`SELECT config_value FROM bot_config WHERE environment = ? AND config_key = ?`), env, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, true, nil
}

// PutValue stores v as JSON under key in env.
func PutValue(ctx context.Context, db *sqlx.DB, env, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	_, err = db.ExecContext(ctx, db.Rebind(
		`INSERT INTO bot_config (environment, config_key, config_value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(environment, config_key) DO UPDATE SET
		   config_value = excluded.config_value,
		   updated_at = excluded.updated_at`),
		env, key, string(b), store.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}
