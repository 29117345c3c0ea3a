package database

import (
	"context"
	"fmt"
)

// schema is applied in order; every statement is idempotent
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id          TEXT PRIMARY KEY,
		email       TEXT NOT NULL DEFAULT '',
		credits     INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
		last_login  TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id             UUID PRIMARY KEY,
		user_id        TEXT NOT NULL REFERENCES users(id),
		video_url      TEXT NOT NULL,
		mask_data      JSONB NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		provider       TEXT NOT NULL DEFAULT '',
		prediction_id  TEXT NOT NULL DEFAULT '',
		result_url     TEXT NOT NULL DEFAULT '',
		error_message  TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_user_created_idx ON tasks (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS tasks_processing_idx ON tasks (status) WHERE status = 'processing'`,
	`CREATE INDEX IF NOT EXISTS tasks_prediction_idx ON tasks (prediction_id) WHERE prediction_id <> ''`,
	`CREATE TABLE IF NOT EXISTS credit_logs (
		id          BIGSERIAL PRIMARY KEY,
		user_id     TEXT NOT NULL REFERENCES users(id),
		amount      INTEGER NOT NULL,
		type        TEXT NOT NULL,
		task_id     UUID REFERENCES tasks(id),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS credit_logs_user_created_idx ON credit_logs (user_id, created_at DESC)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS credit_logs_daily_once_idx
		ON credit_logs (user_id, ((created_at AT TIME ZONE 'UTC')::date))
		WHERE type = 'daily_login'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS credit_logs_process_once_idx
		ON credit_logs (task_id)
		WHERE type = 'process'`,
}

// Migrate creates the tables the service needs
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
