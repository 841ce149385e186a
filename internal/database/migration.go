package database

import (
	"context"
	"fmt"
)

// subscriptions is written by billing; it is created here only so a fresh
// database can serve plan lookups.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		account_id       TEXT        NOT NULL,
		device_id        TEXT        NOT NULL,
		display_name     TEXT        NOT NULL DEFAULT '',
		platform         TEXT        NOT NULL DEFAULT '',
		protocol_version SMALLINT    NOT NULL,
		paired_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (account_id, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		account_id TEXT PRIMARY KEY,
		plan       TEXT NOT NULL DEFAULT 'free',
		expires_at TIMESTAMPTZ
	)`,
}

// Migrate creates the tables owned by the link server.
func Migrate(ctx context.Context, db DBTX) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
