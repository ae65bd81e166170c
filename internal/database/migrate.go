package database

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// schema is applied on every start; each statement is idempotent.
//
// room_participants holds one row per user that is in a room. Its primary
// key is what makes "one room per user" hold even when two clients race.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		id           UUID PRIMARY KEY,
		host_id      TEXT NOT NULL,
		joiner_id    TEXT NOT NULL,
		status       TEXT NOT NULL CHECK (status IN ('pending', 'active')),
		current_pose TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (host_id <> joiner_id),
		CHECK (current_pose IS NULL OR status = 'active')
	)`,
	`CREATE TABLE IF NOT EXISTS room_participants (
		user_id TEXT PRIMARY KEY,
		room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_room_participants_room_id ON room_participants(room_id)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id           UUID PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		sender_id    TEXT NOT NULL,
		room_id      UUID,
		type         TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_id, type)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_room_id ON notifications(room_id)`,
}

func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	log.Info().Int("statements", len(schema)).Msg("database schema applied")
	return nil
}
