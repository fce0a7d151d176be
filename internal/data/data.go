package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthropics/matrix-feishu-bridge/internal/biz/repo"

	_ "modernc.org/sqlite"
)

// Database bundles all repositories over one SQLite handle
type Database struct {
	db *sql.DB

	Room       repo.RoomRepo
	User       repo.UserRepo
	Message    repo.MessageRepo
	Event      repo.EventRepo
	DeadLetter repo.DeadLetterRepo
	Media      repo.MediaRepo
}

// Open connects to the configured database and runs migrations.
// Only sqlite is supported in the current build.
func Open(dbType, uri string) (*Database, error) {
	if t := strings.ToLower(strings.TrimSpace(dbType)); t != "" && t != "sqlite" {
		return nil, fmt.Errorf("database type %q is not supported; use sqlite", dbType)
	}

	path := sqlitePathFromURI(uri)
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create db directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db:         db,
		Room:       newRoomRepo(db),
		User:       newUserRepo(db),
		Message:    newMessageRepo(db),
		Event:      newEventRepo(db),
		DeadLetter: newDeadLetterRepo(db),
		Media:      newMediaRepo(db),
	}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping verifies the database connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// sqlitePathFromURI strips the sqlite:// or sqlite: scheme prefix
func sqlitePathFromURI(uri string) string {
	path := strings.TrimSpace(uri)
	path = strings.TrimPrefix(path, "sqlite://")
	path = strings.TrimPrefix(path, "sqlite:")
	if path == "" {
		path = ":memory:"
	}
	return path
}

func migrate(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS room_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			matrix_room_id TEXT NOT NULL UNIQUE,
			feishu_chat_id TEXT NOT NULL UNIQUE,
			feishu_chat_name TEXT NOT NULL DEFAULT '',
			feishu_chat_type TEXT NOT NULL DEFAULT 'group',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			matrix_user_id TEXT NOT NULL UNIQUE,
			feishu_user_id TEXT NOT NULL UNIQUE,
			feishu_username TEXT NOT NULL DEFAULT '',
			feishu_avatar TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			matrix_event_id TEXT NOT NULL UNIQUE,
			feishu_message_id TEXT NOT NULL UNIQUE,
			room_id TEXT NOT NULL,
			sender_mxid TEXT NOT NULL,
			sender_feishu_id TEXT NOT NULL,
			content_hash TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			source TEXT NOT NULL,
			processed_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			event_type TEXT NOT NULL,
			dedupe_key TEXT NOT NULL UNIQUE,
			chat_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			error TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			replay_count INTEGER NOT NULL DEFAULT 0,
			last_replayed_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS media_cache (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content_hash TEXT NOT NULL,
			media_kind TEXT NOT NULL,
			resource_key TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(content_hash, media_kind)
		)`,
		// The feishu id index was plain before uniqueness was enforced
		`DROP INDEX IF EXISTS idx_message_mappings_feishu_id`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_message_mappings_feishu_id ON message_mappings(feishu_message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_message_mappings_room ON message_mappings(room_id)`,
		`CREATE INDEX IF NOT EXISTS idx_message_mappings_hash ON message_mappings(content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_events_at ON processed_events(processed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_status ON dead_letters(status)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Threading columns arrived later - tolerated on databases that already have them
	_, _ = db.Exec(`ALTER TABLE message_mappings ADD COLUMN thread_id TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE message_mappings ADD COLUMN root_id TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`ALTER TABLE message_mappings ADD COLUMN parent_id TEXT NOT NULL DEFAULT ''`)

	return nil
}

// mapErr folds driver failures into the repo error taxonomy
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, repo.ErrNotFound)
	case strings.Contains(msg, "UNIQUE constraint"):
		return fmt.Errorf("%s: %w: %s", op, repo.ErrDuplicate, msg)
	case strings.Contains(msg, "FOREIGN KEY constraint"), strings.Contains(msg, "CHECK constraint"):
		return fmt.Errorf("%s: %w: %s", op, repo.ErrInvalidData, msg)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "connection"):
		return fmt.Errorf("%s: %w: %s", op, repo.ErrPool, msg)
	default:
		return fmt.Errorf("%s: %w: %s", op, repo.ErrQuery, msg)
	}
}

func clampLimit(limit, fallback int64) int64 {
	if limit <= 0 {
		return fallback
	}
	return limit
}
