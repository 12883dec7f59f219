// Package storage provides the sqlite-backed persistence for
// pak-connect: the contact store and the durable offline message
// queue. All state lives in one WAL-mode database so a device restart
// never loses queued messages or pairing state.
package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrQueueFull = errors.New("per-peer queue capacity reached")
	ErrImmutable = errors.New("first-contact id is immutable")
)

// MeshDB manages local mesh state
type MeshDB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema
func Open(path string) (*MeshDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// WAL mode for concurrent readers alongside the queue writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %v", err)
	}

	m := &MeshDB{db: db}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// initSchema creates the database schema
func (m *MeshDB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS contacts (
		first_contact_id TEXT PRIMARY KEY,
		durable_id TEXT,
		display_name TEXT NOT NULL DEFAULT '',
		trust_tier INTEGER NOT NULL DEFAULT 0,
		is_favorite INTEGER NOT NULL DEFAULT 0,
		static_key TEXT NOT NULL DEFAULT '',
		added_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL DEFAULT 0
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_durable
		ON contacts(durable_id) WHERE durable_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS queued_messages (
		message_id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content BLOB NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		is_relay INTEGER NOT NULL DEFAULT 0,
		original_sender TEXT NOT NULL DEFAULT '',
		final_recipient TEXT NOT NULL DEFAULT '',
		hop_count INTEGER NOT NULL DEFAULT 0,
		ttl INTEGER NOT NULL DEFAULT 0,
		message_hash TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		queued_at INTEGER NOT NULL,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		fail_reason TEXT NOT NULL DEFAULT ''
	);

	-- Queue scans by recipient and by due time
	CREATE INDEX IF NOT EXISTS idx_queue_recipient ON queued_messages(recipient_id, status);
	CREATE INDEX IF NOT EXISTS idx_queue_due ON queued_messages(status, next_attempt_at);
	`

	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %v", err)
	}
	return nil
}

// Close closes the database connection
func (m *MeshDB) Close() error {
	return m.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}
