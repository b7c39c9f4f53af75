package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Database wraps the sqlx.DB connection.
type Database struct {
	*sqlx.DB
}

// schema defines the database tables. Every table carries the session
// name in its key so sessions never see each other's rows.
const schema = `
CREATE TABLE IF NOT EXISTS settings (
    session TEXT PRIMARY KEY,
    enabled INTEGER NOT NULL DEFAULT 0,
    threshold INTEGER NOT NULL DEFAULT 10,
    text_message TEXT NOT NULL DEFAULT '',
    send_to_all INTEGER NOT NULL DEFAULT 1,
    selected_groups TEXT NOT NULL DEFAULT '[]',
    image_path TEXT NOT NULL DEFAULT '',
    audio_path TEXT NOT NULL DEFAULT '',
    video_path TEXT NOT NULL DEFAULT '',
    random_mode INTEGER NOT NULL DEFAULT 0,
    global_template_id INTEGER,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS group_counters (
    session TEXT NOT NULL,
    group_id TEXT NOT NULL,
    group_name TEXT NOT NULL DEFAULT '',
    count INTEGER NOT NULL DEFAULT 0,
    last_reset DATETIME,
    last_sent DATETIME,
    PRIMARY KEY (session, group_id)
);

CREATE TABLE IF NOT EXISTS group_presets (
    session TEXT NOT NULL,
    group_id TEXT NOT NULL,
    enabled INTEGER,
    threshold INTEGER,
    cooldown_sec INTEGER,
    rotate_index INTEGER NOT NULL DEFAULT 0,
    template_id INTEGER,
    messages TEXT NOT NULL DEFAULT '[]',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (session, group_id)
);

CREATE TABLE IF NOT EXISTS templates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session TEXT NOT NULL,
    name TEXT NOT NULL,
    text TEXT NOT NULL DEFAULT '',
    image_path TEXT NOT NULL DEFAULT '',
    audio_path TEXT NOT NULL DEFAULT '',
    video_path TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_group_counters_name ON group_counters(session, group_name);
CREATE INDEX IF NOT EXISTS idx_group_presets_template ON group_presets(session, template_id);
CREATE INDEX IF NOT EXISTS idx_templates_session ON templates(session);
`

// NewDatabase creates a new database connection and initializes the schema.
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One writer at a time; transactions must only use their own handle.
	db.SetMaxOpenConns(1)

	// Initialize schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Database{DB: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.DB.Close()
}

// Store is the persistence layer shared by all sessions. Callers obtain a
// SessionStore for the session they work on; nothing on Store itself reads
// or writes domain rows.
type Store struct {
	db  *Database
	now func() time.Time
}

// NewStore creates a store on top of an open database.
func NewStore(db *Database) *Store {
	return &Store{db: db, now: time.Now}
}

// ForSession returns the view of the store scoped to one session.
func (s *Store) ForSession(session string) *SessionStore {
	return &SessionStore{db: s.db, session: session, now: s.now}
}

// SessionStore handles the rows of a single session.
type SessionStore struct {
	db      *Database
	session string
	now     func() time.Time
}

// Session returns the session name this store is scoped to.
func (s *SessionStore) Session() string {
	return s.session
}
