package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ioai/ioai/internal/llm"
	_ "modernc.org/sqlite"
)

// Config controls tab persistence.
type Config struct {
	Enabled bool
	Path    string // Database file; empty selects the data directory default
}

// DefaultConfig enables persistence at the default path.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// Saver persists snapshots of the tab store.
type Saver interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, error)
	Close() error
}

// NewSaver returns a SQLite saver, or a NoopSaver when persistence is off.
func NewSaver(cfg Config) (Saver, error) {
	if !cfg.Enabled {
		return NoopSaver{}, nil
	}
	return NewSQLiteStore(cfg)
}

// GetDBPath returns the default database location under XDG_DATA_HOME.
func GetDBPath() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "ioai", "sessions.db"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".local", "share", "ioai", "sessions.db"), nil
}

// SQLiteStore persists tab snapshots using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Schema for the tabs database.
const schema = `
CREATE TABLE IF NOT EXISTS tabs (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    position INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    tab_id TEXT NOT NULL REFERENCES tabs(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sequence INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_tab_id ON messages(tab_id, sequence);

-- Metadata table for the active tab
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT
);
`

// NewSQLiteStore opens (and creates if needed) the tabs database.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	dbPath := cfg.Path
	if dbPath == "" {
		var err error
		dbPath, err = GetDBPath()
		if err != nil {
			return nil, fmt.Errorf("get db path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Initialize schema and run migrations
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// schemaVersion is the current schema version.
// - Fresh databases get the full schema from `schema` const and start at this version
// - Existing databases run migrations to reach this version
// Increment when adding new migrations.
const schemaVersion = 1

// migration represents a schema migration.
type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

// migrations upgrade databases created before a schema change. The base
// `schema` const always contains the full current schema.
var migrations []migration

// initSchema initializes the database schema and runs any pending migrations.
// Optimized for the common case: schema already current = single SELECT query.
func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}
	return initSchemaFull(db, err, currentVersion)
}

// initSchemaFull handles schema creation and migrations.
func initSchemaFull(db *sql.DB, versionErr error, currentVersion int) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if versionErr != nil && (versionErr == sql.ErrNoRows || strings.Contains(versionErr.Error(), "no such table")) {
		// Fresh DB - schema already has all columns, start at latest
		currentVersion = schemaVersion
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
	} else if versionErr != nil {
		return fmt.Errorf("get current version: %w", versionErr)
	}

	for _, m := range migrations {
		if m.version > currentVersion {
			if err := m.up(db); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
			}
			if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
				return fmt.Errorf("update version to %d: %w", m.version, err)
			}
		}
	}

	return nil
}

// Save replaces the stored tabs with snap in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	// Foreign key cascade handles messages
	if _, err := tx.ExecContext(ctx, "DELETE FROM tabs"); err != nil {
		return fmt.Errorf("clear tabs: %w", err)
	}

	tabStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tabs (id, title, provider, model, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare tab insert: %w", err)
	}
	defer tabStmt.Close()

	msgStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, tab_id, role, content, created_at, sequence)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer msgStmt.Close()

	for pos, tab := range snap.Tabs {
		if _, err := tabStmt.ExecContext(ctx, tab.ID, tab.Title, string(tab.Provider), tab.Model,
			pos, tab.CreatedAt, tab.UpdatedAt); err != nil {
			return fmt.Errorf("insert tab %s: %w", tab.ID, err)
		}
		for seq, msg := range tab.Messages {
			createdAt := msg.CreatedAt
			if createdAt.IsZero() {
				createdAt = tab.UpdatedAt
			}
			if _, err := msgStmt.ExecContext(ctx, msg.ID, tab.ID, string(msg.Role), msg.Content,
				createdAt, seq); err != nil {
				return fmt.Errorf("insert message %s: %w", msg.ID, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('active_tab', ?)`,
		nullString(snap.ActiveID)); err != nil {
		return fmt.Errorf("store active tab: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Load reads the stored tabs in display order.
func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, provider, model, created_at, updated_at
		FROM tabs ORDER BY position ASC, created_at ASC`)
	if err != nil {
		return snap, fmt.Errorf("query tabs: %w", err)
	}
	index := map[string]int{}
	for rows.Next() {
		var tab Tab
		var provider string
		if err := rows.Scan(&tab.ID, &tab.Title, &provider, &tab.Model, &tab.CreatedAt, &tab.UpdatedAt); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan tab: %w", err)
		}
		tab.Provider = llm.ProviderID(provider)
		tab.Messages = []Message{}
		index[tab.ID] = len(snap.Tabs)
		snap.Tabs = append(snap.Tabs, tab)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("iterate tabs: %w", err)
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT id, tab_id, role, content, created_at
		FROM messages ORDER BY tab_id, sequence ASC`)
	if err != nil {
		return snap, fmt.Errorf("query messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var msg Message
		var tabID, role string
		var createdAt time.Time
		if err := msgRows.Scan(&msg.ID, &tabID, &role, &msg.Content, &createdAt); err != nil {
			return snap, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = llm.Role(role)
		msg.CreatedAt = createdAt
		if i, ok := index[tabID]; ok {
			snap.Tabs[i].Messages = append(snap.Tabs[i].Messages, msg)
		}
	}
	if err := msgRows.Err(); err != nil {
		return snap, fmt.Errorf("iterate messages: %w", err)
	}

	var active sql.NullString
	err = s.db.QueryRowContext(ctx,
		"SELECT value FROM metadata WHERE key = 'active_tab'").Scan(&active)
	if err != nil && err != sql.ErrNoRows {
		return snap, fmt.Errorf("load active tab: %w", err)
	}
	if active.Valid {
		snap.ActiveID = active.String
	}
	return snap, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to NULL for database storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
