package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/goodtune/ktrack/internal/storage"
	_ "modernc.org/sqlite"
)

// Store implements storage.Store on top of a single SQLite database file.
type Store struct {
	db         *sql.DB
	sessions   *sessionStore
	rules      *privacyRuleStore
	categories *categoryStore
}

// Open creates a new database connection and runs migrations.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := storage.EnsureParentDir(dbPath); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; pragmas below apply to this one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:         db,
		sessions:   &sessionStore{db: db},
		rules:      &privacyRuleStore{db: db},
		categories: &categoryStore{db: db},
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Sessions returns the SessionStore implementation.
func (s *Store) Sessions() storage.SessionStore {
	return s.sessions
}

// PrivacyRules returns the PrivacyRuleStore implementation.
func (s *Store) PrivacyRules() storage.PrivacyRuleStore {
	return s.rules
}

// Categories returns the CategoryStore implementation.
func (s *Store) Categories() storage.CategoryStore {
	return s.categories
}

// runMigrations applies all database migrations
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

type migration struct {
	version int
	sql     string
}

// migrations must stay ordered by version.
var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE IF NOT EXISTS sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				start_ts INTEGER NOT NULL,
				end_ts INTEGER NOT NULL,
				app TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				source TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX IF NOT EXISTS idx_sessions_range ON sessions(start_ts, end_ts);
			CREATE INDEX IF NOT EXISTS idx_sessions_app ON sessions(app);
		`,
	},
	{
		version: 2,
		sql: `
			CREATE TABLE IF NOT EXISTS privacy_rules (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				scope TEXT NOT NULL,
				match_mode TEXT NOT NULL,
				pattern TEXT NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				updated_ts INTEGER NOT NULL,
				UNIQUE(scope, match_mode, pattern)
			);
		`,
	},
	{
		version: 3,
		sql: `
			CREATE TABLE IF NOT EXISTS app_categories (
				app TEXT PRIMARY KEY,
				category TEXT NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_sessions_end ON sessions(end_ts);
		`,
	},
}
