package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"stackforge/pkg/logx"
)

// Store is the orchestrator's state store: a single SQLite database
// accessed through one writer connection, following the single-writer
// rule SQLite imposes under WAL mode.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if necessary) the SQLite database at dbPath,
// applies pending migrations, and returns a ready Store.
func Open(dbPath string) (*Store, error) {
	logger := logx.NewLogger("store")

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	// SQLite allows only one writer at a time; routing every connection
	// through a single pooled conn avoids SQLITE_BUSY under WAL mode
	// rather than relying on the busy timeout to paper over contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger.Info("state store opened: %s (schema v%d)", dbPath, CurrentSchemaVersion)

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// DB exposes the underlying connection for packages (metrics, admin
// diagnostics) that need direct read-only access beyond the typed
// operations below.
func (s *Store) DB() *sql.DB {
	return s.db
}
