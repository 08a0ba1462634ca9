package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrCorrupt marks an unrecoverable local database failure. Callers must
// surface it prominently and halt sync for the affected account.
var ErrCorrupt = errors.New("local store corrupted")

// Store is the local persistence layer: accounts, folders, messages,
// attachment byte cache, contacts, and the outbound action queue.
type Store struct {
	db     *sqlx.DB
	logger *logrus.Logger

	// attachmentBudget bounds the total bytes of cached attachment
	// content; 0 disables eviction.
	attachmentBudget int64
}

// Open opens (or creates) the cache database at dbPath, enables WAL mode
// and foreign keys, and initializes the schema.
func Open(dbPath string, attachmentBudget int64, logger *logrus.Logger) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{
		db:               db,
		logger:           logger,
		attachmentBudget: attachmentBudget,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", dbPath).Info("Local store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// dbErr wraps a database error, promoting sqlite corruption reports to
// ErrCorrupt so they are never mistaken for transient failures.
func dbErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "database disk image is malformed") ||
		strings.Contains(msg, "file is not a database") {
		return fmt.Errorf("%s: %w: %v", op, ErrCorrupt, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
