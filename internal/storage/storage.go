package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store wraps SQLite-backed persistence for resources, templates,
// tasks and batches. SQLite runs single-writer (WAL, one connection),
// which is what serializes resource deletion against task pickup.
type Store struct {
	DB  *sql.DB
	clk clock.Clock
}

// New opens (or creates) the database at path and ensures schema.
// The clock is injected so expiry and staleness are testable.
func New(path string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{DB: db, clk: clk}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS resources (
            id TEXT PRIMARY KEY,
            storage_key TEXT NOT NULL,
            width INTEGER NOT NULL,
            height INTEGER NOT NULL,
            byte_size INTEGER NOT NULL,
            lifetime TEXT NOT NULL,
            expires_at TIMESTAMP,
            group_tag TEXT,
            role TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS source_pairs (
            id TEXT PRIMARY KEY,
            first_resource_id TEXT NOT NULL,
            second_resource_id TEXT NOT NULL,
            group_tag TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS templates (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            original_resource_id TEXT NOT NULL,
            preprocessing TEXT NOT NULL,
            faces_json TEXT NOT NULL DEFAULT '[]',
            masked_resource_id TEXT,
            error_detail TEXT,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS tasks (
            id TEXT PRIMARY KEY,
            batch_id TEXT,
            source_pair_id TEXT NOT NULL,
            template_id TEXT NOT NULL,
            mapping_json TEXT NOT NULL,
            state TEXT NOT NULL,
            progress INTEGER NOT NULL DEFAULT 0,
            result_resource_id TEXT,
            error_detail TEXT,
            created_at TIMESTAMP NOT NULL,
            started_at TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS batches (
            id TEXT PRIMARY KEY,
            source_pair_id TEXT NOT NULL,
            template_ids_json TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            completed_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_batch_id ON tasks(batch_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);`,
		`CREATE INDEX IF NOT EXISTS idx_resources_expiry ON resources(lifetime, expires_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func newID(prefix string) string {
	return prefix + "_" + fmt.Sprintf("%x", uuid.New())[:16]
}

// NewResourceID returns an externally stable resource id.
func NewResourceID() string { return newID("res") }

// NewPairID returns an externally stable source-pair id.
func NewPairID() string { return newID("pair") }

// NewTemplateID returns an externally stable template id.
func NewTemplateID() string { return newID("tpl") }

// NewTaskID returns an externally stable task id.
func NewTaskID() string { return newID("task") }

// NewBatchID returns an externally stable batch id.
func NewBatchID() string { return newID("batch") }

// ValidationError reports malformed or contradictory input. Always
// synchronous, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NotFoundError reports referenced ids that do not exist.
type NotFoundError struct {
	Kind string
	IDs  []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, strings.Join(e.IDs, ", "))
}

// ConflictError reports a destructive operation refused because the
// target is in active use. Callers retry later.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return e.Reason }

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
