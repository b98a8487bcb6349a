// Package runstore records training and evaluation run status in SQLite.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("not found")

// Kind distinguishes training from evaluation runs.
type Kind string

const (
	KindTraining   Kind = "training"
	KindEvaluation Kind = "evaluation"
)

// Record is the persisted view of one run.
type Record struct {
	ID           string
	Kind         Kind
	Status       string
	Message      string
	ArtifactPath string
	// Metadata is the JSON-encoded run record, including degraded-condition counters.
	Metadata  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create database dir")
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "init schema")
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		artifact_path TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_kind_status ON runs(kind, status);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Record inserts or updates a run. CreatedAt is kept from the first write.
func (db *DB) Record(ctx context.Context, r Record) error {
	meta := r.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}
	now := time.Now().UTC()
	created := r.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
	INSERT INTO runs (id, kind, status, message, artifact_path, metadata, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		message = excluded.message,
		artifact_path = CASE WHEN excluded.artifact_path = '' THEN runs.artifact_path ELSE excluded.artifact_path END,
		metadata = excluded.metadata,
		updated_at = excluded.updated_at
	`
	_, err := db.conn.ExecContext(ctx, query,
		r.ID, string(r.Kind), r.Status, r.Message, r.ArtifactPath, string(meta), created, now)
	if err != nil {
		return errors.Wrapf(err, "record run %s", r.ID)
	}
	return nil
}

// Get returns the run with id.
func (db *DB) Get(ctx context.Context, id string) (*Record, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT id, kind, status, message, artifact_path, metadata, created_at, updated_at
	FROM runs WHERE id = ?`, id)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get run %s", id)
	}
	return r, nil
}

// List returns runs of kind, newest first. An empty kind lists all runs.
func (db *DB) List(ctx context.Context, kind Kind) ([]Record, error) {
	query := `
	SELECT id, kind, status, message, artifact_path, metadata, created_at, updated_at
	FROM runs WHERE (? = '' OR kind = ?) ORDER BY created_at DESC, id`
	rows, err := db.conn.QueryContext(ctx, query, string(kind), string(kind))
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	var kind, meta string
	if err := s.Scan(&r.ID, &kind, &r.Status, &r.Message, &r.ArtifactPath, &meta, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	r.Metadata = json.RawMessage(meta)
	return &r, nil
}
