// Package runledger persists one row per detached run so operators can
// see what was scheduled, where the snapshot lives, and how it ended.
package runledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ferry-ci/ferry/internal/run"
	"github.com/ferry-ci/ferry/internal/transfer"
)

var ErrNotFound = errors.New("run record not found")

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	createRunsTableQuery = `CREATE TABLE IF NOT EXISTS detached_runs (
		run_id         UUID PRIMARY KEY,
		build_id       TEXT NOT NULL,
		blob_key       TEXT NOT NULL,
		workdir_url    TEXT NOT NULL,
		url_expires_at TIMESTAMPTZ NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		finished_at    TIMESTAMPTZ,
		exit_code      INTEGER,
		problem        TEXT
	)`

	createBuildIndexQuery = `CREATE INDEX IF NOT EXISTS detached_runs_build_id_idx
	 ON detached_runs (build_id)`

	insertRunQuery = `INSERT INTO detached_runs (
		run_id,
		build_id,
		blob_key,
		workdir_url,
		url_expires_at,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6)
	RETURNING run_id`

	markFinishedQuery = `UPDATE detached_runs
	 SET finished_at = $2, exit_code = $3, problem = $4
	 WHERE run_id = $1`

	selectRunQuery = `SELECT run_id, build_id, blob_key, workdir_url, url_expires_at, created_at, finished_at, exit_code, problem
	 FROM detached_runs
	 WHERE run_id = $1`
)

// Record is one detached run. The nullable columns stay unset until
// MarkFinished.
type Record struct {
	ID           string
	BuildID      string
	BlobKey      string
	WorkdirURL   string
	URLExpiresAt time.Time
	CreatedAt    time.Time
	FinishedAt   sql.NullTime
	ExitCode     sql.NullInt64
	Problem      sql.NullString
}

func (r Record) Validate() error {
	if strings.TrimSpace(r.BuildID) == "" {
		return errors.New("build id is required")
	}
	if strings.TrimSpace(r.BlobKey) == "" {
		return errors.New("blob key is required")
	}
	if strings.TrimSpace(r.WorkdirURL) == "" {
		return errors.New("workdir url is required")
	}
	if r.URLExpiresAt.IsZero() {
		return errors.New("url expiry is required")
	}
	return nil
}

type Ledger struct {
	db DB
}

func New(db DB) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, createRunsTableQuery); err != nil {
		return fmt.Errorf("create detached_runs: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, createBuildIndexQuery); err != nil {
		return fmt.Errorf("create build index: %w", err)
	}
	return nil
}

func (l *Ledger) Insert(ctx context.Context, rec Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(rec.ID) == "" {
		rec.ID = uuid.NewString()
	}

	var id string
	err := l.db.QueryRowContext(
		ctx,
		insertRunQuery,
		rec.ID,
		strings.TrimSpace(rec.BuildID),
		strings.TrimSpace(rec.BlobKey),
		strings.TrimSpace(rec.WorkdirURL),
		rec.URLExpiresAt.UTC(),
		normalizeTime(rec.CreatedAt),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert run record: %w", err)
	}
	return id, nil
}

func (l *Ledger) MarkFinished(ctx context.Context, id string, exitCode int, problem string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("run id is required")
	}

	var problemCol sql.NullString
	if strings.TrimSpace(problem) != "" {
		problemCol = sql.NullString{String: strings.TrimSpace(problem), Valid: true}
	}

	res, err := l.db.ExecContext(
		ctx,
		markFinishedQuery,
		id,
		time.Now().UTC(),
		sql.NullInt64{Int64: int64(exitCode), Valid: true},
		problemCol,
	)
	if err != nil {
		return fmt.Errorf("mark run finished: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark run finished: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, id string) (Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, errors.New("run id is required")
	}

	var rec Record
	row := l.db.QueryRowContext(ctx, selectRunQuery, id)
	err := row.Scan(
		&rec.ID,
		&rec.BuildID,
		&rec.BlobKey,
		&rec.WorkdirURL,
		&rec.URLExpiresAt,
		&rec.CreatedAt,
		&rec.FinishedAt,
		&rec.ExitCode,
		&rec.Problem,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get run record: %w", err)
	}
	return rec, nil
}

// RecordDetached adapts the ledger to the detach side: one insert per
// successful snapshot upload.
func (l *Ledger) RecordDetached(ctx context.Context, d run.Details, up transfer.Upload) (string, error) {
	return l.Insert(ctx, Record{
		BuildID:      d.BuildID,
		BlobKey:      up.Key,
		WorkdirURL:   up.URL,
		URLExpiresAt: up.ExpiresAt,
		CreatedAt:    up.GeneratedAt,
	})
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
