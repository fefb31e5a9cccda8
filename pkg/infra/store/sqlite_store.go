package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements RunStore using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the tracking database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one writer; the tracking sink is the only client
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		project TEXT,
		entity TEXT,
		status TEXT NOT NULL,
		config TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

	CREATE TABLE IF NOT EXISTS metrics (
		run_id TEXT NOT NULL,
		step INTEGER NOT NULL,
		key TEXT NOT NULL,
		value REAL NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_run_key ON metrics(run_id, key, step);

	CREATE TABLE IF NOT EXISTS artifacts (
		run_id TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER DEFAULT 0,
		digest TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) CreateRun(ctx context.Context, r *Run) error {
	configJSON, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}

	query := `
		INSERT INTO runs (id, name, project, entity, status, config, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Name, r.Project, r.Entity, string(r.Status), string(configJSON),
		r.StartedAt.UnixMilli(), unixMilli(r.FinishedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %s", ErrRunExists, r.ID)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), at.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

const runColumns = `id, name, project, entity, status, config, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	r := &Run{}
	var status, configStr string
	var started, finished int64
	if err := row.Scan(&r.ID, &r.Name, &r.Project, &r.Entity, &status, &configStr, &started, &finished); err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	r.StartedAt = time.UnixMilli(started)
	if finished > 0 {
		r.FinishedAt = time.UnixMilli(finished)
	}
	if configStr != "" && configStr != "null" {
		if err := json.Unmarshal([]byte(configStr), &r.Config); err != nil {
			return nil, fmt.Errorf("decode run config: %w", err)
		}
	}
	return r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	whereClause := "1=1"
	args := []any{}

	if filter.Project != "" {
		whereClause += " AND project = ?"
		args = append(args, filter.Project)
	}
	if filter.Status != "" {
		whereClause += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY started_at DESC LIMIT ?`, runColumns, whereClause)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// AppendMetrics writes points in a single transaction.
func (s *SQLiteStore) AppendMetrics(ctx context.Context, points []MetricPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metrics (run_id, step, key, value, ts) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, p.RunID, p.Step, p.Key, p.Value, p.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("insert metric %s: %w", p.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metrics: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Metrics(ctx context.Context, runID, key string) ([]MetricPoint, error) {
	query := `SELECT run_id, step, key, value, ts FROM metrics WHERE run_id = ?`
	args := []any{runID}
	if key != "" {
		query += " AND key = ?"
		args = append(args, key)
	}
	query += " ORDER BY step ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var points []MetricPoint
	for rows.Next() {
		var p MetricPoint
		var ts int64
		if err := rows.Scan(&p.RunID, &p.Step, &p.Key, &p.Value, &ts); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		p.Timestamp = time.UnixMilli(ts)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *SQLiteStore) AddArtifact(ctx context.Context, a Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, path, size, digest, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.RunID, a.Path, a.Size, a.Digest, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Artifacts(ctx context.Context, runID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, path, size, digest, created_at FROM artifacts WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var created int64
		if err := rows.Scan(&a.RunID, &a.Path, &a.Size, &a.Digest, &created); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.CreatedAt = time.UnixMilli(created)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

var _ RunStore = (*SQLiteStore)(nil)
