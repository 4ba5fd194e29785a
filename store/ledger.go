// Package store keeps an SQLite ledger of crawl runs and their fetches.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/aluiziolira/go-scrape-cards/models"
)

// ErrRunNotFound is returned when a run id has no ledger entry.
var ErrRunNotFound = errors.New("store: run not found")

// Ledger records runs and fetch results in one SQLite file.
type Ledger struct {
	db   *sql.DB
	path string
}

// FetchRecord is one stored fetch result.
type FetchRecord struct {
	ID         int64
	RunID      string
	URL        string
	FinalURL   string
	Kind       models.ContentKind
	Outcome    string
	ErrorKind  string
	Error      string
	Attempts   int
	Relevance  *int
	TextLength int
	FetchedAt  time.Time
}

// RunRecord is one stored run.
type RunRecord struct {
	RunID        string
	StartURL     string
	State        string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Completeness float64
	ErrorsJSON   string
	Fatal        string
}

// Open opens or creates the ledger at path, creating parent directories.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	l := &Ledger{db: db, path: path}
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := l.createTables(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		start_url TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		completeness REAL DEFAULT 0,
		errors_json TEXT,
		fatal TEXT
	);

	CREATE TABLE IF NOT EXISTS fetches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(run_id),
		url TEXT NOT NULL,
		final_url TEXT,
		kind TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error_kind TEXT,
		error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		relevance INTEGER,
		text_length INTEGER NOT NULL DEFAULT 0,
		fetched_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fetches_run ON fetches(run_id);
	CREATE INDEX IF NOT EXISTS idx_fetches_url ON fetches(url);
	`
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

// BeginRun inserts a run in its initial state.
func (l *Ledger) BeginRun(ctx context.Context, runID, startURL string, started time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, start_url, state, started_at) VALUES (?, ?, ?, ?)`,
		runID, startURL, "running", formatTime(started),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordFetch appends one fetch result to the run.
func (l *Ledger) RecordFetch(ctx context.Context, runID string, result *models.FetchResult) error {
	if result == nil {
		return nil
	}

	var errText string
	if result.Err != nil {
		errText = result.Err.Error()
	}
	var relevance sql.NullInt64
	if result.RelevanceScore != nil {
		relevance = sql.NullInt64{Int64: int64(*result.RelevanceScore), Valid: true}
	}
	fetchedAt := result.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
	INSERT INTO fetches (run_id, url, final_url, kind, outcome, error_kind, error, attempts, relevance, text_length, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, result.URL, result.FinalURL, string(result.Kind), result.Outcome.String(),
		result.ErrorKind, errText, result.Attempts, relevance, len(result.Text), formatTime(fetchedAt),
	)
	if err != nil {
		return fmt.Errorf("insert fetch: %w", err)
	}
	return nil
}

// FinishRun stores the final state of a run.
func (l *Ledger) FinishRun(ctx context.Context, result *models.RunResult) error {
	errorsJSON, err := json.Marshal(result.Errors)
	if err != nil {
		return fmt.Errorf("serialize error stats: %w", err)
	}
	var fatal string
	if result.FatalErr != nil {
		fatal = result.FatalErr.Error()
	}
	finished := result.EndTime
	if finished.IsZero() {
		finished = time.Now()
	}

	res, err := l.db.ExecContext(ctx, `
	UPDATE runs SET state = ?, finished_at = ?, completeness = ?, errors_json = ?, fatal = ?
	WHERE run_id = ?`,
		result.State, formatTime(finished), result.Completeness.Percentage, string(errorsJSON), fatal, result.RunID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Run loads one run.
func (l *Ledger) Run(ctx context.Context, runID string) (*RunRecord, error) {
	var (
		rec        RunRecord
		started    string
		finished   sql.NullString
		errorsJSON sql.NullString
		fatal      sql.NullString
	)
	err := l.db.QueryRowContext(ctx, `
	SELECT run_id, start_url, state, started_at, finished_at, completeness, errors_json, fatal
	FROM runs WHERE run_id = ?`, runID,
	).Scan(&rec.RunID, &rec.StartURL, &rec.State, &started, &finished, &rec.Completeness, &errorsJSON, &fatal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	rec.StartedAt = parseTime(started)
	if finished.Valid {
		t := parseTime(finished.String)
		rec.FinishedAt = &t
	}
	rec.ErrorsJSON = errorsJSON.String
	rec.Fatal = fatal.String
	return &rec, nil
}

// Fetches lists the fetches of a run in insertion order.
func (l *Ledger) Fetches(ctx context.Context, runID string) ([]FetchRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
	SELECT id, run_id, url, final_url, kind, outcome, error_kind, error, attempts, relevance, text_length, fetched_at
	FROM fetches WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query fetches: %w", err)
	}
	defer rows.Close()

	var out []FetchRecord
	for rows.Next() {
		var (
			rec       FetchRecord
			finalURL  sql.NullString
			kind      string
			errorKind sql.NullString
			errText   sql.NullString
			relevance sql.NullInt64
			fetchedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.URL, &finalURL, &kind, &rec.Outcome,
			&errorKind, &errText, &rec.Attempts, &relevance, &rec.TextLength, &fetchedAt); err != nil {
			return nil, fmt.Errorf("scan fetch: %w", err)
		}
		rec.FinalURL = finalURL.String
		rec.Kind = models.ContentKind(kind)
		rec.ErrorKind = errorKind.String
		rec.Error = errText.String
		if relevance.Valid {
			v := int(relevance.Int64)
			rec.Relevance = &v
		}
		rec.FetchedAt = parseTime(fetchedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fetches: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
