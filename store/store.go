// Package store provides the SQLite run log for podcaster.
//
// The run log archives sync reports for the status command. It is never
// consulted when planning downloads: deduplication is by file existence only.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robertmeta/podcaster/model"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run ID is not in the log.
var ErrRunNotFound = errors.New("run not found")

// Store manages the SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path.
// Use ":memory:" for an in-memory database (useful for testing).
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives and dies with its connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}

	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// createSchema creates the database tables and indexes.
func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started INTEGER NOT NULL,
		finished INTEGER NOT NULL,
		dry_run INTEGER DEFAULT 0,
		feeds INTEGER NOT NULL,
		failed_feeds INTEGER NOT NULL,
		planned INTEGER NOT NULL,
		downloaded INTEGER NOT NULL,
		failed_downloads INTEGER NOT NULL,
		total_size INTEGER NOT NULL,
		partial INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		podcast TEXT,
		guid TEXT,
		url TEXT NOT NULL,
		file_path TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		error TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS fetch_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		feed_url TEXT NOT NULL,
		error TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started DESC);
	CREATE INDEX IF NOT EXISTS idx_downloads_run_id ON downloads(run_id);
	CREATE INDEX IF NOT EXISTS idx_fetch_failures_run_id ON fetch_failures(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Summarize condenses a report into the row stored in the runs table.
func Summarize(r *model.Report) *model.RunSummary {
	summary := &model.RunSummary{
		ID:          r.RunID,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		DryRun:      r.DryRun,
		Feeds:       len(r.Fetches),
		FailedFeeds: len(r.FailedFetches()),
	}
	if r.Plan != nil {
		summary.Planned = len(r.Plan.Tasks)
		summary.TotalSize = r.Plan.TotalSize
		summary.Partial = r.Plan.Partial
	}
	for _, d := range r.Downloads {
		if d.Failed() {
			summary.FailedDownloads++
		} else {
			summary.Downloaded++
		}
	}
	return summary
}

// SaveRun archives a report together with its download outcomes and feed
// failures in a single transaction.
func (s *Store) SaveRun(r *model.Report) error {
	if r.RunID == "" {
		return errors.New("run ID is required")
	}
	summary := Summarize(r)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (id, started, finished, dry_run, feeds, failed_feeds, planned, downloaded, failed_downloads, total_size, partial)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.StartedAt.Unix(), summary.FinishedAt.Unix(), boolToInt(summary.DryRun),
		summary.Feeds, summary.FailedFeeds, summary.Planned, summary.Downloaded, summary.FailedDownloads,
		summary.TotalSize, boolToInt(summary.Partial),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, d := range r.Downloads {
		var errText sql.NullString
		if d.Err != nil {
			errText = sql.NullString{String: d.Err.Error(), Valid: true}
		}
		url := ""
		if d.Task.URL != nil {
			url = d.Task.URL.String()
		}
		_, err := tx.Exec(
			"INSERT INTO downloads (run_id, podcast, guid, url, file_path, bytes, error) VALUES (?, ?, ?, ?, ?, ?, ?)",
			r.RunID, d.Task.Podcast, d.Task.GUID, url, d.Task.FilePath, d.Bytes, errText,
		)
		if err != nil {
			return fmt.Errorf("failed to insert download: %w", err)
		}
	}

	for _, f := range r.FailedFetches() {
		_, err := tx.Exec(
			"INSERT INTO fetch_failures (run_id, feed_url, error) VALUES (?, ?, ?)",
			r.RunID, f.Subscription.FeedURL, f.Err.Error(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert fetch failure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = "id, started, finished, dry_run, feeds, failed_feeds, planned, downloaded, failed_downloads, total_size, partial"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*model.RunSummary, error) {
	run := &model.RunSummary{}
	var started, finished int64
	var dryRun, partial int

	err := row.Scan(&run.ID, &started, &finished, &dryRun, &run.Feeds, &run.FailedFeeds,
		&run.Planned, &run.Downloaded, &run.FailedDownloads, &run.TotalSize, &partial)
	if err != nil {
		return nil, err
	}

	run.StartedAt = unixToTime(started)
	run.FinishedAt = unixToTime(finished)
	run.DryRun = intToBool(dryRun)
	run.Partial = intToBool(partial)
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*model.RunSummary, error) {
	run, err := scanRun(s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRuns retrieves runs, newest first, with optional filtering and pagination.
func (s *Store) GetRuns(opts QueryOptions) ([]*model.RunSummary, error) {
	query, args := runsQuery(opts)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// GetDownloads retrieves the download records of a run in execution order.
func (s *Store) GetDownloads(runID string) ([]*model.DownloadRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, run_id, podcast, guid, url, file_path, bytes, error FROM downloads WHERE run_id = ? ORDER BY id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var records []*model.DownloadRecord
	for rows.Next() {
		rec := &model.DownloadRecord{}
		var errText sql.NullString
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Podcast, &rec.GUID, &rec.URL, &rec.FilePath, &rec.Bytes, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		rec.Error = errText.String
		records = append(records, rec)
	}

	return records, rows.Err()
}

// GetFetchFailures retrieves the feeds that failed during a run.
func (s *Store) GetFetchFailures(runID string) ([]*model.FetchFailure, error) {
	rows, err := s.db.Query(
		"SELECT run_id, feed_url, error FROM fetch_failures WHERE run_id = ? ORDER BY id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fetch failures: %w", err)
	}
	defer rows.Close()

	var failures []*model.FetchFailure
	for rows.Next() {
		f := &model.FetchFailure{}
		if err := rows.Scan(&f.RunID, &f.FeedURL, &f.Error); err != nil {
			return nil, fmt.Errorf("failed to scan fetch failure: %w", err)
		}
		failures = append(failures, f)
	}

	return failures, rows.Err()
}

// DeleteRunsBefore removes runs that started before cutoff and returns how
// many were removed.
func (s *Store) DeleteRunsBefore(cutoff time.Time) (int64, error) {
	unix := cutoff.Unix()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Foreign keys are off by default in SQLite, so children go first.
	for _, table := range []string{"downloads", "fetch_failures"} {
		_, err := tx.Exec("DELETE FROM "+table+" WHERE run_id IN (SELECT id FROM runs WHERE started < ?)", unix)
		if err != nil {
			return 0, fmt.Errorf("failed to delete %s: %w", table, err)
		}
	}

	result, err := tx.Exec("DELETE FROM runs WHERE started < ?", unix)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return n, nil
}

// Helper functions for boolean<->int conversion (SQLite doesn't have BOOLEAN type)
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intToBool(i int) bool {
	return i != 0
}

// Helper to convert Unix timestamp to time.Time
func unixToTime(unix int64) time.Time {
	return time.Unix(unix, 0)
}
