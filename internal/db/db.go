package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fenhl/github-timeline/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DB represents the sync ledger database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite allows a single writer; parallel repositories share this connection
	db.SetMaxOpenConns(1)

	return &DB{DB: db}, nil
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		full_name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		repository TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		succeeded BOOLEAN NOT NULL,
		issues INTEGER NOT NULL DEFAULT 0,
		data_points INTEGER NOT NULL DEFAULT 0,
		cache_hits INTEGER NOT NULL DEFAULT 0,
		cache_misses INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		FOREIGN KEY (repository) REFERENCES repositories(full_name)
	);

	CREATE INDEX IF NOT EXISTS idx_sync_runs_repository ON sync_runs(repository, finished_at);

	CREATE TABLE IF NOT EXISTS sync_metadata (
		repository TEXT PRIMARY KEY,
		last_sync_time TIMESTAMP NOT NULL
	);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// SaveRepository saves a repository to the database
func (db *DB) SaveRepository(repo models.Repository) error {
	query := `
	INSERT INTO repositories (owner, name, full_name)
	VALUES (?, ?, ?)
	ON CONFLICT(full_name) DO UPDATE SET
		owner = excluded.owner,
		name = excluded.name
	`

	_, err := db.Exec(query, repo.Owner, repo.Name, repo.FullName())
	if err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}

	return nil
}

// RecordRun stores the outcome of a repository run. A successful run also
// advances the repository's last sync time. An empty run ID is replaced
// with a new UUID.
func (db *DB) RecordRun(run *models.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var errMsg sql.NullString
	if run.Error != "" {
		errMsg = sql.NullString{String: run.Error, Valid: true}
	}

	_, err = tx.Exec(`
	INSERT INTO sync_runs (id, repository, started_at, finished_at, succeeded, issues, data_points, cache_hits, cache_misses, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Repository,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
		run.Succeeded,
		run.Issues,
		run.DataPoints,
		run.CacheHits,
		run.CacheMisses,
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}

	if run.Succeeded {
		_, err = tx.Exec(`
		INSERT INTO sync_metadata (repository, last_sync_time)
		VALUES (?, ?)
		ON CONFLICT(repository) DO UPDATE SET
			last_sync_time = excluded.last_sync_time
		`, run.Repository, run.FinishedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to update last sync time: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync run: %w", err)
	}

	return nil
}

// GetLastSyncTime gets the last successful sync time for a repository
func (db *DB) GetLastSyncTime(repoFullName string) (time.Time, error) {
	var lastSyncTime time.Time
	query := `SELECT last_sync_time FROM sync_metadata WHERE repository = ?`

	err := db.QueryRow(query, repoFullName).Scan(&lastSyncTime)
	if err != nil {
		if err == sql.ErrNoRows {
			// If no sync metadata exists, return zero time
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last sync time: %w", err)
	}

	return lastSyncTime, nil
}

// GetLastRun gets the most recent run of a repository, or nil if it never ran
func (db *DB) GetLastRun(repoFullName string) (*models.SyncRun, error) {
	query := `
	SELECT id, repository, started_at, finished_at, succeeded, issues, data_points, cache_hits, cache_misses, error
	FROM sync_runs
	WHERE repository = ?
	ORDER BY finished_at DESC
	LIMIT 1
	`

	var run models.SyncRun
	var errMsg sql.NullString
	err := db.QueryRow(query, repoFullName).Scan(
		&run.ID,
		&run.Repository,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Succeeded,
		&run.Issues,
		&run.DataPoints,
		&run.CacheHits,
		&run.CacheMisses,
		&errMsg,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last run: %w", err)
	}
	run.Error = errMsg.String

	return &run, nil
}

// ListStatus gets the sync status of every known repository, ordered by name
func (db *DB) ListStatus() ([]models.SyncStatus, error) {
	rows, err := db.Query(`
	SELECT r.full_name, m.last_sync_time
	FROM repositories r
	LEFT JOIN sync_metadata m ON m.repository = r.full_name
	ORDER BY r.full_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer rows.Close()

	var statuses []models.SyncStatus
	for rows.Next() {
		var status models.SyncStatus
		var lastSync sql.NullTime
		if err := rows.Scan(&status.Repository, &lastSync); err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		status.LastSyncTime = lastSync.Time
		statuses = append(statuses, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}

	for i := range statuses {
		run, err := db.GetLastRun(statuses[i].Repository)
		if err != nil {
			return nil, err
		}
		statuses[i].LastRun = run
	}

	return statuses, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
