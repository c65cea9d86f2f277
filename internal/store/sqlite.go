package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/feichai0017/book-translator/internal/models"
)

// DB is the SQLite-backed page record store. A single database file holds
// both page rows and batch job rows for a deployment; SQLite supports only
// one writer, which matches the pipeline's sequential write pattern.
type DB struct {
	db     *sql.DB
	dbPath string
}

// Options configures DB behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging so status reads don't block
	// pipeline writes.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates the page database at the specified directory.
func Open(dbDir string, opts Options) (*DB, error) {
	dbPath := filepath.Join(dbDir, "pages.db")

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("database not found at %s (use CreateIfNotExists option to create)", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check database path: %w", err)
		}
	} else {
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	var dsn string
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	} else {
		dsn = dbPath + "?mode=rw"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	pdb := &DB{
		db:     db,
		dbPath: dbPath,
	}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := pdb.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return pdb, nil
}

// Close closes the database connection.
func (pdb *DB) Close() error {
	return pdb.db.Close()
}

func (pdb *DB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		original_filename TEXT NOT NULL,
		text_fingerprint TEXT,
		extracted_text TEXT,
		translated_text_json TEXT,
		status TEXT DEFAULT 'pending',
		duplicate_of_id INTEGER REFERENCES pages(id),
		retry_count INTEGER DEFAULT 0,
		last_error TEXT,
		verification_passed BOOLEAN,
		verification_issues TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_pages_fingerprint ON pages(text_fingerprint);
	CREATE INDEX IF NOT EXISTS idx_pages_status ON pages(status);

	CREATE TABLE IF NOT EXISTS batch_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL UNIQUE,
		status TEXT DEFAULT 'pending',
		total_pages INTEGER,
		succeeded_pages INTEGER DEFAULT 0,
		failed_pages INTEGER DEFAULT 0,
		verify_enabled BOOLEAN DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_batch_jobs_job_id ON batch_jobs(job_id);
	`

	_, err := pdb.db.Exec(schema)
	return err
}

// RegisterPage inserts a new page row in 'processing' state and returns its id.
func (pdb *DB) RegisterPage(ctx context.Context, filename, fingerprint, extractedText string, pairs []models.TranslationPair) (int64, error) {
	pairsJSON, err := json.Marshal(pairs)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal translations: %w", err)
	}

	res, err := pdb.db.ExecContext(ctx,
		`INSERT INTO pages (original_filename, text_fingerprint, extracted_text, translated_text_json, status)
		 VALUES (?, ?, ?, ?, 'processing')`,
		filename, fingerprint, extractedText, string(pairsJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to register page: %w", err)
	}
	return res.LastInsertId()
}

// RecordDuplicate inserts a page row tagged as a duplicate of an earlier
// completed page. No extracted text is stored for duplicates.
func (pdb *DB) RecordDuplicate(ctx context.Context, filename, fingerprint string, duplicateOfID int64) (int64, error) {
	res, err := pdb.db.ExecContext(ctx,
		`INSERT INTO pages (original_filename, text_fingerprint, status, duplicate_of_id)
		 VALUES (?, ?, 'duplicate', ?)`,
		filename, fingerprint, duplicateOfID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record duplicate: %w", err)
	}
	return res.LastInsertId()
}

// MarkCompleted sets a terminal status (completed or needs_review) and the
// completion timestamp.
func (pdb *DB) MarkCompleted(ctx context.Context, pageID int64, status models.PageStatus) error {
	if status != models.PageStatusCompleted && status != models.PageStatusNeedsReview {
		return fmt.Errorf("invalid completion status: %s", status)
	}

	_, err := pdb.db.ExecContext(ctx,
		`UPDATE pages SET status = ?, completed_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), pageID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark page completed: %w", err)
	}
	return nil
}

// MarkFailed records a failure on a registered page and bumps its retry count.
func (pdb *DB) MarkFailed(ctx context.Context, pageID int64, errMsg string) error {
	_, err := pdb.db.ExecContext(ctx,
		`UPDATE pages SET status = 'failed', last_error = ?, retry_count = retry_count + 1 WHERE id = ?`,
		errMsg, pageID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark page failed: %w", err)
	}
	return nil
}

// LogError inserts a failed page row for a page that was never registered.
func (pdb *DB) LogError(ctx context.Context, filename, errMsg string) error {
	_, err := pdb.db.ExecContext(ctx,
		`INSERT INTO pages (original_filename, status, last_error) VALUES (?, 'failed', ?)`,
		filename, errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to log page error: %w", err)
	}
	return nil
}

// UpdateVerification stores the verification outcome for a page.
func (pdb *DB) UpdateVerification(ctx context.Context, pageID int64, passed bool, issues []string) error {
	var issuesJSON interface{}
	if len(issues) > 0 {
		data, err := json.Marshal(issues)
		if err != nil {
			return fmt.Errorf("failed to marshal issues: %w", err)
		}
		issuesJSON = string(data)
	}

	_, err := pdb.db.ExecContext(ctx,
		`UPDATE pages SET verification_passed = ?, verification_issues = ? WHERE id = ?`,
		passed, issuesJSON, pageID,
	)
	if err != nil {
		return fmt.Errorf("failed to update verification: %w", err)
	}
	return nil
}

// FindCompletedByFingerprint returns the id of the earliest completed page
// carrying the given fingerprint.
func (pdb *DB) FindCompletedByFingerprint(ctx context.Context, fingerprint string) (int64, bool, error) {
	var id int64
	err := pdb.db.QueryRowContext(ctx,
		`SELECT id FROM pages WHERE text_fingerprint = ? AND status = 'completed' ORDER BY id LIMIT 1`,
		fingerprint,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query fingerprint: %w", err)
	}
	return id, true, nil
}

// GetPage fetches one page row with its translations and verification.
func (pdb *DB) GetPage(ctx context.Context, pageID int64) (*models.Page, error) {
	row := pdb.db.QueryRowContext(ctx,
		`SELECT id, original_filename, COALESCE(text_fingerprint, ''), COALESCE(extracted_text, ''),
		        COALESCE(translated_text_json, '[]'), status, duplicate_of_id, retry_count,
		        COALESCE(last_error, ''), verification_passed, COALESCE(verification_issues, '[]'),
		        created_at, completed_at
		 FROM pages WHERE id = ?`,
		pageID,
	)

	var page models.Page
	var status, pairsJSON, issuesJSON, createdAt string
	var dupOfID sql.NullInt64
	var verPassed sql.NullBool
	var completedAt sql.NullString
	err := row.Scan(&page.ID, &page.Filename, &page.Fingerprint, &page.ExtractedText,
		&pairsJSON, &status, &dupOfID, &page.RetryCount, &page.LastError,
		&verPassed, &issuesJSON, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page: %w", err)
	}

	page.Status = models.PageStatus(status)
	if err := json.Unmarshal([]byte(pairsJSON), &page.Translations); err != nil {
		page.Translations = nil
	}
	if dupOfID.Valid {
		page.DuplicateOfID = &dupOfID.Int64
	}
	if verPassed.Valid {
		v := &models.Verification{Passed: verPassed.Bool}
		if err := json.Unmarshal([]byte(issuesJSON), &v.Issues); err != nil {
			v.Issues = nil
		}
		page.Verification = v
	}
	page.CreatedAt = parseTimestamp(createdAt)
	if completedAt.Valid {
		t := parseTimestamp(completedAt.String)
		page.CompletedAt = &t
	}
	return &page, nil
}

// FailedPages lists all pages with status failed together with their errors.
func (pdb *DB) FailedPages(ctx context.Context) ([]PageFailure, error) {
	rows, err := pdb.db.QueryContext(ctx,
		`SELECT original_filename, COALESCE(last_error, '') FROM pages WHERE status = 'failed' ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed pages: %w", err)
	}
	defer rows.Close()

	var failures []PageFailure
	for rows.Next() {
		var f PageFailure
		if err := rows.Scan(&f.Filename, &f.Error); err != nil {
			return nil, fmt.Errorf("failed to scan failed page: %w", err)
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// ReviewPages lists all pages whose verification failed.
func (pdb *DB) ReviewPages(ctx context.Context) ([]ReviewPage, error) {
	rows, err := pdb.db.QueryContext(ctx,
		`SELECT original_filename, COALESCE(verification_issues, '[]') FROM pages WHERE verification_passed = 0 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query review pages: %w", err)
	}
	defer rows.Close()

	var pages []ReviewPage
	for rows.Next() {
		var p ReviewPage
		var issuesJSON string
		if err := rows.Scan(&p.Filename, &issuesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan review page: %w", err)
		}
		if err := json.Unmarshal([]byte(issuesJSON), &p.Issues); err != nil {
			p.Issues = nil
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// Stats returns a count of pages per status.
func (pdb *DB) Stats(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{
		string(models.PageStatusPending):     0,
		string(models.PageStatusProcessing):  0,
		string(models.PageStatusCompleted):   0,
		string(models.PageStatusFailed):      0,
		string(models.PageStatusDuplicate):   0,
		string(models.PageStatusNeedsReview): 0,
	}

	rows, err := pdb.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// SaveBatchJob records a newly submitted remote batch job.
func (pdb *DB) SaveBatchJob(ctx context.Context, jobID string, totalPages int, verify bool) (int64, error) {
	res, err := pdb.db.ExecContext(ctx,
		`INSERT INTO batch_jobs (job_id, total_pages, verify_enabled, status) VALUES (?, ?, ?, 'pending')`,
		jobID, totalPages, verify,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save batch job: %w", err)
	}
	return res.LastInsertId()
}

// GetBatchJob fetches a batch job record by remote job id.
func (pdb *DB) GetBatchJob(ctx context.Context, jobID string) (*models.BatchJobRecord, error) {
	row := pdb.db.QueryRowContext(ctx,
		`SELECT id, job_id, status, COALESCE(total_pages, 0), succeeded_pages, failed_pages,
		        verify_enabled, created_at, completed_at
		 FROM batch_jobs WHERE job_id = ?`,
		jobID,
	)

	var rec models.BatchJobRecord
	var createdAt string
	var completedAt sql.NullString
	err := row.Scan(&rec.ID, &rec.JobID, &rec.Status, &rec.TotalPages, &rec.SucceededPages,
		&rec.FailedPages, &rec.VerifyEnabled, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}

	rec.CreatedAt = parseTimestamp(createdAt)
	if completedAt.Valid {
		t := parseTimestamp(completedAt.String)
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// UpdateBatchJobStatus updates poll results for a batch job; terminal
// statuses also stamp the completion time.
func (pdb *DB) UpdateBatchJobStatus(ctx context.Context, jobID, status string, succeeded, failed int) error {
	var err error
	if status == "completed" || status == "failed" {
		_, err = pdb.db.ExecContext(ctx,
			`UPDATE batch_jobs SET status = ?, succeeded_pages = ?, failed_pages = ?, completed_at = ? WHERE job_id = ?`,
			status, succeeded, failed, time.Now().UTC().Format(time.RFC3339), jobID,
		)
	} else {
		_, err = pdb.db.ExecContext(ctx,
			`UPDATE batch_jobs SET status = ?, succeeded_pages = ?, failed_pages = ? WHERE job_id = ?`,
			status, succeeded, failed, jobID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to update batch job: %w", err)
	}
	return nil
}

func parseTimestamp(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
