// Package jobs implements the Job Store and Worker Pool: a durable queue of
// scip_index, graph_build, and git_mine work items, claimed one at a time
// by a small pool of polling workers.
package jobs

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"reposcope/internal/logging"
	"reposcope/internal/models"
	"reposcope/internal/storage"

	"github.com/klauspost/compress/gzip"
)

// Store is the opaque persistence handle for jobs, backed by the shared
// sqlite database also used by the analysis engines' repositories.
type Store struct {
	db     *storage.DB
	logger *logging.Logger
}

// NewStore wraps an already-open database as a job store.
func NewStore(db *storage.DB, logger *logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Enqueue creates a pending job and returns its id.
func (s *Store) Enqueue(userID int64, repoURL string, kind models.JobKind, payload, payloadPath *string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := s.db.Exec(`
		INSERT INTO jobs (user_id, repo_url, kind, status, payload_path, payload, created_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?)
	`, userID, repoURL, kind, payloadPath, payload, now)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read back job id: %w", err)
	}

	s.logger.Debug("Enqueued job", map[string]interface{}{
		"jobId": id,
		"kind":  kind,
	})

	return id, nil
}

// ClaimNext atomically transitions the oldest pending row matching kinds
// (any kind if empty) to processing and returns it. Returns nil, nil when
// no eligible row exists. The subselect-inside-UPDATE gives a single-winner
// guarantee under sqlite's serialized-writer model without needing a
// SELECT ... FOR UPDATE SKIP LOCKED construct.
func (s *Store) ClaimNext(kinds ...models.JobKind) (*models.Job, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	kindFilter := ""
	args := []interface{}{now}
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, k)
		}
		kindFilter = "AND kind IN (" + strings.Join(placeholders, ",") + ")"
	}

	query := fmt.Sprintf(`
		UPDATE jobs
		SET status = 'processing', started_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' %s
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING id, user_id, repo_url, kind, status, payload_path, payload, error_msg, created_at, started_at, finished_at
	`, kindFilter)

	row := s.db.QueryRow(query, args...)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// Complete marks jobID done or failed. On failure errMsg must be non-empty.
func (s *Store) Complete(jobID int64, status models.JobStatus, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	var errArg interface{}
	if errMsg != "" {
		errArg = errMsg
	}

	result, err := s.db.Exec(`
		UPDATE jobs SET status = ?, error_msg = ?, finished_at = ? WHERE id = ?
	`, status, errArg, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("job not found: %d", jobID)
	}
	return nil
}

// ArchivePayload gzip-compresses a failed job's retained payload file in
// place and repoints payload_path at the compressed copy, so an upload
// kept around for post-mortem debugging doesn't sit on disk uncompressed
// indefinitely. A no-op when the job carries no payload file.
func (s *Store) ArchivePayload(job *models.Job) error {
	if job.PayloadPath == nil {
		return nil
	}
	srcPath := *job.PayloadPath
	dstPath := srcPath + ".gz"

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open payload for archival: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("failed to create archived payload: %w", err)
	}
	zw := gzip.NewWriter(dst)

	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("failed to flush compressed payload: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to finalize compressed payload: %w", err)
	}

	if _, err := s.db.Exec(`UPDATE jobs SET payload_path = ? WHERE id = ?`, dstPath, job.ID); err != nil {
		return fmt.Errorf("failed to repoint payload_path: %w", err)
	}
	os.Remove(srcPath)
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(id int64) (*models.Job, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, repo_url, kind, status, payload_path, payload, error_msg, created_at, started_at, finished_at
		FROM jobs WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListJobsOptions filters ListJobs.
type ListJobsOptions struct {
	UserID  int64
	RepoURL string
	Status  []models.JobStatus
	Limit   int
	Offset  int
}

// ListJobs returns jobs scoped to (userID, repoURL), most recent first.
func (s *Store) ListJobs(opts ListJobsOptions) ([]models.Job, error) {
	conditions := []string{"user_id = ?", "repo_url = ?"}
	args := []interface{}{opts.UserID, opts.RepoURL}

	if len(opts.Status) > 0 {
		placeholders := make([]string, len(opts.Status))
		for i, st := range opts.Status {
			placeholders[i] = "?"
			args = append(args, st)
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	args = append(args, limit, opts.Offset)

	query := fmt.Sprintf(`
		SELECT id, user_id, repo_url, kind, status, payload_path, payload, error_msg, created_at, started_at, finished_at
		FROM jobs
		WHERE %s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, strings.Join(conditions, " AND "))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJobFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// ReleaseToPending reverts a claimed job back to pending without recording
// an error, used when a handler reports a transient failure that should be
// retried rather than surfaced to the client.
func (s *Store) ReleaseToPending(jobID int64) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'pending', started_at = NULL WHERE id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("failed to release job to pending: %w", err)
	}
	return nil
}

// RecoverStale re-marks as pending any row stuck in processing older than
// staleThreshold, so a crashed worker's claim is eventually retried.
func (s *Store) RecoverStale(staleThreshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleThreshold).Format(time.RFC3339)

	result, err := s.db.Exec(`
		UPDATE jobs SET status = 'pending', started_at = NULL
		WHERE status = 'processing' AND started_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}

	n, err := result.RowsAffected()
	if n > 0 {
		s.logger.Warn("Recovered stale jobs", map[string]interface{}{"count": n})
	}
	return n, err
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scannable) (*models.Job, error) {
	var j models.Job
	var payloadPath, payload, errorMsg, startedAt, finishedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&j.ID, &j.UserID, &j.RepoURL, &j.Kind, &j.Status,
		&payloadPath, &payload, &errorMsg,
		&createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if payloadPath.Valid {
		j.PayloadPath = &payloadPath.String
	}
	if payload.Valid {
		j.Payload = &payload.String
	}
	if errorMsg.Valid {
		j.ErrorMsg = &errorMsg.String
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		j.CreatedAt = t
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			j.StartedAt = &t
		}
	}
	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
			j.FinishedAt = &t
		}
	}

	return &j, nil
}

func scanJobFromRows(rows *sql.Rows) (*models.Job, error) {
	return scanJob(rows)
}
