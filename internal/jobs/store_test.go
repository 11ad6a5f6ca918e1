package jobs

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"reposcope/internal/logging"
	"reposcope/internal/models"
	"reposcope/internal/storage"

	"github.com/klauspost/compress/gzip"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	logger := logging.NewLogger(logging.Config{Format: logging.HumanFormat, Level: logging.ErrorLevel, Output: io.Discard})

	db, err := storage.Open(filepath.Join(dir, "reposcope.db"), storage.DefaultOptions(), logger)
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewStore(db, logger)
}

func TestStore_EnqueueAndGetJob(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Enqueue(1, "https://example.com/repo.git", models.JobKindGitMine, nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job == nil {
		t.Fatal("GetJob() returned nil")
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("Status = %v, want %v", job.Status, models.JobStatusPending)
	}
	if job.Kind != models.JobKindGitMine {
		t.Errorf("Kind = %v, want %v", job.Kind, models.JobKindGitMine)
	}
}

func TestStore_ClaimNext_SingleWinner(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Enqueue(1, "repo", models.JobKindGraphBuild, nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	claimed, err := store.ClaimNext()
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if claimed == nil || claimed.ID != id {
		t.Fatalf("claimed = %+v, want job %d", claimed, id)
	}
	if claimed.Status != models.JobStatusProcessing {
		t.Errorf("Status = %v, want %v", claimed.Status, models.JobStatusProcessing)
	}
	if claimed.StartedAt == nil {
		t.Error("StartedAt should be set on claim")
	}

	again, err := store.ClaimNext()
	if err != nil {
		t.Fatalf("second ClaimNext() error = %v", err)
	}
	if again != nil {
		t.Errorf("expected no further eligible job, got %+v", again)
	}
}

func TestStore_ClaimNext_FiltersByKind(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Enqueue(1, "repo", models.JobKindGitMine, nil, nil); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	claimed, err := store.ClaimNext(models.JobKindScipIndex)
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if claimed != nil {
		t.Errorf("expected no scip_index job to claim, got %+v", claimed)
	}
}

func TestStore_Complete_Done(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue(1, "repo", models.JobKindGitMine, nil, nil)
	if _, err := store.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	if err := store.Complete(id, models.JobStatusDone, ""); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != models.JobStatusDone {
		t.Errorf("Status = %v, want %v", job.Status, models.JobStatusDone)
	}
	if job.ErrorMsg != nil {
		t.Errorf("ErrorMsg = %v, want nil", *job.ErrorMsg)
	}
	if job.FinishedAt == nil {
		t.Error("FinishedAt should be set")
	}
}

func TestStore_Complete_Failed(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue(1, "repo", models.JobKindGitMine, nil, nil)
	if _, err := store.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	if err := store.Complete(id, models.JobStatusFailed, "clone failed: connection refused"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != models.JobStatusFailed {
		t.Errorf("Status = %v, want %v", job.Status, models.JobStatusFailed)
	}
	if job.ErrorMsg == nil || *job.ErrorMsg == "" {
		t.Error("ErrorMsg should be set on failure")
	}
}

func TestStore_RecoverStale(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue(1, "repo", models.JobKindGitMine, nil, nil)
	if _, err := store.ClaimNext(); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	// Backdate started_at so it looks stuck.
	stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := store.db.Exec(`UPDATE jobs SET started_at = ? WHERE id = ?`, stale, id); err != nil {
		t.Fatalf("failed to backdate started_at: %v", err)
	}

	n, err := store.RecoverStale(30 * time.Minute)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RecoverStale() recovered %d, want 1", n)
	}

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("Status = %v, want %v after recovery", job.Status, models.JobStatusPending)
	}
}

func TestStore_ListJobs_ScopedAndFiltered(t *testing.T) {
	store := newTestStore(t)

	id1, _ := store.Enqueue(1, "repo-a", models.JobKindGitMine, nil, nil)
	_, _ = store.Enqueue(1, "repo-b", models.JobKindGitMine, nil, nil)
	_, _ = store.Enqueue(2, "repo-a", models.JobKindGitMine, nil, nil)

	jobs, err := store.ListJobs(ListJobsOptions{UserID: 1, RepoURL: "repo-a"})
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id1 {
		t.Fatalf("jobs = %+v, want only job %d", jobs, id1)
	}
}

func TestStore_ArchivePayload_CompressesAndRepointsPath(t *testing.T) {
	store := newTestStore(t)

	dir := t.TempDir()
	srcPath := filepath.Join(dir, "scip-upload.bin")
	if err := os.WriteFile(srcPath, []byte("binary index contents"), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	id, err := store.Enqueue(1, "https://example.com/repo.git", models.JobKindScipIndex, nil, &srcPath)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}

	if err := store.ArchivePayload(job); err != nil {
		t.Fatalf("ArchivePayload() error = %v", err)
	}

	if _, err := os.Stat(srcPath); !os.IsNotExist(err) {
		t.Errorf("original payload should be removed after archival")
	}

	reloaded, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if reloaded.PayloadPath == nil || *reloaded.PayloadPath != srcPath+".gz" {
		t.Fatalf("PayloadPath = %v, want %s", reloaded.PayloadPath, srcPath+".gz")
	}

	gz, err := os.Open(*reloaded.PayloadPath)
	if err != nil {
		t.Fatalf("open archived payload: %v", err)
	}
	defer gz.Close()
	zr, err := gzip.NewReader(gz)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	defer zr.Close()
	content, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read archived payload: %v", err)
	}
	if string(content) != "binary index contents" {
		t.Errorf("archived payload content = %q, want original bytes", content)
	}
}

func TestStore_ArchivePayload_NoopWithoutPayloadPath(t *testing.T) {
	store := newTestStore(t)
	id, _ := store.Enqueue(1, "https://example.com/repo.git", models.JobKindGitMine, nil, nil)
	job, _ := store.GetJob(id)

	if err := store.ArchivePayload(job); err != nil {
		t.Fatalf("ArchivePayload() error = %v", err)
	}
}
