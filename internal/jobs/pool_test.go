package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ckberrors "reposcope/internal/errors"
	"reposcope/internal/models"
)

func TestPool_StartStop_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	pool := NewPool(store, store.logger, PoolConfig{
		WorkerCount:    1,
		PollInterval:   20 * time.Millisecond,
		StaleThreshold: time.Minute,
	})

	if err := pool.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := pool.Start(); err == nil {
		t.Error("second Start() should error while already running")
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestPool_Tick_DispatchesToRegisteredHandler(t *testing.T) {
	store := newTestStore(t)
	pool := NewPool(store, store.logger, PoolConfig{WorkerCount: 1, PollInterval: time.Hour, StaleThreshold: time.Hour})

	var mu sync.Mutex
	var gotJobID int64
	pool.RegisterHandler(models.JobKindGitMine, func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		gotJobID = job.ID
		mu.Unlock()
		return nil
	})

	id, err := store.Enqueue(1, "repo", models.JobKindGitMine, nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool.tick(context.Background(), 0)

	mu.Lock()
	got := gotJobID
	mu.Unlock()
	if got != id {
		t.Errorf("handler received job %d, want %d", got, id)
	}

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != models.JobStatusDone {
		t.Errorf("Status = %v, want %v", job.Status, models.JobStatusDone)
	}
}

func TestPool_Tick_NoHandlerMarksFailed(t *testing.T) {
	store := newTestStore(t)
	pool := NewPool(store, store.logger, PoolConfig{WorkerCount: 1, PollInterval: time.Hour, StaleThreshold: time.Hour})

	id, err := store.Enqueue(1, "repo", models.JobKindScipIndex, nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool.tick(context.Background(), 0)

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != models.JobStatusFailed {
		t.Errorf("Status = %v, want %v", job.Status, models.JobStatusFailed)
	}
	if job.ErrorMsg == nil {
		t.Fatal("expected ErrorMsg to be set")
	}
}

func TestPool_Tick_FatalErrorMarksFailed(t *testing.T) {
	store := newTestStore(t)
	pool := NewPool(store, store.logger, PoolConfig{WorkerCount: 1, PollInterval: time.Hour, StaleThreshold: time.Hour})

	pool.RegisterHandler(models.JobKindGitMine, func(ctx context.Context, job *models.Job) error {
		return errors.New("repository not found\nstack trace here")
	})

	id, err := store.Enqueue(1, "repo", models.JobKindGitMine, nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool.tick(context.Background(), 0)

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != models.JobStatusFailed {
		t.Errorf("Status = %v, want %v", job.Status, models.JobStatusFailed)
	}
	if job.ErrorMsg == nil || *job.ErrorMsg != "repository not found" {
		t.Errorf("ErrorMsg = %v, want first line only", job.ErrorMsg)
	}
}

func TestPool_Tick_TransientErrorReleasesToPending(t *testing.T) {
	store := newTestStore(t)
	pool := NewPool(store, store.logger, PoolConfig{WorkerCount: 1, PollInterval: time.Hour, StaleThreshold: time.Hour})

	pool.RegisterHandler(models.JobKindGitMine, func(ctx context.Context, job *models.Job) error {
		return ckberrors.NewCkbError(ckberrors.Transient, "database is locked", nil, nil, nil)
	})

	id, err := store.Enqueue(1, "repo", models.JobKindGitMine, nil, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool.tick(context.Background(), 0)

	job, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("Status = %v, want %v (released, not failed)", job.Status, models.JobStatusPending)
	}
	if job.StartedAt != nil {
		t.Error("StartedAt should be cleared on release")
	}
}

func TestFirstLineOf(t *testing.T) {
	cases := map[string]string{
		"single line":          "single line",
		"first\nsecond\nthird":  "first",
		"":                      "",
	}
	for in, want := range cases {
		if got := firstLineOf(in); got != want {
			t.Errorf("firstLineOf(%q) = %q, want %q", in, got, want)
		}
	}
}
