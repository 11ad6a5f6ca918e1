package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	ckberrors "reposcope/internal/errors"
	"reposcope/internal/logging"
	"reposcope/internal/models"
)

// Handler executes a specific kind of job.
type Handler func(ctx context.Context, job *models.Job) error

// Pool runs a small fixed-size set of independent workers, each ticking at
// PollInterval and claiming at most one job per tick. There is no shared
// in-process state between workers beyond the database and filesystem
// cache, so the pool is safe to run as multiple independent processes.
type Pool struct {
	store  *Store
	logger *logging.Logger

	handlers map[models.JobKind]Handler

	workerCount     int
	pollInterval    time.Duration
	staleThreshold  time.Duration

	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running bool
}

// PoolConfig configures the Worker Pool.
type PoolConfig struct {
	WorkerCount    int
	PollInterval   time.Duration
	StaleThreshold time.Duration
}

// DefaultPoolConfig matches spec defaults: 5s poll interval, 30m stale
// threshold for in-flight job recovery.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		WorkerCount:    2,
		PollInterval:   5 * time.Second,
		StaleThreshold: 30 * time.Minute,
	}
}

// NewPool creates a Worker Pool over store.
func NewPool(store *Store, logger *logging.Logger, cfg PoolConfig) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Minute
	}

	return &Pool{
		store:          store,
		logger:         logger,
		handlers:       make(map[models.JobKind]Handler),
		workerCount:    cfg.WorkerCount,
		pollInterval:   cfg.PollInterval,
		staleThreshold: cfg.StaleThreshold,
	}
}

// RegisterHandler registers the engine that dispatches for kind.
func (p *Pool) RegisterHandler(kind models.JobKind, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = handler
}

// Start begins polling. In-flight job recovery runs once immediately so a
// process restart resumes rows stuck in processing from a prior crash.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pool already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	if _, err := p.store.RecoverStale(p.staleThreshold); err != nil {
		p.logger.Warn("Failed to recover stale jobs on startup", map[string]interface{}{
			"error": err.Error(),
		})
	}

	p.logger.Info("Starting worker pool", map[string]interface{}{
		"workers":      p.workerCount,
		"pollInterval": p.pollInterval.String(),
	})

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	return nil
}

// Stop signals all workers to finish their current tick and stops polling,
// waiting up to timeout.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped cleanly", nil)
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool shutdown timed out after %v", timeout)
	}
}

// worker ticks at pollInterval, claiming and running at most one job per
// tick. This gives natural backpressure without a separate semaphore.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.logger.Debug("Worker started", map[string]interface{}{"workerId": id})

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Worker stopping", map[string]interface{}{"workerId": id})
			return
		case <-ticker.C:
			p.tick(ctx, id)
		}
	}
}

func (p *Pool) tick(ctx context.Context, workerID int) {
	p.mu.Lock()
	kinds := make([]models.JobKind, 0, len(p.handlers))
	for k := range p.handlers {
		kinds = append(kinds, k)
	}
	p.mu.Unlock()

	job, err := p.store.ClaimNext(kinds...)
	if err != nil {
		p.logger.Error("Failed to claim job", map[string]interface{}{
			"workerId": workerID,
			"error":    err.Error(),
		})
		return
	}
	if job == nil {
		return
	}

	p.mu.Lock()
	handler, ok := p.handlers[job.Kind]
	p.mu.Unlock()

	if !ok {
		_ = p.store.Complete(job.ID, models.JobStatusFailed, fmt.Sprintf("no handler registered for kind: %s", job.Kind))
		return
	}

	p.logger.Info("Processing job", map[string]interface{}{
		"jobId": job.ID,
		"kind":  job.Kind,
	})

	start := time.Now()
	runErr := handler(ctx, job)
	duration := time.Since(start)

	if runErr != nil {
		if ckberrors.IsTransient(runErr) {
			// Release the lease back to pending rather than marking failed;
			// a transient DB deadlock or connection drop should be retried.
			_ = p.store.ReleaseToPending(job.ID)
			p.logger.Warn("Job released after transient failure", map[string]interface{}{
				"jobId": job.ID,
				"error": runErr.Error(),
			})
			return
		}

		firstLine := firstLineOf(runErr.Error())
		if len(firstLine) > maxErrorMsgLen {
			cut := maxErrorMsgLen
			for cut > 0 && firstLine[cut]&0xC0 == 0x80 {
				cut--
			}
			firstLine = firstLine[:cut]
		}
		if err := p.store.Complete(job.ID, models.JobStatusFailed, firstLine); err != nil {
			p.logger.Error("Failed to persist job failure", map[string]interface{}{
				"jobId": job.ID,
				"error": err.Error(),
			})
		}
		if err := p.store.ArchivePayload(job); err != nil {
			p.logger.Warn("Failed to archive payload for failed job", map[string]interface{}{
				"jobId": job.ID,
				"error": err.Error(),
			})
		}
		p.logger.Error("Job failed", map[string]interface{}{
			"jobId":    job.ID,
			"error":    runErr.Error(),
			"duration": duration.String(),
		})
		return
	}

	if err := p.store.Complete(job.ID, models.JobStatusDone, ""); err != nil {
		p.logger.Error("Failed to persist job completion", map[string]interface{}{
			"jobId": job.ID,
			"error": err.Error(),
		})
		return
	}

	p.logger.Info("Job completed", map[string]interface{}{
		"jobId":    job.ID,
		"duration": duration.String(),
	})
}

// maxErrorMsgLen bounds, in bytes, the errorMsg persisted for a failed job.
const maxErrorMsgLen = 1000

func firstLineOf(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
