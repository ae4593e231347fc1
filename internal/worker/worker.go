// Package worker polls for eligible jobs, bounds concurrency, keeps leases
// alive while pipelines run, and shuts down without stranding work.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"usb-media-scheduler/internal/engine"
	"usb-media-scheduler/internal/lease"
	"usb-media-scheduler/internal/models"
	"usb-media-scheduler/internal/store"
)

// Runner executes the production pipeline for one leased job.
type Runner interface {
	Run(ctx context.Context, job models.Job, progress engine.ProgressFunc) (engine.Result, error)
}

// Notifier observes job transitions after they commit. Implementations must
// not block; no cross-event ordering is guaranteed.
type Notifier interface {
	JobStarted(job models.Job)
	JobSucceeded(job models.Job)
	JobRetried(job models.Job, err error)
	JobFailed(job models.Job, err error)
}

// Worker lifecycle states.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Config tunes one worker process. Zero values take the documented defaults.
type Config struct {
	WorkerID           string
	LeaseDuration      time.Duration // default 300s
	PollInterval       time.Duration // default 5s
	MaxConcurrentJobs  int           // default 1
	ExtendThresholdPct int           // default 50, percent of lease duration
	ShutdownGrace      time.Duration // default 30s
	ReapInterval       time.Duration // default 60s
	RetentionAge       time.Duration // 0 disables retention cleanup
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "worker"
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 300 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.ExtendThresholdPct <= 0 || c.ExtendThresholdPct >= 100 {
		c.ExtendThresholdPct = 50
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 60 * time.Second
	}
}

type activeJob struct {
	job     models.Job
	renewal *time.Timer
	cancel  context.CancelFunc
}

// Worker composes the lease manager and the execution engine.
type Worker struct {
	cfg    Config
	store  store.Store
	leases *lease.Manager
	runner Runner
	notify Notifier
	log    *zap.Logger

	mu      sync.Mutex
	state   State
	active  map[int64]*activeJob
	stopCh  chan struct{}
	jobCtx  context.Context
	jobStop context.CancelFunc
	wg      sync.WaitGroup
	loops   sync.WaitGroup
}

// New constructs a stopped worker. notifier may be nil.
func New(cfg Config, st store.Store, leases *lease.Manager, runner Runner, notifier Notifier, logger *zap.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:    cfg,
		store:  st,
		leases: leases,
		runner: runner,
		notify: notifier,
		log:    logger.With(zap.String("worker_id", cfg.WorkerID)),
		active: make(map[int64]*activeJob),
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start reclaims orphaned leases once and begins polling. It returns after
// the loops are launched.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return fmt.Errorf("worker is %s, not stopped", w.state)
	}
	w.state = StateRunning
	w.stopCh = make(chan struct{})
	w.jobCtx, w.jobStop = context.WithCancel(context.Background())
	w.mu.Unlock()

	// Reclaim work orphaned by a prior crash before taking on anything new.
	if n, err := w.leases.ResetExpired(ctx); err != nil {
		w.log.Warn("startup lease sweep failed", zap.Error(err))
	} else if n > 0 {
		w.log.Info("startup lease sweep reclaimed jobs", zap.Int("count", n))
	}

	w.loops.Add(2)
	go w.pollLoop()
	go w.reapLoop()
	w.log.Info("worker started",
		zap.Duration("lease_duration", w.cfg.LeaseDuration),
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("max_concurrent", w.cfg.MaxConcurrentJobs))
	return nil
}

// pollLoop is the single-threaded scheduling decision point.
func (w *Worker) pollLoop() {
	defer w.loops.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Worker) tick() {
	w.mu.Lock()
	if w.state != StateRunning || len(w.active) >= w.cfg.MaxConcurrentJobs {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(w.jobCtx, w.cfg.PollInterval)
	job, err := w.leases.Acquire(ctx, w.cfg.WorkerID, w.cfg.LeaseDuration)
	cancel()
	if err != nil {
		// Transient store trouble; never fatal, retried next tick.
		w.log.Warn("acquire failed", zap.Error(err))
		return
	}
	if job == nil {
		return
	}
	w.launch(*job)
}

// launch registers the job, schedules its renewal timer, and starts the
// pipeline without blocking the poll loop.
func (w *Worker) launch(job models.Job) {
	jobCtx, jobCancel := context.WithCancel(w.jobCtx)
	entry := &activeJob{job: job, cancel: jobCancel}

	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		jobCancel()
		// Acquired during shutdown; hand it straight back.
		_, _ = w.leases.Release(context.Background(), job.ID, w.cfg.WorkerID, models.StatusRetry, "worker shutting down")
		return
	}
	w.active[job.ID] = entry
	renewAfter := w.cfg.LeaseDuration * time.Duration(w.cfg.ExtendThresholdPct) / 100
	entry.renewal = time.AfterFunc(renewAfter, func() { w.renew(job.ID, renewAfter) })
	w.mu.Unlock()

	if w.notify != nil {
		w.notify.JobStarted(job)
	}

	w.wg.Add(1)
	go w.execute(jobCtx, job)
}

// renew extends the lease while the job is still active, rescheduling itself
// on success. Losing the lease stops renewal; the job finishes locally and
// its release simply no-ops.
func (w *Worker) renew(jobID int64, renewAfter time.Duration) {
	w.mu.Lock()
	entry, ok := w.active[jobID]
	if !ok || w.state != StateRunning {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	ok, err := w.leases.Extend(ctx, jobID, w.cfg.WorkerID, w.cfg.LeaseDuration)
	cancel()
	if err != nil {
		w.log.Warn("lease renewal error", zap.Int64("job_id", jobID), zap.Error(err))
	} else if !ok {
		w.log.Warn("lease lost, job continues without renewal", zap.Int64("job_id", jobID))
		return
	}

	w.mu.Lock()
	if _, still := w.active[jobID]; still && w.state == StateRunning {
		entry.renewal = time.AfterFunc(renewAfter, func() { w.renew(jobID, renewAfter) })
	}
	w.mu.Unlock()
}

func (w *Worker) execute(ctx context.Context, job models.Job) {
	defer w.wg.Done()
	defer w.unregister(job.ID)

	log := w.log.With(zap.Int64("job_id", job.ID), zap.String("order_ref", job.OrderRef))
	log.Info("job started", zap.Int("attempt", job.Attempts))

	progress := func(ctx context.Context, status string, pct int) {
		ok, err := w.store.UpdateProgress(ctx, job.ID, w.cfg.WorkerID, status, pct)
		if err != nil {
			log.Warn("progress update error", zap.Error(err))
		} else if !ok {
			log.Warn("progress update rejected, lease no longer held", zap.Int("progress", pct))
		}
	}

	res, err := w.runner.Run(ctx, job, progress)
	if err == nil {
		progress(context.Background(), "", 100)
		if _, rerr := w.leases.Release(context.Background(), job.ID, w.cfg.WorkerID, models.StatusDone, ""); rerr != nil {
			log.Error("release failed", zap.Error(rerr))
		}
		log.Info("job done",
			zap.Int("files_copied", res.Copy.FilesProcessed),
			zap.Int64("bytes_copied", res.Copy.BytesCopied),
			zap.Int("verified", res.Verify.Verified))
		if w.notify != nil {
			w.notify.JobSucceeded(job)
		}
		return
	}

	final := models.StatusRetry
	if job.Attempts >= w.leases.MaxAttempts() {
		final = models.StatusFailed
	}
	if _, rerr := w.leases.Release(context.Background(), job.ID, w.cfg.WorkerID, final, err.Error()); rerr != nil {
		log.Error("release failed", zap.Error(rerr))
	}
	log.Warn("job failed", zap.String("final_status", final), zap.Int("attempt", job.Attempts), zap.Error(err))
	if w.notify != nil {
		if final == models.StatusFailed {
			w.notify.JobFailed(job, err)
		} else {
			w.notify.JobRetried(job, err)
		}
	}
}

func (w *Worker) unregister(jobID int64) {
	w.mu.Lock()
	if entry, ok := w.active[jobID]; ok {
		if entry.renewal != nil {
			entry.renewal.Stop()
		}
		entry.cancel()
		delete(w.active, jobID)
	}
	w.mu.Unlock()
}

// reapLoop periodically reclaims expired leases and, when configured,
// applies retention cleanup.
func (w *Worker) reapLoop() {
	defer w.loops.Done()
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ReapInterval)
			if _, err := w.leases.ResetExpired(ctx); err != nil {
				w.log.Warn("lease sweep failed", zap.Error(err))
			}
			if w.cfg.RetentionAge > 0 {
				cutoff := time.Now().Add(-w.cfg.RetentionAge)
				if n, err := w.store.PurgeFinished(ctx, cutoff); err != nil {
					w.log.Warn("retention purge failed", zap.Error(err))
				} else if n > 0 {
					w.log.Info("retention purge removed jobs", zap.Int64("count", n))
				}
			}
			cancel()
		}
	}
}

// Stop halts polling and renewal immediately, waits up to the shutdown grace
// for active pipelines, then explicitly releases whatever is left as retry
// so another worker can resume it without waiting out the lease.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateRunning {
		w.mu.Unlock()
		return fmt.Errorf("worker is %s, not running", w.state)
	}
	w.state = StateStopping
	close(w.stopCh)
	for _, entry := range w.active {
		if entry.renewal != nil {
			entry.renewal.Stop()
		}
	}
	remaining := len(w.active)
	w.mu.Unlock()

	w.loops.Wait()
	w.log.Info("worker stopping", zap.Int("active_jobs", remaining))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	graceful := true
	select {
	case <-done:
	case <-time.After(w.cfg.ShutdownGrace):
		graceful = false
	case <-ctx.Done():
		graceful = false
	}

	if !graceful {
		w.mu.Lock()
		stranded := make([]*activeJob, 0, len(w.active))
		for _, entry := range w.active {
			stranded = append(stranded, entry)
		}
		w.mu.Unlock()

		for _, entry := range stranded {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := w.leases.Release(releaseCtx, entry.job.ID, w.cfg.WorkerID, models.StatusRetry, "worker shutdown before completion"); err != nil {
				w.log.Warn("shutdown release failed", zap.Int64("job_id", entry.job.ID), zap.Error(err))
			}
			cancel()
			entry.cancel()
		}
		w.log.Warn("shutdown grace elapsed, released active jobs for retry", zap.Int("count", len(stranded)))
	}

	w.jobStop()
	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()
	w.log.Info("worker stopped")
	return nil
}
