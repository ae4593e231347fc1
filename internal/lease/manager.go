// Package lease implements the mutual-exclusion contract over the job store:
// time-bounded ownership grants, renewal, release, and the reaper that
// reclaims work whose owner silently died.
package lease

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"usb-media-scheduler/internal/models"
	"usb-media-scheduler/internal/store"
)

// Manager grants and revokes job leases. All atomicity lives in the store
// primitives; the manager adds the audit trail and operational logging.
type Manager struct {
	store       store.Store
	log         *zap.Logger
	maxAttempts int
	now         func() time.Time
}

// New constructs a Manager. maxAttempts is the acquisition ceiling; a job
// that reaches it is never handed out again.
func New(st store.Store, logger *zap.Logger, maxAttempts int) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Manager{
		store:       st,
		log:         logger,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Acquire claims the oldest eligible job for workerID with a lease of
// leaseFor. Returns nil when nothing is eligible. Two concurrent callers can
// never both receive the same job.
func (m *Manager) Acquire(ctx context.Context, workerID string, leaseFor time.Duration) (*models.Job, error) {
	until := m.now().Add(leaseFor)
	job, err := m.store.AcquireOldest(ctx, workerID, until, m.maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if job == nil {
		return nil, nil
	}

	m.appendLeaseLog(ctx, job.ID, models.LevelInfo,
		fmt.Sprintf("lease acquired by %s until %s (attempt %d/%d)",
			workerID, until.UTC().Format(time.RFC3339), job.Attempts, m.maxAttempts))
	m.log.Info("lease acquired",
		zap.Int64("job_id", job.ID),
		zap.String("worker_id", workerID),
		zap.Int("attempt", job.Attempts),
		zap.Time("locked_until", until))
	return job, nil
}

// Extend renews the lease for its current owner, setting the expiry to
// now+extendBy. A false result means the caller no longer owns the job and
// must stop treating it as its own.
func (m *Manager) Extend(ctx context.Context, jobID int64, workerID string, extendBy time.Duration) (bool, error) {
	until := m.now().Add(extendBy)
	ok, err := m.store.ExtendLease(ctx, jobID, workerID, until)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	if !ok {
		m.log.Warn("lease extension rejected",
			zap.Int64("job_id", jobID),
			zap.String("worker_id", workerID))
		return false, nil
	}
	m.log.Debug("lease extended",
		zap.Int64("job_id", jobID),
		zap.String("worker_id", workerID),
		zap.Time("locked_until", until))
	return true, nil
}

// Release clears the lease and sets the final status, but only if workerID
// still owns the job. Releasing after the reaper reassigned the job is a
// harmless no-op reported as false.
func (m *Manager) Release(ctx context.Context, jobID int64, workerID string, status string, errMsg string) (bool, error) {
	ok, err := m.store.ReleaseLease(ctx, jobID, workerID, status, errMsg)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	if !ok {
		m.log.Warn("lease release skipped, ownership lost",
			zap.Int64("job_id", jobID),
			zap.String("worker_id", workerID),
			zap.String("status", status))
		return false, nil
	}

	level := models.LevelInfo
	msg := fmt.Sprintf("lease released by %s, status %s", workerID, status)
	if status == models.StatusFailed || status == models.StatusRetry {
		level = models.LevelWarning
		if errMsg != "" {
			msg = fmt.Sprintf("%s: %s", msg, errMsg)
		}
	}
	m.appendLeaseLog(ctx, jobID, level, msg)
	m.log.Info("lease released",
		zap.Int64("job_id", jobID),
		zap.String("worker_id", workerID),
		zap.String("status", status))
	return true, nil
}

// ResetExpired reclaims every leased job whose expiry has passed: back to
// retry below the attempts ceiling, terminal failed at it. Safe to run
// concurrently with itself and with Acquire; meant for startup plus a timer.
func (m *Manager) ResetExpired(ctx context.Context) (int, error) {
	ids, err := m.store.SweepExpired(ctx, m.now(), m.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reset expired leases: %w", err)
	}
	for _, id := range ids {
		m.appendLeaseLog(ctx, id, models.LevelWarning, "expired lease reclaimed by reaper")
	}
	if len(ids) > 0 {
		m.log.Warn("expired leases reclaimed", zap.Int("count", len(ids)))
	}
	return len(ids), nil
}

// MaxAttempts returns the acquisition ceiling.
func (m *Manager) MaxAttempts() int {
	return m.maxAttempts
}

// appendLeaseLog writes the audit entry; the log sink is diagnostic only, so
// a write failure never fails the lease operation.
func (m *Manager) appendLeaseLog(ctx context.Context, jobID int64, level, msg string) {
	err := m.store.AppendLog(ctx, models.LogEntry{
		JobID:    jobID,
		Level:    level,
		Category: models.CategoryLease,
		Message:  msg,
	})
	if err != nil {
		m.log.Warn("append lease log failed", zap.Int64("job_id", jobID), zap.Error(err))
	}
}
