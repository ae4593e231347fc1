package store

import (
	"context"
	"errors"
	"time"

	"usb-media-scheduler/internal/models"
)

// ErrNotFound is returned when a job lookup matches nothing.
var ErrNotFound = errors.New("job not found")

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	OrderRef       string
	Capacity       string
	Preferences    map[string]any
	ContentPlanRef string
	VolumeLabel    string
	DeviceID       string
}

// Store is the durable job store plus the append-only log sink. The lease
// primitives are the storage-level atomic steps the lease manager builds on:
// each one either applies completely or leaves the row untouched.
type Store interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	GetJobByToken(ctx context.Context, token string) (models.Job, error)

	// AcquireOldest atomically claims the oldest eligible job (pending or
	// retry, lease absent or expired, attempts below the ceiling) for
	// workerID, marking it processing with the given expiry and incrementing
	// attempts. Returns nil when no job is eligible.
	AcquireOldest(ctx context.Context, workerID string, until time.Time, maxAttempts int) (*models.Job, error)

	// ExtendLease pushes the expiry forward if workerID still holds an
	// unexpired lease. False means ownership was lost.
	ExtendLease(ctx context.Context, jobID int64, workerID string, until time.Time) (bool, error)

	// ReleaseLease clears the lease and sets the final status, guarded by
	// locked_by so a stale owner cannot overwrite a reassigned job.
	ReleaseLease(ctx context.Context, jobID int64, workerID string, status string, errMsg string) (bool, error)

	// UpdateProgress writes progress (and optionally a mid-pipeline status)
	// under the same ownership guard as ReleaseLease.
	UpdateProgress(ctx context.Context, jobID int64, workerID string, status string, progress int) (bool, error)

	// SweepExpired reclaims leased jobs whose expiry has passed, moving them
	// to retry or, at the attempts ceiling, to failed. Returns affected ids.
	SweepExpired(ctx context.Context, now time.Time, maxAttempts int) ([]int64, error)

	// CancelJob cancels a job that is still pending or retry.
	CancelJob(ctx context.Context, token string) (bool, error)

	AppendLog(ctx context.Context, e models.LogEntry) error
	ListLogs(ctx context.Context, jobID int64, limit int) ([]models.LogEntry, error)

	// PurgeFinished deletes terminal jobs (and their logs) finished before
	// the cutoff. Retention cleanup is the only path that destroys job rows.
	PurgeFinished(ctx context.Context, olderThan time.Time) (int64, error)

	Close()
}
