package models

import (
	"time"
)

// Job statuses as seen by every caller of the scheduler.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusWriting    = "writing"
	StatusVerifying  = "verifying"
	StatusDone       = "done"
	StatusFailed     = "failed"
	StatusRetry      = "retry"
	StatusCanceled   = "canceled"
)

// Coarse storage-layer statuses kept for compatibility with the legacy jobs
// table. They are written alongside the real status and never read back by
// the scheduler itself.
const (
	StorageQueued     = "queued"
	StorageProcessing = "processing"
	StorageCompleted  = "completed"
	StorageError      = "error"
	StorageFailed     = "failed"
)

// Job is a single USB production job persisted in the job store.
type Job struct {
	ID             int64          `json:"id"`
	Token          string         `json:"token"`
	OrderRef       string         `json:"order_ref"`
	Capacity       string         `json:"capacity"`
	Preferences    map[string]any `json:"preferences"`
	ContentPlanRef *string        `json:"content_plan_ref,omitempty"`
	VolumeLabel    string         `json:"volume_label"`
	DeviceID       *string        `json:"device_id,omitempty"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	FailReason     *string        `json:"fail_reason,omitempty"`
	LockedBy       *string        `json:"locked_by,omitempty"`
	LockedUntil    *time.Time     `json:"locked_until,omitempty"`
	Attempts       int            `json:"attempts"`
	LastError      *string        `json:"last_error,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LeaseActive reports whether the job holds an unexpired lease.
func (j *Job) LeaseActive(now time.Time) bool {
	return j.LockedBy != nil && *j.LockedBy != "" && j.LockedUntil != nil && j.LockedUntil.After(now)
}

// Acquirable reports whether the job may be handed to a worker.
func (j *Job) Acquirable() bool {
	return j.Status == StatusPending || j.Status == StatusRetry
}

// Terminal reports whether the status ends the job's lifecycle.
func Terminal(status string) bool {
	return status == StatusDone || status == StatusFailed || status == StatusCanceled
}

// ToStorageStatus maps a status to its coarse storage encoding.
func ToStorageStatus(status string) string {
	switch status {
	case StatusPending, StatusRetry:
		return StorageQueued
	case StatusProcessing, StatusWriting, StatusVerifying:
		return StorageProcessing
	case StatusDone:
		return StorageCompleted
	case StatusFailed:
		return StorageFailed
	case StatusCanceled:
		return StorageError
	default:
		return StorageQueued
	}
}

// FromStorageStatus maps a coarse storage status back to a job status. The
// mapping is lossy: rows written by legacy tooling carry only the coarse
// value, so retries come back as pending and cancellations as canceled.
func FromStorageStatus(storage string) string {
	switch storage {
	case StorageQueued:
		return StatusPending
	case StorageProcessing:
		return StatusProcessing
	case StorageCompleted:
		return StatusDone
	case StorageFailed:
		return StatusFailed
	case StorageError:
		return StatusCanceled
	default:
		return StatusPending
	}
}
