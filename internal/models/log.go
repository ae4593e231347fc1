package models

import "time"

// Log levels for job log entries.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Log categories tag the pipeline stage that produced an entry.
const (
	CategoryValidation = "validation"
	CategoryCopy       = "copy"
	CategoryVerify     = "verify"
	CategoryLease      = "lease"
	CategorySystem     = "system"
)

// LogEntry is an append-only audit record owned by a job. Entries are never
// updated; concurrent writers for the same job are expected.
type LogEntry struct {
	ID            int64          `json:"id"`
	JobID         int64          `json:"job_id"`
	Level         string         `json:"level"`
	Category      string         `json:"category"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	FilePath      *string        `json:"file_path,omitempty"`
	FileSize      *int64         `json:"file_size,omitempty"`
	ErrorCode     *string        `json:"error_code,omitempty"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
