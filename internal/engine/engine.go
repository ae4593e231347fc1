// Package engine runs the per-job production pipeline: validate the source
// files, check destination space, copy sequentially, then verify.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"usb-media-scheduler/internal/models"
)

// LogSink receives structured job log entries. The store satisfies this.
type LogSink interface {
	AppendLog(ctx context.Context, e models.LogEntry) error
}

// ProgressFunc reports pipeline progress for a leased job. An empty status
// keeps the job's current one.
type ProgressFunc func(ctx context.Context, status string, progress int)

// Engine is stateless between jobs and safe for concurrent Run calls.
type Engine struct {
	log       *zap.Logger
	sink      LogSink
	verify    VerifyConfig
	mountRoot string

	// available is swappable in tests; defaults to a statfs lookup.
	available func(path string) (uint64, error)
}

// New constructs an Engine writing audit entries to sink.
func New(logger *zap.Logger, sink LogSink, verify VerifyConfig, mountRoot string) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		log:       logger,
		sink:      sink,
		verify:    verify.withDefaults(),
		mountRoot: mountRoot,
		available: AvailableBytes,
	}
}

// Result aggregates the outcome of every stage.
type Result struct {
	Validation ValidationResult
	SpaceOK    bool
	Copy       CopyResult
	Verify     VerifyResult
}

// jobPayload is the engine's view of the opaque preferences blob. Everything
// the scheduler itself never interprets lives here.
type jobPayload struct {
	Files   []string `json:"files"`
	DestDir string   `json:"dest_dir"`
}

func (e *Engine) decodePayload(job models.Job) (jobPayload, error) {
	var payload jobPayload
	raw, err := json.Marshal(job.Preferences)
	if err != nil {
		return payload, fmt.Errorf("marshal preferences: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode preferences: %w", err)
	}
	if len(payload.Files) == 0 {
		return payload, errors.New("job payload lists no files")
	}
	if payload.DestDir == "" {
		switch {
		case job.DeviceID != nil && *job.DeviceID != "":
			payload.DestDir = filepath.Join(e.mountRoot, *job.DeviceID)
		case job.VolumeLabel != "":
			payload.DestDir = filepath.Join(e.mountRoot, job.VolumeLabel)
		default:
			return payload, errors.New("job payload has no destination and no assigned device")
		}
	}
	return payload, nil
}

// Run executes the full pipeline for a leased job. Per-file problems are
// collected in the Result; the returned error marks job-level failure.
func (e *Engine) Run(ctx context.Context, job models.Job, progress ProgressFunc) (Result, error) {
	if progress == nil {
		progress = func(context.Context, string, int) {}
	}
	var res Result

	payload, err := e.decodePayload(job)
	if err != nil {
		return res, err
	}

	res.Validation = e.Validate(ctx, job.ID, payload.Files)
	if res.Validation.ValidFiles == 0 {
		return res, fmt.Errorf("no valid source files (%d of %d rejected)",
			len(res.Validation.Errors), res.Validation.TotalFiles)
	}

	required := uint64(res.Validation.TotalSize)
	avail, err := e.available(payload.DestDir)
	if err != nil {
		e.stageLog(ctx, job.ID, models.LevelError, models.CategorySystem,
			fmt.Sprintf("space check failed for %s: %v", payload.DestDir, err), nil)
		return res, fmt.Errorf("space check on %s: %w", payload.DestDir, err)
	}
	res.SpaceOK = avail >= required
	e.stageLog(ctx, job.ID, models.LevelInfo, models.CategorySystem,
		fmt.Sprintf("space check on %s: required %d bytes, available %d bytes", payload.DestDir, required, avail),
		map[string]any{"required_bytes": required, "available_bytes": avail, "sufficient": res.SpaceOK})
	if !res.SpaceOK {
		return res, fmt.Errorf("insufficient space on %s: need %d bytes, have %d", payload.DestDir, required, avail)
	}

	progress(ctx, models.StatusWriting, 0)
	res.Copy = e.CopyFiles(ctx, job.ID, res.Validation.ValidPaths, payload.DestDir, progress)

	progress(ctx, models.StatusVerifying, 100)
	res.Verify = e.VerifyFiles(ctx, job.ID, res.Copy.Copied)

	if len(res.Copy.Errors) > 0 || res.Verify.Failed > 0 {
		return res, fmt.Errorf("pipeline finished with %d copy errors and %d verification failures",
			len(res.Copy.Errors), res.Verify.Failed)
	}
	return res, nil
}

// stageLog writes an audit entry; the sink is diagnostic only and never
// fails the pipeline.
func (e *Engine) stageLog(ctx context.Context, jobID int64, level, category, msg string, details map[string]any) {
	err := e.sink.AppendLog(ctx, models.LogEntry{
		JobID:    jobID,
		Level:    level,
		Category: category,
		Message:  msg,
		Details:  details,
	})
	if err != nil {
		e.log.Warn("append job log failed", zap.Int64("job_id", jobID), zap.Error(err))
	}
}

func (e *Engine) fileLog(ctx context.Context, jobID int64, level, category, msg, path, code string, size *int64) {
	entry := models.LogEntry{
		JobID:    jobID,
		Level:    level,
		Category: category,
		Message:  msg,
		FilePath: &path,
		FileSize: size,
	}
	if code != "" {
		entry.ErrorCode = &code
	}
	if err := e.sink.AppendLog(ctx, entry); err != nil {
		e.log.Warn("append job log failed", zap.Int64("job_id", jobID), zap.Error(err))
	}
}
