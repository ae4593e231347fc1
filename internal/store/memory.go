package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"usb-media-scheduler/internal/models"
)

// Memory is an in-process Store used in dev mode (no POSTGRES_DSN) and in
// tests. It enforces the same lease contract as the Postgres store: every
// primitive runs under one mutex, so it is a valid single-process stand-in
// for the atomic SQL statements.
type Memory struct {
	mu        sync.Mutex
	nextJobID int64
	nextLogID int64
	jobs      map[int64]*models.Job
	byToken   map[string]int64
	logs      map[int64][]models.LogEntry
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[int64]*models.Job),
		byToken: make(map[string]int64),
		logs:    make(map[int64][]models.LogEntry),
	}
}

func (s *Memory) Close() {}

func (s *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextJobID++
	now := time.Now().UTC()
	prefs := p.Preferences
	if prefs == nil {
		prefs = map[string]any{}
	}
	job := &models.Job{
		ID:          s.nextJobID,
		Token:       uuid.NewString(),
		OrderRef:    p.OrderRef,
		Capacity:    p.Capacity,
		Preferences: prefs,
		VolumeLabel: p.VolumeLabel,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.ContentPlanRef != "" {
		ref := p.ContentPlanRef
		job.ContentPlanRef = &ref
	}
	if p.DeviceID != "" {
		dev := p.DeviceID
		job.DeviceID = &dev
	}
	s.jobs[job.ID] = job
	s.byToken[job.Token] = job.ID
	return *job, nil
}

func (s *Memory) GetJob(_ context.Context, id int64) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *job, nil
}

func (s *Memory) GetJobByToken(_ context.Context, token string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *s.jobs[id], nil
}

func (s *Memory) AcquireOldest(_ context.Context, workerID string, until time.Time, maxAttempts int) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var candidates []*models.Job
	for _, job := range s.jobs {
		if !job.Acquirable() {
			continue
		}
		if job.LockedUntil != nil && job.LockedUntil.After(now) {
			continue
		}
		if job.Attempts >= maxAttempts {
			continue
		}
		candidates = append(candidates, job)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	job := candidates[0]
	worker := workerID
	expiry := until
	job.Status = models.StatusProcessing
	job.LockedBy = &worker
	job.LockedUntil = &expiry
	job.Attempts++
	if job.StartedAt == nil {
		started := now.UTC()
		job.StartedAt = &started
	}
	job.UpdatedAt = now.UTC()
	copied := *job
	return &copied, nil
}

func (s *Memory) ExtendLease(_ context.Context, jobID int64, workerID string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.LockedBy == nil || *job.LockedBy != workerID {
		return false, nil
	}
	if job.LockedUntil == nil || !job.LockedUntil.After(time.Now()) {
		return false, nil
	}
	expiry := until
	job.LockedUntil = &expiry
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Memory) ReleaseLease(_ context.Context, jobID int64, workerID string, status string, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.LockedBy == nil || *job.LockedBy != workerID {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = status
	job.LockedBy = nil
	job.LockedUntil = nil
	if errMsg != "" {
		msg := errMsg
		job.LastError = &msg
		reason := errMsg
		job.FailReason = &reason
	}
	if status == models.StatusDone || status == models.StatusFailed {
		job.FinishedAt = &now
	}
	job.UpdatedAt = now
	return true, nil
}

func (s *Memory) UpdateProgress(_ context.Context, jobID int64, workerID string, status string, progress int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.LockedBy == nil || *job.LockedBy != workerID {
		return false, nil
	}
	if job.LockedUntil == nil || !job.LockedUntil.After(time.Now()) {
		return false, nil
	}
	job.Progress = progress
	if status != "" {
		job.Status = status
	}
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Memory) SweepExpired(_ context.Context, now time.Time, maxAttempts int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for _, job := range s.jobs {
		if models.ToStorageStatus(job.Status) != models.StorageProcessing {
			continue
		}
		if job.LockedUntil == nil || !job.LockedUntil.Before(now) {
			continue
		}
		worker := "unknown"
		if job.LockedBy != nil {
			worker = *job.LockedBy
		}
		expiredMsg := fmt.Sprintf("lease expired (worker %s)", worker)
		if job.LastError != nil && *job.LastError != "" {
			expiredMsg = *job.LastError + "; " + expiredMsg
		}
		job.LastError = &expiredMsg
		job.LockedBy = nil
		job.LockedUntil = nil
		ts := now.UTC()
		if job.Attempts >= maxAttempts {
			job.Status = models.StatusFailed
			job.FinishedAt = &ts
			reason := "retries exhausted after lease expiry"
			job.FailReason = &reason
		} else {
			job.Status = models.StatusRetry
		}
		job.UpdatedAt = ts
		ids = append(ids, job.ID)
	}
	return ids, nil
}

func (s *Memory) CancelJob(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byToken[token]
	if !ok {
		return false, nil
	}
	job := s.jobs[id]
	if !job.Acquirable() {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = models.StatusCanceled
	job.LockedBy = nil
	job.LockedUntil = nil
	job.FinishedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (s *Memory) AppendLog(_ context.Context, e models.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	e.ID = s.nextLogID
	if e.Level == "" {
		e.Level = models.LevelInfo
	}
	if e.Category == "" {
		e.Category = models.CategorySystem
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.logs[e.JobID] = append(s.logs[e.JobID], e)
	return nil
}

func (s *Memory) ListLogs(_ context.Context, jobID int64, limit int) ([]models.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.logs[jobID]
	if limit <= 0 {
		limit = 100
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]models.LogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Memory) PurgeFinished(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, job := range s.jobs {
		if !models.Terminal(job.Status) || job.FinishedAt == nil {
			continue
		}
		if !job.FinishedAt.Before(olderThan) {
			continue
		}
		delete(s.byToken, job.Token)
		delete(s.jobs, id)
		delete(s.logs, id)
		purged++
	}
	return purged, nil
}
