package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"usb-media-scheduler/internal/models"
)

func seedJob(t *testing.T, s *Memory) models.Job {
	t.Helper()
	job, err := s.CreateJob(context.Background(), CreateJobParams{
		OrderRef: "order-1",
		Capacity: "64gb",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestAcquireMutualExclusion(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedJob(t, s)

	const workers = 16
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			job, err := s.AcquireOldest(ctx, "worker-"+string(rune('a'+id)), time.Now().Add(time.Minute), 3)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if job != nil {
				winners <- *job.LockedBy
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	var grants int
	for range winners {
		grants++
	}
	if grants != 1 {
		t.Fatalf("expected exactly one successful acquire, got %d", grants)
	}
}

func TestAcquireFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	first := seedJob(t, s)
	time.Sleep(2 * time.Millisecond)
	second := seedJob(t, s)
	time.Sleep(2 * time.Millisecond)
	third := seedJob(t, s)

	for i, want := range []int64{first.ID, second.ID, third.ID} {
		job, err := s.AcquireOldest(ctx, "w", time.Now().Add(time.Minute), 3)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if job == nil || job.ID != want {
			t.Fatalf("acquire %d: expected job %d, got %+v", i, want, job)
		}
	}
	if job, _ := s.AcquireOldest(ctx, "w", time.Now().Add(time.Minute), 3); job != nil {
		t.Fatalf("expected no further eligible jobs, got %d", job.ID)
	}
}

func TestAcquireIncrementsAttemptsAndRespectsCeiling(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	created := seedJob(t, s)

	for want := 1; want <= 3; want++ {
		job, err := s.AcquireOldest(ctx, "w", time.Now().Add(time.Minute), 3)
		if err != nil || job == nil {
			t.Fatalf("acquire attempt %d: job=%v err=%v", want, job, err)
		}
		if job.Attempts != want {
			t.Fatalf("expected attempts %d, got %d", want, job.Attempts)
		}
		if ok, _ := s.ReleaseLease(ctx, job.ID, "w", models.StatusRetry, "boom"); !ok {
			t.Fatalf("release attempt %d rejected", want)
		}
	}

	job, err := s.AcquireOldest(ctx, "w", time.Now().Add(time.Minute), 3)
	if err != nil {
		t.Fatalf("acquire past ceiling: %v", err)
	}
	if job != nil {
		t.Fatalf("job %d re-acquired past attempts ceiling", created.ID)
	}
}

func TestExtendRejectsStaleOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedJob(t, s)

	job, _ := s.AcquireOldest(ctx, "worker-a", time.Now().Add(20*time.Millisecond), 3)
	if job == nil {
		t.Fatal("expected acquire to succeed")
	}

	time.Sleep(30 * time.Millisecond)
	if _, err := s.SweepExpired(ctx, time.Now(), 3); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	reacquired, _ := s.AcquireOldest(ctx, "worker-b", time.Now().Add(time.Minute), 3)
	if reacquired == nil {
		t.Fatal("expected worker-b to acquire after expiry")
	}
	before := *reacquired.LockedUntil

	ok, err := s.ExtendLease(ctx, job.ID, "worker-a", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ok {
		t.Fatal("stale owner extension must be rejected")
	}

	current, _ := s.GetJob(ctx, job.ID)
	if !current.LockedUntil.Equal(before) {
		t.Fatalf("locked_until mutated by stale owner: %s != %s", current.LockedUntil, before)
	}
	if *current.LockedBy != "worker-b" {
		t.Fatalf("expected worker-b to keep ownership, got %s", *current.LockedBy)
	}
}

func TestReleaseGuardedByOwnership(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedJob(t, s)

	job, _ := s.AcquireOldest(ctx, "worker-a", time.Now().Add(time.Minute), 3)
	if ok, _ := s.ReleaseLease(ctx, job.ID, "worker-b", models.StatusDone, ""); ok {
		t.Fatal("non-owner release must be rejected")
	}
	if ok, _ := s.ReleaseLease(ctx, job.ID, "worker-a", models.StatusDone, ""); !ok {
		t.Fatal("owner release must succeed")
	}

	current, _ := s.GetJob(ctx, job.ID)
	if current.Status != models.StatusDone {
		t.Fatalf("expected done, got %s", current.Status)
	}
	if current.FinishedAt == nil {
		t.Fatal("finished_at not set on terminal release")
	}
	if current.LockedBy != nil {
		t.Fatal("lease fields not cleared on release")
	}
}

func TestSweepExpiredMovesToRetryThenFailed(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedJob(t, s)

	// Attempts 1 and 2 expire into retry.
	for attempt := 1; attempt <= 2; attempt++ {
		job, _ := s.AcquireOldest(ctx, "w", time.Now().Add(time.Millisecond), 3)
		if job == nil {
			t.Fatalf("acquire attempt %d failed", attempt)
		}
		time.Sleep(5 * time.Millisecond)
		ids, err := s.SweepExpired(ctx, time.Now(), 3)
		if err != nil || len(ids) != 1 {
			t.Fatalf("sweep attempt %d: ids=%v err=%v", attempt, ids, err)
		}
		current, _ := s.GetJob(ctx, ids[0])
		if current.Status != models.StatusRetry {
			t.Fatalf("attempt %d: expected retry, got %s", attempt, current.Status)
		}
	}

	// Attempt 3 expires into terminal failed.
	job, _ := s.AcquireOldest(ctx, "w", time.Now().Add(time.Millisecond), 3)
	if job == nil || job.Attempts != 3 {
		t.Fatalf("expected third attempt, got %+v", job)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.SweepExpired(ctx, time.Now(), 3); err != nil {
		t.Fatalf("final sweep: %v", err)
	}

	current, _ := s.GetJob(ctx, job.ID)
	if current.Status != models.StatusFailed {
		t.Fatalf("expected failed at attempts ceiling, got %s", current.Status)
	}
	if current.FinishedAt == nil {
		t.Fatal("finished_at not set on exhausted retries")
	}
	if current.LastError == nil || *current.LastError == "" {
		t.Fatal("last_error not recorded on lease expiry")
	}

	// Sweeping again is a no-op.
	ids, _ := s.SweepExpired(ctx, time.Now(), 3)
	if len(ids) != 0 {
		t.Fatalf("sweep not idempotent: reswept %v", ids)
	}
}

func TestCancelOnlyPendingOrRetry(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job := seedJob(t, s)

	if ok, _ := s.CancelJob(ctx, job.Token); !ok {
		t.Fatal("pending job should be cancelable")
	}
	if ok, _ := s.CancelJob(ctx, job.Token); ok {
		t.Fatal("canceled job must not be cancelable again")
	}

	second := seedJob(t, s)
	if acquired, _ := s.AcquireOldest(ctx, "w", time.Now().Add(time.Minute), 3); acquired == nil || acquired.ID != second.ID {
		t.Fatal("expected to acquire the second job")
	}
	if ok, _ := s.CancelJob(ctx, second.Token); ok {
		t.Fatal("leased job must not be cancelable")
	}
}

func TestPurgeFinished(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job := seedJob(t, s)
	keep := seedJob(t, s)

	acquired, _ := s.AcquireOldest(ctx, "w", time.Now().Add(time.Minute), 3)
	if acquired.ID != job.ID {
		t.Fatalf("expected to acquire job %d", job.ID)
	}
	if ok, _ := s.ReleaseLease(ctx, job.ID, "w", models.StatusDone, ""); !ok {
		t.Fatal("release failed")
	}

	n, err := s.PurgeFinished(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged job, got %d", n)
	}
	if _, err := s.GetJob(ctx, job.ID); err != ErrNotFound {
		t.Fatalf("expected purged job to be gone, got %v", err)
	}
	if _, err := s.GetJob(ctx, keep.ID); err != nil {
		t.Fatalf("pending job must survive purge: %v", err)
	}
}

func TestLogsAppendOnlyAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	job := seedJob(t, s)

	for _, msg := range []string{"first", "second", "third"} {
		if err := s.AppendLog(ctx, models.LogEntry{JobID: job.ID, Message: msg}); err != nil {
			t.Fatalf("append %q: %v", msg, err)
		}
	}
	entries, err := s.ListLogs(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"first", "second", "third"} {
		if entries[i].Message != want {
			t.Fatalf("entry %d: expected %q, got %q", i, want, entries[i].Message)
		}
		if entries[i].Level != models.LevelInfo {
			t.Fatalf("entry %d: expected default level info, got %q", i, entries[i].Level)
		}
	}
}
