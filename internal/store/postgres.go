package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"usb-media-scheduler/internal/models"
)

// Postgres implements Store on top of pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, token, order_ref, capacity, preferences, content_plan_ref, volume_label, device_id,
	status, progress, fail_reason, locked_by, locked_until, attempts, last_error,
	started_at, finished_at, created_at, updated_at`

// CreateJob inserts a pending job and returns the stored row.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.Preferences == nil {
		p.Preferences = map[string]any{}
	}
	prefsJSON, err := json.Marshal(p.Preferences)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal preferences: %w", err)
	}

	token := uuid.NewString()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (token, order_ref, capacity, preferences, content_plan_ref, volume_label, device_id, status, storage_status)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9)
		RETURNING `+jobColumns,
		token, p.OrderRef, p.Capacity, prefsJSON, p.ContentPlanRef, p.VolumeLabel, p.DeviceID,
		models.StatusPending, models.ToStorageStatus(models.StatusPending))

	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJobByToken fetches a job by its external token.
func (s *Postgres) GetJobByToken(ctx context.Context, token string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE token = $1`, token)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job by token: %w", err)
	}
	return job, nil
}

// AcquireOldest claims the oldest eligible job in a single statement. The
// inner SELECT ... FOR UPDATE SKIP LOCKED makes concurrent acquirers pick
// disjoint rows, so two callers can never both claim the same job.
func (s *Postgres) AcquireOldest(ctx context.Context, workerID string, until time.Time, maxAttempts int) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
			status = $4,
			storage_status = $5,
			locked_by = $1,
			locked_until = $2,
			attempts = attempts + 1,
			started_at = COALESCE(started_at, NOW()),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status IN ($6, $7)
			  AND (locked_until IS NULL OR locked_until < NOW())
			  AND attempts < $3
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID, until, maxAttempts,
		models.StatusProcessing, models.ToStorageStatus(models.StatusProcessing),
		models.StatusPending, models.StatusRetry)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire job: %w", err)
	}
	return &job, nil
}

// ExtendLease pushes the expiry forward for the current unexpired owner.
func (s *Postgres) ExtendLease(ctx context.Context, jobID int64, workerID string, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET locked_until = $3, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND locked_until > NOW()
	`, jobID, workerID, until)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease clears the lease and sets the final status, only for the
// worker recorded in locked_by.
func (s *Postgres) ReleaseLease(ctx context.Context, jobID int64, workerID string, status string, errMsg string) (bool, error) {
	terminal := status == models.StatusDone || status == models.StatusFailed
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = $3,
			storage_status = $4,
			locked_by = NULL,
			locked_until = NULL,
			last_error = COALESCE(NULLIF($5, ''), last_error),
			fail_reason = CASE WHEN $5 <> '' THEN $5 ELSE fail_reason END,
			finished_at = CASE WHEN $6 THEN NOW() ELSE finished_at END,
			updated_at = NOW()
		WHERE id = $1 AND locked_by = $2
	`, jobID, workerID, status, models.ToStorageStatus(status), errMsg, terminal)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateProgress records pipeline progress under the lease-ownership guard.
// An empty status keeps the current one.
func (s *Postgres) UpdateProgress(ctx context.Context, jobID int64, workerID string, status string, progress int) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			progress = $4,
			status = COALESCE(NULLIF($3, ''), status),
			storage_status = $5,
			updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND locked_until > NOW()
	`, jobID, workerID, status, progress, models.StorageProcessing)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SweepExpired reclaims jobs whose lease silently expired. The prior error is
// appended to, not overwritten, so the failure history survives.
func (s *Postgres) SweepExpired(ctx context.Context, now time.Time, maxAttempts int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET
			status = CASE WHEN attempts >= $1 THEN $3 ELSE $4 END,
			storage_status = CASE WHEN attempts >= $1 THEN $5 ELSE $6 END,
			last_error = TRIM(LEADING '; ' FROM COALESCE(last_error, '') || '; lease expired (worker ' || COALESCE(locked_by, 'unknown') || ')'),
			fail_reason = CASE WHEN attempts >= $1 THEN 'retries exhausted after lease expiry' ELSE fail_reason END,
			locked_by = NULL,
			locked_until = NULL,
			finished_at = CASE WHEN attempts >= $1 THEN NOW() ELSE finished_at END,
			updated_at = NOW()
		WHERE storage_status = $7
		  AND locked_until IS NOT NULL
		  AND locked_until < $2
		RETURNING id
	`, maxAttempts, now,
		models.StatusFailed, models.StatusRetry,
		models.ToStorageStatus(models.StatusFailed), models.ToStorageStatus(models.StatusRetry),
		models.StorageProcessing)
	if err != nil {
		return nil, fmt.Errorf("sweep expired leases: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan swept id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CancelJob cancels a job that has not been picked up. Leased jobs are left
// alone; cancellation never races an active worker.
func (s *Postgres) CancelJob(ctx context.Context, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = $2,
			storage_status = $3,
			locked_by = NULL,
			locked_until = NULL,
			finished_at = NOW(),
			updated_at = NOW()
		WHERE token = $1 AND status IN ($4, $5)
	`, token, models.StatusCanceled, models.ToStorageStatus(models.StatusCanceled),
		models.StatusPending, models.StatusRetry)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendLog inserts a job log entry. The table is append-only.
func (s *Postgres) AppendLog(ctx context.Context, e models.LogEntry) error {
	var detailsJSON []byte
	if e.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal log details: %w", err)
		}
	}
	if e.Level == "" {
		e.Level = models.LevelInfo
	}
	if e.Category == "" {
		e.Category = models.CategorySystem
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, level, category, message, details, file_path, file_size, error_code, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.JobID, e.Level, e.Category, e.Message, detailsJSON, e.FilePath, e.FileSize, e.ErrorCode, e.CorrelationID)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns log entries for a job ordered by creation time.
func (s *Postgres) ListLogs(ctx context.Context, jobID int64, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, level, category, message, details, file_path, file_size, error_code, correlation_id, created_at
		FROM job_logs
		WHERE job_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		var detailsJSON []byte
		var filePath, errorCode, correlationID pgtype.Text
		var fileSize pgtype.Int8
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Category, &e.Message, &detailsJSON,
			&filePath, &fileSize, &errorCode, &correlationID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal log details: %w", err)
			}
		}
		e.FilePath = textPtr(filePath)
		e.ErrorCode = textPtr(errorCode)
		e.CorrelationID = textPtr(correlationID)
		if fileSize.Valid {
			e.FileSize = &fileSize.Int64
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeFinished deletes terminal jobs finished before the cutoff; job_logs
// rows go with them via ON DELETE CASCADE.
func (s *Postgres) PurgeFinished(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ($1, $2, $3)
		  AND finished_at IS NOT NULL
		  AND finished_at < $4
	`, models.StatusDone, models.StatusFailed, models.StatusCanceled, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var prefsJSON []byte
	var contentPlan, deviceID, failReason, lockedBy, lastError pgtype.Text
	var lockedUntil, startedAt, finishedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Token, &job.OrderRef, &job.Capacity, &prefsJSON,
		&contentPlan, &job.VolumeLabel, &deviceID,
		&job.Status, &job.Progress, &failReason, &lockedBy, &lockedUntil, &job.Attempts, &lastError,
		&startedAt, &finishedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}

	if len(prefsJSON) > 0 {
		if err := json.Unmarshal(prefsJSON, &job.Preferences); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal preferences: %w", err)
		}
	}
	job.ContentPlanRef = textPtr(contentPlan)
	job.DeviceID = textPtr(deviceID)
	job.FailReason = textPtr(failReason)
	job.LockedBy = textPtr(lockedBy)
	job.LastError = textPtr(lastError)
	job.LockedUntil = timePtr(lockedUntil)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
