package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for jobs, providers, and tracking
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new delivery job
func (r *Repository) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, recipient, subject, body, class, priority, status,
			scheduled_at, attempts, max_attempts, batch_id, tracking_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		job.ID,
		job.Recipient,
		job.Subject,
		job.Body,
		job.Class,
		job.Priority,
		job.Status,
		job.ScheduledAt,
		job.Attempts,
		job.MaxAttempts,
		job.BatchID,
		job.TrackingID,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create job",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

// CreateJobs inserts a batch of jobs inside one transaction so the batch
// becomes visible to workers all at once.
func (r *Repository) CreateJobs(ctx context.Context, jobs []*Job) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO jobs (
			id, recipient, subject, body, class, priority, status,
			scheduled_at, attempts, max_attempts, batch_id, tracking_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	for _, job := range jobs {
		err := tx.QueryRow(ctx, query,
			job.ID,
			job.Recipient,
			job.Subject,
			job.Body,
			job.Class,
			job.Priority,
			job.Status,
			job.ScheduledAt,
			job.Attempts,
			job.MaxAttempts,
			job.BatchID,
			job.TrackingID,
		).Scan(&job.CreatedAt, &job.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", job.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (r *Repository) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `
		SELECT
			id, recipient, subject, body, class, priority, status,
			scheduled_at, attempts, max_attempts, last_error, provider_used,
			batch_id, tracking_id, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`

	var job Job
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&job.ID,
		&job.Recipient,
		&job.Subject,
		&job.Body,
		&job.Class,
		&job.Priority,
		&job.Status,
		&job.ScheduledAt,
		&job.Attempts,
		&job.MaxAttempts,
		&job.LastError,
		&job.ProviderUsed,
		&job.BatchID,
		&job.TrackingID,
		&job.CreatedAt,
		&job.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	if err != nil {
		r.logger.Error("failed to get job",
			zap.Error(err),
			zap.String("job_id", id.String()),
		)
		return nil, fmt.Errorf("query job: %w", err)
	}

	return &job, nil
}

// UpdateJobStatus updates the dispatch state of a job
func (r *Repository) UpdateJobStatus(
	ctx context.Context,
	id uuid.UUID,
	status string,
	attempts int,
	lastError *string,
	providerUsed *string,
) error {
	query := `
		UPDATE jobs
		SET status = $1, attempts = $2, last_error = $3,
		    provider_used = COALESCE($4, provider_used), updated_at = NOW()
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, status, attempts, lastError, providerUsed, id)
	if err != nil {
		r.logger.Error("failed to update job status",
			zap.Error(err),
			zap.String("job_id", id.String()),
			zap.String("status", status),
		)
		return fmt.Errorf("update job status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	return nil
}

// ListJobsByBatch retrieves all jobs sharing a batch id
func (r *Repository) ListJobsByBatch(ctx context.Context, batchID uuid.UUID) ([]*Job, error) {
	query := `
		SELECT
			id, recipient, subject, body, class, priority, status,
			scheduled_at, attempts, max_attempts, last_error, provider_used,
			batch_id, tracking_id, created_at, updated_at
		FROM jobs
		WHERE batch_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		err := rows.Scan(
			&job.ID,
			&job.Recipient,
			&job.Subject,
			&job.Body,
			&job.Class,
			&job.Priority,
			&job.Status,
			&job.ScheduledAt,
			&job.Attempts,
			&job.MaxAttempts,
			&job.LastError,
			&job.ProviderUsed,
			&job.BatchID,
			&job.TrackingID,
			&job.CreatedAt,
			&job.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return jobs, nil
}

// JobStatusCounts returns the number of jobs in each status
func (r *Repository) JobStatusCounts(ctx context.Context) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM jobs GROUP BY status`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

// GetActiveProviderConfigs returns all active providers ordered for
// failover selection: primary first, then ascending priority.
func (r *Repository) GetActiveProviderConfigs(ctx context.Context) ([]*ProviderConfig, error) {
	query := `
		SELECT
			name, type, is_primary, priority, is_active, is_healthy,
			consecutive_failures, last_health_check, daily_limit,
			current_daily_count, last_reset_at
		FROM provider_configs
		WHERE is_active = TRUE
		ORDER BY is_primary DESC, priority ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query provider configs: %w", err)
	}
	defer rows.Close()

	var configs []*ProviderConfig
	for rows.Next() {
		var cfg ProviderConfig
		err := rows.Scan(
			&cfg.Name,
			&cfg.Type,
			&cfg.IsPrimary,
			&cfg.Priority,
			&cfg.IsActive,
			&cfg.IsHealthy,
			&cfg.ConsecutiveFailures,
			&cfg.LastHealthCheck,
			&cfg.DailyLimit,
			&cfg.CurrentDailyCount,
			&cfg.LastResetAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan provider config: %w", err)
		}
		configs = append(configs, &cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return configs, nil
}

// UpdateProviderHealth persists the durable half of a health transition
func (r *Repository) UpdateProviderHealth(
	ctx context.Context,
	name string,
	healthy bool,
	consecutiveFailures int,
	checkedAt time.Time,
) error {
	query := `
		UPDATE provider_configs
		SET is_healthy = $1, consecutive_failures = $2, last_health_check = $3
		WHERE name = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, healthy, consecutiveFailures, checkedAt, name)
	if err != nil {
		return fmt.Errorf("update provider health: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("provider %s: %w", name, ErrNotFound)
	}

	return nil
}

// IncrementDailyCount adds one successful send to the provider's daily quota
func (r *Repository) IncrementDailyCount(ctx context.Context, name string) error {
	query := `
		UPDATE provider_configs
		SET current_daily_count = current_daily_count + 1
		WHERE name = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, name)
	if err != nil {
		return fmt.Errorf("increment daily count: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("provider %s: %w", name, ErrNotFound)
	}

	return nil
}

// ResetDailyCount zeroes the quota counter at the first check on a new day
func (r *Repository) ResetDailyCount(ctx context.Context, name string, resetAt time.Time) error {
	query := `
		UPDATE provider_configs
		SET current_daily_count = 0, last_reset_at = $1
		WHERE name = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, resetAt, name)
	if err != nil {
		return fmt.Errorf("reset daily count: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("provider %s: %w", name, ErrNotFound)
	}

	return nil
}

// CreateTrackingRecord inserts the tracking record created at composition time
func (r *Repository) CreateTrackingRecord(ctx context.Context, rec *TrackingRecord) error {
	query := `
		INSERT INTO tracking_records (job_id, tracking_id)
		VALUES ($1, $2)
	`

	_, err := r.db.Pool().Exec(ctx, query, rec.JobID, rec.TrackingID)
	if err != nil {
		return fmt.Errorf("insert tracking record: %w", err)
	}

	return nil
}

// GetTrackingRecord retrieves a tracking record by its token
func (r *Repository) GetTrackingRecord(ctx context.Context, trackingID string) (*TrackingRecord, error) {
	query := `
		SELECT
			job_id, tracking_id, opened, open_count, opened_at,
			clicked, click_count, clicked_at, last_user_agent, last_ip_address
		FROM tracking_records
		WHERE tracking_id = $1
	`

	var rec TrackingRecord
	err := r.db.Pool().QueryRow(ctx, query, trackingID).Scan(
		&rec.JobID,
		&rec.TrackingID,
		&rec.Opened,
		&rec.OpenCount,
		&rec.OpenedAt,
		&rec.Clicked,
		&rec.ClickCount,
		&rec.ClickedAt,
		&rec.LastUserAgent,
		&rec.LastIPAddress,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("tracking record %s: %w", trackingID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("query tracking record: %w", err)
	}

	return &rec, nil
}

// GetTrackingRecordByJob retrieves the tracking record bound to a job
func (r *Repository) GetTrackingRecordByJob(ctx context.Context, jobID uuid.UUID) (*TrackingRecord, error) {
	query := `
		SELECT
			job_id, tracking_id, opened, open_count, opened_at,
			clicked, click_count, clicked_at, last_user_agent, last_ip_address
		FROM tracking_records
		WHERE job_id = $1
	`

	var rec TrackingRecord
	err := r.db.Pool().QueryRow(ctx, query, jobID).Scan(
		&rec.JobID,
		&rec.TrackingID,
		&rec.Opened,
		&rec.OpenCount,
		&rec.OpenedAt,
		&rec.Clicked,
		&rec.ClickCount,
		&rec.ClickedAt,
		&rec.LastUserAgent,
		&rec.LastIPAddress,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("tracking record for job %s: %w", jobID, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("query tracking record: %w", err)
	}

	return &rec, nil
}

// UpdateTrackingRecord writes back engagement counters for a record
func (r *Repository) UpdateTrackingRecord(ctx context.Context, rec *TrackingRecord) error {
	query := `
		UPDATE tracking_records
		SET opened = $1, open_count = $2, opened_at = $3,
		    clicked = $4, click_count = $5, clicked_at = $6,
		    last_user_agent = $7, last_ip_address = $8
		WHERE tracking_id = $9
	`

	result, err := r.db.Pool().Exec(ctx, query,
		rec.Opened,
		rec.OpenCount,
		rec.OpenedAt,
		rec.Clicked,
		rec.ClickCount,
		rec.ClickedAt,
		rec.LastUserAgent,
		rec.LastIPAddress,
		rec.TrackingID,
	)
	if err != nil {
		return fmt.Errorf("update tracking record: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("tracking record %s: %w", rec.TrackingID, ErrNotFound)
	}

	return nil
}

// AppendTrackingEvent appends one entry to the engagement event log
func (r *Repository) AppendTrackingEvent(ctx context.Context, ev *TrackingEvent) error {
	query := `
		INSERT INTO tracking_events (id, job_id, tracking_id, kind, url, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		ev.ID,
		ev.JobID,
		ev.TrackingID,
		ev.Kind,
		ev.URL,
		ev.UserAgent,
		ev.IPAddress,
	).Scan(&ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert tracking event: %w", err)
	}

	return nil
}

// ListTrackingEvents returns the most recent events for a job, newest first
func (r *Repository) ListTrackingEvents(ctx context.Context, jobID uuid.UUID, limit int) ([]*TrackingEvent, error) {
	query := `
		SELECT id, job_id, tracking_id, kind, url, user_agent, ip_address, created_at
		FROM tracking_events
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tracking events: %w", err)
	}
	defer rows.Close()

	var events []*TrackingEvent
	for rows.Next() {
		var ev TrackingEvent
		err := rows.Scan(
			&ev.ID,
			&ev.JobID,
			&ev.TrackingID,
			&ev.Kind,
			&ev.URL,
			&ev.UserAgent,
			&ev.IPAddress,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan tracking event: %w", err)
		}
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// GetBatchStats aggregates engagement counters across all sent-or-later
// jobs in a batch.
func (r *Repository) GetBatchStats(ctx context.Context, batchID uuid.UUID) (*BatchStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE t.opened),
			COALESCE(SUM(t.open_count), 0),
			COUNT(*) FILTER (WHERE t.clicked),
			COALESCE(SUM(t.click_count), 0)
		FROM jobs j
		JOIN tracking_records t ON t.job_id = j.id
		WHERE j.batch_id = $1 AND j.status IN ('sent', 'delivered', 'bounced')
	`

	stats := &BatchStats{BatchID: batchID}
	err := r.db.Pool().QueryRow(ctx, query, batchID).Scan(
		&stats.SentJobs,
		&stats.UniqueOpens,
		&stats.TotalOpens,
		&stats.UniqueClicks,
		&stats.TotalClicks,
	)
	if err != nil {
		return nil, fmt.Errorf("query batch stats: %w", err)
	}

	if stats.SentJobs > 0 {
		stats.OpenRate = float64(stats.UniqueOpens) / float64(stats.SentJobs)
		stats.ClickRate = float64(stats.UniqueClicks) / float64(stats.SentJobs)
	}

	return stats, nil
}
