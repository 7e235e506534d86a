package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parcelpost/relay/internal/queue"
	"github.com/parcelpost/relay/internal/store"
	"github.com/parcelpost/relay/internal/tracking"
)

// ErrSuppressed is returned when a marketing submission targets a
// suppressed recipient.
var ErrSuppressed = errors.New("recipient is suppressed")

// JobStore is the persistence surface the engine composes jobs through.
type JobStore interface {
	CreateJob(ctx context.Context, job *store.Job) error
	CreateJobs(ctx context.Context, jobs []*store.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, attempts int, lastError *string, providerUsed *string) error
	ListJobsByBatch(ctx context.Context, batchID uuid.UUID) ([]*store.Job, error)
	JobStatusCounts(ctx context.Context) (map[string]int, error)
	CreateTrackingRecord(ctx context.Context, rec *store.TrackingRecord) error
}

// Queue is the scheduling surface the engine hands composed jobs to.
type Queue interface {
	Add(ctx context.Context, job *store.Job, opts queue.Options) (uuid.UUID, error)
	AddBulk(ctx context.Context, jobs []*store.Job, opts queue.Options) error
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	Retry(ctx context.Context, id uuid.UUID) (bool, error)
	Stats() queue.Stats
	Pause()
	Resume()
}

// EngagementTracker records open and click pings.
type EngagementTracker interface {
	RecordOpen(ctx context.Context, trackingID string, meta tracking.Meta) bool
	RecordClick(ctx context.Context, trackingID, url string, meta tracking.Meta) bool
	JobStats(ctx context.Context, jobID uuid.UUID) (*tracking.JobStats, error)
	BatchStats(ctx context.Context, batchID uuid.UUID) (*store.BatchStats, error)
}

// Renderer produces the final subject and body from a template id and
// per-message variables.
type Renderer interface {
	Render(ctx context.Context, templateID string, vars map[string]string) (subject, body string, err error)
}

// SuppressionList answers whether a recipient opted out. Only marketing
// submissions are checked against it.
type SuppressionList interface {
	IsSuppressed(ctx context.Context, recipient string) (bool, error)
}

// SubmitRequest describes one message to dispatch. When TemplateID is
// set the subject and body are rendered; otherwise the literal Subject
// and Body fields are used as-is.
type SubmitRequest struct {
	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject,omitempty"`
	Body       string            `json:"body,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Vars       map[string]string `json:"vars,omitempty"`
	Class      string            `json:"class,omitempty"`
	Priority   int               `json:"priority,omitempty"`
	Delay      time.Duration     `json:"-"`
}

// StatusInfo is the host-facing view of one job's progress.
type StatusInfo struct {
	ID           uuid.UUID  `json:"id"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    *string    `json:"last_error,omitempty"`
	ProviderUsed *string    `json:"provider_used,omitempty"`
	BatchID      *uuid.UUID `json:"batch_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// EngineStats combines queue occupancy with durable status counts.
type EngineStats struct {
	Queue queue.Stats    `json:"queue"`
	Jobs  map[string]int `json:"jobs"`
}

// Engine is the host-facing facade tying composition, scheduling and
// engagement tracking together.
type Engine struct {
	jobs        JobStore
	queue       Queue
	tracker     EngagementTracker
	renderer    Renderer
	suppression SuppressionList
	logger      *zap.Logger
}

// New creates an engine. Renderer and suppression may be nil, in which
// case template submissions are rejected and nothing is suppressed.
func New(jobs JobStore, q Queue, tracker EngagementTracker, renderer Renderer, suppression SuppressionList, logger *zap.Logger) *Engine {
	return &Engine{
		jobs:        jobs,
		queue:       q,
		tracker:     tracker,
		renderer:    renderer,
		suppression: suppression,
		logger:      logger,
	}
}

// Submit composes, persists and enqueues one message. The returned id
// identifies the job for Status, Cancel and Retry.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	job, err := e.compose(ctx, req, nil)
	if err != nil {
		return uuid.Nil, err
	}

	if err := e.jobs.CreateJob(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("failed to persist job: %w", err)
	}
	e.createTracking(ctx, job)

	if _, err := e.queue.Add(ctx, job, queue.Options{Priority: job.Priority, Delay: req.Delay}); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	e.logger.Info("job submitted",
		zap.String("id", job.ID.String()),
		zap.String("class", job.Class),
		zap.Int("priority", job.Priority),
	)
	return job.ID, nil
}

// SubmitBatch composes and enqueues a group of messages that share a
// batch id. Suppressed marketing recipients are skipped, not fatal.
func (e *Engine) SubmitBatch(ctx context.Context, reqs []SubmitRequest) (uuid.UUID, error) {
	if len(reqs) == 0 {
		return uuid.Nil, errors.New("batch is empty")
	}

	batchID := uuid.New()
	jobs := make([]*store.Job, 0, len(reqs))
	for _, req := range reqs {
		if req.Priority == 0 {
			req.Priority = store.PriorityBatch
		}
		job, err := e.compose(ctx, req, &batchID)
		if errors.Is(err, ErrSuppressed) {
			e.logger.Info("skipping suppressed recipient",
				zap.String("batch_id", batchID.String()),
			)
			continue
		}
		if err != nil {
			return uuid.Nil, err
		}
		jobs = append(jobs, job)
	}
	if len(jobs) == 0 {
		return uuid.Nil, errors.New("batch has no deliverable recipients")
	}

	if err := e.jobs.CreateJobs(ctx, jobs); err != nil {
		return uuid.Nil, fmt.Errorf("failed to persist batch: %w", err)
	}
	for _, job := range jobs {
		e.createTracking(ctx, job)
	}

	if err := e.queue.AddBulk(ctx, jobs, queue.Options{}); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue batch: %w", err)
	}

	e.logger.Info("batch submitted",
		zap.String("batch_id", batchID.String()),
		zap.Int("jobs", len(jobs)),
	)
	return batchID, nil
}

func (e *Engine) compose(ctx context.Context, req SubmitRequest, batchID *uuid.UUID) (*store.Job, error) {
	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return nil, errors.New("recipient is required")
	}

	class := req.Class
	if class == "" {
		class = store.ClassTransactional
	}
	if class != store.ClassTransactional && class != store.ClassMarketing {
		return nil, fmt.Errorf("unknown message class %q", class)
	}

	if class == store.ClassMarketing && e.suppression != nil {
		suppressed, err := e.suppression.IsSuppressed(ctx, recipient)
		if err != nil {
			return nil, fmt.Errorf("suppression check failed: %w", err)
		}
		if suppressed {
			return nil, ErrSuppressed
		}
	}

	subject, body := req.Subject, req.Body
	if req.TemplateID != "" {
		if e.renderer == nil {
			return nil, errors.New("template rendering is not configured")
		}
		var err error
		subject, body, err = e.renderer.Render(ctx, req.TemplateID, req.Vars)
		if err != nil {
			return nil, fmt.Errorf("failed to render template %q: %w", req.TemplateID, err)
		}
	}
	if body == "" {
		return nil, errors.New("message body is empty")
	}

	priority := req.Priority
	if priority == 0 {
		priority = store.PriorityDefault
	}
	if priority < store.PriorityHighest || priority > store.PriorityLowest {
		return nil, fmt.Errorf("priority %d out of range", priority)
	}

	var scheduledAt *time.Time
	if req.Delay > 0 {
		at := time.Now().Add(req.Delay)
		scheduledAt = &at
	}

	return &store.Job{
		ID:          uuid.New(),
		Recipient:   recipient,
		Subject:     subject,
		Body:        body,
		Class:       class,
		Priority:    priority,
		Status:      store.StatusPending,
		ScheduledAt: scheduledAt,
		BatchID:     batchID,
		TrackingID:  uuid.NewString(),
	}, nil
}

// createTracking is best-effort; a message without a tracking record
// still delivers, its pings just land on an unknown token.
func (e *Engine) createTracking(ctx context.Context, job *store.Job) {
	rec := &store.TrackingRecord{
		JobID:      job.ID,
		TrackingID: job.TrackingID,
	}
	if err := e.jobs.CreateTrackingRecord(ctx, rec); err != nil {
		e.logger.Error("failed to create tracking record",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
	}
}

// Status reports the current state of one job.
func (e *Engine) Status(ctx context.Context, id uuid.UUID) (*StatusInfo, error) {
	job, err := e.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusInfo{
		ID:           job.ID,
		Status:       job.Status,
		Attempts:     job.Attempts,
		LastError:    job.LastError,
		ProviderUsed: job.ProviderUsed,
		BatchID:      job.BatchID,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}, nil
}

// Cancel marks a known job Cancelled, removing it from the queue when it
// has not dispatched yet. Cancellation is best effort: an attempt already
// in flight may still complete at the provider. Returns false only for
// unknown jobs.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	return e.queue.Cancel(ctx, id)
}

// Retry re-enqueues a failed or cancelled job as a fresh attempt.
func (e *Engine) Retry(ctx context.Context, id uuid.UUID) (bool, error) {
	return e.queue.Retry(ctx, id)
}

// BatchMessages returns the status of every job in a batch.
func (e *Engine) BatchMessages(ctx context.Context, batchID uuid.UUID) ([]*StatusInfo, error) {
	jobs, err := e.jobs.ListJobsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	infos := make([]*StatusInfo, 0, len(jobs))
	for _, job := range jobs {
		infos = append(infos, &StatusInfo{
			ID:           job.ID,
			Status:       job.Status,
			Attempts:     job.Attempts,
			LastError:    job.LastError,
			ProviderUsed: job.ProviderUsed,
			BatchID:      job.BatchID,
			CreatedAt:    job.CreatedAt,
			UpdatedAt:    job.UpdatedAt,
		})
	}
	return infos, nil
}

// PauseDispatch stops workers from pulling new jobs. In-flight attempts
// are not interrupted.
func (e *Engine) PauseDispatch() {
	e.queue.Pause()
}

// ResumeDispatch restarts job pulling after a pause.
func (e *Engine) ResumeDispatch() {
	e.queue.Resume()
}

// RecordOpenPing records an open. The caller always gets the same
// outcome regardless of token validity or dedup.
func (e *Engine) RecordOpenPing(ctx context.Context, trackingID string, meta tracking.Meta) {
	e.tracker.RecordOpen(ctx, trackingID, meta)
}

// RecordClickPing records a click and returns the redirect target.
func (e *Engine) RecordClickPing(ctx context.Context, trackingID, url string, meta tracking.Meta) string {
	e.tracker.RecordClick(ctx, trackingID, url, meta)
	return url
}

// JobEngagement returns counters and recent events for one job.
func (e *Engine) JobEngagement(ctx context.Context, id uuid.UUID) (*tracking.JobStats, error) {
	return e.tracker.JobStats(ctx, id)
}

// BatchEngagement aggregates engagement across a batch.
func (e *Engine) BatchEngagement(ctx context.Context, batchID uuid.UUID) (*store.BatchStats, error) {
	return e.tracker.BatchStats(ctx, batchID)
}

// RecordDeliveryOutcome applies a provider callback to a sent job.
// Only sent jobs move; anything else is ignored and reported false.
func (e *Engine) RecordDeliveryOutcome(ctx context.Context, id uuid.UUID, outcome string) (bool, error) {
	if outcome != store.StatusDelivered && outcome != store.StatusBounced {
		return false, fmt.Errorf("unknown delivery outcome %q", outcome)
	}

	job, err := e.jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if job.Status != store.StatusSent {
		return false, nil
	}

	if err := e.jobs.UpdateJobStatus(ctx, id, outcome, job.Attempts, nil, nil); err != nil {
		return false, err
	}
	e.logger.Info("delivery outcome recorded",
		zap.String("id", id.String()),
		zap.String("outcome", outcome),
	)
	return true, nil
}

// Stats combines live queue occupancy with durable status counts.
func (e *Engine) Stats(ctx context.Context) (*EngineStats, error) {
	counts, err := e.jobs.JobStatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	return &EngineStats{
		Queue: e.queue.Stats(),
		Jobs:  counts,
	}, nil
}
