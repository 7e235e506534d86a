package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parcelpost/relay/internal/queue"
	"github.com/parcelpost/relay/internal/store"
	"github.com/parcelpost/relay/internal/tracking"
)

type memJobStore struct {
	jobs     map[uuid.UUID]*store.Job
	tracking map[string]*store.TrackingRecord
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs:     make(map[uuid.UUID]*store.Job),
		tracking: make(map[string]*store.TrackingRecord),
	}
}

func (m *memJobStore) CreateJob(ctx context.Context, job *store.Job) error {
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memJobStore) CreateJobs(ctx context.Context, jobs []*store.Job) error {
	for _, job := range jobs {
		if err := m.CreateJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (m *memJobStore) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memJobStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, attempts int, lastError *string, providerUsed *string) error {
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = status
	job.Attempts = attempts
	job.LastError = lastError
	if providerUsed != nil {
		job.ProviderUsed = providerUsed
	}
	return nil
}

func (m *memJobStore) ListJobsByBatch(ctx context.Context, batchID uuid.UUID) ([]*store.Job, error) {
	var out []*store.Job
	for _, job := range m.jobs {
		if job.BatchID != nil && *job.BatchID == batchID {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memJobStore) JobStatusCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (m *memJobStore) CreateTrackingRecord(ctx context.Context, rec *store.TrackingRecord) error {
	copied := *rec
	m.tracking[rec.TrackingID] = &copied
	return nil
}

type fakeQueue struct {
	added     []*store.Job
	addedOpts []queue.Options
	cancelled []uuid.UUID
	retried   []uuid.UUID
	stats     queue.Stats
	paused    bool
}

func (f *fakeQueue) Add(ctx context.Context, job *store.Job, opts queue.Options) (uuid.UUID, error) {
	f.added = append(f.added, job)
	f.addedOpts = append(f.addedOpts, opts)
	return job.ID, nil
}

func (f *fakeQueue) AddBulk(ctx context.Context, jobs []*store.Job, opts queue.Options) error {
	f.added = append(f.added, jobs...)
	return nil
}

func (f *fakeQueue) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	f.cancelled = append(f.cancelled, id)
	return true, nil
}

func (f *fakeQueue) Retry(ctx context.Context, id uuid.UUID) (bool, error) {
	f.retried = append(f.retried, id)
	return true, nil
}

func (f *fakeQueue) Stats() queue.Stats { return f.stats }
func (f *fakeQueue) Pause()             { f.paused = true }
func (f *fakeQueue) Resume()            { f.paused = false }

type fakeTracker struct {
	opens  []string
	clicks []string
}

func (f *fakeTracker) RecordOpen(ctx context.Context, trackingID string, meta tracking.Meta) bool {
	f.opens = append(f.opens, trackingID)
	return true
}

func (f *fakeTracker) RecordClick(ctx context.Context, trackingID, url string, meta tracking.Meta) bool {
	f.clicks = append(f.clicks, trackingID)
	return true
}

func (f *fakeTracker) JobStats(ctx context.Context, jobID uuid.UUID) (*tracking.JobStats, error) {
	return &tracking.JobStats{}, nil
}

func (f *fakeTracker) BatchStats(ctx context.Context, batchID uuid.UUID) (*store.BatchStats, error) {
	return &store.BatchStats{BatchID: batchID}, nil
}

type fakeSuppression struct {
	blocked map[string]bool
}

func (f *fakeSuppression) IsSuppressed(ctx context.Context, recipient string) (bool, error) {
	return f.blocked[recipient], nil
}

func setupEngine(t *testing.T) (*Engine, *memJobStore, *fakeQueue, *fakeTracker) {
	t.Helper()

	jobs := newMemJobStore()
	q := &fakeQueue{}
	tracker := &fakeTracker{}
	renderer := NewTemplateRenderer()
	if err := renderer.Register("welcome", "Hello {{.name}}", "Welcome aboard, {{.name}}!"); err != nil {
		t.Fatalf("failed to register template: %v", err)
	}
	suppression := &fakeSuppression{blocked: map[string]bool{"optout@example.com": true}}

	return New(jobs, q, tracker, renderer, suppression, zap.NewNop()), jobs, q, tracker
}

func TestSubmit_Defaults(t *testing.T) {
	eng, jobs, q, _ := setupEngine(t)

	id, err := eng.Submit(context.Background(), SubmitRequest{
		Recipient: "user@example.com",
		Subject:   "hi",
		Body:      "hello",
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	job, err := jobs.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.Class != store.ClassTransactional {
		t.Errorf("expected transactional default, got %q", job.Class)
	}
	if job.Priority != store.PriorityDefault {
		t.Errorf("expected default priority, got %d", job.Priority)
	}
	if job.TrackingID == "" {
		t.Error("expected a tracking id")
	}
	if _, ok := jobs.tracking[job.TrackingID]; !ok {
		t.Error("expected a tracking record")
	}
	if len(q.added) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(q.added))
	}
}

func TestSubmit_RendersTemplate(t *testing.T) {
	eng, jobs, _, _ := setupEngine(t)

	id, err := eng.Submit(context.Background(), SubmitRequest{
		Recipient:  "user@example.com",
		TemplateID: "welcome",
		Vars:       map[string]string{"name": "Dana"},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	job, _ := jobs.GetJob(context.Background(), id)
	if job.Subject != "Hello Dana" {
		t.Errorf("unexpected subject %q", job.Subject)
	}
	if job.Body != "Welcome aboard, Dana!" {
		t.Errorf("unexpected body %q", job.Body)
	}
}

func TestSubmit_SuppressedMarketing(t *testing.T) {
	eng, _, q, _ := setupEngine(t)

	_, err := eng.Submit(context.Background(), SubmitRequest{
		Recipient: "optout@example.com",
		Body:      "sale!",
		Class:     store.ClassMarketing,
	})
	if !errors.Is(err, ErrSuppressed) {
		t.Fatalf("expected ErrSuppressed, got %v", err)
	}
	if len(q.added) != 0 {
		t.Error("suppressed submission must not enqueue")
	}
}

func TestSubmit_TransactionalIgnoresSuppression(t *testing.T) {
	eng, _, _, _ := setupEngine(t)

	// Transactional messages reach suppressed recipients.
	if _, err := eng.Submit(context.Background(), SubmitRequest{
		Recipient: "optout@example.com",
		Body:      "your receipt",
	}); err != nil {
		t.Fatalf("transactional submit failed: %v", err)
	}
}

func TestSubmit_Validation(t *testing.T) {
	eng, _, _, _ := setupEngine(t)
	ctx := context.Background()

	if _, err := eng.Submit(ctx, SubmitRequest{Body: "x"}); err == nil {
		t.Error("expected error for missing recipient")
	}
	if _, err := eng.Submit(ctx, SubmitRequest{Recipient: "a@b.c"}); err == nil {
		t.Error("expected error for empty body")
	}
	if _, err := eng.Submit(ctx, SubmitRequest{Recipient: "a@b.c", Body: "x", Priority: 9}); err == nil {
		t.Error("expected error for out-of-range priority")
	}
	if _, err := eng.Submit(ctx, SubmitRequest{Recipient: "a@b.c", Body: "x", Class: "bulk"}); err == nil {
		t.Error("expected error for unknown class")
	}
}

func TestSubmitBatch(t *testing.T) {
	eng, jobs, q, _ := setupEngine(t)

	batchID, err := eng.SubmitBatch(context.Background(), []SubmitRequest{
		{Recipient: "a@example.com", Body: "x", Class: store.ClassMarketing},
		{Recipient: "optout@example.com", Body: "x", Class: store.ClassMarketing},
		{Recipient: "b@example.com", Body: "x", Class: store.ClassMarketing},
	})
	if err != nil {
		t.Fatalf("batch submit failed: %v", err)
	}

	// The suppressed recipient is skipped, not fatal.
	if len(q.added) != 2 {
		t.Fatalf("expected 2 enqueued jobs, got %d", len(q.added))
	}
	for _, job := range q.added {
		if job.BatchID == nil || *job.BatchID != batchID {
			t.Error("expected all jobs to share the batch id")
		}
		if job.Priority != store.PriorityBatch {
			t.Errorf("expected batch priority, got %d", job.Priority)
		}
	}
	if len(jobs.jobs) != 2 {
		t.Errorf("expected 2 persisted jobs, got %d", len(jobs.jobs))
	}
}

func TestBatchMessages(t *testing.T) {
	eng, _, _, _ := setupEngine(t)
	ctx := context.Background()

	batchID, err := eng.SubmitBatch(ctx, []SubmitRequest{
		{Recipient: "a@example.com", Body: "x"},
		{Recipient: "b@example.com", Body: "x"},
	})
	if err != nil {
		t.Fatalf("batch submit failed: %v", err)
	}

	infos, err := eng.BatchMessages(ctx, batchID)
	if err != nil {
		t.Fatalf("batch messages failed: %v", err)
	}
	if len(infos) != 2 {
		t.Errorf("expected 2 messages, got %d", len(infos))
	}
}

func TestPauseResumeDispatch(t *testing.T) {
	eng, _, q, _ := setupEngine(t)

	eng.PauseDispatch()
	if !q.paused {
		t.Error("expected the queue to be paused")
	}
	eng.ResumeDispatch()
	if q.paused {
		t.Error("expected the queue to be resumed")
	}
}

func TestRecordClickPing_ReturnsTarget(t *testing.T) {
	eng, _, _, tracker := setupEngine(t)

	url := eng.RecordClickPing(context.Background(), "tok", "https://example.com/p", tracking.Meta{})
	if url != "https://example.com/p" {
		t.Errorf("unexpected redirect target %q", url)
	}
	if len(tracker.clicks) != 1 {
		t.Error("expected the click to be recorded")
	}
}

func TestRecordDeliveryOutcome(t *testing.T) {
	eng, jobs, _, _ := setupEngine(t)
	ctx := context.Background()

	id, err := eng.Submit(ctx, SubmitRequest{Recipient: "a@b.c", Subject: "s", Body: "x"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	// Not sent yet.
	ok, err := eng.RecordDeliveryOutcome(ctx, id, store.StatusDelivered)
	if err != nil || ok {
		t.Fatalf("expected no-op for a pending job, got ok=%v err=%v", ok, err)
	}

	jobs.jobs[id].Status = store.StatusSent
	ok, err = eng.RecordDeliveryOutcome(ctx, id, store.StatusDelivered)
	if err != nil || !ok {
		t.Fatalf("expected delivery to apply, got ok=%v err=%v", ok, err)
	}
	if jobs.jobs[id].Status != store.StatusDelivered {
		t.Errorf("expected delivered, got %q", jobs.jobs[id].Status)
	}

	if ok, _ := eng.RecordDeliveryOutcome(ctx, uuid.New(), store.StatusBounced); ok {
		t.Error("unknown job must report false")
	}
	if _, err := eng.RecordDeliveryOutcome(ctx, id, "lost"); err == nil {
		t.Error("expected error for an unknown outcome")
	}
}

func TestStats(t *testing.T) {
	eng, _, q, _ := setupEngine(t)
	q.stats = queue.Stats{Waiting: 2, Active: 1}

	if _, err := eng.Submit(context.Background(), SubmitRequest{Recipient: "a@b.c", Body: "x"}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	stats, err := eng.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Queue.Waiting != 2 {
		t.Errorf("unexpected queue stats: %+v", stats.Queue)
	}
	if stats.Jobs[store.StatusPending] != 1 {
		t.Errorf("unexpected job counts: %+v", stats.Jobs)
	}
}

func TestTemplateRenderer(t *testing.T) {
	r := NewTemplateRenderer()
	if err := r.Register("t", "S {{.a}}", "B {{.a}}"); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	subject, body, err := r.Render(context.Background(), "t", map[string]string{"a": "1"})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if subject != "S 1" || body != "B 1" {
		t.Errorf("unexpected render output %q / %q", subject, body)
	}

	if _, _, err := r.Render(context.Background(), "missing", nil); err == nil {
		t.Error("expected error for an unregistered template")
	}
	if _, _, err := r.Render(context.Background(), "t", nil); err == nil {
		t.Error("expected error for a missing variable")
	}
}

func TestTemplateRenderer_ParseError(t *testing.T) {
	r := NewTemplateRenderer()
	if err := r.Register("bad", "{{.a", "body"); err == nil {
		t.Error("expected parse error")
	}
}
