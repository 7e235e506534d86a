// Package queue implements the priority delivery queue: it orders pending
// jobs by priority and scheduled time, dispatches them through the
// failover controller with a bounded worker pool, and retries failed
// attempts with exponential backoff.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parcelpost/relay/internal/metrics"
	"github.com/parcelpost/relay/internal/provider"
	"github.com/parcelpost/relay/internal/store"
)

// JobStore is the slice of the durable repository the queue needs. Each
// attempt re-reads job state; workers never share a mutable job object.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, attempts int, lastError *string, providerUsed *string) error
}

// Selector is the failover controller surface the queue dispatches through.
type Selector interface {
	SelectProvider(ctx context.Context) (provider.Provider, error)
	RecordFailure(ctx context.Context, name, reason string, retryable bool)
	RecordSuccess(ctx context.Context, name string)
}

// Config holds delivery queue tuning parameters.
type Config struct {
	// Workers bounds the number of concurrent in-flight dispatch attempts.
	Workers int

	// MaxAttempts is the default dispatch attempt budget per job.
	MaxAttempts int

	// BaseBackoff is the delay before the first retry; it doubles per
	// attempt.
	BaseBackoff time.Duration

	// SendTimeout bounds one provider call. Expiry counts as a
	// retryable failure.
	SendTimeout time.Duration

	// StoreRetryDelay is the local backoff between retries of a failed
	// job-state write.
	StoreRetryDelay time.Duration
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		MaxAttempts:     3,
		BaseBackoff:     30 * time.Second,
		SendTimeout:     30 * time.Second,
		StoreRetryDelay: 250 * time.Millisecond,
	}
}

// Options override per-job scheduling parameters on Add.
type Options struct {
	Priority    int           // 1 (highest) to 5 (lowest); 0 means default
	Delay       time.Duration // additional delay before eligibility
	MaxAttempts int           // 0 means the queue default
	BaseBackoff time.Duration // 0 means the queue default
}

// Stats reports queue occupancy by state.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// DeliveryQueue schedules jobs and drives dispatch attempts.
type DeliveryQueue struct {
	jobs     JobStore
	selector Selector
	config   Config
	logger   *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	ready     readyHeap
	delayed   delayedHeap
	items     map[uuid.UUID]*item
	seq       uint64
	active    int
	completed int
	failed    int
	paused    bool
	closed    bool
	wakeAt    time.Time

	wg sync.WaitGroup
}

// New creates a delivery queue. Workers do not run until Start.
func New(jobs JobStore, selector Selector, cfg Config, logger *zap.Logger) *DeliveryQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.StoreRetryDelay <= 0 {
		cfg.StoreRetryDelay = 250 * time.Millisecond
	}

	q := &DeliveryQueue{
		jobs:     jobs,
		selector: selector,
		config:   cfg,
		logger:   logger,
		items:    make(map[uuid.UUID]*item),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the worker pool.
func (q *DeliveryQueue) Start(ctx context.Context) {
	q.logger.Info("starting delivery queue", zap.Int("workers", q.config.Workers))

	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}

	// Wake blocked workers when the context ends.
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		<-ctx.Done()
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.cond.Broadcast()
	}()
}

// Stop drains the worker pool. In-flight attempts run to completion.
func (q *DeliveryQueue) Stop() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	q.wg.Wait()
	q.logger.Info("delivery queue stopped")
}

// Pause stops workers from pulling new jobs. In-flight attempts are not
// interrupted.
func (q *DeliveryQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.logger.Info("delivery queue paused")
}

// Resume restarts job pulling after a Pause.
func (q *DeliveryQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
	q.logger.Info("delivery queue resumed")
}

// Add accepts a fully-composed, persisted job into the queue. The job's
// status becomes Queued. Returns the queue handle, which equals the job id.
func (q *DeliveryQueue) Add(ctx context.Context, job *store.Job, opts Options) (uuid.UUID, error) {
	if err := q.updateStatus(ctx, job.ID, store.StatusQueued, job.Attempts, nil, nil); err != nil {
		return uuid.Nil, err
	}

	q.mu.Lock()
	q.enqueueLocked(job, opts)
	q.mu.Unlock()
	q.cond.Broadcast()

	metrics.RecordJobEnqueued(job.Class)
	q.updateGauges()

	return job.ID, nil
}

// AddBulk enqueues a batch of persisted jobs. All jobs become Queued and
// visible to workers together.
func (q *DeliveryQueue) AddBulk(ctx context.Context, jobs []*store.Job, opts Options) error {
	for _, job := range jobs {
		if err := q.updateStatus(ctx, job.ID, store.StatusQueued, job.Attempts, nil, nil); err != nil {
			return err
		}
	}

	q.mu.Lock()
	for _, job := range jobs {
		q.enqueueLocked(job, opts)
		metrics.RecordJobEnqueued(job.Class)
	}
	q.mu.Unlock()
	q.cond.Broadcast()
	q.updateGauges()

	return nil
}

// enqueueLocked inserts one scheduling item. Caller holds q.mu.
func (q *DeliveryQueue) enqueueLocked(job *store.Job, opts Options) {
	priority := opts.Priority
	if priority == 0 {
		priority = job.Priority
	}
	if priority < store.PriorityHighest {
		priority = store.PriorityHighest
	}
	if priority > store.PriorityLowest {
		priority = store.PriorityLowest
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = job.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = q.config.MaxAttempts
	}

	backoff := opts.BaseBackoff
	if backoff <= 0 {
		backoff = q.config.BaseBackoff
	}

	eligibleAt := time.Now().Add(opts.Delay)
	if job.ScheduledAt != nil && job.ScheduledAt.After(eligibleAt) {
		eligibleAt = *job.ScheduledAt
	}

	q.seq++
	it := &item{
		id:          job.ID,
		priority:    priority,
		eligibleAt:  eligibleAt,
		seq:         q.seq,
		maxAttempts: maxAttempts,
		baseBackoff: backoff,
	}
	q.items[job.ID] = it
	q.pushLocked(it)
}

// pushLocked places the item on the ready or delayed heap.
func (q *DeliveryQueue) pushLocked(it *item) {
	if it.eligibleAt.After(time.Now()) {
		it.loc = locDelayed
		heap.Push(&q.delayed, it)
	} else {
		it.loc = locReady
		heap.Push(&q.ready, it)
	}
}

// Retry re-enqueues a job independent of its original attempt budget.
// Returns false only if the job is unknown to both queue and store.
func (q *DeliveryQueue) Retry(ctx context.Context, id uuid.UUID) (bool, error) {
	q.mu.Lock()
	if _, ok := q.items[id]; ok {
		q.mu.Unlock()
		return true, nil
	}
	q.mu.Unlock()

	job, err := q.jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if err := q.updateStatus(ctx, id, store.StatusQueued, job.Attempts, job.LastError, nil); err != nil {
		return false, err
	}

	job.ScheduledAt = nil
	q.mu.Lock()
	q.enqueueLocked(job, Options{})
	q.mu.Unlock()
	q.cond.Broadcast()
	q.updateGauges()

	q.logger.Info("job re-enqueued for manual retry", zap.String("job_id", id.String()))
	return true, nil
}

// Cancel prevents a future dispatch attempt from starting. A job still
// waiting or delayed is removed and marked Cancelled. A job past the
// pre-dispatch state is still marked Cancelled in the store even though
// an in-flight attempt may complete; this is best-effort, not a delivery
// guarantee. Returns false only when the id is entirely unknown.
func (q *DeliveryQueue) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	q.mu.Lock()
	it, ok := q.items[id]
	if ok {
		it.cancelled = true
		switch it.loc {
		case locReady:
			heap.Remove(&q.ready, it.index)
			it.loc = locNone
			delete(q.items, id)
		case locDelayed:
			heap.Remove(&q.delayed, it.index)
			it.loc = locNone
			delete(q.items, id)
		}
		// locActive: the in-flight attempt runs to completion; the
		// worker observes the flag and leaves the status Cancelled.
	}
	q.mu.Unlock()

	job, err := q.jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) && !ok {
			return false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}
	attempts := 0
	if job != nil {
		attempts = job.Attempts
	}

	if err := q.updateStatus(ctx, id, store.StatusCancelled, attempts, nil, nil); err != nil {
		return false, err
	}

	q.updateGauges()
	q.logger.Info("job cancelled", zap.String("job_id", id.String()))
	return true, nil
}

// Stats returns queue occupancy counters.
func (q *DeliveryQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Waiting:   q.ready.Len(),
		Active:    q.active,
		Completed: q.completed,
		Failed:    q.failed,
		Delayed:   q.delayed.Len(),
	}
}

func (q *DeliveryQueue) updateGauges() {
	s := q.Stats()
	metrics.SetQueueJobs("waiting", s.Waiting)
	metrics.SetQueueJobs("active", s.Active)
	metrics.SetQueueJobs("delayed", s.Delayed)
}

func (q *DeliveryQueue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		it, ok := q.next()
		if !ok {
			return
		}
		q.dispatch(ctx, it)
	}
}

// next blocks until an eligible item is available, the queue resumes, or
// the queue closes. Returns false when the queue is shutting down.
func (q *DeliveryQueue) next() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return nil, false
		}

		if !q.paused {
			q.promoteLocked()

			if q.ready.Len() > 0 {
				it := heap.Pop(&q.ready).(*item)
				it.loc = locActive
				q.active++
				return it, true
			}

			if q.delayed.Len() > 0 {
				q.scheduleWakeLocked(q.delayed[0].eligibleAt)
			}
		}

		q.cond.Wait()
	}
}

// promoteLocked moves newly-eligible items from the delayed heap to the
// ready heap. Caller holds q.mu.
func (q *DeliveryQueue) promoteLocked() {
	now := time.Now()
	for q.delayed.Len() > 0 && !q.delayed[0].eligibleAt.After(now) {
		it := heap.Pop(&q.delayed).(*item)
		it.loc = locReady
		heap.Push(&q.ready, it)
	}
}

// scheduleWakeLocked arms a timer for the next delayed item. Caller holds
// q.mu.
func (q *DeliveryQueue) scheduleWakeLocked(at time.Time) {
	if !q.wakeAt.IsZero() && !at.Before(q.wakeAt) {
		return
	}
	q.wakeAt = at

	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	time.AfterFunc(d, func() {
		q.mu.Lock()
		q.wakeAt = time.Time{}
		q.mu.Unlock()
		q.cond.Broadcast()
	})
}

// dispatch runs one attempt for the item and decides its next state.
func (q *DeliveryQueue) dispatch(ctx context.Context, it *item) {
	defer q.updateGauges()

	// Re-read job state; retries are independent invocations and the
	// job may have been cancelled since scheduling.
	job, err := q.jobs.GetJob(ctx, it.id)
	if err != nil {
		q.logger.Error("failed to load job for dispatch",
			zap.Error(err),
			zap.String("job_id", it.id.String()),
		)
		q.requeue(it, q.config.StoreRetryDelay)
		return
	}

	if job.Status == store.StatusCancelled || q.isCancelled(it) {
		q.finish(it, false)
		return
	}

	attempt := job.Attempts + 1
	it.attempt++

	if err := q.updateStatus(ctx, job.ID, store.StatusSending, job.Attempts, nil, nil); err != nil {
		q.logger.Error("failed to mark job sending, leaving queued for re-pickup",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		it.attempt--
		q.requeue(it, q.config.StoreRetryDelay)
		return
	}

	p, err := q.selector.SelectProvider(ctx)
	if err != nil {
		q.logger.Error("no provider available for dispatch",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
			zap.Int("attempt", attempt),
		)
		q.handleFailure(ctx, it, job, attempt, "", "no provider available", true)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, q.config.SendTimeout)
	start := time.Now()
	_, sendErr := p.Send(sendCtx, &provider.Message{
		JobID:     job.ID.String(),
		Recipient: job.Recipient,
		Subject:   job.Subject,
		Body:      job.Body,
	})
	cancel()

	if sendErr != nil {
		metrics.RecordDispatchAttempt(p.Name(), "failure", time.Since(start))
		retryable := provider.IsRetryable(sendErr)
		q.selector.RecordFailure(ctx, p.Name(), sendErr.Error(), retryable)
		q.handleFailure(ctx, it, job, attempt, p.Name(), sendErr.Error(), retryable)
		return
	}

	metrics.RecordDispatchAttempt(p.Name(), "success", time.Since(start))
	q.selector.RecordSuccess(ctx, p.Name())

	name := p.Name()
	if q.isCancelled(it) {
		// The attempt completed after a cancel: the outcome is recorded
		// against the provider but the job stays Cancelled.
		q.logger.Warn("job delivered after cancellation",
			zap.String("job_id", job.ID.String()),
			zap.String("provider", name),
		)
		q.finish(it, false)
		return
	}

	if err := q.updateStatus(ctx, job.ID, store.StatusSent, attempt, nil, &name); err != nil {
		q.logger.Error("failed to mark job sent",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
	}

	q.logger.Info("job dispatched",
		zap.String("job_id", job.ID.String()),
		zap.String("provider", name),
		zap.Int("attempt", attempt),
	)
	q.finish(it, false)
}

// handleFailure schedules a retry with exponential backoff or finalizes
// the job. Non-retryable errors fail immediately even with attempts
// remaining.
func (q *DeliveryQueue) handleFailure(ctx context.Context, it *item, job *store.Job, attempt int, providerName, reason string, retryable bool) {
	errMsg := reason

	if q.isCancelled(it) {
		q.finish(it, false)
		return
	}

	if !retryable || it.attempt >= it.maxAttempts {
		if err := q.updateStatus(ctx, job.ID, store.StatusFailed, attempt, &errMsg, nil); err != nil {
			q.logger.Error("failed to mark job failed",
				zap.Error(err),
				zap.String("job_id", job.ID.String()),
			)
		}
		q.logger.Warn("job failed",
			zap.String("job_id", job.ID.String()),
			zap.String("provider", providerName),
			zap.Int("attempt", attempt),
			zap.Bool("retryable", retryable),
			zap.String("error", reason),
		)
		q.finish(it, true)
		return
	}

	backoff := it.baseBackoff << (it.attempt - 1)
	if err := q.updateStatus(ctx, job.ID, store.StatusQueued, attempt, &errMsg, nil); err != nil {
		q.logger.Error("failed to mark job queued for retry",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
	}

	q.logger.Info("job scheduled for retry",
		zap.String("job_id", job.ID.String()),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", backoff),
	)
	q.requeue(it, backoff)
}

// requeue puts an in-flight item back on the schedule after a delay.
func (q *DeliveryQueue) requeue(it *item, delay time.Duration) {
	q.mu.Lock()
	q.active--
	if it.cancelled {
		delete(q.items, it.id)
		q.mu.Unlock()
		q.cond.Broadcast()
		return
	}
	it.eligibleAt = time.Now().Add(delay)
	q.pushLocked(it)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// finish removes an in-flight item from the queue.
func (q *DeliveryQueue) finish(it *item, failed bool) {
	q.mu.Lock()
	q.active--
	if failed {
		q.failed++
	} else if !it.cancelled {
		q.completed++
	}
	delete(q.items, it.id)
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *DeliveryQueue) isCancelled(it *item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return it.cancelled
}

// updateStatus writes a job-state transition with a short local backoff,
// per the store error policy for transitions.
func (q *DeliveryQueue) updateStatus(ctx context.Context, id uuid.UUID, status string, attempts int, lastError *string, providerUsed *string) error {
	var err error
	for i := 0; i < 3; i++ {
		err = q.jobs.UpdateJobStatus(ctx, id, status, attempts, lastError, providerUsed)
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(q.config.StoreRetryDelay):
		}
	}
	return err
}
