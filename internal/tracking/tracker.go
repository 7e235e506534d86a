// Package tracking records open and click signals against a job's
// tracking token, deduplicating repeated pings within a TTL window.
// Tracking is best-effort: storage errors are logged and the ping is
// dropped, never surfaced to the HTTP response.
package tracking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parcelpost/relay/internal/metrics"
	"github.com/parcelpost/relay/internal/store"
)

// TrackingStore is the slice of the durable repository the tracker needs.
type TrackingStore interface {
	GetTrackingRecord(ctx context.Context, trackingID string) (*store.TrackingRecord, error)
	GetTrackingRecordByJob(ctx context.Context, jobID uuid.UUID) (*store.TrackingRecord, error)
	UpdateTrackingRecord(ctx context.Context, rec *store.TrackingRecord) error
	AppendTrackingEvent(ctx context.Context, ev *store.TrackingEvent) error
	ListTrackingEvents(ctx context.Context, jobID uuid.UUID, limit int) ([]*store.TrackingEvent, error)
	GetBatchStats(ctx context.Context, batchID uuid.UUID) (*store.BatchStats, error)
}

// DedupKV is the TTL store backing the dedup window.
type DedupKV interface {
	SetIfAbsentWithExpiry(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Config holds tracker tuning parameters.
type Config struct {
	// DedupTTL is the window during which a repeated ping for the same
	// identity is treated as a replay.
	DedupTTL time.Duration

	// RecentEvents is how many event-log entries JobStats returns.
	RecentEvents int
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		DedupTTL:     10 * time.Minute,
		RecentEvents: 20,
	}
}

// Meta carries request metadata from a tracking ping.
type Meta struct {
	UserAgent string
	IPAddress string
}

// JobStats bundles the counters with the most recent event-log entries.
type JobStats struct {
	Record *store.TrackingRecord  `json:"record"`
	Events []*store.TrackingEvent `json:"events"`
}

// Tracker records engagement events.
type Tracker struct {
	records TrackingStore
	dedup   DedupKV
	config  Config
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a tracker.
func New(records TrackingStore, dedup DedupKV, cfg Config, logger *zap.Logger) *Tracker {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = 20
	}

	return &Tracker{
		records: records,
		dedup:   dedup,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// RecordOpen records an open ping. Returns true only when the ping is
// newly recorded: unknown tokens and pings inside the dedup window are
// ignored without touching any counter.
func (t *Tracker) RecordOpen(ctx context.Context, trackingID string, meta Meta) bool {
	metrics.RecordTrackingPing(store.EventOpen)

	rec, ok := t.lookup(ctx, trackingID)
	if !ok {
		return false
	}

	key := dedupKey(store.EventOpen, trackingID, meta.IPAddress, "")
	first, err := t.dedup.SetIfAbsentWithExpiry(ctx, key, "1", t.config.DedupTTL)
	if err != nil {
		t.logger.Warn("open dedup check failed, dropping ping",
			zap.Error(err),
			zap.String("tracking_id", trackingID),
		)
		return false
	}
	if !first {
		metrics.RecordTrackingDedupHit(store.EventOpen)
		return false
	}

	now := t.now()
	rec.Opened = true
	if rec.OpenedAt == nil {
		rec.OpenedAt = &now
	}
	rec.OpenCount++
	t.stampLastSeen(rec, meta)

	if err := t.records.UpdateTrackingRecord(ctx, rec); err != nil {
		t.logger.Error("failed to update tracking record for open",
			zap.Error(err),
			zap.String("tracking_id", trackingID),
		)
		return false
	}

	t.appendEvent(ctx, rec, store.EventOpen, nil, meta)
	return true
}

// RecordClick records a click ping. Distinct URLs within one message are
// deduplicated independently. Unlike opens, the click counters and
// last-seen fields are updated whether or not the ping is a duplicate;
// only the discrete event-log entry is suppressed inside the window.
func (t *Tracker) RecordClick(ctx context.Context, trackingID, url string, meta Meta) bool {
	metrics.RecordTrackingPing(store.EventClick)

	rec, ok := t.lookup(ctx, trackingID)
	if !ok {
		return false
	}

	key := dedupKey(store.EventClick, trackingID, meta.IPAddress, url)
	first, err := t.dedup.SetIfAbsentWithExpiry(ctx, key, "1", t.config.DedupTTL)
	if err != nil {
		t.logger.Warn("click dedup check failed, counting without event log",
			zap.Error(err),
			zap.String("tracking_id", trackingID),
		)
		first = false
	}
	if !first {
		metrics.RecordTrackingDedupHit(store.EventClick)
	}

	now := t.now()
	rec.Clicked = true
	if rec.ClickedAt == nil {
		rec.ClickedAt = &now
	}
	rec.ClickCount++
	t.stampLastSeen(rec, meta)

	if err := t.records.UpdateTrackingRecord(ctx, rec); err != nil {
		t.logger.Error("failed to update tracking record for click",
			zap.Error(err),
			zap.String("tracking_id", trackingID),
		)
		return false
	}

	if first {
		t.appendEvent(ctx, rec, store.EventClick, &url, meta)
	}
	return first
}

// JobStats returns the counters plus the most recent event-log entries.
func (t *Tracker) JobStats(ctx context.Context, jobID uuid.UUID) (*JobStats, error) {
	rec, err := t.records.GetTrackingRecordByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	events, err := t.records.ListTrackingEvents(ctx, jobID, t.config.RecentEvents)
	if err != nil {
		return nil, err
	}

	return &JobStats{Record: rec, Events: events}, nil
}

// BatchStats aggregates engagement across all sent jobs in a batch.
func (t *Tracker) BatchStats(ctx context.Context, batchID uuid.UUID) (*store.BatchStats, error) {
	return t.records.GetBatchStats(ctx, batchID)
}

// lookup resolves a tracking token. Unknown or unreadable tokens are
// ignored silently; tracking endpoints are unauthenticated and pings may
// be replayed or forged.
func (t *Tracker) lookup(ctx context.Context, trackingID string) (*store.TrackingRecord, bool) {
	rec, err := t.records.GetTrackingRecord(ctx, trackingID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("tracking record lookup failed, dropping ping",
				zap.Error(err),
				zap.String("tracking_id", trackingID),
			)
		}
		return nil, false
	}
	return rec, true
}

func (t *Tracker) stampLastSeen(rec *store.TrackingRecord, meta Meta) {
	if meta.UserAgent != "" {
		ua := meta.UserAgent
		rec.LastUserAgent = &ua
	}
	if meta.IPAddress != "" {
		ip := meta.IPAddress
		rec.LastIPAddress = &ip
	}
}

func (t *Tracker) appendEvent(ctx context.Context, rec *store.TrackingRecord, kind string, url *string, meta Meta) {
	ev := &store.TrackingEvent{
		ID:         uuid.New(),
		JobID:      rec.JobID,
		TrackingID: rec.TrackingID,
		Kind:       kind,
		URL:        url,
	}
	if meta.UserAgent != "" {
		ua := meta.UserAgent
		ev.UserAgent = &ua
	}
	if meta.IPAddress != "" {
		ip := meta.IPAddress
		ev.IPAddress = &ip
	}

	if err := t.records.AppendTrackingEvent(ctx, ev); err != nil {
		t.logger.Error("failed to append tracking event",
			zap.Error(err),
			zap.String("tracking_id", rec.TrackingID),
			zap.String("kind", kind),
		)
	}
}

// dedupKey builds the replay-window key. The client IP falls back to
// "unknown"; click keys additionally bind the URL.
func dedupKey(kind, trackingID, ip, url string) string {
	if ip == "" {
		ip = "unknown"
	}
	key := "track:dedup:" + kind + ":" + trackingID + ":" + ip
	if url != "" {
		sum := sha256.Sum256([]byte(url))
		key += ":" + hex.EncodeToString(sum[:8])
	}
	return key
}
