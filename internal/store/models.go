package store

import (
	"time"

	"github.com/google/uuid"
)

// Job represents a single delivery job in the database
type Job struct {
	ID           uuid.UUID  `json:"id"`
	Recipient    string     `json:"recipient"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	Class        string     `json:"class"`
	Priority     int        `json:"priority"`
	Status       string     `json:"status"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	LastError    *string    `json:"last_error,omitempty"`
	ProviderUsed *string    `json:"provider_used,omitempty"`
	BatchID      *uuid.UUID `json:"batch_id,omitempty"`
	TrackingID   string     `json:"tracking_id"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Job status constants
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusBounced   = "bounced"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job class constants. Suppression checks apply to marketing jobs only.
const (
	ClassTransactional = "transactional"
	ClassMarketing     = "marketing"
)

// Priority bounds. Lower value dispatches first.
const (
	PriorityHighest = 1
	PriorityDefault = 3
	PriorityBatch   = 4
	PriorityLowest  = 5
)

// ProviderConfig holds the durable state for one delivery provider
type ProviderConfig struct {
	Name                string     `json:"name"`
	Type                string     `json:"type"`
	IsPrimary           bool       `json:"is_primary"`
	Priority            int        `json:"priority"`
	IsActive            bool       `json:"is_active"`
	IsHealthy           bool       `json:"is_healthy"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastHealthCheck     *time.Time `json:"last_health_check,omitempty"`
	DailyLimit          int        `json:"daily_limit"`
	CurrentDailyCount   int        `json:"current_daily_count"`
	LastResetAt         time.Time  `json:"last_reset_at"`
}

// TrackingRecord holds engagement counters for one job, keyed by an
// unguessable token bound 1:1 to the job at composition time.
type TrackingRecord struct {
	JobID         uuid.UUID  `json:"job_id"`
	TrackingID    string     `json:"tracking_id"`
	Opened        bool       `json:"opened"`
	OpenCount     int        `json:"open_count"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	Clicked       bool       `json:"clicked"`
	ClickCount    int        `json:"click_count"`
	ClickedAt     *time.Time `json:"clicked_at,omitempty"`
	LastUserAgent *string    `json:"last_user_agent,omitempty"`
	LastIPAddress *string    `json:"last_ip_address,omitempty"`
}

// TrackingEvent is one entry in the append-only engagement event log
type TrackingEvent struct {
	ID         uuid.UUID `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	TrackingID string    `json:"tracking_id"`
	Kind       string    `json:"kind"`
	URL        *string   `json:"url,omitempty"`
	UserAgent  *string   `json:"user_agent,omitempty"`
	IPAddress  *string   `json:"ip_address,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Tracking event kinds
const (
	EventOpen  = "open"
	EventClick = "click"
)

// BatchStats aggregates engagement across all sent jobs sharing a batch id
type BatchStats struct {
	BatchID      uuid.UUID `json:"batch_id"`
	SentJobs     int       `json:"sent_jobs"`
	UniqueOpens  int       `json:"unique_opens"`
	TotalOpens   int       `json:"total_opens"`
	UniqueClicks int       `json:"unique_clicks"`
	TotalClicks  int       `json:"total_clicks"`
	OpenRate     float64   `json:"open_rate"`
	ClickRate    float64   `json:"click_rate"`
}
