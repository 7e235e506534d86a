// Package failover selects a healthy, within-quota provider for each
// dispatch attempt and maintains provider health from passive failure
// accounting and active probing.
package failover

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parcelpost/relay/internal/metrics"
	"github.com/parcelpost/relay/internal/provider"
	"github.com/parcelpost/relay/internal/store"
)

// ErrNoProviderAvailable is returned by SelectProvider only when the
// active provider set is empty. Every other degraded condition falls
// back to the primary instead of refusing delivery.
var ErrNoProviderAvailable = errors.New("no active provider available")

// ConfigStore is the slice of the durable repository the controller needs.
type ConfigStore interface {
	GetActiveProviderConfigs(ctx context.Context) ([]*store.ProviderConfig, error)
	UpdateProviderHealth(ctx context.Context, name string, healthy bool, consecutiveFailures int, checkedAt time.Time) error
	IncrementDailyCount(ctx context.Context, name string) error
	ResetDailyCount(ctx context.Context, name string, resetAt time.Time) error
}

// HealthKV is the ephemeral TTL store holding health markers and
// failure counters shared across workers.
type HealthKV interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	GetWithExpiry(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
}

// Config holds failover tuning parameters.
type Config struct {
	// FailureThreshold is the consecutive-failure count that marks a
	// provider unhealthy.
	FailureThreshold int

	// FailureWindow is the expiry on the ephemeral failure counter.
	FailureWindow time.Duration

	// HealthCacheTTL bounds how long a healthy marker is trusted before
	// falling back to the durable record.
	HealthCacheTTL time.Duration

	// HealthInterval is the period of the active health probe loop.
	HealthInterval time.Duration

	// RecoveryInterval is the period of the recovery probe loop and the
	// TTL of the unhealthy marker.
	RecoveryInterval time.Duration

	// ProbeTimeout bounds a single health or recovery probe.
	ProbeTimeout time.Duration

	// QuotaHeadroom is the fraction of the daily limit considered
	// spendable before a provider is skipped.
	QuotaHeadroom float64
}

// DefaultConfig returns the failover defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		FailureWindow:    5 * time.Minute,
		HealthCacheTTL:   time.Minute,
		HealthInterval:   time.Minute,
		RecoveryInterval: 2 * time.Minute,
		ProbeTimeout:     10 * time.Second,
		QuotaHeadroom:    0.95,
	}
}

// Controller owns provider selection and health state.
type Controller struct {
	configs  ConfigStore
	kv       HealthKV
	registry *provider.Registry
	config   Config
	logger   *zap.Logger

	// now is swappable for quota rollover tests.
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a failover controller. Probe loops do not run until Start.
func New(configs ConfigStore, kv HealthKV, registry *provider.Registry, cfg Config, logger *zap.Logger) *Controller {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 5 * time.Minute
	}
	if cfg.HealthCacheTTL <= 0 {
		cfg.HealthCacheTTL = time.Minute
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Minute
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 2 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.QuotaHeadroom <= 0 || cfg.QuotaHeadroom > 1 {
		cfg.QuotaHeadroom = 0.95
	}

	return &Controller{
		configs:  configs,
		kv:       kv,
		registry: registry,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
		stopCh:   make(chan struct{}),
	}
}

// SelectProvider chooses the provider for one dispatch attempt: the first
// active provider (primary first, then ascending priority) that is healthy
// and within quota. When none qualifies, it falls back to the primary
// regardless of health rather than refusing delivery.
func (c *Controller) SelectProvider(ctx context.Context) (provider.Provider, error) {
	cfgs, err := c.configs.GetActiveProviderConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load provider configs: %w", err)
	}
	if len(cfgs) == 0 {
		return nil, ErrNoProviderAvailable
	}

	for _, cfg := range cfgs {
		if !c.isHealthy(ctx, cfg) {
			continue
		}
		if !c.withinQuota(ctx, cfg) {
			c.logger.Debug("provider over quota, skipping",
				zap.String("provider", cfg.Name),
				zap.Int("daily_count", cfg.CurrentDailyCount),
				zap.Int("daily_limit", cfg.DailyLimit),
			)
			continue
		}
		return c.registry.Get(cfg.Name)
	}

	// Availability over correctness: attempt through the primary (or the
	// first configured provider) even though nothing qualifies.
	fallback := cfgs[0]
	c.logger.Warn("no healthy provider within quota, falling back to primary",
		zap.String("provider", fallback.Name),
	)
	metrics.RecordFallbackSelection()

	return c.registry.Get(fallback.Name)
}

// RecordFailure increments the ephemeral failure counter for the provider
// and marks it unhealthy at the configured threshold. Non-retryable
// failures still count: a provider producing many hard rejections is
// itself a health signal.
func (c *Controller) RecordFailure(ctx context.Context, name, reason string, retryable bool) {
	count, err := c.kv.IncrWithExpiry(ctx, failureKey(name), c.config.FailureWindow)
	if err != nil {
		c.logger.Error("failed to record provider failure",
			zap.Error(err),
			zap.String("provider", name),
		)
		return
	}

	c.logger.Warn("provider failure recorded",
		zap.String("provider", name),
		zap.String("reason", reason),
		zap.Bool("retryable", retryable),
		zap.Int64("consecutive_failures", count),
	)

	if count >= int64(c.config.FailureThreshold) {
		c.MarkUnhealthy(ctx, name, int(count))
	}
}

// RecordSuccess clears the failure streak and spends one unit of the
// provider's daily quota. A delivery succeeding through a provider not
// currently marked healthy brings it back immediately instead of waiting
// for the recovery probe. Day rollover is evaluated lazily on the next
// quota check, not here.
func (c *Controller) RecordSuccess(ctx context.Context, name string) {
	val, ok, err := c.kv.GetWithExpiry(ctx, healthKey(name))
	if err != nil {
		c.logger.Warn("health marker read failed, re-marking healthy",
			zap.Error(err),
			zap.String("provider", name),
		)
	}
	if !ok || val != "true" {
		c.MarkHealthy(ctx, name)
	} else if err := c.kv.Delete(ctx, failureKey(name)); err != nil {
		c.logger.Error("failed to clear failure counter",
			zap.Error(err),
			zap.String("provider", name),
		)
	}

	if err := c.configs.IncrementDailyCount(ctx, name); err != nil {
		c.logger.Error("failed to increment daily count",
			zap.Error(err),
			zap.String("provider", name),
		)
	}
}

// MarkHealthy records a healthy transition in both the ephemeral and the
// durable store, and clears the failure streak.
func (c *Controller) MarkHealthy(ctx context.Context, name string) {
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if err := c.kv.Set(ctx, healthKey(name), "true", c.config.HealthCacheTTL); err != nil {
		c.logger.Error("failed to write health marker", zap.Error(err), zap.String("provider", name))
	}
	if err := c.kv.Delete(ctx, failureKey(name)); err != nil {
		c.logger.Error("failed to clear failure counter", zap.Error(err), zap.String("provider", name))
	}
	if err := c.configs.UpdateProviderHealth(ctx, name, true, 0, c.now()); err != nil {
		c.logger.Error("failed to persist provider health", zap.Error(err), zap.String("provider", name))
	}

	metrics.SetProviderHealthy(name, true)
	c.logger.Info("provider marked healthy", zap.String("provider", name))
}

// MarkUnhealthy records an unhealthy transition. The ephemeral marker
// expires after the recovery interval so the next durable read, or a
// successful recovery probe, can bring the provider back.
func (c *Controller) MarkUnhealthy(ctx context.Context, name string, consecutiveFailures int) {
	lock := c.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if err := c.kv.Set(ctx, healthKey(name), "false", c.config.RecoveryInterval); err != nil {
		c.logger.Error("failed to write health marker", zap.Error(err), zap.String("provider", name))
	}
	if err := c.configs.UpdateProviderHealth(ctx, name, false, consecutiveFailures, c.now()); err != nil {
		c.logger.Error("failed to persist provider health", zap.Error(err), zap.String("provider", name))
	}

	metrics.SetProviderHealthy(name, false)
	c.logger.Warn("provider marked unhealthy",
		zap.String("provider", name),
		zap.Int("consecutive_failures", consecutiveFailures),
	)
}

// isHealthy prefers the ephemeral marker and falls back to the durable
// record when the marker is absent or expired.
func (c *Controller) isHealthy(ctx context.Context, cfg *store.ProviderConfig) bool {
	val, ok, err := c.kv.GetWithExpiry(ctx, healthKey(cfg.Name))
	if err != nil {
		c.logger.Warn("health marker read failed, using durable state",
			zap.Error(err),
			zap.String("provider", cfg.Name),
		)
		return cfg.IsHealthy
	}
	if ok {
		healthy, perr := strconv.ParseBool(val)
		if perr == nil {
			return healthy
		}
	}
	return cfg.IsHealthy
}

// withinQuota applies the calendar-day rollover before comparing the
// count against the limit with headroom. Providers without a daily limit
// are always within quota.
func (c *Controller) withinQuota(ctx context.Context, cfg *store.ProviderConfig) bool {
	now := c.now()

	if !sameDay(cfg.LastResetAt, now) {
		if err := c.configs.ResetDailyCount(ctx, cfg.Name, now); err != nil {
			c.logger.Error("failed to reset daily count",
				zap.Error(err),
				zap.String("provider", cfg.Name),
			)
			// Keep the stale count on reset failure; the quota check
			// stays conservative until the store recovers.
		} else {
			cfg.CurrentDailyCount = 0
			cfg.LastResetAt = now
		}
	}

	if cfg.DailyLimit <= 0 {
		return true
	}

	return float64(cfg.CurrentDailyCount) < float64(cfg.DailyLimit)*c.config.QuotaHeadroom
}

func (c *Controller) lockFor(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[name] = lock
	}
	return lock
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func failureKey(name string) string { return "failover:failures:" + name }
func healthKey(name string) string  { return "failover:health:" + name }
