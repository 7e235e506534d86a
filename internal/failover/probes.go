package failover

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Start launches the health and recovery probe loops. The health loop
// probes every active provider on a fixed period, running once
// immediately; the recovery loop independently re-probes only the
// providers currently marked unhealthy.
func (c *Controller) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.healthLoop(ctx)
	go c.recoveryLoop(ctx)
}

// Stop terminates the probe loops and waits for them to exit.
func (c *Controller) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Controller) healthLoop(ctx context.Context) {
	defer c.wg.Done()

	c.probeAll(ctx)

	ticker := time.NewTicker(c.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.probeAll(ctx)
		}
	}
}

func (c *Controller) recoveryLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.probeUnhealthy(ctx)
		}
	}
}

// probeAll runs one health probe cycle over every active provider.
func (c *Controller) probeAll(ctx context.Context) {
	cfgs, err := c.configs.GetActiveProviderConfigs(ctx)
	if err != nil {
		c.logger.Error("health probe cycle: failed to load provider configs", zap.Error(err))
		return
	}

	for _, cfg := range cfgs {
		if err := c.probe(ctx, cfg.Name); err != nil {
			c.logger.Warn("health probe failed",
				zap.String("provider", cfg.Name),
				zap.Error(err),
			)
			c.MarkUnhealthy(ctx, cfg.Name, cfg.ConsecutiveFailures+1)
		} else {
			c.MarkHealthy(ctx, cfg.Name)
		}
	}
}

// probeUnhealthy runs one recovery cycle over providers currently marked
// unhealthy. A successful probe restores the provider and clears its
// failure streak.
func (c *Controller) probeUnhealthy(ctx context.Context) {
	cfgs, err := c.configs.GetActiveProviderConfigs(ctx)
	if err != nil {
		c.logger.Error("recovery probe cycle: failed to load provider configs", zap.Error(err))
		return
	}

	for _, cfg := range cfgs {
		if c.isHealthy(ctx, cfg) {
			continue
		}
		if err := c.probe(ctx, cfg.Name); err != nil {
			c.logger.Debug("recovery probe still failing",
				zap.String("provider", cfg.Name),
				zap.Error(err),
			)
			continue
		}

		c.logger.Info("provider recovered", zap.String("provider", cfg.Name))
		c.MarkHealthy(ctx, cfg.Name)
	}
}

// probe runs one bounded health check. A probe that neither succeeds nor
// fails within the timeout counts as a failure for the cycle.
func (c *Controller) probe(ctx context.Context, name string) error {
	p, err := c.registry.Get(name)
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	return p.HealthCheck(probeCtx)
}
