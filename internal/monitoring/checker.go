package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/config"
)

// Checker evaluates alerts on a fixed interval while serve or schedule runs.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

func (c *Checker) interval() time.Duration {
	if c.cfg.CheckIntervalSecs > 0 {
		return time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	}
	return 5 * time.Minute
}

// Run blocks until ctx is cancelled. The first check fires immediately so a
// source left broken overnight alerts as soon as the daemon comes back up.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("alert checker started",
		zap.Duration("interval", c.interval()),
		zap.Int("lookback_hours", c.cfg.LookbackHours),
	)

	c.checkOnce(ctx)

	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.checkOnce(ctx)
		}
	}
}

// checkOnce collects a snapshot, evaluates it, and delivers any alerts.
func (c *Checker) checkOnce(ctx context.Context) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackHours)
	if err != nil {
		c.log.Error("monitoring: collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		c.log.Debug("monitoring: healthy",
			zap.Int("sources", len(snap.Sources)),
			zap.Float64("fail_rate", snap.FailRate),
		)
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Warn("monitoring: alerts triggered",
		zap.Int("triggered", len(alerts)),
		zap.Int("sent", sent),
		zap.Float64("fail_rate", snap.FailRate),
	)
}
