package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/bizdir-cli/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Status is the outcome of the most recent check.
type Status struct {
	Snapshot *MetricsSnapshot `json:"snapshot,omitempty"`
	Alerts   []Alert          `json:"alerts"`
	Error    string           `json:"error,omitempty"`
}

// Checker evaluates run health on an interval and remembers the last result.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu   sync.RWMutex
	last Status
}

// NewChecker creates a run-health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		last:      Status{Alerts: []Alert{}},
	}
}

// Run checks once immediately, then on every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting run health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Bool("webhook", c.cfg.WebhookURL != ""),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			log.Info("run health checker stopped")
			return
		}
		_, _ = c.Check(ctx)

		select {
		case <-ctx.Done():
			log.Info("run health checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects a snapshot, evaluates it, sends any alerts, and records the
// result for Last.
func (c *Checker) Check(ctx context.Context) ([]Alert, error) {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		zap.L().Error("monitoring: failed to collect run metrics", zap.Error(err))
		c.record(Status{Alerts: []Alert{}, Error: err.Error()})
		return nil, err
	}

	alerts := c.alerter.Evaluate(snap)
	if alerts == nil {
		alerts = []Alert{}
	}
	c.record(Status{Snapshot: snap, Alerts: alerts})
	if len(alerts) == 0 {
		return alerts, nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	zap.L().Info("monitoring: run health alerts raised",
		zap.Int("alerts", len(alerts)),
		zap.Int("sent", sent),
		zap.Int("retry_queue_depth", snap.RetryQueueDepth),
	)
	return alerts, nil
}

// Last returns the result of the most recent check.
func (c *Checker) Last() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Checker) record(s Status) {
	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
}
