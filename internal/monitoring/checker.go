// Package monitoring watches run outcomes, dead letters and breaker state and
// posts alerts to a webhook when thresholds are crossed.
package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pageindex/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker evaluates extraction health on an interval. An alert type is sent
// when it starts firing and again only after a check in which it cleared.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int

	mu     sync.Mutex
	firing map[AlertType]bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	lookback := cfg.LookbackWindowHours
	if lookback <= 0 {
		lookback = 24
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  lookback,
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once immediately and then on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: extraction health checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.Check(ctx)
		}
		select {
		case <-ctx.Done():
			log.Info("monitoring: extraction health checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check collects one snapshot and evaluates it. It returns every alert that
// is firing; only newly firing ones are delivered to the webhook.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: failed to collect extraction metrics", zap.Error(err))
		return nil
	}
	log.Debug("monitoring: extraction health",
		zap.Int("runs", snap.RunsTotal),
		zap.Int("runs_failed", snap.RunsFailed),
		zap.Int("questions", snap.Questions),
		zap.Int("degraded_questions", snap.DegradedQuestions),
		zap.Int("dead_letters", snap.DeadLetters),
		zap.Strings("open_breakers", snap.OpenBreakers),
		zap.Float64("cost_usd", snap.CostUSD),
	)

	alerts := c.alerter.Evaluate(snap)
	fresh := c.onset(alerts)
	if len(alerts) == 0 {
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: extraction alerts",
		zap.Int("firing", len(alerts)),
		zap.Int("new", len(fresh)),
		zap.Int("sent", sent),
	)
	return alerts
}

// onset records which alert types fire now and returns those that did not
// fire on the previous check.
func (c *Checker) onset(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
		now[a.Type] = true
	}
	c.firing = now
	return fresh
}
