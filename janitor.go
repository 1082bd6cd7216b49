package main

import (
	"context"
	"log/slog"
	"time"
)

// Janitor enforces log retention on a fixed schedule.
type Janitor struct {
	attempts *AttemptLogger
	settings *Settings
	interval time.Duration
	logger   *slog.Logger
}

func NewJanitor(attempts *AttemptLogger, settings *Settings, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		attempts: attempts,
		settings: settings,
		interval: 24 * time.Hour,
		logger:   logger.With("component", "janitor"),
	}
}

// Run purges once immediately and then every interval until ctx is done.
// Retention is re-read on every run.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	days := j.settings.Current().LogRetentionDays
	if days <= 0 {
		return
	}
	n, err := j.attempts.PurgeOlderThan(ctx, days)
	if err != nil {
		j.logger.Error("purge failed", "retention_days", days, "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("purged old attempts", "deleted", n, "retention_days", days)
	}
}
