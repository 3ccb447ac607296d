package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RunRetention prunes audit and activity logs immediately and then on every tick until ctx ends.
func RunRetention(ctx context.Context, audit AuditService, retentionDays int, interval time.Duration, logger zerolog.Logger) {
	if retentionDays <= 0 || interval <= 0 {
		logger.Info().Msg("log retention disabled")
		return
	}
	log := logger.With().Str("component", "retention").Logger()

	sweep := func() {
		if _, err := audit.CleanupOldLogs(ctx, retentionDays); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("retention sweep failed")
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
