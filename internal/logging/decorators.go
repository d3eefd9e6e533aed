package logging

import (
	"context"
	"log/slog"
	"time"

	"heimdall/internal/core"
)

// ResolverLogger wraps a RulesResolver and logs every resolution
type ResolverLogger struct {
	resolver core.RulesResolver
	logger   *slog.Logger
}

// NewResolverLogger creates a logging decorator for the rules resolver
func NewResolverLogger(resolver core.RulesResolver, logger *slog.Logger) core.RulesResolver {
	return &ResolverLogger{
		resolver: resolver,
		logger:   logger.With("interface", "RulesResolver"),
	}
}

func (l *ResolverLogger) Resolve(ctx context.Context, deviceID string, bypassCache bool) (*core.ResolvedRules, error) {
	start := time.Now()

	rules, err := l.resolver.Resolve(ctx, deviceID, bypassCache)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("Resolve failed",
			"device_id", deviceID,
			"bypass_cache", bypassCache,
			"duration", duration,
			"error", err)
		return nil, err
	}

	l.logger.Debug("Resolve completed",
		"device_id", deviceID,
		"bypass_cache", bypassCache,
		"day_type", rules.DayType,
		"active_tans", len(rules.ActiveTANs),
		"duration", duration)

	return rules, nil
}

func (l *ResolverLogger) Invalidate(deviceID string) {
	l.resolver.Invalidate(deviceID)
	l.logger.Debug("Invalidate", "device_id", deviceID)
}
