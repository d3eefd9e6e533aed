package core

import "context"

// RulesResolver computes the effective policy for a device. Implemented by
// the rules engine; consumed by the API layer, the push orchestrator and
// the logging decorator.
type RulesResolver interface {
	// Resolve returns the policy for a device at the current instant.
	// bypassCache forces recomputation and repopulates the cache.
	Resolve(ctx context.Context, deviceID string, bypassCache bool) (*ResolvedRules, error)
	// Invalidate drops the cached entry for a device
	Invalidate(deviceID string)
}
