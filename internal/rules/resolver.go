package rules

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"heimdall/internal/core"
	"heimdall/internal/storage"

	"github.com/patrickmn/go-cache"
)

// cacheTTL bounds how stale a device's policy may be between mutations.
// Mutation paths bypass the cache, so the TTL only covers polling reads.
const cacheTTL = 30 * time.Second

// Resolver computes the effective policy for a device at an instant,
// fronted by a short-TTL per-device cache.
type Resolver struct {
	store  storage.Store
	cache  *cache.Cache
	clock  core.Clock
	logger *slog.Logger
}

var _ core.RulesResolver = (*Resolver)(nil)

// NewResolver creates a resolver backed by the given store
func NewResolver(store storage.Store, clock core.Clock, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		cache:  cache.New(cacheTTL, 2*cacheTTL),
		clock:  clock,
		logger: logger.With("component", "rules"),
	}
}

func cacheKey(deviceID string) string {
	return "rules:device:" + deviceID
}

// Resolve returns the device's current rules. With bypassCache the cache
// read is skipped and the fresh result replaces the cached entry, which
// is how mutation paths invalidate stale policy.
func (r *Resolver) Resolve(ctx context.Context, deviceID string, bypassCache bool) (*core.ResolvedRules, error) {
	if !bypassCache {
		if cached, found := r.cache.Get(cacheKey(deviceID)); found {
			return cached.(*core.ResolvedRules), nil
		}
	}

	resolved, err := r.resolve(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	r.cache.Set(cacheKey(deviceID), resolved, cache.DefaultExpiration)

	return resolved, nil
}

// Invalidate drops the cached rules of a device
func (r *Resolver) Invalidate(deviceID string) {
	r.cache.Delete(cacheKey(deviceID))
}

func (r *Resolver) resolve(ctx context.Context, deviceID string) (*core.ResolvedRules, error) {
	device, err := r.store.GetDevice(ctx, deviceID)
	if errors.Is(err, core.ErrDeviceNotFound) {
		return core.EmptyRules(), nil
	}
	if err != nil {
		return nil, err
	}
	if device.Status != core.DeviceStatusActive {
		return core.EmptyRules(), nil
	}

	child, err := r.store.GetUser(ctx, device.ChildID)
	if errors.Is(err, core.ErrUserNotFound) {
		return core.EmptyRules(), nil
	}
	if err != nil {
		return nil, err
	}
	family, err := r.store.GetFamily(ctx, child.FamilyID)
	if err != nil {
		return nil, err
	}

	// Day boundaries and day types are family-local
	localNow := r.clock.Now().In(family.Location())

	dayType, err := r.dayType(ctx, family.ID, localNow)
	if err != nil {
		return nil, err
	}

	resolved := core.EmptyRules()
	resolved.DayType = dayType

	matching, err := r.matchingRules(ctx, device.ChildID, dayType, localNow)
	if err != nil {
		return nil, err
	}

	seenGroups := make(map[string]bool)
	for _, rule := range matching {
		resolved.TimeWindows = append(resolved.TimeWindows, rule.TimeWindows...)
		for _, limit := range rule.GroupLimits {
			// Higher-priority rules win on a per-group conflict
			if seenGroups[limit.GroupID] {
				continue
			}
			seenGroups[limit.GroupID] = true
			resolved.GroupLimits = append(resolved.GroupLimits, core.ResolvedGroupLimit{
				GroupID:    limit.GroupID,
				MaxMinutes: limit.MaxMinutes,
			})
		}
		if rule.DailyLimitMinutes != nil {
			if resolved.DailyLimitMinutes == nil || *rule.DailyLimitMinutes < *resolved.DailyLimitMinutes {
				v := *rule.DailyLimitMinutes
				resolved.DailyLimitMinutes = &v
			}
		}
	}

	coupling, err := r.store.GetCouplingByChild(ctx, device.ChildID)
	if err != nil && !errors.Is(err, core.ErrCouplingNotFound) {
		return nil, err
	}

	// A coupling only binds devices that are members of it
	devicesToCount := []string{device.ID}
	if coupling != nil && slices.Contains(coupling.DeviceIDs, device.ID) {
		for _, id := range coupling.DeviceIDs {
			if id != device.ID {
				resolved.CoupledDevices = append(resolved.CoupledDevices, id)
			}
		}
		resolved.SharedBudget = coupling.SharedBudget
		if coupling.SharedBudget {
			devicesToCount = coupling.DeviceIDs
		}
	}

	startOfDay := core.StartOfDay(localNow)

	if resolved.DailyLimitMinutes != nil {
		usedSeconds, err := r.store.SumUsageSeconds(ctx, devicesToCount, startOfDay)
		if err != nil {
			return nil, err
		}
		remaining := *resolved.DailyLimitMinutes - usedSeconds/60
		if remaining < 0 {
			remaining = 0
		}
		resolved.RemainingMinutes = &remaining
	}

	for i := range resolved.GroupLimits {
		usedSeconds, err := r.store.SumGroupUsageSeconds(ctx, devicesToCount, resolved.GroupLimits[i].GroupID, startOfDay)
		if err != nil {
			return nil, err
		}
		resolved.GroupLimits[i].UsedMinutes = usedSeconds / 60
	}

	tans, err := r.store.ListActiveTANs(ctx, device.ChildID, r.clock.Now())
	if err != nil {
		return nil, err
	}
	for _, tan := range tans {
		resolved.ActiveTANs = append(resolved.ActiveTANs, tan.Snapshot())
	}

	if child.TOTPEnabled && child.TOTPSecret != "" {
		resolved.TOTPConfig = &core.TOTPConfig{
			Enabled:         true,
			Secret:          child.TOTPSecret,
			Mode:            child.TOTPMode,
			TANMinutes:      child.TOTPTANMinutes,
			OverrideMinutes: child.TOTPOverrideMinutes,
		}
	}

	resolved.AppGroupMap, err = r.appGroupMap(ctx, device.ChildID)
	if err != nil {
		return nil, err
	}

	return resolved, nil
}

// dayType resolves the family-local day classification: a calendar
// override wins, otherwise plain weekday/weekend
func (r *Resolver) dayType(ctx context.Context, familyID string, localNow time.Time) (string, error) {
	override, err := r.store.GetDayTypeOverride(ctx, familyID, localNow)
	if err == nil {
		return override.DayType, nil
	}
	if !errors.Is(err, core.ErrOverrideNotFound) {
		return "", err
	}
	return core.FallbackDayType(localNow), nil
}

// matchingRules loads the child's date-valid rules that apply to the
// given day type, highest priority first
func (r *Resolver) matchingRules(ctx context.Context, childID, dayType string, localNow time.Time) ([]*core.TimeRule, error) {
	ruleRows, err := r.store.ListActiveTimeRules(ctx, childID, localNow)
	if err != nil {
		return nil, err
	}

	var matching []*core.TimeRule
	for _, rule := range ruleRows {
		if slices.Contains(rule.DayTypes, dayType) {
			matching = append(matching, rule)
		}
	}

	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].Priority > matching[j].Priority
	})

	return matching, nil
}

// appGroupMap builds the lowercased executable/package -> group id map
// that agents use to classify foreground sessions
func (r *Resolver) appGroupMap(ctx context.Context, childID string) (map[string]string, error) {
	apps, err := r.store.ListAppsByChild(ctx, childID)
	if err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return nil, nil
	}

	m := make(map[string]string, len(apps))
	for _, app := range apps {
		if app.AppExecutable != "" {
			m[strings.ToLower(app.AppExecutable)] = app.GroupID
		}
		if app.AppPackage != "" {
			m[strings.ToLower(app.AppPackage)] = app.GroupID
		}
	}

	return m, nil
}
