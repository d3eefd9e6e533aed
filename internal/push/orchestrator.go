package push

import (
	"context"
	"log/slog"
	"time"

	"heimdall/internal/core"
	"heimdall/internal/storage"
)

// Parent dashboard event types
const (
	EventTANRedeemed    = "tan_redeemed"
	EventTANInvalidated = "tan_invalidated"
	EventQuestProof     = "quest_proof"
	EventQuestReviewed  = "quest_reviewed"
)

// Notifier mirrors parent-facing events to an out-of-band channel
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Orchestrator turns policy mutations into pushes: fresh rules to the
// child's devices and cache invalidations to the parent portal
type Orchestrator struct {
	store    storage.Store
	resolver core.RulesResolver
	registry *Registry
	notifier Notifier
	clock    core.Clock
	logger   *slog.Logger
}

// NewOrchestrator wires the push paths together. notifier may be nil
// when no out-of-band channel is configured.
func NewOrchestrator(store storage.Store, resolver core.RulesResolver, registry *Registry, notifier Notifier, clock core.Clock, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		resolver: resolver,
		registry: registry,
		notifier: notifier,
		clock:    clock,
		logger:   logger.With("component", "push"),
	}
}

// PushRulesToChildDevices recomputes rules for every device of a child
// and pushes them to the connected ones. Recomputation always bypasses
// the cache, so offline devices get a warm entry for their next poll.
// Returns how many devices received the push.
func (o *Orchestrator) PushRulesToChildDevices(ctx context.Context, childID string) int {
	devices, err := o.store.ListDevicesByChild(ctx, childID)
	if err != nil {
		o.logger.Error("rules push: listing devices failed", "child_id", childID, "error", err)
		return 0
	}

	count := 0
	for _, device := range devices {
		if o.PushRulesToDevice(ctx, device.ID) {
			count++
		}
	}

	o.logger.Debug("rules pushed", "child_id", childID, "devices", len(devices), "delivered", count)
	return count
}

// PushRulesToDevice recomputes one device's rules and pushes them if it
// is connected
func (o *Orchestrator) PushRulesToDevice(ctx context.Context, deviceID string) bool {
	rules, err := o.resolver.Resolve(ctx, deviceID, true)
	if err != nil {
		o.logger.Error("rules push: resolve failed", "device_id", deviceID, "error", err)
		return false
	}

	return o.registry.SendToDevice(deviceID, map[string]any{
		"type":  "rules_updated",
		"rules": rules,
	})
}

// NotifyTANActivated tells every connected device of the child that a
// TAN was just redeemed for it
func (o *Orchestrator) NotifyTANActivated(t *core.TAN) int {
	return o.registry.SendToChildDevices(t.ChildID, map[string]any{
		"type":          "tan_activated",
		"tan_id":        t.ID,
		"tan_type":      t.Type,
		"value_minutes": t.ValueMinutes,
		"expires_at":    t.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// NotifyParentDashboard asks every portal tab of the family to drop the
// cached queries the event touched
func (o *Orchestrator) NotifyParentDashboard(familyID, childID, eventType string) int {
	var keys [][]string
	if childID != "" {
		keys = append(keys, []string{"children", childID})
	}
	switch eventType {
	case EventTANRedeemed, EventTANInvalidated:
		keys = append(keys, []string{"tans"})
	case EventQuestProof, EventQuestReviewed:
		keys = append(keys, []string{"quests"})
	default:
		keys = append(keys, []string{eventType})
	}

	return o.registry.NotifyParents(familyID, map[string]any{
		"type": "invalidate",
		"keys": keys,
	})
}

// NotifyParentEvent shows a notification on every portal tab of the
// family and mirrors it to the out-of-band notifier when one is wired
func (o *Orchestrator) NotifyParentEvent(ctx context.Context, familyID, title, message, category, childID string) int {
	frame := map[string]any{
		"type":      "notification",
		"title":     title,
		"message":   message,
		"category":  category,
		"timestamp": o.clock.Now().UTC().Format(time.RFC3339),
	}
	if childID != "" {
		frame["child_id"] = childID
	}

	count := o.registry.NotifyParents(familyID, frame)

	if o.notifier != nil {
		if err := o.notifier.Send(ctx, title+"\n"+message); err != nil {
			o.logger.Warn("notifier send failed", "error", err)
		}
	}

	return count
}
