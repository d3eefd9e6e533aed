package tan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"heimdall/internal/core"
	"heimdall/internal/idgen"
	"heimdall/internal/storage"
)

// Redemption policy limits
const (
	MaxRedemptionsPerDay  = 3
	MaxBonusMinutesPerDay = 90

	blackoutStartHour = 21
	blackoutEndHour   = 6

	codeAttempts = 10
)

// ErrCodeCollision means ten consecutive code draws already existed
var ErrCodeCollision = errors.New("could not allocate a unique tan code")

// Denial codes carried by RedemptionError
const (
	DenyNotActive       = "tan_not_active"
	DenyExpired         = "tan_expired"
	DenyDailyLimit      = "daily_limit_reached"
	DenyBonusLimit      = "bonus_limit_reached"
	DenyGroupNotAllowed = "group_not_allowed"
	DenyBlackout        = "blackout_window"
)

// RedemptionError reports which policy refused a redemption
type RedemptionError struct {
	Code    string
	Message string
}

func (e *RedemptionError) Error() string {
	return e.Message
}

// Engine mints and redeems TANs under the redemption policy
type Engine struct {
	store  storage.Store
	clock  core.Clock
	logger *slog.Logger
}

// NewEngine creates a TAN engine backed by the given store
func NewEngine(store storage.Store, clock core.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		clock:  clock,
		logger: logger.With("component", "tan"),
	}
}

// GenerateParams describes the TAN to mint
type GenerateParams struct {
	ChildID          string
	Type             core.TANType
	ValueMinutes     *int
	ValueUnlockUntil *time.Time
	ScopeGroups      []string
	ScopeDevices     []string
	ExpiresAt        time.Time // zero means end of the family-local day
	SingleUse        bool
	Source           core.TANSource
	SourceQuestID    string
}

// newCode assembles one candidate code
func newCode() string {
	word := codeWords[rand.IntN(len(codeWords))]
	return fmt.Sprintf("%s-%04d", word, rand.IntN(10000))
}

// Generate mints a TAN with a unique code. The unique index on the code
// column arbitrates collisions; generation retries a bounded number of
// draws before giving up.
func (e *Engine) Generate(ctx context.Context, p GenerateParams) (*core.TAN, error) {
	if p.Type == core.TANTypeTime && (p.ValueMinutes == nil || *p.ValueMinutes <= 0) {
		return nil, core.ErrInvalidTANValue
	}

	child, err := e.store.GetUser(ctx, p.ChildID)
	if err != nil {
		return nil, err
	}
	family, err := e.store.GetFamily(ctx, child.FamilyID)
	if err != nil {
		return nil, err
	}

	expiresAt := p.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = core.EndOfDay(e.clock.Now().In(family.Location()))
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		t := &core.TAN{
			ID:               idgen.NewTAN(),
			ChildID:          p.ChildID,
			Code:             newCode(),
			Type:             p.Type,
			ScopeGroups:      p.ScopeGroups,
			ScopeDevices:     p.ScopeDevices,
			ValueMinutes:     p.ValueMinutes,
			ValueUnlockUntil: p.ValueUnlockUntil,
			ExpiresAt:        expiresAt,
			SingleUse:        p.SingleUse,
			Source:           p.Source,
			SourceQuestID:    p.SourceQuestID,
		}

		err := e.store.CreateTAN(ctx, t)
		if errors.Is(err, core.ErrDuplicateTANCode) {
			continue
		}
		if err != nil {
			return nil, err
		}

		e.logger.Info("tan generated",
			"tan_id", t.ID, "child_id", p.ChildID, "type", p.Type, "source", p.Source)
		return t, nil
	}

	return nil, ErrCodeCollision
}

// Redeem validates and atomically redeems the TAN named by code for the
// given child. Policy refusals come back as *RedemptionError; unknown
// codes and codes of other children both yield ErrTANNotFound.
func (e *Engine) Redeem(ctx context.Context, childID, code string) (*core.TAN, error) {
	t, err := e.store.GetTANByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if t.ChildID != childID {
		// Codes are secrets; a foreign code looks like no code at all
		return nil, core.ErrTANNotFound
	}

	child, err := e.store.GetUser(ctx, childID)
	if err != nil {
		return nil, err
	}
	family, err := e.store.GetFamily(ctx, child.FamilyID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	localNow := now.In(family.Location())

	if err := e.checkPolicy(ctx, t, now, localNow); err != nil {
		return nil, err
	}

	ok, err := e.store.MarkTANRedeemed(ctx, t.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race against a concurrent redemption or the expiry sweep
		status := core.TANStatusRedeemed
		if current, err := e.store.GetTAN(ctx, t.ID); err == nil {
			status = current.Status
		}
		return nil, &RedemptionError{
			Code:    DenyNotActive,
			Message: fmt.Sprintf("TAN is not active (current status: %s)", status),
		}
	}

	redeemedAt := now.UTC()
	t.Status = core.TANStatusRedeemed
	t.RedeemedAt = &redeemedAt

	e.logger.Info("tan redeemed", "tan_id", t.ID, "child_id", childID, "type", t.Type)
	return t, nil
}

// checkPolicy runs the redemption checks in order and returns the first
// refusal. Day windows and the blackout clock are family-local.
func (e *Engine) checkPolicy(ctx context.Context, t *core.TAN, now, localNow time.Time) error {
	if t.Status != core.TANStatusActive {
		return &RedemptionError{
			Code:    DenyNotActive,
			Message: fmt.Sprintf("TAN is not active (current status: %s)", t.Status),
		}
	}

	// A TAN reaching expires_at exactly is already expired
	if !now.Before(t.ExpiresAt) {
		return &RedemptionError{Code: DenyExpired, Message: "TAN has expired"}
	}

	dayStart := core.StartOfDay(localNow)
	redeemedToday, err := e.store.ListRedeemedTANs(ctx, t.ChildID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return err
	}

	if len(redeemedToday) >= MaxRedemptionsPerDay {
		return &RedemptionError{
			Code:    DenyDailyLimit,
			Message: fmt.Sprintf("Daily TAN limit reached (%d per day)", MaxRedemptionsPerDay),
		}
	}

	if t.ValueMinutes != nil {
		bonusToday := 0
		for _, r := range redeemedToday {
			if r.ValueMinutes != nil {
				bonusToday += *r.ValueMinutes
			}
		}
		if bonusToday+*t.ValueMinutes > MaxBonusMinutesPerDay {
			return &RedemptionError{
				Code: DenyBonusLimit,
				Message: fmt.Sprintf("Daily bonus minutes limit would be exceeded (%d/%d min)",
					bonusToday+*t.ValueMinutes, MaxBonusMinutesPerDay),
			}
		}
	}

	for _, groupID := range t.ScopeGroups {
		group, err := e.store.GetAppGroup(ctx, groupID)
		if errors.Is(err, core.ErrGroupNotFound) {
			// A deleted group no longer constrains the TAN
			continue
		}
		if err != nil {
			return err
		}
		if !group.TANAllowed {
			return &RedemptionError{
				Code:    DenyGroupNotAllowed,
				Message: fmt.Sprintf("TANs are not allowed for app group '%s'", group.Name),
			}
		}
		if group.MaxTANBonusPerDay > 0 && t.ValueMinutes != nil {
			groupBonus := 0
			for _, r := range redeemedToday {
				if r.ValueMinutes != nil && slices.Contains(r.ScopeGroups, groupID) {
					groupBonus += *r.ValueMinutes
				}
			}
			if groupBonus+*t.ValueMinutes > group.MaxTANBonusPerDay {
				return &RedemptionError{
					Code: DenyBonusLimit,
					Message: fmt.Sprintf("Daily bonus minutes limit for app group '%s' would be exceeded (%d/%d min)",
						group.Name, groupBonus+*t.ValueMinutes, group.MaxTANBonusPerDay),
				}
			}
		}
	}

	if localNow.Hour() >= blackoutStartHour || localNow.Hour() < blackoutEndHour {
		return &RedemptionError{
			Code:    DenyBlackout,
			Message: "TANs cannot be redeemed during blackout hours (21:00 - 06:00)",
		}
	}

	return nil
}
