package core

import "time"

// ResolvedGroupLimit is one per-group cap with today's consumption filled in
type ResolvedGroupLimit struct {
	GroupID     string `json:"group_id"`
	MaxMinutes  int    `json:"max_minutes"`
	UsedMinutes int    `json:"used_minutes"`
}

// TANSnapshot is the wire form of a currently valid TAN. Codes never
// leave the server; agents identify TANs by id.
type TANSnapshot struct {
	ID               string     `json:"id"`
	Type             TANType    `json:"type"`
	ValueMinutes     *int       `json:"value_minutes,omitempty"`
	ValueUnlockUntil *time.Time `json:"value_unlock_until,omitempty"`
	ScopeGroups      []string   `json:"scope_groups,omitempty"`
	ScopeDevices     []string   `json:"scope_devices,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	RedeemedAt       *time.Time `json:"redeemed_at,omitempty"`
}

// TOTPConfig is the child's authenticator settings as shipped to agents
type TOTPConfig struct {
	Enabled         bool     `json:"enabled"`
	Secret          string   `json:"secret"`
	Mode            TOTPMode `json:"mode"`
	TANMinutes      int      `json:"tan_minutes"`
	OverrideMinutes int      `json:"override_minutes"`
}

// ResolvedRules is the effective policy for one device at one instant.
// It is both the resolver output and the agent-facing wire format.
type ResolvedRules struct {
	DayType           string               `json:"day_type"`
	TimeWindows       []TimeWindow         `json:"time_windows"`
	GroupLimits       []ResolvedGroupLimit `json:"group_limits"`
	DailyLimitMinutes *int                 `json:"daily_limit_minutes,omitempty"`
	RemainingMinutes  *int                 `json:"remaining_minutes,omitempty"`
	ActiveTANs        []TANSnapshot        `json:"active_tans"`
	CoupledDevices    []string             `json:"coupled_devices"`
	SharedBudget      bool                 `json:"shared_budget"`
	TOTPConfig        *TOTPConfig          `json:"totp_config,omitempty"`
	AppGroupMap       map[string]string    `json:"app_group_map,omitempty"`
}

// EmptyRules is what unknown or revoked devices resolve to
func EmptyRules() *ResolvedRules {
	return &ResolvedRules{
		DayType:        DayTypeUnknown,
		TimeWindows:    []TimeWindow{},
		GroupLimits:    []ResolvedGroupLimit{},
		ActiveTANs:     []TANSnapshot{},
		CoupledDevices: []string{},
	}
}

// Snapshot converts a TAN row into its wire form
func (t *TAN) Snapshot() TANSnapshot {
	return TANSnapshot{
		ID:               t.ID,
		Type:             t.Type,
		ValueMinutes:     t.ValueMinutes,
		ValueUnlockUntil: t.ValueUnlockUntil,
		ScopeGroups:      t.ScopeGroups,
		ScopeDevices:     t.ScopeDevices,
		ExpiresAt:        t.ExpiresAt,
		RedeemedAt:       t.RedeemedAt,
	}
}
