package totp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"heimdall/internal/core"
	"heimdall/internal/storage"
	"heimdall/internal/tan"

	"github.com/pquerna/otp"
	otplib "github.com/pquerna/otp/totp"
)

// tanExpiry is how long a TOTP-minted time TAN stays redeemable
const tanExpiry = 24 * time.Hour

// User-facing refusals, surfaced verbatim by the API layer
var (
	ErrNotEnabled  = errors.New("TOTP ist für dieses Kind nicht aktiviert")
	ErrInvalidCode = errors.New("Ungültiger Code")
	ErrInvalidMode = errors.New("Modus muss 'tan' oder 'override' sein")
)

// ModeError reports an unlock request whose mode the parent has not allowed
type ModeError struct {
	Requested  core.TOTPMode
	Configured core.TOTPMode
}

func (e *ModeError) Error() string {
	return fmt.Sprintf("Modus '%s' ist nicht erlaubt. Konfiguriert: '%s'", e.Requested, e.Configured)
}

// Service manages per-child authenticator secrets and turns valid codes
// into TANs
type Service struct {
	store  storage.Store
	tans   *tan.Engine
	clock  core.Clock
	logger *slog.Logger
}

// NewService creates a TOTP service backed by the given store and TAN engine
func NewService(store storage.Store, tans *tan.Engine, clock core.Clock, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		tans:   tans,
		clock:  clock,
		logger: logger.With("component", "totp"),
	}
}

// SetupResult carries the fresh secret and its otpauth:// URI
type SetupResult struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// Status is the parent-visible authenticator configuration
type Status struct {
	Enabled         bool          `json:"enabled"`
	Mode            core.TOTPMode `json:"mode"`
	TANMinutes      int           `json:"tan_minutes"`
	OverrideMinutes int           `json:"override_minutes"`
}

// SettingsUpdate changes only the fields that are set
type SettingsUpdate struct {
	Mode            *core.TOTPMode `json:"mode"`
	TANMinutes      *int           `json:"tan_minutes"`
	OverrideMinutes *int           `json:"override_minutes"`
}

// UnlockResult is returned to the child device after a valid code
type UnlockResult struct {
	Unlocked bool          `json:"unlocked"`
	Mode     core.TOTPMode `json:"mode"`
	Minutes  int           `json:"minutes"`
}

// Setup mints a new secret for the child and enables TOTP immediately.
// The secret shows up in the parent's authenticator via the returned URI.
func (s *Service) Setup(ctx context.Context, childID string) (*SetupResult, error) {
	child, err := s.store.GetUser(ctx, childID)
	if err != nil {
		return nil, err
	}
	family, err := s.store.GetFamily(ctx, child.FamilyID)
	if err != nil {
		return nil, err
	}

	key, err := otplib.Generate(otplib.GenerateOpts{
		Issuer:      "Heimdall - " + family.Name,
		AccountName: child.Name,
	})
	if err != nil {
		return nil, err
	}

	err = s.store.UpdateUserTOTP(ctx, childID, key.Secret(), true,
		child.TOTPMode, child.TOTPTANMinutes, child.TOTPOverrideMinutes)
	if err != nil {
		return nil, err
	}

	s.logger.Info("totp enabled", "child_id", childID)

	return &SetupResult{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// Status reports the child's authenticator configuration
func (s *Service) Status(ctx context.Context, childID string) (*Status, error) {
	child, err := s.store.GetUser(ctx, childID)
	if err != nil {
		return nil, err
	}
	return statusOf(child), nil
}

// UpdateSettings applies a partial settings change and returns the new state
func (s *Service) UpdateSettings(ctx context.Context, childID string, upd SettingsUpdate) (*Status, error) {
	child, err := s.store.GetUser(ctx, childID)
	if err != nil {
		return nil, err
	}

	if upd.Mode != nil {
		switch *upd.Mode {
		case core.TOTPModeTAN, core.TOTPModeOverride, core.TOTPModeBoth:
			child.TOTPMode = *upd.Mode
		default:
			return nil, ErrInvalidMode
		}
	}
	if upd.TANMinutes != nil {
		child.TOTPTANMinutes = *upd.TANMinutes
	}
	if upd.OverrideMinutes != nil {
		child.TOTPOverrideMinutes = *upd.OverrideMinutes
	}

	err = s.store.UpdateUserTOTP(ctx, childID, child.TOTPSecret, child.TOTPEnabled,
		child.TOTPMode, child.TOTPTANMinutes, child.TOTPOverrideMinutes)
	if err != nil {
		return nil, err
	}

	return statusOf(child), nil
}

// Disable turns TOTP off and discards the secret
func (s *Service) Disable(ctx context.Context, childID string) error {
	child, err := s.store.GetUser(ctx, childID)
	if err != nil {
		return err
	}

	err = s.store.UpdateUserTOTP(ctx, childID, "", false,
		child.TOTPMode, child.TOTPTANMinutes, child.TOTPOverrideMinutes)
	if err != nil {
		return err
	}

	s.logger.Info("totp disabled", "child_id", childID)
	return nil
}

// Unlock validates an authenticator code for the child and mints the TAN
// the configured mode grants. Mode "both" on the child accepts either
// request mode.
func (s *Service) Unlock(ctx context.Context, childID string, mode core.TOTPMode, code string) (*UnlockResult, error) {
	if mode != core.TOTPModeTAN && mode != core.TOTPModeOverride {
		return nil, ErrInvalidMode
	}

	child, err := s.store.GetUser(ctx, childID)
	if err != nil {
		return nil, err
	}
	if !child.TOTPEnabled || child.TOTPSecret == "" {
		return nil, ErrNotEnabled
	}
	if child.TOTPMode != core.TOTPModeBoth && mode != child.TOTPMode {
		return nil, &ModeError{Requested: mode, Configured: child.TOTPMode}
	}

	valid, err := otplib.ValidateCustom(code, child.TOTPSecret, s.clock.Now(), otplib.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return nil, ErrInvalidCode
	}

	now := s.clock.Now()
	params := tan.GenerateParams{
		ChildID:   childID,
		SingleUse: true,
		Source:    core.TANSourceTOTP,
	}

	var minutes int
	if mode == core.TOTPModeTAN {
		minutes = child.TOTPTANMinutes
		params.Type = core.TANTypeTime
		params.ValueMinutes = &minutes
		params.ExpiresAt = now.Add(tanExpiry)
	} else {
		minutes = child.TOTPOverrideMinutes
		params.Type = core.TANTypeOverride
		params.ExpiresAt = now.Add(time.Duration(minutes) * time.Minute)
	}

	minted, err := s.tans.Generate(ctx, params)
	if err != nil {
		return nil, err
	}

	s.logger.Info("totp unlock", "child_id", childID, "mode", mode, "tan_id", minted.ID)

	return &UnlockResult{Unlocked: true, Mode: mode, Minutes: minutes}, nil
}

func statusOf(child *core.User) *Status {
	return &Status{
		Enabled:         child.TOTPEnabled,
		Mode:            child.TOTPMode,
		TANMinutes:      child.TOTPTANMinutes,
		OverrideMinutes: child.TOTPOverrideMinutes,
	}
}
