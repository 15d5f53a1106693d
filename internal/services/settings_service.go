// Package services – SettingsService
//
// Per-owner BotSecuritySettings with create-on-first-access defaults and
// explicit, per-field validated updates. Updates use an enumerated patch
// struct rather than a free-form merge so an unknown or invalid field can
// never slip into the row.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/domain"
	"github.com/panelgrid/go-bot-guard/internal/repo"
)

// SettingsPatch enumerates the updatable settings fields. Nil fields are
// left untouched.
type SettingsPatch struct {
	ClaimMode              *string `json:"claim_mode,omitempty"`
	GroupSecurityMode      *string `json:"group_security_mode,omitempty"`
	UsernameValidationMode *string `json:"username_validation_mode,omitempty"`
	MaxCommandsPerMinute   *int    `json:"max_commands_per_minute,omitempty"`
	CommandCooldownSecs    *int    `json:"command_cooldown_secs,omitempty"`
	StaffOverrideEnabled   *bool   `json:"staff_override_enabled,omitempty"`
}

// SettingsService reads and updates per-owner security settings.
type SettingsService struct {
	DB *gorm.DB
}

// NewSettingsService constructs a SettingsService.
func NewSettingsService(db *gorm.DB) *SettingsService {
	return &SettingsService{DB: db}
}

// Get returns the owner's settings, creating the row with defaults on first
// access. A concurrent first access is resolved by re-reading after the
// unique-index conflict.
func (s *SettingsService) Get(ctx context.Context, ownerUserID string) (*domain.BotSecuritySettings, error) {
	st, err := repo.GetSettings(ctx, s.DB, ownerUserID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	st = domain.DefaultSettings(ownerUserID)
	if cerr := repo.CreateSettings(ctx, s.DB, st); cerr != nil {
		// Likely lost a create race; the re-read settles it either way.
		if st, rerr := repo.GetSettings(ctx, s.DB, ownerUserID); rerr == nil {
			return st, nil
		}
		return nil, cerr
	}
	return st, nil
}

// Update applies a validated patch to the owner's settings and returns the
// updated row. Invalid values return ErrInvalidSettings without touching the
// row.
func (s *SettingsService) Update(ctx context.Context, ownerUserID string, p SettingsPatch) (*domain.BotSecuritySettings, error) {
	if err := validatePatch(p); err != nil {
		return nil, err
	}
	st, err := s.Get(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}

	if p.ClaimMode != nil {
		st.ClaimMode = *p.ClaimMode
	}
	if p.GroupSecurityMode != nil {
		st.GroupSecurityMode = *p.GroupSecurityMode
	}
	if p.UsernameValidationMode != nil {
		st.UsernameValidationMode = *p.UsernameValidationMode
	}
	if p.MaxCommandsPerMinute != nil {
		st.MaxCommandsPerMinute = *p.MaxCommandsPerMinute
	}
	if p.CommandCooldownSecs != nil {
		st.CommandCooldownSecs = *p.CommandCooldownSecs
	}
	if p.StaffOverrideEnabled != nil {
		st.StaffOverrideEnabled = *p.StaffOverrideEnabled
	}
	st.UpdatedAt = time.Now().UTC()

	if err := repo.SaveSettings(ctx, s.DB, st); err != nil {
		return nil, err
	}
	return st, nil
}

// validatePatch rejects out-of-range values field by field.
func validatePatch(p SettingsPatch) error {
	if p.ClaimMode != nil {
		switch *p.ClaimMode {
		case domain.ClaimModeDisabled, domain.ClaimModeAuto, domain.ClaimModeEmail:
		default:
			return fmt.Errorf("%w: claim_mode %q", ErrInvalidSettings, *p.ClaimMode)
		}
	}
	if p.GroupSecurityMode != nil {
		switch *p.GroupSecurityMode {
		case domain.GroupSecurityNone, domain.GroupSecurityVerified, domain.GroupSecurityDisabled:
		default:
			return fmt.Errorf("%w: group_security_mode %q", ErrInvalidSettings, *p.GroupSecurityMode)
		}
	}
	if p.UsernameValidationMode != nil {
		switch *p.UsernameValidationMode {
		case domain.UsernameValidationDisabled, domain.UsernameValidationAsk, domain.UsernameValidationStrict:
		default:
			return fmt.Errorf("%w: username_validation_mode %q", ErrInvalidSettings, *p.UsernameValidationMode)
		}
	}
	if p.MaxCommandsPerMinute != nil && *p.MaxCommandsPerMinute < 0 {
		return fmt.Errorf("%w: max_commands_per_minute must be >= 0", ErrInvalidSettings)
	}
	if p.CommandCooldownSecs != nil && *p.CommandCooldownSecs < 0 {
		return fmt.Errorf("%w: command_cooldown_secs must be >= 0", ErrInvalidSettings)
	}
	return nil
}
