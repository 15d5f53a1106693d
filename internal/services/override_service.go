// Package services – StaffOverrideRegistry
//
// Allow-listed chat groups whose members bypass every authorization check.
// The list lives on the owner's settings row; membership is only honored
// while the staff-override flag is enabled.
package services

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/repo"
)

// OverrideService manages and queries the staff override allow-list.
type OverrideService struct {
	DB       *gorm.DB
	Settings *SettingsService
}

// NewOverrideService constructs an OverrideService.
func NewOverrideService(db *gorm.DB, settings *SettingsService) *OverrideService {
	return &OverrideService{DB: db, Settings: settings}
}

// IsOverrideGroup reports whether groupJID is on the owner's allow-list and
// the override flag is enabled. An empty JID is never an override.
func (s *OverrideService) IsOverrideGroup(ctx context.Context, ownerUserID, groupJID string) (bool, error) {
	groupJID = strings.TrimSpace(groupJID)
	if groupJID == "" {
		return false, nil
	}
	st, err := s.Settings.Get(ctx, ownerUserID)
	if err != nil {
		return false, err
	}
	if !st.StaffOverrideEnabled {
		return false, nil
	}
	return st.StaffOverrideGroups.Contains(groupJID), nil
}

// AddGroup puts groupJID on the allow-list, deduplicated on write.
// Requires the override flag to be enabled.
func (s *OverrideService) AddGroup(ctx context.Context, ownerUserID, groupJID string) error {
	groupJID = strings.TrimSpace(groupJID)
	if groupJID == "" {
		return ErrInvalidSettings
	}
	st, err := s.Settings.Get(ctx, ownerUserID)
	if err != nil {
		return err
	}
	if !st.StaffOverrideEnabled {
		return ErrOverrideDisabled
	}
	st.StaffOverrideGroups = st.StaffOverrideGroups.Add(groupJID)
	st.UpdatedAt = time.Now().UTC()
	return repo.SaveSettings(ctx, s.DB, st)
}

// RemoveGroup drops groupJID from the allow-list. Removing an absent entry
// is not an error.
func (s *OverrideService) RemoveGroup(ctx context.Context, ownerUserID, groupJID string) error {
	st, err := s.Settings.Get(ctx, ownerUserID)
	if err != nil {
		return err
	}
	st.StaffOverrideGroups = st.StaffOverrideGroups.Remove(strings.TrimSpace(groupJID))
	st.UpdatedAt = time.Now().UTC()
	return repo.SaveSettings(ctx, s.DB, st)
}

// ListGroups returns the allow-list regardless of the enabled flag, so an
// operator can inspect it before switching the feature on.
func (s *OverrideService) ListGroups(ctx context.Context, ownerUserID string) ([]string, error) {
	st, err := s.Settings.Get(ctx, ownerUserID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), st.StaffOverrideGroups...), nil
}
