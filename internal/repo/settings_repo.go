// Package repo – per-owner security settings persistence.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/domain"
)

// GetSettings fetches the settings row for an owner.
// Returns ErrNotFound when the owner has no row yet.
func GetSettings(ctx context.Context, db *gorm.DB, ownerUserID string) (*domain.BotSecuritySettings, error) {
	var s domain.BotSecuritySettings
	err := db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSettings inserts a settings row. The ID is assigned here; callers
// typically pass domain.DefaultSettings(owner). A concurrent create for the
// same owner fails on the unique index, in which case the caller should
// re-read.
func CreateSettings(ctx context.Context, db *gorm.DB, s *domain.BotSecuritySettings) error {
	s.ID = uuid.NewString()
	s.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Create(s).Error
}

// SaveSettings persists a full settings row (all fields).
func SaveSettings(ctx context.Context, db *gorm.DB, s *domain.BotSecuritySettings) error {
	return db.WithContext(ctx).Save(s).Error
}
