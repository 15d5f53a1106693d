// Package repo – username↔phone mapping persistence.
//
// PanelUsername is stored case-folded and unique per owner; the unique index
// is the authority for the one-live-mapping invariant. CreateMapping maps a
// constraint violation to ErrDuplicateMapping so the resolver can retry with
// a read instead of failing the whole interaction.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/domain"
)

// ErrDuplicateMapping is returned by CreateMapping when another row already
// holds the same (owner, panel username) pair.
var ErrDuplicateMapping = errors.New("mapping already exists for username")

// GetMappingByUsername fetches the mapping for the case-folded username
// scoped to its owner. Returns ErrNotFound when absent.
func GetMappingByUsername(ctx context.Context, db *gorm.DB, ownerUserID, foldedUsername string) (*domain.UserPanelMapping, error) {
	var m domain.UserPanelMapping
	err := db.WithContext(ctx).
		Where("owner_user_id = ? AND panel_username = ?", ownerUserID, foldedUsername).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMapping fetches a mapping by primary key scoped to its owner.
func GetMapping(ctx context.Context, db *gorm.DB, id, ownerUserID string) (*domain.UserPanelMapping, error) {
	var m domain.UserPanelMapping
	err := db.WithContext(ctx).
		Where("id = ? AND owner_user_id = ?", id, ownerUserID).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMappings returns all mappings for an owner ordered by creation time
// descending, for the operator audit surface.
func ListMappings(ctx context.Context, db *gorm.DB, ownerUserID string) ([]domain.UserPanelMapping, error) {
	var out []domain.UserPanelMapping
	err := db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}

// CreateMapping inserts a new mapping row. PanelUsername must already be
// case-folded by the caller. Unique-index conflicts surface as
// ErrDuplicateMapping.
func CreateMapping(ctx context.Context, db *gorm.DB, m *domain.UserPanelMapping) error {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMapping
		}
		return err
	}
	return nil
}

// SaveMapping persists a full mapping row.
func SaveMapping(ctx context.Context, db *gorm.DB, m *domain.UserPanelMapping) error {
	return db.WithContext(ctx).Save(m).Error
}

// MarkMappingVerified flips is_verified with an audit note, without touching
// the rest of the row.
func MarkMappingVerified(ctx context.Context, db *gorm.DB, id, note string) error {
	return db.WithContext(ctx).
		Model(&domain.UserPanelMapping{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_verified": true,
			"verify_note": note,
		}).Error
}

// RecordMappingActivity bumps the message counter and last-seen timestamp.
// The increment runs in SQL so concurrent updates do not lose counts.
func RecordMappingActivity(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.UserPanelMapping{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_messages":  gorm.Expr("total_messages + 1"),
			"last_message_at": at,
		}).Error
}

// isUniqueViolation reports whether err is a SQLite unique-index failure.
// The pure-Go driver exposes it only through the message text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
