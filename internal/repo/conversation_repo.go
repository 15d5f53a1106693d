// Package repo – conversation state persistence.
//
// The unique index on (sender, owner, type) backs the singleton invariant;
// CreateState removes any prior row for the triple in the same transaction,
// so a new dialog always replaces a stale or abandoned one.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/domain"
)

// GetActiveState returns the live conversation state for the triple at now,
// or ErrNotFound when there is none (absent or expired).
func GetActiveState(ctx context.Context, db *gorm.DB, senderPhone, ownerUserID, stateType string, now time.Time) (*domain.ConversationState, error) {
	var s domain.ConversationState
	err := db.WithContext(ctx).
		Where("sender_phone = ? AND owner_user_id = ? AND state_type = ? AND expires_at > ?",
			senderPhone, ownerUserID, stateType, now).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateState inserts a conversation state, deleting any prior row for the
// same (sender, owner, type) first. Exactly one row survives the call.
func CreateState(ctx context.Context, db *gorm.DB, s *domain.ConversationState) error {
	s.ID = uuid.NewString()
	s.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("sender_phone = ? AND owner_user_id = ? AND state_type = ?",
				s.SenderPhone, s.OwnerUserID, s.StateType).
			Delete(&domain.ConversationState{}).Error; err != nil {
			return err
		}
		return tx.Create(s).Error
	})
}

// SaveState persists step/context/expiry changes on an existing state.
func SaveState(ctx context.Context, db *gorm.DB, s *domain.ConversationState) error {
	return db.WithContext(ctx).Save(s).Error
}

// DeleteState removes a state row by primary key. Deleting an already-gone
// row is not an error.
func DeleteState(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Delete(&domain.ConversationState{}, "id = ?", id).Error
}

// SweepExpiredStates deletes all states that expired at or before now and
// reports how many were removed.
func SweepExpiredStates(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.ConversationState{})
	return res.RowsAffected, res.Error
}
