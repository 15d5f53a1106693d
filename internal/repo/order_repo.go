// Package repo – order persistence.
//
// Orders are owned by the upstream panel sync; this engine only reads them,
// backfills a missing customer username, and performs the claim mutation.
//
// Error semantics:
//   - Missing rows return ErrNotFound (= gorm.ErrRecordNotFound).
//   - ClaimOrder returns ErrAlreadyClaimed when the guarded update matched no
//     row, i.e. the order was claimed concurrently or does not exist.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrAlreadyClaimed is returned by ClaimOrder when the order is no longer
// unclaimed by the time the conditional update runs.
var ErrAlreadyClaimed = errors.New("order already claimed")

// GetOrder fetches a single order by ID scoped to its owner.
// Returns ErrNotFound if the row does not exist.
func GetOrder(ctx context.Context, db *gorm.DB, id, ownerUserID string) (*domain.Order, error) {
	var o domain.Order
	err := db.WithContext(ctx).
		Where("id = ? AND owner_user_id = ?", id, ownerUserID).
		First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateCustomerUsername backfills the customer username on an order. Used
// after a successful admin-API fetch when the synced row lacked it.
func UpdateCustomerUsername(ctx context.Context, db *gorm.DB, id, username string) error {
	return db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ?", id).
		Update("customer_username", username).Error
}

// ClaimOrder binds phone to the order as its verified operator. The update is
// conditional on the order still being unclaimed, so two concurrent claims
// cannot both succeed: the loser observes zero affected rows and gets
// ErrAlreadyClaimed.
func ClaimOrder(ctx context.Context, db *gorm.DB, id, phone string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("id = ? AND claimed_by_phone IS NULL", id).
		Updates(map[string]any{
			"claimed_by_phone": phone,
			"claimed_at":       now,
			"is_verified":      true,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}
