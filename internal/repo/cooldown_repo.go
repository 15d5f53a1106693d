// Package repo – command cooldown persistence.
//
// A cooldown row keyed by (order, command) blocks that pair for every sender
// until it expires. Rows are replaced on re-create and removed by the sweep.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/domain"
)

// GetActiveCooldown returns the live cooldown for (orderID, command) at now,
// or ErrNotFound when there is none (absent or already expired).
func GetActiveCooldown(ctx context.Context, db *gorm.DB, orderID, command string, now time.Time) (*domain.CommandCooldown, error) {
	var c domain.CommandCooldown
	err := db.WithContext(ctx).
		Where("order_id = ? AND command = ? AND expires_at > ?", orderID, command, now).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCooldown records a cooldown for (orderID, command). Any prior row for
// the pair is replaced inside one transaction, so the unique index never
// rejects a refresh after a command re-runs post-expiry.
func CreateCooldown(ctx context.Context, db *gorm.DB, c *domain.CommandCooldown) error {
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("order_id = ? AND command = ?", c.OrderID, c.Command).
			Delete(&domain.CommandCooldown{}).Error; err != nil {
			return err
		}
		return tx.Create(c).Error
	})
}

// SweepExpiredCooldowns deletes all cooldown rows that expired at or before
// now and reports how many were removed.
func SweepExpiredCooldowns(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.CommandCooldown{})
	return res.RowsAffected, res.Error
}
