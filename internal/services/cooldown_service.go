// Package services – CooldownStore
//
// Durable per-(order, command) suppression. A cooldown is written after a
// command executes successfully and blocks the pair for every sender, not
// just the committer, until it expires. Expiry is evaluated at read time;
// the sweeper removes the dead rows later.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/domain"
	"github.com/panelgrid/go-bot-guard/internal/repo"
)

// CooldownStatus is the outcome of a cooldown check.
type CooldownStatus struct {
	Blocked   bool
	Remaining time.Duration
}

// CooldownService persists and queries command cooldowns.
type CooldownService struct {
	DB *gorm.DB
}

// NewCooldownService constructs a CooldownService.
func NewCooldownService(db *gorm.DB) *CooldownService {
	return &CooldownService{DB: db}
}

// Check reports whether (orderID, command) is blocked at now and for how
// much longer. An expired or absent row means not blocked.
func (s *CooldownService) Check(ctx context.Context, orderID, command string, now time.Time) (CooldownStatus, error) {
	c, err := repo.GetActiveCooldown(ctx, s.DB, orderID, command, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return CooldownStatus{}, nil
		}
		return CooldownStatus{}, err
	}
	return CooldownStatus{
		Blocked:   true,
		Remaining: c.ExpiresAt.Sub(now),
	}, nil
}

// Create records a cooldown for (orderID, command) lasting duration from now.
// SenderPhone is kept for audit only; it plays no part in blocking.
func (s *CooldownService) Create(ctx context.Context, orderID, command, senderPhone, ownerUserID string, duration time.Duration, now time.Time) error {
	if duration <= 0 {
		return nil
	}
	return repo.CreateCooldown(ctx, s.DB, &domain.CommandCooldown{
		OrderID:     orderID,
		Command:     command,
		SenderPhone: senderPhone,
		OwnerUserID: ownerUserID,
		ExpiresAt:   now.Add(duration),
	})
}

// SweepExpired removes expired cooldown rows and returns how many went.
func (s *CooldownService) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	return repo.SweepExpiredCooldowns(ctx, s.DB, now)
}
