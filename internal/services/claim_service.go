// Package services – ClaimRegistry
//
// Claims bind a phone number to an order as its operator. The trust model is
// intentionally weak: a phone number is a bearer identity, and nothing
// cryptographic backs it. Group security and the claim decision table below
// implement the documented policy exactly; ClaimOrder itself is a guarded
// conditional update so two concurrent DMs cannot both win the claim.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/domain"
	"github.com/panelgrid/go-bot-guard/internal/repo"
	"github.com/panelgrid/go-bot-guard/internal/utils"
)

// ClaimCheck is the outcome of a group-security or claim-status evaluation.
type ClaimCheck struct {
	// Allowed is false when the command must be denied.
	Allowed bool
	// Message is the user-facing denial text when Allowed is false.
	Message string
	// ShouldClaim asks the caller to claim the order for the sender after
	// the underlying command succeeds, never before, so failed commands do
	// not consume the claim.
	ShouldClaim bool
	// NeedsEmail asks the caller to start the email-verification dialog.
	NeedsEmail bool
}

// ClaimService evaluates and records order claims.
type ClaimService struct {
	DB *gorm.DB
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// NewClaimService constructs a ClaimService.
func NewClaimService(db *gorm.DB) *ClaimService {
	return &ClaimService{DB: db, Now: time.Now}
}

// CheckGroupSecurity applies the group-chat gate. In DMs it always allows;
// in groups the mode decides: disabled redirects to DM, verified requires an
// already-claimed order, none allows.
func (s *ClaimService) CheckGroupSecurity(order *domain.Order, isGroup bool, mode string) ClaimCheck {
	if !isGroup {
		return ClaimCheck{Allowed: true}
	}
	switch mode {
	case domain.GroupSecurityDisabled:
		return ClaimCheck{Allowed: false, Message: msgGroupDMRedirect}
	case domain.GroupSecurityVerified:
		if order.ClaimedByPhone == nil || *order.ClaimedByPhone == "" {
			return ClaimCheck{Allowed: false, Message: msgGroupUnverified}
		}
		return ClaimCheck{Allowed: true}
	default: // none
		return ClaimCheck{Allowed: true}
	}
}

// CheckClaimStatus applies the claim decision table:
//
//	disabled mode                → allow
//	claimed by this phone        → allow
//	claimed by another phone     → deny
//	auto, unclaimed, in group    → deny, DM to verify
//	auto, unclaimed, in DM       → allow with ShouldClaim
//	email, unclaimed, in group   → deny, DM to verify
//	email, unclaimed, in DM      → deny, prompt for email
func (s *ClaimService) CheckClaimStatus(order *domain.Order, senderPhone string, isGroup bool, mode string) ClaimCheck {
	if mode == domain.ClaimModeDisabled {
		return ClaimCheck{Allowed: true}
	}

	sender := utils.MappingPhone(senderPhone)
	if order.ClaimedByPhone != nil && *order.ClaimedByPhone != "" {
		if utils.MappingPhone(*order.ClaimedByPhone) == sender {
			return ClaimCheck{Allowed: true}
		}
		return ClaimCheck{Allowed: false, Message: msgClaimedByOther}
	}

	// Unclaimed from here on.
	if isGroup {
		return ClaimCheck{Allowed: false, Message: msgDMToVerify}
	}
	switch mode {
	case domain.ClaimModeAuto:
		return ClaimCheck{Allowed: true, ShouldClaim: true}
	case domain.ClaimModeEmail:
		return ClaimCheck{Allowed: false, Message: msgEmailPrompt, NeedsEmail: true}
	default:
		return ClaimCheck{Allowed: true}
	}
}

// ClaimOrder records the sender's phone as the order's operator. The update
// only succeeds while the order is still unclaimed; losing the race returns
// repo.ErrAlreadyClaimed.
func (s *ClaimService) ClaimOrder(ctx context.Context, order *domain.Order, phone string) error {
	normalized := utils.MappingPhone(phone)
	now := s.Now().UTC()
	if err := repo.ClaimOrder(ctx, s.DB, order.ID, normalized, now); err != nil {
		return err
	}
	order.ClaimedByPhone = &normalized
	order.ClaimedAt = &now
	order.IsVerified = true
	log.Info().
		Str("order_id", order.ID).
		Str("phone", utils.MaskPhone(phone)).
		Msg("order claimed")
	return nil
}

// VerifyEmailClaim claims the order for phone when the supplied email matches
// the order's customer email (case-insensitive). Returns false without error
// when the email does not match or the order has no email on record.
func (s *ClaimService) VerifyEmailClaim(ctx context.Context, order *domain.Order, phone, email string) (bool, error) {
	if order.CustomerEmail == nil || *order.CustomerEmail == "" {
		return false, nil
	}
	if !strings.EqualFold(strings.TrimSpace(email), strings.TrimSpace(*order.CustomerEmail)) {
		return false, nil
	}
	if err := s.ClaimOrder(ctx, order, phone); err != nil {
		return false, fmt.Errorf("email claim: %w", err)
	}
	return true, nil
}
