// Package services – UsernameValidator
//
// Decides whether acting on an order requires the sender to prove knowledge
// of the order's panel username first. The check itself cannot be satisfied
// inside a group chat (the challenge would leak the expected answer to the
// room), so group senders are redirected to DM.
package services

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/panelgrid/go-bot-guard/internal/domain"
	"github.com/panelgrid/go-bot-guard/internal/utils"
)

// UsernameCheck is the outcome of a username-validation evaluation.
type UsernameCheck struct {
	// Allowed is false when the command must be denied outright.
	Allowed bool
	// Message is the user-facing denial text when Allowed is false.
	Message string
	// NeedsVerification asks the caller to start the username-verification
	// dialog and suspend the command until the sender replies.
	NeedsVerification bool
	// OrderUsername is the expected answer for the dialog, set only when
	// NeedsVerification is true.
	OrderUsername string
}

// UsernameValidator is stateless; the zero value is ready to use.
type UsernameValidator struct{}

// Check evaluates whether the sender must verify the order's username.
// No requirement exists when the mode is disabled, the order carries no
// customer username, or the sender already claimed the order and it is
// verified.
func (UsernameValidator) Check(order *domain.Order, senderPhone string, isGroup bool, mode string) UsernameCheck {
	if mode == domain.UsernameValidationDisabled {
		return UsernameCheck{Allowed: true}
	}
	if order.CustomerUsername == nil || strings.TrimSpace(*order.CustomerUsername) == "" {
		return UsernameCheck{Allowed: true}
	}
	if order.ClaimedByPhone != nil && order.IsVerified &&
		utils.MappingPhone(*order.ClaimedByPhone) == utils.MappingPhone(senderPhone) {
		return UsernameCheck{Allowed: true}
	}

	if isGroup {
		// ask and strict both require a DM round-trip.
		return UsernameCheck{Allowed: false, Message: msgUsernameDM}
	}
	return UsernameCheck{
		Allowed:           false,
		NeedsVerification: true,
		OrderUsername:     *order.CustomerUsername,
	}
}

// usernameFolder performs Unicode case folding for case-insensitive
// username comparison and for the stored mapping key.
var usernameFolder = cases.Fold()

// NormalizeUsername trims surrounding whitespace and case-folds, producing
// the canonical comparison/storage form of a panel username.
func NormalizeUsername(s string) string {
	return usernameFolder.String(strings.TrimSpace(s))
}
