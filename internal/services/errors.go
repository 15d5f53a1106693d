// Package services implements the command authorization engine: throttling,
// cooldowns, claim ownership, username validation, mapping resolution,
// verification dialogs, staff overrides, and the pipeline that orders them.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are internal control flow; translation into user-facing chat
// messages happens in the pipeline and handlers, which deliberately keep the
// wording generic so denials do not leak why they happened.
package services

import "errors"

var (
	// ErrInvalidSettings is returned when a settings update carries a value
	// outside the enumerated modes or a negative numeric knob.
	ErrInvalidSettings = errors.New("invalid security settings value")

	// ErrNoActiveConversation is returned when a reply arrives for a sender
	// with no live dialog of the expected type.
	ErrNoActiveConversation = errors.New("no active conversation state")

	// ErrMappingConflict is returned during registration when the requested
	// username is already bound to a different phone.
	ErrMappingConflict = errors.New("username already mapped to another number")

	// ErrOverrideDisabled is returned by staff-override CRUD when the
	// feature flag is off for the owner.
	ErrOverrideDisabled = errors.New("staff override is disabled")
)

// Generic user-visible denial messages. Context-keyed but non-leaking: they
// never reveal which internal check failed beyond its broad category.
const (
	msgRateLimited     = "You are sending commands too quickly. Please wait %d seconds."
	msgCooldownActive  = "This command was run recently. Please wait %d seconds before retrying."
	msgGroupDMRedirect = "Order commands are not available in groups. Please DM me directly."
	msgGroupUnverified = "This order is not verified for group access yet. Please DM me first to verify."
	msgClaimedByOther  = "This order is already being handled from another number."
	msgDMToVerify      = "Please DM me first so I can verify this order belongs to you."
	msgEmailPrompt     = "To verify this order, please reply with the email address used on the panel."
	msgUsernameDM      = "I need to verify your panel username. Please DM me first."
	msgNotOwner        = "Order ID does not belong to you."
	msgBotDisabled     = "Bot access is disabled for this panel account. Contact support."
	msgSuspended       = "This panel account is temporarily suspended. Contact support."
	msgNotRegistered   = "Your number is not registered for this panel. Reply REGISTER to begin."
	msgGenericDenied   = "Unable to verify this order right now. Please try again later."
)
