// Package handlers – stable machine-readable error codes for the API.
package handlers

// Error codes returned in ErrorResponse.Code.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeConflict         = "conflict"
	ErrCodeInternal         = "internal_error"
	ErrCodeNoConversation   = "no_active_conversation"
	ErrCodeOverrideDisabled = "override_disabled"
	ErrCodeInvalidSettings  = "invalid_settings"
)
