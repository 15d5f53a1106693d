// Package handlers implements the HTTP endpoints of the guard API: the
// decision and conversation entry points called by the message dispatcher,
// and the operator surface for settings, override groups, and mappings.
//
// This file defines the shared response envelope. Conventions:
//   - Every error response is an ErrorResponse with a stable machine code.
//   - fail() centralizes formatting and logs 5xx with request context.
//   - ok() writes success payloads verbatim.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/panelgrid/go-bot-guard/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// RequestID correlates server logs and client errors.
	RequestID string `json:"request_id,omitempty"`
	// Code is a stable, machine-readable string (see errors.go constants).
	Code string `json:"code"`
	// Message is human-readable and safe to show to users.
	Message string `json:"message"`
}

// fail aborts the request with a structured error, logging 5xx server-side.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail(), for router-level fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// ok writes a success JSON response with the given status.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
