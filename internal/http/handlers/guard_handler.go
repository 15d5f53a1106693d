// Package handlers – dispatcher-facing endpoints.
//
// The message dispatcher calls POST /decisions once per inbound command,
// POST /commands/complete after a command executed successfully (deferred
// claim + cooldown write), and POST /conversations/reply to feed free-text
// replies into whichever dialog is active for the sender.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/domain"
	"github.com/panelgrid/go-bot-guard/internal/repo"
	"github.com/panelgrid/go-bot-guard/internal/services"
)

// Handler bundles the service dependencies behind the HTTP surface.
type Handler struct {
	DB            *gorm.DB
	Pipeline      *services.Pipeline
	Conversations *services.ConversationService
	Claims        *services.ClaimService
	Cooldowns     *services.CooldownService
	Settings      *services.SettingsService
	Overrides     *services.OverrideService
	Sweeper       *services.Sweeper

	// DefaultCountryCode feeds canonical phone dedup on bulk number edits.
	DefaultCountryCode string
}

// decisionRequest is the body of POST /decisions.
type decisionRequest struct {
	OrderID     string `json:"order_id"     binding:"required"`
	OwnerUserID string `json:"owner_user_id" binding:"required"`
	SenderPhone string `json:"sender_phone" binding:"required"`
	Command     string `json:"command"      binding:"required"`
	IsGroup     bool   `json:"is_group"`
	GroupJID    string `json:"group_jid"`
}

// decisionResponse augments the pipeline decision with the dialog prompt the
// dispatcher should relay when a verification flow was started.
type decisionResponse struct {
	services.Decision
	Prompt string `json:"prompt,omitempty"`
}

// Decide runs the authorization pipeline for one inbound command. When the
// decision asks for a verification dialog, the dialog is started here and
// the prompt to relay is included in the response.
func (h *Handler) Decide(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	ctx := c.Request.Context()

	order, err := repo.GetOrder(ctx, h.DB, req.OrderID, req.OwnerUserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "order not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "order lookup failed")
		return
	}

	isOverride := false
	if req.IsGroup && req.GroupJID != "" {
		if isOverride, err = h.Overrides.IsOverrideGroup(ctx, req.OwnerUserID, req.GroupJID); err != nil {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "override lookup failed")
			return
		}
	}

	d, err := h.Pipeline.Evaluate(ctx, services.EvaluateRequest{
		Order:           order,
		SenderPhone:     req.SenderPhone,
		IsGroup:         req.IsGroup,
		GroupJID:        req.GroupJID,
		OwnerUserID:     req.OwnerUserID,
		Command:         req.Command,
		IsStaffOverride: isOverride,
	})
	if err != nil {
		// Fail closed: the decision is already a denial; report it rather
		// than a bare 500 so the dispatcher can still answer the sender.
		ok(c, http.StatusOK, decisionResponse{Decision: d})
		return
	}

	resp := decisionResponse{Decision: d}
	switch {
	case d.NeedsUsernameVerification:
		if _, serr := h.Conversations.StartUsernameVerification(ctx, req.SenderPhone, req.OwnerUserID, order.ID, d.OrderUsername); serr != nil {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not start verification")
			return
		}
		resp.Prompt = "Please reply with the panel username this order belongs to."
	case d.NeedsEmailVerification:
		if _, serr := h.Conversations.StartEmailVerification(ctx, req.SenderPhone, req.OwnerUserID, order.ID); serr != nil {
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not start verification")
			return
		}
		resp.Prompt = "Please reply with the email address used on the panel."
	}
	ok(c, http.StatusOK, resp)
}

// completeRequest is the body of POST /commands/complete.
type completeRequest struct {
	OrderID     string `json:"order_id"     binding:"required"`
	OwnerUserID string `json:"owner_user_id" binding:"required"`
	SenderPhone string `json:"sender_phone" binding:"required"`
	Command     string `json:"command"      binding:"required"`
	// ShouldClaim echoes the earlier decision; the claim only happens now,
	// after the command executed successfully.
	ShouldClaim bool `json:"should_claim"`
}

// CompleteCommand records the post-execution effects of a successful
// command: the deferred claim (when the decision requested one) and the
// per-(order, command) cooldown.
func (h *Handler) CompleteCommand(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	ctx := c.Request.Context()

	order, err := repo.GetOrder(ctx, h.DB, req.OrderID, req.OwnerUserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "order not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "order lookup failed")
		return
	}

	claimed := false
	if req.ShouldClaim {
		switch err := h.Claims.ClaimOrder(ctx, order, req.SenderPhone); {
		case err == nil:
			claimed = true
		case errors.Is(err, repo.ErrAlreadyClaimed):
			// Lost the race; the cooldown below still applies.
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "claim failed")
			return
		}
	}

	st, err := h.Settings.Get(ctx, req.OwnerUserID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "settings load failed")
		return
	}
	if err := h.Cooldowns.Create(ctx, order.ID, req.Command, req.SenderPhone, req.OwnerUserID,
		secondsDur(st.CommandCooldownSecs), h.Pipeline.Now()); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "cooldown write failed")
		return
	}

	ok(c, http.StatusOK, gin.H{"claimed": claimed})
}

// replyRequest is the body of POST /conversations/reply.
type replyRequest struct {
	OwnerUserID string `json:"owner_user_id" binding:"required"`
	SenderPhone string `json:"sender_phone" binding:"required"`
	Text        string `json:"text"         binding:"required"`
}

// replyResponse reports what the active dialog did with the text.
type replyResponse struct {
	// Type is the dialog that consumed the reply.
	Type string `json:"type"`
	// CanProceed / Registered / Claimed mirror the dialog outcomes.
	CanProceed bool   `json:"can_proceed,omitempty"`
	Registered bool   `json:"registered,omitempty"`
	Claimed    bool   `json:"claimed,omitempty"`
	Pending    bool   `json:"pending,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
	Message    string `json:"message"`
}

// ConversationReply feeds a free-text reply into whichever dialog is active
// for the sender, trying username verification, then email claim, then
// registration. With no live dialog at all it returns 404 so the dispatcher
// can treat the text as an ordinary message.
func (h *Handler) ConversationReply(c *gin.Context) {
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	ctx := c.Request.Context()

	// Best-effort pre-filter: text that clearly is not a dialog reply (a
	// new command, multi-line chatter) skips the dialog lookups entirely.
	// The classifier can misclassify; it only saves round-trips, it never
	// authorizes anything.
	if !services.IsVerificationResponse(req.Text) {
		fail(c, http.StatusNotFound, ErrCodeNoConversation, "no active conversation for sender")
		return
	}

	if v, err := h.Conversations.ProcessUsernameVerification(ctx, req.SenderPhone, req.OwnerUserID, req.Text); err == nil {
		ok(c, http.StatusOK, replyResponse{
			Type:       domain.StateUsernameVerification,
			CanProceed: v.CanProceed,
			OrderID:    v.OrderID,
			Message:    v.Message,
		})
		return
	} else if !errors.Is(err, services.ErrNoActiveConversation) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "verification failed")
		return
	}

	if e, err := h.Conversations.ProcessEmailVerification(ctx, req.SenderPhone, req.OwnerUserID, req.Text); err == nil {
		ok(c, http.StatusOK, replyResponse{
			Type:    domain.StateEmailVerification,
			Claimed: e.Claimed,
			OrderID: e.OrderID,
			Message: e.Message,
		})
		return
	} else if !errors.Is(err, services.ErrNoActiveConversation) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "verification failed")
		return
	}

	if r, err := h.Conversations.ProcessRegistration(ctx, req.SenderPhone, req.OwnerUserID, req.Text); err == nil {
		ok(c, http.StatusOK, replyResponse{
			Type:       domain.StateRegistration,
			Registered: r.Registered,
			Pending:    r.Pending,
			Message:    r.Message,
		})
		return
	} else if !errors.Is(err, services.ErrNoActiveConversation) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "registration failed")
		return
	}

	fail(c, http.StatusNotFound, ErrCodeNoConversation, "no active conversation for sender")
}

// registrationRequest is the body of POST /conversations/registration.
type registrationRequest struct {
	OwnerUserID string `json:"owner_user_id" binding:"required"`
	SenderPhone string `json:"sender_phone" binding:"required"`
	PanelID     string `json:"panel_id"     binding:"required"`
}

// StartRegistration opens the self-registration dialog for an unmapped
// sender.
func (h *Handler) StartRegistration(c *gin.Context) {
	var req registrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if _, err := h.Conversations.StartRegistration(c.Request.Context(), req.SenderPhone, req.OwnerUserID, req.PanelID); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not start registration")
		return
	}
	ok(c, http.StatusCreated, gin.H{
		"prompt": "Please reply with your panel username to register this number.",
	})
}
