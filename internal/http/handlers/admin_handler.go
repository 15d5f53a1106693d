// Package handlers – operator endpoints.
//
// Settings, staff-override groups, and mapping administration, scoped per
// owner under /owners/:owner_id. These exist so an operator can audit and
// correct what the engine provisions automatically (AUTO mappings above all).
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/panelgrid/go-bot-guard/internal/repo"
	"github.com/panelgrid/go-bot-guard/internal/services"
	"github.com/panelgrid/go-bot-guard/internal/utils"
)

// GetSettings returns the owner's security settings, creating the row with
// defaults on first access.
func (h *Handler) GetSettings(c *gin.Context) {
	st, err := h.Settings.Get(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "settings load failed")
		return
	}
	ok(c, http.StatusOK, st)
}

// UpdateSettings applies a validated patch to the owner's settings.
func (h *Handler) UpdateSettings(c *gin.Context) {
	var p services.SettingsPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	st, err := h.Settings.Update(c.Request.Context(), c.Param("owner_id"), p)
	if err != nil {
		if errors.Is(err, services.ErrInvalidSettings) {
			fail(c, http.StatusUnprocessableEntity, ErrCodeInvalidSettings, err.Error())
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "settings update failed")
		return
	}
	ok(c, http.StatusOK, st)
}

// ListOverrideGroups returns the staff override allow-list.
func (h *Handler) ListOverrideGroups(c *gin.Context) {
	groups, err := h.Overrides.ListGroups(c.Request.Context(), c.Param("owner_id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "override list failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"groups": groups})
}

// overrideGroupRequest is the body of POST /override-groups.
type overrideGroupRequest struct {
	GroupJID string `json:"group_jid" binding:"required"`
}

// AddOverrideGroup puts a group on the allow-list.
func (h *Handler) AddOverrideGroup(c *gin.Context) {
	var req overrideGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	err := h.Overrides.AddGroup(c.Request.Context(), c.Param("owner_id"), req.GroupJID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, services.ErrOverrideDisabled):
		fail(c, http.StatusConflict, ErrCodeOverrideDisabled, "enable staff override first")
	case errors.Is(err, services.ErrInvalidSettings):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "group_jid must not be blank")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "override update failed")
	}
}

// RemoveOverrideGroup drops a group from the allow-list.
func (h *Handler) RemoveOverrideGroup(c *gin.Context) {
	if err := h.Overrides.RemoveGroup(c.Request.Context(), c.Param("owner_id"), c.Param("jid")); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "override update failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMappings returns the owner's username↔phone mappings, most recent
// first, for auditing auto-provisioned rows.
func (h *Handler) ListMappings(c *gin.Context) {
	ms, err := repo.ListMappings(c.Request.Context(), h.DB, c.Param("owner_id"))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "mapping list failed")
		return
	}
	ok(c, http.StatusOK, gin.H{"mappings": ms})
}

// mappingPatch enumerates the operator-editable mapping fields. Nil fields
// are left untouched.
type mappingPatch struct {
	IsBotEnabled    *bool `json:"is_bot_enabled,omitempty"`
	IsAutoSuspended *bool `json:"is_auto_suspended,omitempty"`
	// AddNumbers appends phone numbers; they are canonicalized with the
	// configured country code and deduplicated before storage.
	AddNumbers []string `json:"add_numbers,omitempty"`
}

// PatchMapping toggles mapping flags and appends numbers.
func (h *Handler) PatchMapping(c *gin.Context) {
	var p mappingPatch
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	ctx := c.Request.Context()

	m, err := repo.GetMapping(ctx, h.DB, c.Param("id"), c.Param("owner_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "mapping not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "mapping lookup failed")
		return
	}

	if p.IsBotEnabled != nil {
		m.IsBotEnabled = *p.IsBotEnabled
	}
	if p.IsAutoSuspended != nil {
		m.IsAutoSuspended = *p.IsAutoSuspended
	}
	for _, n := range p.AddNumbers {
		// Canonical (country-code-aware) form collapses duplicates entered
		// in local and international notation, then the mapping key form is
		// what actually gets stored and matched.
		if canon := utils.CanonicalPhone(n, h.DefaultCountryCode); canon != "" {
			m.WhatsappNumbers = m.WhatsappNumbers.Add(utils.MappingPhone(canon))
		}
	}
	m.UpdatedAt = time.Now().UTC()

	if err := repo.SaveMapping(ctx, h.DB, m); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "mapping update failed")
		return
	}
	ok(c, http.StatusOK, m)
}

// Sweep triggers one expiry sweep immediately.
func (h *Handler) Sweep(c *gin.Context) {
	cooldowns, conversations := h.Sweeper.SweepOnce(c.Request.Context(), time.Now())
	ok(c, http.StatusOK, gin.H{
		"cooldowns_removed":     cooldowns,
		"conversations_removed": conversations,
	})
}

// secondsDur converts a whole-second setting into a time.Duration.
func secondsDur(secs int) time.Duration { return time.Duration(secs) * time.Second }
