package domain

import (
	"testing"
	"time"
)

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		Order{}.TableName():               "orders",
		BotSecuritySettings{}.TableName(): "bot_security_settings",
		CommandCooldown{}.TableName():     "command_cooldowns",
		UserPanelMapping{}.TableName():    "user_panel_mappings",
		ConversationState{}.TableName():   "conversation_states",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("table name %q, want %q", got, want)
		}
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings("owner-1")

	if s.OwnerUserID != "owner-1" {
		t.Fatalf("owner = %q", s.OwnerUserID)
	}
	if s.ClaimMode != ClaimModeDisabled {
		t.Fatalf("claim mode default = %q", s.ClaimMode)
	}
	if s.GroupSecurityMode != GroupSecurityNone {
		t.Fatalf("group security default = %q", s.GroupSecurityMode)
	}
	if s.UsernameValidationMode != UsernameValidationDisabled {
		t.Fatalf("username validation default = %q", s.UsernameValidationMode)
	}
	if s.MaxCommandsPerMinute != 10 {
		t.Fatalf("max commands default = %d", s.MaxCommandsPerMinute)
	}
	if s.CommandCooldownSecs != 300 {
		t.Fatalf("cooldown default = %d", s.CommandCooldownSecs)
	}
	if s.StaffOverrideEnabled {
		t.Fatalf("staff override must default off")
	}
	if s.StaffOverrideGroups == nil {
		t.Fatalf("override groups should be an empty set, not nil")
	}
	if s.ID != "" {
		t.Fatalf("ID is assigned by the repo, got %q", s.ID)
	}
}

func TestCooldownActive(t *testing.T) {
	now := time.Now().UTC()
	c := CommandCooldown{ExpiresAt: now.Add(time.Second)}
	if !c.Active(now) {
		t.Fatalf("future expiry should be active")
	}
	if c.Active(now.Add(time.Second)) {
		t.Fatalf("expiry instant itself is not active")
	}
	if c.Active(now.Add(2 * time.Second)) {
		t.Fatalf("past expiry should be inactive")
	}
}

func TestConversationStateActive(t *testing.T) {
	now := time.Now().UTC()
	s := ConversationState{ExpiresAt: now.Add(time.Minute)}
	if !s.Active(now) {
		t.Fatalf("live state should be active")
	}
	if s.Active(now.Add(2 * time.Minute)) {
		t.Fatalf("expired state should be inactive")
	}
}
