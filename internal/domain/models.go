// Package domain defines the core persistence models for the command
// authorization engine. These types are mapped with GORM and shared across
// the repository and service layers.
package domain

import "time"

// Claim modes control how an order becomes bound to a sender's phone.
const (
	ClaimModeDisabled = "disabled" // claims are never required nor recorded
	ClaimModeAuto     = "auto"     // first DM sender claims the order implicitly
	ClaimModeEmail    = "email"    // claim requires matching the order's customer email
)

// Group security modes control whether order commands may run inside group chats.
const (
	GroupSecurityNone     = "none"     // groups behave like DMs
	GroupSecurityVerified = "verified" // group commands only on already-claimed orders
	GroupSecurityDisabled = "disabled" // group commands always redirected to DM
)

// Username validation modes control the username challenge before acting on an order.
const (
	UsernameValidationDisabled = "disabled"
	UsernameValidationAsk      = "ask"
	UsernameValidationStrict   = "strict"
)

// VerifiedBy values record which actor confirmed a username↔phone mapping.
const (
	VerifiedByAdmin    = "ADMIN"
	VerifiedByWhatsApp = "WHATSAPP"
	VerifiedBySelf     = "SELF"
	VerifiedByAuto     = "AUTO"
)

// Conversation state types. At most one active state may exist per
// (sender, owner, type); creating a new one replaces the previous row.
const (
	StateUsernameVerification = "USERNAME_VERIFICATION"
	StateRegistration         = "REGISTRATION"
	StateEmailVerification    = "EMAIL_VERIFICATION"
)

// Order is the bot-side view of a panel order. Rows are created and kept in
// sync by the upstream panel collaborator; this engine reads them and mutates
// only the claim fields (ClaimedByPhone, ClaimedAt, IsVerified) and a lazily
// backfilled CustomerUsername.
//
// The claim fields are a bearer binding: whoever controls ClaimedByPhone is
// treated as the order's operator. Once set, ClaimedByPhone only changes via
// an explicit admin action.
type Order struct {
	ID              string     `json:"id"                gorm:"type:char(36);primaryKey"`
	OwnerUserID     string     `json:"owner_user_id"     gorm:"type:varchar(64);not null;index:idx_owner_orders"`
	PanelID         string     `json:"panel_id"          gorm:"type:varchar(64);not null"`
	ExternalOrderID string     `json:"external_order_id" gorm:"type:varchar(64);not null;index"`
	CustomerUsername *string   `json:"customer_username,omitempty" gorm:"type:varchar(128)"`
	CustomerEmail   *string    `json:"customer_email,omitempty"    gorm:"type:varchar(255)"`
	ClaimedByPhone  *string    `json:"claimed_by_phone,omitempty"  gorm:"type:varchar(32);index"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	IsVerified      bool       `json:"is_verified"       gorm:"not null;default:false"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }

// BotSecuritySettings holds the per-owner security posture. A row is created
// lazily with defaults the first time an owner's settings are read.
type BotSecuritySettings struct {
	ID                     string    `json:"id"            gorm:"type:char(36);primaryKey"`
	OwnerUserID            string    `json:"owner_user_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_settings_owner"`
	ClaimMode              string    `json:"claim_mode"               gorm:"type:varchar(16);not null;default:'disabled';check:claim_mode IN ('disabled','auto','email')"`
	GroupSecurityMode      string    `json:"group_security_mode"      gorm:"type:varchar(16);not null;default:'none';check:group_security_mode IN ('none','verified','disabled')"`
	UsernameValidationMode string    `json:"username_validation_mode" gorm:"type:varchar(16);not null;default:'disabled';check:username_validation_mode IN ('disabled','ask','strict')"`
	MaxCommandsPerMinute   int       `json:"max_commands_per_minute"  gorm:"not null;default:10"`
	CommandCooldownSecs    int       `json:"command_cooldown_secs"    gorm:"not null;default:300"`
	StaffOverrideEnabled   bool      `json:"staff_override_enabled"   gorm:"not null;default:false"`
	StaffOverrideGroups    StringSet `json:"staff_override_groups"    gorm:"type:text"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// TableName returns the database table name for BotSecuritySettings.
func (BotSecuritySettings) TableName() string { return "bot_security_settings" }

// DefaultSettings returns a fresh settings row for ownerUserID carrying the
// documented defaults. The caller assigns the ID and persists it.
func DefaultSettings(ownerUserID string) *BotSecuritySettings {
	return &BotSecuritySettings{
		OwnerUserID:            ownerUserID,
		ClaimMode:              ClaimModeDisabled,
		GroupSecurityMode:      GroupSecurityNone,
		UsernameValidationMode: UsernameValidationDisabled,
		MaxCommandsPerMinute:   10,
		CommandCooldownSecs:    300,
		StaffOverrideEnabled:   false,
		StaffOverrideGroups:    StringSet{},
	}
}

// CommandCooldown suppresses re-running a command on an order for a window
// after a successful execution. The unique key is (order, command): while a
// live row exists, every sender is blocked, not just the one who committed it.
type CommandCooldown struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	OrderID     string    `json:"order_id"     gorm:"type:char(36);not null;uniqueIndex:ux_cooldown_order_cmd,priority:1"`
	Command     string    `json:"command"      gorm:"type:varchar(64);not null;uniqueIndex:ux_cooldown_order_cmd,priority:2"`
	SenderPhone string    `json:"sender_phone" gorm:"type:varchar(32);not null"`
	OwnerUserID string    `json:"owner_user_id" gorm:"type:varchar(64);not null;index"`
	ExpiresAt   time.Time `json:"expires_at"   gorm:"not null;index"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName returns the database table name for CommandCooldown.
func (CommandCooldown) TableName() string { return "command_cooldowns" }

// Active reports whether the cooldown still blocks at the given instant.
func (c *CommandCooldown) Active(now time.Time) bool { return c.ExpiresAt.After(now) }

// UserPanelMapping binds a panel username to the WhatsApp numbers (and group
// JIDs) allowed to act for it. PanelUsername is stored case-folded and is
// unique per owner. Rows may be auto-created on first contact from an
// unmapped username, in which case VerifiedBy is AUTO and IsVerified false.
type UserPanelMapping struct {
	ID              string     `json:"id"             gorm:"type:char(36);primaryKey"`
	OwnerUserID     string     `json:"owner_user_id"  gorm:"type:varchar(64);not null;uniqueIndex:ux_mapping_owner_username,priority:1"`
	PanelUsername   string     `json:"panel_username" gorm:"type:varchar(128);not null;uniqueIndex:ux_mapping_owner_username,priority:2"`
	WhatsappNumbers StringSet  `json:"whatsapp_numbers" gorm:"type:text"`
	GroupIDs        StringSet  `json:"group_ids"        gorm:"type:text"`
	IsBotEnabled    bool       `json:"is_bot_enabled"   gorm:"not null;default:true"`
	IsVerified      bool       `json:"is_verified"      gorm:"not null;default:false"`
	VerifiedBy      string     `json:"verified_by"      gorm:"type:varchar(16);not null;default:'AUTO'"`
	VerifyNote      string     `json:"verify_note"      gorm:"type:varchar(255)"`
	IsAutoSuspended bool       `json:"is_auto_suspended" gorm:"not null;default:false"`
	SpamCount       int        `json:"spam_count"       gorm:"not null;default:0"`
	TotalMessages   int64      `json:"total_messages"   gorm:"not null;default:0"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TableName returns the database table name for UserPanelMapping.
func (UserPanelMapping) TableName() string { return "user_panel_mappings" }

// ConversationState is an ephemeral, expiring record tracking one multi-step
// dialog (username verification, registration, or email claim) with a sender.
// The unique index enforces the singleton-per-(sender, owner, type) invariant;
// expiry is checked at read time and stale rows are removed by the sweeper.
type ConversationState struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	SenderPhone string    `json:"sender_phone" gorm:"type:varchar(32);not null;uniqueIndex:ux_conv_sender_owner_type,priority:1"`
	OwnerUserID string    `json:"owner_user_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_conv_sender_owner_type,priority:2"`
	StateType   string    `json:"state_type"   gorm:"type:varchar(32);not null;uniqueIndex:ux_conv_sender_owner_type,priority:3"`
	CurrentStep string    `json:"current_step" gorm:"type:varchar(32);not null"`
	ContextData ContextMap `json:"context_data" gorm:"type:text"`
	ExpiresAt   time.Time `json:"expires_at"   gorm:"not null;index"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for ConversationState.
func (ConversationState) TableName() string { return "conversation_states" }

// Active reports whether the state is still live at the given instant.
func (s *ConversationState) Active(now time.Time) bool { return s.ExpiresAt.After(now) }
