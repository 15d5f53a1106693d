// Package services – ConversationStateMachine
//
// Multi-step dialogs with senders: username verification, self-registration,
// and email claims. Each dialog is one expiring ConversationState row, a
// singleton per (sender, owner, type); starting a dialog replaces any prior
// one of the same type. Expiry is checked at read time; the sweeper removes
// stale rows.
//
// Steps: AWAITING_USERNAME → AWAITING_CONFIRMATION → terminal. Terminal
// means the row is deleted, on success and on failure alike; a reply with no
// live row is reported as ErrNoActiveConversation and never verifies
// anything.
//
// Registration validates the username against the panel admin API and fails
// OPEN when the API is unreachable. This is an intentional degraded-mode
// fallback and the opposite of the resolver's fail-closed default; do not
// unify the two.
package services

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/domain"
	"github.com/panelgrid/go-bot-guard/internal/panel"
	"github.com/panelgrid/go-bot-guard/internal/repo"
	"github.com/panelgrid/go-bot-guard/internal/utils"
)

// Dialog steps.
const (
	stepAwaitingUsername     = "AWAITING_USERNAME"
	stepAwaitingConfirmation = "AWAITING_CONFIRMATION"
)

// Context-data keys.
const (
	ctxKeyOrderID  = "order_id"
	ctxKeyExpected = "expected_username"
	ctxKeyAttempts = "attempts"
	ctxKeyPanelID  = "panel_id"
	ctxKeyCandidate = "candidate_username"
)

// VerificationResult is the outcome of one username-verification reply.
type VerificationResult struct {
	// CanProceed is true when the sender proved the username and the
	// suspended command may now run.
	CanProceed bool
	// Message is the text to send back to the sender.
	Message string
	// AttemptsLeft is how many tries remain (0 when done or exhausted).
	AttemptsLeft int
	// OrderID identifies the order the dialog was protecting.
	OrderID string
}

// RegistrationResult is the outcome of one registration reply.
type RegistrationResult struct {
	// Registered is true once the mapping has been created.
	Registered bool
	// Pending is true while the dialog continues (more replies expected).
	Pending bool
	// DegradedMode notes that the panel API was unreachable and validation
	// was skipped fail-open.
	DegradedMode bool
	// Message is the text to send back to the sender.
	Message string
}

// EmailClaimResult is the outcome of one email-verification reply.
type EmailClaimResult struct {
	Claimed      bool
	Message      string
	AttemptsLeft int
	OrderID      string
}

// ConversationService drives the verification and registration dialogs.
type ConversationService struct {
	DB       *gorm.DB
	Panel    panel.Client
	Claims   *ClaimService
	Mappings *MappingService

	// TTL is the dialog expiry window, extended on each exchange.
	TTL time.Duration
	// MaxAttempts bounds wrong answers before the dialog is torn down.
	MaxAttempts int
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// NewConversationService constructs a ConversationService with the default
// five-minute expiry and three attempts.
func NewConversationService(db *gorm.DB, pc panel.Client, claims *ClaimService, mappings *MappingService) *ConversationService {
	return &ConversationService{
		DB:          db,
		Panel:       pc,
		Claims:      claims,
		Mappings:    mappings,
		TTL:         5 * time.Minute,
		MaxAttempts: 3,
		Now:         time.Now,
	}
}

// StartUsernameVerification opens (or restarts) the username challenge for a
// suspended command on orderID. The expected answer comes from the order
// record and never leaves the context bag.
func (s *ConversationService) StartUsernameVerification(ctx context.Context, senderPhone, ownerUserID, orderID, orderUsername string) (*domain.ConversationState, error) {
	st := &domain.ConversationState{
		SenderPhone: utils.MappingPhone(senderPhone),
		OwnerUserID: ownerUserID,
		StateType:   domain.StateUsernameVerification,
		CurrentStep: stepAwaitingUsername,
		ContextData: domain.ContextMap{
			ctxKeyOrderID:  orderID,
			ctxKeyExpected: NormalizeUsername(orderUsername),
			ctxKeyAttempts: "0",
		},
		ExpiresAt: s.Now().Add(s.TTL),
	}
	if err := repo.CreateState(ctx, s.DB, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ProcessUsernameVerification consumes one reply in the username challenge.
// A correct answer tears the dialog down and unblocks the command; a wrong
// one burns an attempt and extends the expiry; exhausting the attempts tears
// the dialog down without unblocking. ErrNoActiveConversation is returned
// when no live dialog exists, including right after exhaustion, so a late
// correct answer cannot verify.
func (s *ConversationService) ProcessUsernameVerification(ctx context.Context, senderPhone, ownerUserID, reply string) (VerificationResult, error) {
	now := s.Now()
	st, err := repo.GetActiveState(ctx, s.DB, utils.MappingPhone(senderPhone), ownerUserID, domain.StateUsernameVerification, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return VerificationResult{}, ErrNoActiveConversation
		}
		return VerificationResult{}, err
	}

	orderID := st.ContextData[ctxKeyOrderID]
	if NormalizeUsername(reply) == st.ContextData[ctxKeyExpected] {
		if err := repo.DeleteState(ctx, s.DB, st.ID); err != nil {
			return VerificationResult{}, err
		}
		return VerificationResult{
			CanProceed: true,
			OrderID:    orderID,
			Message:    "Username verified. Processing your command now.",
		}, nil
	}

	attempts := atoiOrZero(st.ContextData[ctxKeyAttempts]) + 1
	if attempts >= s.MaxAttempts {
		if err := repo.DeleteState(ctx, s.DB, st.ID); err != nil {
			return VerificationResult{}, err
		}
		log.Warn().
			Str("order_id", orderID).
			Str("phone", utils.MaskPhone(senderPhone)).
			Msg("username verification exhausted")
		return VerificationResult{
			OrderID: orderID,
			Message: "Too many incorrect attempts. Please start over with your command.",
		}, nil
	}

	st.ContextData[ctxKeyAttempts] = strconv.Itoa(attempts)
	st.ExpiresAt = now.Add(s.TTL)
	if err := repo.SaveState(ctx, s.DB, st); err != nil {
		return VerificationResult{}, err
	}
	left := s.MaxAttempts - attempts
	return VerificationResult{
		OrderID:      orderID,
		AttemptsLeft: left,
		Message:      "That username does not match this order. Please try again (" + strconv.Itoa(left) + " attempts left).",
	}, nil
}

// StartRegistration opens (or restarts) the self-registration dialog for an
// unmapped sender.
func (s *ConversationService) StartRegistration(ctx context.Context, senderPhone, ownerUserID, panelID string) (*domain.ConversationState, error) {
	st := &domain.ConversationState{
		SenderPhone: utils.MappingPhone(senderPhone),
		OwnerUserID: ownerUserID,
		StateType:   domain.StateRegistration,
		CurrentStep: stepAwaitingUsername,
		ContextData: domain.ContextMap{ctxKeyPanelID: panelID},
		ExpiresAt:   s.Now().Add(s.TTL),
	}
	if err := repo.CreateState(ctx, s.DB, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ProcessRegistration consumes one reply in the registration dialog. The
// first step collects a username (checked against existing mappings and the
// panel API), the second asks for a YES/NO confirmation before the mapping
// is written.
func (s *ConversationService) ProcessRegistration(ctx context.Context, senderPhone, ownerUserID, reply string) (RegistrationResult, error) {
	now := s.Now()
	sender := utils.MappingPhone(senderPhone)
	st, err := repo.GetActiveState(ctx, s.DB, sender, ownerUserID, domain.StateRegistration, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return RegistrationResult{}, ErrNoActiveConversation
		}
		return RegistrationResult{}, err
	}

	switch st.CurrentStep {
	case stepAwaitingUsername:
		return s.registrationUsernameStep(ctx, st, sender, reply, now)
	case stepAwaitingConfirmation:
		return s.registrationConfirmStep(ctx, st, sender, reply, now)
	default:
		// Unknown step means a corrupt row; tear it down.
		_ = repo.DeleteState(ctx, s.DB, st.ID)
		return RegistrationResult{}, ErrNoActiveConversation
	}
}

func (s *ConversationService) registrationUsernameStep(ctx context.Context, st *domain.ConversationState, sender, reply string, now time.Time) (RegistrationResult, error) {
	candidate := NormalizeUsername(reply)
	if candidate == "" || !usernameShapeRE.MatchString(candidate) {
		st.ExpiresAt = now.Add(s.TTL)
		if err := repo.SaveState(ctx, s.DB, st); err != nil {
			return RegistrationResult{}, err
		}
		return RegistrationResult{Pending: true, Message: "That does not look like a panel username. Please send just your username."}, nil
	}

	// A username already bound to a different number is not negotiable here.
	existing, err := repo.GetMappingByUsername(ctx, s.DB, st.OwnerUserID, candidate)
	if err == nil {
		if existing.WhatsappNumbers.Contains(sender) {
			_ = repo.DeleteState(ctx, s.DB, st.ID)
			return RegistrationResult{Registered: true, Message: "This number is already registered for that username."}, nil
		}
		_ = repo.DeleteState(ctx, s.DB, st.ID)
		return RegistrationResult{Message: "That username is already linked to another number. Please contact support."}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return RegistrationResult{}, err
	}

	degraded := false
	valid, verr := s.Panel.ValidateUsername(ctx, st.ContextData[ctxKeyPanelID], candidate)
	if verr != nil {
		if errors.Is(verr, panel.ErrUnavailable) {
			// Fail open: an unreachable admin API must not strand honest
			// users mid-registration.
			log.Warn().Err(verr).Msg("panel unreachable; accepting username unvalidated")
			valid, degraded = true, true
		} else {
			return RegistrationResult{}, verr
		}
	}
	if !valid {
		st.ExpiresAt = now.Add(s.TTL)
		if err := repo.SaveState(ctx, s.DB, st); err != nil {
			return RegistrationResult{}, err
		}
		return RegistrationResult{Pending: true, Message: "I could not find that username on the panel. Please check the spelling and send it again."}, nil
	}

	st.CurrentStep = stepAwaitingConfirmation
	st.ContextData[ctxKeyCandidate] = candidate
	st.ExpiresAt = now.Add(s.TTL)
	if err := repo.SaveState(ctx, s.DB, st); err != nil {
		return RegistrationResult{}, err
	}
	return RegistrationResult{
		Pending:      true,
		DegradedMode: degraded,
		Message:      "Register this number for panel user \"" + candidate + "\"? Reply YES to confirm or NO to cancel.",
	}, nil
}

func (s *ConversationService) registrationConfirmStep(ctx context.Context, st *domain.ConversationState, sender, reply string, now time.Time) (RegistrationResult, error) {
	candidate := st.ContextData[ctxKeyCandidate]
	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "yes", "y":
		_, err := s.Mappings.CreateMapping(ctx, st.OwnerUserID, candidate, sender, domain.VerifiedBySelf, true)
		if err != nil {
			if errors.Is(err, repo.ErrDuplicateMapping) {
				// Lost a race with another registration for the same
				// username; treat like the conflict branch above.
				_ = repo.DeleteState(ctx, s.DB, st.ID)
				return RegistrationResult{Message: "That username is already linked to another number. Please contact support."}, nil
			}
			return RegistrationResult{}, err
		}
		if err := repo.DeleteState(ctx, s.DB, st.ID); err != nil {
			return RegistrationResult{}, err
		}
		return RegistrationResult{Registered: true, Message: "Registration complete. You can use order commands now."}, nil
	case "no", "n", "cancel":
		if err := repo.DeleteState(ctx, s.DB, st.ID); err != nil {
			return RegistrationResult{}, err
		}
		return RegistrationResult{Message: "Registration cancelled."}, nil
	default:
		st.ExpiresAt = now.Add(s.TTL)
		if err := repo.SaveState(ctx, s.DB, st); err != nil {
			return RegistrationResult{}, err
		}
		return RegistrationResult{Pending: true, Message: "Please reply YES to confirm or NO to cancel."}, nil
	}
}

// StartEmailVerification opens (or restarts) the email claim dialog for an
// unclaimed order under claimMode=email.
func (s *ConversationService) StartEmailVerification(ctx context.Context, senderPhone, ownerUserID, orderID string) (*domain.ConversationState, error) {
	st := &domain.ConversationState{
		SenderPhone: utils.MappingPhone(senderPhone),
		OwnerUserID: ownerUserID,
		StateType:   domain.StateEmailVerification,
		CurrentStep: stepAwaitingUsername,
		ContextData: domain.ContextMap{
			ctxKeyOrderID:  orderID,
			ctxKeyAttempts: "0",
		},
		ExpiresAt: s.Now().Add(s.TTL),
	}
	if err := repo.CreateState(ctx, s.DB, st); err != nil {
		return nil, err
	}
	return st, nil
}

// ProcessEmailVerification consumes one reply in the email claim dialog.
// A matching email claims the order for the sender via the guarded claim
// update; mismatches burn attempts exactly like the username challenge.
func (s *ConversationService) ProcessEmailVerification(ctx context.Context, senderPhone, ownerUserID, reply string) (EmailClaimResult, error) {
	now := s.Now()
	sender := utils.MappingPhone(senderPhone)
	st, err := repo.GetActiveState(ctx, s.DB, sender, ownerUserID, domain.StateEmailVerification, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return EmailClaimResult{}, ErrNoActiveConversation
		}
		return EmailClaimResult{}, err
	}

	orderID := st.ContextData[ctxKeyOrderID]
	order, err := repo.GetOrder(ctx, s.DB, orderID, ownerUserID)
	if err != nil {
		return EmailClaimResult{}, err
	}

	claimed, err := s.Claims.VerifyEmailClaim(ctx, order, senderPhone, reply)
	if err != nil {
		if errors.Is(err, repo.ErrAlreadyClaimed) {
			_ = repo.DeleteState(ctx, s.DB, st.ID)
			return EmailClaimResult{OrderID: orderID, Message: msgClaimedByOther}, nil
		}
		return EmailClaimResult{}, err
	}
	if claimed {
		if err := repo.DeleteState(ctx, s.DB, st.ID); err != nil {
			return EmailClaimResult{}, err
		}
		return EmailClaimResult{
			Claimed: true,
			OrderID: orderID,
			Message: "Email verified. This order is now linked to your number.",
		}, nil
	}

	attempts := atoiOrZero(st.ContextData[ctxKeyAttempts]) + 1
	if attempts >= s.MaxAttempts {
		if err := repo.DeleteState(ctx, s.DB, st.ID); err != nil {
			return EmailClaimResult{}, err
		}
		return EmailClaimResult{OrderID: orderID, Message: "Too many incorrect attempts. Please start over with your command."}, nil
	}
	st.ContextData[ctxKeyAttempts] = strconv.Itoa(attempts)
	st.ExpiresAt = now.Add(s.TTL)
	if err := repo.SaveState(ctx, s.DB, st); err != nil {
		return EmailClaimResult{}, err
	}
	return EmailClaimResult{
		OrderID:      orderID,
		AttemptsLeft: s.MaxAttempts - attempts,
		Message:      "That email does not match this order. Please try again.",
	}, nil
}

// SweepExpired removes expired dialog rows and returns how many went.
func (s *ConversationService) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	return repo.SweepExpiredStates(ctx, s.DB, now)
}

var (
	// usernameShapeRE accepts the character set panels allow in usernames.
	usernameShapeRE = regexp.MustCompile(`^[a-zA-Z0-9@._-]{2,64}$`)
	// commandPrefixRE matches obvious bot-command openers.
	commandPrefixRE = regexp.MustCompile(`^[/!.#]`)
)

// IsVerificationResponse is a best-effort classifier deciding whether text
// looks like a dialog reply (a username, email, or yes/no) rather than a new
// command. It can misclassify either way; callers must treat it as a filter,
// never as an authorization signal.
func IsVerificationResponse(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" || strings.ContainsAny(t, "\n\r") {
		return false
	}
	if commandPrefixRE.MatchString(t) {
		return false
	}
	switch strings.ToLower(t) {
	case "yes", "y", "no", "n", "cancel":
		return true
	}
	if len(t) > 64 || strings.Count(t, " ") > 0 {
		return false
	}
	return usernameShapeRE.MatchString(t)
}

// atoiOrZero parses a decimal counter from the context bag, defaulting to 0.
func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
