package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/panelgrid/go-bot-guard/internal/domain"
	"github.com/panelgrid/go-bot-guard/internal/panel"
	"github.com/panelgrid/go-bot-guard/internal/repo"
)

func newConvService(t *testing.T, pc panel.Client) *ConversationService {
	t.Helper()
	db := newTestDB(t)
	claims := NewClaimService(db)
	mappings := NewMappingService(db, pc, nil)
	return NewConversationService(db, pc, claims, mappings)
}

func TestUsernameVerification_CorrectReplyUnblocks(t *testing.T) {
	svc := newConvService(t, &fakePanel{})
	ctx := context.Background()

	if _, err := svc.StartUsernameVerification(ctx, "628111", "owner-1", "o1", "John123"); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := svc.ProcessUsernameVerification(ctx, "628111", "owner-1", " JOHN123 ")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !res.CanProceed || res.OrderID != "o1" {
		t.Fatalf("got %+v", res)
	}

	// Dialog is gone; a second identical reply verifies nothing.
	if _, err := svc.ProcessUsernameVerification(ctx, "628111", "owner-1", "john123"); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("after success = %v, want ErrNoActiveConversation", err)
	}
}

func TestUsernameVerification_ExhaustionLocksOut(t *testing.T) {
	svc := newConvService(t, &fakePanel{})
	ctx := context.Background()

	if _, err := svc.StartUsernameVerification(ctx, "628111", "owner-1", "o1", "john123"); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 1; i < svc.MaxAttempts; i++ {
		res, err := svc.ProcessUsernameVerification(ctx, "628111", "owner-1", "wrong")
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if res.CanProceed || res.AttemptsLeft != svc.MaxAttempts-i {
			t.Fatalf("attempt %d: %+v", i, res)
		}
	}

	// Final wrong answer exhausts the dialog.
	res, err := svc.ProcessUsernameVerification(ctx, "628111", "owner-1", "wrong")
	if err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if res.CanProceed || res.AttemptsLeft != 0 {
		t.Fatalf("exhaustion: %+v", res)
	}

	// The late correct answer must not verify.
	if _, err := svc.ProcessUsernameVerification(ctx, "628111", "owner-1", "john123"); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("after exhaustion = %v, want ErrNoActiveConversation", err)
	}
}

func TestUsernameVerification_ExpiredDialogIsGone(t *testing.T) {
	svc := newConvService(t, &fakePanel{})
	ctx := context.Background()

	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	now := start
	svc.Now = func() time.Time { return now }

	if _, err := svc.StartUsernameVerification(ctx, "628111", "owner-1", "o1", "john123"); err != nil {
		t.Fatalf("start: %v", err)
	}

	now = start.Add(svc.TTL + time.Second)
	if _, err := svc.ProcessUsernameVerification(ctx, "628111", "owner-1", "john123"); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("expired dialog = %v, want ErrNoActiveConversation", err)
	}
}

func TestUsernameVerification_RestartReplacesDialog(t *testing.T) {
	svc := newConvService(t, &fakePanel{})
	ctx := context.Background()

	if _, err := svc.StartUsernameVerification(ctx, "628111", "owner-1", "o1", "first"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.StartUsernameVerification(ctx, "628111", "owner-1", "o2", "second"); err != nil {
		t.Fatalf("restart: %v", err)
	}

	// Only the newest dialog answers.
	res, err := svc.ProcessUsernameVerification(ctx, "628111", "owner-1", "second")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !res.CanProceed || res.OrderID != "o2" {
		t.Fatalf("got %+v", res)
	}
}

func TestRegistration_HappyPath(t *testing.T) {
	pc := &fakePanel{exists: true}
	svc := newConvService(t, pc)
	ctx := context.Background()

	if _, err := svc.StartRegistration(ctx, "628111", "owner-1", "panel-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := svc.ProcessRegistration(ctx, "628111", "owner-1", "Dave7")
	if err != nil {
		t.Fatalf("username step: %v", err)
	}
	if !res.Pending || res.Registered || res.DegradedMode {
		t.Fatalf("username step: %+v", res)
	}

	res, err = svc.ProcessRegistration(ctx, "628111", "owner-1", "YES")
	if err != nil {
		t.Fatalf("confirm step: %v", err)
	}
	if !res.Registered || res.Pending {
		t.Fatalf("confirm step: %+v", res)
	}

	m, err := repo.GetMappingByUsername(ctx, svc.DB, "owner-1", "dave7")
	if err != nil {
		t.Fatalf("mapping missing: %v", err)
	}
	if !m.WhatsappNumbers.Contains("628111") || m.VerifiedBy != domain.VerifiedBySelf || !m.IsVerified {
		t.Fatalf("mapping fields: %+v", m)
	}
}

func TestRegistration_FailsOpenWhenPanelUnreachable(t *testing.T) {
	pc := &fakePanel{validateErr: panel.ErrUnavailable}
	svc := newConvService(t, pc)
	ctx := context.Background()

	if _, err := svc.StartRegistration(ctx, "628111", "owner-1", "panel-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := svc.ProcessRegistration(ctx, "628111", "owner-1", "dave7")
	if err != nil {
		t.Fatalf("username step: %v", err)
	}
	if !res.Pending || !res.DegradedMode {
		t.Fatalf("unreachable panel must fail open with a degraded flag, got %+v", res)
	}
}

func TestRegistration_UnknownUsernameRetries(t *testing.T) {
	pc := &fakePanel{exists: false}
	svc := newConvService(t, pc)
	ctx := context.Background()

	if _, err := svc.StartRegistration(ctx, "628111", "owner-1", "panel-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := svc.ProcessRegistration(ctx, "628111", "owner-1", "nobody9")
	if err != nil {
		t.Fatalf("username step: %v", err)
	}
	if !res.Pending || res.Registered {
		t.Fatalf("unknown username should re-prompt: %+v", res)
	}

	// Still on the username step; a valid name now moves forward.
	pc.exists = true
	res, err = svc.ProcessRegistration(ctx, "628111", "owner-1", "dave7")
	if err != nil || !res.Pending {
		t.Fatalf("retry: %+v err=%v", res, err)
	}
}

func TestRegistration_ConflictingUsernameEndsDialog(t *testing.T) {
	pc := &fakePanel{exists: true}
	svc := newConvService(t, pc)
	ctx := context.Background()

	if err := repo.CreateMapping(ctx, svc.DB, &domain.UserPanelMapping{
		OwnerUserID: "owner-1", PanelUsername: "taken",
		WhatsappNumbers: domain.StringSet{"628999"},
		IsBotEnabled:    true,
	}); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	if _, err := svc.StartRegistration(ctx, "628111", "owner-1", "panel-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := svc.ProcessRegistration(ctx, "628111", "owner-1", "taken")
	if err != nil {
		t.Fatalf("username step: %v", err)
	}
	if res.Registered || res.Pending {
		t.Fatalf("conflict should end the dialog unregistered: %+v", res)
	}
	if _, err := svc.ProcessRegistration(ctx, "628111", "owner-1", "taken"); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("dialog should be gone, got %v", err)
	}
}

func TestRegistration_CancelAndGarbledConfirm(t *testing.T) {
	pc := &fakePanel{exists: true}
	svc := newConvService(t, pc)
	ctx := context.Background()

	if _, err := svc.StartRegistration(ctx, "628111", "owner-1", "panel-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.ProcessRegistration(ctx, "628111", "owner-1", "dave7"); err != nil {
		t.Fatalf("username step: %v", err)
	}

	res, err := svc.ProcessRegistration(ctx, "628111", "owner-1", "maybe?")
	if err != nil || !res.Pending {
		t.Fatalf("garbled confirm should re-prompt: %+v err=%v", res, err)
	}

	res, err = svc.ProcessRegistration(ctx, "628111", "owner-1", "no")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Registered || res.Pending {
		t.Fatalf("cancel outcome: %+v", res)
	}
	if _, err := repo.GetMappingByUsername(ctx, svc.DB, "owner-1", "dave7"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cancelled registration must not write a mapping, got %v", err)
	}
}

func TestEmailVerification_ClaimsOnMatch(t *testing.T) {
	svc := newConvService(t, &fakePanel{})
	ctx := context.Background()

	o := seedTestOrder(t, svc.DB, &domain.Order{CustomerEmail: strptr("dave@example.com")})
	if _, err := svc.StartEmailVerification(ctx, "628111", "owner-1", o.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, err := svc.ProcessEmailVerification(ctx, "628111", "owner-1", "wrong@example.com")
	if err != nil {
		t.Fatalf("wrong email: %v", err)
	}
	if res.Claimed || res.AttemptsLeft != svc.MaxAttempts-1 {
		t.Fatalf("wrong email: %+v", res)
	}

	res, err = svc.ProcessEmailVerification(ctx, "628111", "owner-1", "Dave@Example.COM")
	if err != nil {
		t.Fatalf("matching email: %v", err)
	}
	if !res.Claimed || res.OrderID != o.ID {
		t.Fatalf("matching email: %+v", res)
	}

	stored, err := repo.GetOrder(ctx, svc.DB, o.ID, o.OwnerUserID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored.ClaimedByPhone == nil || *stored.ClaimedByPhone != "628111" {
		t.Fatalf("claim holder = %v", stored.ClaimedByPhone)
	}
}

func TestEmailVerification_LostClaimRaceEndsDialog(t *testing.T) {
	svc := newConvService(t, &fakePanel{})
	ctx := context.Background()

	o := seedTestOrder(t, svc.DB, &domain.Order{CustomerEmail: strptr("dave@example.com")})
	if _, err := svc.StartEmailVerification(ctx, "628111", "owner-1", o.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Another phone claims first.
	if err := svc.Claims.ClaimOrder(ctx, &domain.Order{ID: o.ID}, "628999"); err != nil {
		t.Fatalf("racing claim: %v", err)
	}

	res, err := svc.ProcessEmailVerification(ctx, "628111", "owner-1", "dave@example.com")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Claimed {
		t.Fatalf("losing the claim race must not report claimed")
	}
	if res.Message != msgClaimedByOther {
		t.Fatalf("message = %q", res.Message)
	}
	if _, err := svc.ProcessEmailVerification(ctx, "628111", "owner-1", "dave@example.com"); !errors.Is(err, ErrNoActiveConversation) {
		t.Fatalf("dialog should be gone, got %v", err)
	}
}

func TestIsVerificationResponse(t *testing.T) {
	cases := map[string]bool{
		"john123":          true,
		"  dave@host.com ": true,
		"YES":              true,
		"no":               true,
		"/status o1":       false,
		"!renew":           false,
		".help":            false,
		"two words":        false,
		"multi\nline":      false,
		"":                 false,
		"a":                false, // too short for a username
	}
	for in, want := range cases {
		if got := IsVerificationResponse(in); got != want {
			t.Fatalf("IsVerificationResponse(%q) = %v, want %v", in, got, want)
		}
	}
}
