package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/panelgrid/go-bot-guard/internal/domain"
	"github.com/panelgrid/go-bot-guard/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:guardsvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func strptr(s string) *string { return &s }

func seedTestOrder(t *testing.T, db *gorm.DB, o *domain.Order) *domain.Order {
	t.Helper()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.OwnerUserID == "" {
		o.OwnerUserID = "owner-1"
	}
	if o.PanelID == "" {
		o.PanelID = "panel-1"
	}
	if o.ExternalOrderID == "" {
		o.ExternalOrderID = "ext-1"
	}
	if err := db.Create(o).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func TestCheckGroupSecurity(t *testing.T) {
	svc := NewClaimService(nil)
	claimed := &domain.Order{ClaimedByPhone: strptr("628111")}
	unclaimed := &domain.Order{}

	cases := []struct {
		name    string
		order   *domain.Order
		isGroup bool
		mode    string
		allowed bool
	}{
		{"dm always allows", unclaimed, false, domain.GroupSecurityDisabled, true},
		{"none allows groups", unclaimed, true, domain.GroupSecurityNone, true},
		{"disabled redirects groups", claimed, true, domain.GroupSecurityDisabled, false},
		{"verified denies unclaimed", unclaimed, true, domain.GroupSecurityVerified, false},
		{"verified allows claimed", claimed, true, domain.GroupSecurityVerified, true},
		{"unknown mode treated as none", unclaimed, true, "bogus", true},
	}
	for _, c := range cases {
		got := svc.CheckGroupSecurity(c.order, c.isGroup, c.mode)
		if got.Allowed != c.allowed {
			t.Fatalf("%s: allowed = %v, want %v", c.name, got.Allowed, c.allowed)
		}
		if !got.Allowed && got.Message == "" {
			t.Fatalf("%s: denial without message", c.name)
		}
	}
}

func TestCheckClaimStatus_DecisionTable(t *testing.T) {
	svc := NewClaimService(nil)
	claimed := &domain.Order{ClaimedByPhone: strptr("628111")}
	unclaimed := &domain.Order{}

	cases := []struct {
		name        string
		order       *domain.Order
		sender      string
		isGroup     bool
		mode        string
		allowed     bool
		shouldClaim bool
		needsEmail  bool
	}{
		{"disabled ignores everything", claimed, "628999", true, domain.ClaimModeDisabled, true, false, false},
		{"holder passes", claimed, "628111", false, domain.ClaimModeAuto, true, false, false},
		{"holder passes with formatting", claimed, "+62 811-1", false, domain.ClaimModeAuto, true, false, false},
		{"other phone denied", claimed, "628222", false, domain.ClaimModeAuto, false, false, false},
		{"auto unclaimed group denied", unclaimed, "628111", true, domain.ClaimModeAuto, false, false, false},
		{"auto unclaimed dm claims", unclaimed, "628111", false, domain.ClaimModeAuto, true, true, false},
		{"email unclaimed group denied", unclaimed, "628111", true, domain.ClaimModeEmail, false, false, false},
		{"email unclaimed dm prompts", unclaimed, "628111", false, domain.ClaimModeEmail, false, false, true},
	}
	for _, c := range cases {
		got := svc.CheckClaimStatus(c.order, c.sender, c.isGroup, c.mode)
		if got.Allowed != c.allowed || got.ShouldClaim != c.shouldClaim || got.NeedsEmail != c.needsEmail {
			t.Fatalf("%s: got %+v", c.name, got)
		}
	}
}

func TestClaimOrder_NormalizesAndMutates(t *testing.T) {
	db := newTestDB(t)
	svc := NewClaimService(db)
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { return now }

	o := seedTestOrder(t, db, &domain.Order{})
	if err := svc.ClaimOrder(context.Background(), o, "+62 811-1000"); err != nil {
		t.Fatalf("ClaimOrder: %v", err)
	}

	if o.ClaimedByPhone == nil || *o.ClaimedByPhone != "628111000" {
		t.Fatalf("in-memory claim holder = %v", o.ClaimedByPhone)
	}
	if !o.IsVerified || o.ClaimedAt == nil || !o.ClaimedAt.Equal(now) {
		t.Fatalf("claim fields not mutated: %+v", o)
	}

	stored, err := repo.GetOrder(context.Background(), db, o.ID, o.OwnerUserID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if stored.ClaimedByPhone == nil || *stored.ClaimedByPhone != "628111000" {
		t.Fatalf("stored claim holder = %v", stored.ClaimedByPhone)
	}
}

func TestClaimOrder_LosesRace(t *testing.T) {
	db := newTestDB(t)
	svc := NewClaimService(db)

	o := seedTestOrder(t, db, &domain.Order{})
	if err := svc.ClaimOrder(context.Background(), o, "628111"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	loser := seedCopy(o)
	if err := svc.ClaimOrder(context.Background(), loser, "628222"); !errors.Is(err, repo.ErrAlreadyClaimed) {
		t.Fatalf("second claim = %v, want ErrAlreadyClaimed", err)
	}
}

// seedCopy returns an unclaimed in-memory view of the same order row, as a
// second concurrent evaluation would hold.
func seedCopy(o *domain.Order) *domain.Order {
	cp := *o
	cp.ClaimedByPhone = nil
	cp.ClaimedAt = nil
	cp.IsVerified = false
	return &cp
}

func TestVerifyEmailClaim(t *testing.T) {
	db := newTestDB(t)
	svc := NewClaimService(db)
	ctx := context.Background()

	o := seedTestOrder(t, db, &domain.Order{CustomerEmail: strptr("John@Example.com")})

	okClaim, err := svc.VerifyEmailClaim(ctx, o, "628111", "wrong@example.com")
	if err != nil || okClaim {
		t.Fatalf("wrong email: ok=%v err=%v", okClaim, err)
	}

	okClaim, err = svc.VerifyEmailClaim(ctx, o, "628111", "  john@example.COM ")
	if err != nil || !okClaim {
		t.Fatalf("matching email should claim: ok=%v err=%v", okClaim, err)
	}
	if o.ClaimedByPhone == nil || *o.ClaimedByPhone != "628111" {
		t.Fatalf("claim holder = %v", o.ClaimedByPhone)
	}
}

func TestVerifyEmailClaim_NoEmailOnOrder(t *testing.T) {
	svc := NewClaimService(nil)
	o := &domain.Order{}

	okClaim, err := svc.VerifyEmailClaim(context.Background(), o, "628111", "a@b.c")
	if err != nil || okClaim {
		t.Fatalf("order without email: ok=%v err=%v", okClaim, err)
	}
}
