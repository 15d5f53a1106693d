// Package services – MappingResolver
//
// Resolves the true owner of an order through the username↔phone directory.
// Unknown usernames are auto-provisioned: the first phone to interact under
// a username gets bound to it as an unverified AUTO mapping. That binding is
// permanent until an operator intervenes, a documented soft spot in the
// trust model, kept as specified.
//
// Failure policy is deliberately asymmetric and must stay that way:
//   - An order with no recoverable username fails OPEN (allow with a
//     fallback warning) so legacy orders synced before usernames existed
//     keep working.
//   - Everything else fails CLOSED: an unexpected store or API error denies
//     with a generic message.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/panelgrid/go-bot-guard/internal/domain"
	"github.com/panelgrid/go-bot-guard/internal/panel"
	"github.com/panelgrid/go-bot-guard/internal/repo"
	"github.com/panelgrid/go-bot-guard/internal/utils"
)

// OwnershipCase labels the resolution outcome for logging, metrics, and tests.
type OwnershipCase string

// Resolution cases.
const (
	CaseVerified           OwnershipCase = "VERIFIED"
	CaseAutoCreated        OwnershipCase = "AUTO_CREATED"
	CaseFallbackNoUsername OwnershipCase = "FALLBACK_NO_USERNAME"
	CaseBotDisabled        OwnershipCase = "BOT_DISABLED"
	CaseSuspended          OwnershipCase = "SUSPENDED"
	CaseWANotMatch         OwnershipCase = "WA_NOT_MATCH"
	CaseUserNotRegistered  OwnershipCase = "USER_NOT_REGISTERED"
	CaseResolverError      OwnershipCase = "RESOLVER_ERROR"
)

// OwnershipResult is the outcome of ResolveOwnership.
type OwnershipResult struct {
	Allowed bool
	Case    OwnershipCase
	// Message is the user-facing denial text when Allowed is false.
	Message string
	// Mapping is the matched or created row, when one exists.
	Mapping *domain.UserPanelMapping
}

// MappingService owns the username↔phone directory and ownership resolution.
type MappingService struct {
	DB    *gorm.DB
	Panel panel.Client
	// Tasks runs the non-blocking bookkeeping (activity counters,
	// opportunistic verification). Optional; nil runs them inline.
	Tasks *TaskRunner
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// NewMappingService constructs a MappingService.
func NewMappingService(db *gorm.DB, pc panel.Client, tasks *TaskRunner) *MappingService {
	return &MappingService{DB: db, Panel: pc, Tasks: tasks, Now: time.Now}
}

// ResolveOwnership decides whether senderPhone may act on the order based on
// the mapping directory. The sequence:
//
//  1. Ensure the order has a customer username, fetching from the panel
//     admin API and persisting when missing. Still missing → fail open with
//     FALLBACK_NO_USERNAME.
//  2. Look up the mapping (case-insensitive, per owner). Absent → auto-create
//     bound to the sender; on a concurrent-create conflict re-read once.
//     A found mapping denies on disabled/suspended rows or a phone mismatch,
//     and allows with opportunistic verification otherwise.
//
// Unexpected errors never propagate: the result is a closed-fail denial.
func (s *MappingService) ResolveOwnership(ctx context.Context, order *domain.Order, senderPhone, ownerUserID string, isGroup bool) OwnershipResult {
	tr := otel.Tracer("services/MappingService")
	ctx, span := tr.Start(ctx, "ResolveOwnership",
		trace.WithAttributes(
			attribute.String("order.id", order.ID),
			attribute.String("owner.id", ownerUserID),
		),
	)
	defer span.End()

	res := s.resolve(ctx, order, senderPhone, ownerUserID)
	span.SetAttributes(
		attribute.String("ownership.case", string(res.Case)),
		attribute.Bool("ownership.allowed", res.Allowed),
	)
	return res
}

func (s *MappingService) resolve(ctx context.Context, order *domain.Order, senderPhone, ownerUserID string) OwnershipResult {
	username, ok := s.ensureUsername(ctx, order)
	if !ok {
		// Documented fail-open exception: no username is recoverable for
		// this order, so mapping checks cannot apply.
		log.Warn().
			Str("order_id", order.ID).
			Msg("order has no customer username; allowing with fallback")
		return OwnershipResult{Allowed: true, Case: CaseFallbackNoUsername}
	}

	folded := NormalizeUsername(username)
	sender := utils.MappingPhone(senderPhone)

	m, err := repo.GetMappingByUsername(ctx, s.DB, ownerUserID, folded)
	switch {
	case err == nil:
		return s.resolveExisting(ctx, m, sender)
	case errors.Is(err, repo.ErrNotFound):
		return s.autoCreate(ctx, ownerUserID, folded, sender)
	default:
		log.Error().Err(err).Str("order_id", order.ID).Msg("mapping lookup failed")
		return OwnershipResult{Allowed: false, Case: CaseResolverError, Message: msgGenericDenied}
	}
}

// ensureUsername returns the order's customer username, backfilling it from
// the panel admin API when the synced row lacks one. The second return is
// false when no username could be recovered.
func (s *MappingService) ensureUsername(ctx context.Context, order *domain.Order) (string, bool) {
	if order.CustomerUsername != nil && *order.CustomerUsername != "" {
		return *order.CustomerUsername, true
	}

	info, err := s.Panel.GetOrder(ctx, order.PanelID, order.ExternalOrderID)
	if err != nil || info == nil || info.CustomerUsername == "" {
		if err != nil {
			log.Warn().Err(err).Str("order_id", order.ID).Msg("panel order fetch failed during username backfill")
		}
		return "", false
	}

	if err := repo.UpdateCustomerUsername(ctx, s.DB, order.ID, info.CustomerUsername); err != nil {
		// Backfill persistence is best-effort; the in-memory value still
		// serves this evaluation.
		log.Warn().Err(err).Str("order_id", order.ID).Msg("username backfill persist failed")
	}
	u := info.CustomerUsername
	order.CustomerUsername = &u
	return u, true
}

// autoCreate provisions an unverified AUTO mapping binding the username to
// the sender. On a unique-index conflict (concurrent first contact) it
// re-reads once and resolves against the winner's row.
func (s *MappingService) autoCreate(ctx context.Context, ownerUserID, folded, sender string) OwnershipResult {
	m := &domain.UserPanelMapping{
		OwnerUserID:     ownerUserID,
		PanelUsername:   folded,
		WhatsappNumbers: domain.StringSet{sender},
		GroupIDs:        domain.StringSet{},
		IsBotEnabled:    true,
		IsVerified:      false,
		VerifiedBy:      domain.VerifiedByAuto,
	}
	err := repo.CreateMapping(ctx, s.DB, m)
	if err == nil {
		log.Info().
			Str("owner_id", ownerUserID).
			Str("username", folded).
			Str("phone", utils.MaskPhone(sender)).
			Msg("mapping auto-created")
		return OwnershipResult{Allowed: true, Case: CaseAutoCreated, Mapping: m}
	}

	if errors.Is(err, repo.ErrDuplicateMapping) {
		existing, rerr := repo.GetMappingByUsername(ctx, s.DB, ownerUserID, folded)
		if rerr == nil {
			return s.resolveExisting(ctx, existing, sender)
		}
		// Retry-read failed: the row vanished between conflict and re-read.
		log.Error().Err(rerr).Str("username", folded).Msg("mapping re-read after conflict failed")
		return OwnershipResult{Allowed: false, Case: CaseUserNotRegistered, Message: msgNotRegistered}
	}

	log.Error().Err(err).Str("username", folded).Msg("mapping auto-create failed")
	return OwnershipResult{Allowed: false, Case: CaseResolverError, Message: msgGenericDenied}
}

// resolveExisting applies the directory checks against a found mapping.
func (s *MappingService) resolveExisting(ctx context.Context, m *domain.UserPanelMapping, sender string) OwnershipResult {
	switch {
	case !m.IsBotEnabled:
		return OwnershipResult{Allowed: false, Case: CaseBotDisabled, Message: msgBotDisabled, Mapping: m}
	case m.IsAutoSuspended:
		return OwnershipResult{Allowed: false, Case: CaseSuspended, Message: msgSuspended, Mapping: m}
	case !m.WhatsappNumbers.Contains(sender):
		return OwnershipResult{Allowed: false, Case: CaseWANotMatch, Message: msgNotOwner, Mapping: m}
	}

	// Sender is verified. Bookkeeping is best-effort and off the hot path.
	id, wasVerified, now := m.ID, m.IsVerified, s.Now().UTC()
	s.runTask("mapping-bookkeeping", func(tctx context.Context) error {
		if !wasVerified {
			if err := repo.MarkMappingVerified(tctx, s.DB, id, "verified on matched sender phone"); err != nil {
				return err
			}
		}
		return repo.RecordMappingActivity(tctx, s.DB, id, now)
	})

	return OwnershipResult{Allowed: true, Case: CaseVerified, Mapping: m}
}

// runTask dispatches fn through the task runner, or inline when none is set.
func (s *MappingService) runTask(name string, fn func(context.Context) error) {
	if s.Tasks != nil {
		s.Tasks.Go(name, fn)
		return
	}
	if err := fn(context.Background()); err != nil {
		log.Warn().Err(err).Str("task", name).Msg("bookkeeping failed")
	}
}

// CreateMapping provisions a mapping on behalf of the registration dialog or
// an operator. Username is normalized here; phone is normalized to the
// mapping key form.
func (s *MappingService) CreateMapping(ctx context.Context, ownerUserID, username, phone, verifiedBy string, verified bool) (*domain.UserPanelMapping, error) {
	m := &domain.UserPanelMapping{
		OwnerUserID:     ownerUserID,
		PanelUsername:   NormalizeUsername(username),
		WhatsappNumbers: domain.StringSet{utils.MappingPhone(phone)},
		GroupIDs:        domain.StringSet{},
		IsBotEnabled:    true,
		IsVerified:      verified,
		VerifiedBy:      verifiedBy,
	}
	if err := repo.CreateMapping(ctx, s.DB, m); err != nil {
		return nil, err
	}
	return m, nil
}
