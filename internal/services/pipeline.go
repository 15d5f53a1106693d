// Package services – AuthorizationPipeline
//
// One Evaluate call per inbound command, run synchronously by the message
// dispatcher. The check order is fixed and short-circuits on the first
// denial:
//
//	0. staff override        → allow unconditionally, skip everything
//	1. rate limiter          → per-sender window
//	2. cooldown store        → per-(order, command) suppression
//	3. group security        → claim registry gate for group chats
//	4. mapping resolver      → authoritative when it verifies ownership;
//	                           steps 5–6 are skipped entirely on success
//	5. claim status          → only when the mapping did not resolve
//	6. username validation   → only when the mapping did not resolve; may
//	                           suspend the command behind a dialog
//
// A store failure anywhere is a denial at this boundary (fail closed); the
// single documented fail-open path lives inside the mapping resolver.
//
// Decision.ShouldClaim defers the actual claim until after the command
// executes successfully, so failed commands never consume the claim.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/panelgrid/go-bot-guard/internal/domain"
)

// Decision reasons, used for the Reason field, logs, and metrics labels.
const (
	ReasonStaffOverride    = "staff_override"
	ReasonRateLimited      = "rate_limited"
	ReasonCooldown         = "cooldown"
	ReasonGroupSecurity    = "group_security"
	ReasonMapping          = "mapping"
	ReasonClaim            = "claim"
	ReasonUsername         = "username"
	ReasonAllowed          = "allowed"
	ReasonPipelineError    = "pipeline_error"
)

// decisionsTotal counts pipeline outcomes by result and reason.
var decisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "botguard_decisions_total",
		Help: "Authorization pipeline decisions by outcome and reason.",
	},
	[]string{"outcome", "reason"},
)

func init() {
	prometheus.MustRegister(decisionsTotal)
}

// EvaluateRequest carries one inbound command into the pipeline.
type EvaluateRequest struct {
	Order       *domain.Order
	SenderPhone string
	IsGroup     bool
	// GroupJID identifies the group chat; empty in DMs.
	GroupJID    string
	OwnerUserID string
	Command     string
	// IsStaffOverride is precomputed by the caller (dispatcher) from the
	// override registry; true bypasses every check.
	IsStaffOverride bool
}

// Decision is the pipeline verdict for one command.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Message string `json:"message,omitempty"`
	// Reason labels which stage decided, for logs and metrics.
	Reason string `json:"reason"`
	// ShouldClaim instructs the caller to claim the order for the sender
	// after the command executes successfully.
	ShouldClaim bool `json:"should_claim,omitempty"`
	// NeedsUsernameVerification instructs the caller to start the username
	// dialog and suspend the command until the sender replies.
	NeedsUsernameVerification bool `json:"needs_username_verification,omitempty"`
	// NeedsEmailVerification instructs the caller to start the email claim
	// dialog (claimMode=email on an unclaimed order in DM).
	NeedsEmailVerification bool `json:"needs_email_verification,omitempty"`
	// OrderUsername is the expected answer for the username dialog, set
	// only with NeedsUsernameVerification.
	OrderUsername string `json:"-"`
	// RetryAfterSecs is the wait hint on throttle denials.
	RetryAfterSecs int `json:"retry_after_secs,omitempty"`
}

// Pipeline wires the engine components into the fixed evaluation order.
type Pipeline struct {
	Settings  *SettingsService
	Rate      *RateLimiter
	Cooldowns *CooldownService
	Claims    *ClaimService
	Usernames UsernameValidator
	Mappings  *MappingService

	// MappingResolution toggles step 4. On by default via NewPipeline;
	// turning it off makes claim/username the only ownership checks.
	MappingResolution bool
	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// NewPipeline constructs a Pipeline with mapping resolution enabled.
func NewPipeline(settings *SettingsService, rate *RateLimiter, cooldowns *CooldownService, claims *ClaimService, mappings *MappingService) *Pipeline {
	return &Pipeline{
		Settings:          settings,
		Rate:              rate,
		Cooldowns:         cooldowns,
		Claims:            claims,
		Mappings:          mappings,
		MappingResolution: true,
		Now:               time.Now,
	}
}

// Evaluate runs the full pipeline for one command. The returned error is
// non-nil only for infrastructure failures, and the Decision is always a
// denial in that case.
func (p *Pipeline) Evaluate(ctx context.Context, req EvaluateRequest) (Decision, error) {
	tr := otel.Tracer("services/Pipeline")
	ctx, span := tr.Start(ctx, "Evaluate",
		trace.WithAttributes(
			attribute.String("order.id", req.Order.ID),
			attribute.String("command", req.Command),
			attribute.Bool("is_group", req.IsGroup),
		),
	)
	defer span.End()

	d, err := p.evaluate(ctx, req)
	span.SetAttributes(
		attribute.Bool("decision.allowed", d.Allowed),
		attribute.String("decision.reason", d.Reason),
	)
	outcome := "denied"
	if d.Allowed {
		outcome = "allowed"
	}
	decisionsTotal.WithLabelValues(outcome, d.Reason).Inc()
	return d, err
}

func (p *Pipeline) evaluate(ctx context.Context, req EvaluateRequest) (Decision, error) {
	// 0. Staff override bypasses everything, including the rate limiter.
	if req.IsStaffOverride {
		return Decision{Allowed: true, Reason: ReasonStaffOverride}, nil
	}

	st, err := p.Settings.Get(ctx, req.OwnerUserID)
	if err != nil {
		return p.denyOnError(req, err, "settings load failed")
	}

	// 1. Per-sender rate limit.
	if r := p.Rate.Consume(req.OwnerUserID, req.SenderPhone, st.MaxCommandsPerMinute); r.Limited {
		secs := ceilSeconds(r.RetryAfter)
		return Decision{
			Reason:         ReasonRateLimited,
			Message:        fmt.Sprintf(msgRateLimited, secs),
			RetryAfterSecs: secs,
		}, nil
	}

	// 2. Per-(order, command) cooldown.
	cd, err := p.Cooldowns.Check(ctx, req.Order.ID, req.Command, p.Now())
	if err != nil {
		return p.denyOnError(req, err, "cooldown check failed")
	}
	if cd.Blocked {
		secs := ceilSeconds(cd.Remaining)
		return Decision{
			Reason:         ReasonCooldown,
			Message:        fmt.Sprintf(msgCooldownActive, secs),
			RetryAfterSecs: secs,
		}, nil
	}

	// 3. Group security gate.
	if g := p.Claims.CheckGroupSecurity(req.Order, req.IsGroup, st.GroupSecurityMode); !g.Allowed {
		return Decision{Reason: ReasonGroupSecurity, Message: g.Message}, nil
	}

	// 4. Mapping resolution. A verified mapping is authoritative: claim and
	// username checks are skipped entirely.
	if p.MappingResolution {
		res := p.Mappings.ResolveOwnership(ctx, req.Order, req.SenderPhone, req.OwnerUserID, req.IsGroup)
		if !res.Allowed {
			return Decision{Reason: ReasonMapping, Message: res.Message}, nil
		}
		if res.Case != CaseFallbackNoUsername {
			return Decision{Allowed: true, Reason: ReasonAllowed}, nil
		}
		// Fall through: with no username to resolve against, claim and
		// username validation still apply.
	}

	// 5. Claim status (mapping unresolved).
	c := p.Claims.CheckClaimStatus(req.Order, req.SenderPhone, req.IsGroup, st.ClaimMode)
	if !c.Allowed {
		return Decision{
			Reason:                 ReasonClaim,
			Message:                c.Message,
			NeedsEmailVerification: c.NeedsEmail,
		}, nil
	}

	// 6. Username validation (mapping unresolved).
	u := p.Usernames.Check(req.Order, req.SenderPhone, req.IsGroup, st.UsernameValidationMode)
	if !u.Allowed {
		return Decision{
			Reason:                    ReasonUsername,
			Message:                   u.Message,
			NeedsUsernameVerification: u.NeedsVerification,
			OrderUsername:             u.OrderUsername,
		}, nil
	}

	return Decision{Allowed: true, Reason: ReasonAllowed, ShouldClaim: c.ShouldClaim}, nil
}

// denyOnError logs an infrastructure failure and returns the fail-closed
// denial along with the error for the caller's telemetry.
func (p *Pipeline) denyOnError(req EvaluateRequest, err error, msg string) (Decision, error) {
	log.Error().Err(err).
		Str("order_id", req.Order.ID).
		Str("command", req.Command).
		Msg(msg)
	return Decision{Reason: ReasonPipelineError, Message: msgGenericDenied}, err
}

// ceilSeconds rounds a wait up to whole seconds, minimum one, so the user
// message never says "wait 0 seconds" for a live block.
func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
