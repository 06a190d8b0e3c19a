// Package access decides whether a party may open, read or write a job conversation.
package access

import (
	"context"
	"fmt"

	"tradechat/internal/directory"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/rs/zerolog"
)

// Denial reasons reported in Decision.Reason.
const (
	ReasonNotPaid          = "NOT_PAID"
	ReasonNotParticipant   = "NOT_PARTICIPANT"
	ReasonJobNotFound      = "JOB_NOT_FOUND"
	ReasonIdentityNotFound = "IDENTITY_NOT_FOUND"
)

// Decision is the outcome of an authorization check. Detail is safe to show the caller.
type Decision struct {
	Allowed bool
	Reason  string
	Detail  string
}

// Err converts a denial into the AppError returned to clients. Allowed decisions yield nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonNotPaid:
		return utils.NewNotPaidError(d.Detail)
	case ReasonJobNotFound:
		appErr := utils.NewAppError(utils.ErrJobNotFound, "Job not found", nil)
		appErr.Reason = d.Detail
		return appErr
	default:
		return utils.NewForbiddenError(d.Detail)
	}
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Gate checks participation and payment against the marketplace directories. It holds
// no state; every call reads the current interest record.
type Gate struct {
	dirs    directory.Directories
	metrics *utils.MetricsCollector
	logger  zerolog.Logger
}

func NewGate(dirs directory.Directories, metrics *utils.MetricsCollector, logger zerolog.Logger) *Gate {
	return &Gate{
		dirs:    dirs,
		metrics: metrics,
		logger:  logger.With().Str("component", "access_gate").Logger(),
	}
}

// Authorize decides whether actor may act on the conversation for (jobID, tradespersonID).
// A returned error means the decision could not be made; it is never a denial.
func (g *Gate) Authorize(ctx context.Context, actor models.Actor, jobID, tradespersonID string) (Decision, error) {
	decision, err := g.authorize(ctx, actor, jobID, tradespersonID)
	if err != nil {
		return Decision{}, err
	}
	g.record(actor, jobID, tradespersonID, decision)
	return decision, nil
}

func (g *Gate) authorize(ctx context.Context, actor models.Actor, jobID, tradespersonID string) (Decision, error) {
	homeownerID, err := g.dirs.GetHomeownerOf(ctx, jobID)
	if err != nil {
		if utils.IsNotFound(err) {
			return deny(ReasonJobNotFound, "job "+jobID+" does not exist"), nil
		}
		return Decision{}, err
	}

	if _, err := g.dirs.GetDisplayName(ctx, tradespersonID); err != nil {
		if utils.IsNotFound(err) {
			return deny(ReasonIdentityNotFound, "tradesperson "+tradespersonID+" does not exist"), nil
		}
		return Decision{}, err
	}

	switch actor.Role {
	case models.RoleHomeowner:
		if actor.ID != homeownerID {
			return deny(ReasonNotParticipant, "you are not the homeowner of this job"), nil
		}
		return allow(), nil
	case models.RoleTradesperson:
		if actor.ID != tradespersonID {
			return deny(ReasonNotParticipant, "you are not the tradesperson on this conversation"), nil
		}
		return g.checkPaid(ctx, jobID, tradespersonID)
	default:
		return deny(ReasonNotParticipant, fmt.Sprintf("unknown role %q", actor.Role)), nil
	}
}

// RequirePaid checks only the payment condition. It is used when a homeowner's request
// would create a conversation, which is legal only for a paid lead.
func (g *Gate) RequirePaid(ctx context.Context, jobID, tradespersonID string) (Decision, error) {
	decision, err := g.checkPaid(ctx, jobID, tradespersonID)
	if err != nil {
		return Decision{}, err
	}
	g.record(models.Actor{}, jobID, tradespersonID, decision)
	return decision, nil
}

func (g *Gate) checkPaid(ctx context.Context, jobID, tradespersonID string) (Decision, error) {
	interest, err := g.dirs.GetInterest(ctx, jobID, tradespersonID)
	if err != nil {
		if utils.IsNotFound(err) {
			return deny(ReasonNotPaid, "no interest recorded for this job"), nil
		}
		return Decision{}, err
	}

	if interest.Malformed {
		g.logger.Warn().
			Str("job_id", jobID).
			Str("tradesperson_id", tradespersonID).
			Msg("interest status has an unexpected type, probable data corruption")
		return deny(ReasonNotPaid, "interest status is not readable"), nil
	}

	if models.IsPaidAccess(interest.Status) {
		return allow(), nil
	}

	if resembles, ok := models.NearMiss(string(interest.Status)); ok {
		g.logger.Warn().
			Str("job_id", jobID).
			Str("tradesperson_id", tradespersonID).
			Str("status", string(interest.Status)).
			Str("resembles", string(resembles)).
			Msg("interest status differs from a known status by case or whitespace, probable data corruption")
	}
	return deny(ReasonNotPaid, fmt.Sprintf("interest status is %q", interest.Status)), nil
}

func (g *Gate) record(actor models.Actor, jobID, tradespersonID string, decision Decision) {
	if decision.Allowed {
		return
	}
	g.metrics.IncrementAccessDenials(decision.Reason)
	g.logger.Info().
		Str("actor_id", actor.ID).
		Str("actor_role", string(actor.Role)).
		Str("job_id", jobID).
		Str("tradesperson_id", tradespersonID).
		Str("reason", decision.Reason).
		Str("detail", decision.Detail).
		Msg("access denied")
}
