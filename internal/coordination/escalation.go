package coordination

import (
	"context"

	"github.com/carenet/referrals/internal/adapters/health"
	"github.com/carenet/referrals/internal/notification"
	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/referral/ledger"
	"github.com/carenet/referrals/internal/shared/errors"
	"github.com/carenet/referrals/internal/shared/metrics"
	"github.com/carenet/referrals/internal/shared/types"
	"go.uber.org/zap"
)

// successorRole derives the id of the referral that follows an expired one,
// so repeated escalation attempts converge on the same record.
const successorRole = "escalation"

// SuccessorID returns the id an escalation of predecessor is stored under.
func SuccessorID(predecessor types.ID) types.ID {
	return types.DerivedID(predecessor, successorRole)
}

// OnDeadline expires id on behalf of the system and escalates it. If the
// referral was already resolved the result is a no-op.
func (c *Coordinator) OnDeadline(ctx context.Context, id types.ID) (DeadlineResult, error) {
	return c.Expire(ctx, id, domain.SystemActor, ReasonTimeout)
}

// Expire moves a pending referral to expired and, if this call made the
// change, runs escalation.
func (c *Coordinator) Expire(ctx context.Context, id types.ID, actor domain.Actor, reason string) (DeadlineResult, error) {
	res, err := c.ledger.Transition(ctx, id, domain.StatusExpired, actor, reason)
	if err != nil {
		return DeadlineResult{}, err
	}

	out := DeadlineResult{Applied: res.Applied, Status: res.CurrentStatus, Referral: res.Referral}
	if !res.Applied {
		return out, nil
	}

	c.Cancel(id)
	publish(ctx, c.publisher, c.ledger.Now(), notification.EventExpired, res.Referral, nil, "")

	esc, err := c.EscalateExpired(ctx, res.Referral)
	if esc != nil {
		out.Escalation = esc
		if esc.Expired != nil {
			out.Referral = esc.Expired
			out.Status = esc.Expired.Status
		}
	}
	return out, err
}

// EscalateExpired offers an expired referral to the next hospital, or
// closes the chain when there is none. It is safe to call repeatedly: the
// successor is inserted under a derived id and the predecessor is only
// marked once. Returns nil when the referral is already being escalated by
// this process.
func (c *Coordinator) EscalateExpired(ctx context.Context, expired *domain.Referral) (*EscalationOutcome, error) {
	if !c.claim(expired.ID) {
		return nil, nil
	}
	defer c.release(expired.ID)

	log := c.log.With(
		zap.String("referral_id", expired.ID.String()),
		zap.String("root_referral_id", expired.RootReferralID.String()),
	)

	requester, err := c.hospitals.ResolveHospital(ctx, expired.RequestingHospitalID)
	switch {
	case errors.Is(err, errors.ErrUnknownHospital):
		log.Warn("requesting hospital no longer known, closing chain")
		return c.closeChain(ctx, expired, ReasonUnknownRequester)
	case err != nil:
		metrics.RecordEscalation("error")
		return nil, errors.Wrap(err, "failed to resolve requesting hospital")
	case !requester.AutoEscalate:
		return c.closeChain(ctx, expired, ReasonAutoEscalateDisabled)
	}

	successor, err := c.ledger.Get(ctx, SuccessorID(expired.ID))
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		metrics.RecordEscalation("error")
		return nil, err
	}
	if successor == nil {
		target, ok, err := c.selector.NextCandidate(ctx, expired)
		if err != nil {
			metrics.RecordEscalation("error")
			return nil, err
		}
		if !ok {
			return c.closeChain(ctx, expired, ReasonNoCandidate)
		}
		if successor, err = c.createSuccessor(ctx, expired, target); err != nil {
			metrics.RecordEscalation("error")
			return nil, err
		}
	}

	mark, err := c.ledger.MarkEscalated(ctx, expired.ID, successor.ID)
	if err != nil {
		metrics.RecordEscalation("error")
		return nil, err
	}
	c.Schedule(successor)

	out := &EscalationOutcome{Expired: mark.Referral, Successor: successor}
	if !mark.Applied {
		log.Debug("referral already left expired", zap.String("status", string(mark.CurrentStatus)))
		return out, nil
	}

	metrics.RecordEscalation("escalated")
	log.Info("referral escalated",
		zap.String("from_hospital_id", expired.TargetHospitalID.String()),
		zap.String("to_hospital_id", successor.TargetHospitalID.String()),
		zap.String("successor_referral_id", successor.ID.String()),
		zap.Int("chain_length", len(successor.EscalationChain)),
	)

	now := c.ledger.Now()
	publish(ctx, c.publisher, now, notification.EventEscalated, mark.Referral, successor, c.describe(ctx, expired, successor))
	publish(ctx, c.publisher, now, notification.EventCreated, successor, nil, "")
	return out, nil
}

func (c *Coordinator) createSuccessor(ctx context.Context, expired *domain.Referral, target domain.HospitalID) (*domain.Referral, error) {
	id := SuccessorID(expired.ID)
	successor, err := c.ledger.Create(ctx, ledger.CreateParams{
		ID:                   id,
		PatientRef:           expired.PatientRef,
		RequestingHospitalID: expired.RequestingHospitalID,
		TargetHospitalID:     target,
		Urgency:              expired.Urgency,
		Clinical:             expired.Clinical,
		Timeout:              expired.DeadlineAt.Sub(expired.CreatedAt),
		EscalationChain:      expired.EscalationChain,
		RootReferralID:       expired.RootReferralID,
		PredecessorID:        expired.ID,
	})
	if errors.Is(err, errors.ErrConflict) {
		// Inserted by an earlier attempt, unless the conflict came from another
		// pending record in the chain.
		if existing, getErr := c.ledger.Get(ctx, id); getErr == nil {
			return existing, nil
		}
	}
	return successor, err
}

func (c *Coordinator) closeChain(ctx context.Context, expired *domain.Referral, reason string) (*EscalationOutcome, error) {
	ref, closed, err := c.ledger.CloseChain(ctx, expired.ID, reason)
	if err != nil {
		metrics.RecordEscalation("error")
		return nil, err
	}
	if closed {
		metrics.RecordEscalation(reason)
	}
	return &EscalationOutcome{
		Expired:              ref,
		NoCandidate:          reason == ReasonNoCandidate,
		AutoEscalateDisabled: reason == ReasonAutoEscalateDisabled,
	}, nil
}

func (c *Coordinator) describe(ctx context.Context, expired, successor *domain.Referral) string {
	var name string
	var escalationTarget bool
	if h, err := c.hospitals.ResolveHospital(ctx, successor.TargetHospitalID); err == nil {
		name = h.Name
		escalationTarget = h.Role == health.RoleEscalationTarget
	}
	return notification.DescribeEscalation(expired.TargetHospitalID, successor.TargetHospitalID, name, escalationTarget)
}
