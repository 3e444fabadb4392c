package coordination

import (
	"context"
	"time"

	"github.com/carenet/referrals/internal/notification"
	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/referral/ledger"
	"github.com/carenet/referrals/internal/shared/errors"
	"github.com/carenet/referrals/internal/shared/events"
	"github.com/carenet/referrals/internal/shared/types"
	"go.uber.org/zap"
)

// HistoryReader returns the journaled lifecycle of a chain.
type HistoryReader interface {
	History(ctx context.Context, rootID types.ID) ([]events.Event, error)
}

// Service is the entry point used by the API. Every write is committed to
// the ledger before its notification is published.
type Service struct {
	ledger      *ledger.Ledger
	coordinator *Coordinator
	publisher   notification.Publisher
	history     HistoryReader
	log         *zap.Logger
}

// NewService wires the referral workflow. history may be nil.
func NewService(l *ledger.Ledger, coordinator *Coordinator, publisher notification.Publisher, history HistoryReader, log *zap.Logger) *Service {
	if publisher == nil {
		publisher = discardPublisher{}
	}
	return &Service{
		ledger:      l,
		coordinator: coordinator,
		publisher:   publisher,
		history:     history,
		log:         log.Named("coordination"),
	}
}

// InitiateRequest opens a new referral chain.
type InitiateRequest struct {
	PatientRef           string
	RequestingHospitalID domain.HospitalID
	TargetHospitalID     domain.HospitalID
	Urgency              domain.Urgency
	Clinical             domain.ClinicalSummary
	// Timeout is optional; the requesting hospital's setting applies otherwise.
	Timeout time.Duration
}

// Initiate creates a referral, arms its deadline and notifies both hospitals.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*domain.Referral, error) {
	ref, err := s.ledger.Create(ctx, ledger.CreateParams{
		PatientRef:           req.PatientRef,
		RequestingHospitalID: req.RequestingHospitalID,
		TargetHospitalID:     req.TargetHospitalID,
		Urgency:              req.Urgency,
		Clinical:             req.Clinical,
		Timeout:              req.Timeout,
	})
	if err != nil {
		return nil, err
	}

	s.coordinator.Schedule(ref)
	publish(ctx, s.publisher, s.ledger.Now(), notification.EventCreated, ref, nil, "")
	return ref, nil
}

// Respond records the target hospital's accept or reject. A hospital actor
// may only answer referrals addressed to it.
func (s *Service) Respond(ctx context.Context, id types.ID, accept bool, actor domain.Actor, message string) (ledger.TransitionResult, error) {
	if actor.Type == domain.ActorHospital && actor.HospitalID != "" {
		ref, err := s.ledger.Get(ctx, id)
		if err != nil {
			return ledger.TransitionResult{}, err
		}
		if ref.TargetHospitalID != actor.HospitalID {
			return ledger.TransitionResult{}, errors.Forbidden("only the target hospital may respond to a referral")
		}
	}

	res, err := s.ledger.Respond(ctx, id, accept, actor, message)
	if err != nil {
		return res, err
	}
	if res.Applied {
		s.coordinator.Cancel(id)
		t, _ := notification.EventTypeFor(res.CurrentStatus)
		publish(ctx, s.publisher, s.ledger.Now(), t, res.Referral, nil, "")
	}
	return res, nil
}

// Escalate expires a pending referral immediately and escalates it. For an
// expired referral whose escalation never completed, it retries escalation.
func (s *Service) Escalate(ctx context.Context, id types.ID, actor domain.Actor) (DeadlineResult, error) {
	if actor.Type == "" {
		actor = domain.Actor{Type: domain.ActorOperator}
	}
	res, err := s.coordinator.Expire(ctx, id, actor, ReasonManualEscalation)
	if err != nil || res.Applied || !res.Referral.NeedsEscalation() {
		return res, err
	}

	esc, err := s.coordinator.EscalateExpired(ctx, res.Referral)
	if err != nil {
		return res, err
	}
	if esc != nil {
		res.Escalation = esc
		if esc.Expired != nil {
			res.Referral = esc.Expired
			res.Status = esc.Expired.Status
		}
	}
	return res, nil
}

// Cancel withdraws a pending referral. A hospital actor must be the requester.
func (s *Service) Cancel(ctx context.Context, id types.ID, actor domain.Actor, reason string) (ledger.TransitionResult, error) {
	if actor.Type == domain.ActorHospital && actor.HospitalID != "" {
		ref, err := s.ledger.Get(ctx, id)
		if err != nil {
			return ledger.TransitionResult{}, err
		}
		if ref.RequestingHospitalID != actor.HospitalID {
			return ledger.TransitionResult{}, errors.Forbidden("only the requesting hospital may cancel a referral")
		}
	}
	if reason == "" {
		reason = ReasonCancelled
	}

	res, err := s.ledger.Transition(ctx, id, domain.StatusCancelled, actor, reason)
	if err != nil {
		return res, err
	}
	if res.Applied {
		s.coordinator.Cancel(id)
		publish(ctx, s.publisher, s.ledger.Now(), notification.EventCancelled, res.Referral, nil, "")
	}
	return res, nil
}

// StatusSnapshot is a referral with its server-side countdown.
type StatusSnapshot struct {
	Referral         *domain.Referral
	RemainingSeconds int
}

func (s *Service) Status(ctx context.Context, id types.ID) (*StatusSnapshot, error) {
	ref, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusSnapshot{Referral: ref, RemainingSeconds: ref.RemainingSeconds(s.ledger.Now())}, nil
}

// Pending lists referrals awaiting hospitalID, oldest first.
func (s *Service) Pending(ctx context.Context, hospitalID domain.HospitalID) ([]*domain.Referral, error) {
	return s.ledger.ListPendingForHospital(ctx, hospitalID)
}

// ForHospital lists referrals sent or received by hospitalID, newest first.
func (s *Service) ForHospital(ctx context.Context, hospitalID domain.HospitalID, filter domain.ListFilter) ([]*domain.Referral, error) {
	return s.ledger.ListForHospital(ctx, hospitalID, filter)
}

// Chain returns every attempt in the chain that id belongs to.
func (s *Service) Chain(ctx context.Context, id types.ID) ([]*domain.Referral, error) {
	ref, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ledger.ListChain(ctx, ref.RootReferralID)
}

// History returns the journaled events of the chain that id belongs to.
func (s *Service) History(ctx context.Context, id types.ID) ([]events.Event, error) {
	if s.history == nil {
		return nil, errors.NotFound("history", id.String())
	}
	ref, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.history.History(ctx, ref.RootReferralID)
}

// Now returns the clock the ledger stamps records with.
func (s *Service) Now() time.Time {
	return s.ledger.Now()
}

func publish(ctx context.Context, p notification.Publisher, now time.Time, t notification.EventType, ref, successor *domain.Referral, message string) {
	e := notification.NewEvent(t, ref, now)
	e.Successor = successor
	e.Text = message
	p.Publish(ctx, e)
}
