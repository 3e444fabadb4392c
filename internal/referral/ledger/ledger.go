package ledger

import (
	"context"
	"time"

	"github.com/carenet/referrals/internal/adapters/health"
	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/shared/errors"
	"github.com/carenet/referrals/internal/shared/metrics"
	"github.com/carenet/referrals/internal/shared/types"
	"go.uber.org/zap"
)

// DefaultTimeout applies when neither the request nor the requesting
// hospital sets a notification duration.
const DefaultTimeout = 120 * time.Second

// Ledger is the single source of truth for referral state. Every status
// change goes through a compare-and-set on the stored record.
type Ledger struct {
	repo           domain.Repository
	hospitals      health.HospitalDirectory
	patients       health.PatientDirectory
	defaultTimeout time.Duration
	now            func() time.Time
	log            *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.defaultTimeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithPatientDirectory validates patient references on create.
func WithPatientDirectory(p health.PatientDirectory) Option {
	return func(l *Ledger) { l.patients = p }
}

// New creates a ledger over repo and the hospital directory.
func New(repo domain.Repository, hospitals health.HospitalDirectory, log *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		repo:           repo,
		hospitals:      hospitals,
		patients:       health.AnyPatient{},
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
		log:            log.Named("ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// CreateParams are the inputs to Create. Lineage fields and ID are set only
// by escalation; callers creating a new referral leave them empty.
type CreateParams struct {
	ID                   types.ID
	PatientRef           string
	RequestingHospitalID domain.HospitalID
	TargetHospitalID     domain.HospitalID
	Urgency              domain.Urgency
	Clinical             domain.ClinicalSummary
	// Timeout overrides the hospital and default durations when positive.
	Timeout time.Duration

	EscalationChain []domain.HospitalID
	RootReferralID  types.ID
	PredecessorID   types.ID
}

// Create validates and stores a pending referral.
func (l *Ledger) Create(ctx context.Context, p CreateParams) (*domain.Referral, error) {
	if p.RequestingHospitalID == p.TargetHospitalID {
		return nil, errors.InvalidHospitalPair(p.TargetHospitalID.String())
	}
	if p.RequestingHospitalID == "" || p.TargetHospitalID == "" {
		return nil, errors.Validation("hospital ids are required", map[string]string{
			"requesting_hospital_id": p.RequestingHospitalID.String(),
			"target_hospital_id":     p.TargetHospitalID.String(),
		})
	}

	requesting, err := l.resolve(ctx, p.RequestingHospitalID)
	if err != nil {
		return nil, err
	}
	if _, err := l.resolve(ctx, p.TargetHospitalID); err != nil {
		return nil, err
	}

	ok, err := l.patients.PatientExists(ctx, p.PatientRef)
	if err != nil {
		return nil, errors.Wrap(err, "failed to verify patient")
	}
	if !ok {
		return nil, errors.Validation("unknown patient", map[string]string{"patient_ref": p.PatientRef})
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = requesting.NotificationDuration
	}
	if timeout <= 0 {
		timeout = l.defaultTimeout
	}

	ref, err := domain.NewReferral(domain.NewParams{
		ID:                   p.ID,
		PatientRef:           p.PatientRef,
		RequestingHospitalID: p.RequestingHospitalID,
		TargetHospitalID:     p.TargetHospitalID,
		Urgency:              p.Urgency,
		Clinical:             p.Clinical,
		Timeout:              timeout,
		EscalationChain:      p.EscalationChain,
		RootReferralID:       p.RootReferralID,
		PredecessorID:        p.PredecessorID,
	}, l.now())
	if err != nil {
		return nil, errors.Validation(err.Error(), nil)
	}

	if err := l.repo.Insert(ctx, ref); err != nil {
		return nil, err
	}

	kind := "root"
	if !ref.PredecessorID.IsZero() {
		kind = "escalation"
	}
	metrics.RecordReferralCreated(string(ref.Urgency), kind)
	l.log.Info("referral created",
		zap.String("referral_id", ref.ID.String()),
		zap.String("root_referral_id", ref.RootReferralID.String()),
		zap.String("requesting_hospital_id", ref.RequestingHospitalID.String()),
		zap.String("target_hospital_id", ref.TargetHospitalID.String()),
		zap.Time("deadline_at", ref.DeadlineAt),
	)
	return ref, nil
}

func (l *Ledger) resolve(ctx context.Context, id domain.HospitalID) (*health.Hospital, error) {
	h, err := l.hospitals.ResolveHospital(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrUnknownHospital) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to resolve hospital "+id.String())
	}
	return h, nil
}

// TransitionResult reports a compare-and-set outcome. Applied false means
// the referral had already left the expected state; CurrentStatus is the
// stored status either way.
type TransitionResult struct {
	Referral      *domain.Referral
	Applied       bool
	CurrentStatus domain.Status
}

// Transition moves a pending referral to to. Losing the race is not an error.
func (l *Ledger) Transition(ctx context.Context, id types.ID, to domain.Status, actor domain.Actor, reason string) (TransitionResult, error) {
	return l.transition(ctx, id, domain.StatusPending, domain.StatusChange{
		To:     to,
		Actor:  actor,
		Reason: reason,
	})
}

// Respond records the target hospital's answer.
func (l *Ledger) Respond(ctx context.Context, id types.ID, accept bool, actor domain.Actor, message string) (TransitionResult, error) {
	if actor.Type == domain.ActorHospital && actor.HospitalID != "" && actor.AvailableBeds == nil {
		if h, err := l.hospitals.ResolveHospital(ctx, actor.HospitalID); err == nil {
			beds := h.AvailableBeds
			actor.AvailableBeds = &beds
		} else {
			l.log.Debug("no bed snapshot for responder",
				zap.String("hospital_id", actor.HospitalID.String()),
				zap.Error(err),
			)
		}
	}
	change := domain.StatusChange{To: domain.StatusRejected, Actor: actor, Reason: "rejected", Message: message}
	if accept {
		change.To, change.Reason = domain.StatusAccepted, "accepted"
	}
	return l.transition(ctx, id, domain.StatusPending, change)
}

// MarkEscalated links an expired referral to its successor.
func (l *Ledger) MarkEscalated(ctx context.Context, id, successorID types.ID) (TransitionResult, error) {
	return l.transition(ctx, id, domain.StatusExpired, domain.StatusChange{
		To:          domain.StatusEscalated,
		Actor:       domain.SystemActor,
		SuccessorID: successorID,
	})
}

func (l *Ledger) transition(ctx context.Context, id types.ID, from domain.Status, change domain.StatusChange) (TransitionResult, error) {
	if !domain.CanTransition(from, change.To) {
		return TransitionResult{}, errors.BadRequest("cannot move referral from " + string(from) + " to " + string(change.To))
	}
	if change.At.IsZero() {
		change.At = l.now()
	}

	ref, applied, err := l.repo.CompareAndSwapStatus(ctx, id, from, change)
	if err != nil {
		return TransitionResult{}, err
	}
	metrics.RecordTransition(string(change.To), applied)

	fields := []zap.Field{
		zap.String("referral_id", id.String()),
		zap.String("to", string(change.To)),
		zap.String("current", string(ref.Status)),
		zap.String("actor", string(change.Actor.Type)),
	}
	if applied {
		l.log.Info("referral transitioned", fields...)
	} else {
		l.log.Debug("referral transition skipped", fields...)
	}
	return TransitionResult{Referral: ref, Applied: applied, CurrentStatus: ref.Status}, nil
}

// CloseChain ends the lineage of an expired referral without a successor.
func (l *Ledger) CloseChain(ctx context.Context, id types.ID, reason string) (*domain.Referral, bool, error) {
	ref, closed, err := l.repo.CloseChain(ctx, id, reason, l.now())
	if err != nil {
		return nil, false, err
	}
	if closed {
		l.log.Info("escalation chain closed",
			zap.String("referral_id", id.String()),
			zap.String("root_referral_id", ref.RootReferralID.String()),
			zap.String("reason", reason),
		)
	}
	return ref, closed, nil
}

func (l *Ledger) Get(ctx context.Context, id types.ID) (*domain.Referral, error) {
	return l.repo.Get(ctx, id)
}

// ListPendingForHospital returns referrals awaiting hospitalID, oldest first.
func (l *Ledger) ListPendingForHospital(ctx context.Context, hospitalID domain.HospitalID) ([]*domain.Referral, error) {
	return l.repo.ListPendingForHospital(ctx, hospitalID)
}

// ListForHospital returns referrals sent or received by hospitalID, newest first.
func (l *Ledger) ListForHospital(ctx context.Context, hospitalID domain.HospitalID, filter domain.ListFilter) ([]*domain.Referral, error) {
	return l.repo.ListForHospital(ctx, hospitalID, filter)
}

// ListChain returns every attempt of a chain in order.
func (l *Ledger) ListChain(ctx context.Context, rootID types.ID) ([]*domain.Referral, error) {
	return l.repo.ListChain(ctx, rootID)
}

func (l *Ledger) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Referral, error) {
	return l.repo.ListByStatus(ctx, status)
}

// ListAwaitingEscalation returns up to limit expired referrals that have been
// left without successor or closed chain for at least grace.
func (l *Ledger) ListAwaitingEscalation(ctx context.Context, grace time.Duration, limit int) ([]*domain.Referral, error) {
	return l.repo.ListAwaitingEscalation(ctx, l.Now().Add(-grace), limit)
}
