package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carenet/referrals/internal/adapters/health"
	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/referral/infrastructure"
	"github.com/carenet/referrals/internal/shared/errors"
	"github.com/carenet/referrals/internal/shared/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedPatients map[string]bool

func (p fixedPatients) PatientExists(ctx context.Context, ref string) (bool, error) {
	return p[ref], nil
}

func newLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	dir := health.NewStaticDirectory(
		health.Hospital{ID: "1", Name: "General", Active: true, AvailableBeds: 3, NotificationDuration: 90 * time.Second},
		health.Hospital{ID: "2", Name: "Clinic", Active: true, AvailableBeds: 3},
		health.Hospital{ID: "3", Name: "Regional", Active: true, AvailableBeds: 3},
	)
	return New(infrastructure.NewMemoryRepository(), dir, zap.NewNop(), opts...)
}

func create(t *testing.T, l *Ledger, requesting, target domain.HospitalID) *domain.Referral {
	t.Helper()
	ref, err := l.Create(context.Background(), CreateParams{
		PatientRef:           "P-100",
		RequestingHospitalID: requesting,
		TargetHospitalID:     target,
		Urgency:              domain.UrgencyHigh,
	})
	require.NoError(t, err)
	return ref
}

func TestLedger_CreateResolvesTimeout(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	l := newLedger(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	// Hospital 1 has its own notification duration.
	ref := create(t, l, "1", "2")
	assert.Equal(t, domain.StatusPending, ref.Status)
	assert.Equal(t, 90, ref.TimeoutSeconds)
	assert.Equal(t, now.Add(90*time.Second), ref.DeadlineAt)
	assert.Equal(t, ref.ID, ref.RootReferralID)
	assert.Empty(t, ref.EscalationChain)

	// Hospital 2 falls back to the default.
	ref = create(t, l, "2", "3")
	assert.Equal(t, int(DefaultTimeout.Seconds()), ref.TimeoutSeconds)

	// An explicit timeout wins.
	ref, err := l.Create(ctx, CreateParams{
		PatientRef:           "P-100",
		RequestingHospitalID: "1",
		TargetHospitalID:     "3",
		Timeout:              15 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 15, ref.TimeoutSeconds)

	stored, err := l.Get(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, ref.DeadlineAt, stored.DeadlineAt)
}

func TestLedger_CreateValidation(t *testing.T) {
	l := newLedger(t, WithPatientDirectory(fixedPatients{"P-100": true}))
	ctx := context.Background()

	tests := []struct {
		name   string
		params CreateParams
		kind   error
	}{
		{
			name:   "same hospital",
			params: CreateParams{PatientRef: "P-100", RequestingHospitalID: "1", TargetHospitalID: "1"},
			kind:   errors.ErrInvalidHospitalPair,
		},
		{
			name:   "unknown target",
			params: CreateParams{PatientRef: "P-100", RequestingHospitalID: "1", TargetHospitalID: "99"},
			kind:   errors.ErrUnknownHospital,
		},
		{
			name:   "unknown requester",
			params: CreateParams{PatientRef: "P-100", RequestingHospitalID: "99", TargetHospitalID: "1"},
			kind:   errors.ErrUnknownHospital,
		},
		{
			name:   "missing hospital",
			params: CreateParams{PatientRef: "P-100", RequestingHospitalID: "1"},
			kind:   errors.ErrValidation,
		},
		{
			name:   "unknown patient",
			params: CreateParams{PatientRef: "P-404", RequestingHospitalID: "1", TargetHospitalID: "2"},
			kind:   errors.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Create(ctx, tt.params)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}

	pending, err := l.ListByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLedger_RespondOnlyOnce(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	ref := create(t, l, "1", "2")
	actor := domain.Actor{Type: domain.ActorHospital, HospitalID: "2"}

	res, err := l.Respond(ctx, ref.ID, true, actor, "bed ready")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.StatusAccepted, res.CurrentStatus)
	assert.Equal(t, "bed ready", res.Referral.ResponseMessage)
	assert.Empty(t, res.Referral.EscalationChain)

	res, err = l.Respond(ctx, ref.ID, false, actor, "")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, domain.StatusAccepted, res.CurrentStatus)

	res, err = l.Transition(ctx, ref.ID, domain.StatusExpired, domain.SystemActor, "timeout")
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestLedger_RespondSnapshotsResponderBeds(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	res, err := l.Respond(ctx, create(t, l, "1", "2").ID, true, domain.Actor{Type: domain.ActorHospital, HospitalID: "2"}, "")
	require.NoError(t, err)
	require.NotNil(t, res.Referral.ResolvedBy.AvailableBeds)
	assert.Equal(t, 3, *res.Referral.ResolvedBy.AvailableBeds)

	reported := 1
	res, err = l.Respond(ctx, create(t, l, "1", "3").ID, false, domain.Actor{Type: domain.ActorHospital, HospitalID: "3", AvailableBeds: &reported}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, *res.Referral.ResolvedBy.AvailableBeds)

	res, err = l.Respond(ctx, create(t, l, "2", "3").ID, true, domain.Actor{Type: domain.ActorOperator, UserID: "op-1"}, "")
	require.NoError(t, err)
	assert.Nil(t, res.Referral.ResolvedBy.AvailableBeds)
}

func TestLedger_ConcurrentTransitionsResolveOnce(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	ref := create(t, l, "1", "2")

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var res TransitionResult
			var err error
			if i%2 == 0 {
				res, err = l.Respond(ctx, ref.ID, true, domain.Actor{Type: domain.ActorHospital, HospitalID: "2"}, "")
			} else {
				res, err = l.Transition(ctx, ref.ID, domain.StatusExpired, domain.SystemActor, "timeout")
			}
			if err == nil && res.Applied {
				applied.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	stored, err := l.Get(ctx, ref.ID)
	require.NoError(t, err)
	assert.NotEqual(t, domain.StatusPending, stored.Status)
	require.NotNil(t, stored.ResolvedAt)
}

func TestLedger_RejectAppendsTargetToChain(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	ref := create(t, l, "1", "2")

	res, err := l.Respond(ctx, ref.ID, false, domain.Actor{Type: domain.ActorHospital, HospitalID: "2"}, "no beds")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.StatusRejected, res.CurrentStatus)
	assert.Equal(t, []domain.HospitalID{"2"}, res.Referral.EscalationChain)
	assert.Equal(t, "no beds", res.Referral.ResponseMessage)
}

func TestLedger_MarkEscalatedRequiresExpired(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	ref := create(t, l, "1", "2")
	successor := types.DerivedID(ref.ID, "escalation")

	res, err := l.MarkEscalated(ctx, ref.ID, successor)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, domain.StatusPending, res.CurrentStatus)

	_, err = l.Transition(ctx, ref.ID, domain.StatusExpired, domain.SystemActor, "timeout")
	require.NoError(t, err)

	res, err = l.MarkEscalated(ctx, ref.ID, successor)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, domain.StatusEscalated, res.CurrentStatus)
	assert.Equal(t, successor, res.Referral.SuccessorID)
	assert.Equal(t, []domain.HospitalID{"2"}, res.Referral.EscalationChain)
}

func TestLedger_InvalidTransitionTarget(t *testing.T) {
	l := newLedger(t)
	ref := create(t, l, "1", "2")

	_, err := l.Transition(context.Background(), ref.ID, domain.StatusEscalated, domain.SystemActor, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBadRequest))
}

func TestLedger_TransitionUnknownReferral(t *testing.T) {
	l := newLedger(t)
	_, err := l.Respond(context.Background(), types.NewID(), true, domain.Actor{Type: domain.ActorHospital}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestLedger_CloseChain(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	ref := create(t, l, "1", "2")

	_, closed, err := l.CloseChain(ctx, ref.ID, "no_candidates")
	require.NoError(t, err)
	assert.False(t, closed, "pending referral cannot close its chain")

	_, err = l.Transition(ctx, ref.ID, domain.StatusExpired, domain.SystemActor, "timeout")
	require.NoError(t, err)

	got, closed, err := l.CloseChain(ctx, ref.ID, "no_candidates")
	require.NoError(t, err)
	assert.True(t, closed)
	assert.True(t, got.ChainClosed)
	assert.False(t, got.NeedsEscalation())

	_, closed, err = l.CloseChain(ctx, ref.ID, "no_candidates")
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestLedger_Listings(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	a := create(t, l, "1", "2")
	b := create(t, l, "3", "2")
	create(t, l, "2", "3")

	pending, err := l.ListPendingForHospital(ctx, "2")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.ElementsMatch(t, []types.ID{a.ID, b.ID}, []types.ID{pending[0].ID, pending[1].ID})

	all, err := l.ListForHospital(ctx, "2", domain.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	chain, err := l.ListChain(ctx, a.RootReferralID)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, a.ID, chain[0].ID)
}
