package domain

import (
	"context"
	"time"

	"github.com/carenet/referrals/internal/shared/types"
)

// Repository persists referrals. CompareAndSwapStatus and CloseChain are the
// only mutations and each is atomic per referral.
type Repository interface {
	// Insert stores a new record and fails with a conflict if the id exists.
	Insert(ctx context.Context, r *Referral) error
	Get(ctx context.Context, id types.ID) (*Referral, error)

	// CompareAndSwapStatus applies change only when the stored status equals
	// expect. It returns the record as stored after the call and whether the
	// change was applied.
	CompareAndSwapStatus(ctx context.Context, id types.ID, expect Status, change StatusChange) (*Referral, bool, error)

	// CloseChain marks an expired record without successor as final.
	CloseChain(ctx context.Context, id types.ID, reason string, at time.Time) (*Referral, bool, error)

	ListByStatus(ctx context.Context, status Status) ([]*Referral, error)

	// ListAwaitingEscalation returns expired records without successor or
	// closed chain last updated at or before the cutoff, oldest update first,
	// at most limit of them.
	ListAwaitingEscalation(ctx context.Context, updatedBefore time.Time, limit int) ([]*Referral, error)

	ListPendingForHospital(ctx context.Context, hospitalID HospitalID) ([]*Referral, error)
	ListForHospital(ctx context.Context, hospitalID HospitalID, filter ListFilter) ([]*Referral, error)
	ListChain(ctx context.Context, rootID types.ID) ([]*Referral, error)
}

// ListFilter narrows ListForHospital.
type ListFilter struct {
	Status *Status `json:"status,omitempty"`
	Limit  int     `json:"limit,omitempty"`
}

// Matches reports whether r passes the filter's status constraint.
func (f ListFilter) Matches(r *Referral) bool {
	return f.Status == nil || r.Status == *f.Status
}
