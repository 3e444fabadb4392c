package coordination

import (
	"context"

	"github.com/carenet/referrals/internal/adapters/health"
	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/shared/errors"
)

// Selector picks the next hospital for an unanswered referral.
type Selector struct {
	hospitals health.HospitalDirectory
}

// NewSelector creates a selector over the hospital directory.
func NewSelector(hospitals health.HospitalDirectory) *Selector {
	return &Selector{hospitals: hospitals}
}

// NextCandidate returns the eligible hospital with the most free beds, ties
// going to the lowest hospital id. Hospitals already in the chain, the
// requester and the current target are never offered. ok is false when no
// hospital qualifies.
func (s *Selector) NextCandidate(ctx context.Context, ref *domain.Referral) (domain.HospitalID, bool, error) {
	hospitals, err := s.hospitals.ListHospitals(ctx)
	if err != nil {
		return "", false, errors.Wrap(err, "failed to list hospitals")
	}

	var best *health.Hospital
	for i := range hospitals {
		h := &hospitals[i]
		if !s.eligible(ref, h) {
			continue
		}
		if best == nil || h.AvailableBeds > best.AvailableBeds ||
			(h.AvailableBeds == best.AvailableBeds && domain.CompareHospitalIDs(h.ID, best.ID) < 0) {
			best = h
		}
	}

	if best == nil {
		return "", false, nil
	}
	return best.ID, true, nil
}

func (s *Selector) eligible(ref *domain.Referral, h *health.Hospital) bool {
	if !h.AcceptsReferrals() {
		return false
	}
	if h.ID == ref.RequestingHospitalID || h.ID == ref.TargetHospitalID {
		return false
	}
	return !ref.InChain(h.ID)
}
