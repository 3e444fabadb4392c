package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/shared/errors"
	"github.com/carenet/referrals/internal/shared/types"
)

// MemoryRepository keeps referrals in process memory. Each record has its own
// mutex so concurrent transitions on different referrals never contend.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[types.ID]*memoryEntry
}

type memoryEntry struct {
	mu  sync.Mutex
	rec *domain.Referral
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[types.ID]*memoryEntry)}
}

func (r *MemoryRepository) Insert(ctx context.Context, ref *domain.Referral) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[ref.ID]; exists {
		return errors.Conflict("referral " + ref.ID.String() + " already exists")
	}
	r.entries[ref.ID] = &memoryEntry{rec: ref.Clone()}
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id types.ID) (*domain.Referral, error) {
	e := r.entry(id)
	if e == nil {
		return nil, errors.NotFound("referral", id.String())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

func (r *MemoryRepository) CompareAndSwapStatus(ctx context.Context, id types.ID, expect domain.Status, change domain.StatusChange) (*domain.Referral, bool, error) {
	e := r.entry(id)
	if e == nil {
		return nil, false, errors.NotFound("referral", id.String())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Status != expect {
		return e.rec.Clone(), false, nil
	}
	e.rec.Apply(change)
	return e.rec.Clone(), true, nil
}

func (r *MemoryRepository) CloseChain(ctx context.Context, id types.ID, reason string, at time.Time) (*domain.Referral, bool, error) {
	e := r.entry(id)
	if e == nil {
		return nil, false, errors.NotFound("referral", id.String())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.rec.NeedsEscalation() {
		return e.rec.Clone(), false, nil
	}
	e.rec.ChainClosed = true
	if reason != "" {
		e.rec.ResolutionReason = reason
	}
	e.rec.UpdatedAt = at.UTC()
	return e.rec.Clone(), true, nil
}

func (r *MemoryRepository) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Referral, error) {
	out := r.collect(func(ref *domain.Referral) bool { return ref.Status == status })
	sortByCreated(out, false)
	return out, nil
}

func (r *MemoryRepository) ListAwaitingEscalation(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Referral, error) {
	out := r.collect(func(ref *domain.Referral) bool {
		return ref.NeedsEscalation() && !ref.UpdatedAt.After(updatedBefore)
	})
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListPendingForHospital(ctx context.Context, hospitalID domain.HospitalID) ([]*domain.Referral, error) {
	out := r.collect(func(ref *domain.Referral) bool {
		return ref.Status == domain.StatusPending && ref.TargetHospitalID == hospitalID
	})
	sortByCreated(out, false)
	return out, nil
}

func (r *MemoryRepository) ListForHospital(ctx context.Context, hospitalID domain.HospitalID, filter domain.ListFilter) ([]*domain.Referral, error) {
	out := r.collect(func(ref *domain.Referral) bool {
		return ref.Direction(hospitalID) != "" && filter.Matches(ref)
	})
	sortByCreated(out, true)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListChain(ctx context.Context, rootID types.ID) ([]*domain.Referral, error) {
	out := r.collect(func(ref *domain.Referral) bool { return ref.RootReferralID == rootID })
	sortByCreated(out, false)
	return out, nil
}

func (r *MemoryRepository) entry(id types.ID) *memoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *MemoryRepository) collect(match func(*domain.Referral) bool) []*domain.Referral {
	r.mu.RLock()
	entries := make([]*memoryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var out []*domain.Referral
	for _, e := range entries {
		e.mu.Lock()
		if match(e.rec) {
			out = append(out, e.rec.Clone())
		}
		e.mu.Unlock()
	}
	return out
}

// sortByCreated orders by creation time, breaking ties on id for stable output.
func sortByCreated(refs []*domain.Referral, desc bool) {
	sort.SliceStable(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if desc {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
