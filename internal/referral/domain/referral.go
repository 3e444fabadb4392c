package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/carenet/referrals/internal/shared/types"
)

// Status is the lifecycle state of a referral.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusEscalated Status = "escalated"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusAccepted, StatusRejected, StatusEscalated, StatusExpired, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown referral status %q", s)
}

// CanTransition reports whether a record in from may move to to.
// Only pending records resolve; an expired record may additionally be
// marked escalated once its successor exists.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusAccepted || to == StatusRejected || to == StatusExpired || to == StatusCancelled
	case StatusExpired:
		return to == StatusEscalated
	}
	return false
}

// Urgency is used for display and sorting only; it never changes timing.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Rank orders urgencies low < medium < high.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyLow:
		return 1
	case UrgencyMedium:
		return 2
	case UrgencyHigh:
		return 3
	}
	return 0
}

// ParseUrgency accepts the urgency names case-insensitively. Empty means medium.
func ParseUrgency(s string) (Urgency, error) {
	u := Urgency(strings.ToLower(strings.TrimSpace(s)))
	if u == "" {
		return UrgencyMedium, nil
	}
	if u.Rank() == 0 {
		return "", fmt.Errorf("unknown urgency %q", s)
	}
	return u, nil
}

// ActorType identifies who caused a transition.
type ActorType string

const (
	ActorHospital ActorType = "hospital"
	ActorSystem   ActorType = "system"
	ActorOperator ActorType = "operator"
)

// Actor records who resolved a referral.
type Actor struct {
	Type       ActorType  `json:"type"`
	HospitalID HospitalID `json:"hospital_id,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	// AvailableBeds is the responding hospital's free capacity when it answered.
	AvailableBeds *int `json:"available_beds,omitempty"`
}

// SystemActor is used for deadline-driven transitions.
var SystemActor = Actor{Type: ActorSystem, Name: "timeout-coordinator"}

// ClinicalSummary travels with the referral along its escalation chain.
type ClinicalSummary struct {
	PatientAge          int    `json:"patient_age,omitempty"`
	PatientGender       string `json:"patient_gender,omitempty"`
	PrimaryDiagnosis    string `json:"primary_diagnosis,omitempty"`
	CurrentTreatment    string `json:"current_treatment,omitempty"`
	Reason              string `json:"reason,omitempty"`
	SpecialRequirements string `json:"special_requirements,omitempty"`
}

// Referral is one attempt to transfer a patient to a target hospital.
// Escalation never mutates the target; it creates a successor record instead.
type Referral struct {
	ID                   types.ID        `json:"id"`
	PatientRef           string          `json:"patient_ref"`
	RequestingHospitalID HospitalID      `json:"requesting_hospital_id"`
	TargetHospitalID     HospitalID      `json:"target_hospital_id"`
	Status               Status          `json:"status"`
	Urgency              Urgency         `json:"urgency"`
	Clinical             ClinicalSummary `json:"clinical"`

	TimeoutSeconds int       `json:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at"`
	DeadlineAt     time.Time `json:"deadline_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Lineage
	EscalationChain []HospitalID `json:"escalation_chain"`
	RootReferralID  types.ID     `json:"root_referral_id"`
	PredecessorID   types.ID     `json:"predecessor_id,omitempty"`
	SuccessorID     types.ID     `json:"successor_id,omitempty"`
	ChainClosed     bool         `json:"chain_closed"`

	// Resolution
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy       *Actor     `json:"resolved_by,omitempty"`
	ResolutionReason string     `json:"resolution_reason,omitempty"`
	ResponseMessage  string     `json:"response_message,omitempty"`
}

// NewReferral builds a pending record. Zero lineage fields make it a chain root.
func NewReferral(p NewParams, now time.Time) (*Referral, error) {
	if p.RequestingHospitalID == "" || p.TargetHospitalID == "" {
		return nil, fmt.Errorf("requesting and target hospital are required")
	}
	if p.PatientRef == "" {
		return nil, fmt.Errorf("patient reference is required")
	}
	if p.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	urgency := p.Urgency
	if urgency == "" {
		urgency = UrgencyMedium
	}

	id := p.ID
	if id.IsZero() {
		id = types.NewID()
	}
	root := p.RootReferralID
	if root.IsZero() {
		root = id
	}
	chain := make([]HospitalID, len(p.EscalationChain))
	copy(chain, p.EscalationChain)

	created := now.UTC().Truncate(time.Millisecond)

	return &Referral{
		ID:                   id,
		PatientRef:           p.PatientRef,
		RequestingHospitalID: p.RequestingHospitalID,
		TargetHospitalID:     p.TargetHospitalID,
		Status:               StatusPending,
		Urgency:              urgency,
		Clinical:             p.Clinical,
		TimeoutSeconds:       int(math.Ceil(p.Timeout.Seconds())),
		CreatedAt:            created,
		DeadlineAt:           created.Add(p.Timeout),
		UpdatedAt:            created,
		EscalationChain:      chain,
		RootReferralID:       root,
		PredecessorID:        p.PredecessorID,
	}, nil
}

// NewParams are the inputs to NewReferral.
type NewParams struct {
	ID                   types.ID
	PatientRef           string
	RequestingHospitalID HospitalID
	TargetHospitalID     HospitalID
	Urgency              Urgency
	Clinical             ClinicalSummary
	Timeout              time.Duration
	EscalationChain      []HospitalID
	RootReferralID       types.ID
	PredecessorID        types.ID
}

// StatusChange describes one compare-and-set transition.
type StatusChange struct {
	To          Status
	Actor       Actor
	Reason      string
	Message     string
	At          time.Time
	SuccessorID types.ID
}

// Apply performs the transition without checking the precondition; callers
// hold the per-record serialization point and have already compared status.
// Leaving pending without acceptance records the target in the chain.
func (r *Referral) Apply(c StatusChange) {
	at := c.At.UTC()
	if r.Status == StatusPending {
		if c.To != StatusAccepted && !r.InChain(r.TargetHospitalID) {
			r.EscalationChain = append(r.EscalationChain, r.TargetHospitalID)
		}
		actor := c.Actor
		r.ResolvedAt = &at
		r.ResolvedBy = &actor
		r.ResolutionReason = c.Reason
		r.ResponseMessage = c.Message
	}
	if c.To == StatusEscalated {
		r.SuccessorID = c.SuccessorID
	}
	r.Status = c.To
	r.UpdatedAt = at
}

// IsPending reports whether the referral still awaits a response.
func (r *Referral) IsPending() bool {
	return r.Status == StatusPending
}

// NeedsEscalation reports whether an expired record has not yet been
// chained to a successor nor closed.
func (r *Referral) NeedsEscalation() bool {
	return r.Status == StatusExpired && r.SuccessorID.IsZero() && !r.ChainClosed
}

// InChain reports whether h was already tried in this lineage.
func (r *Referral) InChain(h HospitalID) bool {
	for _, c := range r.EscalationChain {
		if c == h {
			return true
		}
	}
	return false
}

// RemainingSeconds is the whole seconds left until the deadline, rounded up
// and never negative. Resolved referrals have nothing remaining.
func (r *Referral) RemainingSeconds(now time.Time) int {
	if !r.IsPending() {
		return 0
	}
	left := r.DeadlineAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// Direction tells hospital h whether it sent or received the referral.
func (r *Referral) Direction(h HospitalID) string {
	switch h {
	case r.RequestingHospitalID:
		return "sent"
	case r.TargetHospitalID:
		return "received"
	}
	return ""
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *Referral) Clone() *Referral {
	if r == nil {
		return nil
	}
	c := *r
	c.EscalationChain = append([]HospitalID(nil), r.EscalationChain...)
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		c.ResolvedAt = &t
	}
	if r.ResolvedBy != nil {
		a := *r.ResolvedBy
		if a.AvailableBeds != nil {
			beds := *a.AvailableBeds
			a.AvailableBeds = &beds
		}
		c.ResolvedBy = &a
	}
	return &c
}
