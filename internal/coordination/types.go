package coordination

import (
	"time"

	"github.com/carenet/referrals/internal/referral/domain"
)

// Resolution reasons recorded on the ledger.
const (
	ReasonTimeout              = "timeout"
	ReasonManualEscalation     = "manual_escalation"
	ReasonNoCandidate          = "no_candidate"
	ReasonAutoEscalateDisabled = "auto_escalate_disabled"
	ReasonUnknownRequester     = "unknown_requesting_hospital"
	ReasonCancelled            = "cancelled_by_requester"
)

// Config holds coordinator timing.
type Config struct {
	// SweepInterval is how often pending referrals without a local timer
	// are picked up. Must not exceed one second.
	SweepInterval time.Duration

	// ReconcileGrace is how old an expired, unchained referral must be
	// before a sweep re-runs its escalation.
	ReconcileGrace time.Duration

	// RepairBatch caps how many interrupted escalations one sweep repairs.
	RepairBatch int
}

// DefaultConfig returns the production timing.
func DefaultConfig() Config {
	return Config{
		SweepInterval:  time.Second,
		ReconcileGrace: 5 * time.Second,
		RepairBatch:    100,
	}
}

// DeadlineResult is the outcome of expiring a referral. Applied false means
// the referral was already resolved and nothing else happened.
type DeadlineResult struct {
	Applied    bool
	Status     domain.Status
	Referral   *domain.Referral
	Escalation *EscalationOutcome
}

// EscalationOutcome describes what followed an expiry.
type EscalationOutcome struct {
	// Expired is the predecessor as stored after escalation or chain close.
	Expired *domain.Referral
	// Successor is nil when the chain ended.
	Successor *domain.Referral

	NoCandidate          bool
	AutoEscalateDisabled bool
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Scheduled int `json:"scheduled"`
	Expired   int `json:"expired"`
	Escalated int `json:"escalated"`
	Closed    int `json:"closed"`
}
