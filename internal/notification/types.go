package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/shared/types"
)

// EventType names a referral lifecycle notification.
type EventType string

const (
	EventCreated   EventType = "created"
	EventAccepted  EventType = "accepted"
	EventRejected  EventType = "rejected"
	EventExpired   EventType = "expired"
	EventEscalated EventType = "escalated"
	EventCancelled EventType = "cancelled"
)

// EventTypeFor maps a resolved status to its notification type.
func EventTypeFor(s domain.Status) (EventType, bool) {
	switch s {
	case domain.StatusAccepted:
		return EventAccepted, true
	case domain.StatusRejected:
		return EventRejected, true
	case domain.StatusExpired:
		return EventExpired, true
	case domain.StatusCancelled:
		return EventCancelled, true
	case domain.StatusEscalated:
		return EventEscalated, true
	}
	return "", false
}

// Event is published after the matching ledger write has committed.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time
	// Referral is the record as stored after the transition. For escalated
	// events it is the predecessor that expired.
	Referral *domain.Referral
	// Successor is set on escalated events.
	Successor *domain.Referral
	// Text is human-readable text for dashboards.
	Text string
}

// NewEvent builds an event for ref.
func NewEvent(t EventType, ref *domain.Referral, now time.Time) Event {
	return Event{
		ID:         types.NewID().String(),
		Type:       t,
		OccurredAt: now.UTC(),
		Referral:   ref,
	}
}

// InterestedHospitalIDs lists who must hear about the event: the requesting
// hospital, the current target and, for escalations, the new target.
func (e Event) InterestedHospitalIDs() []domain.HospitalID {
	if e.Referral == nil {
		return nil
	}
	ids := []domain.HospitalID{e.Referral.RequestingHospitalID, e.Referral.TargetHospitalID}
	if e.Successor != nil {
		ids = append(ids, e.Successor.TargetHospitalID)
	}
	return dedupe(ids)
}

// Payload is the transport-neutral body: ids, enums as strings and
// timestamps as epoch seconds.
func (e Event) Payload() map[string]any {
	r := e.Referral
	chain := make([]string, len(r.EscalationChain))
	for i, h := range r.EscalationChain {
		chain[i] = h.String()
	}

	p := map[string]any{
		"event_id":               e.ID,
		"event":                  string(e.Type),
		"occurred_at":            e.OccurredAt.Unix(),
		"referral_id":            r.ID.String(),
		"root_referral_id":       r.RootReferralID.String(),
		"patient_ref":            r.PatientRef,
		"requesting_hospital_id": r.RequestingHospitalID.String(),
		"target_hospital_id":     r.TargetHospitalID.String(),
		"status":                 string(r.Status),
		"urgency":                string(r.Urgency),
		"created_at":             r.CreatedAt.Unix(),
		"deadline_at":            r.DeadlineAt.Unix(),
		"timeout_seconds":        r.TimeoutSeconds,
		"escalation_chain":       chain,
	}
	if e.Text != "" {
		p["message"] = e.Text
	}
	if !r.PredecessorID.IsZero() {
		p["predecessor_referral_id"] = r.PredecessorID.String()
	}
	if r.ResolvedBy != nil {
		p["resolved_by"] = string(r.ResolvedBy.Type)
		if r.ResolvedBy.HospitalID != "" {
			p["resolved_by_hospital_id"] = r.ResolvedBy.HospitalID.String()
		}
		if r.ResolvedBy.AvailableBeds != nil {
			p["responder_available_beds"] = *r.ResolvedBy.AvailableBeds
		}
	}
	if r.ResolutionReason != "" {
		p["reason"] = r.ResolutionReason
	}
	if r.ResponseMessage != "" {
		p["response_message"] = r.ResponseMessage
	}
	if e.Type == EventCreated {
		c := r.Clinical
		p["primary_diagnosis"] = c.PrimaryDiagnosis
		p["referral_reason"] = c.Reason
		p["special_requirements"] = c.SpecialRequirements
	}
	if e.Successor != nil {
		p["successor_referral_id"] = e.Successor.ID.String()
		p["previous_target_hospital_id"] = r.TargetHospitalID.String()
		p["new_target_hospital_id"] = e.Successor.TargetHospitalID.String()
		p["successor_deadline_at"] = e.Successor.DeadlineAt.Unix()
	}
	return p
}

// Message is the wire form delivered to subscribers and sinks.
type Message struct {
	EventID    string         `json:"event_id"`
	Type       EventType      `json:"type"`
	Recipients []string       `json:"recipients"`
	Payload    map[string]any `json:"payload"`
	// Origin identifies the publishing instance on shared transports.
	Origin string `json:"origin,omitempty"`
}

// Message converts the event to its wire form.
func (e Event) Message() Message {
	ids := e.InterestedHospitalIDs()
	recipients := make([]string, len(ids))
	for i, h := range ids {
		recipients[i] = h.String()
	}
	return Message{
		EventID:    e.ID,
		Type:       e.Type,
		Recipients: recipients,
		Payload:    e.Payload(),
	}
}

// Publisher is what the referral lifecycle publishes through.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Sink forwards messages beyond this process. Failures are logged by the
// hub and never affect the ledger.
type Sink interface {
	Name() string
	Forward(ctx context.Context, msg Message) error
}

// DescribeEscalation renders the dashboard text for an escalation.
func DescribeEscalation(from, to domain.HospitalID, toName string, escalationTarget bool) string {
	name := toName
	if name == "" {
		name = to.String()
	}
	if escalationTarget {
		return fmt.Sprintf("No response from hospital %s; referral escalated to designated escalation hospital %s", from, name)
	}
	return fmt.Sprintf("No response from hospital %s; referral escalated to %s", from, name)
}

func dedupe(ids []domain.HospitalID) []domain.HospitalID {
	seen := make(map[domain.HospitalID]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
