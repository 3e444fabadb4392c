package notification

import (
	"context"
	"fmt"

	"github.com/carenet/referrals/internal/shared/events"
	"github.com/carenet/referrals/internal/shared/types"
)

// JournalSink appends every lifecycle notification to the stream of its
// escalation chain, giving an ordered history per patient transfer.
type JournalSink struct {
	bus    events.EventBus
	source string
}

func NewJournalSink(bus events.EventBus, source string) *JournalSink {
	return &JournalSink{bus: bus, source: source}
}

func (j *JournalSink) Name() string { return "journal" }

// ChainStream names the stream of a chain root.
func ChainStream(rootID types.ID) string {
	return "chain." + rootID.String()
}

func (j *JournalSink) Forward(ctx context.Context, msg Message) error {
	root, _ := msg.Payload["root_referral_id"].(string)
	if root == "" {
		return fmt.Errorf("notification %s has no root referral", msg.EventID)
	}

	ev := events.NewEvent("referral."+string(msg.Type), j.source, msg.Payload).
		WithCorrelation(root)
	ev.ID = msg.EventID

	actorType, _ := msg.Payload["resolved_by"].(string)
	actorID, _ := msg.Payload["resolved_by_hospital_id"].(string)
	if actorType == "" {
		actorType, actorID = "hospital", stringField(msg.Payload, "requesting_hospital_id")
	}
	ev = ev.WithActor(actorID, actorType)

	return j.bus.Publish(ctx, ChainStream(types.ID(root)), ev)
}

// History reads the journal of a chain in order.
func (j *JournalSink) History(ctx context.Context, rootID types.ID) ([]events.Event, error) {
	return j.bus.Read(ctx, ChainStream(rootID), 1000)
}

func stringField(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}
