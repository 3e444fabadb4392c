package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testReferral(t *testing.T, requesting, target domain.HospitalID) *domain.Referral {
	t.Helper()
	ref, err := domain.NewReferral(domain.NewParams{
		PatientRef:           "P-1",
		RequestingHospitalID: requesting,
		TargetHospitalID:     target,
		Urgency:              domain.UrgencyHigh,
		Timeout:              2 * time.Minute,
		Clinical:             domain.ClinicalSummary{PrimaryDiagnosis: "STEMI", Reason: "PCI"},
	}, time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return ref
}

type recordingSink struct {
	mu   sync.Mutex
	name string
	err  error
	msgs []Message
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Forward(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSink) received() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func receive(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no message for hospital %s", sub.HospitalID)
	}
	return Message{}
}

func assertNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected message %s for hospital %s", msg.Type, sub.HospitalID)
	default:
	}
}

func TestHub_DeliversToInterestedHospitals(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	requester := hub.Subscribe("1")
	target := hub.Subscribe("2")
	bystander := hub.Subscribe("3")

	ref := testReferral(t, "1", "2")
	hub.Publish(context.Background(), NewEvent(EventCreated, ref, time.Now()))

	for _, sub := range []*Subscription{requester, target} {
		msg := receive(t, sub)
		assert.Equal(t, EventCreated, msg.Type)
		assert.Equal(t, ref.ID.String(), msg.Payload["referral_id"])
		assert.Equal(t, ref.DeadlineAt.Unix(), msg.Payload["deadline_at"])
		assert.Equal(t, "STEMI", msg.Payload["primary_diagnosis"])
	}
	assertNothing(t, bystander)
}

func TestHub_EscalationReachesNewTarget(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	newTarget := hub.Subscribe("3")

	expired := testReferral(t, "1", "2")
	expired.Apply(domain.StatusChange{To: domain.StatusExpired, Actor: domain.SystemActor, Reason: "timeout", At: time.Now()})
	succ := testReferral(t, "1", "3")

	ev := NewEvent(EventEscalated, expired, time.Now())
	ev.Successor = succ
	ev.Text = DescribeEscalation("2", "3", "", false)
	hub.Publish(context.Background(), ev)

	msg := receive(t, newTarget)
	assert.Equal(t, EventEscalated, msg.Type)
	assert.Equal(t, succ.ID.String(), msg.Payload["successor_referral_id"])
	assert.Equal(t, "2", msg.Payload["previous_target_hospital_id"])
	assert.Equal(t, "3", msg.Payload["new_target_hospital_id"])
	assert.Equal(t, "No response from hospital 2; referral escalated to 3", msg.Payload["message"])
	assert.ElementsMatch(t, []string{"1", "2", "3"}, msg.Recipients)
}

func TestHub_DuplicateRecipientDeliveredOnce(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	sub := hub.Subscribe("1")

	n := hub.Deliver(Message{Type: EventCreated, Recipients: []string{"1", "1"}})
	assert.Equal(t, 1, n)
	receive(t, sub)
	assertNothing(t, sub)
}

func TestHub_FullBufferDropsWithoutBlocking(t *testing.T) {
	hub := NewHub(1, zap.NewNop())
	slow := hub.Subscribe("1")
	fast := hub.Subscribe("1")

	msg := Message{Type: EventCreated, Recipients: []string{"1"}}
	assert.Equal(t, 2, hub.Deliver(msg))

	// Drain only the fast subscriber; the slow one stays full.
	receive(t, fast)

	done := make(chan int)
	go func() { done <- hub.Deliver(msg) }()
	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked on a full subscriber")
	}
	receive(t, slow)
	receive(t, fast)
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(1, zap.NewNop())
	sub := hub.Subscribe("1")
	assert.Equal(t, 1, hub.SubscriberCount("1"))

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.SubscriberCount("1"))

	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, hub.Deliver(Message{Recipients: []string{"1"}}))
}

func TestHub_SinkFailureIsSwallowed(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	failing := &recordingSink{name: "broken", err: errors.New("down")}
	ok := &recordingSink{name: "ok"}
	hub.AddSink(failing)
	hub.AddSink(ok)
	sub := hub.Subscribe("2")

	ref := testReferral(t, "1", "2")
	hub.Publish(context.Background(), NewEvent(EventCreated, ref, time.Now()))

	receive(t, sub)
	require.Eventually(t, func() bool {
		return len(failing.received()) == 1 && len(ok.received()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, ok.received()[0].Recipients)
}

type blockingSink struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Forward(ctx context.Context, msg Message) error {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestHub_SlowSinkDoesNotBlockPublish(t *testing.T) {
	hub := NewHub(4, zap.NewNop(), WithSinkTimeout(time.Minute))
	slow := &blockingSink{release: make(chan struct{}), started: make(chan struct{})}
	ok := &recordingSink{name: "ok"}
	hub.AddSink(slow)
	hub.AddSink(ok)
	sub := hub.Subscribe("2")
	defer func() {
		close(slow.release)
		hub.Close()
	}()

	ref := testReferral(t, "1", "2")
	done := make(chan struct{})
	go func() {
		hub.Publish(context.Background(), NewEvent(EventCreated, ref, time.Now()))
		hub.Publish(context.Background(), NewEvent(EventAccepted, ref, time.Now()))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish waited on a slow sink")
	}

	assert.Equal(t, EventCreated, receive(t, sub).Type)
	assert.Equal(t, EventAccepted, receive(t, sub).Type)
	require.Eventually(t, func() bool { return len(ok.received()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestHub_SinkForwardIsBounded(t *testing.T) {
	hub := NewHub(4, zap.NewNop(), WithSinkTimeout(50*time.Millisecond))
	stuck := &blockingSink{release: make(chan struct{}), started: make(chan struct{})}
	hub.AddSink(stuck)

	ref := testReferral(t, "1", "2")
	hub.Publish(context.Background(), NewEvent(EventCreated, ref, time.Now()))
	<-stuck.started

	closed := make(chan struct{})
	go func() {
		hub.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the forward timeout")
	}
}

func TestHub_FullSinkQueueDrops(t *testing.T) {
	hub := NewHub(4, zap.NewNop(), WithSinkQueue(1), WithSinkTimeout(time.Minute))
	slow := &blockingSink{release: make(chan struct{}), started: make(chan struct{})}
	hub.AddSink(slow)

	ref := testReferral(t, "1", "2")
	hub.Publish(context.Background(), NewEvent(EventCreated, ref, time.Now()))
	<-slow.started

	// One message is in flight, one fits the queue, the rest are dropped.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Publish(context.Background(), NewEvent(EventCreated, ref, time.Now()))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full sink queue")
	}
	close(slow.release)
	hub.Close()
}

func TestHub_CloseDrainsSinksAndIgnoresLaterPublishes(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	rec := &recordingSink{name: "rec"}
	hub.AddSink(rec)

	ref := testReferral(t, "1", "2")
	hub.Publish(context.Background(), NewEvent(EventCreated, ref, time.Now()))
	hub.Close()
	require.Len(t, rec.received(), 1)

	hub.Publish(context.Background(), NewEvent(EventAccepted, ref, time.Now()))
	hub.Close()
	assert.Len(t, rec.received(), 1)

	late := hub.Subscribe("1")
	_, open := <-late.C
	assert.False(t, open)
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(1, zap.NewNop())
	a := hub.Subscribe("1")
	b := hub.Subscribe("2")
	hub.Close()

	_, openA := <-a.C
	_, openB := <-b.C
	assert.False(t, openA)
	assert.False(t, openB)
	hub.Unsubscribe(a)
}

func TestPayload_ResponderAvailableBeds(t *testing.T) {
	ref := testReferral(t, "1", "2")
	beds := 2
	ref.Apply(domain.StatusChange{
		To:    domain.StatusAccepted,
		Actor: domain.Actor{Type: domain.ActorHospital, HospitalID: "2", AvailableBeds: &beds},
		At:    time.Now(),
	})

	p := NewEvent(EventAccepted, ref, time.Now()).Payload()
	assert.Equal(t, "2", p["resolved_by_hospital_id"])
	assert.Equal(t, 2, p["responder_available_beds"])

	ref = testReferral(t, "1", "2")
	ref.Apply(domain.StatusChange{To: domain.StatusExpired, Actor: domain.SystemActor, At: time.Now()})
	_, ok := NewEvent(EventExpired, ref, time.Now()).Payload()["responder_available_beds"]
	assert.False(t, ok)
}

func TestEventTypeFor(t *testing.T) {
	et, ok := EventTypeFor(domain.StatusRejected)
	assert.True(t, ok)
	assert.Equal(t, EventRejected, et)

	_, ok = EventTypeFor(domain.StatusPending)
	assert.False(t, ok)
}

func TestDescribeEscalation(t *testing.T) {
	assert.Contains(t, DescribeEscalation("2", "3", "Clinical Center", true), "designated escalation hospital Clinical Center")
	assert.Equal(t, "No response from hospital 2; referral escalated to 3", DescribeEscalation("2", "3", "", false))
}
