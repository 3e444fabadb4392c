package notification

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/shared/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultBufferSize is the per-subscription queue length.
	DefaultBufferSize = 64
	// DefaultSinkQueue is how many messages may wait for a single sink.
	DefaultSinkQueue = 256
	// DefaultSinkTimeout bounds one Forward call.
	DefaultSinkTimeout = 5 * time.Second
)

// Subscription receives messages for one hospital until unsubscribed.
type Subscription struct {
	ID         uint64
	HospitalID domain.HospitalID
	// C is closed when the subscription ends.
	C <-chan Message

	ch chan Message
}

// Hub fans referral events out to subscribers keyed by hospital and then to
// the configured sinks. Delivery is best-effort: a full subscriber buffer
// drops the message for that subscriber only, and a sink that falls behind
// loses messages once its queue is full. Publish never waits on a sink.
type Hub struct {
	mu          sync.RWMutex
	subs        map[domain.HospitalID]map[*Subscription]struct{}
	count       int
	sinks       []*sinkWorker
	buffer      int
	sinkQueue   int
	sinkTimeout time.Duration
	closed      bool
	workers     sync.WaitGroup
	nextID      atomic.Uint64
	log         *zap.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithSinkQueue sets how many messages may wait for each sink.
func WithSinkQueue(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.sinkQueue = n
		}
	}
}

// WithSinkTimeout bounds each Forward call.
func WithSinkTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.sinkTimeout = d
		}
	}
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int, log *zap.Logger, opts ...HubOption) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	h := &Hub{
		subs:        make(map[domain.HospitalID]map[*Subscription]struct{}),
		buffer:      buffer,
		sinkQueue:   DefaultSinkQueue,
		sinkTimeout: DefaultSinkTimeout,
		log:         log.Named("notification"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type sinkWorker struct {
	sink  Sink
	queue chan Message
}

// AddSink registers a transport that receives every published message. Each
// sink is fed by its own goroutine so one slow transport cannot hold up
// another or the publisher.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	w := &sinkWorker{sink: s, queue: make(chan Message, h.sinkQueue)}
	h.sinks = append(h.sinks, w)
	h.workers.Add(1)
	go h.runSink(w)
}

func (h *Hub) runSink(w *sinkWorker) {
	defer h.workers.Done()
	for msg := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), h.sinkTimeout)
		err := w.sink.Forward(ctx, msg)
		cancel()
		if err != nil {
			metrics.RecordNotificationDropped(w.sink.Name())
			h.log.Warn("notification sink failed",
				zap.String("sink", w.sink.Name()),
				zap.String("event", string(msg.Type)),
				zap.Any("referral_id", msg.Payload["referral_id"]),
				zap.Error(err),
			)
		}
	}
}

// Subscribe registers interest in events concerning hospitalID.
func (h *Hub) Subscribe(hospitalID domain.HospitalID) *Subscription {
	ch := make(chan Message, h.buffer)
	sub := &Subscription{
		ID:         h.nextID.Add(1),
		HospitalID: hospitalID,
		C:          ch,
		ch:         ch,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return sub
	}
	if h.subs[hospitalID] == nil {
		h.subs[hospitalID] = make(map[*Subscription]struct{})
	}
	h.subs[hospitalID][sub] = struct{}{}
	h.count++
	metrics.SetNotificationSubscribers(h.count)
	return sub
}

// Unsubscribe removes sub and closes its channel. Calling it twice is safe.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[sub.HospitalID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.HospitalID)
	}
	close(sub.ch)
	h.count--
	metrics.SetNotificationSubscribers(h.count)
}

// SubscriberCount returns the live subscriptions for hospitalID.
func (h *Hub) SubscriberCount(hospitalID domain.HospitalID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[hospitalID])
}

// Publish delivers e to local subscribers and queues it for every sink.
func (h *Hub) Publish(ctx context.Context, e Event) {
	msg := e.Message()
	metrics.RecordNotificationPublished(string(e.Type))

	delivered := h.Deliver(msg)
	h.log.Debug("notification published",
		zap.String("event", string(e.Type)),
		zap.String("referral_id", e.Referral.ID.String()),
		zap.Strings("recipients", msg.Recipients),
		zap.Int("delivered", delivered),
	)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, w := range h.sinks {
		select {
		case w.queue <- msg:
		default:
			metrics.RecordNotificationDropped(w.sink.Name())
			h.log.Warn("sink queue full, notification dropped",
				zap.String("sink", w.sink.Name()),
				zap.String("event", string(e.Type)),
				zap.String("referral_id", e.Referral.ID.String()),
			)
		}
	}
}

// Deliver hands msg to local subscribers of its recipients and returns how
// many subscriptions received it. Sinks are not involved.
func (h *Hub) Deliver(msg Message) int {
	delivered := 0
	seen := make(map[string]bool, len(msg.Recipients))
	for _, r := range msg.Recipients {
		if seen[r] {
			continue
		}
		seen[r] = true
		delivered += h.DeliverTo(domain.HospitalID(r), msg)
	}
	return delivered
}

// DeliverTo hands msg to local subscribers of a single hospital.
func (h *Hub) DeliverTo(hospitalID domain.HospitalID, msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs[hospitalID] {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			metrics.RecordNotificationDropped("subscriber_full")
			h.log.Warn("subscriber buffer full, notification dropped",
				zap.Uint64("subscription", sub.ID),
				zap.String("hospital_id", hospitalID.String()),
				zap.String("event", string(msg.Type)),
			)
		}
	}
	return delivered
}

// Close ends every subscription and waits for sinks to drain what was
// already queued. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for hospitalID, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(h.subs, hospitalID)
	}
	h.count = 0
	metrics.SetNotificationSubscribers(0)
	for _, w := range h.sinks {
		close(w.queue)
	}
	h.mu.Unlock()

	h.workers.Wait()
}
