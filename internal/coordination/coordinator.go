package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/carenet/referrals/internal/adapters/health"
	"github.com/carenet/referrals/internal/notification"
	"github.com/carenet/referrals/internal/referral/domain"
	"github.com/carenet/referrals/internal/referral/ledger"
	"github.com/carenet/referrals/internal/shared/metrics"
	"github.com/carenet/referrals/internal/shared/types"
	"go.uber.org/zap"
)

// Coordinator arms one timer per pending referral and drives it to expired
// and escalated when nobody answers in time. Correctness never depends on a
// timer being cancelled: the ledger compare-and-set turns late fires into
// no-ops.
type Coordinator struct {
	ledger    *ledger.Ledger
	selector  *Selector
	hospitals health.HospitalDirectory
	publisher notification.Publisher
	config    Config
	log       *zap.Logger

	mu      sync.Mutex
	timers  map[types.ID]*deadlineTimer
	gen     uint64
	started bool
	stopped bool

	// Expired referrals whose escalation is running in this process.
	inflightMu sync.Mutex
	inflight   map[types.ID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type deadlineTimer struct {
	timer    *time.Timer
	gen      uint64
	deadline time.Time
}

// NewCoordinator creates a coordinator. A nil publisher drops notifications.
func NewCoordinator(
	l *ledger.Ledger,
	hospitals health.HospitalDirectory,
	publisher notification.Publisher,
	config Config,
	log *zap.Logger,
) *Coordinator {
	defaults := DefaultConfig()
	if config.SweepInterval <= 0 || config.SweepInterval > time.Second {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.ReconcileGrace <= 0 {
		config.ReconcileGrace = defaults.ReconcileGrace
	}
	if config.RepairBatch <= 0 {
		config.RepairBatch = defaults.RepairBatch
	}
	if publisher == nil {
		publisher = discardPublisher{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		ledger:    l,
		selector:  NewSelector(hospitals),
		hospitals: hospitals,
		publisher: publisher,
		config:    config,
		log:       log.Named("coordinator"),
		timers:    make(map[types.ID]*deadlineTimer),
		inflight:  make(map[types.ID]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		stopCh:    make(chan struct{}),
	}
}

// Start re-arms every stored pending referral, repairs interrupted
// escalations and starts the periodic sweep.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.started = true
	c.mu.Unlock()

	report, err := c.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("initial reconciliation: %w", err)
	}
	c.log.Info("coordinator started",
		zap.Int("scheduled", report.Scheduled),
		zap.Int("expired", report.Expired),
		zap.Int("escalated", report.Escalated),
		zap.Int("closed", report.Closed),
		zap.Duration("sweep_interval", c.config.SweepInterval),
	)

	c.wg.Add(1)
	go c.sweepLoop()
	return nil
}

// Stop cancels all timers and waits for running deadline actions.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	for id, t := range c.timers {
		t.timer.Stop()
		delete(c.timers, id)
	}
	metrics.SetTimersArmed(0)
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	c.cancel()
}

// Schedule arms the deadline of a pending referral. Re-arming replaces the
// previous timer.
func (c *Coordinator) Schedule(ref *domain.Referral) {
	if ref == nil || !ref.IsPending() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	if old, ok := c.timers[ref.ID]; ok {
		old.timer.Stop()
	}
	c.gen++
	gen := c.gen
	id, deadline := ref.ID, ref.DeadlineAt

	delay := deadline.Sub(c.ledger.Now())
	if delay < 0 {
		delay = 0
	}
	c.timers[id] = &deadlineTimer{
		gen:      gen,
		deadline: deadline,
		timer:    time.AfterFunc(delay, func() { c.fire(id, gen) }),
	}
	metrics.SetTimersArmed(len(c.timers))
}

// Cancel disarms the timer of id, if any.
func (c *Coordinator) Cancel(id types.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[id]; ok {
		t.timer.Stop()
		delete(c.timers, id)
		metrics.SetTimersArmed(len(c.timers))
	}
}

func (c *Coordinator) armed(id types.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[id]
	return ok
}

func (c *Coordinator) fire(id types.ID, gen uint64) {
	c.mu.Lock()
	t, ok := c.timers[id]
	if !ok || t.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	delete(c.timers, id)
	metrics.SetTimersArmed(len(c.timers))
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	metrics.RecordDeadlineLag(c.ledger.Now().Sub(t.deadline))
	if _, err := c.OnDeadline(c.ctx, id); err != nil {
		c.log.Error("deadline action failed",
			zap.String("referral_id", id.String()),
			zap.Error(err),
		)
	}
}

// RemainingSeconds derives the countdown from the stored deadline.
func (c *Coordinator) RemainingSeconds(ctx context.Context, id types.ID) (int, error) {
	ref, err := c.ledger.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return ref.RemainingSeconds(c.ledger.Now()), nil
}

func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if _, err := c.Reconcile(c.ctx); err != nil {
				c.log.Warn("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// Reconcile makes stored state and local timers agree: overdue pending
// referrals are expired now, other pending referrals without a local timer
// are armed, and expired referrals left without successor or closed chain
// are escalated again.
func (c *Coordinator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := c.ledger.Now()

	pending, err := c.ledger.ListByStatus(ctx, domain.StatusPending)
	if err != nil {
		return report, err
	}
	for _, ref := range pending {
		if c.armed(ref.ID) {
			continue
		}
		if ref.DeadlineAt.After(now) {
			c.Schedule(ref)
			report.Scheduled++
			continue
		}
		res, err := c.OnDeadline(ctx, ref.ID)
		if err != nil {
			c.log.Warn("failed to expire overdue referral",
				zap.String("referral_id", ref.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if res.Applied {
			report.Expired++
			report.count(res.Escalation)
		}
	}

	stuck, err := c.ledger.ListAwaitingEscalation(ctx, c.config.ReconcileGrace, c.config.RepairBatch)
	if err != nil {
		return report, err
	}
	for _, ref := range stuck {
		out, err := c.EscalateExpired(ctx, ref)
		if err != nil {
			c.log.Warn("failed to repair escalation",
				zap.String("referral_id", ref.ID.String()),
				zap.Error(err),
			)
			continue
		}
		report.count(out)
	}

	return report, nil
}

func (r *ReconcileReport) count(out *EscalationOutcome) {
	switch {
	case out == nil:
	case out.Successor != nil:
		r.Escalated++
	default:
		r.Closed++
	}
}

func (c *Coordinator) claim(id types.ID) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Coordinator) release(id types.ID) {
	c.inflightMu.Lock()
	delete(c.inflight, id)
	c.inflightMu.Unlock()
}

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, notification.Event) {}
