package zonesigner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"

	"github.com/hazcod/zonesigner/internal/observability/logger"
)

// Reason tells why a zone is due for evaluation.
type Reason string

const (
	ReasonEnable        Reason = "enable"
	ReasonKeyTransition Reason = "key-transition"
	ReasonRefresh       Reason = "signature-refresh"
	ReasonContent       Reason = "content-change"
	ReasonResync        Reason = "forced-resync"
	ReasonRetry         Reason = "retry-backoff"
)

// Runner runs one signing cycle. *Engine is the production Runner.
type Runner interface {
	Cycle(ctx context.Context, zone string) (*Result, error)
}

type SchedulerConfig struct {
	// Workers bounds how many zones are signed at the same time.
	Workers    int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:    4,
		MinBackoff: 5 * time.Second,
		MaxBackoff: 10 * time.Minute,
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	def := DefaultSchedulerConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = def.MinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(def.MaxBackoff, c.MinBackoff)
	}
	return c
}

// backoff doubles from MinBackoff per consecutive failure, up to MaxBackoff.
func (c SchedulerConfig) backoff(failures int) time.Duration {
	d := c.MinBackoff
	for i := 1; i < failures && d < c.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, c.MaxBackoff)
}

// Status is the scheduler's view of one zone.
type Status struct {
	Zone        string    `json:"zone"`
	Running     bool      `json:"running"`
	NextWake    time.Time `json:"next_wake,omitempty"`
	Reason      Reason    `json:"reason,omitempty"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Failures    int       `json:"failures"`
	Serial      uint32    `json:"serial"`
	// Stale is set while the last cycle failed: the previous signed version
	// is still served but may be running out of signature validity.
	Stale     bool   `json:"stale"`
	Suspended bool   `json:"suspended"`
	Alarm     string `json:"alarm,omitempty"`
}

type zoneTask struct {
	zone   string
	wake   time.Time
	reason Reason
	index  int

	running       bool
	pending       bool
	pendingReason Reason
	disabled      bool
	superseded    bool
	cancel        context.CancelFunc

	status Status
}

// Scheduler keeps one wake-up per zone and runs due zones on a bounded
// worker pool. Cycles of one zone never overlap; triggers arriving while a
// cycle runs are coalesced into a single follow-up evaluation.
type Scheduler struct {
	runner Runner
	cfg    SchedulerConfig
	now    func() time.Time
	sem    *semaphore.Weighted
	hook   func(Status)

	mu    sync.Mutex
	tasks map[string]*zoneTask
	queue wakeQueue
	kick  chan struct{}
	wg    sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithStatusHook registers fn to receive a zone's status after every cycle.
func WithStatusHook(fn func(Status)) SchedulerOption {
	return func(s *Scheduler) { s.hook = fn }
}

func NewScheduler(runner Runner, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		runner: runner,
		cfg:    cfg,
		now:    time.Now,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		tasks:  map[string]*zoneTask{},
		kick:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) wakeUp() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// lookup returns the managed task of zone. A disabled task stays in the map
// until its cycle ends but is no longer managed. The caller holds s.mu.
func (s *Scheduler) lookup(zone string) (*zoneTask, bool) {
	t, ok := s.tasks[zone]
	if !ok || t.disabled {
		return nil, false
	}
	return t, true
}

// Enable starts managing zone with an immediate evaluation. If a cycle of a
// just disabled zone is still winding down, the evaluation follows it.
func (s *Scheduler) Enable(zone string) {
	zone = dns.CanonicalName(zone)
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[zone]; ok {
		if t.disabled {
			t.disabled, t.superseded = false, true
			t.pending, t.pendingReason = true, ReasonEnable
			t.status = Status{Zone: zone, Running: true}
		}
		return
	}
	t := &zoneTask{zone: zone, index: -1, reason: ReasonEnable, status: Status{Zone: zone}}
	s.tasks[zone] = t
	s.queue.schedule(t, s.now())
	s.wakeUp()
}

// Disable stops managing zone. A cycle in flight is cancelled and never
// commits.
func (s *Scheduler) Disable(zone string) error {
	zone = dns.CanonicalName(zone)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lookup(zone)
	if !ok {
		return fmt.Errorf("%w: %s", ErrZoneNotFound, zone)
	}
	s.queue.remove(t)
	if !t.running {
		delete(s.tasks, zone)
		return nil
	}
	t.disabled, t.pending = true, false
	t.cancel()
	return nil
}

// Trigger asks for an evaluation of zone as soon as possible.
func (s *Scheduler) Trigger(zone string, reason Reason) error {
	zone = dns.CanonicalName(zone)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lookup(zone)
	if !ok {
		return fmt.Errorf("%w: %s", ErrZoneNotFound, zone)
	}
	if t.running {
		if !t.pending {
			t.pending, t.pendingReason = true, reason
		}
		return nil
	}
	now := s.now()
	if t.index < 0 || now.Before(t.wake) {
		t.reason = reason
		s.queue.schedule(t, now)
		t.status.NextWake, t.status.Reason = now, reason
	}
	s.wakeUp()
	return nil
}

// ForceResync is the operator path for Trigger.
func (s *Scheduler) ForceResync(zone string) error {
	return s.Trigger(zone, ReasonResync)
}

// NextWake returns when zone is next evaluated. It reports false while a
// cycle is running or when nothing is scheduled.
func (s *Scheduler) NextWake(zone string) (time.Time, bool) {
	zone = dns.CanonicalName(zone)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lookup(zone)
	if !ok || t.index < 0 {
		return time.Time{}, false
	}
	if now := s.now(); t.wake.Before(now) {
		return now, true
	}
	return t.wake, true
}

func (s *Scheduler) Status(zone string) (Status, bool) {
	zone = dns.CanonicalName(zone)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lookup(zone)
	if !ok {
		return Status{}, false
	}
	return t.status, true
}

// Statuses returns the status of every managed zone, ordered by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.disabled {
			out = append(out, t.status)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Zone < out[j].Zone })
	return out
}

func (s *Scheduler) Zones() []string {
	var out []string
	for _, st := range s.Statuses() {
		out = append(out, st.Zone)
	}
	return out
}

// Run dispatches due zones until ctx is done, then waits for the cycles in
// flight.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logger.From(ctx).With(logger.Component("scheduler"))
	log.Info("scheduler started", logger.Count(s.cfg.Workers))

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		for _, t := range s.queue.popDue(s.now()) {
			s.start(ctx, t)
		}
		wait := time.Hour
		if next := s.queue.peek(); next != nil {
			wait = max(next.wake.Sub(s.now()), 0)
		}
		s.mu.Unlock()

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Info("scheduler stopped")
			return nil
		case <-timer.C:
		case <-s.kick:
		}
	}
}

// start launches a cycle for t. The caller holds s.mu.
func (s *Scheduler) start(ctx context.Context, t *zoneTask) {
	cctx, cancel := context.WithCancel(ctx)
	cctx = logger.ToContext(cctx, logger.From(ctx).With(logger.Reason(string(t.reason))))
	t.running, t.cancel = true, cancel
	t.status.Running = true
	reason := t.reason

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.sem.Acquire(cctx, 1); err != nil {
			s.finish(ctx, t, nil, err, reason)
			return
		}
		res, err := s.runner.Cycle(cctx, t.zone)
		s.sem.Release(1)
		s.finish(ctx, t, res, err, reason)
	}()
}

func (s *Scheduler) finish(ctx context.Context, t *zoneTask, res *Result, err error, reason Reason) {
	log := logger.FromWithFields(ctx, logger.Zone(t.zone), logger.Reason(string(reason)))

	s.mu.Lock()
	now := s.now()
	t.running, t.cancel = false, nil
	st := &t.status
	st.Running = false

	if t.disabled {
		delete(s.tasks, t.zone)
		s.mu.Unlock()
		return
	}

	var (
		wake       time.Time
		wakeReason Reason
	)
	switch {
	case t.superseded:
		// Cancelled by Disable; the pending evaluation of the re-enabled
		// zone replaces it.
		t.superseded = false
	case err != nil && ctx.Err() != nil:
		// Shutting down: leave the zone due so the next Run picks it up.
		wake, wakeReason = now, reason
	case err != nil:
		st.LastAttempt = now
		st.Failures++
		st.LastError = err.Error()
		st.Stale = true
		st.Suspended = Classify(err) == ClassConfig
		if Classify(err) == ClassFatal {
			st.Alarm = err.Error()
		}
		wake, wakeReason = now.Add(s.cfg.backoff(st.Failures)), ReasonRetry
		if res != nil && res.NextWake.After(now) && res.NextWake.Before(wake) {
			wake, wakeReason = res.NextWake, res.WakeReason
		}
		log.Warn("signing cycle failed",
			logger.Err(err), logger.Count(st.Failures), logger.Wake(wake),
			logger.String("class", Classify(err).String()))
	default:
		st.LastAttempt, st.LastSuccess = now, now
		st.Failures, st.LastError = 0, ""
		st.Stale, st.Suspended = false, false
		st.Alarm = ""
		if res != nil {
			st.Serial = res.Serial
			if res.Alarm != nil {
				st.Alarm = res.Alarm.Error()
			}
			wake, wakeReason = res.NextWake, res.WakeReason
		}
	}

	if t.pending {
		t.pending = false
		wake, wakeReason = now, t.pendingReason
	}
	st.NextWake, st.Reason = time.Time{}, ""
	if !wake.IsZero() {
		if wake.Before(now) {
			wake = now
		}
		t.reason = wakeReason
		s.queue.schedule(t, wake)
		st.NextWake, st.Reason = wake, wakeReason
	}
	snapshot := *st
	s.mu.Unlock()

	s.wakeUp()
	if s.hook != nil {
		s.hook(snapshot)
	}
}
