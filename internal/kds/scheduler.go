package kds

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/appetiteclub/kds/internal/bus"
	"github.com/appetiteclub/kds/internal/logging"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultPollInterval = 15 * time.Second
	DefaultDebounce     = 250 * time.Millisecond
)

// Locker guards a reconciliation pass across processes. TryLock reports
// false when another holder owns key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// Subscriber is the part of the event bus the scheduler listens on.
type Subscriber interface {
	Subscribe(buffer int) *bus.Subscription
}

type SchedulerConfig struct {
	PollInterval time.Duration
	Debounce     time.Duration
	// LockTTL bounds how long a crashed holder can block other processes.
	LockTTL time.Duration
}

// Scheduler runs reconciliation on a fixed interval and whenever the POS
// announces a change. Triggers that arrive close together are coalesced
// into one pass, and passes never overlap.
type Scheduler struct {
	rec    *Reconciler
	events Subscriber
	locker Locker
	cfg    SchedulerConfig
	clock  clockwork.Clock
	logger *slog.Logger

	trigger chan struct{}

	mu     sync.Mutex
	cron   gocron.Scheduler
	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(clock clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

func WithLocker(l Locker) SchedulerOption {
	return func(s *Scheduler) { s.locker = l }
}

// NewScheduler wires a reconciler to its triggers. events may be nil, in
// which case only the interval drives passes.
func NewScheduler(rec *Reconciler, events Subscriber, cfg SchedulerConfig, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.PollInterval
		if cfg.LockTTL < time.Minute {
			cfg.LockTTL = time.Minute
		}
	}

	s := &Scheduler{
		rec:     rec,
		events:  events,
		cfg:     cfg,
		clock:   clockwork.NewRealClock(),
		logger:  logging.OrDiscard(logger),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Trigger requests a pass. It never blocks; a request made while one is
// already queued is merged into it.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start schedules the poll job, subscribes to POS signals and queues an
// initial pass.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	cron, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return fmt.Errorf("cannot create poll scheduler: %w", err)
	}
	_, err = cron.NewJob(
		gocron.DurationJob(s.cfg.PollInterval),
		gocron.NewTask(s.Trigger),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("kds-reconcile-"+s.rec.KitchenID()),
	)
	if err != nil {
		_ = cron.Shutdown()
		return fmt.Errorf("cannot schedule reconciliation: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.cron = cron

	if s.events != nil {
		s.sub = s.events.Subscribe(bus.DefaultBuffer)
		s.wg.Add(1)
		go s.listen(runCtx, s.sub)
	}

	s.wg.Add(1)
	go s.loop(runCtx)

	cron.Start()
	s.Trigger()

	s.logger.Info("reconciliation scheduler started",
		"kitchen_id", s.rec.KitchenID(),
		"poll_interval", s.cfg.PollInterval,
		"debounce", s.cfg.Debounce,
	)
	return nil
}

// Stop halts the poll job and waits for an in-flight pass to finish or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, cron, sub := s.cancel, s.cron, s.sub
	s.cancel, s.cron, s.sub = nil, nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	var shutdownErr error
	if err := cron.Shutdown(); err != nil {
		shutdownErr = fmt.Errorf("cannot stop poll scheduler: %w", err)
	}
	cancel()
	if sub != nil {
		sub.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("cannot stop reconciliation scheduler: %w", ctx.Err())
	}

	s.logger.Info("reconciliation scheduler stopped")
	return shutdownErr
}

// listen turns POS refresh signals into triggers. Signals produced by
// reconciliation itself or by staff actions are ignored so a pass never
// schedules the next one.
func (s *Scheduler) listen(ctx context.Context, sub *bus.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if evt.Source != event.SourcePOS {
				continue
			}
			if evt.KitchenID != "" && evt.KitchenID != s.rec.KitchenID() {
				continue
			}
			s.Trigger()
		}
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		}

		if s.cfg.Debounce > 0 {
			timer := s.clock.NewTimer(s.cfg.Debounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}
			// Anything that arrived during the window rides on this pass.
			select {
			case <-s.trigger:
			default:
			}
		}

		s.runOnce(ctx)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if s.locker != nil {
		key := "kds:reconcile:" + s.rec.KitchenID()
		unlock, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
		switch {
		case err != nil:
			s.logger.Warn("reconcile lock unavailable, running unguarded", "error", err)
		case !ok:
			s.logger.Debug("reconcile pass held by another process", "key", key)
			return
		default:
			defer func() {
				if err := unlock(context.WithoutCancel(ctx)); err != nil {
					s.logger.Warn("cannot release reconcile lock", "error", err)
				}
			}()
		}
	}

	if _, err := s.rec.Reconcile(ctx); err != nil {
		s.logger.Debug("reconciliation pass finished with errors", "error", err)
	}
}
