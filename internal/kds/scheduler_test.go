package kds

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/appetiteclub/kds/internal/bus"
	"github.com/appetiteclub/kds/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func startScheduler(t *testing.T, cfg SchedulerConfig, opts ...SchedulerOption) (*Scheduler, *MockTicketSource, *bus.Bus) {
	t.Helper()
	src := NewMockTicketSource()
	store := NewStore(nil, nil, nil, nil)
	rec := NewReconciler(store, src, nil, "k1", nil)
	b := bus.New(nil)

	s := NewScheduler(rec, b, cfg, nil, opts...)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		b.Close()
	})
	return s, src, b
}

func TestNewSchedulerDefaults(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SchedulerConfig
		wantTTL time.Duration
		wantPI  time.Duration
	}{
		{name: "zeroConfig", cfg: SchedulerConfig{}, wantTTL: time.Minute, wantPI: DefaultPollInterval},
		{name: "longInterval", cfg: SchedulerConfig{PollInterval: 2 * time.Minute}, wantTTL: 4 * time.Minute, wantPI: 2 * time.Minute},
		{name: "explicitTTL", cfg: SchedulerConfig{PollInterval: time.Second, LockTTL: 5 * time.Second}, wantTTL: 5 * time.Second, wantPI: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(NewReconciler(nil, nil, nil, "k1", nil), nil, tt.cfg, nil)
			assert.Equal(t, tt.wantPI, s.cfg.PollInterval)
			assert.Equal(t, tt.wantTTL, s.cfg.LockTTL)
		})
	}
}

func TestSchedulerInitialPass(t *testing.T) {
	_, src, _ := startScheduler(t, SchedulerConfig{PollInterval: time.Hour})

	require.Eventually(t, func() bool { return src.callCount() == 1 }, waitFor, tick)
}

func TestSchedulerPollsOnInterval(t *testing.T) {
	_, src, _ := startScheduler(t, SchedulerConfig{PollInterval: 30 * time.Millisecond})

	require.Eventually(t, func() bool { return src.callCount() >= 3 }, waitFor, tick)
}

func TestSchedulerTriggersOnPOSEvents(t *testing.T) {
	_, src, b := startScheduler(t, SchedulerConfig{PollInterval: time.Hour})
	require.Eventually(t, func() bool { return src.callCount() == 1 }, waitFor, tick)

	b.Publish(event.NewTicketRefresh("k1", 42, event.SourcePOS, t0))

	require.Eventually(t, func() bool { return src.callCount() == 2 }, waitFor, tick)
}

func TestSchedulerIgnoresNonPOSEvents(t *testing.T) {
	_, src, b := startScheduler(t, SchedulerConfig{PollInterval: time.Hour})
	require.Eventually(t, func() bool { return src.callCount() == 1 }, waitFor, tick)

	b.Publish(event.NewTicketRefresh("k1", 1, event.SourceReconcile, t0))
	b.Publish(event.NewTicketRefresh("k1", 1, event.SourceStaff, t0))
	b.Publish(event.NewTicketRefresh("other", 1, event.SourcePOS, t0))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, src.callCount())
}

func TestSchedulerDebounceCoalesces(t *testing.T) {
	_, src, b := startScheduler(t, SchedulerConfig{PollInterval: time.Hour, Debounce: 150 * time.Millisecond})
	require.Eventually(t, func() bool { return src.callCount() == 1 }, waitFor, tick)

	for i := 0; i < 20; i++ {
		b.Publish(event.NewTicketRefresh("k1", int64(i+1), event.SourcePOS, t0))
	}

	require.Eventually(t, func() bool { return src.callCount() >= 2 }, waitFor, tick)
	time.Sleep(400 * time.Millisecond)
	assert.LessOrEqual(t, src.callCount(), 3, "a burst of signals runs at most a couple of passes")
}

func TestSchedulerLocker(t *testing.T) {
	t.Run("heldElsewhere", func(t *testing.T) {
		locker := &MockLocker{refuse: true}
		_, src, _ := startScheduler(t, SchedulerConfig{PollInterval: time.Hour}, WithLocker(locker))

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 0, src.callCount())
	})

	t.Run("acquiredAndReleased", func(t *testing.T) {
		locker := &MockLocker{}
		_, src, _ := startScheduler(t, SchedulerConfig{PollInterval: time.Hour}, WithLocker(locker))

		require.Eventually(t, func() bool { return src.callCount() == 1 }, waitFor, tick)
		require.Eventually(t, func() bool {
			locker.mu.Lock()
			defer locker.mu.Unlock()
			return locker.acquired == 1 && locker.released == 1 && !locker.held
		}, waitFor, tick)
	})

	t.Run("lockerErrorRunsUnguarded", func(t *testing.T) {
		locker := &MockLocker{err: errors.New("redis down")}
		_, src, _ := startScheduler(t, SchedulerConfig{PollInterval: time.Hour}, WithLocker(locker))

		require.Eventually(t, func() bool { return src.callCount() == 1 }, waitFor, tick)
	})
}

func TestSchedulerStop(t *testing.T) {
	s, src, _ := startScheduler(t, SchedulerConfig{PollInterval: time.Hour})
	require.Eventually(t, func() bool { return src.callCount() == 1 }, waitFor, tick)

	ctx := context.Background()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx), "second stop is a no-op")

	s.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, src.callCount())
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	s, src, _ := startScheduler(t, SchedulerConfig{PollInterval: time.Hour})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return src.callCount() >= 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, src.callCount())
}
