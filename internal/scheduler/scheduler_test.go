package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTicker struct {
	c       chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }
func (f *fakeTicker) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

type tickerFactory struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (tf *tickerFactory) New(time.Duration) Ticker {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	t := &fakeTicker{c: make(chan time.Time)}
	tf.tickers = append(tf.tickers, t)
	return t
}

func (tf *tickerFactory) last() *fakeTicker {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if len(tf.tickers) == 0 {
		return nil
	}
	return tf.tickers[len(tf.tickers)-1]
}

func (tf *tickerFactory) count() int {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return len(tf.tickers)
}

type recorder struct {
	mu      sync.Mutex
	reasons []Reason
}

func (r *recorder) cycle(_ context.Context, reason Reason) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reason(nil), r.reasons...)
}

func (r *recorder) count(reason Reason) int {
	n := 0
	for _, got := range r.snapshot() {
		if got == reason {
			n++
		}
	}
	return n
}

func newTestScheduler(auto bool) (*Scheduler, *recorder, *tickerFactory, *int) {
	rec := &recorder{}
	tf := &tickerFactory{}
	leaves := 0
	s := New(Options{
		Interval:    30 * time.Second,
		AutoRefresh: auto,
		Cycle:       rec.cycle,
		OnLeave:     func() { leaves++ },
		NewTicker:   tf.New,
	})
	return s, rec, tf, &leaves
}

func TestTokensOrdering(t *testing.T) {
	var tokens Tokens

	a := tokens.Issue()
	b := tokens.Issue()

	assert.Greater(t, uint64(b), uint64(a))
	assert.False(t, tokens.Current(a), "older token must be stale")
	assert.True(t, tokens.Current(b))

	tokens.Invalidate()
	assert.False(t, tokens.Current(b), "invalidate supersedes in-flight tokens")
}

func TestEnterRunsImmediateCycleAndPolls(t *testing.T) {
	s, rec, tf, _ := newTestScheduler(true)
	s.Start(context.Background())
	defer s.Stop()

	s.Enter()
	require.Eventually(t, func() bool { return rec.count(ReasonEnter) == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, s.Polling())

	ticker := tf.last()
	require.NotNil(t, ticker)
	ticker.c <- time.Now()
	ticker.c <- time.Now()

	require.Eventually(t, func() bool { return rec.count(ReasonPoll) == 2 }, time.Second, 5*time.Millisecond)
}

func TestCancelledContextEndsPolling(t *testing.T) {
	s, rec, tf, _ := newTestScheduler(true)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	defer s.Stop()

	s.Enter()
	require.Eventually(t, func() bool { return rec.count(ReasonEnter) == 1 }, time.Second, 5*time.Millisecond)
	ticker := tf.last()
	require.NotNil(t, ticker)

	cancel()
	require.Eventually(t, func() bool { return !s.Polling() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		ticker.mu.Lock()
		defer ticker.mu.Unlock()
		return ticker.stopped
	}, time.Second, 5*time.Millisecond)

	select {
	case ticker.c <- time.Now():
		t.Fatal("timer loop still receiving after cancellation")
	default:
	}
	assert.Equal(t, 0, rec.count(ReasonPoll))
}

func TestLeaveStopsPollingAndInvalidates(t *testing.T) {
	s, _, tf, leaves := newTestScheduler(true)
	s.Start(context.Background())
	defer s.Stop()

	s.Enter()
	ticker := tf.last()
	s.Leave()

	assert.False(t, s.Polling())
	assert.Equal(t, 1, *leaves)
	require.Eventually(t, func() bool {
		ticker.mu.Lock()
		defer ticker.mu.Unlock()
		return ticker.stopped
	}, time.Second, 5*time.Millisecond)

	// Leaving twice is a no-op.
	s.Leave()
	assert.Equal(t, 1, *leaves)
}

func TestPauseAndResume(t *testing.T) {
	s, rec, tf, _ := newTestScheduler(true)
	s.Start(context.Background())
	defer s.Stop()

	s.Enter()
	require.Eventually(t, func() bool { return rec.count(ReasonEnter) == 1 }, time.Second, 5*time.Millisecond)

	s.SetAuto(false)
	assert.False(t, s.Polling())
	assert.False(t, s.Auto())

	s.SetAuto(true)
	assert.True(t, s.Polling())
	require.Eventually(t, func() bool { return rec.count(ReasonResume) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, tf.count(), "resume restarts the interval with a fresh ticker")

	// Turning auto on again does not issue another fetch.
	s.SetAuto(true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count(ReasonResume))
}

func TestResumeOutsideViewDoesNotFetch(t *testing.T) {
	s, rec, _, _ := newTestScheduler(false)
	s.Start(context.Background())
	defer s.Stop()

	s.SetAuto(true)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
	assert.False(t, s.Polling())
}

func TestManualTriggerWorksWithAutoOff(t *testing.T) {
	s, rec, _, _ := newTestScheduler(false)
	s.Start(context.Background())
	defer s.Stop()

	s.Enter()
	assert.False(t, s.Polling())

	s.Trigger(ReasonManual)
	require.Eventually(t, func() bool { return rec.count(ReasonManual) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTriggerBeforeStartIsNoop(t *testing.T) {
	s, rec, _, _ := newTestScheduler(true)
	s.Trigger(ReasonManual)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestStopWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	s := New(Options{
		Cycle: func(context.Context, Reason) {
			<-release
			close(finished)
		},
		NewTicker: (&tickerFactory{}).New,
	})
	s.Start(context.Background())
	s.Trigger(ReasonManual)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before in-flight cycle finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-finished
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
