// Package scheduler coordinates when the client re-fetches backend state.
//
// A polling timer runs only while the markets view is active and auto refresh
// is on. Manual refreshes, searches and exchange switches trigger additional
// cycles at any time. Cycles may overlap; ordering is enforced by refresh
// tokens (see Tokens), not by serializing fetches. Leaving the view stops the
// timer and supersedes in-flight tokens, but never aborts a request.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rewired-gh/paperdesk/internal/logger"
)

// Reason explains why a refresh cycle was started.
type Reason string

const (
	ReasonPoll     Reason = "poll"
	ReasonManual   Reason = "manual"
	ReasonResume   Reason = "resume"
	ReasonEnter    Reason = "enter"
	ReasonSearch   Reason = "search"
	ReasonExchange Reason = "exchange"
)

// CycleFunc runs one refresh cycle.
type CycleFunc func(ctx context.Context, reason Reason)

// Ticker is the subset of time.Ticker the scheduler needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker adapts time.NewTicker to Ticker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// Options configures a Scheduler.
type Options struct {
	Interval    time.Duration
	AutoRefresh bool
	Cycle       CycleFunc
	// OnLeave runs when the markets view is left, typically to invalidate tokens.
	OnLeave func()
	// NewTicker overrides the timer source; defaults to NewTimeTicker.
	NewTicker func(time.Duration) Ticker
}

// Scheduler drives periodic, manual and event-triggered refresh cycles.
type Scheduler struct {
	interval  time.Duration
	cycle     CycleFunc
	onLeave   func()
	newTicker func(time.Duration) Ticker

	mu         sync.Mutex
	ctx        context.Context
	started    bool
	viewActive bool
	auto       bool
	gen        uint64
	loopStop   chan struct{}
	loopDone   chan struct{}
	inflight   sync.WaitGroup
}

// New creates a scheduler. It does nothing until Start is called.
func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewTimeTicker
	}
	return &Scheduler{
		interval:  opts.Interval,
		cycle:     opts.Cycle,
		onLeave:   opts.OnLeave,
		newTicker: opts.NewTicker,
		auto:      opts.AutoRefresh,
	}
}

// Start arms the scheduler. Cycles run with ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx
	s.started = true
	if s.viewActive && s.auto {
		s.startLoopLocked()
	}
}

// Stop halts the timer and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.started = false
	done := s.stopLoopLocked()
	s.mu.Unlock()

	if done != nil {
		<-done
	}
	s.inflight.Wait()
}

// Enter marks the markets view active: one cycle runs immediately and the
// polling timer starts if auto refresh is on.
func (s *Scheduler) Enter() {
	s.mu.Lock()
	if s.viewActive {
		s.mu.Unlock()
		return
	}
	s.viewActive = true
	if s.started && s.auto {
		s.startLoopLocked()
	}
	s.mu.Unlock()

	s.Trigger(ReasonEnter)
}

// Leave marks the markets view inactive and stops the polling timer.
// In-flight requests keep running; OnLeave is expected to make their results stale.
func (s *Scheduler) Leave() {
	s.mu.Lock()
	if !s.viewActive {
		s.mu.Unlock()
		return
	}
	s.viewActive = false
	s.stopLoopLocked()
	s.mu.Unlock()

	if s.onLeave != nil {
		s.onLeave()
	}
}

// SetAuto pauses or resumes timer-driven refresh. Resuming issues one cycle
// immediately and restarts the interval.
func (s *Scheduler) SetAuto(on bool) {
	s.mu.Lock()
	if s.auto == on {
		s.mu.Unlock()
		return
	}
	s.auto = on
	resume := false
	if on {
		if s.started && s.viewActive {
			s.startLoopLocked()
			resume = true
		}
	} else {
		s.stopLoopLocked()
	}
	s.mu.Unlock()

	if resume {
		s.Trigger(ReasonResume)
	}
}

// Auto reports whether timer-driven refresh is enabled.
func (s *Scheduler) Auto() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto
}

// Polling reports whether the polling timer is currently running.
func (s *Scheduler) Polling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopStop != nil
}

// Trigger runs one cycle in the background. It is a no-op before Start.
func (s *Scheduler) Trigger(reason Reason) {
	s.mu.Lock()
	if !s.started || s.cycle == nil {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		logger.Debug("Refresh cycle started (reason: %s)", reason)
		s.cycle(ctx, reason)
	}()
}

// poll fires a timer cycle only if the loop that produced the tick is still current.
func (s *Scheduler) poll(gen uint64) {
	s.mu.Lock()
	current := gen == s.gen && s.loopStop != nil
	s.mu.Unlock()
	if current {
		s.Trigger(ReasonPoll)
	}
}

func (s *Scheduler) startLoopLocked() {
	if s.loopStop != nil {
		return
	}
	s.gen++
	stop := make(chan struct{})
	done := make(chan struct{})
	s.loopStop, s.loopDone = stop, done
	ticker := s.newTicker(s.interval)
	gen := s.gen
	ctx := s.ctx

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				s.mu.Lock()
				if s.loopStop == stop {
					s.loopStop, s.loopDone = nil, nil
				}
				s.mu.Unlock()
				return
			case <-ticker.C():
				s.poll(gen)
			}
		}
	}()
}

// stopLoopLocked signals the timer loop to exit and returns its done channel.
func (s *Scheduler) stopLoopLocked() chan struct{} {
	if s.loopStop == nil {
		return nil
	}
	close(s.loopStop)
	done := s.loopDone
	s.loopStop, s.loopDone = nil, nil
	return done
}
