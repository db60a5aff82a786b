// Package timer owns the wall-clock scheduling for a round: the countdown
// tick, the number-call tick, and the grace delay before a new round. It
// holds no game state; the round engine starts and stops tasks on phase
// transitions and receives edge-triggered callbacks.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// TickFunc is an edge-triggered callback. A returned error is logged and the
// tick skipped; the task keeps running so a transient failure cannot freeze
// the round.
type TickFunc func(ctx context.Context) error

// Service runs at most one countdown task, one call task, and one pending
// grace task at a time. Callbacks for a task run sequentially in the task's
// goroutine, so a slow tick delays the next one instead of racing it.
type Service struct {
	clock clockwork.Clock

	mu        sync.Mutex
	countdown *task
	calls     *task
	grace     *task
}

type task struct {
	stop chan struct{}
	once sync.Once
}

func (t *task) cancel() {
	t.once.Do(func() { close(t.stop) })
}

// New creates a timer service on the given clock. Tests pass a fake clock.
func New(clock clockwork.Clock) *Service {
	return &Service{clock: clock}
}

// StartCountdown begins the recurring countdown tick, replacing any previous
// countdown task.
func (s *Service) StartCountdown(ctx context.Context, interval time.Duration, fn TickFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countdown != nil {
		s.countdown.cancel()
	}
	s.countdown = s.startTicker(ctx, "countdown", interval, fn)
}

// StopCountdown cancels the countdown tick.
func (s *Service) StopCountdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countdown != nil {
		s.countdown.cancel()
		s.countdown = nil
	}
}

// StartCalls begins the recurring number-call tick, replacing any previous
// call task.
func (s *Service) StartCalls(ctx context.Context, interval time.Duration, fn TickFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls != nil {
		s.calls.cancel()
	}
	s.calls = s.startTicker(ctx, "calls", interval, fn)
}

// StopCalls cancels the number-call tick.
func (s *Service) StopCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls != nil {
		s.calls.cancel()
		s.calls = nil
	}
}

// Schedule runs fn once after delay, replacing any pending scheduled task.
func (s *Service) Schedule(ctx context.Context, delay time.Duration, fn TickFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grace != nil {
		s.grace.cancel()
	}
	t := &task{stop: make(chan struct{})}
	s.grace = t

	timer := s.clock.NewTimer(delay)
	go func() {
		defer stopAndDrain(timer)
		select {
		case <-ctx.Done():
		case <-t.stop:
		case <-timer.Chan():
			if err := fn(ctx); err != nil {
				log.Error().Err(err).Msg("scheduled task failed")
			}
		}
	}()
}

// StopAll cancels every running task.
func (s *Service) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range []*task{s.countdown, s.calls, s.grace} {
		if t != nil {
			t.cancel()
		}
	}
	s.countdown, s.calls, s.grace = nil, nil, nil
}

func (s *Service) startTicker(ctx context.Context, name string, interval time.Duration, fn TickFunc) *task {
	t := &task{stop: make(chan struct{})}
	ticker := s.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case <-ticker.Chan():
				if err := fn(ctx); err != nil {
					log.Error().Err(err).Str("task", name).Msg("tick failed, skipping")
				}
			}
		}
	}()
	return t
}

func stopAndDrain(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
