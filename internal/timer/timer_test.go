package timer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestCountdownTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock)
	defer svc.StopAll()

	ticks := make(chan struct{}, 10)
	svc.StartCountdown(context.Background(), time.Second, func(ctx context.Context) error {
		ticks <- struct{}{}
		return nil
	})

	clock.BlockUntil(1)
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatalf("tick %d never fired", i+1)
		}
	}
}

func TestStopCountdownHaltsTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock)

	ticks := make(chan struct{}, 10)
	svc.StartCountdown(context.Background(), time.Second, func(ctx context.Context) error {
		ticks <- struct{}{}
		return nil
	})
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	<-ticks

	svc.StopCountdown()
	// Give the task goroutine a beat to observe the stop signal.
	time.Sleep(50 * time.Millisecond)
	clock.Advance(5 * time.Second)
	select {
	case <-ticks:
		t.Fatal("tick fired after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTickErrorDoesNotKillTask(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock)
	defer svc.StopAll()

	ticks := make(chan int, 10)
	n := 0
	svc.StartCalls(context.Background(), time.Second, func(ctx context.Context) error {
		n++
		ticks <- n
		if n == 1 {
			return errors.New("transient store failure")
		}
		return nil
	})

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	<-ticks
	clock.Advance(time.Second)
	select {
	case got := <-ticks:
		if got != 2 {
			t.Fatalf("tick count = %d, want 2", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task died after a failed tick")
	}
}

func TestScheduleFiresOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock)
	defer svc.StopAll()

	fired := make(chan struct{}, 2)
	svc.Schedule(context.Background(), 5*time.Second, func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	})

	clock.BlockUntil(1)
	clock.Advance(4 * time.Second)
	select {
	case <-fired:
		t.Fatal("fired early")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("never fired")
	}

	clock.Advance(time.Minute)
	select {
	case <-fired:
		t.Fatal("one-shot fired twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduleReplacedByNewSchedule(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock)
	defer svc.StopAll()

	fired := make(chan string, 2)
	svc.Schedule(context.Background(), 10*time.Second, func(ctx context.Context) error {
		fired <- "first"
		return nil
	})
	svc.Schedule(context.Background(), time.Second, func(ctx context.Context) error {
		fired <- "second"
		return nil
	})

	clock.Advance(time.Second)
	select {
	case got := <-fired:
		if got != "second" {
			t.Fatalf("got %q, want the replacing task", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replacement never fired")
	}
}
