package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStopWaitsForGoroutines(t *testing.T) {
	s := New(context.Background(), zerolog.Nop())
	var finished atomic.Bool
	s.Go("sleeper", func(ctx context.Context) error {
		<-ctx.Done()
		finished.Store(true)
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !finished.Load() {
		t.Fatal("goroutine did not finish before Stop returned")
	}
}

func TestFirstErrorIsKept(t *testing.T) {
	s := New(context.Background(), zerolog.Nop())
	s.Go("bad", func(ctx context.Context) error {
		return errors.New("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil || err.Error() != "bad: boom" {
		t.Fatalf("err = %v", err)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(context.Background(), zerolog.Nop())
	s.Go("panicky", func(ctx context.Context) error {
		panic("oops")
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err == nil {
		t.Fatal("panic not surfaced as error")
	}
}

func TestGoRestartRetriesUntilCancel(t *testing.T) {
	s := New(context.Background(), zerolog.Nop())
	var runs atomic.Int64
	s.GoRestart("flaky", time.Millisecond, 2*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && runs.Load() < 3 {
		time.Sleep(time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("only %d runs, want restarts", runs.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	s := New(context.Background(), zerolog.Nop())
	var runs atomic.Int64
	s.GoRestart("oneshot", time.Millisecond, time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}
