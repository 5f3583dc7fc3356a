package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("fails", func(ctx context.Context) error { return errors.New("boom") })
	s.Go("clean", func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || err.Error() != "fails: boom" {
		t.Fatalf("Wait err = %v", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("panics", func(ctx context.Context) error { panic("bad sample") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("expected panic to surface as error")
	}
	snap := s.Snapshot()
	if len(snap) != 1 || snap[0].Panics != 1 || snap[0].Active != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestGoRestartRestartsAfterPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	done := make(chan struct{})
	s.GoRestart("loop", func(ctx context.Context) error {
		n := runs.Add(1)
		if n < 3 {
			panic("transient")
		}
		close(done)
		<-ctx.Done()
		return ctx.Err()
	}, time.Millisecond, 5*time.Millisecond)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop not restarted, runs=%d", runs.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	snap := s.Snapshot()
	if snap[0].Restarts != 2 || snap[0].Panics != 2 {
		t.Fatalf("snapshot = %+v", snap[0])
	}
}
