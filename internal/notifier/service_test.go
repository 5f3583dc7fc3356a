package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"jobwarden/internal/eventbus"
	logx "jobwarden/pkg/logx"
)

type memSink struct {
	mu    sync.Mutex
	name  string
	fails int
	got   []Alert
	block chan struct{}
}

func (m *memSink) Name() string { return m.name }

func (m *memSink) Send(ctx context.Context, a Alert) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return errors.New("sink down")
	}
	m.got = append(m.got, a)
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeliversToEverySink(t *testing.T) {
	t.Parallel()
	a, b := &memSink{name: "a"}, &memSink{name: "b", fails: 1}
	s := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond}, logx.Nop(), nil, a, b)
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	s.SendAlert(SeverityCritical, "job backup failed", map[string]any{"job": "backup"})
	waitFor(t, func() bool { return a.count() == 1 && b.count() == 1 })
	if h := s.History(); len(h) != 2 {
		t.Fatalf("history = %+v", h)
	}
}

func TestDedupSuppressesRepeats(t *testing.T) {
	t.Parallel()
	sink := &memSink{name: "a"}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := New(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute}, logx.Nop(), bus, sink)
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	for i := 0; i < 3; i++ {
		if err := s.Notify(ctx, Alert{Severity: SeverityWarning, Message: "disk 91%", Fields: map[string]any{"i": i}}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return sink.count() == 1 })
	deduped := 0
	for len(events) > 0 {
		if e := <-events; e.Type == TypeDeduped {
			deduped++
		}
	}
	if deduped != 2 {
		t.Fatalf("deduped events = %d", deduped)
	}
}

func TestSendAlertNeverBlocks(t *testing.T) {
	t.Parallel()
	sink := &memSink{name: "slow", block: make(chan struct{})}
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 1, RatePerSec: 100}, logx.Nop(), nil, sink)
	ctx := context.Background()
	s.Start(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			s.SendAlert(SeverityInfo, "msg", map[string]any{"n": i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SendAlert blocked on a stuck sink")
	}
	if err := s.Notify(ctx, Alert{Message: "another"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want queue full", err)
	}
	close(sink.block)
	s.Stop(ctx)
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	off := New(Config{}, logx.Nop(), nil)
	off.Start(ctx)
	if err := off.Notify(ctx, Alert{Message: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	on := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := on.Notify(ctx, Alert{Message: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started err = %v", err)
	}
}

func TestMinSeverityFilters(t *testing.T) {
	t.Parallel()
	sink := &memSink{name: "a"}
	s := New(Config{Enabled: true, RatePerSec: 100, MinSeverity: SeverityWarning}, logx.Nop(), nil, sink)
	ctx := context.Background()
	s.Start(ctx)
	s.SendAlert(SeverityInfo, "noise", nil)
	s.SendAlert(SeverityCritical, "signal", nil)
	s.Stop(ctx)
	if sink.count() != 1 || sink.got[0].Message != "signal" {
		t.Fatalf("got = %+v", sink.got)
	}
}

func TestFormatSortsFields(t *testing.T) {
	t.Parallel()
	got := Format(Alert{Severity: SeverityWarning, Message: "load high", Fields: map[string]any{"b": 2, "a": 1}})
	if !strings.HasSuffix(got, "load high\na: 1\nb: 2") || !strings.HasPrefix(got, "⚠️ ") {
		t.Fatalf("Format = %q", got)
	}
}
