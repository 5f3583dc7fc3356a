package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "jobwarden/pkg/logx"
)

// Supervisor runs named goroutines tied to one context with panic recovery.
// Long-running loops use GoRestart so a panic in one decision cycle never
// takes the daemon down.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	errOnce  sync.Once
	firstErr atomic.Value // error
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	stats map[string]*LoopStats
}

// LoopStats is a best-effort per-name view used by /healthz.
type LoopStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	Started     uint64    `json:"started"`
	Panics      uint64    `json:"panics"`
	Restarts    uint64    `json:"restarts"`
	LastStartAt time.Time `json:"last_start_at"`
	LastErr     string    `json:"last_err,omitempty"`
	LastErrAt   time.Time `json:"last_err_at,omitempty"`
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		stats:  map[string]*LoopStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Snapshot returns loop stats sorted by name.
func (s *Supervisor) Snapshot() []LoopStats {
	s.mu.Lock()
	out := make([]LoopStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Supervisor) stat(name string) *LoopStats {
	st := s.stats[name]
	if st == nil {
		st = &LoopStats{Name: name}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.stat(name)
	st.Started++
	st.Active++
	st.LastStartAt = now
	if restart {
		st.Restarts++
	}
	s.mu.Unlock()
	return now
}

func (s *Supervisor) noteStop(name string, err error, panicked bool) {
	s.mu.Lock()
	st := s.stat(name)
	if st.Active > 0 {
		st.Active--
	}
	if panicked {
		st.Panics++
	}
	if err != nil {
		st.LastErr = err.Error()
		st.LastErrAt = time.Now()
	}
	s.mu.Unlock()
}

// runGuarded calls fn and converts a panic into an error.
func (s *Supervisor) runGuarded(name string, fn func(ctx context.Context) error) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("goroutine panicked",
				logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic in %s: %v", name, r)
			panicked = true
		}
	}()
	return false, fn(s.ctx)
}

// Go runs fn once. A non-cancel error or panic is recorded as the first error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.noteStart(name, false)
		panicked, err := s.runGuarded(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			s.setErr(err)
		}
		s.noteStop(name, err, panicked)
	}()
}

// GoRestart runs fn and restarts it after an error or panic with jittered
// exponential backoff between min and max. A nil return stops the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, min, max time.Duration) {
	if fn == nil {
		return
	}
	if min <= 0 {
		min = 250 * time.Millisecond
	}
	if max < min {
		max = min
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		backoff := min
		restarts := 0
		for {
			if s.ctx.Err() != nil {
				return
			}
			startedAt := s.noteStart(name, restarts > 0)
			panicked, err := s.runGuarded(name, fn)

			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) || (err == nil && !panicked) {
				s.noteStop(name, nil, false)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.noteStop(name, err, panicked)

			restarts++
			if time.Since(startedAt) >= 30*time.Second {
				backoff = min
			}
			wait := backoff
			if j := int64(wait) / 5; j > 0 {
				wait += time.Duration(time.Now().UnixNano() % (j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > max {
				backoff = max
			}
		}
	}()
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
