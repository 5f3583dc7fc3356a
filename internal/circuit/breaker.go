// Package circuit implements the per-job circuit breaker.
//
// Every transition is written to the state store and read back before it is
// committed in memory. A failed write or a read-back mismatch restores the
// previous state and returns ErrPersistVerify, so memory never claims a state
// the store does not hold.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"jobwarden/internal/eventbus"
	"jobwarden/internal/model"
	"jobwarden/internal/storage"
	logx "jobwarden/pkg/logx"
)

var ErrPersistVerify = errors.New("circuit: state not persisted")

// Config holds breaker thresholds. Zero values take defaults.
type Config struct {
	FailureThreshold int
	ClassThresholds  map[model.ResourceClass]int
	ResetTimeout     time.Duration
	HalfOpenProbes   int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 3
	}
	return c
}

// Threshold returns the consecutive-failure count that opens the circuit for class.
func (c Config) Threshold(class model.ResourceClass) int {
	if n := c.ClassThresholds[class]; n > 0 {
		return n
	}
	return c.FailureThreshold
}

const maxErrorLen = 512

type Breaker struct {
	store storage.StateStore
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	cfg atomic.Pointer[Config]

	mu     sync.Mutex
	states map[string]model.CircuitState
	jobMu  map[string]*sync.Mutex
}

type Option func(*Breaker)

func WithLogger(l logx.Logger) Option { return func(b *Breaker) { b.log = l } }
func WithBus(bus eventbus.Bus) Option { return func(b *Breaker) { b.bus = bus } }
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func New(store storage.StateStore, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		store:  store,
		bus:    eventbus.Nop(),
		now:    time.Now,
		states: map[string]model.CircuitState{},
		jobMu:  map[string]*sync.Mutex{},
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With(logx.String("comp", "circuit"))
	b.SetConfig(cfg)
	return b
}

// SetConfig swaps thresholds. In-flight transitions use the old values.
func (b *Breaker) SetConfig(cfg Config) {
	c := cfg.withDefaults()
	b.cfg.Store(&c)
}

func (b *Breaker) Config() Config { return *b.cfg.Load() }

func (b *Breaker) lockJob(job string) func() {
	b.mu.Lock()
	m := b.jobMu[job]
	if m == nil {
		m = &sync.Mutex{}
		b.jobMu[job] = m
	}
	b.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// current returns the cached state, loading it on first use. An unreadable
// store yields a closed state that is not cached, so the next call retries.
func (b *Breaker) current(ctx context.Context, job string) model.CircuitState {
	b.mu.Lock()
	st, ok := b.states[job]
	b.mu.Unlock()
	if ok {
		return st
	}
	st, found, err := b.store.LoadCircuit(ctx, job)
	if err != nil {
		b.log.Error("circuit state unreadable, treating as closed", logx.Job(job), logx.Err(err))
		return model.NewCircuitState(job)
	}
	if !found {
		st = model.NewCircuitState(job)
	}
	b.mu.Lock()
	if cached, ok := b.states[job]; ok {
		st = cached
	} else {
		b.states[job] = st
	}
	b.mu.Unlock()
	return st
}

// commit persists next, reads it back and only then replaces prev in memory.
func (b *Breaker) commit(ctx context.Context, prev, next model.CircuitState) error {
	next.UpdatedAt = b.now()
	verr := b.persist(ctx, next)
	if verr != nil {
		b.mu.Lock()
		b.states[prev.Job] = prev
		b.mu.Unlock()
		b.log.Error("circuit transition rolled back",
			logx.Job(prev.Job),
			logx.String("from", string(prev.State)),
			logx.String("to", string(next.State)),
			logx.Int("failures", next.Failures),
			logx.Err(verr))
		return fmt.Errorf("%w: %s: %v", ErrPersistVerify, prev.Job, verr)
	}

	b.mu.Lock()
	b.states[next.Job] = next
	b.mu.Unlock()

	if prev.State != next.State {
		b.log.Info("circuit transition",
			logx.Job(next.Job),
			logx.String("from", string(prev.State)),
			logx.String("to", string(next.State)),
			logx.Int("failures", next.Failures),
			logx.String("last_error", next.LastError))
		b.bus.Publish(eventbus.Event{Type: eventbus.TypeCircuitChanged, Data: eventbus.CircuitChanged{
			Job: next.Job, From: string(prev.State), To: string(next.State),
		}})
	}
	return nil
}

func (b *Breaker) persist(ctx context.Context, st model.CircuitState) error {
	if err := b.store.SaveCircuit(ctx, st); err != nil {
		return err
	}
	got, found, err := b.store.LoadCircuit(ctx, st.Job)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if !found {
		return errors.New("read back: record missing")
	}
	if !got.Equal(st) {
		return fmt.Errorf("read back: stored %s/%d, want %s/%d", got.State, got.Failures, st.State, st.Failures)
	}
	return nil
}

// CanExecute reports whether job may run now. An open circuit whose reset
// timeout has elapsed moves to half_open and admits the caller as the first
// trial run. If that transition cannot be persisted the call is denied.
func (b *Breaker) CanExecute(ctx context.Context, job string) (bool, error) {
	job = strings.TrimSpace(job)
	unlock := b.lockJob(job)
	defer unlock()

	cfg := b.Config()
	st := b.current(ctx, job)
	now := b.now()

	switch st.State {
	case model.CircuitOpen:
		if now.Sub(st.OpenedAt) < cfg.ResetTimeout {
			return false, nil
		}
		next := st
		next.State = model.CircuitHalfOpen
		next.HalfOpenAttempts = 1
		if err := b.commit(ctx, st, next); err != nil {
			return false, err
		}
		return true, nil

	case model.CircuitHalfOpen:
		if st.HalfOpenAttempts >= cfg.HalfOpenProbes {
			// Trial runs were admitted but none reported back; start a new window.
			if now.Sub(st.UpdatedAt) < cfg.ResetTimeout {
				return false, nil
			}
			next := st
			next.HalfOpenAttempts = 1
			if err := b.commit(ctx, st, next); err != nil {
				return false, err
			}
			return true, nil
		}
		next := st
		next.HalfOpenAttempts++
		if err := b.commit(ctx, st, next); err != nil {
			return false, err
		}
		return true, nil
	}
	return true, nil
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, job string) error {
	job = strings.TrimSpace(job)
	unlock := b.lockJob(job)
	defer unlock()

	st := b.current(ctx, job)
	next := st
	next.State = model.CircuitClosed
	next.Failures = 0
	next.HalfOpenAttempts = 0
	next.OpenedAt = time.Time{}
	next.LastSuccess = b.now()
	return b.commit(ctx, st, next)
}

// RecordFailure counts one failed execution. class selects the threshold.
func (b *Breaker) RecordFailure(ctx context.Context, job string, class model.ResourceClass, cause error) error {
	job = strings.TrimSpace(job)
	unlock := b.lockJob(job)
	defer unlock()

	cfg := b.Config()
	st := b.current(ctx, job)
	now := b.now()

	next := st
	next.Failures++
	next.LastFailure = now
	if cause != nil {
		next.LastError = truncate(cause.Error(), maxErrorLen)
	}
	switch st.State {
	case model.CircuitClosed, "":
		next.State = model.CircuitClosed
		if next.Failures >= cfg.Threshold(class) {
			next.State = model.CircuitOpen
			next.OpenedAt = now
			next.HalfOpenAttempts = 0
		}
	case model.CircuitHalfOpen:
		next.State = model.CircuitOpen
		next.OpenedAt = now
		next.HalfOpenAttempts = 0
	}
	return b.commit(ctx, st, next)
}

// Reset force-closes job's circuit. Used by the operator CLI.
func (b *Breaker) Reset(ctx context.Context, job string) error {
	job = strings.TrimSpace(job)
	unlock := b.lockJob(job)
	defer unlock()

	st := b.current(ctx, job)
	next := model.NewCircuitState(job)
	next.LastSuccess = st.LastSuccess
	next.LastFailure = st.LastFailure
	return b.commit(ctx, st, next)
}

// State returns the current view of job's circuit.
func (b *Breaker) State(ctx context.Context, job string) model.CircuitState {
	return b.current(ctx, strings.TrimSpace(job))
}

// States returns every circuit known to the store.
func (b *Breaker) States(ctx context.Context) ([]model.CircuitState, error) {
	return b.store.LoadCircuits(ctx)
}

// Sync replaces the cache with the store's records so writes from other
// processes (CLI reset, a bypass run) become visible.
func (b *Breaker) Sync(ctx context.Context) error {
	all, err := b.store.LoadCircuits(ctx)
	if err != nil {
		b.log.Warn("circuit sync failed", logx.Err(err))
		return err
	}
	fresh := make(map[string]model.CircuitState, len(all))
	for _, st := range all {
		fresh[st.Job] = st
	}
	b.mu.Lock()
	for job, old := range b.states {
		if st, ok := fresh[job]; ok && st.State != old.State {
			b.log.Debug("circuit changed externally", logx.Job(job),
				logx.String("from", string(old.State)), logx.String("to", string(st.State)))
		}
	}
	b.states = fresh
	b.mu.Unlock()
	return nil
}

// truncate cuts s to at most n bytes on a rune boundary. Invalid UTF-8 is
// replaced so the value survives a JSON round trip unchanged.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "?")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
