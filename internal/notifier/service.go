package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"jobwarden/internal/eventbus"
	rtsup "jobwarden/internal/runtime/supervisor"
	logx "jobwarden/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type job struct {
	a Alert
	// dedupKey is computed at enqueue time.
	dedupKey string
}

// Service implements an async alert pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	sinks []Sink
	bus   eventbus.Bus
	now   func() time.Time

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, sinks ...Sink) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		sinks: sinks,
		now:   time.Now,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Sinks lists configured sink names.
func (s *Service) Sinks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sinks))
	for _, k := range s.sinks {
		out = append(out, k.Name())
	}
	return out
}

// Apply swaps config; workers pick it up on their next send.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("notifier worker exited unexpectedly")
		}, 250*time.Millisecond, 5*time.Second)
	}
}

// Stop stops intake and drains the queue best-effort until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// In-flight enqueues finish before the queue closes.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Stop(context.Background())
	}
}

// SendAlert queues an alert and returns at once. Queue errors are logged.
func (s *Service) SendAlert(sev Severity, message string, fields map[string]any) {
	err := s.Notify(context.Background(), Alert{Severity: sev, Message: message, Fields: fields})
	if err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("alert not queued",
			logx.String("severity", string(sev)),
			logx.String("message", message),
			logx.Err(err))
	}
}

// Notify queues a, or returns why it could not. Suppressed duplicates and
// alerts below MinSeverity return nil.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.At.IsZero() {
		a.At = s.now()
	}
	if a.Severity == "" {
		a.Severity = SeverityInfo
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if a.Severity.rank() < s.cfg.MinSeverity.rank() {
		s.mu.Unlock()
		return nil
	}
	q := s.queue
	window := s.cfg.DedupWindow
	max := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(a)
	if window > 0 && !s.dedupAllow(key, window, max) {
		s.publish(TypeDeduped, Event{Severity: a.Severity, Key: key, At: a.At})
		return nil
	}

	select {
	case q <- job{a: a, dedupKey: key}:
		s.publish(TypeQueued, Event{Severity: a.Severity, Key: key, At: a.At})
		return nil
	default:
		s.publish(TypeDropped, Event{Severity: a.Severity, Key: key, At: a.At, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, ev Event) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// History returns delivered alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(a Alert, sink string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), Severity: a.Severity, Text: a.Message, Sink: sink})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends j to every sink. Sinks fail independently.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	for _, sink := range sinks {
		s.sendWithRetry(ctx, cfg, lim, sink, j)
	}
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, sink Sink, j job) {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sink.Send(callCtx, j.a)
		cancel()
		if err == nil {
			s.appendHistory(j.a, sink.Name())
			s.publish(TypeSent, Event{Sink: sink.Name(), Severity: j.a.Severity, Key: j.dedupKey, At: s.now()})
			return
		}
		lastErr = err
		s.log.Debug("alert send failed",
			logx.String("sink", sink.Name()),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err))
		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert delivery failed", logx.String("sink", sink.Name()), logx.Err(lastErr))
	s.publish(TypeFailed, Event{Sink: sink.Name(), Severity: j.a.Severity, Key: j.dedupKey, At: s.now(), Error: lastErr.Error()})
}

// Format renders an alert as one line of text: prefix, message, sorted fields.
func Format(a Alert) string {
	var b strings.Builder
	b.WriteString(prefixForSeverity(a.Severity))
	b.WriteString(a.Message)
	if len(a.Fields) > 0 {
		keys := make([]string, 0, len(a.Fields))
		for k := range a.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %v", k, a.Fields[k])
		}
	}
	return b.String()
}

func prefixForSeverity(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨 "
	case SeverityWarning:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

// dedupKey hashes severity and message; fields are excluded so repeated
// failures with changing durations still collapse.
func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Severity))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(a.Message))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Evict the earliest expiries until within cap.
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (l LogSink) Send(_ context.Context, a Alert) error {
	fields := []logx.Field{logx.String("severity", string(a.Severity))}
	for k, v := range a.Fields {
		fields = append(fields, logx.Any(k, v))
	}
	switch a.Severity {
	case SeverityCritical:
		l.Log.Error(a.Message, fields...)
	case SeverityWarning:
		l.Log.Warn(a.Message, fields...)
	default:
		l.Log.Info(a.Message, fields...)
	}
	return nil
}
