package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory lifecycle signal. The metrics exporter and the
// notifier consume these so the engine never imports either.
//
// Publish never blocks; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types.
const (
	TypeExecutionFinished = "execution.finished" // Data: ExecutionFinished
	TypeAdmissionDenied   = "admission.denied"   // Data: AdmissionDenied
	TypeCircuitChanged    = "circuit.changed"    // Data: CircuitChanged
	TypeTierChanged       = "resource.tier"      // Data: TierChanged
	TypeSnapshot          = "monitor.snapshot"   // Data: Snapshot
	TypeAnomaly           = "job.anomaly"        // Data: Anomaly
)

type ExecutionFinished struct {
	Job      string
	Status   string
	Attempts int
	Duration time.Duration
}

type AdmissionDenied struct {
	Job    string
	Reason string
}

type CircuitChanged struct {
	Job      string
	From, To string
}

type TierChanged struct {
	From, To string
	Score    float64
}

type Snapshot struct {
	OverallLoad float64
	CPU         float64
	Memory      float64
	Tier        string
}

type Anomaly struct {
	Job    string
	Metric string
	Value  float64
	Base   float64
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes concurrent Publish sends.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
