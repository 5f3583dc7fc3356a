package notifier

import (
	"context"
	"time"
)

// Severity orders alerts. Unknown values sort as info.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Alert is one operator message.
type Alert struct {
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

// Sink delivers an alert to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      float64
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	// MinSeverity drops alerts below it before queueing.
	MinSeverity Severity
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Severity Severity  `json:"severity"`
	Text     string    `json:"text"`
	Sink     string    `json:"sink"`
}

// Event is published on the event bus for notifier lifecycle events.
type Event struct {
	Sink     string    `json:"sink,omitempty"`
	Severity Severity  `json:"severity"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

const (
	TypeQueued  = "notifier.queued"
	TypeDeduped = "notifier.deduped"
	TypeDropped = "notifier.dropped"
	TypeSent    = "notifier.sent"
	TypeFailed  = "notifier.failed"
)
