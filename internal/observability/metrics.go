// Package observability exposes Prometheus metrics, a health endpoint and
// optional pprof handlers over one HTTP listener.
package observability

import (
	"context"

	"jobwarden/internal/eventbus"
	"jobwarden/internal/model"
	"jobwarden/internal/notifier"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the scheduler collectors on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	Executions *prometheus.CounterVec
	Attempts   *prometheus.HistogramVec
	Duration   *prometheus.HistogramVec
	Denials    *prometheus.CounterVec
	Circuits   *prometheus.CounterVec
	Anomalies  *prometheus.CounterVec
	Alerts     *prometheus.CounterVec

	Load     *prometheus.GaugeVec
	Pressure prometheus.Gauge
	Tier     *prometheus.GaugeVec
	Slots    *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwarden_executions_total",
			Help: "Finished executions by job and status.",
		}, []string{"job", "status"}),
		Attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobwarden_execution_attempts",
			Help:    "Attempts used per execution.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}, []string{"job"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobwarden_execution_duration_seconds",
			Help:    "Wall time per execution across attempts.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68m
		}, []string{"job"}),
		Denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwarden_admission_denials_total",
			Help: "Load balancer denials by reason.",
		}, []string{"reason"}),
		Circuits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwarden_circuit_transitions_total",
			Help: "Circuit breaker transitions by target state.",
		}, []string{"job", "to"}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwarden_anomalies_total",
			Help: "Executions exceeding the baseline by metric.",
		}, []string{"job", "metric"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwarden_alerts_total",
			Help: "Notifier pipeline events by outcome.",
		}, []string{"outcome"}),
		Load: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobwarden_host_load_percent",
			Help: "Latest resource snapshot values.",
		}, []string{"metric"}),
		Pressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobwarden_pressure_score",
			Help: "Smoothed resource pressure score at the last tier change.",
		}),
		Tier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobwarden_strategy_tier",
			Help: "1 for the active resource strategy tier.",
		}, []string{"tier"}),
		Slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobwarden_slot_limit",
			Help: "Execution slot limits.",
		}, []string{"slot", "limit"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Executions, m.Attempts, m.Duration, m.Denials, m.Circuits, m.Anomalies, m.Alerts,
		m.Load, m.Pressure, m.Tier, m.Slots,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// SetSlots publishes the current slot limits.
func (m *Metrics) SetSlots(slots []model.ExecutionSlot) {
	for _, s := range slots {
		name := string(s.Name)
		m.Slots.WithLabelValues(name, "max_concurrent").Set(float64(s.Limits.MaxConcurrent))
		m.Slots.WithLabelValues(name, "max_memory_mb").Set(s.Limits.MaxMemoryMB)
		m.Slots.WithLabelValues(name, "max_cpu_percent").Set(s.Limits.MaxCPUPercent)
		m.Slots.WithLabelValues(name, "running").Set(float64(s.Running))
	}
}

// Observe folds one bus event into the collectors.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.ExecutionFinished:
		m.Executions.WithLabelValues(d.Job, d.Status).Inc()
		if d.Status != string(model.StatusSkipped) {
			m.Attempts.WithLabelValues(d.Job).Observe(float64(d.Attempts))
			m.Duration.WithLabelValues(d.Job).Observe(d.Duration.Seconds())
		}
	case eventbus.AdmissionDenied:
		m.Denials.WithLabelValues(d.Reason).Inc()
	case eventbus.CircuitChanged:
		m.Circuits.WithLabelValues(d.Job, d.To).Inc()
	case eventbus.Anomaly:
		m.Anomalies.WithLabelValues(d.Job, d.Metric).Inc()
	case eventbus.TierChanged:
		if d.From != "" {
			m.Tier.WithLabelValues(d.From).Set(0)
		}
		m.Tier.WithLabelValues(d.To).Set(1)
		m.Pressure.Set(d.Score)
	case eventbus.Snapshot:
		m.Load.WithLabelValues("overall").Set(d.OverallLoad)
		m.Load.WithLabelValues("cpu").Set(d.CPU)
		m.Load.WithLabelValues("memory").Set(d.Memory)
	case notifier.Event:
		m.Alerts.WithLabelValues(e.Type).Inc()
	}
}

// Consume observes bus events until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
