package model

import (
	"testing"
	"time"
)

func TestClassDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		class    ResourceClass
		attempts int
		slot     SlotName
	}{
		{ClassCritical, 3, SlotDefault},
		{ClassHeavy, 2, SlotHeavy},
		{ClassMedium, 2, SlotDefault},
		{ClassLight, 1, SlotLight},
	}
	for _, tt := range tests {
		if got := tt.class.MaxAttempts(); got != tt.attempts {
			t.Fatalf("%s attempts = %d, want %d", tt.class, got, tt.attempts)
		}
		if got := tt.class.Slot(); got != tt.slot {
			t.Fatalf("%s slot = %s, want %s", tt.class, got, tt.slot)
		}
	}
}

func TestJobValidate(t *testing.T) {
	t.Parallel()
	ok := JobDefinition{Name: "backup", Script: "backup.sh", Class: ClassHeavy, Schedule: Schedule{Spec: "@hourly"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	bad := []JobDefinition{
		{Script: "x.sh", Schedule: Schedule{Spec: "@hourly"}},
		{Name: "../etc", Script: "x.sh", Schedule: Schedule{Spec: "@hourly"}},
		{Name: "a", Schedule: Schedule{Spec: "@hourly"}},
		{Name: "a", Script: "x.sh"},
		{Name: "a", Script: "x.sh", Class: "huge", Schedule: Schedule{Spec: "@hourly"}},
		{Name: "a", Script: "x.sh", Schedule: Schedule{Frequency: "every_7_minutes"}},
	}
	for i, j := range bad {
		if err := j.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestRetryOverride(t *testing.T) {
	t.Parallel()
	j := JobDefinition{Class: ClassLight}
	if j.Attempts() != 1 {
		t.Fatalf("light default attempts = %d", j.Attempts())
	}
	j.Retry.MaxAttempts = 4
	if j.Attempts() != 4 {
		t.Fatalf("override attempts = %d", j.Attempts())
	}
}

func TestCircuitStateEqualIgnoresMonotonic(t *testing.T) {
	t.Parallel()
	now := time.Now()
	a := CircuitState{Job: "j", State: CircuitClosed, Failures: 3, LastError: "x", LastFailure: now}
	b := a
	b.LastFailure = now.Round(0)
	if !a.Equal(b) {
		t.Fatal("states differing only by monotonic reading should be equal")
	}
	b.Failures = 4
	if a.Equal(b) {
		t.Fatal("failures mismatch should not be equal")
	}
}

func TestStatsSuccessRate(t *testing.T) {
	t.Parallel()
	if (Stats{}).SuccessRate() != 100 {
		t.Fatal("empty stats should report 100")
	}
	s := Stats{Executions: 4, Successes: 3}
	if s.SuccessRate() != 75 {
		t.Fatalf("rate = %v", s.SuccessRate())
	}
}
