package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"jobwarden/internal/model"
	"jobwarden/internal/task/engine"
)

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	printOutcome(&buf, engine.Outcome{
		Job:         "backup",
		Disposition: engine.Executed,
		Record: &model.ExecutionRecord{
			Status:   model.StatusFailed,
			Attempt:  2,
			ExitCode: 3,
			Duration: 1500 * time.Millisecond,
			Error:    "exit status 3",
			Output:   "disk full\n",
		},
	})
	got := buf.String()
	for _, want := range []string{"backup: executed", "status=failed attempts=2 exit=3 duration=1.5s", "error: exit status 3", "disk full"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestExitErrorUnwraps(t *testing.T) {
	var exit exitError
	if !errors.As(fmt.Errorf("run: %w", exitError(2)), &exit) || exit != 2 {
		t.Fatalf("exit = %d", exit)
	}
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range []interface{ Name() string }{
		daemonCmd(), jobsCmd(), circuitCmd(), runCmd(), slotsCmd(), historyCmd(), scheduleCmd(), sampleCmd(),
	} {
		names[c.Name()] = true
	}
	for _, want := range []string{"daemon", "jobs", "circuit", "run", "slots", "history", "schedule", "sample"} {
		if !names[want] {
			t.Fatalf("missing command %q", want)
		}
	}
	if f := runCmd().Flags().Lookup("bypass-breaker"); f == nil || f.DefValue != "false" {
		t.Fatal("run --bypass-breaker flag missing")
	}
	if f := historyCmd().Flags().ShorthandLookup("n"); f == nil || f.DefValue != "20" {
		t.Fatal("history -n flag missing")
	}
}
