package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"jobwarden/internal/app"
	"jobwarden/internal/config"
	"jobwarden/internal/jobs"
	"jobwarden/internal/model"
	"jobwarden/internal/task/engine"
	logx "jobwarden/pkg/logx"

	"github.com/spf13/cobra"
)

// open wires the components for a one-shot command against the configured
// store. Configured jobs are upserted so the view matches the daemon's.
func open(ctx context.Context) (*app.Components, func(), error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	log := logx.NewConsole(cfg.Logging.Level)
	c, err := app.Build(ctx, cfg, nil, log, nil)
	if err != nil {
		return nil, nil, err
	}
	if err := c.SeedJobs(ctx, cfg, log); err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List job health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, closeFn, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			list, err := c.Jobs.ListJobs(ctx)
			if err != nil {
				return err
			}
			circuits := map[string]model.CircuitState{}
			states, err := c.Breaker.States(ctx)
			if err != nil {
				return err
			}
			for _, st := range states {
				circuits[st.Job] = st
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCLASS\tENABLED\tCIRCUIT\tFAILURES\tRUNS\tOK/24H\tAVG\tLAST RUN\tNEXT RUN")
			for _, j := range list {
				st, ok := circuits[j.Name]
				if !ok {
					st = model.NewCircuitState(j.Name)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%d\t%d\t%d/%d\t%s\t%s\t%s\n",
					j.Name, j.Class, j.Active(), st.State, st.Failures, j.ExecutionCount,
					j.Stats24h.Successes, j.Stats24h.Executions, j.Stats24h.AvgDuration.Round(time.Millisecond),
					stamp(j.LastRunAt), stamp(j.NextScheduledRun))
			}
			return w.Flush()
		},
	}
}

func circuitCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "circuit", Short: "Inspect or reset circuit breakers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset <job>",
		Short: "Force a job's circuit closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, closeFn, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			if _, err := c.Jobs.GetJob(ctx, args[0]); err != nil {
				return err
			}
			if err := c.Breaker.Reset(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "circuit %s closed\n", args[0])
			return nil
		},
	})
	return cmd
}

func runCmd() *cobra.Command {
	var eo jobs.ExecOptions
	cmd := &cobra.Command{
		Use:   "run <job>",
		Short: "Execute a job once, now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, closeFn, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			c.Notifier.Start(ctx)
			eo.Trigger = "cli"
			out, err := c.Jobs.ExecuteJob(ctx, args[0], eo)
			if err != nil {
				return err
			}
			// Let queued alerts reach their sinks before the process exits.
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			c.Notifier.Stop(stopCtx)
			cancel()

			printOutcome(cmd.OutOrStdout(), out)
			if !out.Succeeded() {
				return exitError(2)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&eo.BypassBreaker, "bypass-breaker", false, "run even if the circuit is open")
	cmd.Flags().BoolVar(&eo.BypassBalancer, "bypass-balancer", false, "skip the admission check")
	return cmd
}

func printOutcome(w io.Writer, out engine.Outcome) {
	fmt.Fprintf(w, "%s: %s", out.Job, out.Disposition)
	if out.Reason != "" {
		fmt.Fprintf(w, " (%s)", out.Reason)
	}
	fmt.Fprintln(w)
	if r := out.Record; r != nil {
		fmt.Fprintf(w, "status=%s attempts=%d exit=%d duration=%s peak_mem=%.1fMB peak_cpu=%.1f%%\n",
			r.Status, r.Attempt, r.ExitCode, r.Duration.Round(time.Millisecond), r.PeakMemMB, r.PeakCPU)
		if r.Error != "" {
			fmt.Fprintln(w, "error:", r.Error)
		}
		if out := strings.TrimSpace(r.Output); out != "" {
			fmt.Fprintln(w, out)
		}
	}
}

func slotsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slots",
		Short: "Dump the current execution slot limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, closeFn, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SLOT\tRUNNING\tMAX\tMAX MEM MB\tMAX CPU %\tTIER\tUPDATED")
			for _, s := range c.Balancer.Slots() {
				fmt.Fprintf(w, "%s\t%d\t%d\t%.0f\t%.0f\t%s\t%s\n",
					s.Name, s.Running, s.Limits.MaxConcurrent, s.Limits.MaxMemoryMB, s.Limits.MaxCPUPercent,
					s.Tier, stamp(s.UpdatedAt))
			}
			if o, ok := c.Balancer.ActiveOverride(); ok {
				fmt.Fprintf(w, "override: %s until %s\n", o.Source, stamp(o.Expires))
			}
			return w.Flush()
		},
	}
}

func historyCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history <job>",
		Short: "Replay the last N execution records for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, closeFn, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			recs, err := c.Jobs.History(ctx, args[0], n)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tSTATUS\tATTEMPT\tEXIT\tDURATION\tPEAK MEM MB\tERROR")
			for _, r := range recs {
				status := string(r.Status)
				if r.Retried {
					status += " (retried)"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%.1f\t%s\n",
					stamp(r.StartedAt), status, r.Attempt, r.ExitCode, r.Duration.Round(time.Millisecond), r.PeakMemMB, r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&n, "number", "n", 20, "number of records")
	return cmd
}

func scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Dump the minute dispatch table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, closeFn, err := open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			t := c.Jobs.Table()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MINUTE\tJOBS")
			for m, entries := range t.Minutes {
				if len(entries) == 0 {
					continue
				}
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					names = append(names, fmt.Sprintf("%s(%s)", e.Job, e.Class))
				}
				fmt.Fprintf(w, ":%02d\t%s\n", m, strings.Join(names, " "))
			}

			list, err := c.Jobs.ListJobs(ctx)
			if err != nil {
				return err
			}
			var specs []string
			for _, j := range list {
				if _, ok := t.Spec(j.Name); ok {
					specs = append(specs, fmt.Sprintf("%s\t%s\t%s", j.Name, j.Schedule.Spec, stamp(j.NextScheduledRun)))
				}
			}
			if len(specs) > 0 {
				sort.Strings(specs)
				fmt.Fprintln(w, "\nSPEC JOB\tSPEC\tNEXT RUN")
				for _, s := range specs {
					fmt.Fprintln(w, s)
				}
			}
			if len(t.Overflow) > 0 {
				fmt.Fprintf(w, "\nheavy overflow: %s\n", strings.Join(t.Overflow, ", "))
			}
			return w.Flush()
		},
	}
}

func sampleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sample",
		Short: "Take one resource snapshot and evaluate use cases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			c, err := app.Build(ctx, cfg, nil, logx.NewConsole(cfg.Logging.Level), nil)
			if err != nil {
				return err
			}
			defer c.Close()

			snap := c.Monitor.Sample(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Snapshot any `json:"snapshot"`
				UseCases any `json:"use_cases"`
			}{snap, c.UseCases.Evaluate()})
		},
	}
}

