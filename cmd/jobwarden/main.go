package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobwarden/internal/app"

	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "jobwarden",
		Short:         "Resource-aware scheduler for maintenance scripts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./jobwarden.yaml", "path to config yaml/json")

	root.AddCommand(
		daemonCmd(),
		jobsCmd(),
		circuitCmd(),
		runCmd(),
		slotsCmd(),
		historyCmd(),
		scheduleCmd(),
		sampleCmd(),
	)

	if err := root.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// exitError carries a non-zero exit status without printing an error.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.NewApp(ctx, cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
				defer c()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopUnknown
			select {
			case s := <-sigs:
				reason = app.StopSIGTERM
				if s == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, c := context.WithTimeout(context.Background(), 45*time.Second)
			defer c()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}
