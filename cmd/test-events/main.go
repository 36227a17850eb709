// Command test-events drives a running service with a generated session of
// encounters and checks the totals it reports.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/healstats/internal/testevents"
	"github.com/spf13/cobra"
)

// defaultTestTimeout bounds a whole run.
const defaultTestTimeout = 10 * time.Minute

// options holds the flags that are not part of testevents.Config.
type options struct {
	LogFile string
	JSON    bool
	Timeout time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Stderr.WriteString("test-events: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := testevents.NewConfig()
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "test-events",
		Short: "Generate, perturb and verify a session of encounters",
		Long: `Generate a session of encounters (start marker, heals and hits with
crits, downs, end marker), shuffle it within a span and re-send some events,
post it to /events and verify the totals reported by /results.

The shuffle span must not exceed the service's reorder window.

Example:
  test-events --url http://localhost:9080
  test-events --encounters 20 --events 1000 --span 32 --dup-rate 0.1 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			closer, err := testevents.SetupLogging(opts.LogFile, opts.JSON)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
			defer cancel()

			if _, err := testevents.Run(ctx, cfg); err != nil {
				return fmt.Errorf("test failed: %w", err)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "url", cfg.BaseURL, "base URL of the service")
	f.IntVar(&cfg.Encounters, "encounters", cfg.Encounters, "number of encounters in the session")
	f.IntVar(&cfg.EventsPer, "events", cfg.EventsPer, "combat events per encounter")
	f.IntVar(&cfg.Agents, "agents", cfg.Agents, "agents per team")
	f.IntVar(&cfg.ShuffleSpan, "span", cfg.ShuffleSpan, "events are shuffled within blocks of this size")
	f.Float64Var(&cfg.DuplicateRate, "dup-rate", cfg.DuplicateRate, "probability of re-sending an event")
	f.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "events per request")
	f.Uint64Var(&cfg.SeqBase, "seq-base", 0, "first sequence number (default: derived from the clock)")
	f.Uint64Var(&cfg.Seed, "seed", 0, "generator seed (default: random)")
	f.DurationVar(&cfg.Timeout, "http-timeout", cfg.Timeout, "HTTP request timeout")
	f.DurationVar(&cfg.SettleTimeout, "settle", cfg.SettleTimeout, "how long to wait for results")
	f.StringVar(&cfg.OutputFile, "output", "", "write the sent events to this file")
	f.BoolVar(&cfg.Verbose, "verbose", false, "log every mismatch")
	f.StringVar(&opts.LogFile, "log", "", "also write logs to this file")
	f.BoolVar(&opts.JSON, "json", false, "log in JSON")
	f.DurationVar(&opts.Timeout, "timeout", defaultTestTimeout, "overall test timeout")

	return cmd
}
