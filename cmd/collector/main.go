// Command collector runs the reference collection service that relay
// clients deliver finalized encounter results to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/okian/healstats/internal/adapters/collector"
	"github.com/okian/healstats/internal/adapters/relay/wire"
	"github.com/okian/healstats/internal/config"
	"github.com/okian/healstats/pkg/logger"
	"github.com/spf13/cobra"
)

// options holds the command line flags.
type options struct {
	Addr       string
	MinVersion int
	MaxVersion int
	DedupeSize int
	LogLevel   string
	Format     string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Stderr.WriteString("collector: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	// Flags default to the layered configuration (defaults, HEALSTATS_CONFIG
	// file, HEALSTATS_* env) so command line values win over all of it.
	defaults, loadErr := config.Load(context.Background())
	if loadErr != nil {
		defaults = config.New()
	}
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Reference collector for relayed encounter results",
		Long: `Accept relay connections, negotiate the protocol version and acknowledge
every result frame. Redelivered results are acknowledged without being
handled twice.

Example:
  collector --addr :9090
  collector --addr 127.0.0.1:9090 --format json --log-level debug`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return fmt.Errorf("load config: %w", loadErr)
			}
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			if opts.MinVersion < 1 || opts.MaxVersion < opts.MinVersion {
				return fmt.Errorf("invalid version range %d-%d", opts.MinVersion, opts.MaxVersion)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", defaults.CollectorAddr, "listen address")
	cmd.Flags().IntVar(&opts.MinVersion, "min-version", wire.MinVersion, "lowest protocol version accepted")
	cmd.Flags().IntVar(&opts.MaxVersion, "max-version", wire.CurrentVersion, "highest protocol version accepted")
	cmd.Flags().IntVar(&opts.DedupeSize, "dedupe-size", 10_000, "number of result keys remembered for redelivery detection")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", defaults.LogLevel, "log level (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.Format, "format", defaults.LogFormat, "log format (text|json)")

	return cmd
}

func run(ctx context.Context, opts *options) error {
	if err := logger.Init(logger.WithJSON(opts.Format == "json")); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	if err := logger.SetLevelString(opts.LogLevel); err != nil {
		return err
	}
	log := logger.Named("collector")

	srv := collector.New(
		collector.WithLogger(log),
		collector.WithVersions(opts.MinVersion, opts.MaxVersion),
		collector.WithDedupeSize(opts.DedupeSize),
		collector.WithHandler(logHandler(log)),
	)
	return srv.ListenAndServe(ctx, opts.Addr)
}

// logHandler reports every delivered result.
func logHandler(log logger.Logger) collector.Handler {
	return collector.HandlerFunc(func(ctx context.Context, msg *wire.ResultMessage) error {
		var total int64
		for _, row := range msg.Rows {
			total += row.Sum
		}
		log.Info(ctx, "result received",
			logger.Op("handle"),
			logger.String("encounter_id", msg.EncounterID),
			logger.Bool("truncated", msg.Truncated),
			logger.Int("participants", len(msg.Participants)),
			logger.Int("rows", len(msg.Rows)),
			logger.Int64("total", total),
			logger.Int64("duration_ms", msg.EndUnixMs-msg.StartUnixMs),
		)
		return nil
	})
}
