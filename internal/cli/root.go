// Package cli provides the command-line interface for mailshard.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/halvard-dev/mailshard/internal/config"
	"github.com/halvard-dev/mailshard/internal/ingest"
	"github.com/halvard-dev/mailshard/internal/notify"
	"github.com/halvard-dev/mailshard/internal/providers"
	"github.com/halvard-dev/mailshard/internal/shard"
	"github.com/halvard-dev/mailshard/internal/summarize"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	cfg config.Config
	log zerolog.Logger
	mgr *ingest.Manager
	pub *notify.Publisher
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mailshard",
	Short: "Mailbox ingestion and sharding pipeline",
	Long: `Mailshard pulls new mail from a connected mailbox into month-labeled
SQLite shards, deduplicates by message id and content fingerprint, and
optionally summarizes each ingested batch with a local model.

Run configs live under the base path (MAILSHARD_BASE_PATH), one
directory per run id holding the config document, shards, summaries
and run reports.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		log = cfg.SetupLogger()

		sources, err := providers.NewSessionFactory(cfg, log)
		if err != nil {
			return fmt.Errorf("configure mail source: %w", err)
		}

		var publisher ingest.RunPublisher
		if cfg.NATSUrl != "" {
			pub, err = notify.NewPublisher(cfg.NATSUrl)
			if err != nil {
				return fmt.Errorf("connect to NATS: %w", err)
			}
			publisher = pub
		}

		engineFor := func(ctx context.Context, model string) ingest.Summarizer {
			return summarize.NewEngine(ctx, cfg.OllamaHost, model, cfg.SummarizeTimeout, log)
		}

		mgr = ingest.NewManager(
			ingest.NewConfigStore(cfg.BasePath, log),
			sources,
			engineFor,
			summarize.NewInspector(cfg.OllamaHost, log, cfg.DefaultModel),
			shard.OpenWriter,
			publisher,
			log,
			ingest.Options{
				SessionTimeout:   cfg.SessionTimeout,
				SummarizeTimeout: cfg.SummarizeTimeout,
			},
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if pub != nil {
			pub.Close()
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(configsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(foldersCmd)
	rootCmd.AddCommand(depsCmd)
	rootCmd.AddCommand(searchCmd)
}
