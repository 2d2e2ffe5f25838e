package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run ingestion for a config now",
	Long: `Run ingestion for a config: pull new messages since the checkpoint,
write them into the target shard and, when enabled, summarize the batch.

The first interrupt requests cooperative cancellation; the run stops at
the next folder or batch boundary. A second interrupt exits immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	rc, err := mgr.LoadConfig(args[0])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCancellation requested; stopping at the next boundary...")
		mgr.CancelCurrentRun()
		<-sigCh
		fmt.Println("\nExiting without waiting for the run to stop.")
		os.Exit(1)
	}()

	res, err := mgr.RunNow(context.Background(), rc, func(msg string) {
		fmt.Println(msg)
	})
	if err != nil {
		return fmt.Errorf("run %s: %w", rc.RunID, err)
	}

	fmt.Println()
	if res.Cancelled {
		fmt.Println("Run was cancelled.")
	}
	fmt.Printf("Inserted %d, summarized %d into %s\n", res.Inserted, res.Summarized, res.ShardPath)
	if res.SummaryPath != "" {
		fmt.Printf("Summary document: %s\n", res.SummaryPath)
	}
	if res.ReportPath != "" {
		fmt.Printf("Run report: %s\n", res.ReportPath)
	}
	if res.BriefSummary != "" {
		fmt.Printf("\n%s\n", res.BriefSummary)
	}
	return nil
}
