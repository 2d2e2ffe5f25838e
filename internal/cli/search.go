package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/halvard-dev/mailshard/internal/shard"
)

var (
	searchLabel string
	searchLimit int
)

var searchCmd = &cobra.Command{
	Use:   "search <id> <query>",
	Short: "Full-text search over a run's shard",
	Long: `Search subjects, bodies and summaries of one shard through the
full-text mirror.

Examples:
  mailshard search work-inbox "quarterly forecast"
  mailshard search work-inbox invoice --label 2026-07 --limit 5`,
	Args: cobra.ExactArgs(2),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().StringVar(&searchLabel, "label", "", "shard label (YYYY-MM), default the config's next shard")
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 20, "max results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	rc, err := mgr.LoadConfig(args[0])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	path := rc.ShardFile(time.Now())
	if searchLabel != "" {
		path = filepath.Join(rc.ShardDir, searchLabel+".sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("shard %s does not exist", path)
	}

	st, err := shard.Open(path, rc.RunID)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer st.Close()

	hits, err := st.Search(context.Background(), args[1], searchLimit)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if len(hits) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Printf("Found %d results in %s:\n\n", len(hits), filepath.Base(path))
	for i, hit := range hits {
		fmt.Printf("%d. %s  (%s, %s)\n", i+1, hit.Subject, hit.Sender, hit.ReceivedTime)
		if hit.Snippet != "" {
			fmt.Printf("   %s\n", hit.Snippet)
		}
		fmt.Println()
	}
	return nil
}
