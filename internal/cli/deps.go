package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var depsInstall bool

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Check the optional summarization runtime",
	Long: `Check whether the summarization runtime and model are available.
With --install, pull whatever is missing.`,
	RunE: runDeps,
}

func init() {
	depsCmd.Flags().BoolVar(&depsInstall, "install", false, "install missing packages")
}

func runDeps(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	rep := mgr.DependencyReport(ctx)
	if rep.Available {
		fmt.Println("Summarization dependencies are available.")
		return nil
	}

	fmt.Printf("Missing: %s\n", strings.Join(rep.Missing, ", "))
	if len(rep.InstallCommand) > 0 {
		fmt.Printf("Install command: %s\n", strings.Join(rep.InstallCommand, " "))
	}

	if !depsInstall {
		return nil
	}

	fmt.Println()
	code, err := mgr.InstallDependencies(ctx, rep.Missing, func(line string) {
		fmt.Println(line)
	})
	if err != nil {
		return fmt.Errorf("install (exit %d): %w", code, err)
	}
	fmt.Println("Install complete.")
	return nil
}
