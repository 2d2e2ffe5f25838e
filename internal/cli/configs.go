package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	createFolders     []string
	createNoSummarize bool
	createSubfolders  bool
	createModel       string
	createProfile     string
	createDescription string
	createOverwrite   bool
)

var configsCmd = &cobra.Command{
	Use:   "configs",
	Short: "Manage run configs",
	Long: `Manage run configs under the base path.

Subcommands:
  list    List run configs (default)
  show    Print one config as YAML
  create  Create a config with the conventional layout

Examples:
  mailshard configs
  mailshard configs show work-inbox
  mailshard configs create work-inbox --folders Inbox,Archive --model llama3.2:1b`,
	RunE: runConfigsList,
}

var configsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List run configs",
	RunE:  runConfigsList,
}

var configsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one run config as YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigsShow,
}

var configsCreateCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a run config with the conventional layout",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigsCreate,
}

func init() {
	configsCreateCmd.Flags().StringSliceVar(&createFolders, "folders", nil, "restrict ingestion to these folders")
	configsCreateCmd.Flags().BoolVar(&createNoSummarize, "no-summarize", false, "skip summarization after ingest")
	configsCreateCmd.Flags().BoolVar(&createSubfolders, "subfolders", true, "descend into subfolders")
	configsCreateCmd.Flags().StringVar(&createModel, "model", "", "summarization model")
	configsCreateCmd.Flags().StringVar(&createProfile, "profile", "", "mailbox profile name")
	configsCreateCmd.Flags().StringVar(&createDescription, "description", "", "config description")
	configsCreateCmd.Flags().BoolVar(&createOverwrite, "overwrite", false, "replace an existing config")

	configsCmd.AddCommand(configsListCmd)
	configsCmd.AddCommand(configsShowCmd)
	configsCmd.AddCommand(configsCreateCmd)
}

func runConfigsList(cmd *cobra.Command, args []string) error {
	configs, err := mgr.Configs()
	if err != nil {
		return fmt.Errorf("list configs: %w", err)
	}

	if len(configs) == 0 {
		fmt.Println("No run configs found.")
		return nil
	}

	fmt.Printf("Run configs (%d):\n\n", len(configs))
	for _, rc := range configs {
		checkpoint := "never"
		if rc.LastIngested != nil {
			checkpoint = rc.LastIngested.Format(time.RFC3339)
		}
		fmt.Printf("- %s  last ingested: %s\n", rc.RunID, checkpoint)
		if rc.Description != "" {
			fmt.Printf("  %s\n", rc.Description)
		}
	}
	return nil
}

func runConfigsShow(cmd *cobra.Command, args []string) error {
	rc, err := mgr.LoadConfig(args[0])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	out, err := yaml.Marshal(rc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigsCreate(cmd *cobra.Command, args []string) error {
	runID := args[0]

	if _, err := mgr.LoadConfig(runID); err == nil && !createOverwrite {
		return fmt.Errorf("run config %q already exists (use --overwrite to replace it)", runID)
	}

	rc, err := mgr.CreateDefaultConfig(runID)
	if err != nil {
		return fmt.Errorf("create config: %w", err)
	}

	if len(createFolders) > 0 {
		rc.IncludeFolders = createFolders
	}
	if createNoSummarize {
		rc.SummarizeAfterIngest = false
	}
	if cmd.Flags().Changed("subfolders") {
		rc.IncludeSubfolders = createSubfolders
	}
	if createModel != "" {
		rc.Model = createModel
	}
	if createProfile != "" {
		rc.ProfileName = createProfile
	}
	if createDescription != "" {
		rc.Description = createDescription
	}
	rc.Overwrite = createOverwrite

	if err := mgr.SaveConfig(rc); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("Created run config %q\n", rc.RunID)
	fmt.Printf("  shards:    %s\n", rc.ShardDir)
	fmt.Printf("  summaries: %s\n", rc.SummariesDir)
	return nil
}
