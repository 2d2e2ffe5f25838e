package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var foldersProfile string

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List folders available in the mail source",
	RunE:  runFolders,
}

func init() {
	foldersCmd.Flags().StringVar(&foldersProfile, "profile", "", "mailbox profile name")
}

func runFolders(cmd *cobra.Command, args []string) error {
	folders, err := mgr.ListFolders(context.Background(), foldersProfile, func(msg string) {
		fmt.Println(msg)
	})
	if err != nil {
		return fmt.Errorf("list folders: %w", err)
	}

	if len(folders) == 0 {
		fmt.Println("No folders found.")
		return nil
	}

	fmt.Printf("Folders (%d):\n\n", len(folders))
	for _, f := range folders {
		fmt.Printf("- %s\n", f)
	}
	return nil
}
