package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/utils"
)

var removeCmd = &cobra.Command{
	Use:   "remove <identity_id>",
	Short: "Delete a registered identity and all its embeddings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRemove(args[0])
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}

func runRemove(id string) error {
	ids, err := openIdentities(Cfg, Logger)
	if err != nil {
		utils.ShowError("Failed to load identities", err, nil)
		return err
	}

	if err := ids.Remove(id); err != nil {
		utils.ShowError("Failed to remove identity", err, nil)
		return err
	}
	if err := ids.Save(); err != nil {
		utils.ShowError("Failed to save identities", err, nil)
		return err
	}

	fmt.Printf("🗑️  Identity %s removed\n", id)
	return nil
}
