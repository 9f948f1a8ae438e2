package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/utils"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Change the display name of a registered identity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runLabel(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

func runLabel(id, name string) error {
	ids, err := openIdentities(Cfg, Logger)
	if err != nil {
		utils.ShowError("Failed to load identities", err, nil)
		return err
	}

	if err := ids.Rename(id, name); err != nil {
		utils.ShowError("Failed to label identity", err, nil)
		return err
	}
	if err := ids.Save(); err != nil {
		utils.ShowError("Failed to save identities", err, nil)
		return err
	}

	fmt.Printf("✅ Identity %s labeled as '%s'\n", id, name)
	return nil
}
