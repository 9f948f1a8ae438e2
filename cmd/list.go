package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/utils"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList() error {
	ids, err := openIdentities(Cfg, Logger)
	if err != nil {
		utils.ShowError("Failed to load identities", err, nil)
		return err
	}

	identities := ids.List()
	if len(identities) == 0 {
		fmt.Println("No identities registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tEMBEDDINGS")
	fmt.Fprintln(w, "--\t----\t----------")
	for _, id := range identities {
		fmt.Fprintf(w, "%s\t%s\t%d\n", id.ID, id.Name, id.EmbeddingCount)
	}
	w.Flush()

	stats := ids.Stats()
	fmt.Printf("\n%d identities, %d embeddings\n", stats.Identities, stats.Embeddings)
	return nil
}
