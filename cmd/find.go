package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var findHistory int

var findCmd = &cobra.Command{
	Use:   "find <image_path>",
	Short: "Identify the person in a photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runFind(cmd.Context(), args[0])
	},
}

func init() {
	findCmd.Flags().IntVarP(&findHistory, "history", "H", 10, "Number of recorded attendance events to show for the match (needs a database)")
	rootCmd.AddCommand(findCmd)
}

func runFind(ctx context.Context, imagePath string) error {
	img, err := loadImage(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	p, closeEngine, err := newPipeline(ctx)
	if err != nil {
		utils.ShowError("Pipeline startup failed", err, nil)
		return err
	}
	defer closeEngine()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	m, err := p.Identify(ctx, img)
	if err != nil {
		utils.ShowError("Identification failed", err, nil)
		return err
	}

	if !m.Accepted {
		fmt.Printf("❌ No match found (best similarity %.3f, threshold %.2f).\n", m.Similarity, Cfg.Recognition.Threshold)
		return nil
	}
	fmt.Printf("✅ Found Match: %s (ID: %s, similarity %.3f)\n", m.Name, m.IdentityID, m.Similarity)

	if DB == nil || findHistory <= 0 {
		return nil
	}
	events, err := DB.ListByIdentity(ctx, m.IdentityID, findHistory)
	if err != nil {
		utils.ShowError("Failed to retrieve history", err, nil)
		return err
	}
	if len(events) == 0 {
		fmt.Println("No recorded attendance found.")
		return nil
	}
	printEvents(os.Stdout, events)
	return nil
}

func printEvents(out io.Writer, events []attendance.Event) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nTIME\tID\tNAME\tCONFIDENCE\tLIVENESS\tSOURCE")
	fmt.Fprintln(w, "----\t--\t----\t----------\t--------\t------")
	for _, e := range events {
		source := e.Source
		if len(source) > 12 {
			source = source[:12]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%.3f\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.IdentityID, e.Name, e.Confidence, e.Liveness, source)
	}
	w.Flush()
}
