package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/utils"
)

var (
	attendanceLimit    int
	attendanceIdentity string
	attendanceSummary  bool
)

var attendanceCmd = &cobra.Command{
	Use:   "attendance",
	Short: "Show recorded attendance events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runAttendance(cmd.Context())
	},
}

func init() {
	attendanceCmd.Flags().IntVarP(&attendanceLimit, "limit", "l", 50, "Maximum number of events to show")
	attendanceCmd.Flags().StringVarP(&attendanceIdentity, "identity", "I", "", "Only show events of this identity")
	attendanceCmd.Flags().BoolVarP(&attendanceSummary, "summary", "S", false, "Show one line per identity instead of individual events")
	rootCmd.AddCommand(attendanceCmd)
}

func runAttendance(ctx context.Context) error {
	if DB == nil {
		utils.ShowError("Attendance history needs a database", errNoDatabase, nil)
		return errNoDatabase
	}
	if attendanceLimit < 1 {
		return fmt.Errorf("limit must be >= 1, got %d", attendanceLimit)
	}

	if attendanceSummary {
		rows, err := DB.Summarize(ctx)
		if err != nil {
			utils.ShowError("Failed to summarize attendance", err, nil)
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No attendance recorded.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tEVENTS\tFIRST SEEN\tLAST SEEN")
		fmt.Fprintln(w, "--\t----\t------\t----------\t---------")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.IdentityID, r.Name, r.Count,
				r.FirstSeen.Local().Format("2006-01-02 15:04"),
				r.LastSeen.Local().Format("2006-01-02 15:04"))
		}
		w.Flush()
		return nil
	}

	var (
		events []attendance.Event
		err    error
	)
	if attendanceIdentity != "" {
		events, err = DB.ListByIdentity(ctx, attendanceIdentity, attendanceLimit)
	} else {
		events, err = DB.ListRecent(ctx, attendanceLimit)
	}
	if err != nil {
		utils.ShowError("Failed to list attendance", err, nil)
		return err
	}
	if len(events) == 0 {
		fmt.Println("No attendance recorded.")
		return nil
	}
	printEvents(os.Stdout, events)
	return nil
}
