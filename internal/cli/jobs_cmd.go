package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/luo-one/mailsync/internal/database/models"
	"github.com/luo-one/mailsync/internal/jobs"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job queue",
}

var (
	jobsStatus string
	jobsType   string
	jobsLimit  int
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := app.Jobs.List(cmd.Context(), jobs.Filter{
			Status: models.JobStatus(jobsStatus),
			Type:   jobsType,
			Limit:  jobsLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tACCOUNT\tSTATUS\tATTEMPTS\tRUN AT\tLAST ERROR")
		for _, j := range list {
			account := "-"
			if j.AccountID != nil {
				account = fmt.Sprint(*j.AccountID)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				j.ID, j.Type, account, j.Status, j.Attempts, j.MaxAttempts,
				j.RunAt.Local().Format(time.DateTime), truncate(j.LastError, 60))
		}
		return w.Flush()
	},
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count jobs per status and show schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := app.Jobs.Stats(cmd.Context())
		if err != nil {
			return err
		}
		for _, status := range []models.JobStatus{models.JobQueued, models.JobActive, models.JobCompleted, models.JobFailed} {
			fmt.Printf("%-10s %d\n", status, stats[status])
		}

		schedules, err := app.Jobs.Schedules(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range schedules {
			fmt.Printf("\nschedule %s: %s every %s, next at %s\n",
				s.Name, s.JobType, s.Interval, s.NextRunAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "queued, active, completed or failed")
	jobsListCmd.Flags().StringVar(&jobsType, "type", "", "sync_account, sync_all or periodic_sync")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum rows")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
}
