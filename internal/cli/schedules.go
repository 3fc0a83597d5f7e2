package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSchedulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List schedules with their next run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfgManager)
			if err != nil {
				return err
			}
			defer a.Close()

			schedules, err := a.store.ListSchedules(ctx)
			if err != nil {
				return fmt.Errorf("list schedules: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(schedules) == 0 {
				fmt.Fprintln(out, "No schedules found.")
				return nil
			}
			fmt.Fprintf(out, "%-40s  %-8s  %-9s  %-12s  %s\n", "ID", "KIND", "RECURRING", "TASK", "NEXT RUN")
			fmt.Fprintf(out, "%-40s  %-8s  %-9s  %-12s  %s\n", "--", "----", "---------", "----", "--------")
			for _, sch := range schedules {
				fmt.Fprintf(out, "%-40s  %-8s  %-9t  %-12s  %s\n",
					sch.ID, sch.Kind(), sch.Recurring, sch.Task.Type, sch.NextSchedule.Format(time.RFC3339))
			}
			return nil
		},
	}
}
