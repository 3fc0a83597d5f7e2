package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// maxDrainCycles bounds tick --drain so a task that keeps re-queueing work
// cannot loop forever.
const maxDrainCycles = 100

func newTickCmd() *cobra.Command {
	var drain, check bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Send one tick: enqueue a schedule check if one is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfgManager)
			if err != nil {
				return err
			}
			defer a.Close()

			if check {
				res, err := a.cycle.Run(ctx)
				if err != nil {
					return fmt.Errorf("schedule check: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued: %d skipped: %d failed: %d\n", res.Enqueued, res.Skipped, res.Failed)
			} else {
				enqueued := a.ticker.Handle(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "schedule check enqueued: %t\n", enqueued)
			}
			if !drain {
				return nil
			}

			total := 0
			for i := 0; i < maxDrainCycles; i++ {
				n, err := a.runner.RunOnce(ctx)
				if err != nil {
					return fmt.Errorf("run queue: %w", err)
				}
				a.runner.Wait()
				if n == 0 {
					break
				}
				total += n
			}
			if err := a.runner.Release(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "items executed: %d\n", total)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Run the schedule check now instead of enqueueing it")
	cmd.Flags().BoolVar(&drain, "drain", false, "Also run ready queue items until none is left")
	return cmd
}
