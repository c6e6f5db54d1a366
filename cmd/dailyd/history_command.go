package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var jobFlag string
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded job runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), jobFlag, limitFlag)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}

			loc := cfg.Location()
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				status := "ok"
				if r.Error != "" {
					status = r.Error
				}
				rows = append(rows, []string{
					r.Job,
					r.StartedAt.In(loc).Format("2006-01-02 15:04:05"),
					r.Duration.Truncate(time.Millisecond).String(),
					fmt.Sprintf("%d", r.ExitCode),
					status,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Job", "Started", "Duration", "Exit", "Status"},
				rows, 2, 3,
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&jobFlag, "job", "", "Only show runs of this job")
	cmd.Flags().IntVar(&limitFlag, "limit", 50, "Maximum rows to show")
	return cmd
}
