package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dailyd/internal/crontab"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List scheduled jobs and their next fire times",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			tab, err := crontab.ParseFile(cfg.Crontab)
			if err != nil {
				return err
			}

			loc := cfg.Location()
			now := time.Now().In(loc)
			rows := make([][]string, 0, len(tab.Entries))
			for _, e := range tab.Entries {
				next := "-"
				if t := e.Next(now); !t.IsZero() {
					next = t.In(loc).Format("2006-01-02 15:04:05")
				}
				rows = append(rows, []string{e.Name, e.Spec, e.Command, next})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Name", "Schedule", "Command", "Next Run"},
				rows, 3,
			))
			return nil
		},
	}
}
