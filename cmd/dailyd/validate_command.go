package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dailyd/internal/crontab"
)

func newValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and crontab without starting anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			table, err := crontab.ParseFile(cfg.Crontab)
			if err != nil {
				return fmt.Errorf("crontab: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d jobs, %d env lines, timezone %s\n",
				len(table.Entries), len(table.Env), cfg.Timezone)
			return nil
		},
	}
}
