package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) cleanCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "clean [module...]",
		Short: "Remove cached modules",
		Long: `Clean removes the cached files of the named modules, or of every module
when none are named. Lock files are kept. Modules that are being built are
skipped unless --wait is given, in which case clean waits for their locks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.client.Clean(cmd.Context(), wait, args...)
			for _, m := range report.Removed {
				fmt.Fprintf(a.stdout, "removed %s\n", m)
			}
			for _, m := range report.Skipped {
				fmt.Fprintf(a.stderr, "skipped %s: in use\n", m)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for modules that are in use")
	return cmd
}
