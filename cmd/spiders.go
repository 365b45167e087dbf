package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/spiderhost/internal/server"
)

func newSpidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "spiders",
		Short: "List catalog kinds and configured spiders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			names := server.NewCatalog().Names()
			fmt.Fprintln(out, "catalog:")
			for _, name := range names {
				fmt.Fprintf(out, "  %s\n", name)
			}
			fmt.Fprintln(out, "configured:")
			for _, sc := range cfg.Supervisor.Spiders {
				flag := ""
				if !slices.Contains(names, sc.Name) {
					flag = " (unknown kind)"
				}
				fmt.Fprintf(out, "  %s\tkind=%s\tauto_start=%t%s\n", sc.ID, sc.Name, sc.AutoStart, flag)
			}
			return nil
		},
	}
}
