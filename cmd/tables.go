package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/export"
	"github.com/JakeFAU/spiderhost/internal/server"
)

func newTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List tables in the configured tabular store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *server.App) error {
				names, err := app.Tables().Tables(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					schema, err := app.Tables().Schema(ctx, name)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\n", name, schema.Names())
				}
				return nil
			})
		},
	}
}

func newExportCmd() *cobra.Command {
	var (
		table string
		out   string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump a table to a Parquet file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				out = filepath.Join(".", table+".parquet")
			}
			return withApp(cmd, func(ctx context.Context, app *server.App) error {
				n, err := export.Table(ctx, app.Tables(), table, out)
				if err != nil {
					return fmt.Errorf("export %s: %w", table, err)
				}
				app.Logger().Info("table exported",
					zap.String("table", table),
					zap.String("path", out),
					zap.Int("rows", n),
				)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "table to export")
	cmd.Flags().StringVar(&out, "out", "", "output path (default <table>.parquet)")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}
