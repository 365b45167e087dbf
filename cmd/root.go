// Package cmd defines the spiderhost command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/config"
	"github.com/JakeFAU/spiderhost/internal/logging"
	"github.com/JakeFAU/spiderhost/internal/server"
)

var cfgFile string

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// buildApp is the application factory. It is a variable so tests can swap
// in a cheaper build.
var buildApp = func(ctx context.Context, cfg config.Config) (*server.App, error) {
	return server.Build(ctx, cfg, server.Options{})
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spiderhost",
		Short: "Hosts pluggable spiders with bounded threads and shared storage.",
		Long: `spiderhost loads spider units from its catalog, grants them background
threads under per-spider and global limits, and gives each one a tabular
store and a private key/value namespace. An admin API reports lifecycle
state, live threads and advisories.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env SPIDERHOST_* overrides)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSpidersCmd())
	cmd.AddCommand(newTablesCmd())
	cmd.AddCommand(newExportCmd())

	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// withApp builds the application, hands it to fn and always closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *server.App) error) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	app, err := buildApp(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	runErr := fn(cmd.Context(), app)
	if err := app.Close(context.WithoutCancel(cmd.Context())); err != nil {
		app.Logger().Warn("close failed", zap.Error(err))
	}
	return runErr
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		logger, lerr := logging.New(logging.Config{})
		if lerr != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger.Fatal("Command execution failed", zap.Error(err))
	}
}
