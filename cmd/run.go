package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spiderhost/internal/config"
	"github.com/JakeFAU/spiderhost/internal/server"
	"github.com/JakeFAU/spiderhost/internal/spider"
)

// newRunCmd runs a single configured spider to completion, then unloads it.
func newRunCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <spider-id>",
		Short: "Run one configured spider until its Run returns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			sc, err := findSpider(cfg, args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *server.App) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				return runSpider(ctx, app, sc)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop waiting for the spider after this long (0 waits forever)")
	return cmd
}

func findSpider(cfg config.Config, id string) (config.SpiderConfig, error) {
	for _, sc := range cfg.Supervisor.Spiders {
		if sc.ID == id {
			return sc, nil
		}
	}
	return config.SpiderConfig{}, fmt.Errorf("spider %q is not configured under supervisor.spiders", id)
}

func runSpider(ctx context.Context, app *server.App, sc config.SpiderConfig) error {
	logger := app.Logger().With(zap.String("spider", sc.ID))
	if err := app.LoadSpider(ctx, sc, true); err != nil {
		return fmt.Errorf("load spider: %w", err)
	}
	logger.Info("spider started", zap.String("kind", sc.Name))

	runErr := app.Supervisor().Wait(ctx, spider.ID(sc.ID))
	if ctx.Err() != nil {
		logger.Info("run interrupted", zap.Error(ctx.Err()))
		runErr = nil
	}
	if err := app.Supervisor().Unload(context.WithoutCancel(ctx), spider.ID(sc.ID)); err != nil {
		logger.Warn("unload failed", zap.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("spider %s: %w", sc.ID, runErr)
	}
	logger.Info("spider finished")
	return nil
}
