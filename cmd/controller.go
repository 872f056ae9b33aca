package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/modsentry/internal/config"
	"github.com/nextlevelbuilder/modsentry/internal/eventbus"
	"github.com/nextlevelbuilder/modsentry/internal/moderation/controller"
	"github.com/nextlevelbuilder/modsentry/internal/store"
	"github.com/nextlevelbuilder/modsentry/internal/store/pg"
)

func controllerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run the deployment lifecycle controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController()
		},
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

func loadConfigOrExit() *config.Config {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	return cfg
}

func runController() error {
	setupLogging()
	cfg := loadConfigOrExit()

	stores, err := pg.NewPGStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := eventbus.New(ctx, cfg.Bus.Addr, cfg.Bus.DeploymentTopic, cfg.Bus.DeploymentGroup)
	if err != nil {
		slog.Error("failed to connect to event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	consumerID := uuid.Must(uuid.NewV7()).String()
	ctrl := controller.New(cfg, stores, bus, consumerID)

	slog.Info("controller starting", "consumer_id", consumerID)
	return ctrl.Run(ctx)
}
