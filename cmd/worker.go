package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/modsentry/internal/moderation/controller"
	"github.com/nextlevelbuilder/modsentry/internal/moderation/worker"
	"github.com/nextlevelbuilder/modsentry/internal/store"
	"github.com/nextlevelbuilder/modsentry/internal/store/pg"
)

func workerCmd() *cobra.Command {
	var deploymentID string

	cmd := &cobra.Command{
		Use:    controller.WorkerSubcommand,
		Short:  "Run a single deployment's moderation worker (invoked by the controller, not by operators directly)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(deploymentID)
		},
	}
	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "deployment ID to run")
	cmd.MarkFlagRequired("deployment-id")
	return cmd
}

func runWorker(deploymentID string) error {
	setupLogging()
	cfg := loadConfigOrExit()

	stores, err := pg.NewPGStores(store.StoreConfig{PostgresDSN: cfg.Database.PostgresDSN})
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deployment, err := stores.Deployments.Get(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("load deployment: %w", err)
	}
	moderator, err := stores.Moderators.Get(ctx, deployment.ModeratorID)
	if err != nil {
		return fmt.Errorf("load moderator: %w", err)
	}

	w, err := worker.New(ctx, cfg, stores, deployment, moderator)
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}

	ok, err := stores.Deployments.CompareAndSetStatus(ctx, deployment.ID, store.DeploymentPending, store.DeploymentRunning)
	if err != nil {
		return fmt.Errorf("mark deployment running: %w", err)
	}
	if !ok {
		stores.Deployments.CompareAndSetStatus(ctx, deployment.ID, store.DeploymentStopped, store.DeploymentRunning)
	}

	slog.Info("worker starting", "deployment_id", deployment.ID)
	err = w.Run(ctx)

	stores.Deployments.CompareAndSetStatus(ctx, deployment.ID, store.DeploymentRunning, store.DeploymentStopped)
	return err
}
