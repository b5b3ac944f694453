// README: Worker directory administration.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"convoy/internal/config"
	"convoy/internal/infra"
	"convoy/internal/modules/worker"
	"convoy/internal/types"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Worker directory commands",
}

var (
	registerUserID   string
	registerWorkerID string
)

var workersRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Link an authenticated user to a worker id",
	RunE:  runWorkersRegister,
}

func init() {
	workersRegisterCmd.Flags().StringVar(&registerUserID, "user-id", "", "identity provider uid (required)")
	workersRegisterCmd.Flags().StringVar(&registerWorkerID, "worker-id", "", "worker id (generated when empty)")
	_ = workersRegisterCmd.MarkFlagRequired("user-id")
	workersCmd.AddCommand(workersRegisterCmd)
	rootCmd.AddCommand(workersCmd)
}

func runWorkersRegister(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	workerID := registerWorkerID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	dir := worker.NewDirectory(db, nil, cfg.Timeouts.StoreOp)
	id, err := dir.Register(ctx, types.ID(workerID), types.ID(registerUserID))
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}
