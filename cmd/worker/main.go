package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rezkam/gridx/internal/config"
	"github.com/rezkam/gridx/internal/domain"
	"github.com/rezkam/gridx/internal/executor"
	"github.com/rezkam/gridx/internal/worker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gridx-worker",
		Short: "Run jobs for a gridx coordinator",
		Long: `gridx-worker connects to a coordinator, advertises this host's
capabilities, and executes assigned jobs in docker sandboxes.

Completed jobs earn credits for the worker's account.

Example:
  gridx-worker run --user bob --password hunter2 --coordinator-ip 10.0.0.5`,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gridx-worker v1.0.0")
		},
	}
}

func runCmd() *cobra.Command {
	var (
		user          string
		password      string
		coordinatorIP string
		httpPort      int
		streamPort    int
		concurrency   int
		verbose       bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the coordinator and execute jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(user, password, coordinatorIP, streamPort, concurrency, verbose)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Account name")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().StringVar(&coordinatorIP, "coordinator-ip", "127.0.0.1", "Coordinator host")
	// Accepted for CLI parity with the coordinator; session traffic only
	// uses the stream port.
	cmd.Flags().IntVar(&httpPort, "http-port", 8081, "Coordinator HTTP API port")
	cmd.Flags().IntVar(&streamPort, "stream-port", 8080, "Coordinator worker stream port")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Concurrent jobs this worker accepts")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("password")

	return cmd
}

func runWorker(user, password, coordinatorIP string, streamPort, concurrency int, verbose bool) error {
	if _, err := domain.NewAccountID(user); err != nil {
		return fmt.Errorf("invalid --user: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	identityPath, err := worker.IdentityPath(user)
	if err != nil {
		return err
	}
	identity, err := worker.LoadOrCreateIdentity(identityPath)
	if err != nil {
		return fmt.Errorf("failed to load worker identity: %w", err)
	}

	capabilities := worker.DetectCapabilities()
	capabilities.Concurrency = concurrency

	w := worker.New(worker.Config{
		CoordinatorURL:    fmt.Sprintf("ws://%s:%d/ws/worker", coordinatorIP, streamPort),
		AccountID:         user,
		Secret:            worker.Token(user, password),
		Capabilities:      capabilities,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, identity, identityPath, executor.New(cfg.MaxOutputBytes, logger), logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.InfoContext(ctx, "starting gridx worker",
		"worker_id", identity.WorkerID, "account", user,
		"coordinator", coordinatorIP, "concurrency", concurrency)

	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
