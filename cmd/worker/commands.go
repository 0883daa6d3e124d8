package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/teverse/leadchat/internal/config"
	"github.com/teverse/leadchat/internal/inference"
	"github.com/teverse/leadchat/internal/lead"
	"github.com/teverse/leadchat/internal/prompt"
	"github.com/teverse/leadchat/internal/session"
	"github.com/teverse/leadchat/internal/store"
)

// workerService is the gRPC health service name reported by the worker.
const workerService = "leadchat.LeadWorker"

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Extract sales leads from chat sessions",
		Long: `The worker polls the sessions directory, asks the model to pull
contact details out of new or changed conversations, and writes one lead
file per session once a name and phone number are known.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	var healthAddr string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Poll sessions until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoop(cmd.Context(), logger, healthAddr)
		},
	}
	runCmd.Flags().StringVar(&healthAddr, "health-addr", "", "gRPC health listen address (default WORKER_HEALTH_ADDR)")

	onceCmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single extraction pass and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), logger, cmd)
		},
	}

	root.AddCommand(runCmd, onceCmd)
	return root
}

type deps struct {
	cfg    *config.Config
	repo   *store.SQLiteStore
	worker *lead.Worker
}

func (d *deps) Close() {
	if err := d.repo.Close(); err != nil {
		slog.Error("Failed to close repository", "error", err)
	}
}

func setup(ctx context.Context, logger *slog.Logger) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	sessions, err := session.NewFileStore(cfg.SessionsDir, cfg.SessionWindow)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	contacts, err := lead.NewContactsDir(cfg.ContactsDir)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	prompts, err := prompt.Load(cfg.Prompts.File, cfg.Prompts.ReferenceDocPath)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	generator, err := inference.NewFromConfig(ctx, cfg.Inference, logger)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("initialize inference client: %w", err)
	}

	workerCfg := lead.Config{
		Interval:     cfg.Worker.PollInterval,
		SystemPrompt: prompts.ExtractionSystem(),
		Index:        repo,
		Logger:       logger,
	}
	if cfg.Worker.PersistCheckpoints {
		workerCfg.Checkpoints = repo
	}

	slog.Info("Lead worker configured",
		"sessions_dir", cfg.SessionsDir,
		"contacts_dir", cfg.ContactsDir,
		"interval", cfg.Worker.PollInterval,
		"persist_checkpoints", cfg.Worker.PersistCheckpoints,
	)
	return &deps{
		cfg:    cfg,
		repo:   repo,
		worker: lead.NewWorker(sessions, contacts, generator, workerCfg),
	}, nil
}

func runLoop(parent context.Context, logger *slog.Logger, healthAddr string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := setup(ctx, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	if healthAddr == "" {
		healthAddr = d.cfg.Worker.HealthAddr
	}
	hs, _, stopHealth, err := serveHealth(healthAddr)
	if err != nil {
		return err
	}
	defer stopHealth()
	hs.SetServingStatus(workerService, healthpb.HealthCheckResponse_SERVING)

	err = d.worker.Run(ctx)

	hs.SetServingStatus(workerService, healthpb.HealthCheckResponse_NOT_SERVING)
	slog.Info("Worker stopped")
	return err
}

func runOnce(parent context.Context, logger *slog.Logger, cmd *cobra.Command) error {
	d, err := setup(parent, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	start := time.Now()
	stats := d.worker.RunOnce(parent)
	fmt.Fprintf(cmd.OutOrStdout(),
		"scanned=%d processed=%d written=%d incomplete=%d unparsable=%d degraded=%d errors=%d elapsed=%s\n",
		stats.Scanned, stats.Processed, stats.Written, stats.Incomplete,
		stats.Unparsable, stats.Degraded, stats.Errors, time.Since(start).Round(time.Millisecond),
	)
	if stats.Errors > 0 {
		return errors.New("extraction pass finished with errors")
	}
	return nil
}

// serveHealth starts a gRPC server exposing only the standard health service.
func serveHealth(addr string) (*health.Server, net.Addr, func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		slog.Info("Health server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("Health server failed", "error", err)
		}
	}()

	return hs, lis.Addr(), func() {
		hs.Shutdown()
		srv.GracefulStop()
	}, nil
}
