package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BadgerOps/packshare/internal/config"
	"github.com/BadgerOps/packshare/internal/engine"
	"github.com/BadgerOps/packshare/internal/instance"
	"github.com/BadgerOps/packshare/internal/progress"
	"github.com/BadgerOps/packshare/internal/seed"
	"github.com/BadgerOps/packshare/internal/server"
	"github.com/BadgerOps/packshare/internal/store"
	"github.com/BadgerOps/packshare/internal/tunnel"
	"github.com/spf13/cobra"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backend that owns exports and seed sessions",
		Long: `Run the packshare backend. It builds packages, hosts seed sessions and
their tunnels, and answers the local JSON API used by the other commands.

On start it force-closes tunnels left behind by a previous run. SIGINT or
SIGTERM stops every seed session and shuts the API down gracefully.`,
		Example: `  packshare serve
  packshare serve --listen 127.0.0.1:9000`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (default server.listen)")

	return cmd
}

// backend holds the components a running server owns.
type backend struct {
	service *server.Service
	seeds   *seed.Manager
}

// newBackend wires the backend components from cfg.
func newBackend(cfg *config.Config, st *store.Store, log *slog.Logger) (*backend, error) {
	kind, err := tunnel.ParseKind(cfg.Seed.DefaultProvider)
	if err != nil {
		return nil, err
	}
	tunnels, err := buildTunnels(cfg, log)
	if err != nil {
		return nil, err
	}

	hub := progress.NewHub()
	instances := instance.NewFSProvider(cfg.DataPath(cfg.Instances.Root), log)
	builder := engine.NewBuilder(instances, st, hub, engine.BuilderOptions{
		OutputDir:        cfg.DataPath(cfg.Export.OutputDir),
		Compression:      cfg.Export.Compression,
		CompressionLevel: cfg.Export.CompressionLevel,
	}, log)
	seeds := seed.NewManager(tunnels, st, hub, seed.Options{
		BindHost:      cfg.Seed.BindHost,
		OpenTimeout:   cfg.Tunnel.OpenTimeout,
		ShutdownGrace: cfg.Seed.ShutdownGrace,
	}, log)

	return &backend{
		service: server.NewService(builder, seeds, st, hub, kind, log),
		seeds:   seeds,
	}, nil
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	b, err := newBackend(globalCfg, st, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	recovered, err := b.seeds.Recover(cmd.Context())
	if err != nil {
		log.Warn("recovering orphaned shares", "error", err)
	} else if recovered > 0 {
		log.Info("force-closed orphaned shares", "count", recovered)
	}

	log.Info("server starting", "listen", listen, "data_dir", globalCfg.Server.DataDir)
	srv := server.NewServer(b.service, logger)

	// Channel to listen for errors from server
	errChan := make(chan error, 1)

	// Start the server in a goroutine
	go func() {
		printf("Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Wait for either an error or a shutdown signal
	select {
	case err := <-errChan:
		_ = b.seeds.Close(context.Background())
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		printf("\nShutting down server...\n")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if err := b.seeds.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping seeds: %w", err))
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}

		printf("Server stopped gracefully\n")
	}

	return nil
}
