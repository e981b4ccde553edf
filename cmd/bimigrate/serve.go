package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/bimigrate/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API for running and following migrations",
		Long: `Start the HTTP API. Migrations are started with POST /api/migrations and run
in the background; their progress can be polled or streamed as server-sent
events, and finished runs are kept in the run history.

By default, the server listens on the address configured in the config file
(default: 0.0.0.0:8080). Use --listen to override.`,
		Example: `  bimigrate serve
  bimigrate serve --listen 127.0.0.1:9000`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if globalManager == nil {
		return fmt.Errorf("migration manager not initialized")
	}

	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	log.Info("server starting", "listen", listen, "data_dir", globalCfg.Server.DataDir,
		"source", globalCfg.Migration.Source, "target", globalCfg.Migration.Target)

	srv := server.NewServer(globalManager, globalStore, globalCfg, logger)
	if globalMirror != nil {
		srv.SetMirror(globalMirror)
	}

	// Channel to listen for errors from server
	errChan := make(chan error, 1)

	go func() {
		fmt.Printf("Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig)
		fmt.Println("\nShutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		// Give running migrations the rest of the grace period.
		done := make(chan struct{})
		go func() {
			globalManager.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			log.Warn("exiting with migrations still running")
		}

		fmt.Println("Server stopped gracefully")
	}

	return nil
}
