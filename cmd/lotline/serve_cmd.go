package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lotline/lotline/internal/audit"
	"github.com/lotline/lotline/internal/server/ingest"
	"github.com/lotline/lotline/internal/server/store"
)

var (
	listenAddr  string
	dbPath      string
	countryCode string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lotline ingestion server",
	Long:  `Starts the ingestion server which owns the system of record and provides the HTTP API for work events.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address for the API server (overrides config)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	serveCmd.Flags().StringVar(&countryCode, "country", "", "2-character site prefix for lot numbers (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Println("Starting lotline server...")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.Listen = listenAddr
	}
	if dbPath != "" {
		cfg.Server.DBPath = dbPath
	}
	if countryCode != "" {
		cfg.Server.CountryCode = countryCode
	}

	// Initialize store
	s, err := store.New(cfg.Server.DBPath, cfg.Server.CountryCode)
	if err != nil {
		return err
	}

	// Create service and server
	trace := audit.NewTraceWriter(s)
	service := ingest.NewService(s, trace)
	server := ingest.NewServer(service, s, cfg.Server.Listen)

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Channel to receive server errors
	serverErr := make(chan error, 1)

	// Start server in goroutine
	go func() {
		err := server.Start()
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	case err := <-serverErr:
		if err != nil {
			log.Printf("Server error: %v", err)
			s.Close()
			return err
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Println("Shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Closing database connection...")
	if err := s.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("Shutdown complete")
	return nil
}
