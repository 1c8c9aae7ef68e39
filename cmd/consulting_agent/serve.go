package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mverbitski/consulting-agents/internal/server"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start an HTTP server that exposes REST endpoints for launching consultant pipeline runs and streaming their progress.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (defaults to PORT env var)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	app, err := buildApp(context.Background())
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	port := app.cfg.Port
	if servePort != "" {
		port = servePort
	}

	srv := server.New(server.Config{Port: port}, app.db, app.svc, app.broker, app.logger)
	return srv.Start()
}
