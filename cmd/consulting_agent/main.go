// Package main provides the entry point for the consulting agents API server.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "consulting_agent",
	Short: "Consulting Agents HTTP API Server",
	Long:  "Consulting Agents runs LLM consultant pipelines over a project's ingested documents, repository analysis, and crawl data, recording the generated deliverables per tenant.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
