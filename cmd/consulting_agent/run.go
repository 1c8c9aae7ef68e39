package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mverbitski/consulting-agents/internal/agents"
	"github.com/mverbitski/consulting-agents/internal/db"
	"github.com/mverbitski/consulting-agents/internal/pipeline"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Execute one consultant pipeline run synchronously",
	Long: `Creates a run for a project and executes it in the foreground: context assembly,
one step per selected consultant, artifact recording. Intended for local use and
debugging; the serve command runs the same pipeline in the background.`,
	RunE: runPipelineCmd,
}

var (
	runProjectID    string
	runTenantSchema string
	runTenantID     string
	runUserID       string
	runAgents       []string
)

func init() {
	runCommand.Flags().StringVarP(&runProjectID, "project", "p", "", "Project UUID (required)")
	runCommand.Flags().StringVar(&runTenantSchema, "tenant-schema", "", "Tenant schema name (required)")
	runCommand.Flags().StringVar(&runTenantID, "tenant-id", "", "Tenant UUID (required)")
	runCommand.Flags().StringVarP(&runUserID, "user", "u", "", "User UUID recorded as artifact creator (required)")
	runCommand.Flags().StringSliceVar(&runAgents, "agents", nil, "Consultants to run (default: all)")

	_ = runCommand.MarkFlagRequired("project")
	_ = runCommand.MarkFlagRequired("tenant-schema")
	_ = runCommand.MarkFlagRequired("tenant-id")
	_ = runCommand.MarkFlagRequired("user")

	rootCmd.AddCommand(runCommand)
}

func runPipelineCmd(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	projectID, err := uuid.Parse(runProjectID)
	if err != nil {
		return fmt.Errorf("invalid --project: %w", err)
	}
	tenantID, err := uuid.Parse(runTenantID)
	if err != nil {
		return fmt.Errorf("invalid --tenant-id: %w", err)
	}
	userID, err := uuid.Parse(runUserID)
	if err != nil {
		return fmt.Errorf("invalid --user: %w", err)
	}

	selected := runAgents
	if len(selected) == 0 {
		for _, kind := range agents.AllKinds() {
			selected = append(selected, string(kind))
		}
	}
	for _, name := range selected {
		if _, ok := agents.ParseKind(name); !ok {
			return fmt.Errorf("unknown agent kind %q", name)
		}
	}

	app, err := buildApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}
	defer app.close()

	run, err := app.db.CreateRun(ctx, runTenantSchema, db.RunInput{
		ProjectID:      projectID,
		TenantID:       tenantID,
		SelectedAgents: selected,
	})
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	for _, kind := range selected {
		if _, err := app.db.CreateRunStep(ctx, runTenantSchema, run.ID, kind); err != nil {
			return fmt.Errorf("failed to create step for %s: %w", kind, err)
		}
	}

	fmt.Printf("Run %s started (%d consultants)\n", run.ID, len(selected))
	app.svc.Execute(ctx, pipeline.ExecuteParams{
		RunID:        run.ID,
		TenantSchema: runTenantSchema,
		ProjectID:    projectID,
		TenantID:     tenantID,
		UserID:       userID,
	})

	final, err := app.db.GetRun(ctx, runTenantSchema, run.ID)
	if err != nil || final == nil {
		return fmt.Errorf("failed to reload run %s: %w", run.ID, err)
	}

	fmt.Printf("Run %s finished: %s\n", final.ID, final.Status)
	if final.Status == db.RunStatusFailed && final.ErrorMessage != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", *final.ErrorMessage)
		os.Exit(1)
	}
	fmt.Printf("Tokens used: %d, cost: $%.4f\n", final.TotalTokens, final.TotalCost)

	artifacts, err := app.db.ListRunArtifacts(ctx, runTenantSchema, run.ID)
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %w", err)
	}
	for _, a := range artifacts {
		fmt.Printf("  %s  %s (%s)\n", a.ID, a.Title, a.ArtifactType)
	}
	return nil
}
