package main

import (
	"encoding/json"
	"fmt"

	"github.com/fentz26/warden/internal/controlplane"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and worker load",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	// A degraded daemon still reports its health.
	health, healthErr := CheckHealth()
	if health == nil {
		return fmt.Errorf("daemon not reachable at %s: %w", apiAddr, healthErr)
	}

	resp, err := apiGet("/workers")
	if err != nil {
		return err
	}
	var workers controlplane.Workers
	if err := json.Unmarshal(resp, &workers); err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(struct {
			Health  any `json:"health"`
			Workers any `json:"workers"`
		}{health, workers}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return healthErr
	}

	fmt.Printf("Status:    %s (version %s)\n", health.Status, health.Version)
	fmt.Printf("Database:  %s\n", health.Database)
	fmt.Printf("Rules:     %d from %s", health.RuleCount, health.RuleSource)
	if health.RulesDefault {
		fmt.Print(" (built-in)")
	}
	fmt.Println()
	if health.RuleLoadError != "" {
		fmt.Printf("           load error: %s\n", health.RuleLoadError)
	}
	fmt.Printf("Pending:   %d awaiting approval\n", health.Pending)
	fmt.Printf("Audit:     %d buffered\n", health.AuditBuffered)
	fmt.Printf("Router:    %d/%d in flight, %d queued, %d done, %d failed\n",
		workers.Router.InFlight, workers.Router.MaxInFlight, workers.Router.Queued,
		workers.Router.Completed, workers.Router.Failed)
	if workers.Engine != nil {
		fmt.Printf("Engine:    %d applied, %d skipped, %d failed\n",
			workers.Engine.Applied, workers.Engine.Skipped, workers.Engine.Failed)
	}
	return healthErr
}
