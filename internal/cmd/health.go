package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxterm/switchboard/internal/backend"
)

var healthJSON bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the configured backends",
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	built, err := buildBackends(ctx, cfg.Backends)
	if err != nil {
		return err
	}
	defer closeBackends(built)

	type report struct {
		ID   string                 `json:"id"`
		Type string                 `json:"type"`
		Snap backend.HealthSnapshot `json:"health"`
	}

	reports := make([]report, 0, len(built))
	allHealthy := true
	for _, b := range built {
		snap := b.Backend.Health(ctx)
		reports = append(reports, report{ID: b.ID, Type: b.Backend.Type(), Snap: snap})
		if !snap.Healthy {
			allHealthy = false
		}
	}

	if healthJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			status := okStyle.Render("healthy")
			if !r.Snap.Healthy {
				status = errStyle.Render("unhealthy")
			}
			line := fmt.Sprintf("%-16s %-8s %s  latency=%s", r.ID, r.Type, status, r.Snap.Latency.Round(time.Millisecond))
			if r.Snap.Detail != "" {
				line += "  " + mutedStyle.Render(r.Snap.Detail)
			}
			fmt.Println(line)
		}
	}

	if !allHealthy {
		return fmt.Errorf("one or more backends are unhealthy")
	}
	return nil
}
