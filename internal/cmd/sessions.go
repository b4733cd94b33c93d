package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxterm/switchboard/internal/backend"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List terminal sessions on the configured backends",
	Long: `List terminal sessions on the configured backends.

Queries each backend directly, so it works whether or not the daemon is
running.`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(sessionsCmd)
}

// cliContext identifies CLI invocations in the audit trail and backend logs.
func cliContext() backend.ExecContext {
	ec := backend.ExecContext{Client: "cli"}
	if u, err := user.Current(); err == nil {
		ec.User = u.Username
	}
	return ec
}

func runSessions(cmd *cobra.Command, args []string) error {
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

	ec := cliContext()
	byBackend := make(map[string][]backend.SessionInfo, len(built))
	for _, b := range built {
		infos, err := b.Backend.ListSessions(ctx, ec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s listing sessions on %s: %v\n", warnStyle.Render("!"), b.ID, err)
			continue
		}
		byBackend[b.ID] = infos
	}

	if sessionsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(byBackend)
	}

	total := 0
	for _, b := range built {
		infos := byBackend[b.ID]
		fmt.Printf("%s (%d)\n", headerStyle.Render(b.ID), len(infos))
		for _, info := range infos {
			attached := mutedStyle.Render("detached")
			if info.Attached {
				attached = okStyle.Render("attached")
			}
			fmt.Printf("  %-24s  windows=%-3d  %s  %s\n",
				info.Name, info.Windows, attached,
				mutedStyle.Render(info.CreatedAt.Format(time.RFC3339)))
		}
		total += len(infos)
	}
	if total == 0 {
		fmt.Println(mutedStyle.Render("no sessions"))
	}
	return nil
}
