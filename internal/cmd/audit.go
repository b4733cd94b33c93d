package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxterm/switchboard/internal/audit"
)

// Flags for the audit command.
var (
	auditJSON     bool
	auditLimit    int
	auditIdentity string
	auditSession  string
	auditOutcome  string
	auditSince    string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the command audit trail",
	Long: `Inspect the command audit trail.

Reads the sqlite sink when [audit].database_path is configured, otherwise
the JSONL file sink. Newest events print last.`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().BoolVar(&auditJSON, "json", false, "Output as JSON")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "Maximum events to show")
	auditCmd.Flags().StringVar(&auditIdentity, "identity", "", "Filter by caller identity")
	auditCmd.Flags().StringVar(&auditSession, "session", "", "Filter by session id")
	auditCmd.Flags().StringVar(&auditOutcome, "outcome", "", "Filter by outcome (executed, failed, blocked, rate_limited, rejected)")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "Only events after this duration ago (e.g. 1h)")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var since time.Time
	if auditSince != "" {
		d, err := time.ParseDuration(auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since duration: %w", err)
		}
		since = time.Now().Add(-d)
	}

	var events []audit.Event
	switch {
	case cfg.Audit.DatabasePath != "":
		sink, err := audit.NewSQLiteSink(cfg.Audit.DatabasePath)
		if err != nil {
			return err
		}
		defer sink.Close()
		events, err = sink.Find(audit.Query{
			Identity:  auditIdentity,
			SessionID: auditSession,
			Outcome:   auditOutcome,
			Since:     since,
			Limit:     auditLimit,
		})
		if err != nil {
			return err
		}
		// Find returns newest first; print chronologically like the file sink.
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	case cfg.Audit.FilePath != "":
		all, err := audit.ReadAll(cfg.Audit.FilePath)
		if err != nil {
			return err
		}
		events = filterEvents(all, since)
	default:
		return fmt.Errorf("no audit sink configured: set [audit].database_path or file_path")
	}

	if auditJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	for _, ev := range events {
		outcome := ev.Outcome
		switch ev.Outcome {
		case audit.OutcomeExecuted:
			outcome = okStyle.Render(outcome)
		case audit.OutcomeFailed:
			outcome = warnStyle.Render(outcome)
		default:
			outcome = errStyle.Render(outcome)
		}
		line := fmt.Sprintf("%s  %-12s %-14s risk=%d  %s",
			mutedStyle.Render(ev.Time.Format(time.RFC3339)),
			ev.Identity, outcome, ev.RiskScore, ev.Command)
		if ev.Reason != "" {
			line += "  " + mutedStyle.Render("("+ev.Reason+")")
		}
		fmt.Println(line)
	}
	if len(events) == 0 {
		fmt.Println(mutedStyle.Render("no matching events"))
	}
	return nil
}

// filterEvents applies the CLI filters to file-sink events, keeping the
// newest auditLimit entries in chronological order.
func filterEvents(all []audit.Event, since time.Time) []audit.Event {
	var out []audit.Event
	for _, ev := range all {
		if auditIdentity != "" && ev.Identity != auditIdentity {
			continue
		}
		if auditSession != "" && ev.SessionID != auditSession {
			continue
		}
		if auditOutcome != "" && ev.Outcome != auditOutcome {
			continue
		}
		if !since.IsZero() && ev.Time.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	if auditLimit > 0 && len(out) > auditLimit {
		out = out[len(out)-auditLimit:]
	}
	return out
}
