package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxterm/switchboard/internal/eventbus"
	"github.com/voxterm/switchboard/internal/manager"
	"github.com/voxterm/switchboard/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator daemon",
	Long: `Run the orchestrator daemon.

Registers the configured backends, starts the health monitor and the
session janitor, and serves prometheus metrics when [metrics].listen_addr
is set. Shuts down cleanly on SIGINT/SIGTERM: in-flight commands drain
before connections close.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New()
	defer bus.Close()

	mgr, err := manager.New(manager.Config{
		Strategy:          cfg.Manager.Strategy,
		HealthInterval:    cfg.Manager.HealthInterval.Std(),
		FailureThreshold:  cfg.Manager.FailureThreshold,
		RecoveryThreshold: cfg.Manager.RecoveryThreshold,
		MaxRetries:        cfg.Manager.MaxRetries,
		RetryBackoff:      cfg.Manager.RetryBackoff.Std(),
		DrainGrace:        cfg.Manager.DrainGrace.Std(),
		OperationTimeout:  cfg.Manager.OperationTimeout.Std(),
		ABTesting:         cfg.Manager.ABTesting,
	}, bus, logger)
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	built, err := buildBackends(initCtx, cfg.Backends)
	cancel()
	if err != nil {
		return err
	}
	for _, b := range built {
		if err := mgr.Register(b.ID, b.Backend, b.Weight); err != nil {
			closeBackends(built)
			return err
		}
		logger.Info("backend registered", "id", b.ID, "type", b.Backend.Type(), "weight", b.Weight)
	}

	facade, err := session.New(cfg, mgr, bus, logger)
	if err != nil {
		closeBackends(built)
		return err
	}
	facade.Start(ctx)

	events, unsub := bus.Subscribe()
	defer unsub()
	go logEvents(logger, events)

	var metricsSrv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", facade.MetricsHandler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.ListenAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	fmt.Printf("%s %d backend(s) registered, strategy %s\n",
		headerStyle.Render("switchboard running:"), len(built), cfg.Manager.Strategy)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx) //nolint:errcheck
	}
	return facade.Cleanup(shutdownCtx)
}

// logEvents mirrors bus traffic into the structured log until the channel
// closes.
func logEvents(logger *slog.Logger, events <-chan eventbus.Event) {
	for ev := range events {
		attrs := []any{"type", string(ev.Type)}
		if ev.SessionID != "" {
			attrs = append(attrs, "session", ev.SessionID)
		}
		if ev.BackendID != "" {
			attrs = append(attrs, "backend", ev.BackendID)
		}
		for k, v := range ev.Detail {
			attrs = append(attrs, k, v)
		}

		switch ev.Type {
		case eventbus.EventBackendUnhealthy, eventbus.EventBackendFailover, eventbus.EventCommandBlocked:
			logger.Warn("event", attrs...)
		default:
			logger.Info("event", attrs...)
		}
	}
}
