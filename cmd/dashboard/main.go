// Command scalyclaw-dashboard runs the thin reverse-proxy + static SPA host
// described by SPEC_FULL.md §2 ADDED: it authenticates requests, forwards
// /api and /ws traffic to the primary node, serves a prebuilt dashboard
// bundle for everything else, and registers itself in the process registry
// like any other process. Grounded on the same cobra + goa.design/clue/log
// bootstrap as cmd/node and cmd/worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/dashboard"
	"github.com/scalyclaw/scalyclaw/internal/registry"
	"github.com/scalyclaw/scalyclaw/internal/runtimectx"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "scalyclaw-dashboard: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "scalyclaw-dashboard",
	Short:   "Run the ScalyClaw dashboard reverse proxy",
	Version: Version,
	RunE:    runDashboard,
}

func init() {
	rootCmd.Flags().String("config", "", "path to dashboard.json (defaults to ~/.scalyclaw/dashboard.json)")
	rootCmd.Flags().Bool("log-json", false, "emit JSON logs instead of terminal-formatted logs")
	rootCmd.Flags().Bool("debug", false, "enable debug logging")
}

func runDashboard(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	debug, _ := cmd.Flags().GetBool("debug")

	format := log.FormatTerminal
	if logJSON || !log.IsTerminal() {
		format = log.FormatJSON
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if configPath == "" {
		p, err := config.DefaultDashboardConfigPath()
		if err != nil {
			return err
		}
		configPath = p
	}
	cfg, err := config.LoadDashboard(configPath)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	tel := runtimectx.Telemetry{Logger: telemetry.NewClueLogger(), Metrics: telemetry.NewClueMetrics(), Tracer: telemetry.NewClueTracer()}
	rt, err := runtimectx.NewDashboard(ctx, cfg.Redis, tel)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	srv, err := dashboard.NewServer(dashboard.Config{
		Bind:      cfg.Bind,
		NodeURL:   cfg.NodeURL,
		AuthToken: cfg.AuthToken,
		StaticDir: cfg.StaticDir,
	}, rt.Logger)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("dashboard: %w", err)
		}
	}()

	if err := rt.Registry.Register(runCtx, registry.ProcessInfo{
		ID:      "dashboard-" + uuid.NewString(),
		Type:    registry.KindDashboard,
		Host:    hostname(),
		Port:    gatewayPort(cfg.Bind),
		Version: Version,
	}); err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Printf(ctx, "shutdown signal received")
	case err := <-errCh:
		log.Printf(ctx, "fatal subsystem error: %v", err)
	}

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "second signal received, forcing exit")
		os.Exit(1)
	}()

	cancelRun()
	<-done

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	return rt.Close(closeCtx)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func gatewayPort(bind string) int {
	var port int
	if _, err := fmt.Sscanf(bind, ":%d", &port); err == nil {
		return port
	}
	return 0
}
