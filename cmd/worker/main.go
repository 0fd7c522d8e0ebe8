// Command scalyclaw-worker runs one member of the horizontally-scaled
// worker fleet described by spec §2/§4.10: it consumes only the tools
// queue, fetching and installing skill bundles on demand and executing
// subprocesses in its own workspace. Grounded on the same cobra +
// goa.design/clue/log bootstrap as cmd/node, trimmed to the reduced
// Runtime runtimectx.NewWorker builds (no vault, no budget).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/registry"
	"github.com/scalyclaw/scalyclaw/internal/runtimectx"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
	"github.com/scalyclaw/scalyclaw/internal/worker"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "scalyclaw-worker: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "scalyclaw-worker",
	Short:   "Run a ScalyClaw tools-queue worker",
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.Flags().String("config", "", "path to worker.json (defaults to SCALYCLAW_WORKER_CONFIG or ~/.scalyclaw/worker.json)")
	rootCmd.Flags().Int("http-port", 0, "port for the worker's workspace file-serving endpoint (0 disables it)")
	rootCmd.Flags().Bool("log-json", false, "emit JSON logs instead of terminal-formatted logs")
	rootCmd.Flags().Bool("debug", false, "enable debug logging")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	httpPort, _ := cmd.Flags().GetInt("http-port")
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
		p, err := config.DefaultWorkerConfigPath()
		if err != nil {
			return err
		}
		configPath = p
	}
	cfg, err := config.LoadWorker(configPath)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	tel := runtimectx.Telemetry{Logger: telemetry.NewClueLogger(), Metrics: telemetry.NewClueMetrics(), Tracer: telemetry.NewClueTracer()}
	rt, err := runtimectx.NewWorker(ctx, cfg, tel, runtimectx.PulseOptions{})
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	w, err := worker.New(cfg, rt.Broker, rt.Cancel, rt.Logger)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("worker: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.WatchSkillsReload(runCtx, rt.Redis); err != nil {
			rt.Logger.Warn(runCtx, "worker: skills-reload watch stopped", "err", err)
		}
	}()

	var httpSrv *http.Server
	if httpPort > 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", httpPort), Handler: worker.NewHTTPHandler(cfg.Workspace)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("worker http: %w", err)
			}
		}()
	}

	if err := rt.Registry.Register(runCtx, registry.ProcessInfo{
		ID:          "worker-" + uuid.NewString(),
		Type:        registry.KindWorker,
		Host:        hostname(),
		Port:        httpPort,
		Version:     Version,
		Concurrency: cfg.Concurrency,
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
	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	wg.Wait()

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
