// Command scalyclaw-node runs the single primary process described by spec
// §2: it ingests channel messages, owns the scheduler and vault, drives the
// orchestrator loop, and exposes the HTTP/WS gateway. Grounded on the
// teacher's cobra root-command shape (goadesign-goa-ai/example/cmd/assistant
// flag+log.Context bootstrap) and cuemby-warren/cmd/warren/main.go's
// signal-handling convention, adapted to this repo's multi-queue consumer
// startup instead of a single gRPC/HTTP listener.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/gateway"
	"github.com/scalyclaw/scalyclaw/internal/guards"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/memstore"
	"github.com/scalyclaw/scalyclaw/internal/modelanthropic"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/processor"
	"github.com/scalyclaw/scalyclaw/internal/registry"
	"github.com/scalyclaw/scalyclaw/internal/runtimectx"
	"github.com/scalyclaw/scalyclaw/internal/scheduler"
	"github.com/scalyclaw/scalyclaw/internal/skills"
	"github.com/scalyclaw/scalyclaw/internal/systemqueue"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "scalyclaw-node: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "scalyclaw-node",
	Short:   "Run the ScalyClaw primary node process",
	Version: Version,
	RunE:    runNode,
}

func init() {
	rootCmd.Flags().String("config", "", "path to scalyclaw.json (defaults to ~/.scalyclaw/scalyclaw.json)")
	rootCmd.Flags().Bool("log-json", false, "emit JSON logs instead of terminal-formatted logs")
	rootCmd.Flags().Bool("debug", false, "enable debug logging")
}

func runNode(cmd *cobra.Command, _ []string) error {
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
		p, err := config.DefaultNodeConfigPath()
		if err != nil {
			return err
		}
		configPath = p
	}
	cfg, err := config.LoadNode(configPath)
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}
	if cfg.AuthToken == "" {
		return fmt.Errorf("fatal: scalyclaw.json must set authToken before the gateway can serve requests")
	}

	tel := runtimectx.Telemetry{Logger: telemetry.NewClueLogger(), Metrics: telemetry.NewClueMetrics(), Tracer: telemetry.NewClueTracer()}
	rt, err := runtimectx.NewNode(ctx, cfg, tel, runtimectx.PulseOptions{})
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("fatal: ANTHROPIC_API_KEY must be set")
	}
	modelClient, err := modelanthropic.NewFromAPIKey(apiKey, anthropicDefaultModel())
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	store := memstore.New()
	skillStore := skills.New(cfg.HomeDir)
	guardPipeline := guards.New(modelClient)

	orch, err := orchestrator.New(orchestrator.Options{
		Model:      modelClient,
		Broker:     rt.Broker,
		Progress:   rt.Progress,
		Cancel:     rt.Cancel,
		Budget:     rt.Budget,
		Guards:     guardPipeline,
		Store:      store,
		Prompt:     store,
		LocalTools: orchestrator.BuiltinLocalTools(rt.Progress, store, rt.Vault),
		ModelClass: "",
	})
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	proc, err := processor.New(processor.Options{
		Broker:       rt.Broker,
		Progress:     rt.Progress,
		Cancel:       rt.Cancel,
		Guards:       guardPipeline,
		Orchestrator: orch,
		Store:        store,
		Logger:       rt.Logger,
	})
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	sched := scheduler.New(rt.Redis, rt.Broker, rt.Logger)

	sysHandler, err := systemqueue.New(systemqueue.Options{
		Progress:     rt.Progress,
		Orchestrator: orch,
		Vault:        rt.Vault,
		Logger:       rt.Logger,
	})
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	gw, err := gateway.NewServer(gateway.Config{
		Bind:      cfg.Bind,
		AuthToken: cfg.AuthToken,
		HomeDir:   cfg.HomeDir,
	}, gateway.Deps{
		Redis:     rt.Redis,
		Broker:    rt.Broker,
		Progress:  rt.Progress,
		Cancel:    rt.Cancel,
		Scheduler: sched,
		Vault:     rt.Vault,
		Budget:    rt.Budget,
		Store:     store,
		Skills:    skillStore,
		Logger:    rt.Logger,
	})
	if err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	var wg sync.WaitGroup
	errCh := make(chan error, 8)

	consume := func(queue keyspace.Queue, handler broker.Handler) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rt.Broker.Consume(runCtx, queue, "node", handler); err != nil {
				errCh <- fmt.Errorf("consume %s: %w", queue, err)
			}
		}()
	}
	consume(keyspace.QueueMessages, proc.Handle)
	consume(keyspace.QueueScheduler, sched.Handle)
	consume(keyspace.QueueSystem, sysHandler.Handle)

	go rt.Broker.RunDispatcher(runCtx, time.Second)
	go rt.Broker.RunPruner(runCtx, time.Hour, broker.DefaultPruneOptions)
	go func() {
		if err := config.Watch(runCtx, configPath, rt.Redis, rt.Logger); err != nil {
			rt.Logger.Warn(runCtx, "config watch stopped", "err", err)
		}
	}()
	go func() {
		if err := orch.WatchReloads(runCtx, rt.Redis); err != nil {
			rt.Logger.Warn(runCtx, "system prompt reload watch stopped", "err", err)
		}
	}()
	go func() {
		if err := rt.Cancel.Listen(runCtx); err != nil {
			rt.Logger.Warn(runCtx, "cancel signal listener stopped", "err", err)
		}
	}()

	if err := rt.Registry.Register(runCtx, registry.ProcessInfo{
		ID:      "node-" + uuid.NewString(),
		Type:    registry.KindNode,
		Host:    hostname(),
		Port:    gatewayPort(cfg.Bind),
		Version: Version,
	}); err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gw.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()

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
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return rt.Close(shutdownCtx)
}

func anthropicDefaultModel() string {
	if m := os.Getenv("SCALYCLAW_MODEL"); m != "" {
		return m
	}
	return "claude-sonnet-4-5"
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

// gatewayPort extracts the numeric port from a ":8080"-style bind address
// for the process registry's informational Port field; 0 if unparseable.
func gatewayPort(bind string) int {
	var port int
	if _, err := fmt.Sscanf(bind, ":%d", &port); err == nil {
		return port
	}
	return 0
}
