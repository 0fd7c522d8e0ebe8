// Package gateway implements the node's HTTP/WS front-end (spec §4.9): a
// REST control plane plus a duplex chat WebSocket, bearer-token auth with
// constant-time comparison, fixed-window per-IP rate limiting on /api/*,
// and per-request CORS. Grounded on
// codeready-toolchain-tarsy/pkg/api/server.go's Server struct (many Set*
// wiring methods, one setupRoutes call) and its websocket.go upgrade loop,
// adapted from echo to gin (spec's teacher-of-record for this concern,
// SPEC_FULL.md §4.9) since the rest of this repo's dependency stack already
// commits to gin/gorilla over echo.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/cancelbus"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/memstore"
	"github.com/scalyclaw/scalyclaw/internal/progressbus"
	"github.com/scalyclaw/scalyclaw/internal/registry"
	"github.com/scalyclaw/scalyclaw/internal/scheduler"
	"github.com/scalyclaw/scalyclaw/internal/skills"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
	"github.com/scalyclaw/scalyclaw/internal/vault"
)

// GatewayChannelID is the fixed channel id every HTTP/WS-originated chat
// turn is published under (spec §8 scenario 1: "exactly one
// progress:gateway terminal event"). The chat-platform adapters own their
// own channel ids; this process only ever speaks for "gateway".
const GatewayChannelID = "gateway"

// Config configures NewServer.
type Config struct {
	Bind            string
	AuthToken       string
	AllowedOrigins  []string // empty means "*"
	RateLimitMax    int      // requests per window per IP; 0 disables the limiter
	RateLimitWindow time.Duration
	HomeDir         string // root for /api/workspace and /api/mind
}

// Deps bundles every collaborator the gateway's handlers call into.
type Deps struct {
	Redis     *redis.Client
	Broker    *broker.Broker
	Progress  *progressbus.Bus
	Cancel    *cancelbus.Bus
	Scheduler *scheduler.Scheduler
	Vault     *vault.Vault
	Budget    *budget.Budget
	Store     *memstore.Store
	Skills    *skills.Store
	Logger    telemetry.Logger
}

// Server is the node's HTTP/WS gateway.
type Server struct {
	cfg    Config
	deps   Deps
	log    telemetry.Logger
	engine *gin.Engine
	http   *http.Server
	waiter *chatWaiter
	mind   *mindStore
	ws     *wsHub
	mcp    *mcpRegistry
}

// NewServer builds and wires the gateway's full route table. cfg.AuthToken
// must be non-empty; the gateway refuses to serve bearer-gated endpoints
// without one.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if cfg.Bind == "" {
		cfg.Bind = ":8080"
	}
	if cfg.AuthToken == "" {
		return nil, errors.New("gateway: auth token is required")
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if deps.Broker == nil || deps.Progress == nil || deps.Cancel == nil {
		return nil, errors.New("gateway: broker, progress bus, and cancel bus are required")
	}
	log := deps.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		engine: engine,
		waiter: newChatWaiter(deps.Progress, log),
		mind:   newMindStore(cfg.HomeDir),
		ws:     newWSHub(log),
		mcp:    newMCPRegistry(),
	}
	s.setupRoutes()
	s.http = &http.Server{Addr: cfg.Bind, Handler: engine}
	return s, nil
}

// Run starts the chat-waiter's shared progress subscriber and serves HTTP
// until ctx is cancelled, then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.waiter.Run(ctx); err != nil {
			s.log.Error(ctx, "gateway: chat waiter stopped", "err", err)
		}
	}()
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway: listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Handler exposes the underlying gin engine for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// refreshRegistrations recomputes the skill/agent/MCP lists fed into the
// system prompt and publishes a reload signal so the orchestrator's cached
// prompt is rebuilt on next use (spec §4.7: "invalidated on config / skill /
// agent / MCP reload"). Called after any mutation to the skills directory
// registration or the MCP registry.
func (s *Server) refreshRegistrations(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	var skillIDs []string
	if s.deps.Skills != nil {
		if ids, err := s.deps.Skills.List(ctx); err == nil {
			skillIDs = ids
		}
	}
	agents, _ := s.deps.Store.Agents(ctx)
	s.deps.Store.SetRegistrations(skillIDs, agents, s.mcp.connectedNames())
	if s.deps.Redis != nil {
		s.deps.Redis.Publish(ctx, keyspace.ChanMCPReload, "1")
	}
}
