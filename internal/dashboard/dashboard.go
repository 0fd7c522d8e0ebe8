// Package dashboard implements cmd/dashboard's HTTP surface (SPEC_FULL.md
// §2 ADDED: "a thin gin reverse proxy + static file server... registers
// itself in the process registry like any other ProcessInfo"). Grounded on
// internal/gateway/gateway.go's gin.New + Recovery + graceful-shutdown
// Server shape, and on cuemby-warren/pkg/ingress/proxy.go's use of
// net/http/httputil.NewSingleHostReverseProxy for request forwarding,
// adapted from warren's TCP load-balancer proxy to a single upstream node.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

// Config configures NewServer.
type Config struct {
	Bind      string
	NodeURL   string
	AuthToken string
	StaticDir string // empty disables static file serving
}

// Server reverse-proxies /api and /ws to the node and serves a static SPA
// for everything else.
type Server struct {
	cfg    Config
	log    telemetry.Logger
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the dashboard's route table.
func NewServer(cfg Config, log telemetry.Logger) (*Server, error) {
	if cfg.Bind == "" {
		cfg.Bind = ":8081"
	}
	if cfg.NodeURL == "" {
		return nil, errors.New("dashboard: nodeUrl is required")
	}
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	upstream, err := url.Parse(cfg.NodeURL)
	if err != nil {
		return nil, fmt.Errorf("dashboard: parse nodeUrl: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{cfg: cfg, log: log, engine: engine}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxied := engine.Group("/")
	if cfg.AuthToken != "" {
		proxied.Use(authMiddleware(cfg.AuthToken))
	}
	proxied.Any("/api/*path", gin.WrapH(proxy))
	proxied.Any("/ws", gin.WrapH(proxy))

	if cfg.StaticDir != "" {
		engine.NoRoute(func(c *gin.Context) {
			c.File(cfg.StaticDir + "/index.html")
		})
		engine.Static("/assets", cfg.StaticDir+"/assets")
	}

	s.http = &http.Server{Addr: cfg.Bind, Handler: engine}
	return s, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("dashboard: listen: %w", err)
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
