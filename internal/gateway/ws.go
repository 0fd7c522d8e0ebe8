package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/progressbus"
	"github.com/scalyclaw/scalyclaw/internal/telemetry"
)

// wsHub upgrades chat WebSocket connections. Grounded on
// codeready-toolchain-tarsy/pkg/api/websocket.go's upgrader + read-loop
// shape; adapted from a broadcast hub to per-connection job waiters since
// spec §4.9 scopes each WS connection to its own chat turns, not a shared
// broadcast.
type wsHub struct {
	upgrader websocket.Upgrader
	log      telemetry.Logger
}

func newWSHub(log telemetry.Logger) *wsHub {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &wsHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// wsFrame is the duplex frame shape spec §6 names: {type:"message"|"ping",
// text?} inbound, {type:"response"|"error"|"typing"|"file"|"pong", ...}
// outbound.
type wsFrame struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	FilePath string `json:"filePath,omitempty"`
	Caption  string `json:"caption,omitempty"`
	URL      string `json:"url,omitempty"`
	Name     string `json:"name,omitempty"`
	IsImage  bool   `json:"isImage,omitempty"`
	JobID    string `json:"jobId,omitempty"`
}

func (s *Server) handleWS(c *gin.Context) {
	got := bearerToken(c.GetHeader("Authorization"))
	if got == "" {
		got = c.Query("token")
	}
	if !constantTimeEqual(got, s.cfg.AuthToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}

	conn, err := s.ws.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn(c.Request.Context(), "gateway: ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.wsPingLoop(ctx, conn)

	for {
		var in wsFrame
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		switch in.Type {
		case "ping":
			_ = conn.WriteJSON(wsFrame{Type: "pong"})
		case "message":
			s.wsHandleMessage(ctx, conn, in.Text)
		}
	}
}

// wsPingLoop keeps idle sockets alive (spec §4.9: "periodic ping/pong keeps
// idle sockets alive").
func (s *Server) wsPingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(wsFrame{Type: "pong"}); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsHandleMessage(ctx context.Context, conn *websocket.Conn, text string) {
	if text == "" {
		return
	}
	data, err := json.Marshal(broker.MessageProcessingPayload{ChannelID: GatewayChannelID, Text: text})
	if err != nil {
		_ = conn.WriteJSON(wsFrame{Type: "error", Error: "internal error"})
		return
	}
	jobID, err := s.deps.Broker.Enqueue(ctx, broker.JobSpec{Name: string(keyspace.JobMessageProcessing), Data: data})
	if err != nil {
		_ = conn.WriteJSON(wsFrame{Type: "error", Error: "enqueue failed"})
		return
	}
	_ = s.deps.Broker.TrackChannelJob(ctx, GatewayChannelID, jobID)

	events, cancel := s.waiter.Register(GatewayChannelID, jobID)
	defer cancel()

	// Unlike the REST endpoint (which waits only for the terminal event),
	// WS frames stream every intermediate progress event as it arrives.
	waitCtx, waitCancel := context.WithTimeout(ctx, keyspace.ChatWaitTimeout)
	defer waitCancel()
	for {
		select {
		case <-waitCtx.Done():
			_ = conn.WriteJSON(wsFrame{Type: "error", Error: "timed out waiting for a response", JobID: jobID})
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if done := s.wsForward(conn, jobID, event); done {
				return
			}
		}
	}
}

func (s *Server) wsForward(conn *websocket.Conn, jobID string, event progressbus.Event) (terminal bool) {
	switch event.Type {
	case progressbus.EventTyping:
		_ = conn.WriteJSON(wsFrame{Type: "typing", JobID: jobID})
		return false
	case progressbus.EventProgress:
		_ = conn.WriteJSON(wsFrame{Type: "response", Response: event.Message, JobID: jobID})
		return false
	case progressbus.EventFile:
		_ = conn.WriteJSON(wsFrame{Type: "file", FilePath: event.FilePath, Caption: event.Caption, URL: event.URL, Name: event.Name, IsImage: event.IsImage, JobID: jobID})
		return false
	case progressbus.EventComplete:
		_ = conn.WriteJSON(wsFrame{Type: "response", Response: event.Result, JobID: jobID})
		return true
	case progressbus.EventError:
		_ = conn.WriteJSON(wsFrame{Type: "error", Error: event.Error, JobID: jobID})
		return true
	default:
		return false
	}
}
