package gateway

import (
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/internal/broker"
	"github.com/scalyclaw/scalyclaw/internal/keyspace"
	"github.com/scalyclaw/scalyclaw/internal/model"
	"github.com/scalyclaw/scalyclaw/internal/pathsafe"
	"github.com/scalyclaw/scalyclaw/internal/registry"
)

// setupRoutes wires the full REST+WS surface named by spec §6. Every /api
// route is bearer-authed and rate-limited; /health, /status, and /ws use
// their own auth (or none, for /health/status).
func (s *Server) setupRoutes() {
	s.engine.Use(corsMiddleware(s.cfg.AllowedOrigins))

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/ws", s.handleWS)

	api := s.engine.Group("/api")
	api.Use(authMiddleware(s.cfg.AuthToken))
	api.Use(rateLimiter(s.deps, s.cfg.RateLimitMax, s.cfg.RateLimitWindow))

	api.POST("/chat", s.handleChat)

	api.GET("/messages", s.handleMessagesGet)
	api.DELETE("/messages", s.handleMessagesDelete)

	mcp := api.Group("/mcp")
	mcp.GET("", s.handleMCPList)
	mcp.POST("", s.handleMCPCreate)
	mcp.GET("/:id", s.handleMCPGet)
	mcp.PUT("/:id", s.handleMCPUpdate)
	mcp.PATCH("/:id", s.handleMCPUpdate)
	mcp.DELETE("/:id", s.handleMCPDelete)
	mcp.POST("/:id/reconnect", s.handleMCPReconnect)

	mem := api.Group("/memory")
	mem.GET("", s.handleMemoryList)
	mem.POST("", s.handleMemoryCreate)
	mem.GET("/search", s.handleMemorySearch)
	mem.GET("/:id", s.handleMemoryGet)
	mem.PUT("/:id", s.handleMemoryUpdate)
	mem.DELETE("/:id", s.handleMemoryDelete)

	ws := api.Group("/workspace")
	ws.GET("/files", s.handleWorkspaceFiles)
	ws.GET("/file", s.handleWorkspaceFileGet)
	ws.POST("/file", s.handleWorkspaceFileWrite)
	ws.PATCH("/file", s.handleWorkspaceFileWrite)

	sch := api.Group("/scheduler")
	sch.GET("", s.handleSchedulerList)
	sch.POST("/:kind", s.handleSchedulerCreate)
	sch.DELETE("/:id", s.handleSchedulerCancel)
	sch.DELETE("/:id/purge", s.handleSchedulerPurge)
	sch.POST("/:id/complete", s.handleSchedulerComplete)

	api.GET("/usage", s.handleUsage)
	api.GET("/budget", s.handleUsage)
	api.GET("/workers", s.handleWorkers)
	api.GET("/pending", s.handlePending)

	jobs := api.Group("/jobs")
	jobs.GET("", s.handleJobsList)
	jobs.GET("/counts", s.handleJobsCounts)
	jobs.GET("/:id", s.handleJobsGet)
	jobs.POST("/:id/retry", s.handleJobsRetry)
	jobs.POST("/:id/fail", s.handleJobsFail)
	jobs.POST("/:id/complete", s.handleJobsComplete)
	jobs.POST("/:id/cancel", s.handleJobsCancel)

	vlt := api.Group("/vault")
	vlt.GET("", s.handleVaultList)
	vlt.POST("", s.handleVaultCreate)
	vlt.GET("/:name/reveal", s.handleVaultReveal)
	vlt.DELETE("/:name", s.handleVaultDelete)

	mind := api.Group("/mind")
	mind.GET("", s.handleMindList)
	mind.GET("/:name", s.handleMindGet)
	mind.PUT("/:name", s.handleMindPut)

	api.GET("/skills/:id/zip", s.handleSkillZip)
	api.GET("/files", s.handleFiles)
}

// --- health / status ---------------------------------------------------

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	procs, err := registry.List(ctx, s.deps.Redis, s.log)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processes": procs})
}

// --- messages ------------------------------------------------------------

func (s *Server) handleMessagesGet(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rows := s.deps.Store.Recent(GatewayChannelID, limit)
	c.JSON(http.StatusOK, gin.H{"messages": rows})
}

func (s *Server) handleMessagesDelete(c *gin.Context) {
	s.deps.Store.DeleteChannel(GatewayChannelID)
	c.Status(http.StatusNoContent)
}

// --- mcp -------------------------------------------------------------------

func (s *Server) handleMCPList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": s.mcp.list()})
}

func (s *Server) handleMCPGet(c *gin.Context) {
	srv, ok := s.mcp.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, srv)
}

type mcpRequest struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (s *Server) handleMCPCreate(c *gin.Context) {
	var req mcpRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and url are required"})
		return
	}
	srv, err := s.mcp.create(req.ID, req.URL)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	s.refreshRegistrations(c.Request.Context())
	c.JSON(http.StatusCreated, srv)
}

func (s *Server) handleMCPUpdate(c *gin.Context) {
	var req mcpRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	srv, ok := s.mcp.update(c.Param("id"), req.URL)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.refreshRegistrations(c.Request.Context())
	c.JSON(http.StatusOK, srv)
}

func (s *Server) handleMCPDelete(c *gin.Context) {
	if !s.mcp.delete(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.refreshRegistrations(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMCPReconnect(c *gin.Context) {
	if !s.mcp.reconnect(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.refreshRegistrations(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"reconnected": true})
}

// --- memory ----------------------------------------------------------------

func (s *Server) handleMemoryList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, gin.H{"rows": s.deps.Store.Recent(GatewayChannelID, limit)})
}

func (s *Server) handleMemorySearch(c *gin.Context) {
	hits, err := s.deps.Store.Search(c.Request.Context(), GatewayChannelID, c.Query("q"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": hits})
}

type memoryRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) handleMemoryCreate(c *gin.Context) {
	var req memoryRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	role := model.Role(req.Role)
	if role == "" {
		role = model.RoleUser
	}
	if err := s.deps.Store.SaveMessage(c.Request.Context(), GatewayChannelID, role, req.Content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusCreated)
}

// handleMemoryGet/Update/Delete operate at the granularity memstore.Store
// actually exposes (per-channel rows, no per-row id); {id} here is the
// channel id, matching GatewayChannelID in the single-channel gateway
// deployment this process serves.
func (s *Server) handleMemoryGet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rows": s.deps.Store.Recent(c.Param("id"), 0)})
}

func (s *Server) handleMemoryUpdate(c *gin.Context) {
	var req memoryRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	role := model.Role(req.Role)
	if role == "" {
		role = model.RoleAssistant
	}
	if err := s.deps.Store.SaveMessage(c.Request.Context(), c.Param("id"), role, req.Content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleMemoryDelete(c *gin.Context) {
	s.deps.Store.DeleteChannel(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// --- workspace ---------------------------------------------------------

func (s *Server) workspaceRoot() string { return filepath.Join(s.cfg.HomeDir, "workspace") }

func (s *Server) handleWorkspaceFiles(c *gin.Context) {
	root := s.workspaceRoot()
	var names []string
	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	c.JSON(http.StatusOK, gin.H{"files": names})
}

func (s *Server) handleWorkspaceFileGet(c *gin.Context) {
	rel := c.Query("path")
	if rel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	full, err := pathsafe.Resolve(s.workspaceRoot(), rel)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.Header("X-Content-Type-Options", "nosniff")
	c.File(full)
}

type workspaceWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleWorkspaceFileWrite(c *gin.Context) {
	var req workspaceWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	full, err := pathsafe.Resolve(s.workspaceRoot(), req.Path)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := os.WriteFile(full, []byte(req.Content), 0o644); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

// --- scheduler ---------------------------------------------------------

type schedulerRequest struct {
	ChannelID   string `json:"channelId"`
	Description string `json:"description"`
	Task        string `json:"task"`
	RunAt       string `json:"runAt"`
	DelayMs     int64  `json:"delayMs"`
	Cron        string `json:"cron"`
	IntervalMs  int64  `json:"intervalMs"`
	TZ          string `json:"tz"`
}

func (s *Server) handleSchedulerList(c *gin.Context) {
	jobs, err := s.deps.Scheduler.ListAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// handleSchedulerCreate implements POST /api/scheduler/{kind} for kind in
// {reminder, recurrent-reminder, task, recurrent-task} (spec §6).
func (s *Server) handleSchedulerCreate(c *gin.Context) {
	var req schedulerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	channelID := req.ChannelID
	if channelID == "" {
		channelID = GatewayChannelID
	}
	ctx := c.Request.Context()

	delayMs := req.DelayMs
	if req.RunAt != "" {
		runAt, err := time.Parse(time.RFC3339, req.RunAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "runAt must be RFC3339"})
			return
		}
		delayMs = time.Until(runAt).Milliseconds()
		if delayMs < 0 {
			delayMs = 0
		}
	}

	var (
		id  string
		err error
	)
	switch c.Param("kind") {
	case "reminder":
		id, err = s.deps.Scheduler.CreateReminder(ctx, channelID, req.Description, delayMs)
	case "recurrent-reminder":
		id, err = s.deps.Scheduler.CreateRecurrentReminder(ctx, channelID, req.Description, broker.Repeat{Cron: req.Cron, Every: req.IntervalMs, TZ: req.TZ})
	case "task":
		id, err = s.deps.Scheduler.CreateTask(ctx, channelID, req.Task, delayMs)
	case "recurrent-task":
		id, err = s.deps.Scheduler.CreateRecurrentTask(ctx, channelID, req.Task, broker.Repeat{Cron: req.Cron, Every: req.IntervalMs, TZ: req.TZ})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown scheduler kind"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleSchedulerCancel(c *gin.Context) {
	if err := s.deps.Scheduler.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSchedulerPurge(c *gin.Context) {
	if err := s.deps.Scheduler.Purge(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSchedulerComplete(c *gin.Context) {
	if err := s.deps.Scheduler.Complete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

// --- usage / budget / workers / pending ---------------------------------

func (s *Server) handleUsage(c *gin.Context) {
	status, err := s.deps.Budget.CheckBefore(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleWorkers(c *gin.Context) {
	procs, err := registry.List(c.Request.Context(), s.deps.Redis, s.log)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	workers := make([]registry.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if p.Type == registry.KindWorker {
			workers = append(workers, p)
		}
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers})
}

func (s *Server) handlePending(c *gin.Context) {
	jobs, err := s.deps.Broker.ListJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pending := make([]broker.Job, 0, len(jobs))
	for _, j := range jobs {
		switch j.State {
		case broker.StateWaiting, broker.StateActive, broker.StateDelayed, broker.StatePrioritized:
			pending = append(pending, j)
		}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": pending})
}

// --- jobs ----------------------------------------------------------------

func (s *Server) handleJobsList(c *gin.Context) {
	jobs, err := s.deps.Broker.ListJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleJobsCounts(c *gin.Context) {
	counts, err := s.deps.Broker.Counts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (s *Server) handleJobsGet(c *gin.Context) {
	job, err := s.deps.Broker.GetJobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleJobsRetry(c *gin.Context) {
	if err := s.deps.Broker.Retry(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

type jobFailRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleJobsFail(c *gin.Context) {
	var req jobFailRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "marked failed by operator"
	}
	if err := s.deps.Broker.ForceFail(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) handleJobsComplete(c *gin.Context) {
	if err := s.deps.Broker.ForceComplete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

// handleJobsCancel requests cross-process cancellation of a running job
// (spec §8 scenario 6). Distinct from scheduler cancel, which stops future
// fires rather than in-flight work.
func (s *Server) handleJobsCancel(c *gin.Context) {
	if err := s.deps.Cancel.RequestJobCancel(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

// --- vault -----------------------------------------------------------------

func (s *Server) handleVaultList(c *gin.Context) {
	names, err := s.deps.Vault.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"secrets": names})
}

type vaultRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Server) handleVaultCreate(c *gin.Context) {
	var req vaultRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and value are required"})
		return
	}
	if err := s.deps.Vault.Store(c.Request.Context(), req.Name, req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) handleVaultReveal(c *gin.Context) {
	value, ok, err := s.deps.Vault.Resolve(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "secret not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "value": value})
}

func (s *Server) handleVaultDelete(c *gin.Context) {
	if err := s.deps.Vault.Delete(c.Request.Context(), c.Param("name")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- mind ------------------------------------------------------------------

func (s *Server) handleMindList(c *gin.Context) {
	names, err := s.mind.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": names})
}

func (s *Server) handleMindGet(c *gin.Context) {
	content, err := s.mind.Get(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "content": content})
}

type mindRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleMindPut(c *gin.Context) {
	var req mindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	name := c.Param("name")
	if err := s.mind.Put(name, req.Content); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	if name == "identity" && s.deps.Store != nil {
		s.deps.Store.SetIdentity(req.Content)
		if s.deps.Redis != nil {
			s.deps.Redis.Publish(c.Request.Context(), keyspace.ChanConfigReload, "1")
		}
	}
	c.Status(http.StatusOK)
}

// --- skills / files --------------------------------------------------------

func (s *Server) handleSkillZip(c *gin.Context) {
	data, ok, err := s.deps.Skills.Zip(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "skill bundle not found"})
		return
	}
	c.Data(http.StatusOK, "application/zip", data)
}

// unsafeInlineExt names extensions the browser could execute as active
// content if served inline (spec §6: "attachment ... for HTML/SVG").
var unsafeInlineExt = map[string]bool{".html": true, ".htm": true, ".svg": true}

func (s *Server) handleFiles(c *gin.Context) {
	rel := c.Query("path")
	if rel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	full, err := pathsafe.Resolve(s.workspaceRoot(), rel)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}

	ext := strings.ToLower(filepath.Ext(full))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Content-Type", contentType)
	if unsafeInlineExt[ext] {
		c.Header("Content-Disposition", "attachment; filename=\""+filepath.Base(full)+"\"")
	} else {
		c.Header("Content-Disposition", "inline; filename=\""+filepath.Base(full)+"\"")
	}
	c.File(full)
}
