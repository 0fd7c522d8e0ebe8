package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

// PromptSource supplies the dynamic pieces of the system prompt: a
// user-editable identity section plus the live lists of registered skills,
// agents, and connected MCP servers. Implementations live outside this
// package (skill/agent registries, MCP client pool are named external
// interfaces, spec §1 Non-goals).
type PromptSource interface {
	Identity(ctx context.Context) (string, error)
	Skills(ctx context.Context) ([]string, error)
	Agents(ctx context.Context) ([]string, error)
	MCPServers(ctx context.Context) ([]string, error)
}

// fixedArchitecture is the non-editable section of every system prompt,
// describing the runtime's shape to the model.
const fixedArchitecture = `You are the orchestrator of a multi-process assistant runtime. You may call
local tools directly or dispatch tool/skill jobs to a remote worker fleet.
Tool results are appended to the conversation before you continue. Keep
narration brief; the user sees progress events, not your internal reasoning.`

// promptCache rebuilds the system prompt lazily and caches it in-process
// until Invalidate is called (spec §4.7: "cached in-process and invalidated
// on config / skill / agent / MCP reload").
type promptCache struct {
	source PromptSource

	mu    sync.Mutex
	built string
	valid bool
}

func newPromptCache(source PromptSource) *promptCache {
	return &promptCache{source: source}
}

func (c *promptCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

func (c *promptCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid {
		return c.built, nil
	}
	built, err := c.build(ctx)
	if err != nil {
		return "", err
	}
	c.built = built
	c.valid = true
	return built, nil
}

func (c *promptCache) build(ctx context.Context) (string, error) {
	identity, err := c.source.Identity(ctx)
	if err != nil {
		return "", fmt.Errorf("orchestrator: load identity: %w", err)
	}
	skills, err := c.source.Skills(ctx)
	if err != nil {
		return "", fmt.Errorf("orchestrator: load skills: %w", err)
	}
	agents, err := c.source.Agents(ctx)
	if err != nil {
		return "", fmt.Errorf("orchestrator: load agents: %w", err)
	}
	mcps, err := c.source.MCPServers(ctx)
	if err != nil {
		return "", fmt.Errorf("orchestrator: load mcp servers: %w", err)
	}

	var b strings.Builder
	b.WriteString(strings.TrimSpace(identity))
	b.WriteString("\n\n")
	b.WriteString(fixedArchitecture)
	writeList(&b, "Registered skills", skills)
	writeList(&b, "Registered agents", agents)
	writeList(&b, "Connected MCP servers", mcps)
	return b.String(), nil
}

func writeList(b *strings.Builder, title string, items []string) {
	b.WriteString("\n\n")
	b.WriteString(title)
	b.WriteString(":\n")
	if len(items) == 0 {
		b.WriteString("(none)")
		return
	}
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
}

// WatchReloads subscribes to the config/skill/agent/MCP reload channels and
// invalidates the cached system prompt whenever one fires. Blocks until ctx
// is cancelled; intended to run as a single long-lived goroutine per node.
func (o *Orchestrator) WatchReloads(ctx context.Context, rdb *redis.Client) error {
	sub := rdb.Subscribe(ctx, keyspace.ChanConfigReload, keyspace.ChanSkillsReload, keyspace.ChanMCPReload)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			o.prompt.Invalidate()
		}
	}
}
