// Package memstore is a minimal in-process stand-in for the persistent
// message/memory store named as an out-of-scope external collaborator
// (spec §1: "the SQLite message/memory store"). Nothing in this repo
// depends on SQLite specifically; this package exists only so
// cmd/node has a concrete orchestrator.MessageStore, orchestrator.PromptSource,
// and orchestrator.MemorySearcher to wire without inventing a fake database
// driver. A real deployment swaps this for the named external store without
// touching internal/orchestrator or internal/processor.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/model"
)

// Row is one persisted conversation turn or blocked-message record.
type Row struct {
	ChannelID string
	Role      model.Role
	Content   string
	Blocked   bool
	Reason    string
	At        time.Time
}

// Store holds conversation history and blocked-message records per channel,
// guarded by a single mutex (spec §5: "in-process maps are guarded by
// whatever mutual-exclusion primitive the host language provides").
type Store struct {
	mu   sync.RWMutex
	rows map[string][]Row

	identityMu sync.RWMutex
	identity   string
	skills     []string
	agents     []string
	mcpServers []string
}

// New constructs an empty Store with a default identity section.
func New() *Store {
	return &Store{
		rows:     make(map[string][]Row),
		identity: "You are ScalyClaw, a helpful multi-channel assistant.",
	}
}

// SaveMessage appends a normal conversation turn (orchestrator.MessageStore).
func (s *Store) SaveMessage(ctx context.Context, channelID string, role model.Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[channelID] = append(s.rows[channelID], Row{ChannelID: channelID, Role: role, Content: content, At: time.Now()})
	return nil
}

// SaveBlocked records a rejected inbound message (spec §4.6: "Failed
// inbound messages are stored with {blocked: true, reason}").
func (s *Store) SaveBlocked(ctx context.Context, channelID, text, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[channelID] = append(s.rows[channelID], Row{
		ChannelID: channelID,
		Role:      model.RoleUser,
		Content:   text,
		Blocked:   true,
		Reason:    reason,
		At:        time.Now(),
	})
	return nil
}

// Recent returns up to limit of the most recent rows for channelID, oldest
// first, for the /api/messages gateway endpoint.
func (s *Store) Recent(channelID string, limit int) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rows[channelID]
	if limit <= 0 || limit >= len(rows) {
		out := make([]Row, len(rows))
		copy(out, rows)
		return out
	}
	out := make([]Row, limit)
	copy(out, rows[len(rows)-limit:])
	return out
}

// DeleteChannel clears every row for channelID (DELETE /api/messages).
func (s *Store) DeleteChannel(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, channelID)
}

// Search implements orchestrator.MemorySearcher with a naive substring scan
// over the channel's own history; there is no embedding pipeline in scope
// (spec §1: "embedding generation" is named out-of-scope).
func (s *Store) Search(ctx context.Context, channelID, query string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	var hits []string
	for _, row := range s.rows[channelID] {
		if row.Blocked {
			continue
		}
		if strings.Contains(strings.ToLower(row.Content), query) {
			hits = append(hits, fmt.Sprintf("[%s] %s", row.Role, row.Content))
		}
	}
	sort.Strings(hits)
	return hits, nil
}

// SetIdentity overrides the identity section of the system prompt (spec §6:
// "GET /api/mind[/{name}], PUT /api/mind/{name} restricted to identity
// files").
func (s *Store) SetIdentity(text string) {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	s.identity = text
}

// SetRegistrations updates the dynamic lists rendered into the system
// prompt; an empty slice clears a list.
func (s *Store) SetRegistrations(skills, agents, mcpServers []string) {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	s.skills = skills
	s.agents = agents
	s.mcpServers = mcpServers
}

// Identity implements orchestrator.PromptSource.
func (s *Store) Identity(ctx context.Context) (string, error) {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.identity, nil
}

// Skills implements orchestrator.PromptSource.
func (s *Store) Skills(ctx context.Context) ([]string, error) {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return append([]string(nil), s.skills...), nil
}

// Agents implements orchestrator.PromptSource.
func (s *Store) Agents(ctx context.Context) ([]string, error) {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return append([]string(nil), s.agents...), nil
}

// MCPServers implements orchestrator.PromptSource.
func (s *Store) MCPServers(ctx context.Context) ([]string, error) {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return append([]string(nil), s.mcpServers...), nil
}
