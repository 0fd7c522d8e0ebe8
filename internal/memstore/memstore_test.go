package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/model"
)

func TestSaveMessageAndRecent(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveMessage(ctx, "chan-1", model.RoleUser, "hello"))
	require.NoError(t, s.SaveMessage(ctx, "chan-1", model.RoleAssistant, "hi there"))

	rows := s.Recent("chan-1", 10)
	require.Len(t, rows, 2)
	require.Equal(t, "hello", rows[0].Content)
	require.Equal(t, "hi there", rows[1].Content)
}

func TestRecentRespectsLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveMessage(ctx, "chan-1", model.RoleUser, "msg"))
	}
	rows := s.Recent("chan-1", 2)
	require.Len(t, rows, 2)
}

func TestSaveBlockedMarksRow(t *testing.T) {
	s := New()
	require.NoError(t, s.SaveBlocked(context.Background(), "chan-1", "bad text", "content-security"))
	rows := s.Recent("chan-1", 0)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Blocked)
	require.Equal(t, "content-security", rows[0].Reason)
}

func TestDeleteChannel(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveMessage(ctx, "chan-1", model.RoleUser, "hello"))
	s.DeleteChannel("chan-1")
	require.Empty(t, s.Recent("chan-1", 0))
}

func TestSearchFindsSubstring(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SaveMessage(ctx, "chan-1", model.RoleUser, "my favorite color is blue"))
	require.NoError(t, s.SaveMessage(ctx, "chan-1", model.RoleAssistant, "noted"))

	hits, err := s.Search(ctx, "chan-1", "favorite color")
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = s.Search(ctx, "chan-1", "nonexistent")
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSearchSkipsBlockedRows(t *testing.T) {
	s := New()
	require.NoError(t, s.SaveBlocked(context.Background(), "chan-1", "forbidden payload text", "content-security"))
	hits, err := s.Search(context.Background(), "chan-1", "forbidden")
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestPromptSourceDefaultsAndOverrides(t *testing.T) {
	s := New()
	ctx := context.Background()

	identity, err := s.Identity(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, identity)

	s.SetIdentity("custom identity")
	s.SetRegistrations([]string{"skill-a"}, []string{"agent-a"}, []string{"mcp-a"})

	identity, err = s.Identity(ctx)
	require.NoError(t, err)
	require.Equal(t, "custom identity", identity)

	skills, err := s.Skills(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"skill-a"}, skills)

	agents, err := s.Agents(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"agent-a"}, agents)

	mcps, err := s.MCPServers(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"mcp-a"}, mcps)
}
