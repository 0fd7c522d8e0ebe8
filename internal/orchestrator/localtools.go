package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/scalyclaw/scalyclaw/internal/progressbus"
	"github.com/scalyclaw/scalyclaw/internal/vault"
)

// Names of the built-in local tools (spec §4.7: "execute locally (e.g.
// send_message, memory_search, vault_list, system_info)").
const (
	ToolSendMessage  = "send_message"
	ToolMemorySearch = "memory_search"
	ToolVaultList    = "vault_list"
	ToolSystemInfo   = "system_info"
)

// MemorySearcher is the narrow collaborator backing memory_search. The
// long-term memory store is an out-of-scope external system (spec §1); the
// orchestrator only depends on this interface.
type MemorySearcher interface {
	Search(ctx context.Context, channelID, query string) ([]string, error)
}

// sendMessageInput is the expected shape of a send_message tool call.
type sendMessageInput struct {
	Text string `json:"text"`
}

// searchInput is the expected shape of a memory_search tool call.
type searchInput struct {
	Query string `json:"query"`
}

// BuiltinLocalTools returns the default dynamic-tool-registry entries (spec
// §9 design note: "mapping name → handler(input, ctx) → string"). progress
// is used by send_message to push narration immediately rather than
// waiting for the loop's own per-iteration progress event; memory may be
// nil, in which case memory_search reports it is unavailable; v may be nil,
// in which case vault_list reports no vault is configured.
func BuiltinLocalTools(progress *progressbus.Bus, memory MemorySearcher, v *vault.Vault) map[string]ToolHandler {
	return map[string]ToolHandler{
		ToolSendMessage:  sendMessageTool(progress),
		ToolMemorySearch: memorySearchTool(memory),
		ToolVaultList:    vaultListTool(v),
		ToolSystemInfo:   systemInfoTool(),
	}
}

func sendMessageTool(progress *progressbus.Bus) ToolHandler {
	return func(ctx context.Context, channelID string, input json.RawMessage) (string, error) {
		var in sendMessageInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("send_message: decode input: %w", err)
		}
		if err := progress.Publish(ctx, channelID, progressbus.Event{Type: progressbus.EventProgress, Message: in.Text}); err != nil {
			return "", fmt.Errorf("send_message: publish: %w", err)
		}
		return "sent", nil
	}
}

func memorySearchTool(memory MemorySearcher) ToolHandler {
	return func(ctx context.Context, channelID string, input json.RawMessage) (string, error) {
		if memory == nil {
			return "memory search is not available", nil
		}
		var in searchInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("memory_search: decode input: %w", err)
		}
		results, err := memory.Search(ctx, channelID, in.Query)
		if err != nil {
			return "", fmt.Errorf("memory_search: %w", err)
		}
		if len(results) == 0 {
			return "no matching memories", nil
		}
		out, err := json.Marshal(results)
		if err != nil {
			return "", fmt.Errorf("memory_search: encode results: %w", err)
		}
		return string(out), nil
	}
}

func vaultListTool(v *vault.Vault) ToolHandler {
	return func(ctx context.Context, channelID string, input json.RawMessage) (string, error) {
		if v == nil {
			return "no vault configured", nil
		}
		names, err := v.List(ctx)
		if err != nil {
			return "", fmt.Errorf("vault_list: %w", err)
		}
		out, err := json.Marshal(names)
		if err != nil {
			return "", fmt.Errorf("vault_list: encode names: %w", err)
		}
		return string(out), nil
	}
}

func systemInfoTool() ToolHandler {
	return func(ctx context.Context, channelID string, input json.RawMessage) (string, error) {
		info := struct {
			GoVersion string `json:"goVersion"`
			OS        string `json:"os"`
			Arch      string `json:"arch"`
			NumCPU    int    `json:"numCpu"`
		}{
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			NumCPU:    runtime.NumCPU(),
		}
		out, err := json.Marshal(info)
		if err != nil {
			return "", fmt.Errorf("system_info: encode: %w", err)
		}
		return string(out), nil
	}
}
