// Package modelanthropic implements model.Client on top of the Anthropic
// Claude Messages API. It is adapted from the teacher's
// features/model/anthropic adapter: the multi-modal document/citation and
// streaming machinery was dropped (ScalyClaw's chat loop is text+tool-call
// only), but the narrow MessagesClient interface, model-class resolution,
// and tool-name sanitization shape are kept.
package modelanthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/scalyclaw/scalyclaw/internal/model"
)

// MessagesClient is the subset of the Anthropic SDK used by Client. Narrowed
// to an interface so tests can substitute a fake instead of an HTTP client.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures default model selection and completion limits.
type Options struct {
	// DefaultModel is used when a Request has neither Model nor a resolvable
	// ModelClass. Required.
	DefaultModel string
	// HighModel backs model.ModelClassHighReasoning.
	HighModel string
	// SmallModel backs model.ModelClassSmall.
	SmallModel string
	// MaxTokens is the completion cap used when Request.MaxTokens is unset.
	MaxTokens int
}

// Client implements model.Client against the Anthropic Messages API.
type Client struct {
	msg          MessagesClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTok       int
}

// New builds a Client from an existing Anthropic Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("modelanthropic: client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("modelanthropic: default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
	}, nil
}

// NewFromAPIKey constructs a Client reading ANTHROPIC_API_KEY via the SDK's
// default HTTP client configuration.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("modelanthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel, MaxTokens: 4096})
}

// Complete issues a non-streaming Messages.New request and translates the
// response into the orchestrator's model.Response shape.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, nameMap, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("modelanthropic: messages.new: %w", err)
	}
	return translateResponse(msg, nameMap), nil
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("modelanthropic: messages are required")
	}
	modelID := c.resolveModelID(req)
	if modelID == "" {
		return nil, nil, errors.New("modelanthropic: model identifier is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return nil, nil, errors.New("modelanthropic: max tokens must be positive")
	}

	toolParams, sanToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, nil, err
	}

	params := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	return params, sanToCanon, nil
}

func (c *Client) resolveModelID(req *model.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case model.ModelClassHighReasoning:
		if c.highModel != "" {
			return c.highModel
		}
	case model.ModelClassSmall:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			// System turns are folded into params.System by the caller.
			continue
		case model.RoleUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Input) > 0 {
					if err := json.Unmarshal(tc.Input, &input); err != nil {
						return nil, fmt.Errorf("modelanthropic: decode tool call input: %w", err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case model.RoleTool:
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return nil, fmt.Errorf("modelanthropic: unknown role %q", m.Role)
		}
	}
	return out, nil
}

func encodeTools(defs []model.ToolSpec) ([]sdk.ToolUnionParam, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		sanToCanon[sanitized] = def.Name

		var schemaMap map[string]any
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &schemaMap); err != nil {
				return nil, nil, fmt.Errorf("modelanthropic: tool %q schema: %w", def.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaMap}, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, sanToCanon, nil
}

// sanitizeToolName maps ScalyClaw's dotted/colon tool identifiers to the
// `^[a-zA-Z0-9_-]{1,128}$` names the Anthropic API requires.
func sanitizeToolName(name string) string {
	replacer := strings.NewReplacer(".", "_", ":", "_", "/", "_", " ", "_")
	s := replacer.Replace(name)
	if len(s) > 128 {
		s = s[:128]
	}
	return s
}

func translateResponse(msg *sdk.Message, nameMap map[string]string) *model.Response {
	resp := &model.Response{}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			name := block.Name
			if canon, ok := nameMap[name]; ok {
				name = canon
			}
			input, _ := json.Marshal(block.Input)
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:    block.ID,
				Name:  name,
				Input: input,
			})
		}
	}
	resp.Text = text.String()
	resp.Usage = model.Usage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	switch msg.StopReason {
	case sdk.StopReasonToolUse:
		resp.StopReason = model.StopToolUse
	case sdk.StopReasonMaxTokens:
		resp.StopReason = model.StopMaxTokens
	default:
		resp.StopReason = model.StopEndTurn
	}
	return resp
}
