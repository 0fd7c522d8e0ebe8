// Package guards implements the layered security pipeline (spec §4.6):
// content/skill/agent security classifiers backed by a fast model class, run
// in order with first-failure short-circuit, plus a non-LLM echo guard that
// re-verifies orchestrator output isn't a re-emission of a blocked payload.
package guards

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/model"
)

// Layer names, used as Result.FailedLayer.
const (
	LayerContentSecurity = "content-security"
	LayerSkillSecurity   = "skill-security"
	LayerAgentSecurity   = "agent-security"
	LayerEcho            = "echo"
)

// Result is the outcome of running one or more guard layers against a piece
// of text (spec §4.6: "text → {passed, reason?, failedLayer?, durationMs}").
type Result struct {
	Passed      bool
	Reason      string
	FailedLayer string
	DurationMs  int64
}

// classifierLayer is one LLM-backed security check: a fixed system prompt
// evaluated against the candidate text using a cheap/fast model class.
type classifierLayer struct {
	name         string
	systemPrompt string
}

// Pipeline runs the three classifier layers (in order) before enqueue, and
// the echo guard after orchestrator output.
type Pipeline struct {
	client model.Client
	layers []classifierLayer

	mu      sync.RWMutex
	blocked []string // known-blocked payloads, checked by the echo guard
}

// New constructs a Pipeline. client is the classifier model (ModelClassSmall
// is used for every layer call — these are cheap, high-volume checks).
func New(client model.Client) *Pipeline {
	return &Pipeline{
		client: client,
		layers: []classifierLayer{
			{name: LayerContentSecurity, systemPrompt: contentSecurityPrompt},
			{name: LayerSkillSecurity, systemPrompt: skillSecurityPrompt},
			{name: LayerAgentSecurity, systemPrompt: agentSecurityPrompt},
		},
	}
}

// CheckInbound runs content/skill/agent security layers in order against an
// incoming message, short-circuiting at the first failure.
func (p *Pipeline) CheckInbound(ctx context.Context, text string) (Result, error) {
	start := time.Now()
	for _, layer := range p.layers {
		passed, reason, err := p.classify(ctx, layer, text)
		if err != nil {
			return Result{}, fmt.Errorf("guards: %s layer: %w", layer.name, err)
		}
		if !passed {
			return Result{
				Passed:      false,
				Reason:      reason,
				FailedLayer: layer.name,
				DurationMs:  time.Since(start).Milliseconds(),
			}, nil
		}
	}
	return Result{Passed: true, DurationMs: time.Since(start).Milliseconds()}, nil
}

func (p *Pipeline) classify(ctx context.Context, layer classifierLayer, text string) (passed bool, reason string, err error) {
	resp, err := p.client.Complete(ctx, &model.Request{
		System:     layer.systemPrompt,
		Messages:   []model.Message{{Role: model.RoleUser, Content: text}},
		ModelClass: model.ModelClassSmall,
		MaxTokens:  128,
	})
	if err != nil {
		return false, "", err
	}
	verdict := strings.TrimSpace(resp.Text)
	if strings.HasPrefix(verdict, "BLOCK") {
		reason = strings.TrimSpace(strings.TrimPrefix(verdict, "BLOCK:"))
		if reason == "" {
			reason = "blocked by " + layer.name
		}
		return false, reason, nil
	}
	return true, "", nil
}

// RememberBlocked records a rejected payload so CheckEcho can catch a later
// orchestrator response that merely re-emits it.
func (p *Pipeline) RememberBlocked(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked = append(p.blocked, text)
	const maxRemembered = 256
	if len(p.blocked) > maxRemembered {
		p.blocked = p.blocked[len(p.blocked)-maxRemembered:]
	}
}

// echoSimilarityThreshold is the normalized-Levenshtein similarity above
// which an orchestrator response is treated as a re-emission of a blocked
// payload rather than coincidental textual overlap.
const echoSimilarityThreshold = 0.85

// CheckEcho runs the non-LLM echo guard against the orchestrator's final
// output (spec §4.6: "repeat-verify that the response is not a re-emission
// of a blocked payload"). No model call: pure string similarity against the
// in-process set of recently blocked payloads.
func (p *Pipeline) CheckEcho(text string) Result {
	start := time.Now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, blocked := range p.blocked {
		if similarity(text, blocked) >= echoSimilarityThreshold {
			return Result{
				Passed:      false,
				Reason:      "response closely matches a previously blocked payload",
				FailedLayer: LayerEcho,
				DurationMs:  time.Since(start).Milliseconds(),
			}
		}
	}
	return Result{Passed: true, DurationMs: time.Since(start).Milliseconds()}
}

// similarity returns a normalized Levenshtein similarity in [0,1]: 1 means
// identical, 0 means no characters in common within the edit distance.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

// levenshtein computes the classic edit distance between a and b using a
// two-row dynamic-programming table.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
