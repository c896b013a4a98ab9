package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/schema"
	"github.com/planloom/extraction-backend/internal/types"
)

// LLMInvoker is the slice of the LLM capability the agent chain needs.
type LLMInvoker interface {
	Ask(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const (
	AgentStatusSuccess = "success"
	AgentStatusFailed  = "failed"
	AgentStatusTimeout = "timeout"
)

// AgentRunMetadata records one timed agent invocation.
type AgentRunMetadata struct {
	AgentName  string `json:"agentName"`
	AgentOrder int    `json:"agentOrder"`
	DurationMs int64  `json:"durationMs"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// AgentTestResult is the outcome of running a single agent against
// caller-supplied sample data, without touching persisted state.
type AgentTestResult struct {
	Output   []ParsedItem     `json:"output"`
	Metadata AgentRunMetadata `json:"metadata"`
}

// AgentPipeline applies a schema's ordered post-processing chain. A
// failed or timed-out agent never aborts the chain: the pre-agent items
// pass through unchanged with a diagnostic attached, so one bad agent
// degrades results instead of destroying them.
type AgentPipeline struct {
	llm     LLMInvoker
	parser  *Parser
	log     *logger.Logger
	timeout time.Duration
}

func NewAgentPipeline(llm LLMInvoker, parser *Parser, baseLog *logger.Logger, timeout time.Duration) *AgentPipeline {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AgentPipeline{
		llm:     llm,
		parser:  parser,
		log:     baseLog.With("component", "AgentPipeline"),
		timeout: timeout,
	}
}

// Run executes the chain in authoritative order; each agent receives the
// previous stage's output. The chain is capped at MaxAgentsPerSchema.
func (p *AgentPipeline) Run(ctx context.Context, agents []types.AgentDefinition, compiled *schema.CompiledSchema, items []ParsedItem) ([]ParsedItem, []AgentRunMetadata) {
	ordered := schema.SortAgents(agents)
	if len(ordered) > types.MaxAgentsPerSchema {
		p.log.Warn("agent chain over cap, truncating", "count", len(ordered), "cap", types.MaxAgentsPerSchema)
		ordered = ordered[:types.MaxAgentsPerSchema]
	}

	current := items
	metas := make([]AgentRunMetadata, 0, len(ordered))
	for _, agent := range ordered {
		output, meta := p.invoke(ctx, agent, compiled, current)
		metas = append(metas, meta)
		if meta.Status == AgentStatusSuccess {
			// The wire shape carries no diagnostics, so earlier failures
			// recorded on the input items are re-attached to the output.
			if carried := collectDiagnostics(current); len(carried) > 0 {
				for i := range output {
					output[i].Diagnostics = append(output[i].Diagnostics, carried...)
				}
			}
			current = output
			continue
		}
		// Fallback: keep the pre-agent items, record the diagnostic on
		// each so the degradation is visible per item.
		diag := fmt.Sprintf("agent %q %s: %s", agent.Name, meta.Status, meta.Error)
		for i := range current {
			current[i].Diagnostics = append(current[i].Diagnostics, diag)
		}
	}
	return current, metas
}

// RunAgentTest runs exactly one agent against sample data.
func (p *AgentPipeline) RunAgentTest(ctx context.Context, agent types.AgentDefinition, sample []ParsedItem) (*AgentTestResult, error) {
	if agent.Name == "" || agent.Prompt == "" {
		return nil, errors.New("agent name and prompt required")
	}
	output, meta := p.invoke(ctx, agent, nil, sample)
	if meta.Status != AgentStatusSuccess {
		output = sample
	}
	return &AgentTestResult{Output: output, Metadata: meta}, nil
}

func (p *AgentPipeline) invoke(ctx context.Context, agent types.AgentDefinition, compiled *schema.CompiledSchema, items []ParsedItem) ([]ParsedItem, AgentRunMetadata) {
	meta := AgentRunMetadata{AgentName: agent.Name, AgentOrder: agent.Order}

	payload, err := json.Marshal(itemsToWire(items))
	if err != nil {
		meta.Status = AgentStatusFailed
		meta.Error = err.Error()
		return nil, meta
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	started := time.Now()
	raw, err := p.llm.Ask(callCtx, agent.Prompt, string(payload))
	meta.DurationMs = time.Since(started).Milliseconds()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			meta.Status = AgentStatusTimeout
		} else {
			meta.Status = AgentStatusFailed
		}
		meta.Error = err.Error()
		p.log.Warn("agent invocation failed", "agent", agent.Name, "status", meta.Status, "error", err.Error())
		return nil, meta
	}

	output := p.parser.ParseDynamicResponse(raw, compiled)
	if len(output) == 0 && len(items) > 0 {
		meta.Status = AgentStatusFailed
		meta.Error = "agent returned no parseable items"
		return nil, meta
	}
	meta.Status = AgentStatusSuccess
	return output, meta
}

// collectDiagnostics returns the distinct diagnostics across items, in
// first-seen order.
func collectDiagnostics(items []ParsedItem) []string {
	var out []string
	seen := map[string]bool{}
	for _, item := range items {
		for _, d := range item.Diagnostics {
			if seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// itemsToWire rebuilds the model-facing item shape (fields plus metadata
// keys) for the next agent's input.
func itemsToWire(items []ParsedItem) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		obj := make(map[string]any, len(item.Fields)+4)
		for k, v := range item.Fields {
			obj[k] = v
		}
		if item.SourceText != "" {
			obj[keySourceText] = item.SourceText
		}
		if item.Location != "" {
			obj[keyLocation] = item.Location
		}
		if item.PageNumber > 0 {
			obj[keyPageNumber] = item.PageNumber
		}
		obj[keyConfidence] = item.Confidence
		out = append(out, obj)
	}
	return out
}
