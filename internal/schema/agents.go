package schema

import (
	"sort"
	"strings"

	"github.com/planloom/extraction-backend/internal/pkg/apperr"
	"github.com/planloom/extraction-backend/internal/types"
)

// ValidateAgents structurally checks a schema's post-processing chain:
// bounded length, non-empty name and prompt, unique non-negative orders.
func ValidateAgents(agents []types.AgentDefinition) error {
	if len(agents) > types.MaxAgentsPerSchema {
		return apperr.Validation("at most %d agents per schema, got %d", types.MaxAgentsPerSchema, len(agents))
	}
	seenOrders := make(map[int]string, len(agents))
	for i, agent := range agents {
		if strings.TrimSpace(agent.Name) == "" {
			return apperr.Validation("agent %d has no name", i)
		}
		if strings.TrimSpace(agent.Prompt) == "" {
			return apperr.Validation("agent %q has no prompt", agent.Name)
		}
		if agent.Order < 0 {
			return apperr.Validation("agent %q has negative order %d", agent.Name, agent.Order)
		}
		if prev, dup := seenOrders[agent.Order]; dup {
			return apperr.Validation("agents %q and %q share order %d", prev, agent.Name, agent.Order)
		}
		seenOrders[agent.Order] = agent.Name
	}
	return nil
}

// SortAgents returns the chain in authoritative execution order.
func SortAgents(agents []types.AgentDefinition) []types.AgentDefinition {
	out := make([]types.AgentDefinition, len(agents))
	copy(out, agents)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
