package schema

import (
	"fmt"
	"testing"

	"github.com/planloom/extraction-backend/internal/types"
)

func TestValidateAgentsAcceptsWellFormedChain(t *testing.T) {
	agents := []types.AgentDefinition{
		{Name: "unit-normalizer", Order: 1, Prompt: "normalize units"},
		{Name: "deduper", Order: 0, Prompt: "merge duplicates"},
	}
	if err := ValidateAgents(agents); err != nil {
		t.Fatalf("ValidateAgents: %v", err)
	}
}

func TestValidateAgentsRejections(t *testing.T) {
	over := make([]types.AgentDefinition, types.MaxAgentsPerSchema+1)
	for i := range over {
		over[i] = types.AgentDefinition{Name: fmt.Sprintf("a%d", i), Order: i, Prompt: "p"}
	}
	cases := []struct {
		name   string
		agents []types.AgentDefinition
	}{
		{"over cap", over},
		{"empty name", []types.AgentDefinition{{Name: "  ", Order: 0, Prompt: "p"}}},
		{"empty prompt", []types.AgentDefinition{{Name: "a", Order: 0, Prompt: ""}}},
		{"negative order", []types.AgentDefinition{{Name: "a", Order: -1, Prompt: "p"}}},
		{"duplicate order", []types.AgentDefinition{
			{Name: "a", Order: 2, Prompt: "p"},
			{Name: "b", Order: 2, Prompt: "p"},
		}},
	}
	for _, tc := range cases {
		if err := ValidateAgents(tc.agents); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestSortAgentsIsStableAndNonMutating(t *testing.T) {
	in := []types.AgentDefinition{
		{Name: "c", Order: 5, Prompt: "p"},
		{Name: "a", Order: 1, Prompt: "p"},
		{Name: "b", Order: 3, Prompt: "p"},
	}
	out := SortAgents(in)
	if out[0].Name != "a" || out[1].Name != "b" || out[2].Name != "c" {
		t.Fatalf("sorted order wrong: %v", out)
	}
	if in[0].Name != "c" {
		t.Fatalf("input slice was mutated")
	}
}
