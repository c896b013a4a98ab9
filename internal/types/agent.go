package types

// AgentDefinition is one configured post-processing transform on a
// schema. Order is the authoritative execution order within the chain.
type AgentDefinition struct {
	Name   string `json:"name"`
	Order  int    `json:"order"`
	Prompt string `json:"prompt"`
}

// MaxAgentsPerSchema caps the post-processing chain length.
const MaxAgentsPerSchema = 10
