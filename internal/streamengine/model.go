package streamengine

// ModelLimits bounds a model's context and output token budgets.
type ModelLimits struct {
	Context int `json:"context"`
	Output  int `json:"output"`
}

// ModelCapabilities describes what a model can do.
type ModelCapabilities struct {
	Reasoning   bool `json:"reasoning"`
	Attachment  bool `json:"attachment"`
	ToolCall    bool `json:"toolCall"`
	Temperature bool `json:"temperature"`
}

// ThinkingConfig configures extended-reasoning budgets for models that
// support it.
type ThinkingConfig struct {
	Enabled      bool `json:"enabled"`
	BudgetTokens int  `json:"budgetTokens,omitempty"`
}

// ModelInfo identifies one model behind one provider, with its limits and
// capabilities.
type ModelInfo struct {
	ProviderID     string            `json:"providerId"`
	ModelID        string            `json:"modelId"`
	Limits         ModelLimits       `json:"limits"`
	Capabilities   ModelCapabilities `json:"capabilities"`
	ThinkingConfig *ThinkingConfig   `json:"thinkingConfig,omitempty"`
}

// defaultContextLimit is assumed when a model does not report its context
// window. Matches the smallest budget the compaction policy plans for.
const defaultContextLimit = 32000

// ContextLimit returns the model's context window, falling back to a
// conservative default when unreported.
func (m ModelInfo) ContextLimit() int {
	if m.Limits.Context > 0 {
		return m.Limits.Context
	}
	return defaultContextLimit
}
