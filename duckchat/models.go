package duckchat

// Model identifies an upstream chat model.
type Model string

// Models available on the chat service.
const (
	ModelClaude  Model = "claude-3-haiku-20240307"
	ModelGPT4o   Model = "gpt-4o-mini"
	ModelLlama   Model = "meta-llama/Meta-Llama-3.1-70B-Instruct-Turbo"
	ModelMixtral Model = "mistralai/Mixtral-8x7B-Instruct-v0.1"
)

// DefaultModel is used when no model is selected.
const DefaultModel = ModelClaude

// Models returns the catalog of known models.
func Models() []Model {
	return []Model{ModelClaude, ModelGPT4o, ModelLlama, ModelMixtral}
}

// Valid reports whether m is a known model identifier.
func (m Model) Valid() bool {
	for _, known := range Models() {
		if m == known {
			return true
		}
	}
	return false
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single conversation turn entry. Messages are never mutated
// after creation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
