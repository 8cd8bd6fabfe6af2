// Package llm defines the contract between the relay and its AI completion
// backend, plus an OpenAI-compatible implementation.
//
// A request is an ordered list of role-tagged turns and a fixed sampling
// configuration; a response carries at most one reply and the token usage
// of the call. Usage is for logging only.
package llm

import "context"

// Role is the role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the input to a single completion call.
type CompletionRequest struct {
	// Model overrides the provider's default model when non-empty.
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// CompletionResponse is the output of a completion call.
type CompletionResponse struct {
	// Message is the reply. An empty Content means the backend returned no
	// reply.
	Message      Message
	FinishReason string
	Usage        TokenUsage
}

// HasReply reports whether the backend produced reply text.
func (r *CompletionResponse) HasReply() bool {
	return r != nil && r.Message.Content != ""
}

// TokenUsage reports token consumption of one call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Provider is implemented by every completion backend.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
