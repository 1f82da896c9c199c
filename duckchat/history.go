package duckchat

import (
	"errors"
	"slices"
)

// History is the ordered transcript of one conversation plus the model it
// runs against. Its JSON encoding is the exact turn-request payload:
// {"model": "...", "messages": [{"role": "...", "content": "..."}, ...]}.
//
// Messages strictly alternate user/assistant starting with user.
type History struct {
	Model    Model     `json:"model"`
	Messages []Message `json:"messages"`
}

// NewHistory creates an empty History for the given model.
func NewHistory(model Model) *History {
	return &History{Model: model}
}

// AddInput appends a user message. The history must be empty or end on an
// assistant message.
func (h *History) AddInput(content string) error {
	if n := len(h.Messages); n > 0 && h.Messages[n-1].Role != RoleAssistant {
		return errors.New("history: consecutive user messages")
	}
	h.Messages = append(h.Messages, Message{Role: RoleUser, Content: content})
	return nil
}

// AddAnswer appends an assistant message. The history must end on a user
// message.
func (h *History) AddAnswer(content string) error {
	if n := len(h.Messages); n == 0 || h.Messages[n-1].Role != RoleUser {
		return errors.New("history: answer without a pending user message")
	}
	h.Messages = append(h.Messages, Message{Role: RoleAssistant, Content: content})
	return nil
}

// TruncateToTurn keeps only the first n user turns and the n-1 answers that
// completed them, i.e. the first 2n-1 messages, so the history ends on the
// nth user message. n < 1 clears the history.
func (h *History) TruncateToTurn(n int) {
	keep := 2*n - 1
	if keep < 0 {
		keep = 0
	}
	if keep >= len(h.Messages) {
		return
	}
	h.Messages = h.Messages[:keep]
}

// Len returns the number of messages.
func (h *History) Len() int {
	return len(h.Messages)
}

// snapshot returns a copy of the message slice so callers can build request
// payloads without aliasing the live transcript.
func (h *History) snapshot() []Message {
	return slices.Clone(h.Messages)
}
