package llm

import (
	"context"
	"fmt"
)

// ProviderID names one of the fixed backends.
type ProviderID string

const (
	ProviderEcho       ProviderID = "echo"
	ProviderGemini     ProviderID = "gemini"
	ProviderOpenRouter ProviderID = "openrouter"
)

// ParseProviderID validates s against the known backends.
func ParseProviderID(s string) (ProviderID, error) {
	switch id := ProviderID(s); id {
	case ProviderEcho, ProviderGemini, ProviderOpenRouter:
		return id, nil
	}
	return "", fmt.Errorf("unknown provider: %s", s)
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of conversation history as sent to a backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserText builds a user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantText builds an assistant message.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// Request is the backend-neutral input to Provider.Stream.
type Request struct {
	Model    string
	Messages []Message
	APIKey   string

	// Temperature is left to the backend default when nil.
	Temperature *float64
	// MaxTokens is omitted from the request when zero.
	MaxTokens int
	// OmitReasoning drops reasoning deltas from streamed output.
	OmitReasoning bool
}

// Capabilities describes static properties of a backend.
type Capabilities struct {
	Streaming       bool `json:"streaming"`
	BrowserSafe     bool `json:"browser_safe"`
	NeedsCredential bool `json:"needs_credential"`
}

// Provider turns a Request into a lazily produced stream of text fragments.
type Provider interface {
	ID() ProviderID
	Name() string
	Capabilities() Capabilities
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields text fragments in order. Recv returns io.EOF after the last
// fragment; cancellation of the stream context surfaces as ErrAborted.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 {
	return &v
}
