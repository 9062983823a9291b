// Package llm wraps language-model providers behind a single completion
// interface with a typed response contract.
package llm

import "context"

// Role identifies who authored a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a completion conversation.
type Message struct {
	Role    Role
	Content string
}

// Request is a single text-generation call.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float32
}

// Response is the typed result of a completion.
type Response struct {
	Content string
	// TokensUsed is the total token count for the call. When the provider
	// does not report usage it is estimated with the tokenizer.
	TokensUsed int
}

// Client is the black-box text-generation function the workflow consumes.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	// Name identifies the backing provider for logs and telemetry.
	Name() string
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}
