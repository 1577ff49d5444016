package provider

import "context"

// Turn is one role-tagged entry of the conversation sent upstream.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string
	Turns       []Turn
	MaxTokens   int
	Temperature float64
}

// Stream yields completion text fragments. Next returns io.EOF after the
// provider's end marker; Close is safe to call at any point and cancels the
// upstream body.
type Stream interface {
	Next() (string, error)
	Close() error
}

// Provider is the completion service behind the gateway.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
	ChatStream(ctx context.Context, req ChatRequest) (Stream, error)
}
