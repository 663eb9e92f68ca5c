// Package inference abstracts the model backend behind a small provider
// interface. The broker talks to a Provider; the Groq client is the real
// implementation, tests substitute their own.
package inference

import (
	"context"
	"fmt"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call. Model is the concrete model ID
// chosen by the router, not a tier name.
type Request struct {
	Model          string
	System         string
	Messages       []Message
	Temperature    float64
	ResponseFormat string // "" or "json_object"
}

// Provider is the model backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (string, error)
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// ProviderError is a failed backend call. Status is zero for transport
// errors that never produced an HTTP response.
type ProviderError struct {
	Operation string // "complete" or "transcribe"
	Status    int
	Message   string
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("inference %s: status %d: %s", e.Operation, e.Status, e.Message)
	}
	return fmt.Sprintf("inference %s: %s", e.Operation, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the same call could plausibly succeed on a
// retry: rate limits, server errors and transport failures qualify,
// 4xx rejections do not.
func (e *ProviderError) Retryable() bool {
	if e.Status == 0 {
		return true
	}
	return e.Status == 429 || e.Status >= 500
}
