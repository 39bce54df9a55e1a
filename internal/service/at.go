package service

import (
	"context"
	"net/http"
)

// Generic LLM Interface
type LLMProvider interface {
	// Chat sends messages to the LLM and returns a response.
	// The model parameter allows per-request model override;
	// if empty, the provider's default model is used.
	Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*LLMResponse, error)
}

// LLMStreamProvider is optionally implemented by providers that support
// true server-sent event (SSE) streaming. Callers check for this interface
// via type assertion; if a provider doesn't implement it, they fall back to
// calling Chat() and fake-streaming the result (see internal/agent's
// streamText).
type LLMStreamProvider interface {
	ChatStream(ctx context.Context, model string, messages []Message, tools []Tool) (<-chan StreamChunk, http.Header, error)

	// Proxy forwards a raw HTTP request to the provider's API.
	// The path is relative to the provider's base URL.
	Proxy(w http.ResponseWriter, r *http.Request, path string) error
}

// InlineImage represents a base64-encoded image returned by a provider (e.g. Gemini).
type InlineImage struct {
	MimeType string // e.g. "image/png"
	Data     string // base64-encoded
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	// Content is the text delta for this chunk (may be empty).
	Content string

	// InlineImages contains any base64-encoded images in this chunk (e.g. from Gemini image generation).
	InlineImages []InlineImage

	// ToolCalls contains tool call deltas for this chunk.
	ToolCalls []ToolCall

	// FinishReason is set on the final chunk: "stop" or "tool_calls".
	// Empty string means this is not the final chunk.
	FinishReason string

	// Usage, when non-nil, contains the final token usage statistics for
	// the entire streamed response. Providers set this on the last chunk.
	Usage *Usage

	// Error, if non-nil, indicates the stream encountered an error.
	Error error
}

type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // Can be string or array of content blocks
}

type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
	Source    *MediaSource   `json:"source,omitempty"` // For media content blocks (images, documents, audio, video — Anthropic format)
	// ThoughtSignature is an opaque token from Gemini thinking models (2.5+)
	// that preserves the model's reasoning state across function-calling turns.
	// It must be echoed back on the corresponding tool_use content block.
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

// MediaSource represents a media source for content blocks (images, documents, audio, video).
// Used by Anthropic-format content blocks where the source contains base64-encoded data
// or a URL reference.
type MediaSource struct {
	Type      string `json:"type"`                 // "base64" or "url"
	MediaType string `json:"media_type,omitempty"` // e.g. "image/png", "application/pdf", "audio/wav"
	Data      string `json:"data,omitempty"`       // base64-encoded data (when type="base64")
	URL       string `json:"url,omitempty"`        // URL reference (when type="url")
}

// Usage contains token usage statistics from the upstream provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type LLMResponse struct {
	Content      string
	InlineImages []InlineImage
	ToolCalls    []ToolCall
	Finished     bool
	Usage        Usage
	Header       http.Header
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
	// ThoughtSignature is an opaque token from Gemini thinking models that
	// preserves the model's reasoning state across function-calling turns.
	// It must be echoed back in the subsequent request for the model to
	// maintain context continuity.
	ThoughtSignature string
}
