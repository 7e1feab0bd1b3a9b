package proxy

import "github.com/kadirpekel/llmrelay/pkg/protocol"

// Mode tells the transport how to deliver a proxy response downstream.
type Mode int

const (
	// ModeJSON delivers the JSON payload as a plain response body.
	ModeJSON Mode = iota
	// ModeSSERaw relays upstream SSE bytes untouched.
	ModeSSERaw
	// ModeSSESynth synthesizes an Anthropic event stream from a complete
	// message.
	ModeSSESynth
)

// Response is the outcome of processing one downstream request.
type Response struct {
	StatusCode int
	Mode       Mode

	// JSON carries the response body for ModeJSON.
	JSON any

	// Raw carries upstream SSE bytes for ModeSSERaw.
	Raw []byte

	// Message carries the complete message to synthesize for ModeSSESynth.
	Message *protocol.AnthropicResponse
}

func errorResponse(statusCode int, errorType, message string) *Response {
	return &Response{
		StatusCode: statusCode,
		Mode:       ModeJSON,
		JSON: map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    errorType,
				"message": message,
			},
		},
	}
}
