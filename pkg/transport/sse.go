package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kadirpekel/llmrelay/pkg/protocol"
)

type sseEvent struct {
	name string
	data any
}

// SynthesizeEventStream renders a complete Anthropic message as the event
// sequence a streaming client expects: message_start, one
// start/delta/stop triple per content block, message_delta and message_stop.
// The whole stream is buffered since the message already exists in full.
func SynthesizeEventStream(msg *protocol.AnthropicResponse) []byte {
	id := msg.ID
	if id == "" {
		id = protocol.NewMessageID()
	}
	stopReason := msg.StopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}

	events := []sseEvent{{
		name: "message_start",
		data: map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            id,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         msg.Model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]any{
					"input_tokens":  msg.Usage.InputTokens,
					"output_tokens": 0,
				},
			},
		},
	}}

	for index, block := range msg.Content {
		events = append(events, blockEvents(index, block)...)
	}

	events = append(events,
		sseEvent{
			name: "message_delta",
			data: map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
				"usage": map[string]any{"output_tokens": msg.Usage.OutputTokens},
			},
		},
		sseEvent{
			name: "message_stop",
			data: map[string]any{"type": "message_stop"},
		},
	)

	var buf bytes.Buffer
	for _, event := range events {
		data, err := json.Marshal(event.data)
		if err != nil {
			continue
		}
		fmt.Fprintf(&buf, "event: %s\n", event.name)
		fmt.Fprintf(&buf, "data: %s\n\n", data)
	}
	return buf.Bytes()
}

func blockEvents(index int, block protocol.ContentBlock) []sseEvent {
	switch block.Type {
	case "text":
		return []sseEvent{
			{
				name: "content_block_start",
				data: map[string]any{
					"type":          "content_block_start",
					"index":         index,
					"content_block": map[string]any{"type": "text", "text": ""},
				},
			},
			{
				name: "content_block_delta",
				data: map[string]any{
					"type":  "content_block_delta",
					"index": index,
					"delta": map[string]any{"type": "text_delta", "text": block.Text},
				},
			},
			{
				name: "content_block_stop",
				data: map[string]any{"type": "content_block_stop", "index": index},
			},
		}
	case "tool_use":
		// Streaming clients reconstruct input from input_json_delta, so the
		// start payload carries an empty input and the delta the full JSON.
		input := block.Input
		switch input.(type) {
		case map[string]any, []any, nil:
		default:
			input = map[string]any{"value": input}
		}
		if input == nil {
			input = map[string]any{}
		}
		inputJSON, err := json.Marshal(input)
		if err != nil {
			inputJSON = []byte("{}")
		}
		return []sseEvent{
			{
				name: "content_block_start",
				data: map[string]any{
					"type":  "content_block_start",
					"index": index,
					"content_block": map[string]any{
						"type":  "tool_use",
						"id":    block.ID,
						"name":  block.Name,
						"input": map[string]any{},
					},
				},
			},
			{
				name: "content_block_delta",
				data: map[string]any{
					"type":  "content_block_delta",
					"index": index,
					"delta": map[string]any{
						"type":         "input_json_delta",
						"partial_json": string(inputJSON),
					},
				},
			},
			{
				name: "content_block_stop",
				data: map[string]any{"type": "content_block_stop", "index": index},
			},
		}
	default:
		return []sseEvent{
			{
				name: "content_block_start",
				data: map[string]any{
					"type":          "content_block_start",
					"index":         index,
					"content_block": block,
				},
			},
			{
				name: "content_block_stop",
				data: map[string]any{"type": "content_block_stop", "index": index},
			},
		}
	}
}

// writeSSEBody sends a fully buffered event stream with an explicit length
// so downstream clients reading until EOF terminate cleanly.
func writeSSEBody(w http.ResponseWriter, statusCode int, body []byte) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}
