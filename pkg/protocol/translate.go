// Package protocol defines the Anthropic Messages and OpenAI Chat Completions
// wire shapes and the pure translation functions between them.
//
// Every translation is deterministic except for freshly allocated ids
// (message ids and fallback tool-call ids). Tool-call arguments are always
// JSON-parsed defensively: non-object results are wrapped as {"value": ...}
// rather than rejected, because upstreams do emit malformed argument strings.
package protocol

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const toolErrorPrefix = "[tool_error]\n"

func joinLines(parts []string) string {
	return strings.Join(parts, "\n")
}

func uuidHex() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// NewMessageID allocates a fresh Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + uuidHex()
}

// NewChatCompletionID allocates a fresh OpenAI-style completion id.
func NewChatCompletionID() string {
	return "chatcmpl-" + uuidHex()
}

func newCallID() string {
	return "call_" + uuidHex()[:12]
}

func newToolUseID() string {
	return "toolu_" + uuidHex()[:12]
}

// wrapToolInput keeps objects and arrays as-is and wraps scalars so tool
// inputs always serialize to a JSON object or array.
func wrapToolInput(input any) any {
	switch input.(type) {
	case nil:
		return map[string]any{}
	case map[string]any, []any:
		return input
	default:
		return map[string]any{"value": input}
	}
}

func marshalToolInput(input any) string {
	raw, err := json.Marshal(wrapToolInput(input))
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// parseToolArguments decodes an OpenAI arguments string, wrapping anything
// that is not an object or array as {"value": ...}. Unparseable input is
// preserved verbatim under "value".
func parseToolArguments(raw string) any {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return map[string]any{"value": raw}
	}
	switch parsed.(type) {
	case map[string]any, []any:
		return parsed
	case nil:
		return map[string]any{"value": raw}
	default:
		return map[string]any{"value": parsed}
	}
}

// uniqueID returns id unless it was already seen in the current message, in
// which case a fresh id from alloc is substituted.
func uniqueID(id string, seen map[string]bool, alloc func() string) string {
	if id == "" || seen[id] {
		id = alloc()
	}
	seen[id] = true
	return id
}

// OpenAIRequestFromAnthropic translates an Anthropic Messages request into a
// Chat Completions request targeting the given upstream model.
func OpenAIRequestFromAnthropic(req *AnthropicRequest, upstreamModel string) *OpenAIRequest {
	out := &OpenAIRequest{
		Model:    upstreamModel,
		Messages: openAIMessagesFromAnthropic(req),
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	out.MaxTokens = &maxTokens
	out.Temperature = req.Temperature
	out.TopP = req.TopP
	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}
	if tools := OpenAIToolsFromAnthropic(req.Tools); len(tools) > 0 {
		out.Tools = tools
		out.ToolChoice = OpenAIToolChoiceFromAnthropic(req.ToolChoice)
	}
	return out
}

func openAIMessagesFromAnthropic(req *AnthropicRequest) []OpenAIMessage {
	messages := make([]OpenAIMessage, 0, len(req.Messages)+1)

	if systemText := extractText(req.System); systemText != "" {
		sys := OpenAIMessage{Role: "system"}
		sys.SetTextContent(systemText)
		messages = append(messages, sys)
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			if converted, ok := openAIAssistantFromBlocks(normalizeBlocks(msg.Content)); ok {
				messages = append(messages, converted)
			}
		case "user":
			messages = append(messages, openAIUserFromBlocks(normalizeBlocks(msg.Content))...)
		case "system":
			if text := extractText(msg.Content); text != "" {
				sys := OpenAIMessage{Role: "system"}
				sys.SetTextContent(text)
				messages = append(messages, sys)
			}
		}
	}
	return messages
}

func openAIAssistantFromBlocks(blocks []ContentBlock) (OpenAIMessage, bool) {
	var textParts []string
	var toolCalls []OpenAIToolCall
	seen := map[string]bool{}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_use":
			if block.Name == "" {
				continue
			}
			toolCalls = append(toolCalls, OpenAIToolCall{
				ID:   uniqueID(block.ID, seen, newCallID),
				Type: "function",
				Function: OpenAIFunctionCall{
					Name:      block.Name,
					Arguments: marshalToolInput(block.Input),
				},
			})
		}
	}

	msg := OpenAIMessage{Role: "assistant", ToolCalls: toolCalls}
	msg.SetTextContent(joinLines(textParts))
	return msg, len(textParts) > 0 || len(toolCalls) > 0
}

// openAIUserFromBlocks splits a user turn around its tool_result blocks:
// text accumulates into user messages, each tool_result becomes a standalone
// tool message. Results without a tool_use_id degrade to text.
func openAIUserFromBlocks(blocks []ContentBlock) []OpenAIMessage {
	var out []OpenAIMessage
	var pending []string

	flush := func() {
		if len(pending) == 0 {
			return
		}
		msg := OpenAIMessage{Role: "user"}
		msg.SetTextContent(joinLines(pending))
		out = append(out, msg)
		pending = nil
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			pending = append(pending, block.Text)
		case "tool_result":
			flush()
			text := serializeBlockContent(block.Content)
			if block.IsError {
				text = toolErrorPrefix + text
			}
			if block.ToolUseID == "" {
				pending = append(pending, text)
				continue
			}
			msg := OpenAIMessage{Role: "tool", ToolCallID: block.ToolUseID}
			msg.SetTextContent(text)
			out = append(out, msg)
		}
	}
	flush()
	return out
}

// AnthropicResponseFromOpenAI translates a Chat Completions response into an
// Anthropic message. The returned id is always freshly allocated and the
// model echoes what the downstream client asked for.
func AnthropicResponseFromOpenAI(resp *OpenAIResponse, requestedModel string) *AnthropicResponse {
	var blocks []ContentBlock
	stopReason := "end_turn"

	if len(resp.Choices) > 0 {
		message := resp.Choices[0].Message
		if text := message.TextContent(); text != "" {
			blocks = append(blocks, ContentBlock{Type: "text", Text: text})
		}
		seen := map[string]bool{}
		for _, call := range message.ToolCalls {
			if call.Function.Name == "" {
				continue
			}
			blocks = append(blocks, ContentBlock{
				Type:  "tool_use",
				ID:    uniqueID(call.ID, seen, newToolUseID),
				Name:  call.Function.Name,
				Input: parseToolArguments(call.Function.Arguments),
			})
		}
		switch resp.Choices[0].FinishReason {
		case "length":
			stopReason = "max_tokens"
		case "tool_calls":
			stopReason = "tool_use"
		}
	}

	model := requestedModel
	if model == "" {
		model = "unknown-model"
	}
	return &AnthropicResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: stopReason,
		Usage: AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

// AnthropicRequestFromOpenAI translates a Chat Completions request into an
// Anthropic Messages request targeting the given upstream model.
func AnthropicRequestFromOpenAI(req *OpenAIRequest, upstreamModel string) *AnthropicRequest {
	messages, system := anthropicMessagesFromOpenAI(req.Messages)

	maxTokens := 1024
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	} else if req.MaxCompletionTokens != nil && *req.MaxCompletionTokens > 0 {
		maxTokens = *req.MaxCompletionTokens
	}

	out := &AnthropicRequest{
		Model:       upstreamModel,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if tools := AnthropicToolsFromOpenAI(req.Tools); len(tools) > 0 {
		out.Tools = tools
		out.ToolChoice = AnthropicToolChoiceFromOpenAI(req.ToolChoice)
	}
	return out
}

func anthropicMessagesFromOpenAI(raw []OpenAIMessage) ([]AnthropicMessage, json.RawMessage) {
	var systemParts []string
	var messages []AnthropicMessage

	appendBlocks := func(role string, blocks []ContentBlock) {
		content, err := json.Marshal(blocks)
		if err != nil {
			return
		}
		messages = append(messages, AnthropicMessage{Role: role, Content: content})
	}

	for _, msg := range raw {
		switch msg.Role {
		case "system":
			if text := msg.TextContent(); text != "" {
				systemParts = append(systemParts, text)
			}
		case "tool":
			if msg.ToolCallID == "" {
				continue
			}
			content, _ := json.Marshal(msg.TextContent())
			appendBlocks("user", []ContentBlock{{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   content,
			}})
		case "assistant":
			var blocks []ContentBlock
			if text := msg.TextContent(); text != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: text})
			}
			seen := map[string]bool{}
			for _, call := range msg.ToolCalls {
				if call.Function.Name == "" {
					continue
				}
				blocks = append(blocks, ContentBlock{
					Type:  "tool_use",
					ID:    uniqueID(call.ID, seen, newToolUseID),
					Name:  call.Function.Name,
					Input: parseToolArguments(call.Function.Arguments),
				})
			}
			if len(blocks) > 0 {
				appendBlocks("assistant", blocks)
			}
		case "user":
			if text := msg.TextContent(); text != "" {
				appendBlocks("user", []ContentBlock{{Type: "text", Text: text}})
			}
		}
	}

	switch len(systemParts) {
	case 0:
		return messages, nil
	case 1:
		system, _ := json.Marshal(systemParts[0])
		return messages, system
	default:
		system, _ := json.Marshal([]ContentBlock{{Type: "text", Text: joinLines(systemParts)}})
		return messages, system
	}
}

// OpenAIResponseFromAnthropic translates an Anthropic message into a Chat
// Completions response. The upstream id is reused when present.
func OpenAIResponseFromAnthropic(resp *AnthropicResponse, requestedModel string) *OpenAIResponse {
	var textParts []string
	var toolCalls []OpenAIToolCall
	seen := map[string]bool{}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				textParts = append(textParts, block.Text)
			}
		case "tool_use":
			if block.Name == "" {
				continue
			}
			toolCalls = append(toolCalls, OpenAIToolCall{
				ID:   uniqueID(block.ID, seen, newCallID),
				Type: "function",
				Function: OpenAIFunctionCall{
					Name:      block.Name,
					Arguments: marshalToolInput(block.Input),
				},
			})
		}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case "max_tokens":
		finishReason = "length"
	case "tool_use":
		finishReason = "tool_calls"
	}

	message := OpenAIMessage{Role: "assistant", ToolCalls: toolCalls}
	message.SetTextContent(joinLines(textParts))

	id := resp.ID
	if id == "" {
		id = NewChatCompletionID()
	}
	model := requestedModel
	if model == "" {
		model = resp.Model
	}
	if model == "" {
		model = "unknown-model"
	}
	return &OpenAIResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      message,
			FinishReason: finishReason,
		}},
		Usage: OpenAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}
