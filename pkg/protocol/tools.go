package protocol

import (
	"encoding/json"
	"strings"
)

func defaultSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// OpenAIToolsFromAnthropic maps Anthropic tool declarations to OpenAI
// function declarations. Tools without a name are dropped.
func OpenAIToolsFromAnthropic(tools []AnthropicTool) []OpenAITool {
	var out []OpenAITool
	for _, tool := range tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			continue
		}
		schema := tool.InputSchema
		if schema == nil {
			schema = defaultSchema()
		}
		out = append(out, OpenAITool{
			Type: "function",
			Function: OpenAIFunctionDef{
				Name:        name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

// AnthropicToolsFromOpenAI is the inverse mapping. Entries that are not
// function tools are dropped.
func AnthropicToolsFromOpenAI(tools []OpenAITool) []AnthropicTool {
	var out []AnthropicTool
	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		name := strings.TrimSpace(tool.Function.Name)
		if name == "" {
			continue
		}
		schema := tool.Function.Parameters
		if schema == nil {
			schema = defaultSchema()
		}
		out = append(out, AnthropicTool{
			Name:        name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}
	return out
}

type toolChoiceObject struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// OpenAIToolChoiceFromAnthropic maps an Anthropic tool_choice value to the
// OpenAI form: auto/none pass through, "any" becomes "required", a named
// tool becomes a function selector. Anything else is omitted (nil).
func OpenAIToolChoiceFromAnthropic(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "auto":
			return mustJSON("auto")
		case "none":
			return mustJSON("none")
		case "any":
			return mustJSON("required")
		}
		return nil
	}
	var obj toolChoiceObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(obj.Type)) {
	case "auto":
		return mustJSON("auto")
	case "none":
		return mustJSON("none")
	case "any":
		return mustJSON("required")
	case "tool":
		name := strings.TrimSpace(obj.Name)
		if name == "" {
			return nil
		}
		return mustJSON(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": name},
		})
	}
	return nil
}

// AnthropicToolChoiceFromOpenAI is the inverse mapping: "required" becomes
// {"type": "any"}, a function selector becomes {"type": "tool", "name": ...}.
func AnthropicToolChoiceFromOpenAI(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "auto":
			return mustJSON(map[string]any{"type": "auto"})
		case "none":
			return mustJSON(map[string]any{"type": "none"})
		case "required", "any":
			return mustJSON(map[string]any{"type": "any"})
		}
		return nil
	}
	var obj toolChoiceObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	if strings.ToLower(strings.TrimSpace(obj.Type)) == "function" {
		name := strings.TrimSpace(obj.Function.Name)
		if name != "" {
			return mustJSON(map[string]any{"type": "tool", "name": name})
		}
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
