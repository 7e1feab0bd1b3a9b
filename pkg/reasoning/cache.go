// Package reasoning caches upstream reasoning_content for replay.
//
// Some reasoning-enabled upstreams require that assistant turns which replay
// earlier tool calls also replay the reasoning_content those calls were
// produced with. Downstream clients never relay that field, so the proxy
// captures it from upstream responses keyed by tool-call id and re-injects
// it into outgoing assistant messages.
package reasoning

import (
	"strings"
	"sync"

	"github.com/kadirpekel/llmrelay/pkg/protocol"
)

const lastKey = "__last__"

const (
	maxEntriesPerToken = 1024
	evictBatch         = 256
)

type tokenCache struct {
	values map[string]string
	order  []string // insertion order of non-lastKey entries, oldest first
}

// Cache is a per-token bounded map of tool-call id -> reasoning text with a
// single most-recent fallback under "__last__".
type Cache struct {
	mu     sync.Mutex
	tokens map[string]*tokenCache
}

func NewCache() *Cache {
	return &Cache{tokens: make(map[string]*tokenCache)}
}

// Remember binds the response's reasoning_content to every tool-call id in
// choices[0].message and to the fallback key. Responses without tool calls
// or without reasoning text are ignored.
func (c *Cache) Remember(token string, resp *protocol.OpenAIResponse) {
	if resp == nil || len(resp.Choices) == 0 {
		return
	}
	message := resp.Choices[0].Message
	reasoning := message.ReasoningContent
	if strings.TrimSpace(reasoning) == "" || len(message.ToolCalls) == 0 {
		return
	}

	ids := make([]string, 0, len(message.ToolCalls))
	for _, call := range message.ToolCalls {
		if id := strings.TrimSpace(call.ID); id != "" {
			ids = append(ids, id)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tc, ok := c.tokens[token]
	if !ok {
		tc = &tokenCache{values: make(map[string]string)}
		c.tokens[token] = tc
	}
	tc.values[lastKey] = reasoning
	for _, id := range ids {
		if _, exists := tc.values[id]; !exists {
			tc.order = append(tc.order, id)
		}
		tc.values[id] = reasoning
	}
	tc.evict()
}

// evict drops the oldest non-fallback entries once the per-token bound is
// exceeded. Caller holds the cache mutex.
func (tc *tokenCache) evict() {
	if len(tc.values) <= maxEntriesPerToken {
		return
	}
	n := evictBatch
	if n > len(tc.order) {
		n = len(tc.order)
	}
	for _, id := range tc.order[:n] {
		delete(tc.values, id)
	}
	tc.order = tc.order[n:]
}

// lookup returns the reasoning text for the first matching tool-call id,
// falling back to the most recent value.
func (c *Cache) lookup(token string, ids []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, ok := c.tokens[token]
	if !ok {
		return ""
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if value, ok := tc.values[id]; ok {
			return value
		}
	}
	if fallback := tc.values[lastKey]; strings.TrimSpace(fallback) != "" {
		return fallback
	}
	return ""
}

// Inject fills reasoning_content on assistant messages that carry tool calls
// but no reasoning of their own.
func (c *Cache) Inject(token string, messages []protocol.OpenAIMessage) {
	for i := range messages {
		msg := &messages[i]
		if msg.Role != "assistant" || msg.ReasoningContent != "" || len(msg.ToolCalls) == 0 {
			continue
		}
		ids := make([]string, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			ids = append(ids, strings.TrimSpace(call.ID))
		}
		if value := c.lookup(token, ids); value != "" {
			msg.ReasoningContent = value
		}
	}
}

// InjectRaw is Inject over decoded-JSON messages, used on the passthrough
// path where the request body is forwarded without retyping.
func (c *Cache) InjectRaw(token string, messages []any) {
	for _, item := range messages {
		msg, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "assistant" {
			continue
		}
		if _, exists := msg["reasoning_content"]; exists {
			continue
		}
		calls, ok := msg["tool_calls"].([]any)
		if !ok || len(calls) == 0 {
			continue
		}
		ids := make([]string, 0, len(calls))
		for _, rawCall := range calls {
			call, ok := rawCall.(map[string]any)
			if !ok {
				continue
			}
			if id, _ := call["id"].(string); strings.TrimSpace(id) != "" {
				ids = append(ids, strings.TrimSpace(id))
			}
		}
		if value := c.lookup(token, ids); value != "" {
			msg["reasoning_content"] = value
		}
	}
}
