package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/llmrelay/pkg/routing"
	"github.com/kadirpekel/llmrelay/pkg/trajectory"
)

const testAPIKey = "sk-super-secret-key"

func newRuntime(t *testing.T, routes []routing.Route) (*Runtime, string) {
	t.Helper()
	table, err := routing.NewTable(routes)
	require.NoError(t, err)

	logDir := t.TempDir()
	store, err := trajectory.New(logDir)
	require.NoError(t, err)

	return New(table, store), logDir
}

func anthropicRoute(name, baseURL string) routing.Route {
	return routing.Route{
		Name:             name,
		RequestModel:     name,
		UpstreamProvider: routing.ProviderAnthropic,
		UpstreamBaseURL:  baseURL,
		UpstreamModel:    "claude-upstream",
		UpstreamAPIKey:   testAPIKey,
		TimeoutSeconds:   5,
	}
}

func openAIRoute(name, baseURL string) routing.Route {
	return routing.Route{
		Name:             name,
		RequestModel:     name,
		UpstreamProvider: routing.ProviderOpenAI,
		UpstreamBaseURL:  baseURL,
		UpstreamModel:    "gpt-upstream",
		UpstreamAPIKey:   testAPIKey,
		TimeoutSeconds:   5,
	}
}

// sessionFiles collects file names across the token's events/, query/ and
// answer/ subdirectories.
func sessionFiles(t *testing.T, logDir, token string) []string {
	t.Helper()
	var names []string
	err := filepath.WalkDir(filepath.Join(logDir, token), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			names = append(names, filepath.Join(filepath.Base(filepath.Dir(path)), d.Name()))
		}
		return nil
	})
	require.NoError(t, err)
	return names
}

func hasFileSuffix(names []string, suffix string) bool {
	for _, name := range names {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func hasFileIn(names []string, dir string) bool {
	for _, name := range names {
		if strings.HasPrefix(name, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func TestAnthropicPassthrough(t *testing.T) {
	var gotModel, gotAPIKey, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		gotAPIKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-upstream","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`))
	}))
	defer server.Close()

	rt, logDir := newRuntime(t, []routing.Route{anthropicRoute("smart", server.URL)})

	resp := rt.ProcessAnthropicMessages(context.Background(), "tok", []byte(`{"model":"smart","max_tokens":64,"messages":[{"role":"user","content":"hello"}]}`))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ModeJSON, resp.Mode)
	assert.Equal(t, "claude-upstream", gotModel, "model renamed before forwarding")
	assert.Equal(t, testAPIKey, gotAPIKey)
	assert.Equal(t, "2023-06-01", gotVersion)

	body := resp.JSON.(map[string]any)
	assert.Equal(t, "msg_1", body["id"], "upstream body relayed unchanged")

	names := sessionFiles(t, logDir, "tok")
	assert.True(t, hasFileSuffix(names, "-anthropic_request.json"))
	assert.True(t, hasFileSuffix(names, "-route_selected.json"))
	assert.True(t, hasFileSuffix(names, "-anthropic_passthrough.json"))
	assert.True(t, hasFileIn(names, "query"))
	assert.True(t, hasFileIn(names, "answer"))
}

func TestAnthropicRouteMiss(t *testing.T) {
	rt, logDir := newRuntime(t, []routing.Route{anthropicRoute("smart", "http://127.0.0.1:1")})

	resp := rt.ProcessAnthropicMessages(context.Background(), "tok", []byte(`{"model":"unknown","messages":[]}`))

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	errBody := resp.JSON.(map[string]any)["error"].(map[string]any)
	assert.Equal(t, "route_not_found", errBody["type"])
	assert.Contains(t, errBody["message"], "unknown")

	names := sessionFiles(t, logDir, "tok")
	assert.True(t, hasFileSuffix(names, "-route_not_found.json"))
}

func TestAnthropicMissingModel(t *testing.T) {
	rt, _ := newRuntime(t, []routing.Route{anthropicRoute("smart", "http://127.0.0.1:1")})

	resp := rt.ProcessAnthropicMessages(context.Background(), "tok", []byte(`{"messages":[]}`))

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errBody := resp.JSON.(map[string]any)["error"].(map[string]any)
	assert.Equal(t, "bad_request", errBody["type"])
}

func TestAnthropicPassthroughUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"bad key"}}`))
	}))
	defer server.Close()

	rt, logDir := newRuntime(t, []routing.Route{anthropicRoute("smart", server.URL)})

	resp := rt.ProcessAnthropicMessages(context.Background(), "tok", []byte(`{"model":"smart","messages":[]}`))

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errBody := resp.JSON.(map[string]any)["error"].(map[string]any)
	assert.Equal(t, "upstream_error", errBody["type"])
	assert.Contains(t, errBody["message"], "authentication_error", "upstream body relayed verbatim")

	names := sessionFiles(t, logDir, "tok")
	assert.True(t, hasFileSuffix(names, "-upstream_error.json"))
}

func TestAnthropicPassthroughUnreachableUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	rt, _ := newRuntime(t, []routing.Route{anthropicRoute("smart", server.URL)})

	resp := rt.ProcessAnthropicMessages(context.Background(), "tok", []byte(`{"model":"smart","messages":[]}`))

	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	errBody := resp.JSON.(map[string]any)["error"].(map[string]any)
	assert.Equal(t, "upstream_error", errBody["type"])
	assert.Contains(t, errBody["message"], "network_error")
}

func TestAnthropicPassthroughStreamRelay(t *testing.T) {
	raw := "event: message_start\ndata: {}\n\nevent: message_stop\ndata: {}\n\n"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(raw))
	}))
	defer server.Close()

	rt, _ := newRuntime(t, []routing.Route{anthropicRoute("smart", server.URL)})

	resp := rt.ProcessAnthropicMessages(context.Background(), "tok", []byte(`{"model":"smart","stream":true,"messages":[]}`))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ModeSSERaw, resp.Mode)
	assert.Equal(t, raw, string(resp.Raw))
}

func TestAnthropicToOpenAIConversion(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer "+testAPIKey, r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","model":"gpt-upstream","choices":[{"index":0,"message":{"role":"assistant","content":"hello there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":4,"total_tokens":11}}`))
	}))
	defer server.Close()

	rt, logDir := newRuntime(t, []routing.Route{openAIRoute("fast", server.URL)})

	resp := rt.ProcessAnthropicMessages(context.Background(), "tok", []byte(`{"model":"fast","max_tokens":128,"messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ModeJSON, resp.Mode)
	assert.Equal(t, "gpt-upstream", gotBody["model"])

	require.NotNil(t, resp.Message)
	assert.Equal(t, "fast", resp.Message.Model, "downstream model name echoed back")
	assert.Equal(t, "end_turn", resp.Message.StopReason)
	require.Len(t, resp.Message.Content, 1)
	assert.Equal(t, "hello there", resp.Message.Content[0].Text)
	assert.Equal(t, 4, resp.Message.Usage.OutputTokens)

	names := sessionFiles(t, logDir, "tok")
	assert.True(t, hasFileSuffix(names, "-anthropic_converted_response.json"))
}

func TestAnthropicToOpenAIStreamSynthesis(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"streamed"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer server.Close()

	rt, _ := newRuntime(t, []routing.Route{openAIRoute("fast", server.URL)})

	resp := rt.ProcessAnthropicMessages(context.Background(), "tok", []byte(`{"model":"fast","stream":true,"messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ModeSSESynth, resp.Mode)
	require.NotNil(t, resp.Message)
	assert.Equal(t, "streamed", resp.Message.Content[0].Text)
}

func TestAnthropicToOpenAINonJSONUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>gateway error</html>"))
	}))
	defer server.Close()

	rt, _ := newRuntime(t, []routing.Route{openAIRoute("fast", server.URL)})

	resp := rt.ProcessAnthropicMessages(context.Background(), "tok", []byte(`{"model":"fast","messages":[]}`))

	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	errBody := resp.JSON.(map[string]any)["error"].(map[string]any)
	assert.Equal(t, "invalid_upstream_response", errBody["type"])
	assert.Contains(t, errBody["message"], "gateway error")
}

func TestReasoningReplayAcrossRequests(t *testing.T) {
	step := 0
	var replayed []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []map[string]any `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		if step == 0 {
			step++
			_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"","reasoning_content":"thinking hard","tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
			return
		}
		replayed = body.Messages
		_, _ = w.Write([]byte(`{"id":"cmpl-2","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"done"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer server.Close()

	rt, _ := newRuntime(t, []routing.Route{openAIRoute("fast", server.URL)})

	first := rt.ProcessAnthropicMessages(context.Background(), "tok", []byte(`{"model":"fast","messages":[{"role":"user","content":"find it"}]}`))
	require.Equal(t, http.StatusOK, first.StatusCode)
	require.NotNil(t, first.Message)
	require.Equal(t, "tool_use", first.Message.StopReason)

	toolUseID := first.Message.Content[len(first.Message.Content)-1].ID
	followUp := fmt.Sprintf(`{"model":"fast","messages":[
		{"role":"user","content":"find it"},
		{"role":"assistant","content":[{"type":"tool_use","id":%q,"name":"lookup","input":{}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":%q,"content":"found"}]}
	]}`, toolUseID, toolUseID)

	second := rt.ProcessAnthropicMessages(context.Background(), "tok", []byte(followUp))
	require.Equal(t, http.StatusOK, second.StatusCode)

	var sawReasoning bool
	for _, msg := range replayed {
		if msg["role"] == "assistant" && msg["reasoning_content"] == "thinking hard" {
			sawReasoning = true
		}
	}
	assert.True(t, sawReasoning, "cached reasoning re-attached to the replayed assistant turn")
}

func TestOpenAIPassthrough(t *testing.T) {
	var gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer "+testAPIKey, r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-9","object":"chat.completion","choices":[],"custom_field":true}`))
	}))
	defer server.Close()

	rt, _ := newRuntime(t, []routing.Route{openAIRoute("fast", server.URL)})

	resp := rt.ProcessOpenAIChatCompletions(context.Background(), "tok", []byte(`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gpt-upstream", gotModel)
	body := resp.JSON.(map[string]any)
	assert.Equal(t, true, body["custom_field"], "unknown upstream fields survive passthrough")
}

func TestOpenAIPassthroughKeepsUpstreamStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	rt, _ := newRuntime(t, []routing.Route{openAIRoute("fast", server.URL)})

	resp := rt.ProcessOpenAIChatCompletions(context.Background(), "tok", []byte(`{"model":"fast","messages":[]}`))

	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body := resp.JSON.(map[string]any)
	assert.Contains(t, body, "error", "upstream error body relayed as-is")
}

func TestOpenAIToAnthropicConversion(t *testing.T) {
	var gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		gotVersion = r.Header.Get("anthropic-version")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_7","type":"message","role":"assistant","model":"claude-upstream","content":[{"type":"text","text":"answer"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":3}}`))
	}))
	defer server.Close()

	rt, _ := newRuntime(t, []routing.Route{anthropicRoute("smart", server.URL)})

	resp := rt.ProcessOpenAIChatCompletions(context.Background(), "tok", []byte(`{"model":"smart","messages":[{"role":"user","content":"ask"}]}`))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2023-06-01", gotVersion)

	data, err := json.Marshal(resp.JSON)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "chat.completion", body["object"])
	assert.Equal(t, "smart", body["model"])
	choices := body["choices"].([]any)
	require.Len(t, choices, 1)
	message := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "answer", message["content"])
}

func TestOpenAIRouteMiss(t *testing.T) {
	rt, _ := newRuntime(t, []routing.Route{openAIRoute("fast", "http://127.0.0.1:1")})

	resp := rt.ProcessOpenAIChatCompletions(context.Background(), "tok", []byte(`{"model":"never","messages":[]}`))

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	errBody := resp.JSON.(map[string]any)["error"].(map[string]any)
	assert.Equal(t, "route_not_found", errBody["type"])
}

func TestRegisterSessionAndSnapshot(t *testing.T) {
	rt, logDir := newRuntime(t, []routing.Route{openAIRoute("fast", "http://127.0.0.1:1")})

	meta := rt.RegisterSession("tok", "sb-1", "demo-task")
	assert.Equal(t, "tok", meta.Token)
	assert.Equal(t, "sb-1", meta.SandboxID)

	snapshot := rt.SessionsSnapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "demo-task", snapshot[0].TaskName)

	names := sessionFiles(t, logDir, "tok")
	assert.True(t, hasFileSuffix(names, "-session_registered.json"))
}

func TestTrajectoryNeverContainsAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","content":[],"stop_reason":"end_turn","usage":{"input_tokens":0,"output_tokens":0}}`))
	}))
	defer server.Close()

	rt, logDir := newRuntime(t, []routing.Route{anthropicRoute("smart", server.URL), openAIRoute("fast", server.URL)})

	rt.ProcessAnthropicMessages(context.Background(), "tok", []byte(`{"model":"smart","messages":[]}`))
	rt.ProcessOpenAIChatCompletions(context.Background(), "tok", []byte(`{"model":"fast","messages":[]}`))

	var checked int
	err := filepath.WalkDir(logDir, func(path string, d os.DirEntry, err error) error {
		require.NoError(t, err)
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), testAPIKey, "credential leaked into %s", path)
		if filepath.Base(filepath.Dir(path)) == "query" {
			assert.Contains(t, string(data), `"***"`, "masked header placeholder missing in %s", path)
		}
		checked++
		return nil
	})
	require.NoError(t, err)
	assert.Greater(t, checked, 0)
}
