package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/llmrelay/pkg/proxy"
	"github.com/kadirpekel/llmrelay/pkg/routing"
	"github.com/kadirpekel/llmrelay/pkg/trajectory"
)

func newTestServer(t *testing.T, routes []routing.Route) (*httptest.Server, string) {
	t.Helper()
	table, err := routing.NewTable(routes)
	require.NoError(t, err)

	logDir := t.TempDir()
	store, err := trajectory.New(logDir)
	require.NoError(t, err)

	runtime := proxy.New(table, store)
	server := httptest.NewServer(NewServer("127.0.0.1", 0, runtime).Router())
	t.Cleanup(server.Close)
	return server, logDir
}

func defaultRoutes(upstreamURL string) []routing.Route {
	return []routing.Route{
		{
			Name:             "smart",
			RequestModel:     "claude-smart",
			UpstreamProvider: routing.ProviderAnthropic,
			UpstreamBaseURL:  upstreamURL,
			UpstreamModel:    "claude-upstream",
			UpstreamAPIKey:   "sk-test",
			TimeoutSeconds:   5,
		},
		{
			Name:             "fast",
			RequestModel:     "fast",
			UpstreamProvider: routing.ProviderOpenAI,
			UpstreamBaseURL:  upstreamURL,
			UpstreamModel:    "gpt-upstream",
			UpstreamAPIKey:   "sk-test",
			TimeoutSeconds:   5,
		},
	}
}

func postJSON(t *testing.T, url string, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t, defaultRoutes("http://127.0.0.1:1"))

	resp, body := getJSON(t, server.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["routes"])
}

func TestRoutesListing(t *testing.T) {
	server, _ := newTestServer(t, defaultRoutes("http://127.0.0.1:1"))

	resp, body := getJSON(t, server.URL+"/routes")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	routes := body["routes"].([]any)
	require.Len(t, routes, 2)
	first := routes[0].(map[string]any)
	assert.Equal(t, "smart", first["name"])
	assert.Equal(t, "smart", first["request_model"])
	assert.Equal(t, "claude-smart", first["legacy_model_alias"])
	assert.Equal(t, "anthropic", first["upstream_provider"])
	assert.Equal(t, "claude-upstream", first["upstream_model"])
	assert.NotContains(t, first, "api_key")
}

func TestUnknownPathReturns404(t *testing.T) {
	server, _ := newTestServer(t, defaultRoutes("http://127.0.0.1:1"))

	resp, body := getJSON(t, server.URL+"/definitely/not/here")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])
}

func TestInvalidJSONBody(t *testing.T) {
	server, _ := newTestServer(t, defaultRoutes("http://127.0.0.1:1"))

	resp, body := postJSON(t, server.URL+"/v1/messages", "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid_json")
}

func TestNonObjectJSONBody(t *testing.T) {
	server, _ := newTestServer(t, defaultRoutes("http://127.0.0.1:1"))

	resp, body := postJSON(t, server.URL+"/v1/messages", `[1,2,3]`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "invalid_json")
}

func TestSessionRegisterRequiresToken(t *testing.T) {
	server, _ := newTestServer(t, defaultRoutes("http://127.0.0.1:1"))

	resp, body := postJSON(t, server.URL+"/sessions/register", `{"sandbox_id":"sb"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "`token` is required", body["error"])
}

func TestSessionRegisterAndList(t *testing.T) {
	server, _ := newTestServer(t, defaultRoutes("http://127.0.0.1:1"))

	resp, body := postJSON(t, server.URL+"/sessions/register",
		`{"token":"tok-1","sandbox_id":"sb-1","task_name":"demo"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tok-1", body["token"])
	assert.Equal(t, "sb-1", body["sandbox_id"])
	assert.Equal(t, "demo", body["task_name"])
	assert.NotEmpty(t, body["created_at"])

	_, listing := getJSON(t, server.URL+"/sessions")
	sessions := listing["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "tok-1", sessions[0].(map[string]any)["token"])
}

func TestSessionEventValidation(t *testing.T) {
	server, _ := newTestServer(t, defaultRoutes("http://127.0.0.1:1"))

	resp, body := postJSON(t, server.URL+"/sessions/event", `{"token":"tok"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "`token` and `event_type` are required", body["error"])

	resp, body = postJSON(t, server.URL+"/sessions/event",
		`{"token":"tok","event_type":"custom","payload":"not an object"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "`payload` must be an object", body["error"])
}

func TestSessionEventRecorded(t *testing.T) {
	server, logDir := newTestServer(t, defaultRoutes("http://127.0.0.1:1"))

	resp, body := postJSON(t, server.URL+"/sessions/event",
		`{"token":"tok","event_type":"checkpoint","payload":{"step":3}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	entries, err := os.ReadDir(filepath.Join(logDir, "tok", "events"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "-checkpoint.json")
}

func TestTokenExtractionPrecedence(t *testing.T) {
	server, logDir := newTestServer(t, defaultRoutes("http://127.0.0.1:1"))

	// All three sources present: bearer wins.
	postJSON(t, server.URL+"/v1/messages", `{"model":"nope","session_token":"from-body"}`, map[string]string{
		"Authorization": "Bearer from-bearer",
		"x-api-key":     "from-header",
	})
	// Header beats body.
	postJSON(t, server.URL+"/v1/messages", `{"model":"nope","session_token":"from-body"}`, map[string]string{
		"x-api-key": "from-header",
	})
	// Body only.
	postJSON(t, server.URL+"/v1/messages", `{"model":"nope","session_token":"from-body"}`, nil)
	// Nothing: anonymous.
	postJSON(t, server.URL+"/v1/messages", `{"model":"nope"}`, nil)

	for _, dir := range []string{"from-bearer", "from-header", "from-body", "anonymous"} {
		_, err := os.Stat(filepath.Join(logDir, dir))
		assert.NoError(t, err, "expected trajectory dir for token %q", dir)
	}
}

func TestAnthropicEndToEndJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-upstream","content":[{"type":"text","text":"pong"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer upstream.Close()

	server, _ := newTestServer(t, defaultRoutes(upstream.URL))

	resp, body := postJSON(t, server.URL+"/v1/messages",
		`{"model":"smart","max_tokens":16,"messages":[{"role":"user","content":"ping"}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "msg_1", body["id"])
}

func TestAnthropicAlternateMessagePath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_2","type":"message","role":"assistant","content":[],"stop_reason":"end_turn","usage":{"input_tokens":0,"output_tokens":0}}`))
	}))
	defer upstream.Close()

	server, _ := newTestServer(t, defaultRoutes(upstream.URL))

	resp, body := postJSON(t, server.URL+"/v1/message",
		`{"model":"smart","messages":[]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "msg_2", body["id"])
}

func TestStreamingSynthesisOverHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"streamed text"},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":3,"total_tokens":5}}`))
	}))
	defer upstream.Close()

	server, _ := newTestServer(t, defaultRoutes(upstream.URL))

	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/messages",
		bytes.NewBufferString(`{"model":"fast","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("Content-Length"), "stream is fully buffered")

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	events := parseEventStream(t, buf.Bytes())
	names := eventNames(events)
	assert.Equal(t, "message_start", names[0])
	assert.Equal(t, "message_stop", names[len(names)-1])
	assert.Contains(t, buf.String(), "streamed text")
}

func TestChatCompletionsEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-5","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	}))
	defer upstream.Close()

	server, _ := newTestServer(t, defaultRoutes(upstream.URL))

	resp, body := postJSON(t, server.URL+"/v1/chat/completions",
		`{"model":"fast","messages":[{"role":"user","content":"hi"}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cmpl-5", body["id"])
}

func TestMetricsEndpointServes(t *testing.T) {
	server, _ := newTestServer(t, defaultRoutes("http://127.0.0.1:1"))

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
