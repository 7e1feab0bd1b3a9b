// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy is the protocol-agnostic request pipeline: route selection,
// protocol translation, upstream dispatch and trajectory capture.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/llmrelay/pkg/logger"
	"github.com/kadirpekel/llmrelay/pkg/metrics"
	"github.com/kadirpekel/llmrelay/pkg/protocol"
	"github.com/kadirpekel/llmrelay/pkg/reasoning"
	"github.com/kadirpekel/llmrelay/pkg/routing"
	"github.com/kadirpekel/llmrelay/pkg/session"
	"github.com/kadirpekel/llmrelay/pkg/trajectory"
	"github.com/kadirpekel/llmrelay/pkg/upstream"
)

// Runtime owns the per-process proxy state: the route table, the trajectory
// store, the session registry and the reasoning cache.
type Runtime struct {
	table     *routing.Table
	store     *trajectory.Store
	sessions  *session.Registry
	reasoning *reasoning.Cache
	client    *upstream.Client
	metrics   *metrics.Metrics
	log       *slog.Logger
}

type Option func(*Runtime)

func WithSessionRegistry(registry *session.Registry) Option {
	return func(r *Runtime) {
		r.sessions = registry
	}
}

func WithReasoningCache(cache *reasoning.Cache) Option {
	return func(r *Runtime) {
		r.reasoning = cache
	}
}

func WithUpstreamClient(client *upstream.Client) Option {
	return func(r *Runtime) {
		r.client = client
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Runtime) {
		r.log = log
	}
}

func New(table *routing.Table, store *trajectory.Store, opts ...Option) *Runtime {
	runtime := &Runtime{
		table:     table,
		store:     store,
		sessions:  session.NewRegistry(),
		reasoning: reasoning.NewCache(),
		client:    upstream.New(),
		log:       logger.GetLogger(),
	}

	for _, opt := range opts {
		opt(runtime)
	}

	return runtime
}

// Routes returns the configured route table entries.
func (r *Runtime) Routes() []routing.Route {
	return r.table.Routes()
}

// RouteCount reports the number of configured routes.
func (r *Runtime) RouteCount() int {
	return r.table.Len()
}

// RegisterSession creates or refreshes the session bound to a token and
// appends a session_registered trajectory event.
func (r *Runtime) RegisterSession(token, sandboxID, taskName string) session.Meta {
	meta := r.sessions.Register(token, sandboxID, taskName)
	r.appendEvent(token, "session_registered", map[string]any{
		"sandbox_id": orNil(sandboxID),
		"task_name":  orNil(taskName),
	})
	return meta
}

// RecordEvent appends an arbitrary client event to the session trajectory.
func (r *Runtime) RecordEvent(token, eventType string, payload map[string]any) {
	r.sessions.Touch(token)
	r.appendEvent(token, eventType, payload)
}

// SessionsSnapshot lists registered sessions in registration order.
func (r *Runtime) SessionsSnapshot() []session.Meta {
	return r.sessions.Snapshot()
}

// ProcessAnthropicMessages handles a downstream Anthropic Messages request.
func (r *Runtime) ProcessAnthropicMessages(ctx context.Context, token string, body []byte) *Response {
	generic, ok := decodeObject(body)
	if !ok {
		return errorResponse(http.StatusBadRequest, "bad_request", "request body must be a JSON object")
	}

	requestedModel := strings.TrimSpace(stringValue(generic["model"]))
	if requestedModel == "" {
		return errorResponse(http.StatusBadRequest, "bad_request", "`model` is required in anthropic request body")
	}

	r.RecordEvent(token, "anthropic_request", map[string]any{
		"requested_model": requestedModel,
		"stream":          streamRequested(generic),
		"messages_count":  messagesCount(generic),
	})

	route, ok := r.selectRoute(token, requestedModel)
	if !ok {
		return errorResponse(http.StatusNotFound, "route_not_found",
			fmt.Sprintf("No route for anthropic model: %s", requestedModel))
	}

	if route.UpstreamProvider == routing.ProviderAnthropic {
		return r.anthropicPassthrough(ctx, token, route, generic)
	}
	return r.anthropicToOpenAI(ctx, token, route, body, generic)
}

// ProcessOpenAIChatCompletions handles a downstream OpenAI Chat Completions
// request.
func (r *Runtime) ProcessOpenAIChatCompletions(ctx context.Context, token string, body []byte) *Response {
	generic, ok := decodeObject(body)
	if !ok {
		return errorResponse(http.StatusBadRequest, "bad_request", "request body must be a JSON object")
	}

	requestedModel := strings.TrimSpace(stringValue(generic["model"]))
	if requestedModel == "" {
		return errorResponse(http.StatusBadRequest, "bad_request", "`model` is required in openai request body")
	}

	r.RecordEvent(token, "openai_request", map[string]any{
		"requested_model": requestedModel,
		"stream":          streamRequested(generic),
		"messages_count":  messagesCount(generic),
	})

	route, ok := r.selectRoute(token, requestedModel)
	if !ok {
		return errorResponse(http.StatusNotFound, "route_not_found",
			fmt.Sprintf("No route for openai model: %s", requestedModel))
	}

	if route.UpstreamProvider == routing.ProviderOpenAI {
		return r.openAIPassthrough(ctx, token, route, generic)
	}
	return r.openAIToAnthropic(ctx, token, route, body, requestedModel)
}

// selectRoute matches the requested model against the route table, recording
// route_selected or route_not_found along the way.
func (r *Runtime) selectRoute(token, requestedModel string) (routing.Route, bool) {
	route, err := r.table.Match(requestedModel)
	if err != nil {
		r.metrics.RecordRouteMiss()
		r.RecordEvent(token, "route_not_found", map[string]any{
			"requested_model": requestedModel,
			"error":           err.Error(),
		})
		return routing.Route{}, false
	}
	r.RecordEvent(token, "route_selected", map[string]any{
		"route_name":        route.Name,
		"request_model":     requestedModel,
		"upstream_provider": route.UpstreamProvider,
		"upstream_model":    route.UpstreamModel,
	})
	return route, true
}

// anthropicPassthrough forwards an Anthropic request to an Anthropic upstream
// with only the model name rewritten.
func (r *Runtime) anthropicPassthrough(ctx context.Context, token string, route routing.Route, generic map[string]any) *Response {
	payload := maps.Clone(generic)
	payload["model"] = route.UpstreamModel

	url := upstream.JoinURL(route.UpstreamBaseURL, "/v1/messages")
	headers := map[string]string{
		"x-api-key":         route.UpstreamAPIKey,
		"anthropic-version": upstream.AnthropicVersion,
	}

	stamp := r.logUpstreamQuery(token, route, "anthropic", url, headers, payload)
	result := r.postJSON(ctx, route, url, payload, headers)

	stream := streamRequested(generic)
	if result.StatusCode >= 400 {
		decoded := string(result.Body)
		r.logUpstreamAnswer(token, stamp, route, "anthropic", result, nil, nil)
		r.RecordEvent(token, "upstream_error", map[string]any{
			"status_code":       result.StatusCode,
			"upstream_provider": route.UpstreamProvider,
			"error":             truncateRunes(decoded, 1000),
		})
		return errorResponse(result.StatusCode, "upstream_error", decoded)
	}

	r.RecordEvent(token, "anthropic_passthrough", map[string]any{
		"route_name":   route.Name,
		"stream":       stream,
		"status_code":  result.StatusCode,
		"content_type": result.ContentType,
	})

	if stream && result.IsEventStream() {
		r.logUpstreamAnswer(token, stamp, route, "anthropic", result, nil, nil)
		return &Response{StatusCode: result.StatusCode, Mode: ModeSSERaw, Raw: result.Body}
	}

	parsed, ok := decodeObject(result.Body)
	if !ok {
		r.logUpstreamAnswer(token, stamp, route, "anthropic", result, nil, nil)
		return errorResponse(http.StatusBadGateway, "invalid_upstream_response",
			"Anthropic upstream returned non-JSON response")
	}
	r.logUpstreamAnswer(token, stamp, route, "anthropic", result, parsed, parsed)
	return &Response{StatusCode: result.StatusCode, Mode: ModeJSON, JSON: parsed}
}

// anthropicToOpenAI translates an Anthropic request into an OpenAI Chat
// Completions call and converts the answer back.
func (r *Runtime) anthropicToOpenAI(ctx context.Context, token string, route routing.Route, body []byte, generic map[string]any) *Response {
	var request protocol.AnthropicRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return errorResponse(http.StatusBadRequest, "bad_request",
			fmt.Sprintf("malformed anthropic request: %v", err))
	}

	openAIRequest := protocol.OpenAIRequestFromAnthropic(&request, route.UpstreamModel)
	r.reasoning.Inject(token, openAIRequest.Messages)

	url := upstream.JoinURL(route.UpstreamBaseURL, "/chat/completions")
	headers := map[string]string{
		"Authorization": "Bearer " + route.UpstreamAPIKey,
	}

	stamp := r.logUpstreamQuery(token, route, "anthropic", url, headers, openAIRequest)
	result := r.postJSON(ctx, route, url, openAIRequest, headers)

	upstreamJSON, ok := decodeObject(result.Body)
	if !ok {
		r.logUpstreamAnswer(token, stamp, route, "anthropic", result, nil, nil)
		return errorResponse(http.StatusBadGateway, "invalid_upstream_response", string(result.Body))
	}

	if result.StatusCode >= 400 {
		r.RecordEvent(token, "upstream_error", map[string]any{
			"status_code":       result.StatusCode,
			"upstream_provider": route.UpstreamProvider,
			"error":             upstreamJSON,
		})
		r.logUpstreamAnswer(token, stamp, route, "anthropic", result, upstreamJSON, nil)
		return errorResponse(result.StatusCode, "upstream_error", compactJSON(upstreamJSON))
	}

	var openAIResponse protocol.OpenAIResponse
	if err := json.Unmarshal(result.Body, &openAIResponse); err != nil {
		r.logUpstreamAnswer(token, stamp, route, "anthropic", result, upstreamJSON, nil)
		return errorResponse(http.StatusBadGateway, "invalid_upstream_response", string(result.Body))
	}

	requestedModel := strings.TrimSpace(stringValue(generic["model"]))
	anthropicResponse := protocol.AnthropicResponseFromOpenAI(&openAIResponse, requestedModel)
	r.reasoning.Remember(token, &openAIResponse)
	r.metrics.RecordOutputTokens(route.Name, anthropicResponse.Usage.OutputTokens)

	r.RecordEvent(token, "anthropic_converted_response", map[string]any{
		"route_name":    route.Name,
		"status_code":   result.StatusCode,
		"output_tokens": anthropicResponse.Usage.OutputTokens,
	})
	r.logUpstreamAnswer(token, stamp, route, "anthropic", result, upstreamJSON, anthropicResponse)

	if streamRequested(generic) {
		return &Response{StatusCode: http.StatusOK, Mode: ModeSSESynth, Message: anthropicResponse}
	}
	return &Response{StatusCode: http.StatusOK, Mode: ModeJSON, JSON: anthropicResponse, Message: anthropicResponse}
}

// openAIPassthrough forwards an OpenAI request to an OpenAI-compatible
// upstream with only the model name rewritten.
func (r *Runtime) openAIPassthrough(ctx context.Context, token string, route routing.Route, generic map[string]any) *Response {
	payload := maps.Clone(generic)
	payload["model"] = route.UpstreamModel
	if messages, ok := payload["messages"].([]any); ok {
		r.reasoning.InjectRaw(token, messages)
	}

	url := upstream.JoinURL(route.UpstreamBaseURL, "/chat/completions")
	headers := map[string]string{
		"Authorization": "Bearer " + route.UpstreamAPIKey,
	}

	stamp := r.logUpstreamQuery(token, route, "openai", url, headers, payload)
	result := r.postJSON(ctx, route, url, payload, headers)

	upstreamJSON, ok := decodeObject(result.Body)
	if !ok {
		r.logUpstreamAnswer(token, stamp, route, "openai", result, nil, nil)
		return errorResponse(http.StatusBadGateway, "invalid_upstream_response", string(result.Body))
	}
	r.logUpstreamAnswer(token, stamp, route, "openai", result, upstreamJSON, upstreamJSON)

	var openAIResponse protocol.OpenAIResponse
	if err := json.Unmarshal(result.Body, &openAIResponse); err == nil {
		r.reasoning.Remember(token, &openAIResponse)
	}

	return &Response{StatusCode: result.StatusCode, Mode: ModeJSON, JSON: upstreamJSON}
}

// openAIToAnthropic translates an OpenAI request into an Anthropic Messages
// call and converts the answer back.
func (r *Runtime) openAIToAnthropic(ctx context.Context, token string, route routing.Route, body []byte, requestedModel string) *Response {
	var request protocol.OpenAIRequest
	if err := json.Unmarshal(body, &request); err != nil {
		return errorResponse(http.StatusBadRequest, "bad_request",
			fmt.Sprintf("malformed openai request: %v", err))
	}

	anthropicRequest := protocol.AnthropicRequestFromOpenAI(&request, route.UpstreamModel)

	url := upstream.JoinURL(route.UpstreamBaseURL, "/v1/messages")
	headers := map[string]string{
		"x-api-key":         route.UpstreamAPIKey,
		"anthropic-version": upstream.AnthropicVersion,
	}

	stamp := r.logUpstreamQuery(token, route, "openai", url, headers, anthropicRequest)
	result := r.postJSON(ctx, route, url, anthropicRequest, headers)

	upstreamJSON, ok := decodeObject(result.Body)
	if !ok {
		r.logUpstreamAnswer(token, stamp, route, "openai", result, nil, nil)
		return errorResponse(http.StatusBadGateway, "invalid_upstream_response", string(result.Body))
	}

	if result.StatusCode >= 400 {
		r.logUpstreamAnswer(token, stamp, route, "openai", result, upstreamJSON, nil)
		return errorResponse(result.StatusCode, "upstream_error", compactJSON(upstreamJSON))
	}

	var anthropicResponse protocol.AnthropicResponse
	if err := json.Unmarshal(result.Body, &anthropicResponse); err != nil {
		r.logUpstreamAnswer(token, stamp, route, "openai", result, upstreamJSON, nil)
		return errorResponse(http.StatusBadGateway, "invalid_upstream_response", string(result.Body))
	}

	openAIResponse := protocol.OpenAIResponseFromAnthropic(&anthropicResponse, requestedModel)
	r.metrics.RecordOutputTokens(route.Name, openAIResponse.Usage.CompletionTokens)
	r.logUpstreamAnswer(token, stamp, route, "openai", result, upstreamJSON, openAIResponse)

	return &Response{StatusCode: http.StatusOK, Mode: ModeJSON, JSON: openAIResponse}
}

// postJSON dispatches the upstream call with the route timeout and records
// call metrics.
func (r *Runtime) postJSON(ctx context.Context, route routing.Route, url string, payload any, headers map[string]string) upstream.Result {
	timeout := time.Duration(route.TimeoutSeconds) * time.Second
	started := time.Now()

	result, err := r.client.PostJSON(ctx, url, payload, headers, timeout)
	if err != nil {
		// Encoding the payload failed; surface it the same way a network
		// failure would.
		body, _ := json.Marshal(map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "network_error",
				"message": err.Error(),
			},
		})
		result = upstream.Result{
			StatusCode:  http.StatusBadGateway,
			ContentType: "application/json",
			Body:        body,
		}
	}

	r.metrics.RecordUpstreamRequest(route.Name, route.UpstreamProvider, result.StatusCode, time.Since(started))
	return result
}

// logUpstreamQuery persists the outbound request with credentials masked and
// returns the stem shared with the matching answer file.
func (r *Runtime) logUpstreamQuery(token string, route routing.Route, downstreamProtocol, url string, headers map[string]string, payload any) string {
	stamp, err := r.store.WriteQuery(token, map[string]any{
		"route_name":          route.Name,
		"downstream_protocol": downstreamProtocol,
		"upstream_provider":   route.UpstreamProvider,
		"upstream_url":        url,
		"upstream_headers":    maskHeaders(headers),
		"request_body":        payload,
	})
	if err != nil {
		r.log.Warn("failed to write trajectory query", "error", err)
	}
	return stamp
}

func (r *Runtime) logUpstreamAnswer(token, stamp string, route routing.Route, downstreamProtocol string, result upstream.Result, upstreamJSON any, downstreamPayload any) {
	payload := map[string]any{
		"route_name":          route.Name,
		"downstream_protocol": downstreamProtocol,
		"upstream_provider":   route.UpstreamProvider,
		"status_code":         result.StatusCode,
		"content_type":        result.ContentType,
	}
	if upstreamJSON != nil {
		payload["upstream_response_body"] = upstreamJSON
	} else {
		payload["upstream_response_text"] = string(result.Body)
	}
	if downstreamPayload != nil {
		payload["downstream_response_body"] = downstreamPayload
	}
	if err := r.store.WriteAnswer(token, stamp, payload); err != nil {
		r.log.Warn("failed to write trajectory answer", "error", err)
	}
}

func (r *Runtime) appendEvent(token, eventType string, payload map[string]any) {
	if _, err := r.store.Append(token, eventType, payload); err != nil {
		r.log.Warn("failed to append trajectory event", "event_type", eventType, "error", err)
	}
}

// maskHeaders replaces credential-bearing header values before they reach
// disk. Keys are matched case-insensitively.
func maskHeaders(headers map[string]string) map[string]string {
	masked := make(map[string]string, len(headers))
	for key, value := range headers {
		switch strings.ToLower(key) {
		case "authorization", "x-api-key", "api-key":
			masked[key] = "***"
		default:
			masked[key] = value
		}
	}
	return masked
}

func decodeObject(data []byte) (map[string]any, bool) {
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil || parsed == nil {
		return nil, false
	}
	return parsed, true
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func streamRequested(body map[string]any) bool {
	stream, _ := body["stream"].(bool)
	return stream
}

func messagesCount(body map[string]any) int {
	messages, ok := body["messages"].([]any)
	if !ok {
		return 0
	}
	return len(messages)
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
