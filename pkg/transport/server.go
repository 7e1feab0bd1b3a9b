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

// Package transport exposes the proxy runtime over HTTP.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/llmrelay/pkg/logger"
	"github.com/kadirpekel/llmrelay/pkg/metrics"
	"github.com/kadirpekel/llmrelay/pkg/proxy"
)

const shutdownTimeout = 5 * time.Second

// Server serves the downstream protocol endpoints plus the session and
// introspection API.
type Server struct {
	host     string
	port     int
	runtime  *proxy.Runtime
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      *slog.Logger

	httpServer *http.Server
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = gatherer
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func NewServer(host string, port int, runtime *proxy.Runtime, opts ...Option) *Server {
	server := &Server{
		host:     host,
		port:     port,
		runtime:  runtime,
		gatherer: prometheus.DefaultGatherer,
		log:      logger.GetLogger(),
	}

	for _, opt := range opts {
		opt(server)
	}

	return server
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// BaseURL returns the listen address as an http URL.
func (s *Server) BaseURL() string {
	return fmt.Sprintf("http://%s", s.Address())
}

// Router builds the HTTP route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(metricsMiddleware(s.metrics))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/routes", s.handleRoutes)
	r.Get("/sessions", s.handleSessions)
	r.Post("/sessions/register", s.handleSessionRegister)
	r.Post("/sessions/event", s.handleSessionEvent)
	r.Post("/v1/messages", s.handleAnthropicMessages)
	r.Post("/v1/message", s.handleAnthropicMessages)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
	})

	return r
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.Address(),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	s.log.Info("proxy server listening", "address", s.Address())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"routes": s.runtime.RouteCount(),
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes := s.runtime.Routes()
	entries := make([]map[string]any, 0, len(routes))
	for _, route := range routes {
		entries = append(entries, map[string]any{
			"name":               route.Name,
			"request_model":      route.Name,
			"legacy_model_alias": route.RequestModel,
			"upstream_provider":  route.UpstreamProvider,
			"upstream_base_url":  route.UpstreamBaseURL,
			"upstream_model":     route.UpstreamModel,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": entries})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.runtime.SessionsSnapshot()})
}

func (s *Server) handleSessionRegister(w http.ResponseWriter, r *http.Request) {
	body, _, ok := readJSONBody(w, r)
	if !ok {
		return
	}

	token := strings.TrimSpace(stringField(body, "token"))
	if token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "`token` is required"})
		return
	}

	meta := s.runtime.RegisterSession(token, stringField(body, "sandbox_id"), stringField(body, "task_name"))
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      meta.Token,
		"sandbox_id": nullable(meta.SandboxID),
		"task_name":  nullable(meta.TaskName),
		"created_at": meta.CreatedAt,
	})
}

func (s *Server) handleSessionEvent(w http.ResponseWriter, r *http.Request) {
	body, _, ok := readJSONBody(w, r)
	if !ok {
		return
	}

	token := strings.TrimSpace(stringField(body, "token"))
	eventType := strings.TrimSpace(stringField(body, "event_type"))
	if token == "" || eventType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "`token` and `event_type` are required"})
		return
	}

	payload := map[string]any{}
	if raw, exists := body["payload"]; exists {
		object, isObject := raw.(map[string]any)
		if !isObject {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "`payload` must be an object"})
			return
		}
		payload = object
	}

	s.runtime.RecordEvent(token, eventType, payload)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	body, raw, ok := readJSONBody(w, r)
	if !ok {
		return
	}

	token := extractToken(r, body)
	response := s.runtime.ProcessAnthropicMessages(r.Context(), token, raw)

	switch {
	case response.Mode == proxy.ModeSSERaw && response.Raw != nil:
		writeSSEBody(w, http.StatusOK, response.Raw)
	case response.Mode == proxy.ModeSSESynth && response.Message != nil:
		writeSSEBody(w, http.StatusOK, SynthesizeEventStream(response.Message))
	case response.JSON != nil:
		writeJSON(w, response.StatusCode, response.JSON)
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "invalid_proxy_response"})
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, raw, ok := readJSONBody(w, r)
	if !ok {
		return
	}

	token := extractToken(r, body)
	response := s.runtime.ProcessOpenAIChatCompletions(r.Context(), token, raw)

	if response.JSON == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "invalid_proxy_response"})
		return
	}
	writeJSON(w, response.StatusCode, response.JSON)
}

// extractToken resolves the session token from, in order, the bearer
// authorization header, the x-api-key header and the session_token body
// field, defaulting to "anonymous".
func extractToken(r *http.Request, body map[string]any) string {
	authorization := r.Header.Get("Authorization")
	if len(authorization) > 7 && strings.EqualFold(authorization[:7], "bearer ") {
		if token := strings.TrimSpace(authorization[7:]); token != "" {
			return token
		}
	}
	if headerKey := r.Header.Get("x-api-key"); headerKey != "" {
		return headerKey
	}
	if token, ok := body["session_token"].(string); ok && token != "" {
		return token
	}
	return "anonymous"
}

// readJSONBody reads and validates the request body as a JSON object. An
// empty body counts as an empty object. On failure the 400 response has
// already been written and ok is false.
func readJSONBody(w http.ResponseWriter, r *http.Request) (map[string]any, []byte, bool) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid_json: %v", err)})
		return nil, nil, false
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid_json: %v", err)})
		return nil, nil, false
	}
	body, ok := parsed.(map[string]any)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json: request body must be a JSON object"})
		return nil, nil, false
	}
	return body, raw, true
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

func stringField(body map[string]any, key string) string {
	value, _ := body[key].(string)
	return value
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
