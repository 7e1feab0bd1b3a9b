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

// Package session tracks proxy sessions keyed by opaque client tokens.
//
// A session is created on first registration or on the first request that
// carries its token, and lives for the life of the process. The registry is
// purely in-memory; trajectory files are the durable record.
package session

import (
	"sync"
	"time"
)

// Meta is the mutable metadata tracked per session token.
type Meta struct {
	Token     string `json:"token"`
	SandboxID string `json:"sandbox_id"`
	TaskName  string `json:"task_name"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Registry is a thread-safe token -> Meta map. Sessions are never removed.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Meta
	order    []string
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Meta),
		now:      time.Now,
	}
}

func (r *Registry) timestamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

// Register creates the session if absent, otherwise updates the non-empty
// fields. UpdatedAt is always bumped.
func (r *Registry) Register(token, sandboxID, taskName string) Meta {
	now := r.timestamp()

	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.sessions[token]
	if !ok {
		meta = &Meta{
			Token:     token,
			SandboxID: sandboxID,
			TaskName:  taskName,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.sessions[token] = meta
		r.order = append(r.order, token)
		return *meta
	}

	if sandboxID != "" {
		meta.SandboxID = sandboxID
	}
	if taskName != "" {
		meta.TaskName = taskName
	}
	meta.UpdatedAt = now
	return *meta
}

// Touch bumps UpdatedAt for an existing session; unknown tokens are ignored.
func (r *Registry) Touch(token string) {
	now := r.timestamp()

	r.mu.Lock()
	defer r.mu.Unlock()

	if meta, ok := r.sessions[token]; ok {
		meta.UpdatedAt = now
	}
}

// Snapshot returns a stable copy of all sessions in registration order.
func (r *Registry) Snapshot() []Meta {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Meta, 0, len(r.order))
	for _, token := range r.order {
		out = append(out, *r.sessions[token])
	}
	return out
}

// Len reports the number of known sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
