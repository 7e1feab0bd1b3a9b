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

// Package trajectory persists per-session proxy activity as JSON files.
//
// Each session token owns a directory under the store root with three
// subdirectories: events/ for lifecycle events, query/ for upstream requests
// about to be issued, and answer/ for the matching upstream responses. Every
// query has exactly one answer sharing the same filename stem.
package trajectory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const anonymousToken = "anonymous"

// SanitizeToken maps an opaque session token to a filesystem-safe directory
// name: ASCII alphanumerics, '-' and '_' only, at most 64 characters, empty
// falling back to "anonymous".
func SanitizeToken(token string) string {
	out := make([]byte, 0, len(token))
	for i := 0; i < len(token) && len(out) < 64; i++ {
		ch := token[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			out = append(out, ch)
		}
	}
	if len(out) == 0 {
		return anonymousToken
	}
	return string(out)
}

type stemKey struct {
	token string
	base  string
}

// Store is the sole writer of trajectory files. A single mutex serializes
// all writes, which also linearizes event ordering within a session.
type Store struct {
	root string

	mu       sync.Mutex
	suffixes map[stemKey]int
	now      func() time.Time
}

// New creates the store root directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trajectory root: %w", err)
	}
	return &Store{
		root:     root,
		suffixes: make(map[stemKey]int),
		now:      time.Now,
	}, nil
}

// SessionDir returns the directory for a token, creating it if needed.
func (s *Store) SessionDir(token string) (string, error) {
	dir := filepath.Join(s.root, SanitizeToken(token))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}
	return dir, nil
}

// Append writes one lifecycle event file and returns its path. File names
// carry a microsecond UTC timestamp so they sort in issuance order.
func (s *Store) Append(token, eventType string, payload any) (string, error) {
	dir, err := s.SessionDir(token)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	stamp := fmt.Sprintf("%s-%06d", now.Format("2006-01-02-15-04-05"), now.Nanosecond()/1000)
	path := filepath.Join(dir, "events", fmt.Sprintf("%s-%s.json", stamp, SanitizeToken(eventType)))

	record := map[string]any{
		"timestamp":  now.Format(time.RFC3339Nano),
		"event_type": eventType,
		"payload":    payload,
	}
	if err := s.writeJSON(path, record); err != nil {
		return "", err
	}
	return path, nil
}

// WriteQuery allocates a collision-free stem for this token and second,
// writes the query record, and returns the stem for the matching answer.
func (s *Store) WriteQuery(token string, payload any) (string, error) {
	dir, err := s.SessionDir(token)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stem := s.allocStem(token)
	path := filepath.Join(dir, "query", stem+".json")
	if err := s.writeJSON(path, s.record(stem, payload)); err != nil {
		return "", err
	}
	return stem, nil
}

// WriteAnswer writes the answer record under a stem previously returned by
// WriteQuery.
func (s *Store) WriteAnswer(token, stem string, payload any) error {
	dir, err := s.SessionDir(token)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(dir, "answer", stem+".json")
	return s.writeJSON(path, s.record(stem, payload))
}

func (s *Store) record(stem string, payload any) map[string]any {
	return map[string]any{
		"timestamp":   stem,
		"captured_at": s.now().UTC().Format(time.RFC3339Nano),
		"payload":     payload,
	}
}

// allocStem must be called with the mutex held. Stems within the same
// (token, second) pair get -000, -001, ... suffixes starting from the second
// allocation.
func (s *Store) allocStem(token string) string {
	base := s.now().UTC().Format("2006-01-02-15-04-05")
	key := stemKey{token: SanitizeToken(token), base: base}
	count := s.suffixes[key]
	s.suffixes[key] = count + 1
	if count == 0 {
		return base
	}
	return fmt.Sprintf("%s-%03d", base, count-1)
}

func (s *Store) writeJSON(path string, record any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create record dir: %w", err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
