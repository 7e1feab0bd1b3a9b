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

// Package config loads the route configuration file and resolves secrets.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/llmrelay/pkg/routing"
)

// DefaultTimeoutSeconds applies when neither a route nor defaults set one.
const DefaultTimeoutSeconds = 120

// Config is the top-level route configuration file.
type Config struct {
	Routes   []RouteConfig `yaml:"routes"`
	Defaults Defaults      `yaml:"defaults"`
}

// RouteConfig declares one route entry.
type RouteConfig struct {
	Name     string         `yaml:"name"`
	Model    string         `yaml:"model"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// UpstreamConfig declares the upstream endpoint of a route. The upstream
// model may be given as either "model" or "upstream_model_name"; the api key
// as a literal "api_key" or an "api_key_ref" of the form ENV:NAME.
type UpstreamConfig struct {
	Provider          string `yaml:"provider"`
	BaseURL           string `yaml:"base_url"`
	Model             string `yaml:"model"`
	UpstreamModelName string `yaml:"upstream_model_name"`
	APIKey            string `yaml:"api_key"`
	APIKeyRef         string `yaml:"api_key_ref"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

// Defaults carries file-wide fallbacks.
type Defaults struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Load reads and parses a route configuration file. Environment variable
// references (${VAR}, ${VAR:-default}, $VAR) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// BuildRoutes validates the configuration and resolves it into the immutable
// route table.
func BuildRoutes(cfg *Config) (*routing.Table, error) {
	if len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("config declares no routes")
	}

	routes := make([]routing.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		route, err := buildRoute(rc, cfg.Defaults)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routing.NewTable(routes)
}

func buildRoute(rc RouteConfig, defaults Defaults) (routing.Route, error) {
	name := strings.TrimSpace(rc.Name)
	if name == "" {
		return routing.Route{}, fmt.Errorf("route with empty name")
	}

	provider := strings.ToLower(strings.TrimSpace(rc.Upstream.Provider))
	switch provider {
	case routing.ProviderOpenAI, routing.ProviderAnthropic:
	default:
		return routing.Route{}, fmt.Errorf("route %s: unsupported provider %q", name, rc.Upstream.Provider)
	}

	baseURL := strings.TrimSpace(rc.Upstream.BaseURL)
	if baseURL == "" {
		return routing.Route{}, fmt.Errorf("route %s: upstream base_url is required", name)
	}

	upstreamModel := strings.TrimSpace(rc.Upstream.Model)
	if upstreamModel == "" {
		upstreamModel = strings.TrimSpace(rc.Upstream.UpstreamModelName)
	}
	if upstreamModel == "" {
		return routing.Route{}, fmt.Errorf("route %s: upstream model is required", name)
	}

	apiKey, err := resolveAPIKey(rc.Upstream)
	if err != nil {
		return routing.Route{}, fmt.Errorf("route %s: %w", name, err)
	}

	timeout := rc.Upstream.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaults.TimeoutSeconds
	}
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds
	}

	requestModel := strings.TrimSpace(rc.Model)
	if requestModel == "" {
		requestModel = name
	}

	return routing.Route{
		Name:             name,
		RequestModel:     requestModel,
		UpstreamProvider: provider,
		UpstreamBaseURL:  baseURL,
		UpstreamModel:    upstreamModel,
		UpstreamAPIKey:   apiKey,
		TimeoutSeconds:   timeout,
	}, nil
}

// resolveAPIKey prefers the literal api_key and otherwise resolves an
// api_key_ref of the form ENV:NAME from the process environment.
func resolveAPIKey(up UpstreamConfig) (string, error) {
	if key := strings.TrimSpace(up.APIKey); key != "" {
		return key, nil
	}
	ref := strings.TrimSpace(up.APIKeyRef)
	if ref == "" {
		return "", fmt.Errorf("api_key or api_key_ref is required")
	}
	envName, ok := strings.CutPrefix(ref, "ENV:")
	if !ok {
		return "", fmt.Errorf("unsupported api_key_ref %q (expected ENV:NAME)", ref)
	}
	key := os.Getenv(envName)
	if key == "" {
		return "", fmt.Errorf("environment variable %s is not set", envName)
	}
	return key, nil
}

// Proxy is the resolved listen configuration.
type Proxy struct {
	Host   string
	Port   int
	LogDir string
}

// BaseURL returns the http listen address as a URL.
func (p Proxy) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}
