// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command llmrelay runs the local LLM protocol proxy.
//
// Usage:
//
//	llmrelay serve --cfg-file config/llmrelay.yaml
//	llmrelay validate --cfg-file config/llmrelay.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kadirpekel/llmrelay/pkg/config"
	"github.com/kadirpekel/llmrelay/pkg/metrics"
	"github.com/kadirpekel/llmrelay/pkg/proxy"
	"github.com/kadirpekel/llmrelay/pkg/trajectory"
	"github.com/kadirpekel/llmrelay/pkg/transport"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the proxy server."`
	Validate ValidateCmd `cmd:"" help:"Validate a route configuration file."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("llmrelay version %s\n", version)
	return nil
}

// ServeCmd starts the proxy server.
type ServeCmd struct {
	CfgFile string `name:"cfg-file" help:"Path to route configuration yaml." default:"config/llmrelay.yaml" type:"path"`
	Host    string `help:"Listen host." default:"127.0.0.1"`
	Port    int    `help:"Listen port." default:"18080"`
	LogDir  string `name:"log-dir" help:"Directory for per-session trajectory files." default:"logs/trajectory" type:"path"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := config.Load(c.CfgFile)
	if err != nil {
		return err
	}
	table, err := config.BuildRoutes(cfg)
	if err != nil {
		return err
	}

	store, err := trajectory.New(c.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize trajectory store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	proxyMetrics := metrics.New(registry)

	runtime := proxy.New(table, store, proxy.WithMetrics(proxyMetrics))
	server := transport.NewServer(c.Host, c.Port, runtime,
		transport.WithMetrics(proxyMetrics),
		transport.WithGatherer(registry),
	)

	fmt.Printf("llmrelay listening on %s (%d routes, trajectories in %s)\n",
		server.BaseURL(), table.Len(), c.LogDir)

	return server.Start(ctx)
}

// ValidateCmd validates a route configuration file.
type ValidateCmd struct {
	CfgFile string `name:"cfg-file" help:"Path to route configuration yaml." default:"config/llmrelay.yaml" type:"path"`
}

func (c *ValidateCmd) Run() error {
	cfg, err := config.Load(c.CfgFile)
	if err != nil {
		return err
	}
	table, err := config.BuildRoutes(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration valid: %d routes\n", table.Len())
	for _, route := range table.Routes() {
		fmt.Printf("  %s -> %s (%s)\n", route.Name, route.UpstreamModel, route.UpstreamProvider)
	}
	return nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("llmrelay"),
		kong.Description("llmrelay - Local LLM protocol proxy with trajectory capture"),
		kong.UsageOnError(),
	)

	_, _, _, cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
