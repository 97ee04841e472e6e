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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/atp/pkg/config"
	"github.com/kadirpekel/atp/pkg/engine"
	"github.com/kadirpekel/atp/pkg/observability"
	"github.com/kadirpekel/atp/pkg/provenance"
	"github.com/kadirpekel/atp/pkg/server"
	"github.com/kadirpekel/atp/pkg/session"
	"github.com/kadirpekel/atp/pkg/statestore"
	"github.com/kadirpekel/atp/pkg/tool"
)

// ServeCmd starts the ATP server.
type ServeCmd struct {
	Host string `help:"Host to bind to."`
	Port int    `help:"Port to listen on."`
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

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// CLI flags override config.
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	metrics, err := observability.InitMetrics(cfg.Metrics.Enabled)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	backend, err := statestore.New(cfg.StateStore.URL)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer backend.Close()
	store := statestore.NewManager(backend, cfg.StateStore.TTL, cfg.StateStore.MaxPauseDuration, metrics)

	sessions, err := session.NewManager([]byte(cfg.Session.Secret), cfg.Session.TokenTTL)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	prov, err := buildProvenance(cfg)
	if err != nil {
		return err
	}

	sources, err := tool.FromConfig(cfg.ToolSources)
	if err != nil {
		return fmt.Errorf("failed to create tool sources: %w", err)
	}
	defer func() { _ = tool.CloseAll(sources) }()

	eng := engine.New(cfg, store, prov, sources)
	srv := server.New(cfg, sessions, eng, sources, server.WithMetrics(metrics))

	fmt.Printf("\nATP server ready\n")
	fmt.Printf("   Endpoint:    http://%s\n", srv.Address())
	fmt.Printf("   Health:      http://%s/health\n", srv.Address())
	if cfg.Metrics.Enabled {
		fmt.Printf("   Metrics:     http://%s/metrics\n", srv.Address())
	}
	if cfg.StateStore.URL == "" {
		fmt.Printf("   State store: in-memory (single instance)\n")
	} else {
		fmt.Printf("   State store: %s\n", cfg.StateStore.URL)
	}
	fmt.Printf("   Provenance:  %s\n", cfg.Provenance.Mode)
	if len(cfg.ToolSources) > 0 {
		fmt.Println("\n   Tool sources:")
		for _, src := range cfg.ToolSources {
			fmt.Printf("     - api.%s (%s)\n", src.Name, src.Type)
		}
	}
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start(ctx)
}

// buildProvenance wires the provenance engine from config. Returns nil when
// tracking is disabled. A redis state store doubles as the shared metadata
// cache so tokens issued on one instance verify on another.
func buildProvenance(cfg *config.Config) (*provenance.Engine, error) {
	if !cfg.Provenance.Enabled() {
		return nil, nil
	}

	var cache provenance.MetadataCache = provenance.NewMemoryCache()
	if strings.HasPrefix(cfg.StateStore.URL, "redis://") || strings.HasPrefix(cfg.StateStore.URL, "rediss://") {
		opt, err := redis.ParseURL(cfg.StateStore.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url for metadata cache: %w", err)
		}
		cache = provenance.NewRedisCache(redis.NewClient(opt))
	}

	destructive := make(map[string]bool, len(cfg.Provenance.DestructiveOperations))
	for _, op := range cfg.Provenance.DestructiveOperations {
		destructive[op] = true
	}

	return provenance.NewEngine(
		provenance.Config{
			Mode:          provenance.Mode(cfg.Provenance.Mode),
			Secret:        []byte(cfg.Provenance.Secret),
			TokenTTL:      cfg.Provenance.MetadataTTL,
			MetadataTTL:   cfg.Provenance.MetadataTTL,
			FetchTimeout:  cfg.Provenance.FetchTimeout,
			MaxTokens:     cfg.Provenance.MaxTokens,
			RecipientKeys: cfg.Provenance.RecipientKeys,
		},
		cache,
		provenance.DefaultPolicies(cfg.Provenance.RecipientKeys, destructive)...,
	), nil
}
