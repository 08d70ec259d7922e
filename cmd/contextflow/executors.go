package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/phrazzld/contextflow/internal/config"
	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/platform/gemini"
	"github.com/phrazzld/contextflow/internal/platform/remote"
	"github.com/phrazzld/contextflow/internal/worker"
)

// buildExecutors returns one executor per configured capability. The
// generative capability runs on Gemini when an API key is set and falls back
// to a remote executor URL otherwise.
func buildExecutors(ctx context.Context, cfg *config.Config, logger *slog.Logger) (map[domain.Capability]worker.Executor, error) {
	out := make(map[domain.Capability]worker.Executor)

	names := make([]string, 0, len(cfg.Remote.ExecutorURLs))
	for name := range cfg.Remote.ExecutorURLs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		url := cfg.Remote.ExecutorURLs[name]
		if url == "" {
			continue
		}
		capability := domain.Capability(name)
		client, err := newRemoteClient(cfg.Remote, url, logger)
		if err != nil {
			return nil, fmt.Errorf("executor %s: %w", capability, err)
		}
		out[capability] = remote.NewExecutor(client, capability)
	}

	if cfg.LLM.GeminiAPIKey != "" {
		exec, err := gemini.NewExecutor(ctx, cfg.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize generative executor: %w", err)
		}
		out[domain.CapabilityGenerative] = exec
	}

	for capability := range out {
		logger.Info("capability executor configured", "capability", capability)
	}
	return out, nil
}

func newRemoteClient(cfg config.RemoteConfig, url string, logger *slog.Logger) (*remote.Client, error) {
	return remote.NewClient(remote.Config{
		BaseURL:           url,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	}, logger)
}
