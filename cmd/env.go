package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/config"
	"github.com/sells-group/spons-match/internal/cost"
	"github.com/sells-group/spons-match/internal/pipeline"
	"github.com/sells-group/spons-match/internal/resilience"
	"github.com/sells-group/spons-match/internal/store"
	anthropicpkg "github.com/sells-group/spons-match/pkg/anthropic"
	"github.com/sells-group/spons-match/pkg/jina"
	"github.com/sells-group/spons-match/pkg/ollama"
)

// appEnv holds the store, clients and pipeline shared by the commands.
type appEnv struct {
	Store    store.Store
	Pipeline *pipeline.Pipeline
	Breakers *resilience.ServiceBreakers
	Pricer   *cost.Calculator
	Embedder pipeline.Embedder
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates configuration for mode, opens and migrates the store
// and builds whichever collaborators mode needs. Callers defer env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string) (*appEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &appEnv{
		Store:    st,
		Breakers: resilience.BreakersFromConfig(c.Circuit),
		Pricer:   cost.NewCalculator(cost.FromConfig(c.Pricing)),
	}

	switch mode {
	case config.ModeEmbed:
		if env.Embedder, err = initEmbedder(c); err != nil {
			env.Close()
			return nil, err
		}
	case config.ModeProcess, config.ModeServe:
		if env.Embedder, err = initEmbedder(c); err != nil {
			env.Close()
			return nil, err
		}
		env.Pipeline = pipeline.Build(c, st, initAnthropic(c), env.Embedder, env.Pricer, env.Breakers)
	}
	return env, nil
}

// initStore opens the configured backend.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "sqlite":
		return store.NewSQLite(c.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns:   c.Store.MaxConns,
			Dimensions: c.Embedding.Dimensions,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// initEmbedder builds the configured embedding provider.
func initEmbedder(c *config.Config) (pipeline.Embedder, error) {
	e := c.Embedding
	switch e.Provider {
	case "jina":
		opts := []jina.Option{jina.WithModel(e.Model), jina.WithDimensions(e.Dimensions)}
		if e.JinaBaseURL != "" {
			opts = append(opts, jina.WithBaseURL(e.JinaBaseURL))
		}
		return jina.NewClient(e.JinaKey, opts...), nil
	case "ollama":
		return ollama.NewClient(e.OllamaURL, e.Model), nil
	default:
		return nil, eris.Errorf("unsupported embedding provider: %s", e.Provider)
	}
}

// initAnthropic builds the rate-limited reasoning client.
func initAnthropic(c *config.Config) anthropicpkg.Client {
	var opts []anthropicpkg.Option
	if c.Anthropic.BaseURL != "" {
		opts = append(opts, anthropicpkg.WithBaseURL(c.Anthropic.BaseURL))
	}
	client := anthropicpkg.NewClient(c.Anthropic.Key, opts...)
	if c.Anthropic.RequestsPerSecond <= 0 {
		return client
	}
	zap.L().Debug("anthropic rate limit enabled",
		zap.Float64("rps", c.Anthropic.RequestsPerSecond),
		zap.Int("burst", c.Anthropic.Burst),
	)
	return anthropicpkg.NewRateLimited(client, anthropicpkg.NewAdaptiveLimiter(c.Anthropic.RequestsPerSecond, max(c.Anthropic.Burst, 1)))
}
