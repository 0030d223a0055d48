// Package app builds an engine from configuration for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/agenthands/cardforge/internal/config"
	"github.com/agenthands/cardforge/internal/core"
	"github.com/agenthands/cardforge/internal/core/conflict"
	"github.com/agenthands/cardforge/internal/core/matcher"
	"github.com/agenthands/cardforge/internal/core/registry"
	"github.com/agenthands/cardforge/internal/driver"
	"github.com/agenthands/cardforge/internal/llm"
	"github.com/agenthands/cardforge/internal/store"
)

// SystemActor records changes made by the process itself.
const SystemActor = "system"

// LoadConfig reads path, falling back to the defaults when the file does
// not exist, then applies the environment and validates.
func LoadConfig(path string, log *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn("config file not found, using defaults", "path", path)
		cfg = config.Default()
	case err != nil:
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func OpenStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory", "":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Options maps the configuration onto engine options. The graph driver and
// model clients are attached by Build.
func Options(cfg *config.Config) (core.Options, error) {
	agg, err := registry.AggregatorByName(cfg.Confidence.Aggregation)
	if err != nil {
		return core.Options{}, err
	}
	sim, err := conflict.SimilarityByName(cfg.Conflict.Similarity)
	if err != nil {
		return core.Options{}, err
	}
	fallback := cfg.Policy()
	return core.Options{
		LockTimeout:        cfg.LockTimeout(),
		Aggregator:         agg,
		Similarity:         sim,
		DuplicateThreshold: cfg.Conflict.DuplicateThreshold,
		OverlapThreshold:   cfg.Conflict.OverlapThreshold,
		MinScore:           cfg.Matcher.MinScore,
		MaxLinks:           cfg.Matcher.MaxLinks,
		Concurrency:        cfg.Matcher.Concurrency,
		Fallback:           &fallback,
	}, nil
}

// Build opens the store, connects the optional graph and model clients and
// seeds the guardrail policy when the store has none. A graph that cannot
// be reached only disables projection.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*core.Engine, error) {
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Memgraph.Enabled {
		d, err := driver.NewMemgraphDriver(ctx, cfg.Memgraph.URI, cfg.Memgraph.User, cfg.Memgraph.Password, log)
		if err != nil {
			log.Warn("memgraph unavailable, graph projection disabled", "uri", cfg.Memgraph.URI, "error", err)
		} else {
			opts.Graph = d
		}
	}

	gen, emb, err := llm.NewClient(ctx, cfg.LLM, log)
	if err != nil {
		return nil, err
	}
	if cfg.Conflict.UseLLMJudge && gen != nil {
		opts.Judge = conflict.NewLLMJudge(gen)
	}
	if cfg.Matcher.UseEmbeddings {
		if emb == nil {
			log.Warn("llm provider has no embeddings, using lexical matching", "provider", cfg.LLM.Provider)
		} else {
			opts.Scorer = matcher.NewEmbeddingScorer(emb, log)
		}
	}
	if cfg.Matcher.UseReranker && gen != nil {
		opts.Reranker = llm.NewSimpleLLMReranker(gen)
	}

	db, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	e := core.NewEngine(db, opts, log)
	if seeded, err := e.SeedPolicy(ctx, cfg.Policy(), SystemActor); err != nil {
		e.Close()
		return nil, fmt.Errorf("seeding guardrail policy: %w", err)
	} else if seeded {
		log.Info("guardrail policy seeded from configuration")
	}
	return e, nil
}
