package main

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verity/internal/engine"
	"github.com/sells-group/verity/internal/ledger"
	"github.com/sells-group/verity/internal/store"
	anthropicpkg "github.com/sells-group/verity/pkg/anthropic"
	"github.com/sells-group/verity/pkg/jina"
)

// queryEnv holds the loaded ledger, the trace store, and the wired engine
// needed by the ask/serve commands.
type queryEnv struct {
	Ledger *ledger.Ledger
	Engine *engine.Engine
	Traces store.Store

	snapshots ledger.Store
}

// Close releases both stores. On Postgres the trace store borrows the
// snapshot store's pool, so the snapshot store closes last.
func (qe *queryEnv) Close() {
	if qe.Traces != nil {
		_ = qe.Traces.Close()
	}
	if qe.snapshots != nil {
		_ = qe.snapshots.Close()
	}
}

// openStores opens the snapshot and trace stores for the configured
// driver. Both live in the same database file or cluster.
func openStores(ctx context.Context) (ledger.Store, store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		snaps, err := ledger.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		traces, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			_ = snaps.Close()
			return nil, nil, err
		}
		return snaps, traces, nil
	case "postgres":
		snaps, err := ledger.NewPostgres(ctx, cfg.Store.DatabaseURL, &ledger.PoolConfig{
			MaxConns: cfg.Store.Pool.MaxConns,
			MinConns: cfg.Store.Pool.MinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return snaps, store.NewPostgresStore(snaps.Pool()), nil
	default:
		return nil, nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initQueryEnv migrates both stores, loads the snapshot, and wires the
// engine with its model clients. Callers should defer env.Close().
func initQueryEnv(ctx context.Context) (*queryEnv, error) {
	if err := cfg.Validate("query"); err != nil {
		return nil, err
	}

	snaps, traces, err := openStores(ctx)
	if err != nil {
		return nil, err
	}

	closeAll := func() {
		_ = traces.Close()
		_ = snaps.Close()
	}

	if err := snaps.Migrate(ctx); err != nil {
		closeAll()
		return nil, eris.Wrap(err, "migrate snapshot store")
	}
	if err := traces.Migrate(ctx); err != nil {
		closeAll()
		return nil, eris.Wrap(err, "migrate trace store")
	}

	ld, err := ledger.Load(ctx, snaps)
	if err != nil {
		closeAll()
		return nil, err
	}

	llm := anthropicpkg.NewClient(cfg.Anthropic.Key)

	// Embeddings are optional at query time; without a key the metric
	// selector falls back to lexical vocabulary matching.
	var embed jina.Client
	if cfg.Jina.Key != "" {
		embed = jina.NewClient(cfg.Jina.Key, jinaOptions()...)
	} else {
		zap.L().Warn("jina key not set, metric selection degrades to lexical matching")
	}

	eng := engine.New(cfg, ld, traces, llm, embed)

	stats := ld.Stats()
	zap.L().Info("ledger loaded",
		zap.String("version", stats.Version),
		zap.Int("facts", stats.Facts),
		zap.Int("chunks", stats.Chunks),
		zap.Int("aliases", stats.Aliases),
		zap.Int("vocab_vectors", stats.VocabVectors),
	)

	return &queryEnv{Ledger: ld, Engine: eng, Traces: traces, snapshots: snaps}, nil
}

func jinaOptions() []jina.Option {
	opts := []jina.Option{
		jina.WithModel(cfg.Jina.Model),
		jina.WithRateLimit(cfg.Jina.RatePerSec),
	}
	if cfg.Jina.BaseURL != "" {
		opts = append(opts, jina.WithBaseURL(cfg.Jina.BaseURL))
	}
	if cfg.Jina.Timeout > 0 {
		opts = append(opts, jina.WithHTTPClient(&http.Client{Timeout: cfg.Jina.Timeout}))
	}
	return opts
}
