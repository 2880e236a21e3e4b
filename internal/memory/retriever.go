package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/scibench/internal/config"
	scibenchotel "github.com/basket/scibench/internal/otel"
)

// Retriever answers "what do we already know about tasks like this one"
// before an episode starts. Results are filtered by the configured
// similarity threshold and capped at top_k.
type Retriever struct {
	store    *Store
	embedder Embedder
	cfg      config.MemoryConfig
	logger   *slog.Logger
	metrics  *scibenchotel.Metrics
}

func NewRetriever(store *Store, embedder Embedder, cfg config.MemoryConfig, logger *slog.Logger, metrics *scibenchotel.Metrics) *Retriever {
	return &Retriever{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Query embeds the goal text and returns the same-family matches above the
// similarity threshold. Baseline mode and an empty bank both short-circuit
// to nil without touching the embedder.
func (r *Retriever) Query(ctx context.Context, family, goal string) ([]Match, error) {
	if !r.cfg.Mode.Retrieves() {
		return nil, nil
	}
	if r.store.Len() == 0 {
		return nil, nil
	}

	embedding, err := r.embedder.Embed(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := r.store.Search(ctx, family, embedding, r.cfg.TopK)
	if err != nil {
		return nil, err
	}

	filtered := matches[:0]
	for _, m := range matches {
		if float64(m.Similarity) >= r.cfg.SimilarityThreshold {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) > r.cfg.TopK {
		filtered = filtered[:r.cfg.TopK]
	}

	if r.metrics != nil {
		r.metrics.MemoryRetrievals.Add(ctx, int64(len(filtered)))
	}
	r.logger.Debug("memory retrieval",
		"family", family,
		"candidates", len(matches),
		"matches", len(filtered),
	)
	return filtered, nil
}
