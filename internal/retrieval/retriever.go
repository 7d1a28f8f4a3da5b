// Package retrieval turns a query string into ranked, deduplicated,
// token-budgeted codebase snippets.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"codepilot/internal/embedding"
	"codepilot/internal/logging"
	"codepilot/internal/types"
)

// ErrRetrievalUnavailable distinguishes "retrieval broken" from "no
// relevant context". It wraps the uniform upstream-unavailable signal so
// callers classify it as transient.
var ErrRetrievalUnavailable = fmt.Errorf("retrieval unavailable: %w", types.ErrUnavailable)

// VectorIndex is the similarity-query capability the retriever consumes.
// The SQLite store implements it.
type VectorIndex interface {
	QueryChunks(queryVec []float32, k int, filters types.ChunkFilters) ([]types.RetrievedChunk, error)
}

// Config tunes retrieval behavior.
type Config struct {
	// TopK is the default result count when the caller passes k <= 0.
	TopK int

	// TokenBudget caps the total estimated tokens across returned chunks.
	TokenBudget int

	// CacheTTL bounds how long a query's results are served from cache.
	CacheTTL time.Duration
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	return Config{TopK: 5, TokenBudget: 4000, CacheTTL: 5 * time.Minute}
}

// LocalRetriever embeds queries and searches the local vector index.
type LocalRetriever struct {
	engine embedding.Engine
	index  VectorIndex
	cfg    Config
	cache  *queryCache
}

// NewRetriever wires the embedding engine and vector index together.
func NewRetriever(engine embedding.Engine, index VectorIndex, cfg Config) *LocalRetriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 4000
	}
	return &LocalRetriever{
		engine: engine,
		index:  index,
		cfg:    cfg,
		cache:  newQueryCache(cfg.CacheTTL),
	}
}

// Retrieve returns the top-k most relevant chunks for the query, ordered
// by descending score, deterministic for a fixed index snapshot and fixed
// query embedding. Embedding or index failures surface as
// ErrRetrievalUnavailable rather than an empty result.
func (r *LocalRetriever) Retrieve(ctx context.Context, query string, k int, filters types.ChunkFilters) ([]types.RetrievedChunk, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Retrieve")
	defer timer.Stop()

	if k <= 0 {
		k = r.cfg.TopK
	}

	key := cacheKey(query, k, filters)
	if cached, ok := r.cache.get(key); ok {
		logging.RetrievalDebug("Cache hit: %q k=%d", query, k)
		return cached, nil
	}

	vec, err := r.engine.Embed(ctx, query)
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Error("Query embedding failed: %v", err)
		return nil, fmt.Errorf("%w: embed: %v", ErrRetrievalUnavailable, err)
	}

	// Overfetch so deduplication and the token budget still leave k results
	// to choose from.
	raw, err := r.index.QueryChunks(vec, k*3, filters)
	if err != nil {
		logging.Get(logging.CategoryRetrieval).Error("Vector query failed: %v", err)
		return nil, fmt.Errorf("%w: index: %v", ErrRetrievalUnavailable, err)
	}

	chunks := Deduplicate(raw)
	chunks = capToBudget(chunks, r.cfg.TokenBudget)
	if len(chunks) > k {
		chunks = chunks[:k]
	}

	logging.Retrieval("Retrieved %d chunks for %q (raw=%d)", len(chunks), query, len(raw))
	r.cache.put(key, chunks)
	return chunks, nil
}

// InvalidateCache drops every cached result. The indexer calls this when
// the underlying index changes.
func (r *LocalRetriever) InvalidateCache() {
	r.cache.clear()
	logging.RetrievalDebug("Cache invalidated")
}

// Deduplicate merges overlapping byte ranges from the same file, keeping
// the higher-scored chunk's text and extending its range to the union.
// Output stays ordered by descending score with the same tie-breaks the
// index uses.
func Deduplicate(chunks []types.RetrievedChunk) []types.RetrievedChunk {
	sorted := make([]types.RetrievedChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		if sorted[i].SourcePath != sorted[j].SourcePath {
			return sorted[i].SourcePath < sorted[j].SourcePath
		}
		return sorted[i].StartByte < sorted[j].StartByte
	})

	var out []types.RetrievedChunk
	for _, c := range sorted {
		merged := false
		for i := range out {
			if out[i].SourcePath != c.SourcePath {
				continue
			}
			if c.StartByte < out[i].EndByte && out[i].StartByte < c.EndByte {
				if c.StartByte < out[i].StartByte {
					out[i].StartByte = c.StartByte
				}
				if c.EndByte > out[i].EndByte {
					out[i].EndByte = c.EndByte
				}
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, c)
		}
	}
	return out
}

// capToBudget greedily takes highest-score chunks until the token budget
// is exhausted.
func capToBudget(chunks []types.RetrievedChunk, budget int) []types.RetrievedChunk {
	var out []types.RetrievedChunk
	used := 0
	for _, c := range chunks {
		cost := EstimateTokens(c.Text)
		if used+cost > budget {
			break
		}
		used += cost
		out = append(out, c)
	}
	return out
}

func cacheKey(query string, k int, filters types.ChunkFilters) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	return fmt.Sprintf("%s|%d|%s|%s", normalized, k, filters.PathPrefix, filters.Language)
}
