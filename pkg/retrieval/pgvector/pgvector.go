// Package pgvector implements retrieval.Searcher against a PostgreSQL
// documents table with a pgvector index.
//
// The query text is embedded through an embeddings.Provider, the table is
// searched by cosine distance, and distances are mapped onto the [0,1]
// score range the retrieval contract expects.
package pgvector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/sonju-ai/sonju-gateway/pkg/embeddings"
	"github.com/sonju-ai/sonju-gateway/pkg/retrieval"
)

// sourceName labels snippets produced by this backend.
const sourceName = "pgvector"

var _ retrieval.Searcher = (*Searcher)(nil)

// Searcher performs approximate nearest-neighbour search over the documents
// table. All methods are safe for concurrent use.
type Searcher struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// New constructs a Searcher over pool using embedder for query embedding.
func New(pool *pgxpool.Pool, embedder embeddings.Provider) *Searcher {
	return &Searcher{pool: pool, embedder: embedder}
}

// Search implements retrieval.Searcher. Results are truncated to
// opts.MaxChars, post-filtered by opts.Threshold and sorted by descending
// score.
func (s *Searcher) Search(ctx context.Context, query string, opts retrieval.SearchOptions) ([]retrieval.Snippet, error) {
	topK := opts.TopK
	if topK < 1 {
		topK = 1
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval/pgvector: embed query: %w", err)
	}

	const q = `
		SELECT file_id, filename, content,
		       embedding <=> $1 AS distance
		FROM   documents
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgv.NewVector(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("retrieval/pgvector: search: %w", err)
	}

	snippets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (retrieval.Snippet, error) {
		var (
			sn       retrieval.Snippet
			distance float64
		)
		if err := row.Scan(&sn.FileID, &sn.Filename, &sn.Content, &distance); err != nil {
			return retrieval.Snippet{}, err
		}
		sn.Content = retrieval.Truncate(sn.Content, opts.MaxChars)
		sn.Score = scoreFromDistance(distance)
		sn.Source = sourceName
		return sn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval/pgvector: scan rows: %w", err)
	}

	return retrieval.FilterAndSort(snippets, opts.Threshold), nil
}

// Ping verifies database connectivity; used by the readiness probe.
func (s *Searcher) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("retrieval/pgvector: ping: %w", err)
	}
	return nil
}

// scoreFromDistance maps a cosine distance in [0,2] to a similarity score
// in [0,1], clamped against numeric drift.
func scoreFromDistance(distance float64) float64 {
	score := 1 - distance/2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
