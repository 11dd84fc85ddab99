package resilience

import (
	"context"

	"github.com/sonju-ai/sonju-gateway/pkg/retrieval"
)

var _ retrieval.Searcher = (*GuardedSearcher)(nil)

// GuardedSearcher is a [retrieval.Searcher] protected by a [CircuitBreaker].
// When the backend keeps failing, searches short-circuit with
// [ErrCircuitOpen] and the tool layer reports a retrieval failure without
// touching the backend.
type GuardedSearcher struct {
	inner retrieval.Searcher
	cb    *CircuitBreaker
}

// NewGuardedSearcher wraps inner with a breaker built from cfg. An empty
// cfg.Name defaults to "retrieval".
func NewGuardedSearcher(inner retrieval.Searcher, cfg CircuitBreakerConfig) *GuardedSearcher {
	if cfg.Name == "" {
		cfg.Name = "retrieval"
	}
	return &GuardedSearcher{
		inner: inner,
		cb:    NewCircuitBreaker(cfg),
	}
}

// Search forwards to the wrapped backend through the breaker.
func (g *GuardedSearcher) Search(ctx context.Context, query string, opts retrieval.SearchOptions) ([]retrieval.Snippet, error) {
	var snippets []retrieval.Snippet
	err := g.cb.Execute(func() error {
		var err error
		snippets, err = g.inner.Search(ctx, query, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snippets, nil
}

// State exposes the breaker state for readiness reporting.
func (g *GuardedSearcher) State() State { return g.cb.State() }
