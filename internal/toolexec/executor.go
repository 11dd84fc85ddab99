// Package toolexec dispatches the rag_search tool calls a realtime session
// surfaces: argument parsing, per-session rate limiting, retrieval through
// the configured backend, the low-confidence escalation policy and the
// per-session result cache.
package toolexec

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sonju-ai/sonju-gateway/pkg/retrieval"
)

const (
	// minToolSpacing is the minimum gap between two retrieval dispatches
	// in one session; violations are answered with a skipped output.
	minToolSpacing = 1200 * time.Millisecond

	// escalationThreshold is the consecutive low-confidence count at which
	// the output starts advising a human operator.
	escalationThreshold = 3

	defaultTopK      = 2
	defaultThreshold = 0.3

	// maxTopK mirrors the tool schema's upper bound on topK.
	maxTopK = 5

	provisionalMaxChars = 120
	finalMaxChars       = 200

	retryMessage      = "관련 문서를 찾지 못했습니다. 질문을 조금 더 구체적으로 바꿔서 다시 검색해 주세요."
	escalationMessage = "관련 문서를 계속 찾지 못하고 있습니다. 담당 상담원 연결을 안내해 주세요."
)

// ── Output shapes ──────────────────────────────────────────────────────────────

type resultOutput struct {
	Context            string   `json:"context"`
	Sources            []string `json:"sources"`
	Count              int      `json:"count"`
	Mode               string   `json:"mode"`
	LowConfidence      bool     `json:"lowConfidence,omitempty"`
	LowConfidenceCount int      `json:"lowConfidenceCount,omitempty"`
}

type skippedOutput struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason"`
}

type errorOutput struct {
	Error string `json:"error"`
}

// toolArgs is the JSON argument shape of a rag_search call. Pointer fields
// distinguish absent from zero.
type toolArgs struct {
	Query     string   `json:"query"`
	Mode      string   `json:"mode"`
	TopK      *int     `json:"topK"`
	Threshold *float64 `json:"threshold"`
}

// ── Executor ───────────────────────────────────────────────────────────────────

// Option is a functional option for Executor.
type Option func(*Executor)

// WithClock replaces the time source; used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithLogger sets the logger used for retrieval failures.
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithSearchObserver registers a callback receiving the latency of each
// dispatched search. Rate-limited skips and cache hits never reach it.
func WithSearchObserver(fn func(time.Duration)) Option {
	return func(e *Executor) { e.observeSearch = fn }
}

// Executor handles the rag_search tool calls of one session. Safe for
// concurrent use, though a session delivers calls sequentially.
type Executor struct {
	searcher      retrieval.Searcher
	log           *slog.Logger
	now           func() time.Time
	observeSearch func(time.Duration)

	mu            sync.Mutex
	lastToolAt    time.Time
	lowConfidence int
	cache         *ragCache
}

// New creates an Executor for one session backed by searcher.
func New(searcher retrieval.Searcher, opts ...Option) *Executor {
	e := &Executor{
		searcher: searcher,
		log:      slog.Default(),
		now:      time.Now,
		cache:    newRagCache(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// HandleToolCall runs one coalesced tool invocation and returns the
// serialized tool output payload. It never returns an error: every failure
// mode maps to an error-shaped output so the session continues.
func (e *Executor) HandleToolCall(ctx context.Context, callID, name, rawArgs string) string {
	// Malformed accumulated JSON is treated as an empty argument object.
	var args toolArgs
	if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
		args = toolArgs{}
	}

	now := e.now()
	e.mu.Lock()
	if !e.lastToolAt.IsZero() && now.Sub(e.lastToolAt) < minToolSpacing {
		e.mu.Unlock()
		return marshal(skippedOutput{Skipped: true, Reason: "rate_limited"})
	}
	e.lastToolAt = now
	e.mu.Unlock()

	if name != "rag_search" {
		return marshal(errorOutput{Error: "unknown tool"})
	}

	query := strings.TrimSpace(args.Query)
	if query == "" {
		return marshal(errorOutput{Error: "empty query"})
	}

	mode, opts := clampOptions(args)

	key := normalizeQuery(query)
	e.mu.Lock()
	if entry, ok := e.cache.get(key, now); ok {
		e.lowConfidence = 0
		e.mu.Unlock()
		return marshal(resultOutput{
			Context: entry.context,
			Sources: entry.sources,
			Count:   len(entry.sources),
			Mode:    mode,
		})
	}
	e.mu.Unlock()

	start := time.Now()
	snippets, err := e.searcher.Search(ctx, query, opts)
	if e.observeSearch != nil {
		e.observeSearch(time.Since(start))
	}
	if err != nil {
		e.log.Warn("retrieval failed", "call_id", callID, "err", err)
		return marshal(errorOutput{Error: "retrieval failed: " + err.Error()})
	}

	if retrieval.LowConfidence(snippets, opts.Threshold) {
		return e.lowConfidenceOutput(mode)
	}

	st := retrieval.FormatStructured(snippets)

	e.mu.Lock()
	e.lowConfidence = 0
	e.cache.put(key, st.Context, st.Sources, now)
	e.mu.Unlock()

	return marshal(resultOutput{
		Context: st.Context,
		Sources: st.Sources,
		Count:   len(snippets),
		Mode:    mode,
	})
}

// LowConfidenceCount reports the current consecutive low-confidence streak.
func (e *Executor) LowConfidenceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lowConfidence
}

// lowConfidenceOutput bumps the streak and renders the retry prompt,
// escalating to the human-operator message from the third miss on.
func (e *Executor) lowConfidenceOutput(mode string) string {
	e.mu.Lock()
	e.lowConfidence++
	n := e.lowConfidence
	e.mu.Unlock()

	msg := retryMessage
	if n >= escalationThreshold {
		msg = escalationMessage
	}
	return marshal(resultOutput{
		Context:            msg,
		Sources:            []string{},
		Count:              0,
		Mode:               mode,
		LowConfidence:      true,
		LowConfidenceCount: n,
	})
}

// clampOptions normalizes the parsed arguments into search options.
// Provisional searches are narrowed to one short, high-threshold snippet.
func clampOptions(args toolArgs) (mode string, opts retrieval.SearchOptions) {
	mode = args.Mode
	if mode != "provisional" {
		mode = "final"
	}

	topK := defaultTopK
	if args.TopK != nil && *args.TopK > 0 {
		topK = *args.TopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}
	threshold := defaultThreshold
	if args.Threshold != nil {
		threshold = *args.Threshold
	}

	if mode == "provisional" {
		if topK > 1 {
			topK = 1
		}
		if threshold < 0.4 {
			threshold = 0.4
		}
		return mode, retrieval.SearchOptions{TopK: topK, Threshold: threshold, MaxChars: provisionalMaxChars}
	}
	return mode, retrieval.SearchOptions{TopK: topK, Threshold: threshold, MaxChars: finalMaxChars}
}

func marshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `{"error":"internal: marshal tool output"}`
	}
	return string(data)
}
