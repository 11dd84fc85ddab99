// Package retrieval defines the document-search contract the gateway's
// rag_search tool is built on, plus the formatting helpers that turn scored
// snippets into model-consumable context.
//
// Backends live in subpackages (openai, pgvector) and implement [Searcher];
// the threshold post-filter, truncation and context formatting are shared
// here so every backend produces identical tool output.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// truncationMarker is appended to snippet content cut at MaxChars.
const truncationMarker = "…"

// SearchOptions bound one retrieval request.
type SearchOptions struct {
	// TopK caps the number of returned snippets.
	TopK int
	// Threshold drops snippets scoring below it, range [0,1].
	Threshold float64
	// MaxChars caps snippet content length in runes; 0 means unlimited.
	MaxChars int
}

// Snippet is one scored retrieval result.
type Snippet struct {
	Content  string
	Score    float64
	Source   string
	FileID   string
	Filename string
}

// Searcher performs one vector-store search. Implementations must be safe
// for concurrent use; the gateway shares one Searcher across all sessions.
type Searcher interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]Snippet, error)
}

// Truncate cuts s to at most maxChars runes, appending the truncation
// marker when anything was removed. Rune-based so Korean text is never cut
// mid-character. A non-positive maxChars disables truncation.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxChars]) + truncationMarker
}

// FilterAndSort drops snippets scoring below threshold and orders the rest
// by descending score. The input slice is not modified.
func FilterAndSort(snippets []Snippet, threshold float64) []Snippet {
	out := make([]Snippet, 0, len(snippets))
	for _, s := range snippets {
		if s.Score >= threshold {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// LowConfidence reports whether a result set should trigger the gateway's
// low-confidence policy: it is empty, or its best score is below threshold.
// Callers pass the pre-filter snippet list.
func LowConfidence(snippets []Snippet, threshold float64) bool {
	if len(snippets) == 0 {
		return true
	}
	top := snippets[0].Score
	for _, s := range snippets[1:] {
		if s.Score > top {
			top = s.Score
		}
	}
	return top < threshold
}

// sourceLabel picks the attribution shown to the model: the file id when
// known, otherwise the backend's source name.
func sourceLabel(s Snippet) string {
	if s.FileID != "" {
		return s.FileID
	}
	return s.Source
}

// FormatContext renders snippets for model consumption: one
// "[출처: <id>]\n<content>" block per snippet, blank-line separated.
func FormatContext(snippets []Snippet) string {
	blocks := make([]string, len(snippets))
	for i, s := range snippets {
		blocks[i] = fmt.Sprintf("[출처: %s]\n%s", sourceLabel(s), s.Content)
	}
	return strings.Join(blocks, "\n\n")
}

// Structured is the array form of a formatted result set, used when the
// consumer wants sources and contents separately alongside the joined
// context.
type Structured struct {
	Sources  []string
	Contents []string
	Context  string
}

// FormatStructured renders snippets into parallel source/content arrays
// plus the same joined context [FormatContext] produces.
func FormatStructured(snippets []Snippet) Structured {
	st := Structured{
		Sources:  make([]string, len(snippets)),
		Contents: make([]string, len(snippets)),
	}
	for i, s := range snippets {
		st.Sources[i] = sourceLabel(s)
		st.Contents[i] = s.Content
	}
	st.Context = FormatContext(snippets)
	return st
}
