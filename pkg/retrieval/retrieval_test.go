package retrieval_test

import (
	"strings"
	"testing"

	"github.com/sonju-ai/sonju-gateway/pkg/retrieval"
)

// ── Truncate ──────────────────────────────────────────────────────────────────

func TestTruncate_ShortStringUnchanged(t *testing.T) {
	t.Parallel()

	if got := retrieval.Truncate("복지 상담", 120); got != "복지 상담" {
		t.Errorf("Truncate = %q; want unchanged", got)
	}
}

func TestTruncate_CountsRunesNotBytes(t *testing.T) {
	t.Parallel()

	// Five Hangul syllables are 15 bytes; a 4-rune cap must keep exactly
	// four characters plus the marker.
	got := retrieval.Truncate("가나다라마", 4)
	if got != "가나다라…" {
		t.Errorf("Truncate = %q; want 가나다라…", got)
	}
}

func TestTruncate_ZeroDisablesTruncation(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 500)
	if got := retrieval.Truncate(long, 0); got != long {
		t.Error("maxChars 0 should disable truncation")
	}
}

// ── FilterAndSort ─────────────────────────────────────────────────────────────

func TestFilterAndSort_DropsBelowThresholdAndOrdersDescending(t *testing.T) {
	t.Parallel()

	in := []retrieval.Snippet{
		{FileID: "f1", Score: 0.41},
		{FileID: "f2", Score: 0.12},
		{FileID: "f3", Score: 0.93},
		{FileID: "f4", Score: 0.3},
	}

	out := retrieval.FilterAndSort(in, 0.3)
	if len(out) != 3 {
		t.Fatalf("got %d snippets; want 3", len(out))
	}
	wantOrder := []string{"f3", "f1", "f4"}
	for i, w := range wantOrder {
		if out[i].FileID != w {
			t.Errorf("out[%d] = %s; want %s", i, out[i].FileID, w)
		}
	}
}

func TestFilterAndSort_DoesNotModifyInput(t *testing.T) {
	t.Parallel()

	in := []retrieval.Snippet{{FileID: "a", Score: 0.1}, {FileID: "b", Score: 0.9}}
	_ = retrieval.FilterAndSort(in, 0)
	if in[0].FileID != "a" || in[1].FileID != "b" {
		t.Error("input slice was reordered")
	}
}

// ── LowConfidence ─────────────────────────────────────────────────────────────

func TestLowConfidence(t *testing.T) {
	t.Parallel()

	if !retrieval.LowConfidence(nil, 0.3) {
		t.Error("empty result set should be low confidence")
	}
	if !retrieval.LowConfidence([]retrieval.Snippet{{Score: 0.1}, {Score: 0.2}}, 0.3) {
		t.Error("all-below-threshold set should be low confidence")
	}
	if retrieval.LowConfidence([]retrieval.Snippet{{Score: 0.1}, {Score: 0.82}}, 0.3) {
		t.Error("a confident top score should not be low confidence")
	}
}

// ── Formatting ────────────────────────────────────────────────────────────────

func TestFormatContext_SourceTaggedBlocks(t *testing.T) {
	t.Parallel()

	snippets := []retrieval.Snippet{
		{FileID: "f1", Content: "노인 복지 혜택 안내"},
		{Source: "pgvector", Content: "주거 지원 대상"},
	}

	got := retrieval.FormatContext(snippets)
	want := "[출처: f1]\n노인 복지 혜택 안내\n\n[출처: pgvector]\n주거 지원 대상"
	if got != want {
		t.Errorf("FormatContext = %q; want %q", got, want)
	}
}

func TestFormatContext_EmptyResultSet(t *testing.T) {
	t.Parallel()

	if got := retrieval.FormatContext(nil); got != "" {
		t.Errorf("FormatContext(nil) = %q; want empty", got)
	}
}

func TestFormatStructured_ParallelArrays(t *testing.T) {
	t.Parallel()

	snippets := []retrieval.Snippet{
		{FileID: "f1", Content: "내용1"},
		{FileID: "f2", Content: "내용2"},
	}

	st := retrieval.FormatStructured(snippets)
	if len(st.Sources) != 2 || st.Sources[0] != "f1" || st.Sources[1] != "f2" {
		t.Errorf("Sources = %v", st.Sources)
	}
	if len(st.Contents) != 2 || st.Contents[0] != "내용1" {
		t.Errorf("Contents = %v", st.Contents)
	}
	if st.Context != retrieval.FormatContext(snippets) {
		t.Error("Context must match FormatContext output")
	}
}
