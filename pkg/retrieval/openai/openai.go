// Package openai implements retrieval.Searcher on top of the OpenAI
// Responses API with the hosted file_search tool.
//
// The primary path constrains the model's answer to a strict JSON schema of
// scored results. When that yields nothing usable, file_citation annotations
// are mined from the free-text output as a fixed-score fallback.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/sonju-ai/sonju-gateway/pkg/retrieval"
)

// DefaultModel is the file-search-capable model used when none is configured.
const DefaultModel = "gpt-4o-mini"

// sourceName labels snippets produced by this backend.
const sourceName = "OpenAI Vector Store"

var _ retrieval.Searcher = (*Searcher)(nil)

// Searcher queries one OpenAI vector store.
type Searcher struct {
	client        oai.Client
	model         string
	vectorStoreID string
}

type config struct {
	model   string
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Searcher.
type Option func(*config)

// WithModel overrides the model used for file-search requests.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Searcher bound to one vector store.
func New(apiKey, vectorStoreID string, opts ...Option) (*Searcher, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("retrieval/openai: api key must not be empty")
	}
	if vectorStoreID == "" {
		return nil, fmt.Errorf("retrieval/openai: vector store id must not be empty")
	}

	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Searcher{
		client:        oai.NewClient(reqOpts...),
		model:         cfg.model,
		vectorStoreID: vectorStoreID,
	}, nil
}

// Search implements retrieval.Searcher. Results are truncated to
// opts.MaxChars, post-filtered by opts.Threshold and sorted by descending
// score.
func (s *Searcher) Search(ctx context.Context, query string, opts retrieval.SearchOptions) ([]retrieval.Snippet, error) {
	topK := opts.TopK
	if topK < 1 {
		topK = 1
	}

	prompt := fmt.Sprintf(
		"다음 질의와 관련된 문서를 벡터 저장소에서 검색하고, 가장 관련성 높은 결과 %d개 이하를 JSON으로 반환하세요.\n\n질의: %s",
		topK, query,
	)

	resp, err := s.client.Responses.New(ctx, responses.ResponseNewParams{
		Model: shared.ResponsesModel(s.model),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: oai.String(prompt),
		},
		Tools: []responses.ToolUnionParam{{
			OfFileSearch: &responses.FileSearchToolParam{
				VectorStoreIDs: []string{s.vectorStoreID},
				MaxNumResults:  oai.Int(int64(topK)),
			},
		}},
		Text: responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   "rag_search_results",
					Schema: resultSchema(topK),
					Strict: oai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval/openai: search: %w", err)
	}

	if snippets := parseStructured(resp.OutputText(), topK, opts.MaxChars); len(snippets) > 0 {
		return retrieval.FilterAndSort(snippets, opts.Threshold), nil
	}

	// Mined citations carry no usable score, so the threshold filter does
	// not apply; the tool layer judges their confidence instead.
	return snippetsFromCitations(mineCitations(resp), topK, opts.MaxChars), nil
}

// resultSchema is the strict JSON schema the model's answer must satisfy.
func resultSchema(topK int) map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"results": map[string]any{
				"type":     "array",
				"maxItems": topK,
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]any{
						"file_id":  map[string]any{"type": "string"},
						"filename": map[string]any{"type": "string"},
						"score":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
						"text":     map[string]any{"type": "string"},
					},
					"required": []string{"file_id", "filename", "score", "text"},
				},
			},
		},
		"required": []string{"results"},
	}
}

type structuredResponse struct {
	Results []struct {
		FileID   string  `json:"file_id"`
		Filename string  `json:"filename"`
		Score    float64 `json:"score"`
		Text     string  `json:"text"`
	} `json:"results"`
}

// parseStructured decodes the schema-constrained output text. Unparseable
// text yields nil so the caller can fall back to annotation mining.
func parseStructured(text string, topK, maxChars int) []retrieval.Snippet {
	var parsed structuredResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return nil
	}
	if len(parsed.Results) > topK {
		parsed.Results = parsed.Results[:topK]
	}

	snippets := make([]retrieval.Snippet, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.Text == "" {
			continue
		}
		score := r.Score
		if score < 0 {
			score = 0
		}
		snippets = append(snippets, retrieval.Snippet{
			Content:  retrieval.Truncate(r.Text, maxChars),
			Score:    score,
			Source:   sourceName,
			FileID:   r.FileID,
			Filename: r.Filename,
		})
	}
	if len(snippets) == 0 {
		return nil
	}
	return snippets
}

// citation is one mined file_citation: the cited file plus the text of the
// output part it annotates.
type citation struct {
	fileID   string
	filename string
	quote    string
}

// mineCitations walks the response output for file_citation annotations on
// output_text parts.
func mineCitations(resp *responses.Response) []citation {
	var out []citation
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if part.Type != "output_text" {
				continue
			}
			ot := part.AsOutputText()
			for _, ann := range ot.Annotations {
				if ann.Type != "file_citation" {
					continue
				}
				out = append(out, citation{
					fileID:   ann.FileID,
					filename: ann.Filename,
					quote:    ot.Text,
				})
			}
		}
	}
	return out
}

// citationScore is assigned to mined citations: a citation proves the store
// matched, but the model reported no ranking to preserve.
const citationScore = 0.5

// snippetsFromCitations converts mined citations into fixed-score snippets,
// deduplicated by (file id, quote) and capped at topK.
func snippetsFromCitations(citations []citation, topK, maxChars int) []retrieval.Snippet {
	type key struct{ fileID, quote string }
	seen := make(map[key]struct{}, len(citations))

	var snippets []retrieval.Snippet
	for _, c := range citations {
		if c.fileID == "" {
			continue
		}
		k := key{c.fileID, c.quote}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}

		snippets = append(snippets, retrieval.Snippet{
			Content:  retrieval.Truncate(c.quote, maxChars),
			Score:    citationScore,
			Source:   sourceName,
			FileID:   c.fileID,
			Filename: c.filename,
		})
		if len(snippets) == topK {
			break
		}
	}
	return snippets
}
