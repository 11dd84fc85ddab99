package config_test

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/sonju-ai/sonju-gateway/internal/config"
)

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
upstream:
  model: gpt-4o-realtime-preview-2024-12-17
  base_url: wss://example.test/v1/realtime
retrieval:
  provider: openai
  vector_store_id: vs_abc123
  model: gpt-4o-mini
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
	if cfg.Upstream.Model != "gpt-4o-realtime-preview-2024-12-17" {
		t.Errorf("upstream.model = %q", cfg.Upstream.Model)
	}
	if cfg.Retrieval.VectorStoreID != "vs_abc123" {
		t.Errorf("vector_store_id = %q", cfg.Retrieval.VectorStoreID)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()

	yaml := `
retrieval:
  vector_store_id: vs_abc123
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("default listen_addr = %q; want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("default log_level = %q; want info", cfg.Server.LogLevel)
	}
	if cfg.Upstream.Model != "gpt-4o-realtime-preview" {
		t.Errorf("default upstream.model = %q", cfg.Upstream.Model)
	}
	if cfg.Retrieval.Provider != config.RetrievalOpenAI {
		t.Errorf("default retrieval.provider = %q; want openai", cfg.Retrieval.Provider)
	}
	if cfg.Retrieval.EmbeddingModel != "text-embedding-3-small" {
		t.Errorf("default embedding_model = %q", cfg.Retrieval.EmbeddingModel)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  listen_adr: ":8080"
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("misspelled key should be rejected")
	}
}

func TestValidate_CollectsAllFailures(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: loud
retrieval:
  provider: grep
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation failure")
	}
	msg := err.Error()
	for _, want := range []string{"server.log_level", "retrieval.provider"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %s", msg, want)
		}
	}
}

func TestValidate_ProviderRequirements(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "openai requires vector store",
			yaml:    "retrieval:\n  provider: openai\n",
			wantErr: "vector_store_id",
		},
		{
			name:    "pgvector requires dsn",
			yaml:    "retrieval:\n  provider: pgvector\n",
			wantErr: "postgres_dsn",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v; want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()

	cases := map[config.LogLevel]slog.Level{
		config.LogDebug:        slog.LevelDebug,
		config.LogInfo:         slog.LevelInfo,
		config.LogWarn:         slog.LevelWarn,
		config.LogError:        slog.LevelError,
		config.LogLevel("odd"): slog.LevelInfo,
	}
	for in, want := range cases {
		if got := in.Level(); got != want {
			t.Errorf("%q.Level() = %v; want %v", in, got, want)
		}
	}
}
