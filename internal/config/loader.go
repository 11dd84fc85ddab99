package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// APIKeyFromEnv returns the upstream API key. The gateway refuses to start
// without one; there is no anonymous mode upstream.
func APIKeyFromEnv() (string, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return "", errors.New("config: OPENAI_API_KEY is not set")
	}
	return key, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Upstream.Model == "" {
		cfg.Upstream.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Retrieval.Provider == "" {
		cfg.Retrieval.Provider = RetrievalOpenAI
	}
	if cfg.Retrieval.Model == "" {
		cfg.Retrieval.Model = "gpt-4o-mini"
	}
	if cfg.Retrieval.EmbeddingModel == "" {
		cfg.Retrieval.EmbeddingModel = "text-embedding-3-small"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if !cfg.Retrieval.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("retrieval.provider %q is invalid; valid values: openai, pgvector", cfg.Retrieval.Provider))
	} else {
		switch cfg.Retrieval.Provider {
		case RetrievalOpenAI:
			if cfg.Retrieval.VectorStoreID == "" {
				errs = append(errs, errors.New("retrieval.vector_store_id is required when retrieval.provider is openai"))
			}
		case RetrievalPgvector:
			if cfg.Retrieval.PostgresDSN == "" {
				errs = append(errs, errors.New("retrieval.postgres_dsn is required when retrieval.provider is pgvector"))
			}
		}
	}

	return errors.Join(errs...)
}
