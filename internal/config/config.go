// Package config provides the configuration schema and loader for the
// sonju gateway.
package config

import "log/slog"

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog level scale. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// RetrievalProvider selects the rag_search backend.
type RetrievalProvider string

const (
	// RetrievalOpenAI answers searches through an OpenAI vector store via
	// the Responses file_search tool.
	RetrievalOpenAI RetrievalProvider = "openai"

	// RetrievalPgvector answers searches from a local Postgres table with
	// pgvector cosine distance.
	RetrievalPgvector RetrievalProvider = "pgvector"
)

// IsValid reports whether p is a recognised retrieval provider.
func (p RetrievalProvider) IsValid() bool {
	return p == RetrievalOpenAI || p == RetrievalPgvector
}

// Config is the root configuration structure for the gateway.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// UpstreamConfig selects the realtime model endpoint sessions are brokered to.
type UpstreamConfig struct {
	// Model is the realtime model name appended to the dial URL.
	Model string `yaml:"model"`

	// BaseURL overrides the default wss endpoint. Used in tests and for
	// compatible self-hosted deployments.
	BaseURL string `yaml:"base_url"`
}

// RetrievalConfig configures the rag_search backend.
type RetrievalConfig struct {
	// Provider selects the backend implementation.
	Provider RetrievalProvider `yaml:"provider"`

	// VectorStoreID is the OpenAI vector store searched by the openai
	// provider.
	VectorStoreID string `yaml:"vector_store_id"`

	// Model is the model that drives the file_search call on the openai
	// provider.
	Model string `yaml:"model"`

	// PostgresDSN is the connection string for the pgvector provider.
	PostgresDSN string `yaml:"postgres_dsn"`

	// EmbeddingModel embeds queries for the pgvector provider.
	EmbeddingModel string `yaml:"embedding_model"`
}
