// Command sonju-gateway is the realtime voice counselling gateway. It
// brokers client WebSockets onto upstream realtime sessions and serves
// rag_search tool calls from the configured retrieval backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sonju-ai/sonju-gateway/internal/broker"
	"github.com/sonju-ai/sonju-gateway/internal/config"
	"github.com/sonju-ai/sonju-gateway/internal/health"
	"github.com/sonju-ai/sonju-gateway/internal/observe"
	"github.com/sonju-ai/sonju-gateway/internal/registry"
	"github.com/sonju-ai/sonju-gateway/internal/resilience"
	oaembed "github.com/sonju-ai/sonju-gateway/pkg/embeddings/openai"
	"github.com/sonju-ai/sonju-gateway/pkg/realtime"
	"github.com/sonju-ai/sonju-gateway/pkg/retrieval"
	oaisearch "github.com/sonju-ai/sonju-gateway/pkg/retrieval/openai"
	pgsearch "github.com/sonju-ai/sonju-gateway/pkg/retrieval/pgvector"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sonju-gateway: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sonju-gateway: %v\n", err)
		}
		return 1
	}

	apiKey, err := config.APIKeyFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sonju-gateway: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Server.LogLevel.Level(),
	}))
	slog.SetDefault(logger)

	slog.Info("sonju-gateway starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"upstream_model", cfg.Upstream.Model,
		"retrieval_provider", cfg.Retrieval.Provider,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "sonju-gateway",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Retrieval backend ─────────────────────────────────────────────────────
	searcher, checkers, closeSearcher, err := buildSearcher(ctx, cfg, apiKey)
	if err != nil {
		slog.Error("retrieval backend init failed", "err", err)
		return 1
	}
	defer closeSearcher()

	guarded := resilience.NewGuardedSearcher(searcher, resilience.CircuitBreakerConfig{
		Name:   "retrieval",
		Logger: logger,
	})
	checkers = append(checkers, health.Checker{
		Name: "retrieval_breaker",
		Check: func(context.Context) error {
			if guarded.State() == resilience.StateOpen {
				return errors.New("circuit open")
			}
			return nil
		},
	})

	// ── Broker ────────────────────────────────────────────────────────────────
	rtOpts := []realtime.Option{realtime.WithModel(cfg.Upstream.Model)}
	if cfg.Upstream.BaseURL != "" {
		rtOpts = append(rtOpts, realtime.WithBaseURL(cfg.Upstream.BaseURL))
	}
	rt := realtime.New(apiKey, rtOpts...)

	reg := registry.New()
	b := broker.New(rt, guarded, reg, broker.WithLogger(logger))

	// ── HTTP routes ───────────────────────────────────────────────────────────
	metrics := observe.DefaultMetrics()

	opsMux := http.NewServeMux()
	health.New(checkers, health.WithSessionCount(b.ActiveSessions)).Register(opsMux)
	opsMux.Handle("GET /metrics", promhttp.Handler())

	mux := http.NewServeMux()
	mux.Handle("/ws", b)
	// The WebSocket route stays outside the middleware; hijacked
	// connections have no meaningful request duration.
	mux.Handle("/", observe.Middleware(metrics)(opsMux))

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server ready")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", cfg.Server.ListenAddr, err)
		}
		return nil
	})

	g.Go(func() error {
		if err := b.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}

		// Terminate sessions that outlived the HTTP shutdown.
		reg.Range(func(_ string, e *registry.Entry) { e.Close() })
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildSearcher constructs the retrieval backend named in cfg along with its
// readiness checkers and a close function for owned resources.
func buildSearcher(ctx context.Context, cfg *config.Config, apiKey string) (retrieval.Searcher, []health.Checker, func(), error) {
	switch cfg.Retrieval.Provider {
	case config.RetrievalOpenAI:
		s, err := oaisearch.New(apiKey, cfg.Retrieval.VectorStoreID,
			oaisearch.WithModel(cfg.Retrieval.Model))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("openai retrieval: %w", err)
		}
		return s, nil, func() {}, nil

	case config.RetrievalPgvector:
		pool, err := pgxpool.New(ctx, cfg.Retrieval.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		embedder, err := oaembed.New(apiKey, cfg.Retrieval.EmbeddingModel)
		if err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("embeddings: %w", err)
		}
		s := pgsearch.New(pool, embedder)
		checkers := []health.Checker{{Name: "postgres", Check: s.Ping}}
		return s, checkers, pool.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown retrieval provider %q", cfg.Retrieval.Provider)
	}
}
