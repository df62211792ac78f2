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

	"github.com/joho/godotenv"

	"bugmirror/internal/cache"
	"bugmirror/internal/corpus"
	"bugmirror/internal/events"
	"bugmirror/internal/matcher"
	"bugmirror/internal/rerank"
	"bugmirror/internal/server"
	"bugmirror/pkg/config"
	"bugmirror/pkg/health"
	"bugmirror/pkg/kafka"
	"bugmirror/pkg/logger"
	"bugmirror/pkg/metrics"
	"bugmirror/pkg/middleware"
	pkgpostgres "bugmirror/pkg/postgres"
	pkgredis "bugmirror/pkg/redis"
	"bugmirror/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	// Local deployments keep the OpenAI key in a .env next to the
	// binary. Missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting bugmirror matcher",
		"port", cfg.Server.Port,
		"corpus_source", cfg.Corpus.Source,
		"corpus_path", cfg.Corpus.Path,
		"rerank_enabled", cfg.RerankReady(),
		"rerank_model", cfg.Rerank.Model,
	)

	m := metrics.New()

	source, cleanup, err := newCorpusSource(cfg)
	if err != nil {
		slog.Error("failed to set up corpus source", "error", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	var reranker matcher.Reranker
	var llmReranker *rerank.LLMReranker
	if cfg.RerankReady() {
		llmReranker, err = rerank.New(cfg.Rerank, cfg.Match.TopK, m)
		if err != nil {
			slog.Error("failed to create reranker", "error", err)
			os.Exit(1)
		}
		reranker = llmReranker
		slog.Info("reranker enabled", "model", cfg.Rerank.Model)
	} else {
		slog.Info("reranker disabled, serving local scores only")
	}

	mt := matcher.New(cfg, source, reranker, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A missing mirror file on first boot is not fatal: Reload serves
	// an empty index until a later reload finds data.
	if rows, err := mt.Reload(ctx); err != nil {
		slog.Error("initial corpus load failed", "error", err)
		os.Exit(1)
	} else {
		slog.Info("corpus loaded", "rows", rows)
	}

	var matchCache *cache.MatchCache
	var redisClient *pkgredis.Client
	redisClient, err = pkgredis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, match caching disabled", "error", err)
	} else {
		defer redisClient.Close()
		matchCache = cache.New(redisClient, cfg.Redis.CacheTTL, m)
		slog.Info("match cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
	}

	var collector *events.Collector
	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.MatchEvents)
		defer producer.Close()
		collector = events.NewCollector(producer, 100, 0)
		collector.Start(ctx)
		slog.Info("event collector started", "topic", cfg.Kafka.Topics.MatchEvents)

		watcher := events.NewWatcher(cfg.Kafka, func(ctx context.Context) error {
			rows, err := mt.Reload(ctx)
			if err != nil {
				return err
			}
			if matchCache != nil {
				matchCache.Invalidate(ctx)
			}
			slog.Info("corpus reloaded from notification", "rows", rows)
			return nil
		})
		defer watcher.Close()
		go func() {
			if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("corpus watcher stopped", "error", err)
			}
		}()
		slog.Info("corpus watcher started", "topic", cfg.Kafka.Topics.CorpusUpdated)
	}

	checker := health.NewChecker()
	checker.Register("corpus", func(ctx context.Context) health.ComponentHealth {
		n := mt.Index().NumDocs()
		if n > 0 {
			return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d documents", n)}
		}
		return health.ComponentHealth{Status: health.StatusDegraded, Message: "index empty"}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("reranker", func(ctx context.Context) health.ComponentHealth {
		if llmReranker == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		state := llmReranker.Breaker().GetState()
		if state == resilience.StateOpen {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "circuit open"}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: state.String()}
	})

	h := server.New(mt, matchCache, collector, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/match", h.Match)
	mux.HandleFunc("POST /api/v1/reload", h.Reload)
	mux.HandleFunc("GET /api/v1/status", h.Status)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.CORS(middleware.DefaultCORSConfig())(chain)
	chain = middleware.RequestID(chain)

	if cfg.Metrics.Enabled {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metrics.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			slog.Info("metrics server listening", "addr", addr)
			if err := http.ListenAndServe(addr, metricsMux); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("matcher service listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("matcher service stopped")
}

// newCorpusSource wires the configured corpus backend. The returned
// cleanup closes backend connections and may be nil.
func newCorpusSource(cfg *config.Config) (corpus.Source, func(), error) {
	switch cfg.Corpus.Source {
	case "postgres":
		client, err := pkgpostgres.New(cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		cleanup := func() { client.DB.Close() }
		return &corpus.PostgresSource{Client: client, Table: cfg.Corpus.Table}, cleanup, nil
	case "file", "":
		return &corpus.FileSource{Path: cfg.Corpus.Path}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown corpus source %q", cfg.Corpus.Source)
	}
}
