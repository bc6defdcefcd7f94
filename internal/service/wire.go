package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/assembler"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/config"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/conversation"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/credentials"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/db"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/graph"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/llm"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/lms"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/metrics"
	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/tokens"
)

// NewFromConfig connects every backing service named in cfg and returns a
// ready engine. Close releases the connections.
func NewFromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mc := metrics.NewCollector()

	est, err := tokens.New(cfg.TokenEstimator)
	if err != nil {
		return nil, err
	}

	var closers []func(context.Context) error
	fail := func(err error) (*Engine, error) {
		for _, c := range closers {
			_ = c(ctx)
		}
		return nil, err
	}

	var rdb *redis.Client
	if cfg.GraphStore == config.StoreRedis || cfg.ConversationStore == config.StoreRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("parse REDIS_URL: %w", err))
		}
		rdb = redis.NewClient(opts)
		closers = append(closers, func(context.Context) error { return rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("connect to redis: %w", err))
		}
	}

	// Graph side
	fetcher := lms.NewFetcher(
		lms.NewClientFactory(
			lms.WithTimeouts(cfg.LMSRequestTimeout, cfg.LMSPageTimeout),
			lms.WithRetries(cfg.LMSMaxRetries, 0),
			lms.WithLogger(config.Component(logger, "lms")),
			lms.WithMetrics(mc),
		),
		lms.WithConcurrency(cfg.LMSConcurrency),
		lms.WithFetcherLogger(config.Component(logger, "fetcher")),
		lms.WithFetcherMetrics(mc),
	)
	cache, err := graph.NewCache(cfg.GraphCacheUsers, config.Component(logger, "graph-cache"))
	if err != nil {
		return fail(err)
	}
	prefetchOpts := []graph.PrefetcherOption{
		graph.WithTTL(cfg.GraphTTL),
		graph.WithTimeout(cfg.PrefetchTimeout),
		graph.WithMaxItems(cfg.PrefetchMaxItems),
		graph.WithLogger(config.Component(logger, "prefetch")),
		graph.WithMetrics(mc),
	}
	if cfg.GraphStore == config.StoreRedis {
		prefetchOpts = append(prefetchOpts, graph.WithStore(graph.NewRedisStore(rdb, graph.DefaultRetention)))
	}
	prefetcher := graph.NewPrefetcher(fetcher, cache, prefetchOpts...)

	// Conversation side
	var store conversation.Store
	switch cfg.ConversationStore {
	case config.StoreRedis:
		store = conversation.NewRedisStore(rdb, cfg.ConversationTTL)
	case config.StoreSurrealDB:
		dbClient, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, config.Component(logger, "db"), mc)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, dbClient.Close)
		if err := dbClient.InitSchema(ctx); err != nil {
			return fail(err)
		}
		store = conversation.NewSurrealStore(dbClient)
	default:
		store = conversation.NewMemoryStore()
	}

	model, err := llm.NewModel(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	summarizer := conversation.NewSummarizer(model, est, conversation.SummarizerConfig{
		Every:     cfg.Budget.SummaryUpdateEvery,
		MaxTokens: cfg.Budget.SummaryMaxTokens,
		Timeout:   cfg.SummaryTimeout,
	}, conversation.WithLogger(config.Component(logger, "summarizer")), conversation.WithMetrics(mc))

	asm := assembler.New(est, assembler.LimitsFromBudget(cfg.Budget),
		assembler.WithLogger(config.Component(logger, "assembler")),
		assembler.WithMetrics(mc),
	)

	resolver, err := NewResolver(cfg, logger)
	if err != nil {
		return fail(err)
	}

	e, err := New(cfg.Budget, Components{
		Resolver:   resolver,
		Prefetcher: prefetcher,
		Summarizer: summarizer,
		Assembler:  asm,
		Store:      store,
		Metrics:    mc,
		Logger:     config.Component(logger, "engine"),
		MaxItems:   cfg.PrefetchMaxItems,
		Closers:    closers,
	})
	if err != nil {
		return fail(err)
	}

	logger.Info("engine ready",
		"llm_provider", cfg.LLMProvider,
		"llm_model", cfg.LLMModel,
		"graph_store", cfg.GraphStore,
		"conversation_store", cfg.ConversationStore,
		"token_estimator", cfg.TokenEstimator,
		"max_context_tokens", cfg.Budget.MaxContextTokens,
	)
	return e, nil
}

// NewResolver picks Supabase when it is configured and the static
// CANVAS_API_URL/CANVAS_API_KEY pair otherwise.
func NewResolver(cfg config.Config, logger *slog.Logger) (credentials.Resolver, error) {
	if cfg.SupabaseURL == "" {
		return credentials.NewStaticResolver(cfg.CanvasAPIURL, cfg.CanvasAPIKey), nil
	}
	return credentials.NewSupabaseResolver(credentials.SupabaseConfig{
		URL:            cfg.SupabaseURL,
		ServiceKey:     cfg.SupabaseServiceKey,
		EncryptionKey:  cfg.EncryptionKey,
		DefaultBaseURL: cfg.CanvasAPIURL,
	}, config.Component(logger, "credentials"))
}
