package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dompet/backend/internal/api"
	"github.com/dompet/backend/internal/benchmarks"
	"github.com/dompet/backend/internal/config"
	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/database"
	"github.com/dompet/backend/internal/executor"
	"github.com/dompet/backend/internal/governor"
	"github.com/dompet/backend/internal/identity"
	"github.com/dompet/backend/internal/insight"
	"github.com/dompet/backend/internal/llm"
	"github.com/dompet/backend/internal/memory"
	"github.com/dompet/backend/internal/planner"
	"github.com/dompet/backend/internal/tools"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "dompet-backend").Logger()
	if os.Getenv("APP_ENV") == "development" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("load configuration")
	}
	if cfg.Auth.Secret == "" {
		log.Fatal().Msg("AUTH_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Postgres
	connString := cfg.Database.ConnString
	if connString == "" {
		connString = database.ConnStringFromEnv()
	}
	db, err := database.Connect(ctx, connString, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to postgres")
	}
	defer db.Close()

	tenants := database.NewTenantRepo(db)
	customers := database.NewCustomerRepo(db)
	transactions := database.NewTransactionRepo(db)
	insights := database.NewInsightRepo(db)
	idempotency := database.NewIdempotencyRepo(db, 24*time.Hour)

	// Redis backs the distributed rate limiter; without it the process
	// falls back to its local token bucket table.
	var limiter governor.Limiter = governor.NewMemoryLimiter()
	var redisPinger api.Pinger
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, using in-memory rate limiter")
		} else {
			limiter = governor.NewRedisLimiter(client)
			redisPinger = redisAdapter{client}
		}
	}

	// Provider router
	router := llm.NewRouter(llm.Config{
		DefaultChatProvider:  cfg.Providers.DefaultChat,
		DefaultEmbedProvider: cfg.Providers.DefaultEmbed,
		APIKeys:              cfg.Providers.APIKeys,
		HTTPClient:           &http.Client{Timeout: cfg.Providers.RequestTimeout},
	}, log)

	// Vector memory and the embedding strategy: external model when a key
	// for the embed provider exists, the deterministic 7-dim fallback
	// otherwise.
	dims := memory.DimInternal
	external := cfg.Providers.APIKeys[cfg.Providers.DefaultEmbed] != ""
	if external {
		dims = cfg.Providers.EmbedDims
	}
	vectors, err := memory.New(db, dims, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialise vector memory")
	}

	var storyEmbedder insight.Embedder
	if external {
		storyEmbedder = routerEmbedder{router}
	}
	engine := insight.NewEngine(insights, vectors, storyEmbedder, log)

	var queryEmbedder executor.QueryEmbedder
	if external {
		queryEmbedder = externalQueryEmbedder{router}
	} else {
		queryEmbedder = fallbackQueryEmbedder{engine}
	}

	// Tools, planner, executor
	registry := tools.NewRegistry(idempotency, log)
	tools.RegisterCanonical(registry, tools.Deps{
		Transactions: transactions,
		Insights:     engine,
	})
	plans := planner.New(router, log)
	exec := executor.New(router, vectors, queryEmbedder, registry, transactions, log)

	server := api.NewServer(api.Deps{
		Identity:         identity.New([]byte(cfg.Auth.Secret), tenants, customers, log),
		Governor:         governor.New(limiter, cfg.Limits.PerMinute, log),
		Planner:          plans,
		Executor:         exec,
		Insights:         engine,
		Batches:          transactions,
		Customers:        customers,
		Benchmarks:       benchmarks.New(customers, insights, log),
		Database:         db,
		Redis:            redisPinger,
		RequestDeadline:  cfg.Server.RequestDeadline,
		MirrorLegacyPath: true,
		Log:              log,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("env", cfg.Server.Env).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}

// redisAdapter narrows the redis client to the health check interface.
type redisAdapter struct {
	client *redis.Client
}

func (r redisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// routerEmbedder feeds insight stories through the provider router.
type routerEmbedder struct {
	router *llm.Router
}

func (e routerEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := e.router.Embed(ctx, texts, llm.EmbedOptions{})
	if err != nil {
		return nil, err
	}
	return res.Embeddings, nil
}

// externalQueryEmbedder embeds retrieval queries with the provider router.
type externalQueryEmbedder struct {
	router *llm.Router
}

func (e externalQueryEmbedder) EmbedQuery(ctx context.Context, _ core.AuthenticatedUser, text string) ([]float32, error) {
	res, err := e.router.Embed(ctx, []string{text}, llm.EmbedOptions{})
	if err != nil {
		return nil, err
	}
	if len(res.Embeddings) == 0 {
		return nil, core.E(core.CodeProviderDown, "embed returned no vectors")
	}
	return res.Embeddings[0], nil
}

// fallbackQueryEmbedder serves the 7-dim configuration: the query vector is
// the caller's latest KPI fingerprint, which ranks their history by
// similarity to the present.
type fallbackQueryEmbedder struct {
	engine *insight.Engine
}

func (e fallbackQueryEmbedder) EmbedQuery(ctx context.Context, scope core.AuthenticatedUser, _ string) ([]float32, error) {
	latest, err := e.engine.Latest(ctx, scope.UserID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return make([]float32, memory.DimInternal), nil
	}
	return insight.NormalizeL2(insight.FallbackVector(latest.KPIs)), nil
}
