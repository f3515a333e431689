package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/ipagent/internal/agent"
	"github.com/nidhogg/ipagent/internal/api"
	"github.com/nidhogg/ipagent/internal/cache"
	"github.com/nidhogg/ipagent/internal/compose"
	"github.com/nidhogg/ipagent/internal/config"
	"github.com/nidhogg/ipagent/internal/embedding"
	"github.com/nidhogg/ipagent/internal/metrics"
	"github.com/nidhogg/ipagent/internal/provider"
	"github.com/nidhogg/ipagent/internal/router"
	"github.com/nidhogg/ipagent/internal/skill"
	pgstore "github.com/nidhogg/ipagent/internal/store"
	"github.com/nidhogg/ipagent/internal/tokenizer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// skillBackend is what both the Postgres store and the in-memory fallback
// provide.
type skillBackend interface {
	skill.Repository
	skill.StatusReader
	api.SkillStore
}

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/ipagent.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting ipagent...", zap.String("config", cfgPath))

	ctx := context.Background()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(cfg.Metrics.Namespace, reg, logger)

	// Persistence: PostgreSQL when configured, otherwise in-memory.
	var (
		skills  skillBackend
		agents  agent.Store
		pgStore *pgstore.Store
	)
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, cfg.Database.Postgres.FetchTimeout.Std(), logger)
		if pgErr != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(pgErr))
		}
		if mErr := ps.Migrate(ctx); mErr != nil {
			logger.Fatal("migration failed", zap.Error(mErr))
		}
		pgStore = ps
		skills, agents = ps, ps
	} else {
		logger.Warn("no postgres dsn configured, skills and agents are kept in memory")
		skills, agents = skill.NewMemoryRepository(), agent.NewMemoryStore()
	}

	if err := seedSkills(ctx, skills, cfg.SkillsDir, logger); err != nil {
		logger.Fatal("failed to seed skills", zap.Error(err))
	}

	// Skill cache in front of the repository.
	var (
		repo       skill.Repository = skills
		skillCache *cache.SkillCache
		rdb        *redis.Client
	)
	if cfg.Database.Redis.URL != "" {
		client, rErr := cache.NewClient(ctx, cfg.Database.Redis.URL)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without skill cache", zap.Error(rErr))
		} else {
			rdb = client
			skillCache = cache.NewSkillCache(rdb, skills, cfg.Database.Redis.SkillTTL.Std(), collector, logger)
			repo = skillCache
		}
	}

	selector := router.NewSelector(cfg.Composer.Routing.RouterConfig(), newScorer(cfg, logger), logger)
	composer := compose.NewComposer(repo, selector, collector, cfg.Composer.ComposeConfig(), logger)

	providers := provider.NewRouter(collector, logger)
	for _, pc := range cfg.Providers {
		p, pErr := provider.New(pc.ProviderConfig(), logger)
		if pErr != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(pErr))
			continue
		}
		providers.Register(p)
	}
	if cfg.DefaultProvider != "" {
		providers.SetDefault(cfg.DefaultProvider)
	}
	providers.SetFallbacks(cfg.Fallbacks)

	engine := agent.NewEngine(agents, composer, providers, logger)

	opts := []api.Option{
		api.WithMetrics(collector, reg),
		api.WithTokenCounter(tokenizer.NewTiktokenCounter("")),
		api.WithCORSOrigins(cfg.Server.CORSOrigins),
	}
	if skillCache != nil {
		opts = append(opts, api.WithCache(skillCache), api.WithHealthCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}
	if pgStore != nil {
		opts = append(opts, api.WithHealthCheck("postgres", pgStore.Ping))
	}
	handler := api.NewHandler(skills, agents, composer, engine, logger, opts...)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ipagent listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down ipagent...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	if rdb != nil {
		rdb.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewDevelopmentConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// newScorer returns nil (lexical only) unless semantic routing is configured.
func newScorer(cfg *config.Config, logger *zap.Logger) router.Scorer {
	if !cfg.Composer.Routing.Semantic {
		return nil
	}
	emb, err := embedding.New(cfg.Embedding.EmbeddingConfig())
	if err != nil {
		logger.Warn("embedding provider unavailable, routing lexically", zap.Error(err))
		return nil
	}
	logger.Info("semantic routing enabled",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model))
	return router.CombinedScorer{
		router.LexicalScorer{},
		router.NewSemanticScorer(emb, cfg.Composer.Routing.SemanticThreshold),
	}
}

// seedSkills saves built-in and on-disk skills that the repository does not
// have yet. Existing rows are left alone so operator edits survive restarts.
func seedSkills(ctx context.Context, repo api.SkillStore, dir string, logger *zap.Logger) error {
	fromDir, err := skill.LoadFromDir(dir)
	if err != nil {
		return err
	}
	seeded := 0
	for _, s := range append(skill.Builtins(), fromDir...) {
		_, err := repo.GetSkill(ctx, s.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, skill.ErrNotFound) {
			return fmt.Errorf("seed skill %s: %w", s.ID, err)
		}
		if err := repo.SaveSkill(ctx, s); err != nil {
			return fmt.Errorf("seed skill %s: %w", s.ID, err)
		}
		seeded++
	}
	logger.Info("skills seeded", zap.Int("new", seeded), zap.String("dir", dir))
	return nil
}
