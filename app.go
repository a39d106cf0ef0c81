package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/choraleia/persona/pkg/config"
	"github.com/choraleia/persona/pkg/event"
	"github.com/choraleia/persona/pkg/llm"
	"github.com/choraleia/persona/pkg/lock"
	"github.com/choraleia/persona/pkg/memory"
	"github.com/choraleia/persona/pkg/persona"
	"github.com/choraleia/persona/pkg/service"
	"github.com/choraleia/persona/pkg/skills"
	"github.com/choraleia/persona/pkg/store"
	"github.com/choraleia/persona/pkg/utils"
)

// App holds the wired collaborators shared by the commands.
type App struct {
	Config *config.AppConfig
	Logger *slog.Logger
	Store  *store.Store
	Events *event.Emitter
	Skills *skills.Loader
	Chat   *service.ChatService

	redis redis.UniversalClient
}

func loadConfig() (*config.AppConfig, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	cfg, _, err := config.Load()
	return cfg, err
}

// openStore loads the config and opens the database without wiring the
// rest of the app.
func openStore() (*config.AppConfig, *slog.Logger, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := utils.NewLogger(os.Stderr, cfg.LogLevel(), cfg.LogFormat())
	st, err := store.Open(cfg.DatabaseDriver(), cfg.DatabaseDSN(), logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, logger, st, nil
}

func newApp(ctx context.Context) (*App, error) {
	cfg, logger, st, err := openStore()
	if err != nil {
		return nil, err
	}
	app := &App{
		Config: cfg,
		Logger: logger,
		Store:  st,
		Events: event.NewEmitter(logger),
	}

	var locker lock.Locker = lock.NewMemory()
	if addr := cfg.RedisAddr(); addr != "" {
		app.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{addr},
			Password: cfg.RedisPassword(),
			DB:       cfg.RedisDB(),
		})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			app.Close()
			return nil, fmt.Errorf("connect redis %s: %w", addr, err)
		}
		// The lease outlives any single turn; release happens on completion.
		locker = lock.NewRedis(app.redis, "persona:turn:", 10*time.Minute)
		logger.Info("Using redis turn locks", "addr", addr)
	}

	app.Skills = skills.NewLoader(st, logger)
	personas := persona.NewLoader(st, persona.Options{
		TTL:            cfg.PersonaCacheTTL(),
		Size:           cfg.PersonaCacheSize(),
		ThresholdRatio: cfg.ThresholdRatio(),
	}, logger)

	app.Chat = service.NewChatService(service.Deps{
		Store:    st,
		Personas: personas,
		Skills:   app.Skills,
		Executor: skills.NewRunner(skills.RunnerConfig{
			Timeout:      cfg.SkillTimeout(),
			MemoryMB:     cfg.SkillMemoryMB(),
			EnvAllowlist: cfg.EnvAllowlist(),
			BaseDir:      cfg.SkillsDir(),
		}, logger),
		Locker:    locker,
		TurnCache: memory.NewTurnCache(cfg.CacheTurns(), cfg.CacheUsers(), nil),
		Events:    app.Events,
		Config:    cfg,
		Logger:    logger,
		ClientOptions: []llm.Option{
			llm.WithLogger(logger),
			llm.WithRetryPolicy(llm.RetryPolicy{
				MaxAttempts: cfg.MaxRetries(),
				Base:        cfg.BackoffBase(),
				Cap:         cfg.BackoffCap(),
			}),
			llm.WithHTTPClient(llmHTTPClient(cfg.LLMTimeout())),
		},
	})
	return app, nil
}

// llmHTTPClient bounds dialing and the wait for response headers only. A
// streamed reply may run longer than timeout and is bounded by the turn
// context instead.
func llmHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

// Close waits for background turn work and releases connections.
func (a *App) Close() {
	if a.Chat != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := a.Chat.Wait(ctx); err != nil {
			a.Logger.Warn("Background work did not finish", "error", err)
		}
		cancel()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("Close database", "error", err)
	}
}
