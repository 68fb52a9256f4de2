package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/tentacle/internal/capability"
	"github.com/memohai/tentacle/internal/channel"
	"github.com/memohai/tentacle/internal/channel/adapters/discord"
	"github.com/memohai/tentacle/internal/channel/inbound"
	"github.com/memohai/tentacle/internal/chat"
	"github.com/memohai/tentacle/internal/config"
	"github.com/memohai/tentacle/internal/conversation/flow"
	"github.com/memohai/tentacle/internal/db"
	"github.com/memohai/tentacle/internal/handlers"
	"github.com/memohai/tentacle/internal/healthcheck"
	discordchecker "github.com/memohai/tentacle/internal/healthcheck/checkers/discord"
	memorychecker "github.com/memohai/tentacle/internal/healthcheck/checkers/memory"
	"github.com/memohai/tentacle/internal/instance"
	"github.com/memohai/tentacle/internal/logger"
	"github.com/memohai/tentacle/internal/memory"
	"github.com/memohai/tentacle/internal/schedule"
	"github.com/memohai/tentacle/internal/server"
	"github.com/memohai/tentacle/internal/tools"
)

type configPath string

func runServe(path string) error {
	app := fx.New(
		fx.Supply(configPath(path)),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideTiersLoader,
			provideResolver,
			capability.NewGate,
			provideMemoryBackend,
			provideMemoryManager,
			provideChatRegistry,
			provideToolRegistry,
			provideDispatcher,
			provideComposer,
			provideDeliverer,
			handlers.NewDebugHub,
			provideSink,
			provideCoordinator,
			provideDiscordAdapter,
			provideHealth,
			schedule.NewService,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideAdminHandler),
			provideServerHandler(func(hub *handlers.DebugHub) *handlers.DebugHub { return hub }),
			provideServer,
		),
		fx.Invoke(
			startMaintenance,
			startDiscordAdapter,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig(path configPath) (config.Config, error) {
	cfg, err := config.Load(string(path))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return config.Config{}, errors.New("auth.jwt_secret is required")
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideTiersLoader(cfg config.Config) handlers.TiersLoader {
	return func() (instance.Tiers, error) { return config.LoadTiers(cfg.Gateway.TiersPath) }
}

func provideResolver(log *slog.Logger, load handlers.TiersLoader) (*instance.Resolver, error) {
	tiers, err := load()
	if err != nil {
		return nil, err
	}
	return instance.NewResolver(log, tiers)
}

func provideMemoryBackend(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (memory.Backend, error) {
	var backend memory.Backend
	switch cfg.Memory.Backend {
	case "postgres":
		if err := db.Migrate(log, cfg.Postgres); err != nil {
			return nil, err
		}
		pool, err := db.Open(context.Background(), cfg.Postgres)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
		backend = memory.NewPostgresStore(pool)
	case "sqlite":
		store, err := memory.NewSQLiteStore(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return store.Close() }})
		backend = store
	default:
		log.Warn("no memory backend configured, database instances use the buffer")
		return nil, nil
	}
	log.Info("memory backend ready", slog.String("backend", backend.Name()))
	return backend, nil
}

func provideMemoryManager(log *slog.Logger, cfg config.Config, backend memory.Backend) *memory.Manager {
	return memory.NewManager(log, memory.NewBuffer(cfg.Memory.BufferCap), backend, memory.ManagerOptions{
		ReadLimit: cfg.Memory.ReadLimit,
		Timeout:   cfg.Gateway.MemoryTimeoutDuration(),
	})
}

func provideChatRegistry(log *slog.Logger, cfg config.Config) *chat.Registry {
	return chat.NewRegistry(log, cfg.Providers)
}

func provideToolRegistry(log *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterDefaults(registry, tools.NewDiscordExecutor(log), tools.NewSpacebinExecutor(log, nil)); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	return registry, nil
}

func provideDispatcher(log *slog.Logger, cfg config.Config, gate *capability.Gate, providers *chat.Registry, registry *tools.Registry, resolver *instance.Resolver) (*flow.Dispatcher, error) {
	return flow.NewDispatcher(log, gate, providers, registry, resolver, flow.Options{
		MaxDepth:  cfg.Gateway.MaxAgentDepth,
		MaxRounds: cfg.Gateway.MaxToolRounds,
		Timeout:   cfg.Gateway.DispatchTimeoutDuration(),
	})
}

func provideComposer(log *slog.Logger, gate *capability.Gate) *channel.Composer {
	return channel.NewComposer(log, gate, channel.OutboundPolicy{})
}

func provideDeliverer(log *slog.Logger) *channel.Deliverer {
	return channel.NewDeliverer(log, channel.OutboundPolicy{})
}

func provideSink(log *slog.Logger, hub *handlers.DebugHub) inbound.Sink {
	return inbound.Fanout{inbound.NewLogSink(log), hub}
}

func provideCoordinator(log *slog.Logger, resolver *instance.Resolver, mem *memory.Manager, dispatcher *flow.Dispatcher, composer *channel.Composer, deliverer *channel.Deliverer, sink inbound.Sink) *inbound.Coordinator {
	return inbound.NewCoordinator(log, resolver, mem, dispatcher, composer, deliverer, sink)
}

func provideDiscordAdapter(log *slog.Logger, cfg config.Config, coordinator *inbound.Coordinator, resolver *instance.Resolver) *discord.Adapter {
	return discord.NewAdapter(log, cfg.Discord, coordinator, resolver)
}

func provideHealth(log *slog.Logger, mem *memory.Manager, adapter *discord.Adapter) *healthcheck.Registry {
	return healthcheck.NewRegistry(
		memorychecker.NewChecker(log, mem),
		discordchecker.NewChecker(log, adapter),
	)
}

func providePingHandler(log *slog.Logger, health *healthcheck.Registry) *handlers.PingHandler {
	return handlers.NewPingHandler(log, health)
}

func provideAdminHandler(log *slog.Logger, coordinator *inbound.Coordinator, resolver *instance.Resolver, mem *memory.Manager, gate *capability.Gate, load handlers.TiersLoader) *handlers.AdminHandler {
	return handlers.NewAdminHandler(log, coordinator, resolver, mem, gate, load)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startMaintenance(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, scheduler *schedule.Service, coordinator *inbound.Coordinator, adapter *discord.Adapter, mem *memory.Manager) error {
	staleTTL := cfg.Gateway.StaleTTLDuration()
	probeTimeout := cfg.Gateway.MemoryTimeoutDuration()
	jobs := []schedule.Job{
		{Name: "stale-events", Spec: "@every 1m", Run: func(ctx context.Context) error {
			if n := coordinator.PruneStale(staleTTL); n > 0 {
				log.Debug("pruned stale events", slog.Int("count", n))
			}
			return nil
		}},
		{Name: "inbound-dedup", Spec: "@every 1m", Run: func(ctx context.Context) error {
			adapter.PruneSeen()
			return nil
		}},
		{Name: "memory-probe", Spec: "@every 30s", Run: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			return mem.Probe(ctx)
		}},
	}
	for _, job := range jobs {
		if err := scheduler.Add(job); err != nil {
			return err
		}
	}
	lc.Append(fx.Hook{
		OnStart: scheduler.Bootstrap,
		OnStop:  scheduler.Stop,
	})
	return nil
}

func startDiscordAdapter(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, adapter *discord.Adapter) {
	if strings.TrimSpace(cfg.Discord.BotToken) == "" {
		log.Warn("discord.bot_token is empty, serving the admin API only")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := adapter.Start(ctx); err != nil {
				return fmt.Errorf("discord start: %w", err)
			}
			return nil
		},
		OnStop: adapter.Stop,
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("admin api listening", slog.String("addr", cfg.Server.Addr))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := srv.Stop(stopCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
