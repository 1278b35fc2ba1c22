package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/config"
	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/httpapi"
	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/logger"
	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/mcpserver"
	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/queue"
	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/sandbox"
	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/testrunner"
)

func main() {
	// Local overrides for development; absence is not an error.
	_ = godotenv.Load()

	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			newSelector,
			newPool,
			newEngine,
			newRunner,
			newHTTPServer,
			newMCPServer,
		),

		fx.Invoke(
			registerSandboxLifecycle,
			registerHTTPServer,
			registerMCPServer,
			registerQueueConsumer,
		),

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

// newSelector builds the backend chain: daemon API preferred, CLI as
// fallback.
func newSelector(cfg *config.Config, log *zap.Logger) (*sandbox.Selector, error) {
	backends := make([]sandbox.Backend, 0, 2)

	daemon, err := sandbox.NewDaemonBackend(log, cfg.Sandbox.DaemonHost)
	if err != nil {
		log.Warn("daemon backend unavailable, continuing with CLI only", zap.Error(err))
	} else {
		backends = append(backends, daemon)
	}

	backends = append(backends, sandbox.NewCLIBackend(log, cfg.Sandbox.CLIBinary))

	return sandbox.NewSelector(log, sandbox.SelectorConfig{
		ProbeTimeout:     cfg.GetProbeTimeout(),
		BreakerThreshold: cfg.Sandbox.BreakerThreshold,
	}, backends...), nil
}

func newPool(cfg *config.Config, log *zap.Logger) *sandbox.Pool {
	return sandbox.NewPool(log, sandbox.PoolConfig{
		Capacity: cfg.Pool.Capacity,
		IdleTTL:  cfg.GetIdleTTL(),
	})
}

func newEngine(cfg *config.Config, log *zap.Logger, selector *sandbox.Selector, pool *sandbox.Pool) *sandbox.Engine {
	languages := map[sandbox.Language]sandbox.LanguageSpec{
		sandbox.LanguagePython:     toLanguageSpec(cfg.Languages.Python),
		sandbox.LanguageJavaScript: toLanguageSpec(cfg.Languages.JavaScript),
		sandbox.LanguageCPP:        toLanguageSpec(cfg.Languages.CPP),
	}

	defaults := sandbox.ResourceLimits{
		WallTimeout:     cfg.GetTimeout(),
		MemoryCeilingMB: cfg.Sandbox.MemoryMB,
		CPUShare:        cfg.Sandbox.CPUShare,
		MaxOutputKB:     cfg.Sandbox.MaxOutputKB,
	}

	return sandbox.NewEngine(log, selector, pool, languages, defaults)
}

func toLanguageSpec(lc config.LanguageConfig) sandbox.LanguageSpec {
	return sandbox.LanguageSpec{
		Image:      lc.Image,
		SourceFile: lc.SourceFile,
		BinaryFile: lc.BinaryFile,
		CompileCmd: lc.BuildCmd,
		RunCmd:     lc.RunCmd,
	}
}

func newRunner(cfg *config.Config, log *zap.Logger, engine *sandbox.Engine) *testrunner.Service {
	return testrunner.NewService(log, engine, testrunner.Config{
		Parallelism: cfg.Runner.Parallelism,
		Budget:      cfg.GetBudget(),
	})
}

func newHTTPServer(log *zap.Logger, runner *testrunner.Service, selector *sandbox.Selector) *httpapi.Server {
	return httpapi.NewServer(log, runner, selector)
}

func newMCPServer(cfg *config.Config, log *zap.Logger, runner *testrunner.Service) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, runner)
}

// registerSandboxLifecycle pre-warms the pool on startup and tears down
// pooled containers on shutdown.
func registerSandboxLifecycle(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, engine *sandbox.Engine, selector *sandbox.Selector, pool *sandbox.Pool) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			backend, err := selector.Current(ctx)
			if err != nil {
				// Requests will probe again; startup proceeds degraded.
				log.Warn("no isolation backend reachable at startup", zap.Error(err))
				return nil
			}
			pool.WarmUp(ctx, backend, engine.WarmSpecs(), cfg.Pool.WarmCount)
			return nil
		},
		OnStop: func(context.Context) error {
			if err := pool.Close(); err != nil {
				log.Warn("pool shutdown failed", zap.Error(err))
			}
			return selector.Close()
		},
	})
}

func registerHTTPServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, api *httpapi.Server) {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.Routes(),
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting HTTP API", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("HTTP API failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func registerMCPServer(cfg *config.Config, log *zap.Logger, srv *mcpserver.MCPServer) {
	switch cfg.Server.MCPTransport {
	case "off":
	case "stdio":
		go func() {
			if err := srv.ServeStdio(); err != nil {
				log.Fatal("MCP stdio transport failed", zap.Error(err))
			}
		}()
	case "http":
		go func() {
			if err := srv.ServeHTTP(); err != nil {
				log.Fatal("MCP HTTP transport failed", zap.Error(err))
			}
		}()
	}
}

func registerQueueConsumer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, runner *testrunner.Service) {
	if !cfg.Queue.Enabled {
		return
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
	})

	consumer := queue.NewConsumer(log, rdb, runner, queue.Config{
		SubmissionKey: cfg.Queue.SubmissionKey,
		ResultPrefix:  cfg.Queue.ResultPrefix,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				cancel()
				return fmt.Errorf("queue redis unreachable: %w", err)
			}
			go func() {
				defer close(done)
				consumer.Start(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return rdb.Close()
		},
	})
}
