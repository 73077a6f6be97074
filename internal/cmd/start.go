package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/acto-org/acto/internal/agent"
	"github.com/acto-org/acto/internal/artifact"
	"github.com/acto-org/acto/internal/build"
	"github.com/acto-org/acto/internal/common/config"
	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/eventbus"
	"github.com/acto-org/acto/internal/llm"
	"github.com/acto-org/acto/internal/metrics"
	"github.com/acto-org/acto/internal/otel"
	"github.com/acto-org/acto/internal/planner"
	"github.com/acto-org/acto/internal/runtime"
	"github.com/acto-org/acto/internal/service/frontend"
	"github.com/acto-org/acto/internal/service/maintenance"
	"github.com/acto-org/acto/internal/store"
	"github.com/acto-org/acto/internal/store/memstore"
	"github.com/acto-org/acto/internal/store/sqlstore"
	"github.com/spf13/cobra"
)

func CmdStart() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "start [flags]",
			Short: "Start the Acto server",
			Long: `Launch the Acto server that plans, runs, and streams actions.

The server exposes the REST API for:
- Creating actions and planning their task graphs
- Editing tasks and dependencies between runs
- Running, aborting, and retrying actions
- Streaming per-action progress events over SSE
- Downloading task artifacts

Flags:
  --host string    Host address to bind the server to (default: 127.0.0.1)
  --port string    Port number to listen on (default: 8080)

Example:
  acto start --host=0.0.0.0 --port=8080
`,
		}, startFlags, runStart,
	)
}

var startFlags = []commandLineFlag{hostFlag, portFlag}

func runStart(ctx *Context, _ []string) error {
	if err := ctx.applyFlagOverrides(); err != nil {
		return err
	}
	cfg := ctx.Config

	logger.Info(ctx, "Server initialization", "host", cfg.Server.Host, "port", cfg.Server.Port)

	st, err := buildStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error(ctx, "Failed to close store", "err", err)
		}
	}()

	blobs, err := buildBlobStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}

	tracer, err := otel.NewTracer(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "Failed to shutdown tracer", "err", err)
		}
	}()

	models, err := buildModels(ctx)
	if err != nil {
		return err
	}

	agents := agent.NewRegistry()
	pl := planner.New(models, agents.Types, planner.Options{
		Model:        cfg.Planner.Model,
		MaxTasks:     cfg.Planner.MaxTasks,
		MaxRetries:   cfg.Planner.MaxRetries,
		SystemPrompt: cfg.Planner.SystemPrompt,
		CacheSize:    cfg.Planner.CacheSize,
		CacheTTL:     cfg.Planner.CacheTTL,
	})

	bus := eventbus.New(
		eventbus.WithQueueCapacity(cfg.Events.QueueCapacity),
		eventbus.WithPingInterval(cfg.Events.PingInterval),
		eventbus.WithSnapshotFunc(runtime.Snapshotter(st)),
	)
	bus.Start(ctx)
	defer bus.Shutdown()

	collector := metrics.NewCollector(build.Version, st)
	registry := metrics.NewRegistry(collector)

	mgr := runtime.New(runtime.Config{
		Store:              st,
		Bus:                bus,
		Agents:             agents,
		Blobs:              blobs,
		Planner:            pl,
		Tracer:             tracer,
		Metrics:            metrics.NewMetrics(registry),
		MaxConcurrentTasks: cfg.Runtime.MaxConcurrentTasksPerAction,
		MaxAttempts:        cfg.Runtime.TaskRetryMaxAttempts,
		BaseBackoff:        cfg.Runtime.TaskRetryBaseBackoff,
		TaskTimeout:        cfg.Runtime.TaskTimeout,
		CancelGrace:        cfg.Runtime.CancelGrace,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			logger.Error(ctx, "Failed to shutdown runtime", "err", err)
		}
	}()

	agent.RegisterBuiltins(agents, models, runtime.NewSpawner(st, pl, mgr))

	if cfg.Agents.Dir != "" {
		if err := loadAgentDefinitions(ctx, agents); err != nil {
			logger.Warn(ctx, "Failed to load agent definitions", "dir", cfg.Agents.Dir, "err", err)
		}
		if cfg.Agents.Watch {
			watcher, err := agent.NewWatcher(cfg.Agents.Dir, agents)
			if err != nil {
				logger.Warn(ctx, "Failed to watch agent definitions", "dir", cfg.Agents.Dir, "err", err)
			} else {
				watcher.Start(ctx)
				defer watcher.Stop()
			}
		}
	}

	// Return actions left running by an unclean shutdown to a runnable state
	// before the API comes up.
	if err := mgr.Restore(ctx); err != nil {
		logger.Warn(ctx, "Failed to restore interrupted actions", "err", err)
	}

	if cfg.Maintenance.Enabled {
		sweeper := maintenance.New(st, blobs, maintenance.Config{
			Schedule:     cfg.Maintenance.Schedule,
			LogRetention: cfg.Logs.RetentionPerTask,
		})
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("failed to start maintenance: %w", err)
		}
		defer sweeper.Stop()
	}

	server := frontend.NewServer(cfg, st, blobs, mgr, pl, models, agents, bus, registry)
	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

func buildStore(ctx *Context) (store.Store, error) {
	cfg := ctx.Config
	switch cfg.Database.Driver {
	case "memory":
		return memstore.New(memstore.WithLogRetention(cfg.Logs.RetentionPerTask)), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0750); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		return sqlstore.New(ctx, cfg.Database.Driver, cfg.Database.DSN,
			sqlstore.WithLogRetention(cfg.Logs.RetentionPerTask))
	case "postgres":
		return sqlstore.New(ctx, cfg.Database.Driver, cfg.Database.DSN,
			sqlstore.WithLogRetention(cfg.Logs.RetentionPerTask))
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func buildBlobStore(ctx *Context) (artifact.Store, error) {
	cfg := ctx.Config
	switch cfg.Artifacts.Driver {
	case "fs":
		return artifact.NewFSStore(cfg.Artifacts.Dir)
	case "s3":
		return artifact.NewS3Store(ctx, artifact.S3Options{
			Endpoint:  cfg.Artifacts.S3.Endpoint,
			Region:    cfg.Artifacts.S3.Region,
			Bucket:    cfg.Artifacts.S3.Bucket,
			AccessKey: cfg.Artifacts.S3.AccessKey,
			SecretKey: cfg.Artifacts.S3.SecretKey,
			UseSSL:    cfg.Artifacts.S3.UseSSL,
			Prefix:    cfg.Artifacts.S3.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown artifacts driver %q", cfg.Artifacts.Driver)
	}
}

// buildModels registers a client for every provider with a usable API key,
// from config or from the conventional environment variable.
func buildModels(ctx *Context) (*llm.Registry, error) {
	cfg := ctx.Config
	defaultModel := cfg.LLM.DefaultModel
	if defaultModel == "" {
		defaultModel = cfg.Planner.Model
	}
	models := llm.NewRegistry(defaultModel)

	providers := []struct {
		typ llm.ProviderType
		cfg config.LLMProvider
	}{
		{llm.ProviderOpenAI, cfg.LLM.OpenAI},
		{llm.ProviderAnthropic, cfg.LLM.Anthropic},
		{llm.ProviderDeepSeek, cfg.LLM.DeepSeek},
		{llm.ProviderGemini, cfg.LLM.Gemini},
	}
	configured := 0
	for _, p := range providers {
		apiKey := p.cfg.APIKey
		if apiKey == "" {
			apiKey = llm.GetAPIKeyFromEnv(p.typ)
		}
		if apiKey == "" {
			continue
		}
		opts := []llm.Option{llm.WithAPIKey(apiKey)}
		if p.cfg.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(p.cfg.BaseURL))
		}
		client, err := llm.NewClient(p.typ, llm.NewConfig(opts...))
		if err != nil {
			return nil, fmt.Errorf("failed to build %s client: %w", p.typ, err)
		}
		models.AddClient(p.typ, client)
		configured++
	}
	if configured == 0 {
		logger.Warn(ctx, "No LLM provider configured, planning falls back to single-task plans")
	}
	return models, nil
}

func loadAgentDefinitions(ctx *Context, agents *agent.Registry) error {
	defs, err := agent.LoadDir(ctx, ctx.Config.Agents.Dir)
	if err != nil {
		return err
	}
	return agents.ApplyDefinitions(ctx, defs)
}
