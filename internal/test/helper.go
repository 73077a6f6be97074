// Package test provides the shared harness wired the way most
// integration-style tests need it: a context-scoped logger, an in-memory
// store, an event bus with snapshots, agent and model registries, and a
// runtime manager over them.
package test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acto-org/acto/internal/agent"
	"github.com/acto-org/acto/internal/artifact"
	"github.com/acto-org/acto/internal/common/config"
	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/eventbus"
	"github.com/acto-org/acto/internal/llm"
	"github.com/acto-org/acto/internal/planner"
	"github.com/acto-org/acto/internal/runtime"
	"github.com/acto-org/acto/internal/store/memstore"
)

// HelperOption configures Setup.
type HelperOption func(*Options)

// Options collects Setup behavior toggles.
type Options struct {
	CaptureLoggingOutput bool
	ConfigMutators       []func(*config.Config)
	RuntimeMutators      []func(*runtime.Config)
}

// WithCaptureLoggingOutput pins a buffer-backed logger on the context so
// tests can assert on log lines.
func WithCaptureLoggingOutput() HelperOption {
	return func(opts *Options) {
		opts.CaptureLoggingOutput = true
	}
}

// WithConfigMutator adjusts the loaded configuration after defaults apply.
func WithConfigMutator(mutator func(*config.Config)) HelperOption {
	return func(opts *Options) {
		opts.ConfigMutators = append(opts.ConfigMutators, mutator)
	}
}

// WithRuntimeMutator adjusts the runtime config before the manager is built.
func WithRuntimeMutator(mutator func(*runtime.Config)) HelperOption {
	return func(opts *Options) {
		opts.RuntimeMutators = append(opts.RuntimeMutators, mutator)
	}
}

// Helper bundles the wired fixtures. Agent is the scripted general agent the
// manager resolves tasks to unless a test registers something more specific.
type Helper struct {
	Context    context.Context
	Cancel     context.CancelFunc
	Config     *config.Config
	ConfigFile string

	Store   *memstore.Store
	Bus     *eventbus.Bus
	Blobs   *artifact.FSStore
	Agents  *agent.Registry
	Models  *llm.Registry
	Planner *planner.Planner
	Manager *runtime.Manager
	Agent   *MockAgent

	LoggingOutput *SyncBuffer
}

// Setup builds the harness. Every fixture is torn down with the test.
func Setup(t *testing.T, opts ...HelperOption) Helper {
	t.Helper()

	var options Options
	for _, opt := range opts {
		opt(&options)
	}

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")
	writeConfigFile(t, configFile, tmpDir)

	cfg, err := config.Load(config.WithConfigFile(configFile))
	require.NoError(t, err)
	for _, mutate := range options.ConfigMutators {
		mutate(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var captured *SyncBuffer
	if options.CaptureLoggingOutput {
		captured = &SyncBuffer{buf: new(bytes.Buffer)}
		ctx = logger.WithFixedLogger(ctx, logger.NewLogger(
			logger.WithDebug(),
			logger.WithFormat("text"),
			logger.WithWriter(captured),
		))
	} else {
		ctx = logger.WithLogger(ctx, logger.NewLogger(logger.WithQuiet()))
	}

	st := memstore.New(memstore.WithLogRetention(cfg.Logs.RetentionPerTask))
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New(eventbus.WithSnapshotFunc(runtime.Snapshotter(st)))
	t.Cleanup(bus.Shutdown)

	blobs, err := artifact.NewFSStore(cfg.Artifacts.Dir)
	require.NoError(t, err)

	mock := NewMockAgent()
	agents := agent.NewRegistry()
	agents.Register(mock)

	models := llm.NewRegistry(cfg.Planner.Model)
	pl := planner.New(models, agents.Types, planner.Options{
		Model:      cfg.Planner.Model,
		MaxTasks:   cfg.Planner.MaxTasks,
		MaxRetries: cfg.Planner.MaxRetries,
	})

	rtCfg := runtime.Config{
		Store:       st,
		Bus:         bus,
		Agents:      agents,
		Blobs:       blobs,
		Planner:     pl,
		BaseBackoff: 5 * time.Millisecond,
		CancelGrace: 500 * time.Millisecond,
		TaskTimeout: 5 * time.Second,
	}
	for _, mutate := range options.RuntimeMutators {
		mutate(&rtCfg)
	}
	mgr := runtime.New(rtCfg)
	t.Cleanup(func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = mgr.Shutdown(shutdownCtx)
	})

	return Helper{
		Context:       ctx,
		Cancel:        cancel,
		Config:        cfg,
		ConfigFile:    configFile,
		Store:         st,
		Bus:           bus,
		Blobs:         blobs,
		Agents:        agents,
		Models:        models,
		Planner:       pl,
		Manager:       mgr,
		Agent:         mock,
		LoggingOutput: captured,
	}
}

// writeConfigFile writes a self-contained config pointing every path at the
// test temp dir. Port 0 keeps parallel server tests off fixed ports.
func writeConfigFile(t *testing.T, path, tmpDir string) {
	t.Helper()
	content := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: 0
database:
  driver: memory
artifacts:
  driver: fs
  dir: %s
logs:
  retentionPerTask: 100
maintenance:
  enabled: false
`, filepath.Join(tmpDir, "artifacts"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}

// SyncBuffer is a goroutine-safe buffer for captured log output.
type SyncBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
