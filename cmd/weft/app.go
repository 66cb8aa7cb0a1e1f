package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weftlabs/weft/internal/admin"
	"github.com/weftlabs/weft/internal/artifacts"
	"github.com/weftlabs/weft/internal/capability"
	"github.com/weftlabs/weft/internal/compiler"
	"github.com/weftlabs/weft/internal/executor"
	"github.com/weftlabs/weft/internal/expressions"
	"github.com/weftlabs/weft/internal/isolation"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/notify"
	"github.com/weftlabs/weft/internal/orchestrator"
	"github.com/weftlabs/weft/internal/reasoning"
	"github.com/weftlabs/weft/internal/scheduler"
	"github.com/weftlabs/weft/internal/secrets"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/tools"
	"github.com/weftlabs/weft/internal/validation"
	"github.com/weftlabs/weft/pkg/mcp"
	"github.com/weftlabs/weft/pkg/schema"
)

// app bundles the wired engine: one store, one runtime, and the surfaces
// (admin HTTP, MCP, scheduler) that expose it.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	bus       notify.Bus
	runtime   *orchestrator.Runtime
	collector *metrics.Collector
	admin     *admin.Server
	scheduler *scheduler.Scheduler
	mcp       *mcp.WeftServer
}

// buildApp wires every component from config. The caller owns Close.
func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	collector := metrics.NewCollector()

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		v, vaultErr := secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if vaultErr != nil {
			_ = st.Close()
			return nil, vaultErr
		}
		vault = v
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	isolator, err := isolation.NewIsolator()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	registry := tools.NewRegistry()
	err = tools.RegisterBuiltins(registry, validator,
		tools.HTTPConfig{},
		tools.FSConfig{},
		tools.ShellConfig{Isolator: isolator},
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var bus notify.Bus
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		bus = notify.NewRedisBus(client, cfg.RedisStream, "weft-executors", logger)
	} else {
		bus = notify.NewMemoryBus()
	}
	disp := notify.NewDispatcher(st, bus, logger)

	var reasoner reasoning.Executor
	if cfg.AnthropicAPIKey != "" {
		reasoner = reasoning.NewAnthropicExecutor(reasoning.AnthropicConfig{
			APIKey: cfg.AnthropicAPIKey,
			Model:  cfg.AnthropicModel,
		}, logger)
	} else {
		logger.Warn("no reasoning collaborator configured, using scripted engine")
		reasoner = reasoning.NewScriptedExecutor()
	}

	var artifactStore executor.ArtifactStore
	if cfg.ArtifactsEndpoint != "" {
		ms, msErr := artifacts.NewMinioStore(ctx, artifacts.Config{
			Endpoint:  cfg.ArtifactsEndpoint,
			AccessKey: cfg.ArtifactsAccessKey,
			SecretKey: cfg.ArtifactsSecretKey,
			Bucket:    cfg.ArtifactsBucket,
		})
		if msErr != nil {
			_ = st.Close()
			return nil, msErr
		}
		artifactStore = ms
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	comp, err := compiler.New(&catalogResolver{store: st}, cel)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	repo := capability.NewStoreRepository(st)
	history := capability.NewStoreHistory(st)

	runtime, err := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Compiler:   comp,
		Dispatcher: disp,
		Bus:        bus,
		Metrics:    collector,
		ExecDeps: executor.Deps{
			Store:      st,
			Resolver:   capability.NewResolver(repo, history, logger),
			Loader:     capability.NewLoader(vault, schema.EgressInternet, logger),
			Binder:     tools.NewBinder(registry, tools.NewProviderManager(logger)),
			Breakers:   tools.NewBreakerSet(tools.DefaultBreakerConfig()),
			History:    history,
			Reasoner:   reasoner,
			Dispatcher: disp,
			Interp:     expressions.NewInterpolator(vault),
			Artifacts:  artifactStore,
		},
	}, orchestrator.Options{
		FleetSize:     cfg.FleetSize,
		SweepInterval: time.Duration(cfg.SweepSec) * time.Second,
		Executor: executor.Config{
			LeaseTTL: time.Duration(cfg.LeaseTTLSec) * time.Second,
		},
	}, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		bus:       bus,
		runtime:   runtime,
		collector: collector,
	}
	a.admin = admin.NewServer(cfg.AdminPort, admin.Deps{
		Store:   st,
		Runtime: runtime,
		Bus:     bus,
		Metrics: collector,
		Logger:  logger,
	})
	if cfg.SchedulerEnabled {
		a.scheduler = scheduler.NewScheduler(st, &runtimeRunner{runtime: runtime}, logger)
	}
	a.mcp = mcp.NewWeftServer(mcp.WeftServerDeps{
		Store:   st,
		Runtime: runtime,
		Logger:  logger,
	})
	return a, nil
}

func (a *app) Close() error {
	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	return a.store.Close()
}

// runtimeRunner adapts the orchestrator runtime to the scheduler's runner
// seam, discarding the report the scheduler has no use for.
type runtimeRunner struct {
	runtime *orchestrator.Runtime
}

func (r *runtimeRunner) RunDefinition(ctx context.Context, name, version string, input json.RawMessage) error {
	_, err := r.runtime.RunDefinition(ctx, name, version, input)
	return err
}

// catalogResolver resolves workflow import refs ("name" or "name@version")
// against the definition catalog.
type catalogResolver struct {
	store store.Store
}

func (r *catalogResolver) ResolveDefinition(ctx context.Context, ref string) (*schema.WorkflowDefinition, error) {
	name, version := ref, ""
	if at := strings.LastIndex(ref, "@"); at > 0 {
		name, version = ref[:at], ref[at+1:]
	}
	rec, err := r.store.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(rec.Raw, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"imported definition %s is not valid JSON: %s", ref, err.Error()).WithCause(err)
	}
	return &def, nil
}
