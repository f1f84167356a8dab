package cmd

import (
	"fmt"
	"time"

	"github.com/anti-entropy/forgewright/internal/adapters/cli"
	"github.com/anti-entropy/forgewright/internal/adapters/forge"
	gitadapter "github.com/anti-entropy/forgewright/internal/adapters/git"
	"github.com/anti-entropy/forgewright/internal/adapters/secrets"
	"github.com/anti-entropy/forgewright/internal/adapters/state"
	"github.com/anti-entropy/forgewright/internal/config"
	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/events"
	"github.com/anti-entropy/forgewright/internal/logging"
	"github.com/anti-entropy/forgewright/internal/procsup"
	"github.com/anti-entropy/forgewright/internal/service"
)

// runtime bundles every wired C1-C8 component a command needs to act on
// tasks directly (outside of the `serve` HTTP process). Both `serve` and
// `task` build one the same way so there is exactly one place that knows
// how to assemble the orchestrator from a config.Config.
type runtime struct {
	cfg        *config.Config
	logger     *logging.Logger
	store      core.TaskStore
	bus        *events.Bus
	supervisor *service.Supervisor
	watcher    *service.Watcher
	closeStore func() error
}

// buildRuntime loads configuration via loader and wires the full
// supervisor graph, mirroring runServe's construction order exactly so
// the two entrypoints can never silently drift apart.
func buildRuntime(loader *config.Loader) (*runtime, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	taskStore, err := state.NewTaskStore(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("opening task store: %w", err)
	}

	bus := events.New(256)
	procs := procsup.NewRegistry()
	secretsAccessor := secrets.NewEnvAccessor()

	worktrees := gitadapter.NewManager(cfg.Git.ReposBaseDir, cfg.Git.WorktreesDir, procs, pushCredentialFor(secretsAccessor)).
		WithLogger(logger).
		WithMaxContentBytes(cfg.Supervisor.MaxFileContentBytes)

	forgeClient := forge.NewRouterFromSecrets(secretsAccessor, logger)

	agents, err := buildAgentRegistry(cfg, secretsAccessor)
	if err != nil {
		_ = taskStore.Close()
		return nil, fmt.Errorf("building agent registry: %w", err)
	}

	prompts, err := cli.NewPromptBuilder()
	if err != nil {
		_ = taskStore.Close()
		return nil, fmt.Errorf("loading prompt templates: %w", err)
	}

	supervisor := service.NewSupervisor(
		taskStore,
		worktrees,
		forgeClient,
		agents,
		prompts,
		secretsAccessor,
		bus,
		procs,
		logger,
		supervisorConfigFrom(cfg.Supervisor),
	)

	watcher := service.NewWatcher(
		taskStore,
		forgeClient,
		supervisor,
		bus,
		logger,
		time.Duration(cfg.PRWatcher.PollIntervalMs)*time.Millisecond,
	)
	supervisor.SetPRTracker(watcher)

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		store:      taskStore,
		bus:        bus,
		supervisor: supervisor,
		watcher:    watcher,
		closeStore: taskStore.Close,
	}, nil
}
