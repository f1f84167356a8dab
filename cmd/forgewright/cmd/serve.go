package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anti-entropy/forgewright/internal/adapters/cli"
	"github.com/anti-entropy/forgewright/internal/adapters/secrets"
	"github.com/anti-entropy/forgewright/internal/api"
	"github.com/anti-entropy/forgewright/internal/config"
	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/service"
)

var serveAddr string

// supervisorShutdownTimeout bounds how long runServe waits for in-flight
// agent runs to unwind (worktree/process cleanup) once shutdown begins,
// per spec §5's "allow worktree cleanup to complete with bounded effort".
const supervisorShutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator's HTTP API and PR watcher",
	Long: `serve loads the project configuration, wires the task store, the
agent supervisor, and the PR watcher together, and serves the REST API
that drives task lifecycle actions until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8420", "HTTP listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := buildRuntime(newConfigLoader())
	if err != nil {
		return err
	}
	defer rt.closeStore()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.watcher.Init(ctx); err != nil {
		return fmt.Errorf("initializing PR watcher: %w", err)
	}
	rt.watcher.Start(ctx)

	server := api.NewServer(rt.store, rt.bus, rt.supervisor, rt.logger)
	rt.logger.Info("serving", "addr", serveAddr)
	serveErr := server.ListenAndServe(ctx, serveAddr)

	_ = rt.watcher.Stop(context.Background())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), supervisorShutdownTimeout)
	defer cancelShutdown()
	rt.supervisor.Shutdown(shutdownCtx)

	return serveErr
}

// buildAgentRegistry constructs a cli.Registry directly from the agent
// roster in cfg.Agents rather than cli.BuildDefaultRegistry, since that
// helper hardcodes paths and does not thread through per-agent Enabled
// flags or the configured silence-warning threshold.
func buildAgentRegistry(cfg *config.Config, secretsAccessor core.SecretsAccessor) (*cli.Registry, error) {
	registry := cli.NewRegistry()
	credentials := secrets.AgentCredentials(secretsAccessor, enabledAgentNames(cfg.Agents))
	silence := time.Duration(cfg.Supervisor.SilenceWarningMs) * time.Millisecond

	if cfg.Agents.Claude.Enabled {
		_ = registry.Register("claude-code", cli.NewClaudeAdapter(agentConfigFor("claude-code", &cfg.Agents.Claude, credentials, silence)))
	}
	if cfg.Agents.Codex.Enabled {
		_ = registry.Register("codex", cli.NewCodexAdapter(agentConfigFor("codex", &cfg.Agents.Codex, credentials, silence)))
	}
	if cfg.Agents.Gemini.Enabled {
		_ = registry.Register("gemini", cli.NewGeminiAdapter(agentConfigFor("gemini", &cfg.Agents.Gemini, credentials, silence)))
	}
	if cfg.Agents.Copilot.Enabled {
		_ = registry.Register("copilot", cli.NewCopilotAdapter(agentConfigFor("copilot", &cfg.Agents.Copilot, credentials, silence)))
	}
	// cfg.Agents.OpenCode has no corresponding cli adapter in this build
	// (see DESIGN.md): its Enabled flag is accepted but has no effect.

	if len(registry.List()) == 0 {
		return nil, fmt.Errorf("no agents enabled in configuration")
	}
	return registry, nil
}

func agentConfigFor(name string, a *config.AgentConfig, credentials map[string]string, silence time.Duration) cli.AgentConfig {
	return cli.AgentConfig{
		Name:           name,
		Path:           a.Path,
		Model:          a.Model,
		Credential:     credentials[name],
		SilenceWarning: silence,
	}
}

func enabledAgentNames(a config.AgentsConfig) []string {
	var names []string
	for _, e := range []struct {
		enabled bool
		name    string
	}{
		{a.Claude.Enabled, "claude-code"},
		{a.Codex.Enabled, "codex"},
		{a.Gemini.Enabled, "gemini"},
		{a.Copilot.Enabled, "copilot"},
	} {
		if e.enabled {
			names = append(names, e.name)
		}
	}
	return names
}

// supervisorConfigFrom converts the millisecond-based config.SupervisorConfig
// into service.SupervisorConfig's time.Duration fields.
func supervisorConfigFrom(c config.SupervisorConfig) service.SupervisorConfig {
	return service.SupervisorConfig{
		Deadline:  time.Duration(c.DefaultTimeoutMs) * time.Millisecond,
		Warning:   time.Duration(c.WarningThresholdMs) * time.Millisecond,
		Extension: time.Duration(c.ExtensionMs) * time.Millisecond,
	}
}

// pushCredentialFor mirrors the forge Router's GitHub/GitLab selection
// rule to resolve a push credential for a given repository URL.
func pushCredentialFor(accessor core.SecretsAccessor) func(string) (string, bool) {
	return func(repoURL string) (string, bool) {
		if isGitLabURL(repoURL) {
			return accessor.Get(core.SecretGitLabToken)
		}
		return accessor.Get(core.SecretGitHubToken)
	}
}

func isGitLabURL(repoURL string) bool {
	if strings.Contains(repoURL, "/-/merge_requests/") {
		return true
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return strings.Contains(strings.ToLower(repoURL), "gitlab")
	}
	return strings.Contains(strings.ToLower(u.Host), "gitlab")
}
