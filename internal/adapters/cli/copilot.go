package cli

import (
	"context"
	"regexp"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/logging"
)

// CopilotAdapter implements core.Agent for the standalone GitHub
// Copilot CLI (`copilot`, npm install -g @github/copilot). It has no
// JSON stream mode; CopilotLogParser classifies its plain-text stdout
// lines into the same AgentEvent taxonomy as the JSON-speaking backends.
type CopilotAdapter struct {
	*BaseAdapter
	capabilities core.Capabilities
}

func NewCopilotAdapter(cfg AgentConfig) *CopilotAdapter {
	if cfg.Path == "" {
		cfg.Path = "copilot"
	}
	if cfg.CredentialEnvVar == "" {
		cfg.CredentialEnvVar = "GITHUB_TOKEN"
	}
	logger := logging.NewNop().With("adapter", "copilot")
	return &CopilotAdapter{
		BaseAdapter: NewBaseAdapter(cfg, logger),
		capabilities: core.Capabilities{
			SupportsJSON:      false,
			SupportsStreaming: true,
			SupportsTools:     true,
			MaxContextTokens:  200000,
			MaxOutputTokens:   16384,
			SupportedModels:   []string{"gpt-5", "claude-sonnet-4.5"},
			DefaultModel:      "gpt-5",
		},
	}
}

func (c *CopilotAdapter) Name() string                    { return "copilot" }
func (c *CopilotAdapter) Capabilities() core.Capabilities { return c.capabilities }

func (c *CopilotAdapter) Ping(ctx context.Context) error {
	return c.CheckAvailability(ctx)
}

func (c *CopilotAdapter) Execute(ctx context.Context, opts core.ExecuteOptions) (*core.ExecuteResult, error) {
	args := c.buildArgs(opts)
	result, err := c.ExecuteWithStreaming(ctx, args, opts.Prompt, opts.WorkDir, opts.Timeout, opts.ExtraEnv, opts.FeedbackCh)
	if err != nil {
		return nil, err
	}
	return c.toExecuteResult(result), nil
}

func (c *CopilotAdapter) buildArgs(opts core.ExecuteOptions) []string {
	args := []string{"--allow-all-tools", "--allow-all-paths", "--allow-all-urls", "--silent"}
	_ = opts.Model // copilot selects model via /model or config, not a CLI flag
	return args
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func (c *CopilotAdapter) toExecuteResult(result *CommandResult) *core.ExecuteResult {
	output := ansiPattern.ReplaceAllString(result.Stdout, "")
	return &core.ExecuteResult{
		Output:   output,
		Duration: result.Duration,
		ExitCode: result.ExitCode,
		Summary:  ExtractSummary(output),
	}
}

var _ core.Agent = (*CopilotAdapter)(nil)
