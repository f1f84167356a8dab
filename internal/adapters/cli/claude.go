package cli

import (
	"context"
	"regexp"
	"strconv"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/logging"
)

// ClaudeAdapter implements core.Agent for the Claude Code CLI, driven
// as a subprocess with --print --output-format stream-json and the
// prompt delivered on stdin.
type ClaudeAdapter struct {
	*BaseAdapter
	capabilities core.Capabilities
}

func NewClaudeAdapter(cfg AgentConfig) *ClaudeAdapter {
	if cfg.Path == "" {
		cfg.Path = "claude"
	}
	if cfg.CredentialEnvVar == "" {
		cfg.CredentialEnvVar = "ANTHROPIC_API_KEY"
	}
	logger := logging.NewNop().With("adapter", "claude")
	return &ClaudeAdapter{
		BaseAdapter: NewBaseAdapter(cfg, logger),
		capabilities: core.Capabilities{
			SupportsJSON:      true,
			SupportsStreaming: true,
			SupportsImages:    true,
			SupportsTools:     true,
			MaxContextTokens:  200000,
			MaxOutputTokens:   8192,
			SupportedModels: []string{
				"claude-sonnet-4-20250514",
				"claude-opus-4-20250514",
			},
			DefaultModel: "claude-sonnet-4-20250514",
		},
	}
}

func (c *ClaudeAdapter) Name() string                    { return "claude-code" }
func (c *ClaudeAdapter) Capabilities() core.Capabilities { return c.capabilities }

func (c *ClaudeAdapter) Ping(ctx context.Context) error {
	if err := c.CheckAvailability(ctx); err != nil {
		return err
	}
	_, err := c.ExecuteCommand(ctx, []string{"--version"}, "", "", 0)
	return err
}

func (c *ClaudeAdapter) Execute(ctx context.Context, opts core.ExecuteOptions) (*core.ExecuteResult, error) {
	args := c.buildArgs(opts)

	result, err := c.ExecuteWithStreaming(ctx, args, opts.Prompt, opts.WorkDir, opts.Timeout, opts.ExtraEnv, opts.FeedbackCh)
	if err != nil {
		return nil, err
	}
	return c.toExecuteResult(result), nil
}

func (c *ClaudeAdapter) buildArgs(opts core.ExecuteOptions) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"}

	model := opts.Model
	if model == "" {
		model = c.config.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

var claudeTokenPattern = regexp.MustCompile(`"input_tokens":\s*(\d+).*?"output_tokens":\s*(\d+)`)
var claudeCostPattern = regexp.MustCompile(`"total_cost_usd":\s*([\d.]+)`)

func (c *ClaudeAdapter) toExecuteResult(result *CommandResult) *core.ExecuteResult {
	execResult := &core.ExecuteResult{
		Output:   result.Stdout,
		Duration: result.Duration,
		ExitCode: result.ExitCode,
		Summary:  ExtractSummary(result.Stdout),
	}
	if m := claudeTokenPattern.FindStringSubmatch(result.Stdout); len(m) == 3 {
		execResult.TokensIn, _ = strconv.Atoi(m[1])
		execResult.TokensOut, _ = strconv.Atoi(m[2])
	}
	if m := claudeCostPattern.FindStringSubmatch(result.Stdout); len(m) == 2 {
		execResult.CostUSD, _ = strconv.ParseFloat(m[1], 64)
	}
	return execResult
}

var _ core.Agent = (*ClaudeAdapter)(nil)
