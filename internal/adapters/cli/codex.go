package cli

import (
	"context"
	"regexp"
	"strconv"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/logging"
)

// CodexAdapter implements core.Agent for the OpenAI Codex CLI, driven
// non-interactively via `codex exec --json` with the prompt on stdin.
type CodexAdapter struct {
	*BaseAdapter
	capabilities core.Capabilities
}

func NewCodexAdapter(cfg AgentConfig) *CodexAdapter {
	if cfg.Path == "" {
		cfg.Path = "codex"
	}
	if cfg.CredentialEnvVar == "" {
		cfg.CredentialEnvVar = "OPENAI_API_KEY"
	}
	logger := logging.NewNop().With("adapter", "codex")
	return &CodexAdapter{
		BaseAdapter: NewBaseAdapter(cfg, logger),
		capabilities: core.Capabilities{
			SupportsJSON:      true,
			SupportsStreaming: true,
			SupportsTools:     true,
			MaxContextTokens:  128000,
			MaxOutputTokens:   16384,
			SupportedModels:   []string{"gpt-5-codex", "o4-mini"},
			DefaultModel:      "gpt-5-codex",
		},
	}
}

func (c *CodexAdapter) Name() string                    { return "codex" }
func (c *CodexAdapter) Capabilities() core.Capabilities { return c.capabilities }

func (c *CodexAdapter) Ping(ctx context.Context) error {
	return c.CheckAvailability(ctx)
}

func (c *CodexAdapter) Execute(ctx context.Context, opts core.ExecuteOptions) (*core.ExecuteResult, error) {
	args := c.buildArgs(opts)
	result, err := c.ExecuteWithStreaming(ctx, args, opts.Prompt, opts.WorkDir, opts.Timeout, opts.ExtraEnv, opts.FeedbackCh)
	if err != nil {
		return nil, err
	}
	return c.toExecuteResult(result), nil
}

func (c *CodexAdapter) buildArgs(opts core.ExecuteOptions) []string {
	args := []string{
		"exec", "--skip-git-repo-check", "--json",
		"-c", `approval_policy="never"`,
		"-c", `sandbox_mode="workspace-write"`,
	}

	model := opts.Model
	if model == "" {
		model = c.config.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

var codexInputTokenPattern = regexp.MustCompile(`"input_tokens":\s*(\d+)`)
var codexOutputTokenPattern = regexp.MustCompile(`"output_tokens":\s*(\d+)`)

func (c *CodexAdapter) toExecuteResult(result *CommandResult) *core.ExecuteResult {
	execResult := &core.ExecuteResult{
		Output:   result.Stdout,
		Duration: result.Duration,
		ExitCode: result.ExitCode,
		Summary:  ExtractSummary(result.Stdout),
	}
	if m := codexInputTokenPattern.FindStringSubmatch(result.Stdout); len(m) == 2 {
		execResult.TokensIn, _ = strconv.Atoi(m[1])
	}
	if m := codexOutputTokenPattern.FindStringSubmatch(result.Stdout); len(m) == 2 {
		execResult.TokensOut, _ = strconv.Atoi(m[1])
	}
	execResult.CostUSD = float64(execResult.TokensIn)/1_000_000*2.50 + float64(execResult.TokensOut)/1_000_000*10.00
	return execResult
}

var _ core.Agent = (*CodexAdapter)(nil)
