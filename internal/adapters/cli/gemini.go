package cli

import (
	"context"
	"regexp"
	"strconv"

	"github.com/anti-entropy/forgewright/internal/core"
	"github.com/anti-entropy/forgewright/internal/logging"
)

// GeminiAdapter implements core.Agent for the Gemini CLI.
type GeminiAdapter struct {
	*BaseAdapter
	capabilities core.Capabilities
}

func NewGeminiAdapter(cfg AgentConfig) *GeminiAdapter {
	if cfg.Path == "" {
		cfg.Path = "gemini"
	}
	if cfg.CredentialEnvVar == "" {
		cfg.CredentialEnvVar = "GEMINI_API_KEY"
	}
	logger := logging.NewNop().With("adapter", "gemini")
	return &GeminiAdapter{
		BaseAdapter: NewBaseAdapter(cfg, logger),
		capabilities: core.Capabilities{
			SupportsJSON:      true,
			SupportsStreaming: true,
			SupportsImages:    true,
			SupportsTools:     true,
			MaxContextTokens:  1_000_000,
			MaxOutputTokens:   8192,
			SupportedModels:   []string{"gemini-2.5-pro", "gemini-2.5-flash"},
			DefaultModel:      "gemini-2.5-flash",
		},
	}
}

func (g *GeminiAdapter) Name() string                    { return "gemini" }
func (g *GeminiAdapter) Capabilities() core.Capabilities { return g.capabilities }

func (g *GeminiAdapter) Ping(ctx context.Context) error {
	return g.CheckAvailability(ctx)
}

func (g *GeminiAdapter) Execute(ctx context.Context, opts core.ExecuteOptions) (*core.ExecuteResult, error) {
	args := g.buildArgs(opts)
	result, err := g.ExecuteWithStreaming(ctx, args, opts.Prompt, opts.WorkDir, opts.Timeout, opts.ExtraEnv, opts.FeedbackCh)
	if err != nil {
		return nil, err
	}
	return g.toExecuteResult(result), nil
}

func (g *GeminiAdapter) buildArgs(opts core.ExecuteOptions) []string {
	args := []string{"--approval-mode", "yolo", "--output-format", "stream-json"}
	model := opts.Model
	if model == "" {
		model = g.config.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

var geminiInputTokenPattern = regexp.MustCompile(`input[_\s]?tokens?:?\s*(\d+)`)
var geminiOutputTokenPattern = regexp.MustCompile(`output[_\s]?tokens?:?\s*(\d+)`)

func (g *GeminiAdapter) toExecuteResult(result *CommandResult) *core.ExecuteResult {
	combined := result.Stdout + result.Stderr
	execResult := &core.ExecuteResult{
		Output:   result.Stdout,
		Duration: result.Duration,
		ExitCode: result.ExitCode,
		Summary:  ExtractSummary(result.Stdout),
	}
	if m := geminiInputTokenPattern.FindStringSubmatch(combined); len(m) == 2 {
		execResult.TokensIn, _ = strconv.Atoi(m[1])
	}
	if m := geminiOutputTokenPattern.FindStringSubmatch(combined); len(m) == 2 {
		execResult.TokensOut, _ = strconv.Atoi(m[1])
	}
	execResult.CostUSD = float64(execResult.TokensIn)/1_000_000*0.075 + float64(execResult.TokensOut)/1_000_000*0.30
	return execResult
}

var _ core.Agent = (*GeminiAdapter)(nil)
