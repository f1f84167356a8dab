package cli

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anti-entropy/forgewright/internal/core"
)

func TestNewClaudeAdapter_Defaults(t *testing.T) {
	a := NewClaudeAdapter(AgentConfig{})
	require.Equal(t, "claude-code", a.Name())
	require.Equal(t, "claude", a.Config().Path)
	require.Equal(t, "ANTHROPIC_API_KEY", a.Config().CredentialEnvVar)
	require.True(t, a.Capabilities().SupportsStreaming)
}

func TestClaudeAdapter_BuildArgs_DefaultModel(t *testing.T) {
	a := NewClaudeAdapter(AgentConfig{Model: "claude-opus-4-20250514"})
	args := a.buildArgs(core.ExecuteOptions{})
	require.Contains(t, args, "--dangerously-skip-permissions")
	require.Contains(t, args, "claude-opus-4-20250514")
}

func TestClaudeAdapter_BuildArgs_OptsModelOverridesConfig(t *testing.T) {
	a := NewClaudeAdapter(AgentConfig{Model: "claude-opus-4-20250514"})
	args := a.buildArgs(core.ExecuteOptions{Model: "claude-sonnet-4-20250514"})
	require.Contains(t, args, "claude-sonnet-4-20250514")
	require.NotContains(t, args, "claude-opus-4-20250514")
}

func TestClaudeAdapter_ToExecuteResult_ExtractsTokensAndCost(t *testing.T) {
	a := NewClaudeAdapter(AgentConfig{})
	result := &CommandResult{
		Stdout: `{"type":"result","input_tokens": 120,"output_tokens": 45,"total_cost_usd": 0.034}`,
	}
	out := a.toExecuteResult(result)
	require.Equal(t, 120, out.TokensIn)
	require.Equal(t, 45, out.TokensOut)
	require.InDelta(t, 0.034, out.CostUSD, 0.0001)
}

var _ core.Agent = (*ClaudeAdapter)(nil)
