package cli

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anti-entropy/forgewright/internal/core"
)

func TestNewCodexAdapter_Defaults(t *testing.T) {
	a := NewCodexAdapter(AgentConfig{})
	require.Equal(t, "codex", a.Name())
	require.Equal(t, "OPENAI_API_KEY", a.Config().CredentialEnvVar)
}

func TestCodexAdapter_BuildArgs_NonInteractiveSandbox(t *testing.T) {
	a := NewCodexAdapter(AgentConfig{})
	args := a.buildArgs(core.ExecuteOptions{Model: "o4-mini"})
	require.Contains(t, args, "exec")
	require.Contains(t, args, "--json")
	require.Contains(t, args, "o4-mini")
}

func TestCodexAdapter_ToExecuteResult_ExtractsTokensAndComputesCost(t *testing.T) {
	a := NewCodexAdapter(AgentConfig{})
	result := &CommandResult{Stdout: `{"usage":{"input_tokens": 1000000,"output_tokens": 1000000}}`}
	out := a.toExecuteResult(result)
	require.Equal(t, 1000000, out.TokensIn)
	require.Equal(t, 1000000, out.TokensOut)
	require.InDelta(t, 12.50, out.CostUSD, 0.001)
}

var _ core.Agent = (*CodexAdapter)(nil)
