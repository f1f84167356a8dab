package cli

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anti-entropy/forgewright/internal/core"
)

func TestNewGeminiAdapter_Defaults(t *testing.T) {
	a := NewGeminiAdapter(AgentConfig{})
	require.Equal(t, "gemini", a.Name())
	require.Equal(t, "GEMINI_API_KEY", a.Config().CredentialEnvVar)
}

func TestGeminiAdapter_BuildArgs_YoloApproval(t *testing.T) {
	a := NewGeminiAdapter(AgentConfig{})
	args := a.buildArgs(core.ExecuteOptions{Model: "gemini-2.5-pro"})
	require.Contains(t, args, "yolo")
	require.Contains(t, args, "gemini-2.5-pro")
}

func TestGeminiAdapter_ToExecuteResult_ExtractsTokensAndCost(t *testing.T) {
	a := NewGeminiAdapter(AgentConfig{})
	result := &CommandResult{Stdout: "input_tokens: 1000000\noutput_tokens: 1000000"}
	out := a.toExecuteResult(result)
	require.Equal(t, 1000000, out.TokensIn)
	require.Equal(t, 1000000, out.TokensOut)
	require.InDelta(t, 0.375, out.CostUSD, 0.001)
}

var _ core.Agent = (*GeminiAdapter)(nil)
