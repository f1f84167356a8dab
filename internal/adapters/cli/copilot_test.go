package cli

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anti-entropy/forgewright/internal/core"
)

func TestNewCopilotAdapter_Defaults(t *testing.T) {
	a := NewCopilotAdapter(AgentConfig{})
	require.Equal(t, "copilot", a.Name())
	require.Equal(t, "GITHUB_TOKEN", a.Config().CredentialEnvVar)
	require.False(t, a.Capabilities().SupportsJSON)
}

func TestCopilotAdapter_BuildArgs_AllowsAllTools(t *testing.T) {
	a := NewCopilotAdapter(AgentConfig{})
	args := a.buildArgs(core.ExecuteOptions{})
	require.Contains(t, args, "--allow-all-tools")
	require.Contains(t, args, "--silent")
}

func TestCopilotAdapter_ToExecuteResult_StripsANSI(t *testing.T) {
	a := NewCopilotAdapter(AgentConfig{})
	result := &CommandResult{Stdout: "\x1b[32mSuccess\x1b[0m: all changes applied"}
	out := a.toExecuteResult(result)
	require.Equal(t, "Success: all changes applied", out.Output)
}

var _ core.Agent = (*CopilotAdapter)(nil)
