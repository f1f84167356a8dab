package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/anti-entropy/forgewright/internal/core"
)

type stubAgent struct {
	name    string
	pingErr error
}

func (s *stubAgent) Name() string                    { return s.name }
func (s *stubAgent) Capabilities() core.Capabilities  { return core.Capabilities{} }
func (s *stubAgent) Ping(context.Context) error       { return s.pingErr }
func (s *stubAgent) Execute(context.Context, core.ExecuteOptions) (*core.ExecuteResult, error) {
	return &core.ExecuteResult{}, nil
}

func TestRegistry_RegisterGetList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", &stubAgent{name: "a"}))
	require.NoError(t, r.Register("b", &stubAgent{name: "b"}))

	agent, err := r.Get("a")
	require.NoError(t, err)
	require.Equal(t, "a", agent.Name())

	require.ElementsMatch(t, []string{"a", "b"}, r.List())
}

func TestRegistry_RegisterNilAgentFails(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register("a", nil))
}

func TestRegistry_GetUnknownFails(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	require.Error(t, err)
}

func TestRegistry_Available(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("up", &stubAgent{name: "up"}))
	require.NoError(t, r.Register("down", &stubAgent{name: "down", pingErr: require.AnError}))

	available := r.Available(context.Background())
	require.Equal(t, []string{"up"}, available)
}

func TestBuildDefaultRegistry_WiresKnownBackends(t *testing.T) {
	r := BuildDefaultRegistry(map[string]string{
		"claude-code": "key-1",
		"codex":       "key-2",
	})
	require.ElementsMatch(t, []string{"claude-code", "codex", "gemini", "copilot"}, r.List())
}
