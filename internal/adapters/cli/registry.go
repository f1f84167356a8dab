package cli

import (
	"context"
	"sync"

	"github.com/anti-entropy/forgewright/internal/core"
)

// Registry implements core.AgentRegistry, holding one constructed
// adapter per configured agentType ("claude-code", "codex", "gemini",
// "copilot", ...). Agents are built eagerly at Register time rather
// than lazily via factories, since each backend needs its credential
// and process-registry wiring at construction.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]core.Agent
}

func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]core.Agent)}
}

func (r *Registry) Register(name string, agent core.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agent == nil {
		return core.ErrValidation("NIL_AGENT", "agent must not be nil")
	}
	r.agents[name] = agent
	return nil
}

func (r *Registry) Get(name string) (core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[name]
	if !ok {
		return nil, core.ErrNotFound("agent", name)
	}
	return agent, nil
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// Available returns the subset of registered agents that currently
// pass Ping, checked concurrently.
func (r *Registry) Available(ctx context.Context) []string {
	r.mu.RLock()
	agents := make(map[string]core.Agent, len(r.agents))
	for name, a := range r.agents {
		agents[name] = a
	}
	r.mu.RUnlock()

	type result struct {
		name string
		ok   bool
	}
	results := make(chan result, len(agents))
	var wg sync.WaitGroup
	for name, agent := range agents {
		wg.Add(1)
		go func(name string, agent core.Agent) {
			defer wg.Done()
			results <- result{name: name, ok: agent.Ping(ctx) == nil}
		}(name, agent)
	}
	wg.Wait()
	close(results)

	available := make([]string, 0, len(agents))
	for r := range results {
		if r.ok {
			available = append(available, r.name)
		}
	}
	return available
}

// SetEventHandler propagates a streaming-event handler to every
// registered agent that supports it.
func (r *Registry) SetEventHandler(handler core.AgentEventHandler) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, agent := range r.agents {
		if sc, ok := agent.(core.StreamingCapable); ok {
			sc.SetEventHandler(handler)
		}
	}
}

// BuildDefaultRegistry constructs a Registry with the standard roster
// of CLI-backed agents, wired with their per-backend credentials.
func BuildDefaultRegistry(credentials map[string]string) *Registry {
	r := NewRegistry()

	claudeCfg := AgentConfig{Name: "claude-code", Path: "claude", Credential: credentials["claude-code"]}
	codexCfg := AgentConfig{Name: "codex", Path: "codex", Credential: credentials["codex"]}
	geminiCfg := AgentConfig{Name: "gemini", Path: "gemini", Credential: credentials["gemini"]}
	copilotCfg := AgentConfig{Name: "copilot", Path: "copilot", Credential: credentials["copilot"]}

	_ = r.Register("claude-code", NewClaudeAdapter(claudeCfg))
	_ = r.Register("codex", NewCodexAdapter(codexCfg))
	_ = r.Register("gemini", NewGeminiAdapter(geminiCfg))
	_ = r.Register("copilot", NewCopilotAdapter(copilotCfg))

	return r
}

var _ core.AgentRegistry = (*Registry)(nil)
