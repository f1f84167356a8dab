package cli

import (
	"github.com/anti-entropy/forgewright/internal/core"
)

// =============================================================================
// Streaming Configuration
// =============================================================================

// StreamMethod defines how an adapter provides real-time output.
type StreamMethod string

const (
	// StreamMethodNone indicates no streaming support; stdout is still
	// scanned line-by-line and handed to the backend's StreamParser,
	// but the CLI itself emits plain text rather than a JSON protocol.
	StreamMethodNone StreamMethod = "none"

	// StreamMethodJSONStdout indicates streaming via JSON lines on stdout.
	// Used by: Claude (--output-format stream-json), Gemini (--output-format stream-json), Codex (--json)
	StreamMethodJSONStdout StreamMethod = "json_stdout"
)

// StreamConfig records which streaming protocol a CLI speaks, for
// reference by callers that build its arguments (each adapter's
// buildArgs already includes the concrete flags).
type StreamConfig struct {
	Method StreamMethod
}

// StreamConfigs holds the streaming configuration for each known CLI.
var StreamConfigs = map[string]StreamConfig{
	"claude": {Method: StreamMethodJSONStdout},
	"gemini": {Method: StreamMethodJSONStdout},
	"codex":  {Method: StreamMethodJSONStdout},
	// Copilot has no JSON stream mode; the runner classifies its
	// plain-text stdout lines directly (see CopilotLogParser) rather
	// than tailing a --log-dir file, so it's recorded here as
	// unstreamed at the protocol level even though events still flow.
	"copilot": {
		Method: StreamMethodNone,
	},
}

// =============================================================================
// Stream Parser Interface
// =============================================================================

// StreamParser converts CLI-specific output into generic AgentEvents.
// Each CLI has its own parser that understands its output format.
type StreamParser interface {
	// ParseLine processes a single line of output and returns any events.
	// May return nil/empty if the line doesn't contain relevant information.
	// May return multiple events if one line contains multiple pieces of info.
	ParseLine(line string) []core.AgentEvent

	// AgentName returns the name of the agent this parser handles.
	AgentName() string
}

// StreamParsers holds parser instances for each CLI.
var StreamParsers = make(map[string]StreamParser)

// RegisterStreamParser registers a parser for a CLI.
func RegisterStreamParser(name string, parser StreamParser) {
	StreamParsers[name] = parser
}

// GetStreamParser returns the parser for a CLI, or nil if none exists.
func GetStreamParser(name string) StreamParser {
	return StreamParsers[name]
}

// GetStreamConfig returns the streaming config for a CLI, with a default if not found.
func GetStreamConfig(name string) StreamConfig {
	if cfg, ok := StreamConfigs[name]; ok {
		return cfg
	}
	return StreamConfig{Method: StreamMethodNone}
}
