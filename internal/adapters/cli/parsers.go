package cli

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/anti-entropy/forgewright/internal/core"
)

// Truncation caps for event payloads, per the runner's streaming-parse
// contract: visible chat text, tool details, and one-line summaries get
// distinct caps so a single huge tool result can't blow out a log line.
const (
	maxChatTextChars    = 1000
	maxToolDetailChars  = 500
	maxSummaryChars     = 200
)

func truncateChars(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}

func truncateAny(v any, max int) any {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		return truncateChars(s, max)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return truncateChars(string(b), max)
}

func logEvent(agent, level, msg string) core.AgentEvent {
	e := core.NewAgentEvent(core.AgentEventLog, agent, msg)
	e.Level = level
	return e
}

func chatEvent(agent string, role core.ChatRole, text string) core.AgentEvent {
	e := core.NewAgentEvent(core.AgentEventChat, agent, truncateChars(text, maxChatTextChars))
	e.Role = role
	return e
}

func toolEvent(agent, name, status, detail string) core.AgentEvent {
	e := core.NewAgentEvent(core.AgentEventTool, agent, truncateChars(detail, maxToolDetailChars))
	e.ToolName = name
	e.Status = status
	return e
}

// =============================================================================
// Claude Stream Parser — type=system|assistant|user|tool_use|tool_result|result
// =============================================================================

// ClaudeStreamParser parses Claude Code CLI's stream-json output:
//
//	{"type":"system","subtype":"init","tools":["Bash","Glob",...]}
//	{"type":"assistant","message":{"content":[{"type":"tool_use","id":"...","name":"Bash","input":{...}}]}}
//	{"type":"assistant","message":{"content":[{"type":"text","text":"..."}]}}
//	{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"...","content":"..."}]}}
//	{"type":"result","subtype":"success","result":"..."}
type ClaudeStreamParser struct{}

type claudeStreamEvent struct {
	Type    string         `json:"type"`
	Subtype string         `json:"subtype"`
	Message *claudeMessage `json:"message,omitempty"`
	Result  string         `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Tools   []string       `json:"tools,omitempty"`
}

type claudeMessage struct {
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	Text      string `json:"text,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"`
}

func (p *ClaudeStreamParser) ParseLine(line string) []core.AgentEvent {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil
	}

	var ev claudeStreamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			return []core.AgentEvent{chatEvent("claude", core.ChatRoleSystem, "session initialized")}
		}
		return []core.AgentEvent{logEvent("claude", "debug", "unrecognized system event: "+ev.Subtype)}

	case "assistant":
		var out []core.AgentEvent
		if ev.Message != nil {
			for _, c := range ev.Message.Content {
				switch c.Type {
				case "tool_use":
					detail := ""
					if c.Input != nil {
						if s, ok := truncateAny(c.Input, maxToolDetailChars).(string); ok {
							detail = s
						}
					}
					out = append(out, toolEvent("claude", c.Name, "running", detail))
				case "text":
					if c.Text != "" {
						out = append(out, chatEvent("claude", core.ChatRoleAssistant, c.Text))
					}
				}
			}
		}
		return out

	case "user":
		var out []core.AgentEvent
		if ev.Message != nil {
			for _, c := range ev.Message.Content {
				if c.Type == "tool_result" {
					detail := ""
					if s, ok := truncateAny(c.Content, maxToolDetailChars).(string); ok {
						detail = s
					}
					out = append(out, toolEvent("claude", c.ToolUseID, "completed", detail))
				}
			}
		}
		return out

	case "result":
		if ev.Subtype == "success" {
			return []core.AgentEvent{core.NewAgentEvent(core.AgentEventCompleted, "claude", truncateChars(ev.Result, maxSummaryChars))}
		}
		return []core.AgentEvent{core.NewAgentEvent(core.AgentEventError, "claude", ev.Error)}

	case "error":
		return []core.AgentEvent{core.NewAgentEvent(core.AgentEventError, "claude", ev.Error)}

	default:
		return []core.AgentEvent{logEvent("claude", "debug", "unrecognized event type: "+ev.Type)}
	}
}

func (p *ClaudeStreamParser) AgentName() string { return "claude" }

// =============================================================================
// Codex Stream Parser — type=item.started|item.completed wrapping item.type
// =============================================================================

// CodexStreamParser parses OpenAI Codex CLI's `codex exec --json` output:
//
//	{"type":"thread.started","thread_id":"..."}
//	{"type":"item.started","item":{"type":"command_execution","command":"ls"}}
//	{"type":"item.completed","item":{"type":"command_execution","command":"ls","exit_code":0}}
//	{"type":"item.completed","item":{"type":"agent_message","text":"..."}}
//	{"type":"turn.completed","usage":{"input_tokens":...,"output_tokens":...}}
type CodexStreamParser struct{}

type codexStreamEvent struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id,omitempty"`
	Item     *codexItem  `json:"item,omitempty"`
	Usage    *codexUsage `json:"usage,omitempty"`
	Error    string      `json:"error,omitempty"`
}

type codexItem struct {
	Type     string `json:"type"`
	Command  string `json:"command,omitempty"`
	Text     string `json:"text,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

type codexUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (p *CodexStreamParser) ParseLine(line string) []core.AgentEvent {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil
	}

	var ev codexStreamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "thread.started":
		return []core.AgentEvent{chatEvent("codex", core.ChatRoleSystem, "thread started: "+ev.ThreadID)}

	case "item.started":
		if ev.Item == nil {
			return nil
		}
		switch ev.Item.Type {
		case "command_execution":
			return []core.AgentEvent{toolEvent("codex", "shell", "running", ev.Item.Command)}
		case "file_edit":
			return []core.AgentEvent{toolEvent("codex", "file_edit", "running", "")}
		}
		return nil

	case "item.completed":
		if ev.Item == nil {
			return nil
		}
		switch ev.Item.Type {
		case "reasoning":
			return []core.AgentEvent{logEvent("codex", "debug", "reasoning: "+truncateChars(ev.Item.Text, maxToolDetailChars))}
		case "command_execution":
			status := "completed"
			if ev.Item.ExitCode != nil && *ev.Item.ExitCode != 0 {
				status = "error"
			}
			return []core.AgentEvent{toolEvent("codex", "shell", status, ev.Item.Command)}
		case "agent_message":
			if ev.Item.Text != "" {
				return []core.AgentEvent{chatEvent("codex", core.ChatRoleAssistant, ev.Item.Text)}
			}
		}
		return nil

	case "turn.completed":
		data := map[string]any{}
		if ev.Usage != nil {
			data["tokens_in"] = ev.Usage.InputTokens
			data["tokens_out"] = ev.Usage.OutputTokens
		}
		return []core.AgentEvent{core.NewAgentEvent(core.AgentEventCompleted, "codex", "turn completed").WithData(data)}

	case "error":
		return []core.AgentEvent{core.NewAgentEvent(core.AgentEventError, "codex", ev.Error)}

	default:
		return []core.AgentEvent{logEvent("codex", "debug", "unrecognized event type: "+ev.Type)}
	}
}

func (p *CodexStreamParser) AgentName() string { return "codex" }

// =============================================================================
// Gemini Stream Parser — type=init|tool_use|tool_result|text|result
// =============================================================================

// GeminiStreamParser parses `gemini --output-format stream-json`:
//
//	{"type":"init","model":"gemini-2.5-flash"}
//	{"type":"tool_use","tool_name":"read_file","args":{...}}
//	{"type":"tool_result","tool_name":"read_file","result":"..."}
//	{"type":"text","text":"..."}
//	{"type":"result","response":"..."}
type GeminiStreamParser struct{}

type geminiStreamEvent struct {
	Type       string `json:"type"`
	Model      string `json:"model,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Args       any    `json:"args,omitempty"`
	ToolResult string `json:"result,omitempty"`
	Text       string `json:"text,omitempty"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (p *GeminiStreamParser) ParseLine(line string) []core.AgentEvent {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil
	}

	var ev geminiStreamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "init":
		return []core.AgentEvent{chatEvent("gemini", core.ChatRoleSystem, "session initialized: "+ev.Model)}
	case "tool_use":
		detail := ""
		if s, ok := truncateAny(ev.Args, maxToolDetailChars).(string); ok {
			detail = s
		}
		return []core.AgentEvent{toolEvent("gemini", ev.ToolName, "running", detail)}
	case "tool_result":
		return []core.AgentEvent{toolEvent("gemini", ev.ToolName, "completed", ev.ToolResult)}
	case "text":
		if ev.Text != "" {
			return []core.AgentEvent{chatEvent("gemini", core.ChatRoleAssistant, ev.Text)}
		}
		return nil
	case "result":
		return []core.AgentEvent{core.NewAgentEvent(core.AgentEventCompleted, "gemini", truncateChars(ev.Response, maxSummaryChars))}
	case "error":
		return []core.AgentEvent{core.NewAgentEvent(core.AgentEventError, "gemini", ev.Error)}
	default:
		return []core.AgentEvent{logEvent("gemini", "debug", "unrecognized event type: "+ev.Type)}
	}
}

func (p *GeminiStreamParser) AgentName() string { return "gemini" }

// =============================================================================
// Copilot Log Parser — line-oriented, not JSON
// =============================================================================

// CopilotLogParser parses GitHub Copilot CLI's log-file output (tailed
// from --log-dir), which is plain text rather than structured events.
type CopilotLogParser struct {
	toolPattern  *regexp.Regexp
	errorPattern *regexp.Regexp
}

func NewCopilotLogParser() *CopilotLogParser {
	return &CopilotLogParser{
		toolPattern:  regexp.MustCompile(`(?i)tool[_\s]?call[:\s]+["']?(\w+)["']?|executing[:\s]+["']?(\w+)["']?`),
		errorPattern: regexp.MustCompile(`(?i)error|failed|exception|fatal`),
	}
}

func (p *CopilotLogParser) ParseLine(line string) []core.AgentEvent {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if p.errorPattern.MatchString(line) {
		return []core.AgentEvent{logEvent("copilot", "error", truncateChars(line, maxToolDetailChars))}
	}
	if m := p.toolPattern.FindStringSubmatch(line); m != nil {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		return []core.AgentEvent{toolEvent("copilot", name, "running", line)}
	}
	return []core.AgentEvent{logEvent("copilot", "debug", truncateChars(line, maxToolDetailChars))}
}

func (p *CopilotLogParser) AgentName() string { return "copilot" }

func init() {
	RegisterStreamParser("claude", &ClaudeStreamParser{})
	RegisterStreamParser("codex", &CodexStreamParser{})
	RegisterStreamParser("gemini", &GeminiStreamParser{})
	RegisterStreamParser("copilot", NewCopilotLogParser())
}

// =============================================================================
// Event Aggregator (rate-limiting for noisy backends)
// =============================================================================

// EventAggregator rate-limits repeated events of the same kind so a
// chatty backend (fine-grained tool_use spam) doesn't flood the bus.
type EventAggregator struct {
	lastEvent   map[string]time.Time
	minInterval time.Duration
}

func NewEventAggregator() *EventAggregator {
	return &EventAggregator{
		lastEvent:   make(map[string]time.Time),
		minInterval: 100 * time.Millisecond,
	}
}

// ShouldEmit returns true if the event should be emitted now.
func (a *EventAggregator) ShouldEmit(event core.AgentEvent) bool {
	switch event.Type {
	case core.AgentEventCompleted, core.AgentEventError, core.AgentEventTool:
		return true
	}
	key := string(event.Type) + ":" + event.Agent
	if last, ok := a.lastEvent[key]; ok && time.Since(last) < a.minInterval {
		return false
	}
	a.lastEvent[key] = time.Now()
	return true
}
