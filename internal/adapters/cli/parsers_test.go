package cli

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anti-entropy/forgewright/internal/core"
)

func TestTruncateChars(t *testing.T) {
	require.Equal(t, "abc", truncateChars("abc", 10))
	require.Equal(t, "ab...[truncated]", truncateChars("abcdef", 2))
}

func TestClaudeStreamParser_SystemInit(t *testing.T) {
	p := &ClaudeStreamParser{}
	events := p.ParseLine(`{"type":"system","subtype":"init","tools":["Bash"]}`)
	require.Len(t, events, 1)
	require.Equal(t, core.AgentEventChat, events[0].Type)
	require.Equal(t, core.ChatRoleSystem, events[0].Role)
}

func TestClaudeStreamParser_AssistantTextAndToolUse(t *testing.T) {
	p := &ClaudeStreamParser{}
	line := `{"type":"assistant","message":{"content":[
		{"type":"text","text":"Looking at the code"},
		{"type":"tool_use","id":"t1","name":"Bash","input":"ls -la"}
	]}}`
	events := p.ParseLine(line)
	require.Len(t, events, 2)
	require.Equal(t, core.AgentEventChat, events[0].Type)
	require.Equal(t, "Looking at the code", events[0].Message)
	require.Equal(t, core.AgentEventTool, events[1].Type)
	require.Equal(t, "Bash", events[1].ToolName)
	require.Equal(t, "running", events[1].Status)
}

func TestClaudeStreamParser_ToolResult(t *testing.T) {
	p := &ClaudeStreamParser{}
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"done"}]}}`
	events := p.ParseLine(line)
	require.Len(t, events, 1)
	require.Equal(t, "completed", events[0].Status)
}

func TestClaudeStreamParser_ResultSuccess(t *testing.T) {
	p := &ClaudeStreamParser{}
	events := p.ParseLine(`{"type":"result","subtype":"success","result":"all done"}`)
	require.Len(t, events, 1)
	require.Equal(t, core.AgentEventCompleted, events[0].Type)
	require.Equal(t, "all done", events[0].Message)
}

func TestClaudeStreamParser_ResultFailure(t *testing.T) {
	p := &ClaudeStreamParser{}
	events := p.ParseLine(`{"type":"result","subtype":"error_max_turns","error":"too many turns"}`)
	require.Len(t, events, 1)
	require.Equal(t, core.AgentEventError, events[0].Type)
}

func TestClaudeStreamParser_NonJSONLineIgnored(t *testing.T) {
	p := &ClaudeStreamParser{}
	require.Nil(t, p.ParseLine("plain text, not json"))
	require.Nil(t, p.ParseLine(""))
}

func TestClaudeStreamParser_MalformedJSONIgnored(t *testing.T) {
	p := &ClaudeStreamParser{}
	require.Nil(t, p.ParseLine(`{"type": invalid}`))
}

func TestClaudeStreamParser_UnknownTypeDegradesToDebugLog(t *testing.T) {
	p := &ClaudeStreamParser{}
	events := p.ParseLine(`{"type":"something_new"}`)
	require.Len(t, events, 1)
	require.Equal(t, core.AgentEventLog, events[0].Type)
	require.Equal(t, "debug", events[0].Level)
}

func TestCodexStreamParser_ItemLifecycle(t *testing.T) {
	p := &CodexStreamParser{}

	started := p.ParseLine(`{"type":"item.started","item":{"type":"command_execution","command":"go build"}}`)
	require.Len(t, started, 1)
	require.Equal(t, "running", started[0].Status)

	completedOK := p.ParseLine(`{"type":"item.completed","item":{"type":"command_execution","command":"go build","exit_code":0}}`)
	require.Len(t, completedOK, 1)
	require.Equal(t, "completed", completedOK[0].Status)

	completedFail := p.ParseLine(`{"type":"item.completed","item":{"type":"command_execution","command":"go build","exit_code":1}}`)
	require.Len(t, completedFail, 1)
	require.Equal(t, "error", completedFail[0].Status)
}

func TestCodexStreamParser_AgentMessage(t *testing.T) {
	p := &CodexStreamParser{}
	events := p.ParseLine(`{"type":"item.completed","item":{"type":"agent_message","text":"I finished the task"}}`)
	require.Len(t, events, 1)
	require.Equal(t, core.AgentEventChat, events[0].Type)
	require.Equal(t, "I finished the task", events[0].Message)
}

func TestCodexStreamParser_TurnCompletedCarriesUsage(t *testing.T) {
	p := &CodexStreamParser{}
	events := p.ParseLine(`{"type":"turn.completed","usage":{"input_tokens":100,"output_tokens":50}}`)
	require.Len(t, events, 1)
	require.Equal(t, core.AgentEventCompleted, events[0].Type)
	require.Equal(t, 100, events[0].Data["tokens_in"])
	require.Equal(t, 50, events[0].Data["tokens_out"])
}

func TestCodexStreamParser_Error(t *testing.T) {
	p := &CodexStreamParser{}
	events := p.ParseLine(`{"type":"error","error":"boom"}`)
	require.Len(t, events, 1)
	require.Equal(t, core.AgentEventError, events[0].Type)
}

func TestGeminiStreamParser_Text(t *testing.T) {
	p := &GeminiStreamParser{}
	events := p.ParseLine(`{"type":"text","text":"working on it"}`)
	require.Len(t, events, 1)
	require.Equal(t, "working on it", events[0].Message)
}

func TestGeminiStreamParser_ToolUseAndResult(t *testing.T) {
	p := &GeminiStreamParser{}
	use := p.ParseLine(`{"type":"tool_use","tool_name":"read_file","args":{"path":"a.go"}}`)
	require.Len(t, use, 1)
	require.Equal(t, "read_file", use[0].ToolName)

	result := p.ParseLine(`{"type":"tool_result","tool_name":"read_file","result":"package main"}`)
	require.Len(t, result, 1)
	require.Equal(t, "completed", result[0].Status)
}

func TestGeminiStreamParser_Result(t *testing.T) {
	p := &GeminiStreamParser{}
	events := p.ParseLine(`{"type":"result","response":"summary text"}`)
	require.Len(t, events, 1)
	require.Equal(t, core.AgentEventCompleted, events[0].Type)
}

func TestCopilotLogParser_ErrorLine(t *testing.T) {
	p := NewCopilotLogParser()
	events := p.ParseLine("Error: failed to read file")
	require.Len(t, events, 1)
	require.Equal(t, core.AgentEventLog, events[0].Type)
	require.Equal(t, "error", events[0].Level)
}

func TestCopilotLogParser_ToolLine(t *testing.T) {
	p := NewCopilotLogParser()
	events := p.ParseLine(`tool_call: "bash"`)
	require.Len(t, events, 1)
	require.Equal(t, core.AgentEventTool, events[0].Type)
	require.Equal(t, "bash", events[0].ToolName)
}

func TestCopilotLogParser_PlainLineDegradesToDebug(t *testing.T) {
	p := NewCopilotLogParser()
	events := p.ParseLine("just some status text")
	require.Len(t, events, 1)
	require.Equal(t, core.AgentEventLog, events[0].Type)
	require.Equal(t, "debug", events[0].Level)
}

func TestCopilotLogParser_EmptyLineIgnored(t *testing.T) {
	p := NewCopilotLogParser()
	require.Nil(t, p.ParseLine("   "))
}

func TestGetStreamParser_RegisteredByInit(t *testing.T) {
	for _, name := range []string{"claude", "codex", "gemini", "copilot"} {
		require.NotNil(t, GetStreamParser(name), "parser for %s should be registered", name)
	}
}

func TestEventAggregator_RateLimitsChatButNotToolOrTerminal(t *testing.T) {
	a := NewEventAggregator()
	chat1 := core.NewAgentEvent(core.AgentEventChat, "claude", "a")
	require.True(t, a.ShouldEmit(chat1))
	require.False(t, a.ShouldEmit(chat1), "second identical-kind chat event within the window should be suppressed")

	tool := core.NewAgentEvent(core.AgentEventTool, "claude", "b")
	require.True(t, a.ShouldEmit(tool))
	require.True(t, a.ShouldEmit(tool), "tool events are never rate-limited")

	done := core.NewAgentEvent(core.AgentEventCompleted, "claude", "c")
	require.True(t, a.ShouldEmit(done))
}

func TestEventAggregator_AllowsAfterInterval(t *testing.T) {
	a := NewEventAggregator()
	a.minInterval = time.Millisecond
	e := core.NewAgentEvent(core.AgentEventChat, "claude", "a")
	require.True(t, a.ShouldEmit(e))
	time.Sleep(2 * time.Millisecond)
	require.True(t, a.ShouldEmit(e))
}

func TestTruncateAny_StringAndStruct(t *testing.T) {
	require.Equal(t, "hi", truncateAny("hi", 10))
	out, ok := truncateAny(map[string]string{"k": "v"}, 100).(string)
	require.True(t, ok)
	require.True(t, strings.Contains(out, "k"))
}
