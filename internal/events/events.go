// Package events implements the per-task event topic described in
// spec §4.2: an ordered stream of typed events multiplexed to N live
// subscribers, with drop-oldest back-pressure per subscriber.
package events

import (
	"time"

	"github.com/anti-entropy/forgewright/internal/core"
)

// Type enumerates the kinds of event a topic may carry.
type Type string

const (
	TypeLog            Type = "log"
	TypeStatus         Type = "status"
	TypeTimeoutWarning Type = "timeout_warning"
	TypeAwaitingReview Type = "awaiting_review"
	TypeComplete       Type = "complete"
	TypeError          Type = "error"
	TypePRComment      Type = "pr_comment"
	TypeChatMessage    Type = "chat_message"
	TypeToolActivity   Type = "tool_activity"
	TypeDropped        Type = "dropped" // synthetic marker for a subscriber's dropped event
)

// Event is one item on a task's topic.
type Event struct {
	Type      Type      `json:"type"`
	TaskID    core.TaskID `json:"taskId"`
	Timestamp time.Time `json:"ts"`

	// TypeLog
	Level   string                 `json:"level,omitempty"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`

	// TypeStatus
	NewStatus core.TaskStatus `json:"newStatus,omitempty"`

	// TypeTimeoutWarning
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// TypeComplete
	PRUrl   string `json:"prUrl,omitempty"`
	Summary string `json:"summary,omitempty"`

	// TypeError
	Code string `json:"code,omitempty"`

	// TypePRComment
	Comment *core.PRComment `json:"comment,omitempty"`

	// TypeChatMessage
	ChatMessage *ChatMessageEvent `json:"chatMessage,omitempty"`

	// TypeToolActivity
	ToolActivity *ToolActivityEvent `json:"toolActivity,omitempty"`

	// TypeDropped
	DroppedCount int64 `json:"droppedCount,omitempty"`
}

// ChatRole enumerates speakers in the chat/tool history buffer.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
)

// ChatMessageEvent is one entry in a task's bounded chat history.
type ChatMessageEvent struct {
	ID      string    `json:"id"`
	Role    ChatRole  `json:"role"`
	Content string    `json:"content"`
	Ts      time.Time `json:"ts"`
}

// ToolActivityStatus enumerates the lifecycle of a tool invocation.
type ToolActivityStatus string

const (
	ToolActivityRunning   ToolActivityStatus = "running"
	ToolActivityCompleted ToolActivityStatus = "completed"
	ToolActivityError     ToolActivityStatus = "error"
)

// ToolActivityEvent is one entry in a task's bounded tool-activity history.
type ToolActivityEvent struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	Summary string             `json:"summary"`
	Status  ToolActivityStatus `json:"status"`
	Ts      time.Time          `json:"ts"`
}

// terminalTypes close all subscriptions for the topic once emitted.
func (e Event) isTerminal() bool {
	if e.Type == TypeComplete {
		return true
	}
	if e.Type == TypeError {
		return e.Code == "CANCELLED" || e.Code == "TIMEOUT" || e.Code == ""
	}
	return false
}

// NewLogEvent builds a log event.
func NewLogEvent(taskID core.TaskID, level, message string, data map[string]interface{}) Event {
	return Event{Type: TypeLog, TaskID: taskID, Timestamp: time.Now(), Level: level, Message: message, Data: data}
}

// NewStatusEvent builds a status-transition event.
func NewStatusEvent(taskID core.TaskID, newStatus core.TaskStatus) Event {
	return Event{Type: TypeStatus, TaskID: taskID, Timestamp: time.Now(), NewStatus: newStatus}
}

// NewTimeoutWarningEvent builds a timeout-warning event.
func NewTimeoutWarningEvent(taskID core.TaskID, msg string, expiresAt time.Time) Event {
	return Event{Type: TypeTimeoutWarning, TaskID: taskID, Timestamp: time.Now(), Message: msg, ExpiresAt: &expiresAt}
}

// NewAwaitingReviewEvent builds an awaiting-review event.
func NewAwaitingReviewEvent(taskID core.TaskID, msg string) Event {
	return Event{Type: TypeAwaitingReview, TaskID: taskID, Timestamp: time.Now(), Message: msg}
}

// NewCompleteEvent builds a terminal complete event.
func NewCompleteEvent(taskID core.TaskID, prURL, summary string) Event {
	return Event{Type: TypeComplete, TaskID: taskID, Timestamp: time.Now(), PRUrl: prURL, Summary: summary}
}

// NewErrorEvent builds a terminal-or-not error event; code "CANCELLED"
// or "TIMEOUT" (or empty) closes the topic, anything else does not.
func NewErrorEvent(taskID core.TaskID, msg, code string) Event {
	return Event{Type: TypeError, TaskID: taskID, Timestamp: time.Now(), Message: msg, Code: code}
}

// NewPRCommentEvent builds a pr_comment event.
func NewPRCommentEvent(taskID core.TaskID, comment core.PRComment) Event {
	return Event{Type: TypePRComment, TaskID: taskID, Timestamp: time.Now(), Comment: &comment}
}

// NewChatMessageEvent builds a chat_message event.
func NewChatMessageEvent(taskID core.TaskID, msg ChatMessageEvent) Event {
	return Event{Type: TypeChatMessage, TaskID: taskID, Timestamp: time.Now(), ChatMessage: &msg}
}

// NewToolActivityEvent builds a tool_activity event.
func NewToolActivityEvent(taskID core.TaskID, act ToolActivityEvent) Event {
	return Event{Type: TypeToolActivity, TaskID: taskID, Timestamp: time.Now(), ToolActivity: &act}
}
