// Package agent defines the contract between the server and the external
// coding agent: a Querier opens one query per prompt and returns a Stream
// of normalized Events.
package agent

import (
	"context"
	"encoding/json"

	"clarvis/internal/session"
)

// EventType identifies the kind of agent event.
type EventType int

const (
	EventSystem EventType = iota
	EventAssistant
	EventUser
	EventToolCall
	EventToolResult
	EventResult
	EventError
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventSystem:
		return "system"
	case EventAssistant:
		return "assistant"
	case EventUser:
		return "user"
	case EventToolCall:
		return "tool_call"
	case EventToolResult:
		return "tool_result"
	case EventResult:
		return "result"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// SubtypeInit marks the system event sent once at the start of a query.
const SubtypeInit = "init"

// Event is one item of a query's output. Which fields are set depends on
// Type:
//
//	system:      Subtype, SessionID, Model, Tools, SlashCommands
//	assistant:   Content
//	user:        Content
//	tool_call:   ToolName, ToolUseID, Input
//	tool_result: ToolName, ToolUseID, Result, IsError
//	result:      Subtype, SessionID, Result, IsError, DurationMs, CostUSD, NumTurns
//	error:       Error
type Event struct {
	Type          EventType
	Subtype       string
	SessionID     string
	Model         string
	Tools         []string
	SlashCommands []string

	Content session.Content

	ToolName  string
	ToolUseID string
	Input     json.RawMessage
	Result    json.RawMessage
	IsError   bool

	DurationMs int64
	CostUSD    float64
	NumTurns   int

	Error string
}

// Behavior is the outcome of a permission decision.
type Behavior string

const (
	Allow Behavior = "allow"
	Deny  Behavior = "deny"
)

// Decision answers a tool-use permission request.
type Decision struct {
	Behavior     Behavior
	UpdatedInput json.RawMessage // allow only; nil keeps the original input
	Message      string          // deny only
}

// Allowed reports whether the decision permits the tool call.
func (d Decision) Allowed() bool { return d.Behavior == Allow }

// ToolRequest asks whether a tool call may proceed.
type ToolRequest struct {
	ToolName  string
	ToolUseID string
	Input     json.RawMessage
}

// PermissionFunc decides a tool request. It may block until a user answers;
// it must return once ctx is done.
type PermissionFunc func(ctx context.Context, req ToolRequest) Decision

// Options configures a single query.
type Options struct {
	Prompt           string
	Model            string
	WorkingDirectory string
	PermissionMode   string
	SystemPrompt     string
	// Resume continues a previous agent conversation by its session id.
	Resume string
	// CanUseTool is consulted for tool calls the agent does not auto-approve.
	// nil denies every such call.
	CanUseTool PermissionFunc
}

// Model describes a model the agent can run.
type Model struct {
	Value       string `json:"value"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// Command describes a slash command the agent accepts.
type Command struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ArgumentHint string `json:"argumentHint,omitempty"`
}

// Querier starts agent queries.
type Querier interface {
	// Query starts a query and returns its event stream. The query stops
	// when ctx is cancelled.
	Query(ctx context.Context, opts Options) (*Stream, error)
}

// DefaultModels is the model list offered before any query has reported
// what the agent supports.
var DefaultModels = []Model{
	{Value: "sonnet", DisplayName: "Sonnet", Description: "Balanced speed and capability"},
	{Value: "opus", DisplayName: "Opus", Description: "Most capable for complex work"},
	{Value: "haiku", DisplayName: "Haiku", Description: "Fastest for simple tasks"},
}
