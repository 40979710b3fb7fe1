package session

import "time"

// EventKind identifies the payload carried by an Event.
type EventKind string

const (
	EventOutput        EventKind = "output"
	EventApproval      EventKind = "approval"
	EventStatus        EventKind = "status"
	EventError         EventKind = "error"
	EventMetadata      EventKind = "metadata"
	EventToolExecution EventKind = "tool_execution"
	EventToolResult    EventKind = "tool_result"
	EventResult        EventKind = "result"
)

// OutputType classifies forwarded session output.
type OutputType string

const (
	OutputStdout     OutputType = "stdout"
	OutputStderr     OutputType = "stderr"
	OutputInfo       OutputType = "info"
	OutputError      OutputType = "error"
	OutputToolUse    OutputType = "tool_use"
	OutputToolResult OutputType = "tool_result"
)

// Event is a normalized update from a backend plugin. Exactly one payload
// field matching Kind is set.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	Output   *OutputEvent   `json:"output,omitempty"`
	Approval *ApprovalEvent `json:"approval,omitempty"`
	Status   *StatusEvent   `json:"status,omitempty"`
	Error    *ErrorEvent    `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tool     *ToolEvent     `json:"tool,omitempty"`
	Result   *ResultEvent   `json:"result,omitempty"`
}

// OutputEvent carries streamed content from the agent process.
type OutputEvent struct {
	Type    OutputType `json:"type"`
	Content string     `json:"content"`
}

// StatusEvent reports a session state transition.
type StatusEvent struct {
	Status      Status `json:"status"`
	CurrentTool string `json:"current_tool,omitempty"`
	Ready       bool   `json:"ready,omitempty"` // set on the first idle after start
}

// ErrorEvent reports a session-scoped failure.
type ErrorEvent struct {
	Message string `json:"message"`
}

// ToolEvent reports a tool invocation or its result.
type ToolEvent struct {
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	Result    any            `json:"result,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// ResultEvent reports the completion of a turn.
type ResultEvent struct {
	Text       string `json:"text,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	NumTurns   int    `json:"num_turns,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ApprovalOption is one selectable answer of an approval prompt.
type ApprovalOption struct {
	Number int    `json:"number"`
	Label  string `json:"label"`
	Kind   string `json:"kind,omitempty"` // allow_once, allow_always, reject_once
}

// PermissionSuggestion is one instruction the agent proposes alongside an
// approval: add allow-rules, allow directories, or switch the mode.
type PermissionSuggestion struct {
	Type        string   `json:"type"` // addRules, addDirectories, setMode
	ToolName    string   `json:"tool_name,omitempty"`
	RuleContent string   `json:"rule_content,omitempty"`
	Rules       []string `json:"rules,omitempty"`
	Directories []string `json:"directories,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Behavior    string   `json:"behavior,omitempty"`
}

// ApprovalEvent describes a tool awaiting human sign-off.
type ApprovalEvent struct {
	RequestID      string                 `json:"request_id"` // unique, time-ordered
	SessionID      string                 `json:"session_id"`
	RunnerID       string                 `json:"runner_id,omitempty"`
	ToolName       string                 `json:"tool_name"`
	ToolInput      map[string]any         `json:"tool_input,omitempty"`
	Options        []ApprovalOption       `json:"options"`
	IsMultiSelect  bool                   `json:"is_multi_select,omitempty"`
	HasOther       bool                   `json:"has_other,omitempty"`
	Suggestions    []PermissionSuggestion `json:"suggestions,omitempty"`
	CurrentScope   string                 `json:"current_scope,omitempty"`
	BlockedPath    string                 `json:"blocked_path,omitempty"`
	DecisionReason string                 `json:"decision_reason,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}

// NewEvent constructs an event with the timestamp set.
func NewEvent(kind EventKind, sessionID string) Event {
	return Event{Kind: kind, SessionID: sessionID, Timestamp: time.Now().UTC()}
}
