// Package control connects a runner to the chat control plane over a
// WebSocket and bridges between control-plane messages and the local
// plugin manager and permission registry.
package control

import (
	"encoding/json"

	"github.com/coderelay/coderelay/internal/runner/session"
)

// Message types sent from the runner to the control plane.
const (
	TypeApprovalRequest       = "approval_request"
	TypePermissionDecisionAck = "permission_decision_ack"
	TypeStatus                = "status"
	TypeSessionReady          = "session_ready"
	TypeOutput                = "output"
	TypeSessionCreated        = "session_created"
	TypeSessionClosed         = "session_closed"
	TypeResult                = "result"
	TypeRunnerHello           = "runner_hello"
	TypeError                 = "error"
)

// Message types received from the control plane.
const (
	TypeSessionCreate         = "session_create"
	TypeUserMessage           = "user_message"
	TypeApprovalResponse      = "approval_response"
	TypePermissionDecision    = "permission_decision"
	TypePermissionSyncRequest = "permission_sync_request"
	TypeSessionControl        = "session_control"
	TypeInterrupt             = "interrupt"
	TypeSessionClose          = "session_close"
)

// Session control actions.
const (
	ActionSetModel             = "set_model"
	ActionSetPermissionMode    = "set_permission_mode"
	ActionSetMaxThinkingTokens = "set_max_thinking_tokens"
)

// Envelope is the wire frame for every control-plane message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, Data: data}, nil
}

// RunnerHelloPayload announces this runner after (re)connecting.
type RunnerHelloPayload struct {
	RunnerID string         `json:"runnerId"`
	Sessions []session.Info `json:"sessions,omitempty"`
}

// ApprovalRequestPayload announces a pending decision.
type ApprovalRequestPayload struct {
	session.ApprovalEvent
}

// DecisionAckPayload confirms or rejects a permission decision.
type DecisionAckPayload struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// StatusPayload reports a session state transition.
type StatusPayload struct {
	RunnerID    string `json:"runnerId"`
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	CurrentTool string `json:"currentTool,omitempty"`
}

// SessionReadyPayload reports that a session became interactive.
type SessionReadyPayload struct {
	RunnerID  string `json:"runnerId"`
	SessionID string `json:"sessionId"`
}

// OutputPayload carries streamed session content.
type OutputPayload struct {
	RunnerID   string `json:"runnerId"`
	SessionID  string `json:"sessionId"`
	OutputType string `json:"outputType"` // stdout, stderr, info, error, tool_use, tool_result
	Content    string `json:"content"`
}

// ResultPayload reports the completion of a turn.
type ResultPayload struct {
	RunnerID   string `json:"runnerId"`
	SessionID  string `json:"sessionId"`
	Text       string `json:"text,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
	NumTurns   int    `json:"numTurns,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// SessionCreatedPayload confirms a session_create request.
type SessionCreatedPayload struct {
	RunnerID  string `json:"runnerId"`
	SessionID string `json:"sessionId"`
	CLIType   string `json:"cliType"`
	Backend   string `json:"backend"`
}

// SessionClosedPayload reports a session teardown.
type SessionClosedPayload struct {
	RunnerID  string `json:"runnerId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorPayload reports a request-scoped failure.
type ErrorPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

// SessionCreatePayload asks the runner to start a new session.
type SessionCreatePayload struct {
	SessionID      string            `json:"sessionId"`
	CLIType        string            `json:"cliType"`
	CLIPath        string            `json:"cliPath,omitempty"` // runner default when empty
	Backend        string            `json:"backend,omitempty"` // override, usually empty
	Cwd            string            `json:"cwd,omitempty"`
	Model          string            `json:"model,omitempty"`
	PermissionMode string            `json:"permissionMode,omitempty"`
	Resume         bool              `json:"resume,omitempty"`
	ResumeID       string            `json:"resumeId,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ExtraArgs      []string          `json:"extraArgs,omitempty"`
}

// UserMessagePayload forwards a prompt to a session.
type UserMessagePayload struct {
	SessionID   string   `json:"sessionId"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
}

// ApprovalResponsePayload is the legacy option-number decision.
type ApprovalResponsePayload struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId,omitempty"`
	Option    int    `json:"option"`
	Message   string `json:"message,omitempty"`
}

// PermissionDecisionPayload is the structured decision.
type PermissionDecisionPayload struct {
	RequestID          string                         `json:"requestId"`
	SessionID          string                         `json:"sessionId,omitempty"`
	Behavior           string                         `json:"behavior"` // allow, deny
	Scope              string                         `json:"scope,omitempty"`
	UpdatedPermissions []session.PermissionSuggestion `json:"updatedPermissions,omitempty"`
	CustomMessage      string                         `json:"customMessage,omitempty"`
}

// PermissionSyncRequestPayload triggers a resend pass over pending approvals.
type PermissionSyncRequestPayload struct {
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SessionControlPayload adjusts a live session.
type SessionControlPayload struct {
	SessionID string `json:"sessionId"`
	Action    string `json:"action"` // set_model, set_permission_mode, set_max_thinking_tokens
	Value     string `json:"value"`
}

// InterruptPayload requests a best-effort cancel of the current turn.
type InterruptPayload struct {
	SessionID string `json:"sessionId"`
}

// SessionClosePayload asks the runner to tear down a session.
type SessionClosePayload struct {
	SessionID string `json:"sessionId"`
}

// decodeData unmarshals an envelope payload into out.
func decodeData(env *Envelope, out interface{}) error {
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
