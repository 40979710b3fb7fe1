// Package session defines the backend plugin contract and supporting types.
// Each CLI integration style (persistent terminal, one-shot print mode,
// streaming JSON) implements this contract in its own package, consolidating
// process handling, output interpretation, and approval plumbing in one place.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned when a session does not support an operation.
var ErrNotSupported = errors.New("not supported by this session")

// ErrSessionNotFound is returned for lookups of unknown session IDs.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned when creating a session with an ID already in use.
var ErrSessionExists = errors.New("session already exists")

// ErrUnknownBackend is returned for CLI types no enabled plugin handles.
var ErrUnknownBackend = errors.New("unknown backend type")

// CLIType identifies the CLI backend integration style for a session.
type CLIType string

const (
	CLITypeClaude   CLIType = "claude"
	CLITypeGemini   CLIType = "gemini"
	CLITypeCodex    CLIType = "codex"
	CLITypeTerminal CLIType = "terminal"
	CLITypeGeneric  CLIType = "generic"
)

// BackendType identifies one CLI integration style.
type BackendType string

const (
	// BackendTerminal drives one long-lived CLI process in a pseudo-terminal.
	BackendTerminal BackendType = "terminal"
	// BackendPrintMode spawns a one-shot print-mode process per message.
	BackendPrintMode BackendType = "print_mode"
	// BackendStreamJSON spawns a streaming-JSON process per message.
	BackendStreamJSON BackendType = "stream_json"
)

// BackendFor returns the default backend style for a CLI type.
func BackendFor(t CLIType) (BackendType, bool) {
	switch t {
	case CLITypeClaude:
		return BackendStreamJSON, true
	case CLITypeGemini, CLITypeGeneric:
		return BackendPrintMode, true
	case CLITypeCodex, CLITypeTerminal:
		return BackendTerminal, true
	default:
		return "", false
	}
}

// Status is the externally visible state of a session.
type Status string

const (
	// StatusStarting covers the window between process launch and the
	// first detected readiness.
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
	StatusWorking  Status = "working"
	StatusWaiting  Status = "waiting"
	StatusOffline  Status = "offline"
	StatusError    Status = "error"
)

// Config describes a requested session. Immutable once the session is created;
// owned by the plugin that created it.
type Config struct {
	CLIPath   string  `json:"cli_path"`
	Cwd       string  `json:"cwd"`
	SessionID string  `json:"session_id"` // unique, externally assigned
	CLIType   CLIType `json:"cli_type"`
	Options   Options `json:"options"`
}

// Options are the optional knobs of a session request.
type Options struct {
	Model             string            `json:"model,omitempty"`
	PermissionMode    string            `json:"permission_mode,omitempty"` // default, acceptEdits, autoSafe, plan
	Resume            bool              `json:"resume,omitempty"`
	ResumeSessionID   string            `json:"resume_session_id,omitempty"`
	MaxThinkingTokens int               `json:"max_thinking_tokens,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	ExtraArgs         []string          `json:"extra_args,omitempty"`
}

// Info is a point-in-time snapshot of a live session.
type Info struct {
	SessionID    string    `json:"session_id"`
	CLIType      CLIType   `json:"cli_type"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IsOwned      bool      `json:"is_owned"` // true if this runner spawned the process
	IsReady      bool      `json:"is_ready"`
}

// Session is the live handle to one running CLI process.
type Session interface {
	ID() string
	Status() Status
	Info() Info

	// SendMessage forwards a prompt to the agent. Delivery toward a given
	// session is ordered; the one-process-per-message backends serialize
	// prompts through a session-local queue.
	SendMessage(ctx context.Context, text string) error

	// SendApproval answers a pending approval prompt by option number.
	// requestID correlates the answer with a detected prompt where the
	// backend tracks one.
	SendApproval(ctx context.Context, option int, message, requestID string) error

	Close(ctx context.Context) error
}

// Decision is a structured permission decision for sessions that support it.
type Decision struct {
	RequestID          string                 `json:"request_id,omitempty"`
	Behavior           string                 `json:"behavior"` // allow, deny
	Scope              string                 `json:"scope,omitempty"`
	UpdatedPermissions []PermissionSuggestion `json:"updated_permissions,omitempty"`
	Message            string                 `json:"message,omitempty"`
}

// Optional capability interfaces. Callers type-assert for these instead of
// probing method sets at runtime.
type (
	// DecisionApplier accepts structured permission decisions.
	DecisionApplier interface {
		ApplyDecision(ctx context.Context, d Decision) error
	}

	// PermissionModeSetter can switch the agent's permission mode mid-session.
	PermissionModeSetter interface {
		SetPermissionMode(ctx context.Context, mode string) error
	}

	// ModelSetter can switch the agent's model mid-session.
	ModelSetter interface {
		SetModel(ctx context.Context, model string) error
	}

	// ThinkingBudgetSetter can adjust the agent's thinking-token budget.
	ThinkingBudgetSetter interface {
		SetMaxThinkingTokens(ctx context.Context, tokens int) error
	}

	// QuestionResponder can answer agent-posed questions outside the
	// approval flow.
	QuestionResponder interface {
		SendQuestionResponse(ctx context.Context, answer string) error
	}

	// Interrupter supports best-effort cancellation of the current turn.
	Interrupter interface {
		Interrupt(ctx context.Context) error
	}
)

// Plugin is the contract every backend implements.
type Plugin interface {
	// Type returns the backend style this plugin drives.
	Type() BackendType

	Initialize(ctx context.Context) error

	// Shutdown closes all owned sessions.
	Shutdown(ctx context.Context) error

	CreateSession(ctx context.Context, cfg Config) (Session, error)
	GetSession(id string) (Session, bool)
	DestroySession(ctx context.Context, id string) error
	Sessions() []Session

	// Events returns the plugin's event stream. Closed on Shutdown.
	Events() <-chan Event
}
