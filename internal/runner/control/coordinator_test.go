package control

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/runner/permission"
	"github.com/coderelay/coderelay/internal/runner/plugin"
	"github.com/coderelay/coderelay/internal/runner/session"
)

type sentMessage struct {
	Type    string
	Payload interface{}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeSender) SendPayload(msgType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{Type: msgType, Payload: payload})
	return nil
}

func (f *fakeSender) byType(msgType string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// fakeSession answers by option number only.
type fakeSession struct {
	id        string
	approvals []int
	messages  []string
}

func (s *fakeSession) ID() string             { return s.id }
func (s *fakeSession) Status() session.Status { return session.StatusWaiting }
func (s *fakeSession) Info() session.Info     { return session.Info{SessionID: s.id} }
func (s *fakeSession) SendMessage(_ context.Context, text string) error {
	s.messages = append(s.messages, text)
	return nil
}
func (s *fakeSession) SendApproval(_ context.Context, option int, _, _ string) error {
	s.approvals = append(s.approvals, option)
	return nil
}
func (s *fakeSession) Close(context.Context) error { return nil }

// decisionSession additionally records structured decisions.
type decisionSession struct {
	fakeSession
	decisions []session.Decision
}

func (s *decisionSession) ApplyDecision(_ context.Context, d session.Decision) error {
	s.decisions = append(s.decisions, d)
	return nil
}

type fakePlugin struct {
	backend  session.BackendType
	sessions map[string]session.Session
	events   chan session.Event
}

func newFakePlugin(backend session.BackendType, sessions ...session.Session) *fakePlugin {
	p := &fakePlugin{
		backend:  backend,
		sessions: make(map[string]session.Session),
		events:   make(chan session.Event, 16),
	}
	for _, s := range sessions {
		p.sessions[s.ID()] = s
	}
	return p
}

func (p *fakePlugin) Type() session.BackendType         { return p.backend }
func (p *fakePlugin) Initialize(context.Context) error  { return nil }
func (p *fakePlugin) Shutdown(context.Context) error    { close(p.events); return nil }
func (p *fakePlugin) Events() <-chan session.Event      { return p.events }
func (p *fakePlugin) GetSession(id string) (session.Session, bool) {
	s, ok := p.sessions[id]
	return s, ok
}
func (p *fakePlugin) CreateSession(_ context.Context, cfg session.Config) (session.Session, error) {
	if s, ok := p.sessions[cfg.SessionID]; ok {
		return s, nil
	}
	s := &fakeSession{id: cfg.SessionID}
	p.sessions[cfg.SessionID] = s
	return s, nil
}
func (p *fakePlugin) DestroySession(_ context.Context, id string) error {
	delete(p.sessions, id)
	return nil
}
func (p *fakePlugin) Sessions() []session.Session {
	out := make([]session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

type coordFixture struct {
	coord    *Coordinator
	sender   *fakeSender
	registry *permission.Registry
	store    *permission.Store
	manager  *plugin.Manager
}

func newCoordFixture(t *testing.T, sessions ...session.Session) *coordFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)

	p := newFakePlugin(session.BackendTerminal, sessions...)
	mgr := plugin.NewManager(session.BackendTerminal, log)
	mgr.Register(p)
	require.NoError(t, mgr.Initialize(context.Background()))
	for _, s := range sessions {
		// route the pre-seeded sessions through the manager
		_, err := mgr.CreateSession(context.Background(), session.Config{SessionID: s.ID(), CLIType: session.CLITypeTerminal}, "")
		require.NoError(t, err)
	}

	store := permission.NewStore(permission.DefaultSettingsPaths(t.TempDir()), log)
	reg := permission.NewRegistry(30*time.Minute, time.Nanosecond, log)
	sender := &fakeSender{}
	coord := NewCoordinator("runner-1", mgr, store, reg, sender, log)
	return &coordFixture{coord: coord, sender: sender, registry: reg, store: store, manager: mgr}
}

func approvalEvent(sessionID, requestID, tool string) session.Event {
	ev := session.NewEvent(session.EventApproval, sessionID)
	ev.Approval = &session.ApprovalEvent{
		RequestID: requestID,
		SessionID: sessionID,
		ToolName:  tool,
		ToolInput: map[string]any{"command": "rm -rf /"},
		Options: []session.ApprovalOption{
			{Number: 1, Label: "Allow", Kind: "allow_once"},
			{Number: 2, Label: "Allow Always", Kind: "allow_always"},
			{Number: 3, Label: "Deny", Kind: "reject_once"},
		},
		Timestamp: time.Now().UTC(),
	}
	return ev
}

func envelope(t *testing.T, msgType string, payload interface{}) *Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &Envelope{Type: msgType, Data: data}
}

func TestApprovalTrackedAndAnnounced(t *testing.T) {
	f := newCoordFixture(t)
	_, err := f.manager.CreateSession(context.Background(), session.Config{SessionID: "sess-1", CLIType: session.CLITypeTerminal}, "")
	require.NoError(t, err)

	f.coord.handleEvent(context.Background(), approvalEvent("sess-1", "sess-1-1739584000000-a1b2c3d4", "Bash"))

	assert.Equal(t, 1, f.registry.Len())
	reqs := f.sender.byType(TypeApprovalRequest)
	require.Len(t, reqs, 1)
	payload := reqs[0].Payload.(ApprovalRequestPayload)
	assert.Equal(t, "runner-1", payload.RunnerID)
	assert.Equal(t, "Bash", payload.ToolName)
}

func TestAutoApprovalByStoredRule(t *testing.T) {
	ds := &decisionSession{fakeSession: fakeSession{id: "sess-2"}}
	f := newCoordFixture(t, ds)

	f.store.ApplySuggestions([]session.PermissionSuggestion{
		{Type: "addRules", ToolName: "Read", RuleContent: "*"},
	}, permission.ScopeSession)

	ev := approvalEvent("sess-2", "sess-2-1739584000000-a1b2c3d4", "Read")
	ev.Approval.ToolInput = map[string]any{"file_path": "/tmp/x"}
	f.coord.handleEvent(context.Background(), ev)

	require.Len(t, ds.decisions, 1)
	assert.Equal(t, "allow", ds.decisions[0].Behavior)
	assert.Equal(t, 0, f.registry.Len())
	assert.Empty(t, f.sender.byType(TypeApprovalRequest))
}

func TestAutoSafeModeNeverApprovesUserQuestions(t *testing.T) {
	ds := &decisionSession{fakeSession: fakeSession{id: "sess-3"}}
	f := newCoordFixture(t, ds)
	f.store.SetMode(permission.ModeAutoSafe)

	f.coord.handleEvent(context.Background(), approvalEvent("sess-3", "sess-3-1739584000000-a1b2c3d4", permission.ToolAskUserQuestion))

	assert.Empty(t, ds.decisions)
	assert.Equal(t, 1, f.registry.Len())
	assert.Len(t, f.sender.byType(TypeApprovalRequest), 1)
}

func TestStructuredDecisionAppliedOnceWithAck(t *testing.T) {
	ds := &decisionSession{fakeSession: fakeSession{id: "sess-4"}}
	f := newCoordFixture(t, ds)
	reqID := "sess-4-1739584000000-a1b2c3d4"
	f.coord.handleEvent(context.Background(), approvalEvent("sess-4", reqID, "Bash"))

	f.coord.HandleMessage(context.Background(), envelope(t, TypePermissionDecision, PermissionDecisionPayload{
		RequestID: reqID,
		Behavior:  "allow",
	}))

	require.Len(t, ds.decisions, 1)
	assert.Equal(t, reqID, ds.decisions[0].RequestID)
	assert.Equal(t, 0, f.registry.Len())

	acks := f.sender.byType(TypePermissionDecisionAck)
	require.Len(t, acks, 1)
	ack := acks[0].Payload.(DecisionAckPayload)
	assert.True(t, ack.Success)
	assert.Equal(t, reqID, ack.RequestID)

	statuses := f.sender.byType(TypeStatus)
	require.NotEmpty(t, statuses)
	last := statuses[len(statuses)-1].Payload.(StatusPayload)
	assert.Equal(t, string(session.StatusWorking), last.Status)
}

func TestDecisionForUnknownRequestAcksFailure(t *testing.T) {
	f := newCoordFixture(t)

	f.coord.HandleMessage(context.Background(), envelope(t, TypePermissionDecision, PermissionDecisionPayload{
		RequestID: "nope-1739584000000-a1b2c3d4",
		Behavior:  "allow",
	}))

	acks := f.sender.byType(TypePermissionDecisionAck)
	require.Len(t, acks, 1)
	ack := acks[0].Payload.(DecisionAckPayload)
	assert.False(t, ack.Success)
	assert.NotEmpty(t, ack.Error)
}

func TestLegacyApprovalResponseUsesOptionNumber(t *testing.T) {
	f := newCoordFixture(t)
	s, err := f.manager.CreateSession(context.Background(), session.Config{SessionID: "sess-5", CLIType: session.CLITypeTerminal}, "")
	require.NoError(t, err)
	fs := s.(*fakeSession)
	reqID := "sess-5-1739584000000-a1b2c3d4"
	f.coord.handleEvent(context.Background(), approvalEvent("sess-5", reqID, "Bash"))

	f.coord.HandleMessage(context.Background(), envelope(t, TypeApprovalResponse, ApprovalResponsePayload{
		RequestID: reqID,
		Option:    3,
	}))

	require.Equal(t, []int{3}, fs.approvals)
	assert.Equal(t, 0, f.registry.Len())
	acks := f.sender.byType(TypePermissionDecisionAck)
	require.Len(t, acks, 1)
	assert.True(t, acks[0].Payload.(DecisionAckPayload).Success)
}

func TestSessionResolvedFromRequestIDStructure(t *testing.T) {
	f := newCoordFixture(t)
	s, err := f.manager.CreateSession(context.Background(), session.Config{SessionID: "sess-6", CLIType: session.CLITypeTerminal}, "")
	require.NoError(t, err)
	fs := s.(*fakeSession)

	// no registry entry and no explicit session id, only the embedded one
	f.coord.HandleMessage(context.Background(), envelope(t, TypeApprovalResponse, ApprovalResponsePayload{
		RequestID: "sess-6-1739584000000-a1b2c3d4",
		Option:    1,
	}))

	require.Equal(t, []int{1}, fs.approvals)
	acks := f.sender.byType(TypePermissionDecisionAck)
	require.Len(t, acks, 1)
	assert.True(t, acks[0].Payload.(DecisionAckPayload).Success)
}

func TestSyncRequestResendsPending(t *testing.T) {
	f := newCoordFixture(t)
	_, err := f.manager.CreateSession(context.Background(), session.Config{SessionID: "sess-7", CLIType: session.CLITypeTerminal}, "")
	require.NoError(t, err)
	f.coord.handleEvent(context.Background(), approvalEvent("sess-7", "sess-7-1739584000000-a1b2c3d4", "Bash"))
	require.Len(t, f.sender.byType(TypeApprovalRequest), 1)

	time.Sleep(time.Millisecond) // get past the resend cooldown

	f.coord.HandleMessage(context.Background(), envelope(t, TypePermissionSyncRequest, PermissionSyncRequestPayload{
		SessionID: "sess-7",
		Reason:    "reconnect",
	}))

	assert.Len(t, f.sender.byType(TypeApprovalRequest), 2)
}

func TestReadyStatusEmitsSessionReady(t *testing.T) {
	f := newCoordFixture(t)
	ev := session.NewEvent(session.EventStatus, "sess-8")
	ev.Status = &session.StatusEvent{Status: session.StatusIdle, Ready: true}

	f.coord.handleEvent(context.Background(), ev)

	require.Len(t, f.sender.byType(TypeStatus), 1)
	require.Len(t, f.sender.byType(TypeSessionReady), 1)
	ready := f.sender.byType(TypeSessionReady)[0].Payload.(SessionReadyPayload)
	assert.Equal(t, "sess-8", ready.SessionID)
}

func TestUserMessageForwarded(t *testing.T) {
	f := newCoordFixture(t)
	s, err := f.manager.CreateSession(context.Background(), session.Config{SessionID: "sess-9", CLIType: session.CLITypeTerminal}, "")
	require.NoError(t, err)
	fs := s.(*fakeSession)

	f.coord.HandleMessage(context.Background(), envelope(t, TypeUserMessage, UserMessagePayload{
		SessionID: "sess-9",
		Content:   "hello",
	}))

	assert.Equal(t, []string{"hello"}, fs.messages)
}

func TestCLIPathFallbacks(t *testing.T) {
	f := newCoordFixture(t)

	assert.Equal(t, "sh", f.coord.cliPathFor(session.CLITypeGeneric))
	assert.Equal(t, "claude", f.coord.cliPathFor(session.CLITypeClaude))

	f.coord.SetCLIPath(session.CLITypeGeneric, "/usr/bin/bash")
	assert.Equal(t, "/usr/bin/bash", f.coord.cliPathFor(session.CLITypeGeneric))
}

func TestSessionControlUnknownActionReportsError(t *testing.T) {
	f := newCoordFixture(t)
	_, err := f.manager.CreateSession(context.Background(), session.Config{SessionID: "sess-10", CLIType: session.CLITypeTerminal}, "")
	require.NoError(t, err)

	f.coord.HandleMessage(context.Background(), envelope(t, TypeSessionControl, SessionControlPayload{
		SessionID: "sess-10",
		Action:    "reboot",
	}))

	require.Len(t, f.sender.byType(TypeError), 1)
}
