package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/runner/session"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

type stubSession struct {
	id          string
	closed      bool
	interrupted bool
}

func (s *stubSession) ID() string             { return s.id }
func (s *stubSession) Status() session.Status { return session.StatusIdle }
func (s *stubSession) Info() session.Info {
	return session.Info{SessionID: s.id, Status: session.StatusIdle}
}
func (s *stubSession) SendMessage(context.Context, string) error { return nil }
func (s *stubSession) SendApproval(context.Context, int, string, string) error {
	return nil
}
func (s *stubSession) Close(context.Context) error { s.closed = true; return nil }
func (s *stubSession) Interrupt(context.Context) error {
	s.interrupted = true
	return nil
}

type stubPlugin struct {
	backend  session.BackendType
	initErr  error
	sessions map[string]*stubSession
	events   chan session.Event
	shutdown bool
}

func newStubPlugin(backend session.BackendType) *stubPlugin {
	return &stubPlugin{
		backend:  backend,
		sessions: make(map[string]*stubSession),
		events:   make(chan session.Event, 16),
	}
}

func (p *stubPlugin) Type() session.BackendType { return p.backend }
func (p *stubPlugin) Initialize(context.Context) error {
	return p.initErr
}
func (p *stubPlugin) Shutdown(context.Context) error {
	p.shutdown = true
	close(p.events)
	return nil
}
func (p *stubPlugin) Events() <-chan session.Event { return p.events }
func (p *stubPlugin) CreateSession(_ context.Context, cfg session.Config) (session.Session, error) {
	s := &stubSession{id: cfg.SessionID}
	p.sessions[cfg.SessionID] = s
	return s, nil
}
func (p *stubPlugin) GetSession(id string) (session.Session, bool) {
	s, ok := p.sessions[id]
	return s, ok
}
func (p *stubPlugin) DestroySession(ctx context.Context, id string) error {
	s, ok := p.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	delete(p.sessions, id)
	return s.Close(ctx)
}
func (p *stubPlugin) Sessions() []session.Session {
	out := make([]session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

func TestRoutingByCLIType(t *testing.T) {
	term := newStubPlugin(session.BackendTerminal)
	stream := newStubPlugin(session.BackendStreamJSON)
	m := NewManager(session.BackendStreamJSON, testLogger(t))
	m.Register(term)
	m.Register(stream)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	// claude maps to the streaming backend, codex to the terminal one
	if _, err := m.CreateSession(context.Background(), session.Config{SessionID: "c1", CLIType: session.CLITypeClaude}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateSession(context.Background(), session.Config{SessionID: "x1", CLIType: session.CLITypeCodex}, ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := stream.sessions["c1"]; !ok {
		t.Error("claude session should land on the stream backend")
	}
	if _, ok := term.sessions["x1"]; !ok {
		t.Error("codex session should land on the terminal backend")
	}

	// explicit override beats the mapping
	if _, err := m.CreateSession(context.Background(), session.Config{SessionID: "c2", CLIType: session.CLITypeClaude}, session.BackendTerminal); err != nil {
		t.Fatal(err)
	}
	if _, ok := term.sessions["c2"]; !ok {
		t.Error("override should route to the terminal backend")
	}
}

func TestDuplicateSessionIDRejected(t *testing.T) {
	m := NewManager(session.BackendTerminal, testLogger(t))
	m.Register(newStubPlugin(session.BackendTerminal))
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateSession(context.Background(), session.Config{SessionID: "dup", CLIType: session.CLITypeTerminal}, ""); err != nil {
		t.Fatal(err)
	}
	_, err := m.CreateSession(context.Background(), session.Config{SessionID: "dup", CLIType: session.CLITypeTerminal}, "")
	if !errors.Is(err, session.ErrSessionExists) {
		t.Errorf("err = %v, want ErrSessionExists", err)
	}
}

func TestDefaultBackendFallback(t *testing.T) {
	broken := newStubPlugin(session.BackendStreamJSON)
	broken.initErr = errors.New("cli not found")
	working := newStubPlugin(session.BackendTerminal)

	m := NewManager(session.BackendStreamJSON, testLogger(t))
	m.Register(broken)
	m.Register(working)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	// claude maps to stream_json, which failed to initialize; the manager
	// falls back to the surviving default
	if _, err := m.CreateSession(context.Background(), session.Config{SessionID: "f1", CLIType: session.CLITypeClaude}, ""); err != nil {
		t.Fatal(err)
	}
	if _, ok := working.sessions["f1"]; !ok {
		t.Error("session should fall back to the initialized backend")
	}
}

func TestInitializeFailsWhenNoBackendSurvives(t *testing.T) {
	broken := newStubPlugin(session.BackendTerminal)
	broken.initErr = errors.New("no pty")
	m := NewManager(session.BackendTerminal, testLogger(t))
	m.Register(broken)
	if err := m.Initialize(context.Background()); err == nil {
		t.Fatal("expected error when every backend fails")
	}
}

func TestEventsFanIn(t *testing.T) {
	p := newStubPlugin(session.BackendTerminal)
	m := NewManager(session.BackendTerminal, testLogger(t))
	m.Register(p)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	p.events <- session.NewEvent(session.EventStatus, "s1")
	select {
	case ev := <-m.Events():
		if ev.SessionID != "s1" {
			t.Errorf("session id = %q", ev.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("event did not arrive")
	}
}

func TestDestroySessionForgetsRouting(t *testing.T) {
	p := newStubPlugin(session.BackendTerminal)
	m := NewManager(session.BackendTerminal, testLogger(t))
	m.Register(p)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	s, err := m.CreateSession(context.Background(), session.Config{SessionID: "d1", CLIType: session.CLITypeTerminal}, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.DestroySession(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}
	if !s.(*stubSession).closed {
		t.Error("destroy should close the session")
	}
	if _, ok := m.GetSession("d1"); ok {
		t.Error("routing should be forgotten")
	}
	if err := m.DestroySession(context.Background(), "d1"); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("second destroy err = %v", err)
	}
}

func TestCapabilityDispatch(t *testing.T) {
	p := newStubPlugin(session.BackendTerminal)
	m := NewManager(session.BackendTerminal, testLogger(t))
	m.Register(p)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	s, err := m.CreateSession(context.Background(), session.Config{SessionID: "i1", CLIType: session.CLITypeTerminal}, "")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Interrupt(context.Background(), "i1"); err != nil {
		t.Fatal(err)
	}
	if !s.(*stubSession).interrupted {
		t.Error("interrupt should reach the session")
	}

	// stubSession implements no model setter
	if err := m.SetModel(context.Background(), "i1", "opus"); !errors.Is(err, session.ErrNotSupported) {
		t.Errorf("err = %v, want ErrNotSupported", err)
	}
}

func TestShutdownClosesEventStream(t *testing.T) {
	p := newStubPlugin(session.BackendTerminal)
	m := NewManager(session.BackendTerminal, testLogger(t))
	m.Register(p)
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !p.shutdown {
		t.Error("plugin should be shut down")
	}
	select {
	case _, ok := <-m.Events():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("events channel not closed")
	}
}
