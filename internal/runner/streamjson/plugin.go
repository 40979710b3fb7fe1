package streamjson

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/runner/session"
)

const eventBufferSize = 256

// Plugin manages stream-json sessions.
type Plugin struct {
	log *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	events   chan session.Event
	closed   bool
}

func NewPlugin(log *logger.Logger) *Plugin {
	return &Plugin{
		log:      log.WithFields(zap.String("backend", string(session.BackendStreamJSON))),
		sessions: make(map[string]*Session),
		events:   make(chan session.Event, eventBufferSize),
	}
}

func (p *Plugin) Type() session.BackendType { return session.BackendStreamJSON }

func (p *Plugin) Initialize(ctx context.Context) error { return nil }

func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			p.log.Warn("failed to close session", zap.String("session_id", s.ID()), zap.Error(err))
		}
	}
	close(p.events)
	return nil
}

func (p *Plugin) CreateSession(ctx context.Context, cfg session.Config) (session.Session, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.CLIPath == "" {
		return nil, fmt.Errorf("cli path is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("stream-json backend is shut down")
	}
	if _, ok := p.sessions[cfg.SessionID]; ok {
		return nil, session.ErrSessionExists
	}
	s := newSession(cfg, p.events, p.log)
	p.sessions[cfg.SessionID] = s
	return s, nil
}

func (p *Plugin) GetSession(id string) (session.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, false
	}
	return s, true
}

func (p *Plugin) DestroySession(ctx context.Context, id string) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	delete(p.sessions, id)
	p.mu.Unlock()
	if !ok {
		return session.ErrSessionNotFound
	}
	return s.Close(ctx)
}

func (p *Plugin) Sessions() []session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

func (p *Plugin) Events() <-chan session.Event { return p.events }
