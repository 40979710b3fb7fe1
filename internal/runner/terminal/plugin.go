package terminal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/runner/session"
)

const (
	// DefaultQuietWindow is how long output must stay silent before the
	// session is considered settled.
	DefaultQuietWindow = 1 * time.Second
	// DefaultReadyTimeout bounds the starting phase.
	DefaultReadyTimeout = 10 * time.Second

	eventBufferSize = 256
)

// Options tune terminal session behavior. Zero values take the defaults.
type Options struct {
	QuietWindow  time.Duration
	ReadyTimeout time.Duration
	Cols         int
	Rows         int
}

func (o Options) withDefaults() Options {
	if o.QuietWindow <= 0 {
		o.QuietWindow = DefaultQuietWindow
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.Cols <= 0 {
		o.Cols = defaultCols
	}
	if o.Rows <= 0 {
		o.Rows = defaultRows
	}
	return o
}

// Plugin manages persistent interactive-terminal sessions.
type Plugin struct {
	log     *logger.Logger
	options Options

	mu       sync.Mutex
	sessions map[string]*Session
	events   chan session.Event
	closed   bool
}

func NewPlugin(opts Options, log *logger.Logger) *Plugin {
	return &Plugin{
		log:      log.WithFields(zap.String("backend", string(session.BackendTerminal))),
		options:  opts.withDefaults(),
		sessions: make(map[string]*Session),
		events:   make(chan session.Event, eventBufferSize),
	}
}

func (p *Plugin) Type() session.BackendType { return session.BackendTerminal }

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
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("terminal backend is shut down")
	}
	if _, ok := p.sessions[cfg.SessionID]; ok {
		p.mu.Unlock()
		return nil, session.ErrSessionExists
	}
	p.mu.Unlock()

	s, err := newSession(cfg, NewInterpreter(cfg.CLIType), p.events, p.options, p.log)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[cfg.SessionID] = s
	p.mu.Unlock()
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
