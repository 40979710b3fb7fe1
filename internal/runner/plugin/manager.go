// Package plugin provides the Manager that routes session operations to the
// backend plugin owning a session and fans all plugin events into one stream.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/runner/session"
)

// Manager holds one instance per enabled backend type and a
// sessionID to backend-type map. All session operations route through this
// map so callers never need to know which backend owns a session.
type Manager struct {
	logger      *logger.Logger
	defaultType session.BackendType

	mu          sync.RWMutex
	plugins     map[session.BackendType]session.Plugin
	initialized []session.BackendType // in registration order
	routes      map[string]session.BackendType

	events  chan session.Event
	pumping sync.WaitGroup
	closed  bool
}

// NewManager creates a manager with the given default backend style.
func NewManager(defaultType session.BackendType, log *logger.Logger) *Manager {
	return &Manager{
		logger:      log.WithFields(zap.String("component", "plugin-manager")),
		defaultType: defaultType,
		plugins:     make(map[session.BackendType]session.Plugin),
		routes:      make(map[string]session.BackendType),
		events:      make(chan session.Event, 256),
	}
}

// Register adds a backend plugin. Must be called before Initialize.
func (m *Manager) Register(p session.Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins[p.Type()] = p
}

// Initialize initializes every registered plugin and starts the event pumps.
// If the configured default backend fails to initialize, the manager falls
// back to the first backend that did; if none initialize, Initialize fails.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for t, p := range m.plugins {
		if err := p.Initialize(ctx); err != nil {
			m.logger.Warn("backend failed to initialize",
				zap.String("backend", string(t)),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", t, err))
			continue
		}
		m.initialized = append(m.initialized, t)
		m.pumping.Add(1)
		go m.pump(p)
	}

	if len(m.initialized) == 0 {
		return fmt.Errorf("no backend initialized: %w", errors.Join(errs...))
	}

	if !m.isInitializedLocked(m.defaultType) {
		fallback := m.initialized[0]
		m.logger.Warn("default backend unavailable, falling back",
			zap.String("default", string(m.defaultType)),
			zap.String("fallback", string(fallback)))
		m.defaultType = fallback
	}

	m.logger.Info("plugin manager initialized",
		zap.Int("backends", len(m.initialized)),
		zap.String("default", string(m.defaultType)))
	return nil
}

func (m *Manager) isInitializedLocked(t session.BackendType) bool {
	for _, it := range m.initialized {
		if it == t {
			return true
		}
	}
	return false
}

// pump forwards one plugin's events onto the shared channel. Each plugin has
// exactly one pump goroutine, so per-session ordering is preserved.
func (m *Manager) pump(p session.Plugin) {
	defer m.pumping.Done()
	for ev := range p.Events() {
		m.events <- ev
	}
}

// Events returns the fan-in event stream for all backends.
// Closed after Shutdown completes.
func (m *Manager) Events() <-chan session.Event {
	return m.events
}

// Shutdown closes all backends, drains the pumps, and closes the event stream.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	initialized := append([]session.BackendType(nil), m.initialized...)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range initialized {
		p := m.plugins[t]
		g.Go(func() error { return p.Shutdown(gctx) })
	}
	err := g.Wait()

	m.pumping.Wait()
	close(m.events)
	return err
}

// resolveBackend picks the backend for a create request: explicit override
// first, then the CLI type's default style, then the manager default.
func (m *Manager) resolveBackend(cfg session.Config, override session.BackendType) (session.Plugin, session.BackendType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := override
	if t == "" {
		if mapped, ok := session.BackendFor(cfg.CLIType); ok {
			t = mapped
		} else {
			t = m.defaultType
		}
	}
	if !m.isInitializedLocked(t) {
		// The mapped backend may be disabled on this runner; fall back to the
		// default before giving up.
		if t != m.defaultType && m.isInitializedLocked(m.defaultType) {
			t = m.defaultType
		} else {
			return nil, "", fmt.Errorf("backend %q: %w", t, session.ErrUnknownBackend)
		}
	}
	return m.plugins[t], t, nil
}

// CreateSession resolves the backend, delegates, and records the routing.
func (m *Manager) CreateSession(ctx context.Context, cfg session.Config, override session.BackendType) (session.Session, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	m.mu.RLock()
	_, exists := m.routes[cfg.SessionID]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("session %q: %w", cfg.SessionID, session.ErrSessionExists)
	}

	p, t, err := m.resolveBackend(cfg, override)
	if err != nil {
		return nil, err
	}

	s, err := p.CreateSession(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create session on %s: %w", t, err)
	}

	m.mu.Lock()
	m.routes[cfg.SessionID] = t
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_id", cfg.SessionID),
		zap.String("cli_type", string(cfg.CLIType)),
		zap.String("backend", string(t)))
	return s, nil
}

// GetSession returns the live session for an id, if any.
func (m *Manager) GetSession(id string) (session.Session, bool) {
	m.mu.RLock()
	t, ok := m.routes[id]
	p := m.plugins[t]
	m.mu.RUnlock()
	if !ok || p == nil {
		return nil, false
	}
	return p.GetSession(id)
}

// DestroySession closes a session and forgets its routing.
func (m *Manager) DestroySession(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.routes[id]
	if ok {
		delete(m.routes, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %q: %w", id, session.ErrSessionNotFound)
	}
	return m.plugins[t].DestroySession(ctx, id)
}

// Sessions returns snapshots of every live session across all backends.
func (m *Manager) Sessions() []session.Info {
	m.mu.RLock()
	initialized := append([]session.BackendType(nil), m.initialized...)
	m.mu.RUnlock()

	var infos []session.Info
	for _, t := range initialized {
		for _, s := range m.plugins[t].Sessions() {
			infos = append(infos, s.Info())
		}
	}
	return infos
}

// SendMessage forwards a prompt to the session owning the id.
func (m *Manager) SendMessage(ctx context.Context, id, text string) error {
	s, ok := m.GetSession(id)
	if !ok {
		return fmt.Errorf("session %q: %w", id, session.ErrSessionNotFound)
	}
	return s.SendMessage(ctx, text)
}

// SendApproval forwards an option-number approval to the owning session.
func (m *Manager) SendApproval(ctx context.Context, id string, option int, message, requestID string) error {
	s, ok := m.GetSession(id)
	if !ok {
		return fmt.Errorf("session %q: %w", id, session.ErrSessionNotFound)
	}
	return s.SendApproval(ctx, option, message, requestID)
}

// SetPermissionMode switches the permission mode on sessions that support it.
func (m *Manager) SetPermissionMode(ctx context.Context, id, mode string) error {
	s, ok := m.GetSession(id)
	if !ok {
		return fmt.Errorf("session %q: %w", id, session.ErrSessionNotFound)
	}
	setter, ok := s.(session.PermissionModeSetter)
	if !ok {
		return session.ErrNotSupported
	}
	return setter.SetPermissionMode(ctx, mode)
}

// SetModel switches the model on sessions that support it.
func (m *Manager) SetModel(ctx context.Context, id, model string) error {
	s, ok := m.GetSession(id)
	if !ok {
		return fmt.Errorf("session %q: %w", id, session.ErrSessionNotFound)
	}
	setter, ok := s.(session.ModelSetter)
	if !ok {
		return session.ErrNotSupported
	}
	return setter.SetModel(ctx, model)
}

// SetMaxThinkingTokens adjusts the thinking budget on sessions that support it.
func (m *Manager) SetMaxThinkingTokens(ctx context.Context, id string, tokens int) error {
	s, ok := m.GetSession(id)
	if !ok {
		return fmt.Errorf("session %q: %w", id, session.ErrSessionNotFound)
	}
	setter, ok := s.(session.ThinkingBudgetSetter)
	if !ok {
		return session.ErrNotSupported
	}
	return setter.SetMaxThinkingTokens(ctx, tokens)
}

// Interrupt requests best-effort cancellation of the current turn.
func (m *Manager) Interrupt(ctx context.Context, id string) error {
	s, ok := m.GetSession(id)
	if !ok {
		return fmt.Errorf("session %q: %w", id, session.ErrSessionNotFound)
	}
	ir, ok := s.(session.Interrupter)
	if !ok {
		return session.ErrNotSupported
	}
	return ir.Interrupt(ctx)
}
