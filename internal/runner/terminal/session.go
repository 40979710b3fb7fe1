package terminal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/common/tracing"
	"github.com/coderelay/coderelay/internal/runner/permission"
	"github.com/coderelay/coderelay/internal/runner/session"
)

var tracer = tracing.Tracer("coderelay/terminal")

// Session drives one long-lived CLI process inside a pseudo-terminal.
// Readiness and activity are inferred from the rendered screen: a quiet
// window after output settles, short-circuited by a trailing prompt glyph,
// with a fallback timer so a silent CLI never wedges the session in starting.
type Session struct {
	log     *logger.Logger
	cfg     session.Config
	interp  Interpreter
	events  chan<- session.Event
	options Options

	cmd  *exec.Cmd
	ptmx *os.File
	scr  *screen

	mu            sync.Mutex
	status        session.Status
	ready         bool
	createdAt     time.Time
	lastActivity  time.Time
	pendingPrompt *Prompt
	pendingReqID  string
	meta          map[string]any

	quietTimer *time.Timer
	readyTimer *time.Timer

	stopOnce   sync.Once
	stopSignal chan struct{}
	waitDone   chan struct{}
	wg         sync.WaitGroup

	pubMu   sync.RWMutex
	stopped bool
}

func newSession(cfg session.Config, interp Interpreter, events chan<- session.Event, opts Options, log *logger.Logger) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		log:          log.WithSessionID(cfg.SessionID),
		cfg:          cfg,
		interp:       interp,
		events:       events,
		options:      opts,
		scr:          newScreen(opts.Cols, opts.Rows),
		status:       session.StatusStarting,
		createdAt:    now,
		lastActivity: now,
		meta:         map[string]any{},
		stopSignal:   make(chan struct{}),
		waitDone:     make(chan struct{}),
	}

	args := buildArgs(cfg)
	cmd := exec.Command(cfg.CLIPath, args...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.Env = mergeEnv(cfg.Options.Env)
	// Setpgid conflicts with terminal control; the PTY session manages the
	// process group.

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(s.scr.cols),
		Rows: uint16(s.scr.rows),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}
	s.cmd = cmd
	s.ptmx = ptmx

	s.readyTimer = time.AfterFunc(opts.ReadyTimeout, s.onReadyTimeout)

	s.wg.Add(2)
	go s.readOutput()
	go s.wait()

	s.log.Info("terminal session started",
		zap.String("cli_type", string(cfg.CLIType)),
		zap.Int("pid", cmd.Process.Pid))
	return s, nil
}

func buildArgs(cfg session.Config) []string {
	var args []string
	if cfg.Options.Model != "" {
		args = append(args, "--model", cfg.Options.Model)
	}
	if cfg.Options.Resume && cfg.Options.ResumeSessionID != "" {
		args = append(args, "--resume", cfg.Options.ResumeSessionID)
	} else if cfg.Options.Resume {
		args = append(args, "--continue")
	}
	return append(args, cfg.Options.ExtraArgs...)
}

func mergeEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *Session) ID() string { return s.cfg.SessionID }

func (s *Session) Status() session.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Info() session.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return session.Info{
		SessionID:    s.cfg.SessionID,
		CLIType:      s.cfg.CLIType,
		Status:       s.status,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		IsOwned:      true,
		IsReady:      s.ready,
	}
}

// SendMessage types the prompt into the terminal.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	_, span := tracer.Start(ctx, "terminal.send_message")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.cfg.SessionID))

	if err := s.writeInput(text + "\r"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return err
	}
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.setStatusLocked(session.StatusWorking, "")
	s.mu.Unlock()
	return nil
}

// SendApproval answers a detected prompt: the option number is typed
// followed by enter, or the free-text message when one is given.
func (s *Session) SendApproval(ctx context.Context, option int, message, requestID string) error {
	input := ""
	if message != "" {
		input = message + "\r"
	} else if option > 0 {
		input = strconv.Itoa(option) + "\r"
	} else {
		return fmt.Errorf("approval needs an option number or a message")
	}
	if err := s.writeInput(input); err != nil {
		return err
	}
	s.mu.Lock()
	s.pendingPrompt = nil
	s.pendingReqID = ""
	s.lastActivity = time.Now().UTC()
	s.setStatusLocked(session.StatusWorking, "")
	s.mu.Unlock()
	return nil
}

// Interrupt sends escape, the interrupt key all supported CLIs honor.
func (s *Session) Interrupt(ctx context.Context) error {
	return s.writeInput("\x1b")
}

func (s *Session) writeInput(data string) error {
	s.mu.Lock()
	ptmx := s.ptmx
	status := s.status
	s.mu.Unlock()
	if ptmx == nil || status == session.StatusOffline {
		return fmt.Errorf("session %s: process not running", s.cfg.SessionID)
	}
	if _, err := ptmx.Write([]byte(data)); err != nil {
		return fmt.Errorf("failed to write to pty: %w", err)
	}
	return nil
}

// Resize propagates new terminal dimensions to both the PTY and the emulator.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return fmt.Errorf("session %s: process not running", s.cfg.SessionID)
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return fmt.Errorf("failed to resize pty: %w", err)
	}
	s.scr.Resize(cols, rows)
	return nil
}

func (s *Session) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopSignal) })

	s.mu.Lock()
	if s.quietTimer != nil {
		s.quietTimer.Stop()
	}
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	ptmx := s.ptmx
	s.ptmx = nil
	s.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}

	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-ctx.Done():
			_ = s.cmd.Process.Kill()
		case <-time.After(2 * time.Second):
			_ = s.cmd.Process.Kill()
		case <-s.waitDone:
		}
	}

	// Both goroutines must be gone before the plugin may close the shared
	// event channel: publish would otherwise race a send against the close.
	s.wg.Wait()

	s.mu.Lock()
	s.setStatusLocked(session.StatusOffline, "")
	s.mu.Unlock()

	// A quiet-window or ready-timeout callback may still be mid-flight even
	// after Stop; once stopped is set publish refuses to touch the channel,
	// and taking the write lock waits out any send already in progress.
	s.pubMu.Lock()
	s.stopped = true
	s.pubMu.Unlock()
	return nil
}

func (s *Session) readOutput() {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.stopSignal:
			return
		default:
		}

		n, err := s.ptmxRead(buf)
		if n > 0 {
			chunk := buf[:n]
			s.scr.Write(chunk)
			s.resetQuietTimer()
			s.interpret()
			s.forwardOutput(string(chunk))
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) ptmxRead(buf []byte) (int, error) {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return 0, os.ErrClosed
	}
	return ptmx.Read(buf)
}

// interpret runs the detectors against the current visible screen and
// applies any state transition. Called after every output chunk.
func (s *Session) interpret() {
	lines := s.scr.Lines()

	if meta := s.interp.ParseMetadata(lines); meta != nil {
		s.publishMetadata(meta)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now().UTC()

	if prompt := s.interp.DetectPermissionPrompt(lines); prompt != nil {
		if s.status != session.StatusWaiting || !samePrompt(s.pendingPrompt, prompt) {
			s.pendingPrompt = prompt
			s.pendingReqID = permission.NewRequestID(s.cfg.SessionID)
			s.markReadyLocked()
			s.setStatusLocked(session.StatusWaiting, prompt.ToolName)
			s.publishApprovalLocked(prompt)
		}
		return
	}

	if s.status == session.StatusWaiting {
		// The prompt vanished without an answer from us, typically because
		// someone responded in the attached terminal.
		s.pendingPrompt = nil
		s.pendingReqID = ""
		s.setStatusLocked(session.StatusWorking, "")
		return
	}

	if !s.ready && s.interp.DetectReady(lines) {
		s.markReadyLocked()
		s.setStatusLocked(session.StatusIdle, "")
		return
	}

	if s.interp.DetectWorking(lines) {
		s.setStatusLocked(session.StatusWorking, "")
	}
}

// resetQuietTimer arms the quiet window. Firing with no further output
// means the process has settled.
func (s *Session) resetQuietTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quietTimer != nil {
		s.quietTimer.Stop()
	}
	s.quietTimer = time.AfterFunc(s.options.QuietWindow, s.onQuiet)
}

func (s *Session) onQuiet() {
	lines := s.scr.Lines()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == session.StatusWaiting || s.status == session.StatusOffline {
		return
	}
	if !s.ready {
		s.markReadyLocked()
		s.setStatusLocked(session.StatusIdle, "")
		return
	}
	if s.status == session.StatusWorking && s.interp.DetectIdle(lines) {
		s.setStatusLocked(session.StatusIdle, "")
	}
}

func (s *Session) onReadyTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready || s.status == session.StatusOffline {
		return
	}
	s.log.Warn("session not ready before timeout, forcing ready",
		zap.Duration("timeout", s.options.ReadyTimeout))
	s.markReadyLocked()
	s.setStatusLocked(session.StatusIdle, "")
}

func (s *Session) markReadyLocked() {
	if s.ready {
		return
	}
	s.ready = true
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	ev := session.NewEvent(session.EventStatus, s.cfg.SessionID)
	ev.Status = &session.StatusEvent{Status: session.StatusIdle, Ready: true}
	s.publish(ev)
}

func (s *Session) setStatusLocked(status session.Status, tool string) {
	if s.status == status {
		return
	}
	s.status = status
	ev := session.NewEvent(session.EventStatus, s.cfg.SessionID)
	ev.Status = &session.StatusEvent{Status: status, CurrentTool: tool}
	s.publish(ev)
}

func (s *Session) publishApprovalLocked(prompt *Prompt) {
	opts := make([]session.ApprovalOption, 0, len(prompt.Options))
	for _, o := range prompt.Options {
		opts = append(opts, session.ApprovalOption{
			Number: o.Number,
			Label:  o.Label,
			Kind:   optionKind(o),
		})
	}
	ev := session.NewEvent(session.EventApproval, s.cfg.SessionID)
	ev.Approval = &session.ApprovalEvent{
		RequestID: s.pendingReqID,
		SessionID: s.cfg.SessionID,
		ToolName:  prompt.ToolName,
		ToolInput: map[string]any{"question": prompt.Question},
		Options:   opts,
		Timestamp: time.Now().UTC(),
	}
	s.publish(ev)
}

func optionKind(o PromptOption) string {
	label := strings.ToLower(o.Label)
	switch {
	case strings.Contains(label, "don't ask again") || strings.Contains(label, "always"):
		return "allow_always"
	case strings.HasPrefix(label, "yes"):
		return "allow_once"
	case strings.HasPrefix(label, "no") || strings.Contains(label, "cancel"):
		return "reject_once"
	default:
		return ""
	}
}

func (s *Session) publishMetadata(meta map[string]any) {
	s.mu.Lock()
	changed := false
	for k, v := range meta {
		if s.meta[k] != v {
			s.meta[k] = v
			changed = true
		}
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	ev := session.NewEvent(session.EventMetadata, s.cfg.SessionID)
	ev.Metadata = meta
	s.publish(ev)
}

func (s *Session) forwardOutput(raw string) {
	cleaned := s.interp.CleanOutput(raw)
	if strings.TrimSpace(cleaned) == "" {
		return
	}
	ev := session.NewEvent(session.EventOutput, s.cfg.SessionID)
	ev.Output = &session.OutputEvent{Type: session.OutputStdout, Content: cleaned}
	s.publish(ev)
}

// publish never blocks the read loop; a full channel drops the event.
// After Close completes the channel belongs to the plugin again and may be
// closed at any moment, so a stopped session drops everything.
func (s *Session) publish(ev session.Event) {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

func (s *Session) wait() {
	defer s.wg.Done()
	_ = s.cmd.Wait()
	close(s.waitDone)
	s.mu.Lock()
	s.setStatusLocked(session.StatusOffline, "")
	s.mu.Unlock()
}

func samePrompt(a, b *Prompt) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Question == b.Question && a.ToolName == b.ToolName && len(a.Options) == len(b.Options)
}
