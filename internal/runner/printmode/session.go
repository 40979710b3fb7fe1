// Package printmode implements the one-shot print-mode backend. A session is
// a logical shell around a working directory and CLI identity; every message
// spawns a fresh non-interactive process whose stdout is the reply. Prompts
// pass through a session-local FIFO queue so two messages to the same session
// never run concurrently or out of order.
package printmode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/common/tracing"
	"github.com/coderelay/coderelay/internal/runner/session"
)

const messageQueueSize = 64

var tracer = tracing.Tracer("coderelay/printmode")

type queuedMessage struct {
	text string
	done chan error
}

// OutputChunk is one captured piece of process output.
type OutputChunk struct {
	Stream    string // stdout or stderr
	Data      string
	Timestamp time.Time
}

// ringBuffer keeps a bounded FIFO of output chunks for diagnostics.
type ringBuffer struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	chunks   []OutputChunk
}

func newRingBuffer(maxBytes int64) *ringBuffer {
	if maxBytes <= 0 {
		maxBytes = 2 * 1024 * 1024
	}
	return &ringBuffer{maxBytes: maxBytes}
}

func (b *ringBuffer) append(chunk OutputChunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	b.size += int64(len(chunk.Data))
	for b.size > b.maxBytes && len(b.chunks) > 0 {
		b.size -= int64(len(b.chunks[0].Data))
		b.chunks = b.chunks[1:]
	}
}

func (b *ringBuffer) snapshot() []OutputChunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]OutputChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Session queues prompts and runs one process per prompt.
type Session struct {
	log    *logger.Logger
	cfg    session.Config
	events chan<- session.Event
	buffer *ringBuffer

	queue  chan queuedMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	status       session.Status
	createdAt    time.Time
	lastActivity time.Time
	closed       bool
}

func newSession(cfg session.Config, events chan<- session.Event, log *logger.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	s := &Session{
		log:          log.WithSessionID(cfg.SessionID),
		cfg:          cfg,
		events:       events,
		buffer:       newRingBuffer(0),
		queue:        make(chan queuedMessage, messageQueueSize),
		ctx:          ctx,
		cancel:       cancel,
		status:       session.StatusIdle,
		createdAt:    now,
		lastActivity: now,
	}
	s.wg.Add(1)
	go s.worker()

	// No process to warm up; the session is usable immediately.
	ev := session.NewEvent(session.EventStatus, cfg.SessionID)
	ev.Status = &session.StatusEvent{Status: session.StatusIdle, Ready: true}
	s.publish(ev)
	return s
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
		IsReady:      true,
	}
}

// SendMessage enqueues the prompt. It returns once the message is accepted,
// not once the process completes; completion surfaces as a result event.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.cfg.SessionID)
	}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	msg := queuedMessage{text: text}
	select {
	case s.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return fmt.Errorf("session %s is closed", s.cfg.SessionID)
	}
}

// SendApproval is meaningless for one-shot processes.
func (s *Session) SendApproval(ctx context.Context, option int, message, requestID string) error {
	return fmt.Errorf("print mode: %w", session.ErrNotSupported)
}

// RecentOutput returns the buffered output of recent runs.
func (s *Session) RecentOutput() []OutputChunk {
	return s.buffer.snapshot()
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.setStatusLocked(session.StatusOffline)
	s.mu.Unlock()
	return nil
}

// worker drains the queue serially. FIFO here is what guarantees that a
// second message to the same session never overtakes the first.
func (s *Session) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			s.runOnce(msg.text)
		}
	}
}

func (s *Session) runOnce(text string) {
	ctx, span := tracer.Start(s.ctx, "printmode.turn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.cfg.SessionID))

	s.mu.Lock()
	s.setStatusLocked(session.StatusWorking)
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	start := time.Now()
	err := s.spawn(ctx, text)
	elapsed := time.Since(start)

	ev := session.NewEvent(session.EventResult, s.cfg.SessionID)
	ev.Result = &session.ResultEvent{DurationMS: elapsed.Milliseconds(), NumTurns: 1, IsError: err != nil}
	s.publish(ev)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		s.log.Warn("print mode run failed", zap.Error(err))
		errEv := session.NewEvent(session.EventError, s.cfg.SessionID)
		errEv.Error = &session.ErrorEvent{Message: err.Error()}
		s.publish(errEv)
	}

	s.mu.Lock()
	s.setStatusLocked(session.StatusIdle)
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) spawn(ctx context.Context, text string) error {
	args := buildArgs(s.cfg, text)
	cmd := exec.CommandContext(ctx, s.cfg.CLIPath, args...)
	if s.cfg.Cwd != "" {
		cmd.Dir = s.cfg.Cwd
	}
	cmd.Env = mergeEnv(s.cfg.Options.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", s.cfg.CLIPath, err)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go s.stream(stdout, session.OutputStdout, &readers)
	go s.stream(stderr, session.OutputStderr, &readers)
	readers.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s exited: %w", s.cfg.CLIPath, err)
	}
	return nil
}

func (s *Session) stream(r io.Reader, kind session.OutputType, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.buffer.append(OutputChunk{Stream: string(kind), Data: line, Timestamp: time.Now().UTC()})
		ev := session.NewEvent(session.EventOutput, s.cfg.SessionID)
		ev.Output = &session.OutputEvent{Type: kind, Content: line}
		s.publish(ev)
	}
}

func (s *Session) setStatusLocked(status session.Status) {
	if s.status == status {
		return
	}
	s.status = status
	ev := session.NewEvent(session.EventStatus, s.cfg.SessionID)
	ev.Status = &session.StatusEvent{Status: status}
	s.publish(ev)
}

func (s *Session) publish(ev session.Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

func buildArgs(cfg session.Config, text string) []string {
	var args []string
	switch cfg.CLIType {
	case session.CLITypeGemini:
		args = append(args, "-p", text)
		if cfg.Options.Model != "" {
			args = append(args, "-m", cfg.Options.Model)
		}
	case session.CLITypeClaude:
		args = append(args, "-p", text, "--output-format", "text")
		if cfg.Options.Model != "" {
			args = append(args, "--model", cfg.Options.Model)
		}
		if cfg.Options.Resume && cfg.Options.ResumeSessionID != "" {
			args = append(args, "--resume", cfg.Options.ResumeSessionID)
		}
	case session.CLITypeGeneric:
		// The generic type is a plain shell: the prompt is the command line.
		args = append(args, "-lc", text)
	default:
		args = append(args, text)
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
