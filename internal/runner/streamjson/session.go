// Package streamjson implements the streaming-JSON backend for Claude Code.
// Each message spawns a fresh CLI process speaking newline-delimited JSON over
// stdin/stdout; a session-local FIFO queue keeps two processes from ever
// overlapping for one session id. Tool permissions arrive as can_use_tool
// control requests and are answered with structured allow/deny control
// responses, so no terminal inference is involved.
package streamjson

import (
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
	"github.com/coderelay/coderelay/internal/runner/permission"
	"github.com/coderelay/coderelay/internal/runner/session"
	"github.com/coderelay/coderelay/pkg/claudewire"
)

const (
	messageQueueSize = 64
	controlTimeout   = 30 * time.Second
)

var tracer = tracing.Tracer("coderelay/streamjson")

type queuedMessage struct {
	text string
}

// pendingApproval maps one emitted approval request back to the CLI's
// control request.
type pendingApproval struct {
	cliRequestID string
	toolName     string
	toolInput    map[string]any
	suggestions  []claudewire.PermissionUpdate
}

// activeRun is the process currently serving a message, nil between turns.
type activeRun struct {
	cmd    *exec.Cmd
	client *claudewire.Client
	stdin  io.WriteCloser
	cancel context.CancelFunc
}

// Session is one logical Claude Code conversation. Turn N+1 resumes the
// native session id reported by turn N.
type Session struct {
	log    *logger.Logger
	cfg    session.Config
	events chan<- session.Event

	queue  chan queuedMessage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	status          session.Status
	createdAt       time.Time
	lastActivity    time.Time
	nativeSessionID string
	pending         map[string]*pendingApproval // our request id -> CLI request
	run             *activeRun
	closed          bool
}

func newSession(cfg session.Config, events chan<- session.Event, log *logger.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	s := &Session{
		log:             log.WithSessionID(cfg.SessionID),
		cfg:             cfg,
		events:          events,
		queue:           make(chan queuedMessage, messageQueueSize),
		ctx:             ctx,
		cancel:          cancel,
		status:          session.StatusIdle,
		createdAt:       now,
		lastActivity:    now,
		nativeSessionID: cfg.Options.ResumeSessionID,
		pending:         make(map[string]*pendingApproval),
	}
	s.wg.Add(1)
	go s.worker()

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

// NativeSessionID returns the CLI-assigned session id of the latest turn.
func (s *Session) NativeSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nativeSessionID
}

// SendMessage enqueues the prompt; the FIFO worker runs one process per
// prompt and never overlaps two.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session %s is closed", s.cfg.SessionID)
	}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	select {
	case s.queue <- queuedMessage{text: text}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return fmt.Errorf("session %s is closed", s.cfg.SessionID)
	}
}

// SendApproval answers by option number: 1 allow, 2 allow and persist the
// suggested rules, 3 deny.
func (s *Session) SendApproval(ctx context.Context, option int, message, requestID string) error {
	d := session.Decision{RequestID: requestID, Message: message}
	switch option {
	case 1:
		d.Behavior = claudewire.BehaviorAllow
	case 2:
		d.Behavior = claudewire.BehaviorAllow
		d.UpdatedPermissions = s.suggestionsFor(requestID)
	default:
		d.Behavior = claudewire.BehaviorDeny
	}
	return s.ApplyDecision(ctx, d)
}

// ApplyDecision resolves a pending can_use_tool request with a structured
// allow/deny control response. A decision for an unknown request id is a
// failure, not a crash; duplicates land here after the first answer removes
// the entry.
func (s *Session) ApplyDecision(ctx context.Context, d session.Decision) error {
	s.mu.Lock()
	p, ok := s.pending[d.RequestID]
	if ok {
		delete(s.pending, d.RequestID)
	}
	run := s.run
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval for request %s: %w", d.RequestID, session.ErrSessionNotFound)
	}
	if run == nil {
		return fmt.Errorf("session %s: no active process for request %s", s.cfg.SessionID, d.RequestID)
	}

	result := &claudewire.PermissionResult{
		Behavior: d.Behavior,
		Message:  d.Message,
	}
	if d.Behavior == claudewire.BehaviorAllow {
		result.UpdatedPermissions = toWireUpdates(d.UpdatedPermissions, p.suggestions)
	}

	err := run.client.SendControlResponse(&claudewire.ControlResponseMessage{
		Type:      claudewire.MessageTypeControlResponse,
		RequestID: p.cliRequestID,
		Response: &claudewire.ControlResponse{
			Subtype: "success",
			Result:  result,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to answer %s: %w", p.cliRequestID, err)
	}

	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.setStatusLocked(session.StatusWorking, "")
	s.mu.Unlock()
	return nil
}

// SendQuestionResponse answers a pending AskUserQuestion request with the
// chosen answer as updated tool input.
func (s *Session) SendQuestionResponse(ctx context.Context, answer string) error {
	s.mu.Lock()
	var reqID string
	var p *pendingApproval
	for id, cand := range s.pending {
		if cand.toolName == claudewire.ToolAskUserQuestion {
			reqID, p = id, cand
			break
		}
	}
	if p != nil {
		delete(s.pending, reqID)
	}
	run := s.run
	s.mu.Unlock()
	if p == nil || run == nil {
		return fmt.Errorf("no pending question: %w", session.ErrSessionNotFound)
	}

	return run.client.SendControlResponse(&claudewire.ControlResponseMessage{
		Type:      claudewire.MessageTypeControlResponse,
		RequestID: p.cliRequestID,
		Response: &claudewire.ControlResponse{
			Subtype: "success",
			Result: &claudewire.PermissionResult{
				Behavior:     claudewire.BehaviorAllow,
				UpdatedInput: map[string]any{"answer": answer},
			},
		},
	})
}

// Interrupt cancels the in-flight turn, if any.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return nil
	}
	if _, err := run.client.SendControl(ctx, claudewire.SDKControlRequestBody{
		Subtype: claudewire.SubtypeInterrupt,
	}, controlTimeout); err != nil {
		// The CLI may have exited between check and send.
		run.cancel()
		return err
	}
	return nil
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	run := s.run
	s.mu.Unlock()

	s.cancel()
	if run != nil {
		run.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.setStatusLocked(session.StatusOffline, "")
	s.mu.Unlock()
	return nil
}

// worker drains the queue serially, one process per message.
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
	ctx, span := tracer.Start(s.ctx, "streamjson.turn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.cfg.SessionID))

	s.mu.Lock()
	s.setStatusLocked(session.StatusWorking, "")
	resume := s.nativeSessionID
	s.mu.Unlock()

	if err := s.spawn(ctx, text, resume); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		s.log.Warn("stream-json run failed", zap.Error(err))
		errEv := session.NewEvent(session.EventError, s.cfg.SessionID)
		errEv.Error = &session.ErrorEvent{Message: err.Error()}
		s.publish(errEv)
	}

	s.mu.Lock()
	// Pending approvals can no longer be answered once the process is gone.
	for id := range s.pending {
		delete(s.pending, id)
	}
	s.run = nil
	if !s.closed {
		s.setStatusLocked(session.StatusIdle, "")
	}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) spawn(ctx context.Context, text, resume string) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.Command(s.cfg.CLIPath, buildArgs(s.cfg, resume)...)
	if s.cfg.Cwd != "" {
		cmd.Dir = s.cfg.Cwd
	}
	cmd.Env = mergeEnv(s.cfg.Options.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", s.cfg.CLIPath, err)
	}

	client := claudewire.NewClient(stdin, stdout, s.log)
	client.SetRequestHandler(s.handleControlRequest)
	client.SetMessageHandler(s.handleMessage)
	<-client.Start(runCtx)

	run := &activeRun{cmd: cmd, client: client, stdin: stdin, cancel: cancel}
	s.mu.Lock()
	s.run = run
	s.mu.Unlock()

	if err := client.SendUserMessage(text); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	// One prompt per run; closing stdin lets the CLI exit after its result.
	_ = stdin.Close()

	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		_ = cmd.Wait()
	}()

	select {
	case <-runCtx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitDone:
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
			<-waitDone
		}
	case <-waitDone:
	}

	client.Stop()
	if !cmd.ProcessState.Success() && runCtx.Err() == nil {
		return fmt.Errorf("%s exited with %s", s.cfg.CLIPath, cmd.ProcessState)
	}
	return nil
}

func buildArgs(cfg session.Config, resume string) []string {
	args := []string{
		"-p",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if cfg.Options.Model != "" {
		args = append(args, "--model", cfg.Options.Model)
	}
	if cfg.Options.PermissionMode != "" {
		args = append(args, "--permission-mode", cfg.Options.PermissionMode)
	}
	if resume != "" {
		args = append(args, "--resume", resume)
	}
	if cfg.Options.MaxThinkingTokens > 0 {
		args = append(args, "--max-thinking-tokens", fmt.Sprintf("%d", cfg.Options.MaxThinkingTokens))
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

// handleControlRequest turns can_use_tool requests into approval events.
func (s *Session) handleControlRequest(cliRequestID string, req *claudewire.ControlRequest) {
	switch req.Subtype {
	case claudewire.SubtypeCanUseTool:
		s.handleToolPermission(cliRequestID, req)
	case claudewire.SubtypeHookCallback:
		// Hooks are acknowledged so the CLI does not stall on them.
		s.respond(cliRequestID, &claudewire.ControlResponse{Subtype: "success"})
	default:
		s.log.Warn("unhandled control request subtype", zap.String("subtype", req.Subtype))
		s.respond(cliRequestID, &claudewire.ControlResponse{
			Subtype: "error",
			Error:   fmt.Sprintf("unhandled subtype: %s", req.Subtype),
		})
	}
}

func (s *Session) respond(cliRequestID string, resp *claudewire.ControlResponse) {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return
	}
	if err := run.client.SendControlResponse(&claudewire.ControlResponseMessage{
		Type:      claudewire.MessageTypeControlResponse,
		RequestID: cliRequestID,
		Response:  resp,
	}); err != nil {
		s.log.Warn("failed to send control response", zap.Error(err))
	}
}

func (s *Session) handleToolPermission(cliRequestID string, req *claudewire.ControlRequest) {
	requestID := permission.NewRequestID(s.cfg.SessionID)

	s.mu.Lock()
	s.pending[requestID] = &pendingApproval{
		cliRequestID: cliRequestID,
		toolName:     req.ToolName,
		toolInput:    req.Input,
		suggestions:  req.PermissionSuggestions,
	}
	s.lastActivity = time.Now().UTC()
	s.setStatusLocked(session.StatusWaiting, req.ToolName)
	s.mu.Unlock()

	approval := &session.ApprovalEvent{
		RequestID:   requestID,
		SessionID:   s.cfg.SessionID,
		ToolName:    req.ToolName,
		ToolInput:   req.Input,
		BlockedPath: req.BlockedPath,
		Options: []session.ApprovalOption{
			{Number: 1, Label: "Allow", Kind: "allow_once"},
			{Number: 2, Label: "Allow Always", Kind: "allow_always"},
			{Number: 3, Label: "Deny", Kind: "reject_once"},
		},
		Suggestions: toSuggestions(req.PermissionSuggestions),
		Timestamp:   time.Now().UTC(),
	}
	if req.ToolName == claudewire.ToolAskUserQuestion {
		approval.HasOther = true
	}

	ev := session.NewEvent(session.EventApproval, s.cfg.SessionID)
	ev.Approval = approval
	s.publish(ev)
}

func (s *Session) handleMessage(msg *claudewire.CLIMessage) {
	switch msg.Type {
	case claudewire.MessageTypeSystem:
		s.handleSystem(msg)
	case claudewire.MessageTypeAssistant:
		s.handleAssistant(msg)
	case claudewire.MessageTypeResult:
		s.handleResult(msg)
	case claudewire.MessageTypeUser:
		s.handleToolResults(msg)
	}
}

func (s *Session) handleSystem(msg *claudewire.CLIMessage) {
	s.mu.Lock()
	if msg.SessionID != "" {
		s.nativeSessionID = msg.SessionID
	}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	meta := map[string]any{}
	if msg.SessionID != "" {
		meta["nativeSessionId"] = msg.SessionID
	}
	if msg.Model != "" {
		meta["model"] = msg.Model
	}
	if msg.Cwd != "" {
		meta["cwd"] = msg.Cwd
	}
	if len(meta) > 0 {
		ev := session.NewEvent(session.EventMetadata, s.cfg.SessionID)
		ev.Metadata = meta
		s.publish(ev)
	}
}

func (s *Session) handleAssistant(msg *claudewire.CLIMessage) {
	if msg.Message == nil {
		return
	}
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.setStatusLocked(session.StatusWorking, "")
	s.mu.Unlock()

	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			ev := session.NewEvent(session.EventOutput, s.cfg.SessionID)
			ev.Output = &session.OutputEvent{Type: session.OutputStdout, Content: block.Text}
			s.publish(ev)
		case "thinking":
			ev := session.NewEvent(session.EventOutput, s.cfg.SessionID)
			ev.Output = &session.OutputEvent{Type: session.OutputInfo, Content: block.Thinking}
			s.publish(ev)
		case "tool_use":
			ev := session.NewEvent(session.EventToolExecution, s.cfg.SessionID)
			ev.Tool = &session.ToolEvent{ToolName: block.Name, ToolUseID: block.ID, Input: block.Input}
			s.publish(ev)
		}
	}
}

func (s *Session) handleToolResults(msg *claudewire.CLIMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		ev := session.NewEvent(session.EventToolResult, s.cfg.SessionID)
		ev.Tool = &session.ToolEvent{
			ToolUseID: block.ToolUseID,
			Result:    block.Content,
			IsError:   block.IsError,
		}
		s.publish(ev)
	}
}

func (s *Session) handleResult(msg *claudewire.CLIMessage) {
	text := msg.GetResultString()
	if data := msg.GetResultData(); data != nil {
		if data.Text != "" {
			text = data.Text
		}
		if data.SessionID != "" {
			s.mu.Lock()
			s.nativeSessionID = data.SessionID
			s.mu.Unlock()
		}
	}

	ev := session.NewEvent(session.EventResult, s.cfg.SessionID)
	ev.Result = &session.ResultEvent{
		Text:       text,
		DurationMS: msg.DurationMS,
		NumTurns:   msg.NumTurns,
		IsError:    msg.IsError,
	}
	s.publish(ev)

	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) suggestionsFor(requestID string) []session.PermissionSuggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[requestID]
	if !ok {
		return nil
	}
	return toSuggestions(p.suggestions)
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

func (s *Session) publish(ev session.Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

// toSuggestions converts wire permission updates to the normalized form.
func toSuggestions(updates []claudewire.PermissionUpdate) []session.PermissionSuggestion {
	out := make([]session.PermissionSuggestion, 0, len(updates))
	for _, u := range updates {
		sg := session.PermissionSuggestion{
			Type:        u.Type,
			Behavior:    u.Behavior,
			Directories: u.Directories,
			Mode:        u.Mode,
		}
		for _, r := range u.Rules {
			sg.Rules = append(sg.Rules, permission.FormatRule(permission.ToolRule{ToolName: r.ToolName, RuleContent: r.RuleContent}))
			if sg.ToolName == "" {
				sg.ToolName = r.ToolName
				sg.RuleContent = r.RuleContent
			}
		}
		out = append(out, sg)
	}
	return out
}

// toWireUpdates converts the decision's accepted suggestions back to wire
// form. An allow without accepted suggestions persists nothing.
func toWireUpdates(accepted []session.PermissionSuggestion, original []claudewire.PermissionUpdate) []claudewire.PermissionUpdate {
	if len(accepted) == 0 {
		return nil
	}
	out := make([]claudewire.PermissionUpdate, 0, len(accepted))
	for _, sg := range accepted {
		u := claudewire.PermissionUpdate{
			Type:        sg.Type,
			Behavior:    sg.Behavior,
			Directories: sg.Directories,
			Mode:        sg.Mode,
		}
		for _, rule := range sg.Rules {
			toolName, content := permission.ParseRule(rule)
			u.Rules = append(u.Rules, claudewire.PermissionRule{ToolName: toolName, RuleContent: content})
		}
		if len(u.Rules) == 0 && sg.ToolName != "" {
			u.Rules = []claudewire.PermissionRule{{ToolName: sg.ToolName, RuleContent: sg.RuleContent}}
		}
		out = append(out, u)
	}
	return out
}
