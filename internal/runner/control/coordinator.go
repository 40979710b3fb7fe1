package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/common/tracing"
	"github.com/coderelay/coderelay/internal/runner/permission"
	"github.com/coderelay/coderelay/internal/runner/plugin"
	"github.com/coderelay/coderelay/internal/runner/session"
)

// syncInterval drives the periodic prune/resend pass over pending approvals.
const syncInterval = 30 * time.Second

var tracer = tracing.Tracer("coderelay/control")

// Sender abstracts the outbound half of the control-plane connection so the
// coordinator can be tested without a live WebSocket.
type Sender interface {
	SendPayload(msgType string, payload interface{}) error
}

// Coordinator bridges the plugin manager's event stream and the control
// plane's message protocol, owning the permission flow in between: pending
// approval tracking, auto-approval, and decision application.
type Coordinator struct {
	runnerID string
	manager  *plugin.Manager
	store    *permission.Store
	registry *permission.Registry
	sender   Sender
	logger   *logger.Logger

	// cliPaths maps CLI types to their default executable paths, used when
	// a session_create request does not name one.
	cliPaths map[session.CLIType]string
	workDir  string
}

// NewCoordinator wires the coordinator. sender may be a *Client.
func NewCoordinator(runnerID string, mgr *plugin.Manager, store *permission.Store, reg *permission.Registry, sender Sender, log *logger.Logger) *Coordinator {
	return &Coordinator{
		runnerID: runnerID,
		manager:  mgr,
		store:    store,
		registry: reg,
		sender:   sender,
		logger:   log.WithFields(zap.String("component", "coordinator")),
		cliPaths: make(map[session.CLIType]string),
	}
}

// SetWorkDir sets the default working directory for new sessions.
func (c *Coordinator) SetWorkDir(dir string) {
	c.workDir = dir
}

// SetCLIPath registers the default executable for a CLI type.
func (c *Coordinator) SetCLIPath(t session.CLIType, path string) {
	if path != "" {
		c.cliPaths[t] = path
	}
}

func (c *Coordinator) cliPathFor(t session.CLIType) string {
	if path, ok := c.cliPaths[t]; ok {
		return path
	}
	// The generic type runs a shell; every other type falls back to the CLI
	// type name as the command.
	if t == session.CLITypeGeneric {
		return "sh"
	}
	return string(t)
}

// Run consumes manager events and drives the periodic approval sync until
// ctx is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.manager.Events():
			if !ok {
				return nil
			}
			c.handleEvent(ctx, ev)
		case <-ticker.C:
			c.syncPending(permission.SyncFilter{})
		}
	}
}

// Hello announces the runner and its live sessions; called after every
// (re)connect, followed by a full resend pass so decisions lost to a
// disconnect are re-requested.
func (c *Coordinator) Hello() {
	c.send(TypeRunnerHello, RunnerHelloPayload{
		RunnerID: c.runnerID,
		Sessions: c.manager.Sessions(),
	})
	c.syncPending(permission.SyncFilter{})
}

func (c *Coordinator) handleEvent(ctx context.Context, ev session.Event) {
	switch ev.Kind {
	case session.EventApproval:
		c.handleApprovalEvent(ctx, ev)
	case session.EventStatus:
		if ev.Status == nil {
			return
		}
		c.send(TypeStatus, StatusPayload{
			RunnerID:    c.runnerID,
			SessionID:   ev.SessionID,
			Status:      string(ev.Status.Status),
			CurrentTool: ev.Status.CurrentTool,
		})
		if ev.Status.Ready {
			c.send(TypeSessionReady, SessionReadyPayload{RunnerID: c.runnerID, SessionID: ev.SessionID})
		}
	case session.EventOutput:
		if ev.Output == nil {
			return
		}
		c.send(TypeOutput, OutputPayload{
			RunnerID:   c.runnerID,
			SessionID:  ev.SessionID,
			OutputType: string(ev.Output.Type),
			Content:    ev.Output.Content,
		})
	case session.EventError:
		if ev.Error == nil {
			return
		}
		c.send(TypeOutput, OutputPayload{
			RunnerID:   c.runnerID,
			SessionID:  ev.SessionID,
			OutputType: string(session.OutputError),
			Content:    ev.Error.Message,
		})
	case session.EventToolExecution, session.EventToolResult:
		if ev.Tool == nil {
			return
		}
		outputType := session.OutputToolUse
		if ev.Kind == session.EventToolResult {
			outputType = session.OutputToolResult
		}
		content, err := json.Marshal(ev.Tool)
		if err != nil {
			return
		}
		c.send(TypeOutput, OutputPayload{
			RunnerID:   c.runnerID,
			SessionID:  ev.SessionID,
			OutputType: string(outputType),
			Content:    string(content),
		})
	case session.EventResult:
		if ev.Result == nil {
			return
		}
		c.send(TypeResult, ResultPayload{
			RunnerID:   c.runnerID,
			SessionID:  ev.SessionID,
			Text:       ev.Result.Text,
			DurationMS: ev.Result.DurationMS,
			NumTurns:   ev.Result.NumTurns,
			IsError:    ev.Result.IsError,
		})
	}
}

// handleApprovalEvent decides whether a detected approval can be answered
// locally. Auto-approval consults the session's allow rules first, then the
// safe-mode classifier when the store runs in autoSafe mode. Anything not
// auto-approved is tracked and announced to the control plane.
func (c *Coordinator) handleApprovalEvent(ctx context.Context, ev session.Event) {
	req := ev.Approval
	if req == nil {
		return
	}
	req.RunnerID = c.runnerID

	if reason, ok := c.autoApproveReason(req); ok {
		c.logger.Info("auto-approving tool",
			zap.String("session_id", req.SessionID),
			zap.String("tool", req.ToolName),
			zap.String("reason", reason))
		if err := c.applyToSession(ctx, req.SessionID, session.Decision{
			RequestID: req.RequestID,
			Behavior:  "allow",
			Message:   reason,
		}, req); err != nil {
			c.logger.Error("auto-approval failed, escalating to control plane",
				zap.String("request_id", req.RequestID), zap.Error(err))
		} else {
			return
		}
	}

	c.registry.Track(*req)
	c.send(TypeApprovalRequest, ApprovalRequestPayload{ApprovalEvent: *req})
}

func (c *Coordinator) autoApproveReason(req *session.ApprovalEvent) (string, bool) {
	if req.ToolName == "" || req.ToolName == permission.ToolAskUserQuestion {
		return "", false
	}
	if c.store.IsToolAllowed(req.ToolName, req.ToolInput) {
		return "allowed by permission rule", true
	}
	if c.store.Mode() == permission.ModeAutoSafe && permission.ShouldAutoApproveInSafeMode(req.ToolName, req.ToolInput) {
		return "classified safe in autoSafe mode", true
	}
	return "", false
}

// HandleMessage dispatches one inbound control-plane envelope.
func (c *Coordinator) HandleMessage(ctx context.Context, env *Envelope) {
	switch env.Type {
	case TypeSessionCreate:
		c.handleSessionCreate(ctx, env)
	case TypeUserMessage:
		c.handleUserMessage(ctx, env)
	case TypeApprovalResponse:
		c.handleApprovalResponse(ctx, env)
	case TypePermissionDecision:
		c.handlePermissionDecision(ctx, env)
	case TypePermissionSyncRequest:
		c.handleSyncRequest(env)
	case TypeSessionControl:
		c.handleSessionControl(ctx, env)
	case TypeInterrupt:
		c.handleInterrupt(ctx, env)
	case TypeSessionClose:
		c.handleSessionClose(ctx, env)
	default:
		c.logger.Warn("unknown control message type", zap.String("type", env.Type))
	}
}

func (c *Coordinator) handleSessionCreate(ctx context.Context, env *Envelope) {
	var p SessionCreatePayload
	if err := decodeData(env, &p); err != nil {
		c.sendError("", fmt.Sprintf("bad session_create payload: %v", err))
		return
	}
	cfg := session.Config{
		SessionID: p.SessionID,
		CLIType:   session.CLIType(p.CLIType),
		CLIPath:   p.CLIPath,
		Cwd:       p.Cwd,
		Options: session.Options{
			Model:           p.Model,
			PermissionMode:  p.PermissionMode,
			Resume:          p.Resume,
			ResumeSessionID: p.ResumeID,
			Env:             p.Env,
			ExtraArgs:       p.ExtraArgs,
		},
	}
	if cfg.CLIPath == "" {
		cfg.CLIPath = c.cliPathFor(cfg.CLIType)
	}
	if cfg.Cwd == "" {
		cfg.Cwd = c.workDir
	}
	s, err := c.manager.CreateSession(ctx, cfg, session.BackendType(p.Backend))
	if err != nil {
		c.sendError(p.SessionID, fmt.Sprintf("session create failed: %v", err))
		return
	}
	backend := p.Backend
	if backend == "" {
		if bt, ok := session.BackendFor(cfg.CLIType); ok {
			backend = string(bt)
		}
	}
	c.send(TypeSessionCreated, SessionCreatedPayload{
		RunnerID:  c.runnerID,
		SessionID: s.ID(),
		CLIType:   p.CLIType,
		Backend:   backend,
	})
}

func (c *Coordinator) handleUserMessage(ctx context.Context, env *Envelope) {
	var p UserMessagePayload
	if err := decodeData(env, &p); err != nil {
		c.sendError("", fmt.Sprintf("bad user_message payload: %v", err))
		return
	}
	ctx, span := tracer.Start(ctx, "control.dispatch_message")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", p.SessionID))
	if err := c.manager.SendMessage(ctx, p.SessionID, p.Content); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "message delivery failed")
		c.sendError(p.SessionID, fmt.Sprintf("message delivery failed: %v", err))
	}
}

// handleApprovalResponse applies a legacy option-number decision.
func (c *Coordinator) handleApprovalResponse(ctx context.Context, env *Envelope) {
	var p ApprovalResponsePayload
	if err := decodeData(env, &p); err != nil {
		c.sendError("", fmt.Sprintf("bad approval_response payload: %v", err))
		return
	}
	sessionID, pending, ok := c.resolveSession(p.SessionID, p.RequestID)
	if !ok {
		c.ackDecision(p.RequestID, p.SessionID, fmt.Errorf("no session for request %s", p.RequestID))
		return
	}

	d := session.Decision{RequestID: p.RequestID, Behavior: "deny", Message: p.Message}
	if kind := optionKind(pending, p.Option); kind == "allow_once" || kind == "allow_always" {
		d.Behavior = "allow"
		if kind == "allow_always" && pending != nil {
			d.UpdatedPermissions = pending.Request.Suggestions
		}
	}
	err := c.applyDecision(ctx, sessionID, d, p.Option, pending)
	c.ackDecision(p.RequestID, sessionID, err)
}

// handlePermissionDecision applies a structured decision.
func (c *Coordinator) handlePermissionDecision(ctx context.Context, env *Envelope) {
	var p PermissionDecisionPayload
	if err := decodeData(env, &p); err != nil {
		c.sendError("", fmt.Sprintf("bad permission_decision payload: %v", err))
		return
	}
	sessionID, pending, ok := c.resolveSession(p.SessionID, p.RequestID)
	if !ok {
		c.ackDecision(p.RequestID, p.SessionID, fmt.Errorf("no session for request %s", p.RequestID))
		return
	}

	d := session.Decision{
		RequestID:          p.RequestID,
		Behavior:           p.Behavior,
		Scope:              p.Scope,
		UpdatedPermissions: p.UpdatedPermissions,
		Message:            p.CustomMessage,
	}
	if p.Behavior == "allow" && len(p.UpdatedPermissions) > 0 {
		scope := permission.Scope(p.Scope)
		if scope == "" {
			scope = permission.ScopeSession
		}
		c.store.ApplySuggestions(p.UpdatedPermissions, scope)
		if scope != permission.ScopeSession {
			if err := c.store.Save(); err != nil {
				c.logger.Error("persisting permission rules failed", zap.Error(err))
			}
		}
	}
	err := c.applyDecision(ctx, sessionID, d, fallbackOption(pending, d), pending)
	c.ackDecision(p.RequestID, sessionID, err)
}

// applyDecision routes a decision to the owning session, removes the pending
// entry, and marks the session working. The decision-capable path is
// preferred; sessions without it get the option number.
func (c *Coordinator) applyDecision(ctx context.Context, sessionID string, d session.Decision, option int, pending *permission.PendingRequest) error {
	ctx, span := tracer.Start(ctx, "control.apply_decision")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", d.RequestID),
		attribute.String("session.id", sessionID),
		attribute.String("decision.behavior", d.Behavior),
	)

	s, ok := c.manager.GetSession(sessionID)
	if !ok {
		err := fmt.Errorf("session %q: %w", sessionID, session.ErrSessionNotFound)
		span.RecordError(err)
		span.SetStatus(codes.Error, "session not found")
		return err
	}
	var err error
	if applier, capable := s.(session.DecisionApplier); capable {
		err = applier.ApplyDecision(ctx, d)
	} else {
		err = s.SendApproval(ctx, option, d.Message, d.RequestID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decision not applied")
		return err
	}
	c.registry.Remove(d.RequestID)
	c.send(TypeStatus, StatusPayload{
		RunnerID:  c.runnerID,
		SessionID: sessionID,
		Status:    string(session.StatusWorking),
	})
	return nil
}

// applyToSession is the auto-approval variant: no pending entry exists yet.
func (c *Coordinator) applyToSession(ctx context.Context, sessionID string, d session.Decision, req *session.ApprovalEvent) error {
	s, ok := c.manager.GetSession(sessionID)
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, session.ErrSessionNotFound)
	}
	if applier, capable := s.(session.DecisionApplier); capable {
		return applier.ApplyDecision(ctx, d)
	}
	option := 1
	for _, opt := range req.Options {
		if opt.Kind == "allow_once" {
			option = opt.Number
			break
		}
	}
	return s.SendApproval(ctx, option, "", d.RequestID)
}

// resolveSession finds the session owning a decision: explicit sessionId
// first, then the registry entry for requestId, then the session id embedded
// in the requestId's structure. The returned pending entry is nil when the
// registry has no record.
func (c *Coordinator) resolveSession(sessionID, requestID string) (string, *permission.PendingRequest, bool) {
	pending, tracked := c.registry.Get(requestID)
	if sessionID != "" {
		if _, ok := c.manager.GetSession(sessionID); ok {
			return sessionID, pending, true
		}
	}
	if tracked {
		if _, ok := c.manager.GetSession(pending.Request.SessionID); ok {
			return pending.Request.SessionID, pending, true
		}
	}
	if embedded, ok := permission.SessionIDFromRequestID(requestID); ok {
		if _, live := c.manager.GetSession(embedded); live {
			return embedded, pending, true
		}
	}
	return "", nil, false
}

func (c *Coordinator) handleSyncRequest(env *Envelope) {
	var p PermissionSyncRequestPayload
	if err := decodeData(env, &p); err != nil {
		c.sendError("", fmt.Sprintf("bad permission_sync_request payload: %v", err))
		return
	}
	resent := c.syncPending(permission.SyncFilter{RequestID: p.RequestID, SessionID: p.SessionID})
	c.logger.Debug("permission sync done",
		zap.String("reason", p.Reason),
		zap.Int("resent", resent))
}

func (c *Coordinator) syncPending(filter permission.SyncFilter) int {
	return c.registry.Sync(filter, func(req session.ApprovalEvent) error {
		return c.sender.SendPayload(TypeApprovalRequest, ApprovalRequestPayload{ApprovalEvent: req})
	})
}

func (c *Coordinator) handleSessionControl(ctx context.Context, env *Envelope) {
	var p SessionControlPayload
	if err := decodeData(env, &p); err != nil {
		c.sendError("", fmt.Sprintf("bad session_control payload: %v", err))
		return
	}
	var err error
	switch p.Action {
	case ActionSetModel:
		err = c.manager.SetModel(ctx, p.SessionID, p.Value)
	case ActionSetPermissionMode:
		err = c.manager.SetPermissionMode(ctx, p.SessionID, p.Value)
		if err == nil {
			c.store.SetMode(p.Value)
		}
	case ActionSetMaxThinkingTokens:
		tokens, convErr := strconv.Atoi(p.Value)
		if convErr != nil {
			err = fmt.Errorf("invalid token budget %q: %w", p.Value, convErr)
		} else {
			err = c.manager.SetMaxThinkingTokens(ctx, p.SessionID, tokens)
		}
	default:
		err = fmt.Errorf("unknown session control action %q", p.Action)
	}
	if err != nil {
		c.sendError(p.SessionID, fmt.Sprintf("session control %s failed: %v", p.Action, err))
	}
}

func (c *Coordinator) handleInterrupt(ctx context.Context, env *Envelope) {
	var p InterruptPayload
	if err := decodeData(env, &p); err != nil {
		c.sendError("", fmt.Sprintf("bad interrupt payload: %v", err))
		return
	}
	if err := c.manager.Interrupt(ctx, p.SessionID); err != nil {
		c.sendError(p.SessionID, fmt.Sprintf("interrupt failed: %v", err))
	}
}

func (c *Coordinator) handleSessionClose(ctx context.Context, env *Envelope) {
	var p SessionClosePayload
	if err := decodeData(env, &p); err != nil {
		c.sendError("", fmt.Sprintf("bad session_close payload: %v", err))
		return
	}
	if err := c.manager.DestroySession(ctx, p.SessionID); err != nil {
		c.sendError(p.SessionID, fmt.Sprintf("session close failed: %v", err))
		return
	}
	c.store.ClearSessionPermissions()
	c.send(TypeSessionClosed, SessionClosedPayload{
		RunnerID:  c.runnerID,
		SessionID: p.SessionID,
		Reason:    "closed by control plane",
	})
}

// ackDecision emits exactly one acknowledgment per decision.
func (c *Coordinator) ackDecision(requestID, sessionID string, err error) {
	ack := DecisionAckPayload{RequestID: requestID, SessionID: sessionID, Success: err == nil}
	if err != nil {
		ack.Error = err.Error()
		c.logger.Warn("permission decision failed",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	c.send(TypePermissionDecisionAck, ack)
}

func (c *Coordinator) sendError(sessionID, msg string) {
	c.send(TypeError, ErrorPayload{SessionID: sessionID, Message: msg})
}

// send tolerates transport failures: pending approvals stay in the registry
// and are resent on the next sync pass, everything else is best effort.
func (c *Coordinator) send(msgType string, payload interface{}) {
	if err := c.sender.SendPayload(msgType, payload); err != nil {
		c.logger.Debug("control plane send failed",
			zap.String("type", msgType),
			zap.Error(err))
	}
}

// optionKind returns the kind of the numbered option on the pending request,
// defaulting to the conventional 1=allow, 2=allow always, 3=deny layout when
// nothing is tracked.
func optionKind(pending *permission.PendingRequest, option int) string {
	if pending != nil {
		for _, opt := range pending.Request.Options {
			if opt.Number == option {
				return opt.Kind
			}
		}
	}
	switch option {
	case 1:
		return "allow_once"
	case 2:
		return "allow_always"
	default:
		return "reject_once"
	}
}

// fallbackOption maps a structured decision onto an option number for
// sessions without the decision-capable interface.
func fallbackOption(pending *permission.PendingRequest, d session.Decision) int {
	wantKind := "reject_once"
	if d.Behavior == "allow" {
		wantKind = "allow_once"
		if len(d.UpdatedPermissions) > 0 {
			wantKind = "allow_always"
		}
	}
	if pending != nil {
		for _, opt := range pending.Request.Options {
			if opt.Kind == wantKind {
				return opt.Number
			}
		}
		// no matching kind tracked, deny means the last option
		if d.Behavior != "allow" && len(pending.Request.Options) > 0 {
			return pending.Request.Options[len(pending.Request.Options)-1].Number
		}
	}
	switch wantKind {
	case "allow_once":
		return 1
	case "allow_always":
		return 2
	default:
		return 3
	}
}
