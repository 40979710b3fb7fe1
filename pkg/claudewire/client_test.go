package claudewire

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coderelay/coderelay/internal/common/logger"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

func TestClient_SendUserMessage(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	err := client.SendUserMessage("Hello, Claude!")
	if err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	var msg UserMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}

	if msg.Type != MessageTypeUser {
		t.Errorf("Type = %q, want %q", msg.Type, MessageTypeUser)
	}
	if msg.Message.Role != "user" {
		t.Errorf("Message.Role = %q, want %q", msg.Message.Role, "user")
	}
	if msg.Message.Content != "Hello, Claude!" {
		t.Errorf("Message.Content = %q, want %q", msg.Message.Content, "Hello, Claude!")
	}
}

func TestClient_SendControlResponse(t *testing.T) {
	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(""), newTestLogger())

	resp := &ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: "req123",
		Response: &ControlResponse{
			Subtype: "success",
			Result: &PermissionResult{
				Behavior: BehaviorAllow,
			},
		},
	}

	if err := client.SendControlResponse(resp); err != nil {
		t.Fatalf("SendControlResponse() error = %v", err)
	}

	var parsed ControlResponseMessage
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &parsed); err != nil {
		t.Fatalf("failed to parse sent message: %v", err)
	}

	if parsed.RequestID != "req123" {
		t.Errorf("RequestID = %q, want %q", parsed.RequestID, "req123")
	}
	if parsed.Response.Result.Behavior != BehaviorAllow {
		t.Errorf("Behavior = %q, want %q", parsed.Response.Result.Behavior, BehaviorAllow)
	}
}

func TestClient_ControlRequestDispatchedToHandler(t *testing.T) {
	line := `{"type":"control_request","request_id":"perm-1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls -la"}}}` + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(line), newTestLogger())

	var mu sync.Mutex
	var gotID string
	var gotReq *ControlRequest
	done := make(chan struct{})

	client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		mu.Lock()
		gotID = requestID
		gotReq = req
		mu.Unlock()
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotID != "perm-1" {
		t.Errorf("requestID = %q, want perm-1", gotID)
	}
	if gotReq.Subtype != SubtypeCanUseTool {
		t.Errorf("subtype = %q, want %q", gotReq.Subtype, SubtypeCanUseTool)
	}
	if gotReq.ToolName != ToolBash {
		t.Errorf("tool_name = %q, want Bash", gotReq.ToolName)
	}
	if gotReq.Input["command"] != "ls -la" {
		t.Errorf("input.command = %v", gotReq.Input["command"])
	}
}

func TestClient_NoHandlerSendsErrorResponse(t *testing.T) {
	line := `{"type":"control_request","request_id":"perm-2","request":{"subtype":"can_use_tool","tool_name":"Write"}}` + "\n"

	pr, pw := newSyncPipe()
	client := NewClient(pw, strings.NewReader(line), newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)

	var parsed ControlResponseMessage
	select {
	case written := <-pr:
		if err := json.Unmarshal(bytes.TrimSpace(written), &parsed); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no auto error response written")
	}

	if parsed.RequestID != "perm-2" {
		t.Errorf("RequestID = %q, want perm-2", parsed.RequestID)
	}
	if parsed.Response.Subtype != "error" {
		t.Errorf("Subtype = %q, want error", parsed.Response.Subtype)
	}
}

func TestClient_AssistantMessageForwarded(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done"}]}}` + "\n"

	var buf bytes.Buffer
	client := NewClient(&buf, strings.NewReader(line), newTestLogger())

	done := make(chan *CLIMessage, 1)
	client.SetMessageHandler(func(msg *CLIMessage) { done <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	<-client.Start(ctx)

	select {
	case msg := <-done:
		if msg.Type != MessageTypeAssistant {
			t.Errorf("Type = %q, want assistant", msg.Type)
		}
		if len(msg.Message.Content) != 1 || msg.Message.Content[0].Text != "done" {
			t.Errorf("content = %+v", msg.Message.Content)
		}
		if len(msg.RawContent) == 0 {
			t.Error("RawContent not preserved")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message handler not invoked")
	}
}

func TestResultParsing(t *testing.T) {
	objMsg := CLIMessage{Result: json.RawMessage(`{"text":"ok","session_id":"abc"}`)}
	data := objMsg.GetResultData()
	if data == nil || data.Text != "ok" || data.SessionID != "abc" {
		t.Errorf("GetResultData() = %+v", data)
	}

	strMsg := CLIMessage{Result: json.RawMessage(`"something failed"`)}
	if got := strMsg.GetResultString(); got != "something failed" {
		t.Errorf("GetResultString() = %q", got)
	}
	if strMsg.GetResultData() != nil {
		t.Error("string result should not parse as ResultData")
	}
}

func TestPermissionUpdateRoundTrip(t *testing.T) {
	raw := `{"type":"addRules","behavior":"allow","destination":"projectSettings","rules":[{"toolName":"Bash","ruleContent":"npm run build"}]}`
	var update PermissionUpdate
	if err := json.Unmarshal([]byte(raw), &update); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if update.Type != UpdateAddRules {
		t.Errorf("Type = %q", update.Type)
	}
	if update.Destination != "projectSettings" {
		t.Errorf("Destination = %q", update.Destination)
	}
	if len(update.Rules) != 1 || update.Rules[0].ToolName != "Bash" || update.Rules[0].RuleContent != "npm run build" {
		t.Errorf("Rules = %+v", update.Rules)
	}
}

// newSyncPipe returns a writer whose writes arrive on the returned channel.
func newSyncPipe() (<-chan []byte, *chanWriter) {
	ch := make(chan []byte, 4)
	return ch, &chanWriter{ch: ch}
}

type chanWriter struct{ ch chan []byte }

func (w *chanWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	w.ch <- cp
	return len(p), nil
}
