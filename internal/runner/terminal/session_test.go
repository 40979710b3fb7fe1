package terminal

import (
	"context"
	"testing"
	"time"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/runner/session"
)

func streamingSession(t *testing.T, p *Plugin, id string) {
	t.Helper()
	_, err := p.CreateSession(context.Background(), session.Config{
		SessionID: id,
		CLIType:   session.CLITypeGeneric,
		CLIPath:   "/bin/sh",
		Options: session.Options{
			ExtraArgs: []string{"-c", "while true; do echo streaming; done"},
		},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
}

// Shutdown must close the shared event channel only after every session
// goroutine has stopped publishing, even with output still flowing.
func TestShutdownWhileOutputStreaming(t *testing.T) {
	for i := 0; i < 5; i++ {
		p := NewPlugin(Options{
			QuietWindow:  10 * time.Millisecond,
			ReadyTimeout: 50 * time.Millisecond,
		}, logger.Default())
		streamingSession(t, p, "sess-stream")

		drained := make(chan struct{})
		go func() {
			for range p.Events() {
			}
			close(drained)
		}()

		time.Sleep(30 * time.Millisecond)
		if err := p.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
		select {
		case <-drained:
		case <-time.After(5 * time.Second):
			t.Fatal("event channel not closed after shutdown")
		}
	}
}

func TestCloseRejectsFurtherInput(t *testing.T) {
	p := NewPlugin(Options{
		QuietWindow:  10 * time.Millisecond,
		ReadyTimeout: 50 * time.Millisecond,
	}, logger.Default())
	streamingSession(t, p, "sess-closed")
	defer p.Shutdown(context.Background())

	go func() {
		for range p.Events() {
		}
	}()

	s, ok := p.GetSession("sess-closed")
	if !ok {
		t.Fatal("session not found")
	}
	if err := p.DestroySession(context.Background(), "sess-closed"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := s.SendMessage(context.Background(), "hello"); err == nil {
		t.Error("send after close should fail")
	}
	if got := s.Status(); got != session.StatusOffline {
		t.Errorf("status = %q, want offline", got)
	}
}
