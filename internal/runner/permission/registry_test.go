package permission

import (
	"errors"
	"strings"
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

func testRequest(sessionID, requestID string) session.ApprovalEvent {
	return session.ApprovalEvent{
		RequestID: requestID,
		SessionID: sessionID,
		ToolName:  ToolBash,
		Timestamp: time.Now().UTC(),
	}
}

func TestTrackAndGet(t *testing.T) {
	r := NewRegistry(time.Hour, time.Second, testLogger(t))
	r.Track(testRequest("s1", "s1-1739584000000-a1b2c3d4"))

	p, ok := r.Get("s1-1739584000000-a1b2c3d4")
	if !ok {
		t.Fatal("expected entry")
	}
	if p.Request.SessionID != "s1" {
		t.Errorf("session id = %q", p.Request.SessionID)
	}
	if p.ResendCount != 0 {
		t.Errorf("resend count = %d", p.ResendCount)
	}
	if r.Len() != 1 {
		t.Errorf("len = %d", r.Len())
	}

	if !r.Remove("s1-1739584000000-a1b2c3d4") {
		t.Error("remove should report existing entry")
	}
	if r.Remove("s1-1739584000000-a1b2c3d4") {
		t.Error("second remove should report missing entry")
	}
}

func TestSyncPrunesExpiredEntries(t *testing.T) {
	r := NewRegistry(30*time.Minute, time.Second, testLogger(t))
	base := time.Now().UTC()
	r.now = func() time.Time { return base }
	r.Track(testRequest("s1", "s1-1739584000000-a1b2c3d4"))

	r.now = func() time.Time { return base.Add(31 * time.Minute) }
	resent := r.Sync(SyncFilter{}, func(session.ApprovalEvent) error {
		t.Fatal("expired entry must not be resent")
		return nil
	})
	if resent != 0 {
		t.Errorf("resent = %d", resent)
	}
	if r.Len() != 0 {
		t.Errorf("expired entry should be pruned, len = %d", r.Len())
	}
}

func TestSyncRespectsCooldown(t *testing.T) {
	r := NewRegistry(time.Hour, 3*time.Second, testLogger(t))
	base := time.Now().UTC()
	r.now = func() time.Time { return base }
	r.Track(testRequest("s1", "s1-1739584000000-a1b2c3d4"))

	// within cooldown: nothing goes out
	r.now = func() time.Time { return base.Add(time.Second) }
	if n := r.Sync(SyncFilter{}, func(session.ApprovalEvent) error { return nil }); n != 0 {
		t.Errorf("resent within cooldown: %d", n)
	}

	// past cooldown: exactly one resend, counters move
	r.now = func() time.Time { return base.Add(4 * time.Second) }
	var sent []string
	n := r.Sync(SyncFilter{}, func(req session.ApprovalEvent) error {
		sent = append(sent, req.RequestID)
		return nil
	})
	if n != 1 || len(sent) != 1 {
		t.Fatalf("resent = %d, sent = %v", n, sent)
	}
	p, _ := r.Get("s1-1739584000000-a1b2c3d4")
	if p.ResendCount != 1 {
		t.Errorf("resend count = %d", p.ResendCount)
	}

	// immediately after a resend the cooldown applies again
	if n := r.Sync(SyncFilter{}, func(session.ApprovalEvent) error { return nil }); n != 0 {
		t.Errorf("resent right after resend: %d", n)
	}
}

func TestSyncFilterBySession(t *testing.T) {
	r := NewRegistry(time.Hour, time.Nanosecond, testLogger(t))
	base := time.Now().UTC()
	r.now = func() time.Time { return base }
	r.Track(testRequest("s1", "s1-1739584000000-a1b2c3d4"))
	r.Track(testRequest("s2", "s2-1739584000000-b2c3d4e5"))

	r.now = func() time.Time { return base.Add(time.Second) }
	var sent []string
	r.Sync(SyncFilter{SessionID: "s2"}, func(req session.ApprovalEvent) error {
		sent = append(sent, req.SessionID)
		return nil
	})
	if len(sent) != 1 || sent[0] != "s2" {
		t.Errorf("sent = %v", sent)
	}
}

func TestSyncSendFailureKeepsEntry(t *testing.T) {
	r := NewRegistry(time.Hour, time.Nanosecond, testLogger(t))
	base := time.Now().UTC()
	r.now = func() time.Time { return base }
	r.Track(testRequest("s1", "s1-1739584000000-a1b2c3d4"))

	r.now = func() time.Time { return base.Add(time.Second) }
	n := r.Sync(SyncFilter{}, func(session.ApprovalEvent) error {
		return errors.New("transport down")
	})
	if n != 0 {
		t.Errorf("resent = %d", n)
	}
	p, ok := r.Get("s1-1739584000000-a1b2c3d4")
	if !ok {
		t.Fatal("entry should survive a failed send")
	}
	if p.ResendCount != 0 {
		t.Errorf("failed send must not count as a resend, count = %d", p.ResendCount)
	}
}

func TestRequestIDStructure(t *testing.T) {
	id := NewRequestID("sess-42")
	if !strings.HasPrefix(id, "sess-42-") {
		t.Fatalf("id %q should embed the session id", id)
	}
	got, ok := SessionIDFromRequestID(id)
	if !ok || got != "sess-42" {
		t.Errorf("parsed %q, ok=%v", got, ok)
	}

	got, ok = SessionIDFromRequestID("sess-42-1739584000000-a1b2c3d4")
	if !ok || got != "sess-42" {
		t.Errorf("parsed %q, ok=%v", got, ok)
	}

	// suffix is optional
	got, ok = SessionIDFromRequestID("sess-42-1739584000000")
	if !ok || got != "sess-42" {
		t.Errorf("parsed %q, ok=%v", got, ok)
	}

	if _, ok := SessionIDFromRequestID("not-a-generated-id"); ok {
		t.Error("arbitrary string should not parse")
	}
}
