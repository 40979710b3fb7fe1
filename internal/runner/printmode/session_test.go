package printmode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/runner/session"
)

func newTestPlugin(t *testing.T) *Plugin {
	t.Helper()
	p := NewPlugin(logger.Default())
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestMessagesRunInOrder(t *testing.T) {
	p := newTestPlugin(t)
	s, err := p.CreateSession(context.Background(), session.Config{
		SessionID: "sess-fifo",
		CLIPath:   "/bin/sh",
		CLIType:   session.CLITypeGeneric,
	})
	require.NoError(t, err)

	require.NoError(t, s.SendMessage(context.Background(), "echo first"))
	require.NoError(t, s.SendMessage(context.Background(), "echo second"))

	var outputs []string
	results := 0
	deadline := time.After(10 * time.Second)
	for results < 2 {
		select {
		case ev := <-p.Events():
			switch ev.Kind {
			case session.EventOutput:
				outputs = append(outputs, ev.Output.Content)
			case session.EventResult:
				results++
				assert.False(t, ev.Result.IsError)
			}
		case <-deadline:
			t.Fatalf("timed out; outputs so far: %v", outputs)
		}
	}

	// The login shell may print profile noise; only the echoed lines matter.
	var got []string
	for _, line := range outputs {
		if line == "first" || line == "second" {
			got = append(got, line)
		}
	}
	require.Equal(t, []string{"first", "second"}, got)
}

func TestSessionReadyImmediately(t *testing.T) {
	p := newTestPlugin(t)
	s, err := p.CreateSession(context.Background(), session.Config{
		SessionID: "sess-ready",
		CLIPath:   "/bin/true",
		CLIType:   session.CLITypeGeneric,
	})
	require.NoError(t, err)

	assert.Equal(t, session.StatusIdle, s.Status())
	info := s.Info()
	assert.True(t, info.IsReady)
	assert.True(t, info.IsOwned)

	select {
	case ev := <-p.Events():
		require.Equal(t, session.EventStatus, ev.Kind)
		assert.True(t, ev.Status.Ready)
	case <-time.After(time.Second):
		t.Fatal("no readiness event")
	}
}

func TestApprovalNotSupported(t *testing.T) {
	p := newTestPlugin(t)
	s, err := p.CreateSession(context.Background(), session.Config{
		SessionID: "sess-approval",
		CLIPath:   "/bin/true",
		CLIType:   session.CLITypeGeneric,
	})
	require.NoError(t, err)

	err = s.SendApproval(context.Background(), 1, "", "req-1")
	require.ErrorIs(t, err, session.ErrNotSupported)
}

func TestDuplicateSessionRejected(t *testing.T) {
	p := newTestPlugin(t)
	cfg := session.Config{SessionID: "dup", CLIPath: "/bin/true", CLIType: session.CLITypeGeneric}
	_, err := p.CreateSession(context.Background(), cfg)
	require.NoError(t, err)
	_, err = p.CreateSession(context.Background(), cfg)
	require.ErrorIs(t, err, session.ErrSessionExists)
}

func TestFailedRunEmitsErrorAndReturnsToIdle(t *testing.T) {
	p := newTestPlugin(t)
	s, err := p.CreateSession(context.Background(), session.Config{
		SessionID: "sess-fail",
		CLIPath:   "/bin/false",
		CLIType:   session.CLITypeGeneric,
	})
	require.NoError(t, err)
	require.NoError(t, s.SendMessage(context.Background(), "boom"))

	var sawErrorResult, sawErrorEvent bool
	deadline := time.After(10 * time.Second)
	for !sawErrorResult || !sawErrorEvent {
		select {
		case ev := <-p.Events():
			switch ev.Kind {
			case session.EventResult:
				sawErrorResult = ev.Result.IsError
			case session.EventError:
				sawErrorEvent = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for failure events")
		}
	}

	assert.Eventually(t, func() bool {
		return s.Status() == session.StatusIdle
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBuildArgsPerCLI(t *testing.T) {
	gemini := session.Config{CLIType: session.CLITypeGemini, Options: session.Options{Model: "gemini-2.5-pro"}}
	assert.Equal(t, []string{"-p", "hi", "-m", "gemini-2.5-pro"}, buildArgs(gemini, "hi"))

	claude := session.Config{CLIType: session.CLITypeClaude, Options: session.Options{
		Resume: true, ResumeSessionID: "abc",
	}}
	assert.Equal(t, []string{"-p", "hi", "--output-format", "text", "--resume", "abc"}, buildArgs(claude, "hi"))

	generic := session.Config{CLIType: session.CLITypeGeneric}
	assert.Equal(t, []string{"-lc", "ls -la"}, buildArgs(generic, "ls -la"))

	unknown := session.Config{CLIType: session.CLIType("custom"), Options: session.Options{ExtraArgs: []string{"--json"}}}
	assert.Equal(t, []string{"hi", "--json"}, buildArgs(unknown, "hi"))
}

func TestRingBufferEvictsOldest(t *testing.T) {
	b := newRingBuffer(10)
	b.append(OutputChunk{Data: "aaaaa"})
	b.append(OutputChunk{Data: "bbbbb"})
	b.append(OutputChunk{Data: "ccccc"})

	chunks := b.snapshot()
	require.Len(t, chunks, 2)
	assert.Equal(t, "bbbbb", chunks[0].Data)
	assert.Equal(t, "ccccc", chunks[1].Data)
}
