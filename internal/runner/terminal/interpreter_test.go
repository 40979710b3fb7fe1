package terminal

import (
	"strings"
	"testing"
)

func TestClaudeDetectWorking(t *testing.T) {
	lines := []string{
		"⏺ Reading internal/config.go",
		"✻ Brewing… (esc to interrupt)",
		"",
	}
	c := &claudeInterpreter{}
	if !c.DetectWorking(lines) {
		t.Error("expected working state for spinner line with interrupt hint")
	}
	if c.DetectIdle(lines) {
		t.Error("working lines must not also read as idle")
	}
}

func TestClaudeDetectWorkingRequiresInterruptHint(t *testing.T) {
	c := &claudeInterpreter{}
	lines := []string{"✻ Brewing…"}
	if c.DetectWorking(lines) {
		t.Error("spinner without interrupt hint should not count as working")
	}
}

func TestClaudeDetectPermissionPrompt(t *testing.T) {
	lines := []string{
		"⏺ Bash(rm -rf build)",
		"",
		"Do you want to proceed?",
		"❯ 1. Yes",
		"  2. Yes, and don't ask again for rm commands",
		"  3. No, and tell Claude what to do differently",
		"",
		"Enter to select",
	}
	c := &claudeInterpreter{}
	p := c.DetectPermissionPrompt(lines)
	if p == nil {
		t.Fatal("expected a permission prompt")
	}
	if p.ToolName != "Bash" {
		t.Errorf("tool name = %q, want Bash", p.ToolName)
	}
	if len(p.Options) != 3 {
		t.Fatalf("got %d options, want 3", len(p.Options))
	}
	if p.Options[0].Number != 1 || p.Options[0].Label != "Yes" {
		t.Errorf("first option = %+v", p.Options[0])
	}
	if p.Options[2].Number != 3 {
		t.Errorf("third option number = %d, want 3", p.Options[2].Number)
	}
}

func TestClaudeSelectorWithoutFooterIsNotAPrompt(t *testing.T) {
	lines := []string{
		"Pick a theme",
		"❯ 1. Dark",
		"  2. Light",
	}
	c := &claudeInterpreter{}
	if p := c.DetectPermissionPrompt(lines); p != nil {
		t.Errorf("menu without confirmation footer detected as prompt: %+v", p)
	}
}

func TestClaudeDetectReady(t *testing.T) {
	lines := []string{
		"Some earlier output",
		"──────────────────────────",
		"> ",
		"──────────────────────────",
	}
	c := &claudeInterpreter{}
	if !c.DetectReady(lines) {
		t.Error("expected ready for trailing input-box prompt")
	}
}

func TestClaudeCleanOutput(t *testing.T) {
	raw := "\x1b[2mWelcome to Claude Code\x1b[0m\n│ hello world │\n\x1b[1mresult\x1b[0m"
	c := &claudeInterpreter{}
	got := c.CleanOutput(raw)
	if strings.Contains(got, "\x1b") {
		t.Errorf("escape sequences survived cleaning: %q", got)
	}
	if strings.Contains(got, "Welcome to Claude") {
		t.Errorf("banner survived cleaning: %q", got)
	}
	if !strings.Contains(got, "hello world") || !strings.Contains(got, "result") {
		t.Errorf("content lost during cleaning: %q", got)
	}
}

func TestCleaningDoesNotAffectDetection(t *testing.T) {
	// Detection runs on emulator lines, cleaning on the raw stream. A
	// banner line that cleaning drops must still be visible to detectors.
	scr := newScreen(80, 10)
	scr.Write([]byte("Do you want to proceed?\r\n❯ 1. Yes\r\n  2. No\r\nEnter to select\r\n"))
	c := &claudeInterpreter{}
	if p := c.DetectPermissionPrompt(scr.Lines()); p == nil {
		t.Fatal("prompt not detected on emulator lines")
	}
}

func TestCodexDetectWorking(t *testing.T) {
	lines := []string{"• Working (65s • esc to interrupt)"}
	c := &codexInterpreter{}
	if !c.DetectWorking(lines) {
		t.Error("expected working for codex timer line")
	}
}

func TestCodexIgnoresMCPNoise(t *testing.T) {
	c := &codexInterpreter{}
	if c.DetectWorking([]string{"Starting MCP servers (10s • esc to interrupt)"}) {
		t.Error("mcp startup noise should not read as working")
	}
}

func TestCodexDetectIdleAfterWorkedLine(t *testing.T) {
	lines := []string{"─ Worked for 2m 30s─────────", ""}
	c := &codexInterpreter{}
	if !c.DetectIdle(lines) {
		t.Error("expected idle after worked-for line")
	}
}

func TestCodexDetectPermissionPrompt(t *testing.T) {
	lines := []string{
		"Run shell command?",
		"Allow command? ",
		"› 1. Yes, run it",
		"  2. No",
		"Press enter to confirm",
	}
	c := &codexInterpreter{}
	p := c.DetectPermissionPrompt(lines)
	if p == nil {
		t.Fatal("expected a permission prompt")
	}
	if len(p.Options) != 2 {
		t.Fatalf("got %d options, want 2", len(p.Options))
	}
}

func TestGeminiDetectPermissionPrompt(t *testing.T) {
	lines := []string{
		"Shell ls -la",
		"Allow execution?",
		"● 1. Yes, allow once",
		"  2. Yes, allow always",
		"  3. No (esc)",
		"Use Enter to select",
	}
	g := &geminiInterpreter{}
	p := g.DetectPermissionPrompt(lines)
	if p == nil {
		t.Fatal("expected a permission prompt")
	}
	if len(p.Options) != 3 {
		t.Fatalf("got %d options, want 3", len(p.Options))
	}
	if p.Options[1].Label != "Yes, allow always" {
		t.Errorf("second option label = %q", p.Options[1].Label)
	}
}

func TestGenericYesNoPrompt(t *testing.T) {
	g := &genericInterpreter{}
	p := g.DetectPermissionPrompt([]string{"Overwrite existing file? [y/n]"})
	if p == nil {
		t.Fatal("expected a prompt for y/n question")
	}
	if len(p.Options) != 2 {
		t.Fatalf("got %d synthesized options, want 2", len(p.Options))
	}
}

func TestGenericDetectReady(t *testing.T) {
	g := &genericInterpreter{}
	if !g.DetectReady([]string{"build complete", "$ "}) {
		t.Error("expected ready for shell prompt glyph")
	}
	if g.DetectReady([]string{"downloading..."}) {
		t.Error("ellipsis line should not read as ready")
	}
}

func TestExtractOptionsStopsAtGap(t *testing.T) {
	lines := []string{
		"Do you want to proceed?",
		"❯ 1. Yes",
		"  2. No",
		"unrelated trailing text",
		"  3. Not an option anymore",
	}
	opts := extractOptions(lines, 0)
	if len(opts) != 2 {
		t.Fatalf("got %d options, want 2", len(opts))
	}
}

func TestScreenResolvesRedraws(t *testing.T) {
	scr := newScreen(40, 5)
	// Spinner frames redraw the same line via carriage return.
	scr.Write([]byte("working.\rworking..\rworking..."))
	lines := scr.Lines()
	found := false
	for _, l := range lines {
		if strings.Contains(l, "working...") {
			found = true
		}
		if strings.Contains(l, "working.\r") {
			t.Errorf("raw control bytes leaked into screen line: %q", l)
		}
	}
	if !found {
		t.Error("final spinner frame not visible on screen")
	}
}
