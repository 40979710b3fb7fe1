package terminal

import (
	"regexp"
	"strings"

	"github.com/coderelay/coderelay/internal/runner/session"
)

// codexInterpreter understands the Codex interactive TUI. Codex emits
// intermittent output while working, so the session's quiet window carries
// more weight than with Claude.
type codexInterpreter struct{}

var (
	// Example: "• Working (65s • esc to interrupt)"
	codexWorkingLine = regexp.MustCompile(
		`^[•◦]\s*.+\(?(\d+h\s+)?(\d+m\s+)?\d+s\s*[•·]\s*(esc|ctrl\+c)\s+to\s+interrup(t)?\)?`,
	)

	// Example: "─ Worked for 2m 30s─────────"
	codexWorkedLine = regexp.MustCompile(`^─\s*Worked\s+for\s+.+─+$`)

	codexMCPNoise = regexp.MustCompile(`(?i)starting\s+mcp\s+servers?`)

	codexSelectorLine = regexp.MustCompile(`^[›❯]\s*\d+\.\s+`)
	codexConfirmLine  = regexp.MustCompile(`(?i)(press\s+enter\s+to\s+confirm|esc\s+to\s+cancel)`)
	codexApprovalLine = regexp.MustCompile(`(?i)(approve|allow|confirm|proceed)\s*\?`)

	codexToolLine = regexp.MustCompile(`(?i)(?:run|exec(?:ute)?)\s+(shell|bash|apply_patch|patch)\b`)

	codexPromptGlyph = regexp.MustCompile(`^[\s▌]*[›>]\s*$`)

	codexModelLine = regexp.MustCompile(`(?i)model:\s*([a-z0-9.\-]+)`)

	codexBannerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*openai\s+codex`),
		codexMCPNoise,
	}
)

func (c *codexInterpreter) CLIType() session.CLIType { return session.CLITypeCodex }

func (c *codexInterpreter) DetectReady(lines []string) bool {
	idx := lastNonEmpty(lines)
	return idx >= 0 && codexPromptGlyph.MatchString(lines[idx])
}

func (c *codexInterpreter) DetectWorking(lines []string) bool {
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if codexMCPNoise.MatchString(line) {
			continue
		}
		if codexWorkingLine.MatchString(line) {
			return true
		}
	}
	return false
}

func (c *codexInterpreter) DetectIdle(lines []string) bool {
	if c.DetectWorking(lines) {
		return false
	}
	for _, line := range lines {
		if codexWorkedLine.MatchString(strings.TrimRight(line, " \t")) {
			return true
		}
	}
	return c.DetectReady(lines)
}

func (c *codexInterpreter) DetectPermissionPrompt(lines []string) *Prompt {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t")
		if !codexSelectorLine.MatchString(line) && !codexApprovalLine.MatchString(line) {
			continue
		}
		confirmed := codexApprovalLine.MatchString(line)
		for j := i; j < len(lines) && j < i+5 && !confirmed; j++ {
			confirmed = codexConfirmLine.MatchString(lines[j])
		}
		if !confirmed {
			continue
		}
		start := i
		if codexSelectorLine.MatchString(line) {
			start = i - 1
		}
		opts := extractOptions(lines, start)
		if len(opts) == 0 {
			continue
		}
		question := ""
		for k := start; k >= 0 && k > start-6; k-- {
			if codexApprovalLine.MatchString(lines[k]) {
				question = strings.TrimSpace(lines[k])
				break
			}
		}
		tool := ""
		if m := codexToolLine.FindStringSubmatch(strings.Join(lines[max(0, start-8):start+1], "\n")); m != nil {
			tool = m[1]
		}
		return &Prompt{ToolName: tool, Question: question, Options: opts}
	}
	return nil
}

func (c *codexInterpreter) ParseMetadata(lines []string) map[string]any {
	for _, line := range lines {
		if m := codexModelLine.FindStringSubmatch(line); m != nil {
			return map[string]any{"model": m[1]}
		}
	}
	return nil
}

func (c *codexInterpreter) CleanOutput(raw string) string {
	s := stripANSI(raw)
	s = suppressLines(s, codexBannerPatterns)
	return stripDecoration(s)
}
