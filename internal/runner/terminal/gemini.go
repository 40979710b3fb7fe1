package terminal

import (
	"regexp"
	"strings"

	"github.com/coderelay/coderelay/internal/runner/session"
)

// geminiInterpreter understands the Gemini CLI interactive TUI.
type geminiInterpreter struct{}

var (
	// Example: "⠋ Thinking... (esc to cancel)"
	geminiWorkingLine = regexp.MustCompile(
		`^\s*[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏✦✶✻◐◓◑◒]\s+.+(\.{3}|…)`,
	)

	geminiConfirmLine  = regexp.MustCompile(`(?i)(allow\s+execution|apply\s+this\s+change|do\s+you\s+want\s+to)`)
	geminiSelectorLine = regexp.MustCompile(`^[\s]*[●❯>]\s*\d+\.`)
	geminiFooterLine   = regexp.MustCompile(`(?i)(use\s+enter|enter\s+to\s+(select|confirm)|esc\s+to\s+cancel)`)

	geminiToolLine = regexp.MustCompile(`(?:✦|✔)?\s*([A-Z][A-Za-z]+Tool|Shell|WriteFile|ReadFile|Edit)\b`)

	geminiPromptGlyph = regexp.MustCompile(`^[\s\x{2502}|]*[>]\s*(Type your message.*)?$`)

	geminiModelLine = regexp.MustCompile(`(?i)\b(gemini-[a-z0-9.\-]+)\b`)

	geminiBannerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*gemini\s*(cli)?\s*$`),
		regexp.MustCompile(`(?i)tips\s+for\s+getting\s+started`),
	}
)

func (g *geminiInterpreter) CLIType() session.CLIType { return session.CLITypeGemini }

func (g *geminiInterpreter) DetectReady(lines []string) bool {
	idx := lastNonEmpty(lines)
	if idx < 0 {
		return false
	}
	for i := idx; i >= 0 && i > idx-4; i-- {
		if geminiPromptGlyph.MatchString(lines[i]) {
			return true
		}
	}
	return false
}

func (g *geminiInterpreter) DetectWorking(lines []string) bool {
	for _, line := range lines {
		if geminiWorkingLine.MatchString(strings.TrimRight(line, " \t")) {
			return true
		}
	}
	return false
}

func (g *geminiInterpreter) DetectIdle(lines []string) bool {
	return !g.DetectWorking(lines) && g.DetectReady(lines)
}

func (g *geminiInterpreter) DetectPermissionPrompt(lines []string) *Prompt {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t")
		if !geminiConfirmLine.MatchString(line) {
			continue
		}
		confirmed := false
		for j := i; j < len(lines) && j < i+8; j++ {
			if geminiSelectorLine.MatchString(lines[j]) || geminiFooterLine.MatchString(lines[j]) {
				confirmed = true
				break
			}
		}
		if !confirmed {
			continue
		}
		opts := extractOptions(lines, i)
		if len(opts) == 0 {
			continue
		}
		return &Prompt{
			ToolName: findToolName(lines, i, geminiToolLine),
			Question: strings.TrimSpace(line),
			Options:  opts,
		}
	}
	return nil
}

func (g *geminiInterpreter) ParseMetadata(lines []string) map[string]any {
	for _, line := range lines {
		if m := geminiModelLine.FindStringSubmatch(line); m != nil {
			return map[string]any{"model": m[1]}
		}
	}
	return nil
}

func (g *geminiInterpreter) CleanOutput(raw string) string {
	s := stripANSI(raw)
	s = suppressLines(s, geminiBannerPatterns)
	return stripDecoration(s)
}
