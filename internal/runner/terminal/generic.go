package terminal

import (
	"regexp"
	"strings"

	"github.com/coderelay/coderelay/internal/runner/session"
)

// genericInterpreter is the fallback for CLIs without a dedicated
// interpreter. Detection leans on universal conventions: shell-style
// prompt glyphs, spinner characters, and y/n questions.
type genericInterpreter struct{}

var (
	genericPromptGlyph = regexp.MustCompile(`[>$#%❯›]\s*$`)
	genericSpinner     = regexp.MustCompile(`^\s*[⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏◐◓◑◒|/\\\-]\s+\S`)
	genericEllipsis    = regexp.MustCompile(`(\.{3}|…)\s*$`)
	genericYesNo       = regexp.MustCompile(`(?i)\?\s*[\[(]?\s*y(es)?\s*/\s*no?\s*[\])]?\s*$`)
)

func (g *genericInterpreter) CLIType() session.CLIType { return session.CLITypeGeneric }

func (g *genericInterpreter) DetectReady(lines []string) bool {
	idx := lastNonEmpty(lines)
	return idx >= 0 && genericPromptGlyph.MatchString(strings.TrimRight(lines[idx], " \t"))
}

func (g *genericInterpreter) DetectWorking(lines []string) bool {
	idx := lastNonEmpty(lines)
	if idx < 0 {
		return false
	}
	line := strings.TrimRight(lines[idx], " \t")
	return genericSpinner.MatchString(line) || genericEllipsis.MatchString(line)
}

func (g *genericInterpreter) DetectIdle(lines []string) bool {
	return !g.DetectWorking(lines) && g.DetectReady(lines)
}

func (g *genericInterpreter) DetectPermissionPrompt(lines []string) *Prompt {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t")
		if !genericYesNo.MatchString(line) {
			continue
		}
		opts := extractOptions(lines, i)
		if len(opts) == 0 {
			opts = []PromptOption{{Number: 1, Label: "Yes"}, {Number: 2, Label: "No"}}
		}
		return &Prompt{Question: strings.TrimSpace(line), Options: opts}
	}
	return nil
}

func (g *genericInterpreter) ParseMetadata(lines []string) map[string]any { return nil }

func (g *genericInterpreter) CleanOutput(raw string) string {
	return stripDecoration(stripANSI(raw))
}
