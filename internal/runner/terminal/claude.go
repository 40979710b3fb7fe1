package terminal

import (
	"regexp"
	"strings"

	"github.com/coderelay/coderelay/internal/runner/session"
)

// claudeInterpreter understands the Claude Code interactive TUI.
type claudeInterpreter struct{}

var (
	// Example: "✻ Billowing… (esc to interrupt)"
	claudeWorkingPattern = regexp.MustCompile(
		`^\s*[✻✽✶∴·○◆▪▫□■☐☑☒★☆✓✔✗✘⚬⚫⚪⬤◯▸▹►▻◂◃◄◅✢*]\s+.+(?:…|\.{3})\s*\((esc|ctrl\+c)\s+to\s+interrupt`,
	)

	// Example: "⎿ Tip: press shift+tab to toggle modes"
	claudeTipPattern = regexp.MustCompile(`^[\s\x{00a0}]*⎿[\s\x{00a0}]+(?:Tip|Next|Hint):`)

	claudeProceedPattern  = regexp.MustCompile(`(?i)do\s+you\s+want\s+to\s+(proceed|make\s+this\s+edit|create|run|allow)`)
	claudeSelectorPattern = regexp.MustCompile(`^[\s]*[❯>]\s*\d+\.`)
	claudeFooterPattern   = regexp.MustCompile(`(?i)(enter\s+to\s+(select|confirm)|esc\s+to\s+cancel)`)

	// Example: "⏺ Bash(npm test)" or "Bash(rm -rf build)"
	claudeToolPattern = regexp.MustCompile(`(?:⏺\s*)?([A-Z][A-Za-z]+)\([^)]*\)`)

	// Trailing input-box prompt: "> " on the last visible content line.
	claudePromptGlyph = regexp.MustCompile(`^[\s\x{2502}|]*[>›]\s*$`)

	claudeSeparatorPattern = regexp.MustCompile(`^[─━═┄┅┈┉\-]{10,}$`)

	claudeModelPattern   = regexp.MustCompile(`(?i)model:\s*([a-z0-9.\-]+)`)
	claudeSessionPattern = regexp.MustCompile(`(?i)session(?:\s+id)?:\s*([0-9a-f\-]{8,})`)

	claudeBannerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*welcome\s+to\s+claude`),
		regexp.MustCompile(`^\s*[✻✽✶]\s*$`),
		regexp.MustCompile(`(?i)\? for shortcuts`),
	}
)

func (c *claudeInterpreter) CLIType() session.CLIType { return session.CLITypeClaude }

func (c *claudeInterpreter) DetectReady(lines []string) bool {
	idx := lastNonEmpty(lines)
	if idx < 0 {
		return false
	}
	// The input box renders the prompt glyph between two separator lines.
	for i := idx; i >= 0 && i > idx-6; i-- {
		if claudePromptGlyph.MatchString(lines[i]) {
			return true
		}
		if claudeSeparatorPattern.MatchString(strings.TrimSpace(lines[i])) {
			continue
		}
	}
	return false
}

func (c *claudeInterpreter) DetectWorking(lines []string) bool {
	for _, line := range lines {
		if claudeWorkingPattern.MatchString(strings.TrimRight(line, " \t")) {
			return true
		}
	}
	return false
}

func (c *claudeInterpreter) DetectIdle(lines []string) bool {
	if c.DetectWorking(lines) {
		return false
	}
	for _, line := range lines {
		if claudeTipPattern.MatchString(line) {
			return true
		}
	}
	return c.DetectReady(lines)
}

func (c *claudeInterpreter) DetectPermissionPrompt(lines []string) *Prompt {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimRight(lines[i], " \t")
		if claudeProceedPattern.MatchString(line) {
			opts := extractOptions(lines, i)
			if len(opts) == 0 {
				continue
			}
			return &Prompt{
				ToolName: findToolName(lines, i, claudeToolPattern),
				Question: strings.TrimSpace(line),
				Options:  opts,
			}
		}
		// A selector arrow alone only counts with a confirmation footer
		// nearby, otherwise menu navigation produces false prompts.
		if claudeSelectorPattern.MatchString(line) {
			for j := i + 1; j < len(lines) && j < i+5; j++ {
				if claudeFooterPattern.MatchString(lines[j]) {
					question := ""
					for k := i - 1; k >= 0 && k > i-6; k-- {
						if strings.TrimSpace(lines[k]) != "" && !optionLinePattern.MatchString(lines[k]) {
							question = strings.TrimSpace(lines[k])
							break
						}
					}
					opts := extractOptions(lines, i-1)
					if len(opts) == 0 {
						break
					}
					return &Prompt{
						ToolName: findToolName(lines, i, claudeToolPattern),
						Question: question,
						Options:  opts,
					}
				}
			}
		}
	}
	return nil
}

func (c *claudeInterpreter) ParseMetadata(lines []string) map[string]any {
	meta := map[string]any{}
	for _, line := range lines {
		if m := claudeModelPattern.FindStringSubmatch(line); m != nil {
			meta["model"] = m[1]
		}
		if m := claudeSessionPattern.FindStringSubmatch(line); m != nil {
			meta["nativeSessionId"] = m[1]
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func (c *claudeInterpreter) CleanOutput(raw string) string {
	s := stripANSI(raw)
	s = suppressLines(s, claudeBannerPatterns)
	return stripDecoration(s)
}
