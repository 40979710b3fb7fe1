// Package terminal implements the persistent interactive-terminal backend.
// One long-lived CLI process runs in a pseudo-terminal per session; the raw
// output stream is the only signal, so an interpreter infers readiness,
// activity, and approval prompts from the rendered terminal content.
package terminal

import (
	"regexp"
	"strings"

	"github.com/coderelay/coderelay/internal/runner/session"
)

// PromptOption is one selectable answer extracted from a numbered line.
type PromptOption struct {
	Number int
	Label  string
}

// Prompt describes a detected approval prompt.
type Prompt struct {
	ToolName string
	Question string
	Options  []PromptOption
}

// Interpreter is the per-CLI detection contract. All methods operate on the
// visible terminal lines (rendered through the emulator, so ANSI sequences
// and partial-line chunks are already resolved), never on cleaned output.
type Interpreter interface {
	// CLIType returns the CLI this interpreter understands.
	CLIType() session.CLIType

	// DetectReady reports a trailing input-prompt glyph, allowing readiness
	// before the quiet window elapses.
	DetectReady(lines []string) bool

	// DetectWorking reports a transient activity indicator in recent output.
	DetectWorking(lines []string) bool

	// DetectIdle reports that the agent is waiting for input.
	DetectIdle(lines []string) bool

	// DetectPermissionPrompt scans the late window for an approval prompt,
	// returning nil when none is confirmed.
	DetectPermissionPrompt(lines []string) *Prompt

	// ParseMetadata extracts incidental session metadata (model name,
	// native session id) from the visible content. May return nil.
	ParseMetadata(lines []string) map[string]any

	// CleanOutput applies the presentation transform to forwarded content.
	// Never consulted for detection.
	CleanOutput(raw string) string
}

// NewInterpreter returns the interpreter for a CLI type. Unknown types get
// the generic interpreter.
func NewInterpreter(t session.CLIType) Interpreter {
	switch t {
	case session.CLITypeClaude:
		return &claudeInterpreter{}
	case session.CLITypeGemini:
		return &geminiInterpreter{}
	case session.CLITypeCodex:
		return &codexInterpreter{}
	default:
		return &genericInterpreter{}
	}
}

// Shared extraction helpers. The per-CLI interpreters differ in their
// trigger phrases and markers but share the option/tool recovery mechanics.

var optionLinePattern = regexp.MustCompile(`^[\s\x{00a0}]*(?:[❯>›●]\s*)?(\d+)\.\s+(.+?)\s*$`)

// extractOptions collects {number, label} pairs from the numbered lines
// following the prompt line.
func extractOptions(lines []string, promptIdx int) []PromptOption {
	var opts []PromptOption
	for i := promptIdx + 1; i < len(lines); i++ {
		m := optionLinePattern.FindStringSubmatch(lines[i])
		if m == nil {
			// A gap after at least one option ends the list.
			if len(opts) > 0 && strings.TrimSpace(lines[i]) != "" {
				break
			}
			continue
		}
		number := 0
		for _, c := range m[1] {
			number = number*10 + int(c-'0')
		}
		opts = append(opts, PromptOption{Number: number, Label: strings.TrimSpace(m[2])})
	}
	return opts
}

// findToolName scans backward from the prompt line for a tool-name marker
// such as "Bash(…)" or "⏺ Edit".
func findToolName(lines []string, promptIdx int, marker *regexp.Regexp) string {
	for i := promptIdx; i >= 0; i-- {
		if m := marker.FindStringSubmatch(lines[i]); m != nil {
			return m[1]
		}
	}
	return ""
}

// lastNonEmpty returns the index of the last line with visible content.
func lastNonEmpty(lines []string) int {
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return i
		}
	}
	return -1
}
