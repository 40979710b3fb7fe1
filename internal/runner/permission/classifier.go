// Package permission implements the runner-side approval policy: the
// per-runner rule store, the safe/dangerous tool classifier, and the
// pending-approval registry.
package permission

import (
	"regexp"
	"strings"
)

// Built-in tool names used by the classifier and store.
const (
	ToolBash            = "Bash"
	ToolEdit            = "Edit"
	ToolWrite           = "Write"
	ToolRead            = "Read"
	ToolGlob            = "Glob"
	ToolGrep            = "Grep"
	ToolLS              = "LS"
	ToolWebFetch        = "WebFetch"
	ToolWebSearch       = "WebSearch"
	ToolTask            = "Task"
	ToolNotebookEdit    = "NotebookEdit"
	ToolTodoWrite       = "TodoWrite"
	ToolAskUserQuestion = "AskUserQuestion"
)

// safeTools are read-only or otherwise side-effect-free built-ins.
// AskUserQuestion is listed here because it performs no action, but it is
// excluded from auto-approval: a question must always reach the user.
var safeTools = map[string]struct{}{
	ToolRead:            {},
	ToolGlob:            {},
	ToolGrep:            {},
	ToolLS:              {},
	ToolWebSearch:       {},
	ToolTodoWrite:       {},
	ToolAskUserQuestion: {},
}

// dangerousTools mutate the workspace or the outside world.
var dangerousTools = map[string]struct{}{
	ToolBash:         {},
	ToolEdit:         {},
	ToolWrite:        {},
	ToolNotebookEdit: {},
	ToolWebFetch:     {},
	ToolTask:         {},
}

// IsToolSafe reports whether a built-in tool is in the static safe set.
func IsToolSafe(name string) bool {
	_, ok := safeTools[name]
	return ok
}

// IsToolDangerous reports whether a built-in tool is dangerous. Tools in
// neither set are dangerous by default.
func IsToolDangerous(name string) bool {
	if _, ok := dangerousTools[name]; ok {
		return true
	}
	_, safe := safeTools[name]
	return !safe
}

// dangerousCommandPatterns force a "dangerous" classification regardless of
// any safe-pattern match. Checked first.
var dangerousCommandPatterns = []*regexp.Regexp{
	// Destructive file operations
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+|.*\s-[a-zA-Z]*[rf][a-zA-Z]*\b)`),
	regexp.MustCompile(`\brm\s+(/|~|\$HOME)`),
	regexp.MustCompile(`\bshred\b|\bwipefs\b`),
	regexp.MustCompile(`\bmv\s+\S+\s+/dev/null`),
	// Privilege escalation
	regexp.MustCompile(`\bsudo\b|\bdoas\b|\bsu\s+-`),
	// Permission / ownership changes
	regexp.MustCompile(`\bchmod\b|\bchown\b|\bchgrp\b`),
	// System power control
	regexp.MustCompile(`\bshutdown\b|\breboot\b|\bhalt\b|\bpoweroff\b|\binit\s+[06]\b`),
	// Process kill
	regexp.MustCompile(`\bkill\b|\bpkill\b|\bkillall\b`),
	// Disk formatting / partitioning
	regexp.MustCompile(`\bmkfs\b|\bfdisk\b|\bparted\b|\bdd\s+.*of=/dev/`),
	// Firewall / routing
	regexp.MustCompile(`\biptables\b|\bnft\b|\bufw\b|\bfirewall-cmd\b|\broute\s+(add|del)\b|\bip\s+route\b`),
	// Git history rewriting / force operations
	regexp.MustCompile(`\bgit\s+push\s+.*(--force\b|-f\b)`),
	regexp.MustCompile(`\bgit\s+reset\s+--hard\b`),
	regexp.MustCompile(`\bgit\s+(filter-branch|filter-repo)\b`),
	regexp.MustCompile(`\bgit\s+clean\s+-[a-zA-Z]*f`),
	// Secret handling
	regexp.MustCompile(`\bexport\s+\w*(KEY|TOKEN|SECRET|PASSWORD|CREDENTIAL)\w*=`),
	regexp.MustCompile(`\bcat\s+\S*\.(pem|key)\b`),
	// State-changing HTTP verbs
	regexp.MustCompile(`\bcurl\s+.*-X\s*(POST|PUT|DELETE|PATCH)\b`),
	regexp.MustCompile(`\bwget\s+.*--(post-data|post-file|method=(post|put|delete))\b`),
	// Destructive database statements
	regexp.MustCompile(`(?i)\b(DROP|TRUNCATE)\s+(TABLE|DATABASE|SCHEMA|INDEX)\b`),
	regexp.MustCompile(`(?i)\bDELETE\s+FROM\b`),
	// Dynamic code execution
	regexp.MustCompile(`\beval\b|\bexec\s`),
	regexp.MustCompile(`\bpython[23]?\s+-c\b|\bnode\s+-e\b|\bperl\s+-e\b|\bruby\s+-e\b`),
	// Fork bomb
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}`),
	// Download-and-execute pipelines
	regexp.MustCompile(`\b(curl|wget)\b[^|;]*\|\s*(sudo\s+)?(ba)?sh\b`),
	// Overwriting root paths
	regexp.MustCompile(`>\s*/(etc|boot|usr|bin|sbin|lib|dev|sys|proc)/`),
}

// safeCommandPatterns is the read-only / routine-tooling allowlist.
// A command is safe only if it matches one of these and no dangerous pattern.
var safeCommandPatterns = []*regexp.Regexp{
	// Read-only file and text tools
	regexp.MustCompile(`^\s*(ls|pwd|cat|head|tail|less|more|wc|file|stat|du|df|tree)\b`),
	regexp.MustCompile(`^\s*(grep|rg|ag|find|fd|which|whereis|type)\b`),
	regexp.MustCompile(`^\s*(echo|printf|date|cal|env|printenv)\b`),
	regexp.MustCompile(`^\s*(diff|cmp|sort|uniq|cut|tr|awk|sed\s+-n)\b`),
	// Read-only git
	regexp.MustCompile(`^\s*git\s+(status|log|diff|show|branch|remote|tag|stash\s+list|blame|describe|rev-parse|ls-files|ls-remote|fetch\s+--dry-run)\b`),
	// Read-only system / network info
	regexp.MustCompile(`^\s*(uname|hostname|whoami|id|uptime|free|nproc|arch|lscpu)\b`),
	regexp.MustCompile(`^\s*(ping\s+-c|dig|nslookup|host|ip\s+addr|ifconfig|netstat\s+-|ss\s+-)\b`),
	regexp.MustCompile(`^\s*(ps|top\s+-b|jobs|pgrep)\b`),
	// Package managers: install/run/version checks
	regexp.MustCompile(`^\s*(npm|pnpm|yarn)\s+(install|ci|ls|list|view|info|run|test|outdated|--version)\b`),
	regexp.MustCompile(`^\s*(pip|pip3)\s+(install|list|show|freeze|--version)\b`),
	regexp.MustCompile(`^\s*go\s+(build|test|vet|run|list|mod\s+(tidy|download)|version|env)\b`),
	regexp.MustCompile(`^\s*cargo\s+(build|test|check|clippy|run|--version)\b`),
	regexp.MustCompile(`^\s*(npx|uvx|bundle)\s+\S+`),
	// Build / lint / test tools
	regexp.MustCompile(`^\s*(make|cmake|ninja)\b`),
	regexp.MustCompile(`^\s*(eslint|prettier|ruff|black|flake8|mypy|pylint|gofmt|goimports|golangci-lint)\b`),
	regexp.MustCompile(`^\s*(pytest|jest|vitest|mocha|tsc|rspec)\b`),
	regexp.MustCompile(`^\s*\S+\s+(--version|-v|--help|-h)\s*$`),
}

// IsBashCommandSafe classifies a shell command. Dangerous patterns are
// checked first and always win; absence of any match is dangerous.
func IsBashCommandSafe(command string) bool {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return false
	}

	for _, p := range dangerousCommandPatterns {
		if p.MatchString(trimmed) {
			return false
		}
	}
	for _, p := range safeCommandPatterns {
		if p.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// ShouldAutoApproveInSafeMode decides whether a tool invocation may proceed
// without a human decision when the session runs in auto-safe mode.
// The user-question tool is never auto-approved: it exists to reach the user.
func ShouldAutoApproveInSafeMode(toolName string, input map[string]any) bool {
	if toolName == ToolAskUserQuestion {
		return false
	}
	if IsToolSafe(toolName) {
		return true
	}
	if toolName == ToolBash {
		cmd, _ := input["command"].(string)
		return IsBashCommandSafe(cmd)
	}
	return false
}
