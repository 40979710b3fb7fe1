package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/runner/session"
)

// Scope is the durability tier of a granted permission.
type Scope string

const (
	// ScopeSession rules live only in memory for the current session.
	ScopeSession Scope = "session"
	// ScopeLocalSettings rules persist to the project-local (unshared) file.
	ScopeLocalSettings Scope = "localSettings"
	// ScopeProjectSettings rules persist to the shared project file.
	ScopeProjectSettings Scope = "projectSettings"
	// ScopeUserSettings rules persist to the user-global file.
	ScopeUserSettings Scope = "userSettings"
)

// Permission modes.
const (
	ModeDefault     = "default"
	ModeAcceptEdits = "acceptEdits"
	ModeAutoSafe    = "autoSafe"
	ModePlan        = "plan"
)

// ToolRule is one allow-rule for a tool. Rules are additive only; there is
// no deny rule type. Absence of a matching rule means "not allowed".
type ToolRule struct {
	ToolName    string    `json:"tool_name"`
	RuleContent string    `json:"rule_content,omitempty"`
	Scope       Scope     `json:"scope"`
	CreatedAt   time.Time `json:"created_at"`
}

// SettingsPaths locates the three persisted settings documents.
type SettingsPaths struct {
	Local   string // project-local, unshared (e.g. .coderelay/settings.local.json)
	Project string // project-shared (e.g. .coderelay/settings.json)
	User    string // user-global (e.g. ~/.coderelay/settings.json)
}

// DefaultSettingsPaths builds the layered settings locations for a project
// settings directory.
func DefaultSettingsPaths(settingsDir string) SettingsPaths {
	home, _ := os.UserHomeDir()
	return SettingsPaths{
		Local:   filepath.Join(settingsDir, "settings.local.json"),
		Project: filepath.Join(settingsDir, "settings.json"),
		User:    filepath.Join(home, ".coderelay", "settings.json"),
	}
}

func (p SettingsPaths) forScope(s Scope) string {
	switch s {
	case ScopeLocalSettings:
		return p.Local
	case ScopeProjectSettings:
		return p.Project
	case ScopeUserSettings:
		return p.User
	default:
		return ""
	}
}

// settingsDocument is the on-disk JSON shape. Unknown fields in an existing
// document are preserved across saves via Extra.
type settingsDocument struct {
	Permissions settingsPermissions        `json:"permissions"`
	Extra       map[string]json.RawMessage `json:"-"`
}

type settingsPermissions struct {
	Allow                 []string `json:"allow,omitempty"`
	AdditionalDirectories []string `json:"additionalDirectories,omitempty"`
	DefaultMode           string   `json:"defaultMode,omitempty"`
}

// Store holds the per-runner permission state: tool allow-rules, allowed
// directories, and the permission mode.
type Store struct {
	logger *logger.Logger
	paths  SettingsPaths

	mu          sync.RWMutex
	rules       map[string][]ToolRule
	directories map[string]Scope
	mode        string
	dirty       map[Scope]bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore creates an empty store bound to the given settings locations.
func NewStore(paths SettingsPaths, log *logger.Logger) *Store {
	return &Store{
		logger:      log.WithFields(zap.String("component", "permission-store")),
		paths:       paths,
		rules:       make(map[string][]ToolRule),
		directories: make(map[string]Scope),
		mode:        ModeDefault,
		dirty:       make(map[Scope]bool),
	}
}

// Mode returns the current permission mode.
func (s *Store) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode switches the permission mode.
func (s *Store) SetMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// Rules returns a copy of all rules for a tool.
func (s *Store) Rules(toolName string) []ToolRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ToolRule(nil), s.rules[toolName]...)
}

// Directories returns the allowed directories.
func (s *Store) Directories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dirs := make([]string, 0, len(s.directories))
	for d := range s.directories {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// ApplySuggestions applies a batch of addRules / addDirectories / setMode
// instructions at the given scope. Non-session scopes are queued for
// persistence; call Save to flush them.
func (s *Store) ApplySuggestions(suggestions []session.PermissionSuggestion, scope Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, sug := range suggestions {
		switch sug.Type {
		case "addRules":
			if sug.ToolName != "" {
				s.addRuleLocked(ToolRule{ToolName: sug.ToolName, RuleContent: sug.RuleContent, Scope: scope, CreatedAt: now})
			}
			for _, raw := range sug.Rules {
				tool, content := ParseRule(raw)
				if tool == "" {
					continue
				}
				s.addRuleLocked(ToolRule{ToolName: tool, RuleContent: content, Scope: scope, CreatedAt: now})
			}
		case "addDirectories":
			for _, d := range sug.Directories {
				s.directories[d] = scope
			}
		case "setMode":
			if sug.Mode != "" {
				s.mode = sug.Mode
			}
		default:
			s.logger.Warn("unknown suggestion type", zap.String("type", sug.Type))
		}
	}

	if scope != ScopeSession {
		s.dirty[scope] = true
	}
}

// addRuleLocked appends a rule, skipping exact duplicates in the same scope.
func (s *Store) addRuleLocked(rule ToolRule) {
	for _, existing := range s.rules[rule.ToolName] {
		if existing.RuleContent == rule.RuleContent && existing.Scope == rule.Scope {
			return
		}
	}
	s.rules[rule.ToolName] = append(s.rules[rule.ToolName], rule)
}

// IsToolAllowed reports whether a tool invocation is covered by the current
// mode or by at least one matching allow-rule.
func (s *Store) IsToolAllowed(toolName string, input map[string]any) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// acceptEdits mode waves file edits through unconditionally.
	if s.mode == ModeAcceptEdits && (toolName == ToolEdit || toolName == ToolWrite) {
		return true
	}

	// A bare "*" rule matches any tool.
	if len(s.rules["*"]) > 0 {
		return true
	}

	for _, rule := range s.rules[toolName] {
		if ruleMatches(toolName, rule.RuleContent, input) {
			return true
		}
	}
	return false
}

// ruleMatches implements the rule-content matching semantics:
// empty or "*" matches anything; Bash rules of form command:<pattern> match
// by equality or glob; contents containing "/" match paths exactly or by
// "prefix/*"; anything else requires exact equality with the primary input.
func ruleMatches(toolName, content string, input map[string]any) bool {
	if content == "" || content == "*" {
		return true
	}

	if toolName == ToolBash {
		pattern, ok := strings.CutPrefix(content, "command:")
		if !ok {
			pattern = content
		}
		cmd, _ := input["command"].(string)
		if pattern == cmd {
			return true
		}
		if strings.Contains(pattern, "*") {
			return globMatch(pattern, cmd)
		}
		return false
	}

	if strings.Contains(content, "/") {
		path := pathFromInput(input)
		if path == "" {
			return false
		}
		if content == path {
			return true
		}
		if prefix, ok := strings.CutSuffix(content, "/*"); ok {
			return path == prefix || strings.HasPrefix(path, prefix+"/")
		}
		return false
	}

	return content == pathFromInput(input)
}

// pathFromInput extracts the path argument of a path-bearing tool.
func pathFromInput(input map[string]any) string {
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// globMatch translates a simple * glob into an anchored regexp and matches.
func globMatch(pattern, value string) bool {
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

// ParseRule splits a persisted rule string of form "Tool(content)" or "Tool".
func ParseRule(raw string) (toolName, content string) {
	raw = strings.TrimSpace(raw)
	open := strings.IndexByte(raw, '(')
	if open < 0 {
		return raw, ""
	}
	if !strings.HasSuffix(raw, ")") {
		return raw, ""
	}
	return raw[:open], raw[open+1 : len(raw)-1]
}

// FormatRule renders a rule in its persisted string form.
func FormatRule(rule ToolRule) string {
	if rule.RuleContent == "" {
		return rule.ToolName
	}
	return fmt.Sprintf("%s(%s)", rule.ToolName, rule.RuleContent)
}

// Save persists every scope with queued changes, merging into any
// pre-existing rules in that scope's document.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for scope := range s.dirty {
		if err := s.saveScopeLocked(scope); err != nil {
			return fmt.Errorf("save %s: %w", scope, err)
		}
		delete(s.dirty, scope)
	}
	return nil
}

func (s *Store) saveScopeLocked(scope Scope) error {
	path := s.paths.forScope(scope)
	if path == "" {
		return fmt.Errorf("scope %q has no settings file", scope)
	}

	doc, err := readSettingsDocument(path)
	if err != nil {
		return err
	}

	// Union of pre-existing allow entries and this scope's in-memory rules.
	seen := make(map[string]bool, len(doc.Permissions.Allow))
	for _, r := range doc.Permissions.Allow {
		seen[r] = true
	}
	for _, rules := range s.rules {
		for _, rule := range rules {
			if rule.Scope != scope {
				continue
			}
			formatted := FormatRule(rule)
			if !seen[formatted] {
				doc.Permissions.Allow = append(doc.Permissions.Allow, formatted)
				seen[formatted] = true
			}
		}
	}
	sort.Strings(doc.Permissions.Allow)

	dirSeen := make(map[string]bool, len(doc.Permissions.AdditionalDirectories))
	for _, d := range doc.Permissions.AdditionalDirectories {
		dirSeen[d] = true
	}
	for d, dScope := range s.directories {
		if dScope == scope && !dirSeen[d] {
			doc.Permissions.AdditionalDirectories = append(doc.Permissions.AdditionalDirectories, d)
		}
	}
	sort.Strings(doc.Permissions.AdditionalDirectories)

	return writeSettingsDocument(path, doc)
}

// Load reads all three settings files and rebuilds the persisted rule set.
// Session-scoped rules currently in memory are retained.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	sessionRules := s.sessionRulesLocked()

	s.rules = make(map[string][]ToolRule)
	for d, scope := range s.directories {
		if scope != ScopeSession {
			delete(s.directories, d)
		}
	}

	for _, scope := range []Scope{ScopeUserSettings, ScopeProjectSettings, ScopeLocalSettings} {
		path := s.paths.forScope(scope)
		doc, err := readSettingsDocument(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", scope, err)
		}
		now := time.Now().UTC()
		for _, raw := range doc.Permissions.Allow {
			tool, content := ParseRule(raw)
			if tool == "" {
				continue
			}
			s.addRuleLocked(ToolRule{ToolName: tool, RuleContent: content, Scope: scope, CreatedAt: now})
		}
		for _, d := range doc.Permissions.AdditionalDirectories {
			s.directories[d] = scope
		}
		if doc.Permissions.DefaultMode != "" {
			s.mode = doc.Permissions.DefaultMode
		}
	}

	for _, rule := range sessionRules {
		s.addRuleLocked(rule)
	}
	return nil
}

func (s *Store) sessionRulesLocked() []ToolRule {
	var out []ToolRule
	for _, rules := range s.rules {
		for _, rule := range rules {
			if rule.Scope == ScopeSession {
				out = append(out, rule)
			}
		}
	}
	return out
}

// ClearSessionPermissions discards session-scoped rules and directories and
// rebuilds in-memory state from the retained persisted rules. No file reload
// happens: persisted rules are simply kept.
func (s *Store) ClearSessionPermissions() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for tool, rules := range s.rules {
		kept := rules[:0]
		for _, rule := range rules {
			if rule.Scope != ScopeSession {
				kept = append(kept, rule)
			}
		}
		if len(kept) == 0 {
			delete(s.rules, tool)
		} else {
			s.rules[tool] = kept
		}
	}
	for d, scope := range s.directories {
		if scope == ScopeSession {
			delete(s.directories, d)
		}
	}
}

// Watch reloads the store whenever one of the settings files changes on
// disk. Best effort: a missing parent directory is skipped.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	s.watcher = watcher
	s.done = make(chan struct{})

	watched := make(map[string]bool)
	for _, path := range []string{s.paths.Local, s.paths.Project, s.paths.User} {
		dir := filepath.Dir(path)
		if watched[dir] {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			s.logger.Debug("settings dir not watchable", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watched[dir] = true
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if !s.isSettingsFile(ev.Name) {
					continue
				}
				s.logger.Info("settings file changed, reloading", zap.String("path", ev.Name))
				if err := s.Load(); err != nil {
					s.logger.Warn("settings reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Debug("settings watcher error", zap.Error(err))
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

func (s *Store) isSettingsFile(path string) bool {
	for _, p := range []string{s.paths.Local, s.paths.Project, s.paths.User} {
		if filepath.Clean(path) == filepath.Clean(p) {
			return true
		}
	}
	return false
}

// Close stops the settings watcher, if running.
func (s *Store) Close() error {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// readSettingsDocument reads and decodes a settings file, preserving any
// top-level fields this runner does not own. A missing file yields an empty
// document.
func readSettingsDocument(path string) (*settingsDocument, error) {
	doc := &settingsDocument{Extra: make(map[string]json.RawMessage)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if perms, ok := raw["permissions"]; ok {
		if err := json.Unmarshal(perms, &doc.Permissions); err != nil {
			return nil, fmt.Errorf("parse %s permissions: %w", path, err)
		}
		delete(raw, "permissions")
	}
	doc.Extra = raw
	return doc, nil
}

// writeSettingsDocument encodes a document back, keeping preserved fields.
func writeSettingsDocument(path string, doc *settingsDocument) error {
	out := make(map[string]json.RawMessage, len(doc.Extra)+1)
	for k, v := range doc.Extra {
		out[k] = v
	}
	perms, err := json.Marshal(doc.Permissions)
	if err != nil {
		return err
	}
	out["permissions"] = perms

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
