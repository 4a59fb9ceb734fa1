package security

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Categories of denial.
const (
	CategoryProtectedPath  = "protected_path"
	CategoryCredentialDump = "credential_dump"
	CategoryPathArgument   = "protected_path_argument"
	CategoryExfiltration   = "exfiltration"
)

// ErrDenied matches every *DeniedError.
var ErrDenied = errors.New("security_denied")

// DeniedError is returned when a path or command is vetoed. Reason is for
// people; Rule and Category identify what matched.
type DeniedError struct {
	Reason   string
	Rule     string
	Category string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("security_denied: %s (rule %s)", e.Reason, e.Rule)
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// Kind is the machine readable error kind sent back to the server.
func (e *DeniedError) Kind() string { return "security_denied" }

// Decision is the outcome of a check. A zero Decision allows.
type Decision struct {
	Allowed  bool
	Reason   string
	Rule     string
	Category string
}

var allow = Decision{Allowed: true}

// Err returns nil when the decision allows, otherwise a *DeniedError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Reason: d.Reason, Rule: d.Rule, Category: d.Category}
}

// Options configures a Gatekeeper. Zero values use the current user's home
// directory and the host's filesystem case rules.
type Options struct {
	Home string
	// CaseInsensitive folds case for exact and prefix matches. Patterns
	// always ignore case.
	CaseInsensitive *bool
	// Protected adds agent specific built-ins such as the agent's own
	// secret file.
	Protected []string
	// Audit receives one record per denial. It should be an append-only
	// logger; nil disables the audit trail.
	Audit *zap.Logger
}

// Gatekeeper checks paths and commands. It is safe for concurrent use.
type Gatekeeper struct {
	norm   normalizer
	audit  *zap.Logger
	logger *zap.Logger

	mu    sync.RWMutex
	rules *ruleSet
}

// New builds a Gatekeeper with the built-in rules.
func New(opts Options, logger *zap.Logger) (*Gatekeeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	home := opts.Home
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	ci := runtime.GOOS == "darwin" || runtime.GOOS == "windows"
	if opts.CaseInsensitive != nil {
		ci = *opts.CaseInsensitive
	}
	norm := normalizer{home: filepath.ToSlash(home), caseInsensitive: ci}

	builtin := RulesFile{
		ProtectedPaths:       append(append([]string{}, DefaultProtectedPaths...), opts.Protected...),
		BlockedCommands:      DefaultCredentialDumpCommands,
		ExfiltrationPatterns: DefaultExfiltrationPatterns,
	}
	rs, err := norm.build(builtin, nil)
	if err != nil {
		return nil, fmt.Errorf("built-in rules: %w", err)
	}

	audit := opts.Audit
	if audit == nil {
		audit = zap.NewNop()
	}
	return &Gatekeeper{
		norm:   norm,
		audit:  audit,
		logger: logger.Named("security"),
		rules:  rs,
	}, nil
}

// LoadRules extends the rule set with the operator file at path. A missing
// file is not an error. Rules are never removed.
func (g *Gatekeeper) LoadRules(path string) error {
	rf, err := ReadRulesFile(path)
	if err != nil {
		return err
	}
	return g.Extend(rf)
}

// Extend adds rf to the active rules.
func (g *Gatekeeper) Extend(rf RulesFile) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rs, err := g.norm.build(rf, g.rules)
	if err != nil {
		return err
	}
	g.rules = rs
	g.logger.Info("security rules extended",
		zap.Int("protected_paths", len(rf.ProtectedPaths)),
		zap.Int("blocked_commands", len(rf.BlockedCommands)),
		zap.Int("exfiltration_patterns", len(rf.ExfiltrationPatterns)))
	return nil
}

func (g *Gatekeeper) current() *ruleSet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rules
}

// CheckPath decides whether p may be read, written, listed or deleted.
// Denials are audited.
func (g *Gatekeeper) CheckPath(p string) Decision {
	d := g.evaluatePath(g.current(), p)
	if !d.Allowed {
		g.record("path", p, d)
	}
	return d
}

// CheckCommand decides whether a shell command line may run. Relative
// paths are only matched by name. Denials are audited.
func (g *Gatekeeper) CheckCommand(command string) Decision {
	return g.CheckCommandIn(command, "")
}

// CheckCommandIn is CheckCommand for a command started in cwd. Relative
// arguments and cd targets are resolved against it.
func (g *Gatekeeper) CheckCommandIn(command, cwd string) Decision {
	d := g.evaluateCommand(g.current(), command, cwd)
	if !d.Allowed {
		g.record("command", command, d)
	}
	return d
}

// Expand resolves a leading home directory the same way the checks do, so
// callers operate on the path that was vetted.
func (g *Gatekeeper) Expand(p string) string {
	return filepath.FromSlash(g.norm.expand(strings.TrimSpace(p)))
}

// FilterEntries drops names in dir that are protected so listings do not
// reveal them.
func (g *Gatekeeper) FilterEntries(dir string, names []string) []string {
	rs := g.current()
	out := make([]string, 0, len(names))
	for _, name := range names {
		if g.evaluatePath(rs, path.Join(filepath.ToSlash(dir), name)).Allowed {
			out = append(out, name)
		}
	}
	return out
}

func (g *Gatekeeper) evaluatePath(rs *ruleSet, p string) Decision {
	norm := g.norm.normalize(p)
	if norm == "" {
		return allow
	}
	base := path.Base(norm)
	for _, r := range rs.paths {
		switch {
		case r.exact != "":
			if norm == r.exact {
				return deny("Access to protected file blocked", r.source, CategoryProtectedPath)
			}
			if strings.HasPrefix(norm, strings.TrimSuffix(r.exact, "/")+"/") {
				return deny("Access to protected directory blocked", r.source, CategoryProtectedPath)
			}
		case r.name != "":
			if base == r.name {
				return deny("Access to protected file blocked", r.source, CategoryProtectedPath)
			}
		case r.glob != nil:
			if r.glob.MatchString(norm) {
				return deny("Access to protected path pattern blocked", r.source, CategoryProtectedPath)
			}
		}
	}
	return allow
}

// pathArgument finds absolute, home-relative and dot-relative paths in a
// command line.
var pathArgument = regexp.MustCompile(`(~[/\\][^\s'"]*|\.{1,2}/[^\s'"]+|/[^\s'"]+|[A-Za-z]:\\[^\s'"]+)`)

// homeVariable matches shell spellings of the home directory.
var homeVariable = regexp.MustCompile(`\$\{HOME\}|\$HOME\b|(?i:%USERPROFILE%)`)

// commandSeparator splits a command line into simple commands.
var commandSeparator = regexp.MustCompile(`&&|\|\||[;|&\n]`)

func (g *Gatekeeper) evaluateCommand(rs *ruleSet, command, cwd string) Decision {
	if strings.TrimSpace(command) == "" {
		return allow
	}
	expanded := homeVariable.ReplaceAllString(command, "~")

	lower := strings.ToLower(expanded)
	for _, c := range rs.dumpCommands {
		if strings.Contains(lower, c) {
			return deny("Credential dump command blocked", c, CategoryCredentialDump)
		}
	}

	for _, r := range rs.exfiltration {
		if r.re.MatchString(command) || r.re.MatchString(expanded) {
			return deny("Potential data exfiltration blocked", r.source, CategoryExfiltration)
		}
	}

	for _, arg := range pathArgument.FindAllString(expanded, -1) {
		arg = strings.TrimRight(arg, ";|&)")
		if d := g.evaluatePath(rs, arg); !d.Allowed {
			return deny("Command targets protected path", d.Rule, CategoryPathArgument)
		}
	}

	dir := g.norm.normalize(cwd)
	for _, segment := range commandSeparator.Split(expanded, -1) {
		fields := strings.Fields(segment)
		for i := range fields {
			fields[i] = strings.Trim(fields[i], `'"()<>`)
		}
		if len(fields) > 0 && (fields[0] == "cd" || fields[0] == "pushd") {
			target := "~"
			if len(fields) > 1 {
				target = fields[1]
			}
			dir = g.norm.chdir(dir, target)
		}
		for _, field := range fields {
			if d := g.evaluateArgument(rs, dir, field); !d.Allowed {
				return deny("Command targets protected path", d.Rule, CategoryPathArgument)
			}
		}
	}
	return allow
}

// evaluateArgument checks one word of a simple command. dir is the
// effective working directory, empty when unknown.
func (g *Gatekeeper) evaluateArgument(rs *ruleSet, dir, field string) Decision {
	field = strings.TrimPrefix(field, "@")
	if field == "" {
		return allow
	}
	if _, value, ok := strings.Cut(field, "="); ok && value != "" {
		if d := g.evaluateArgument(rs, dir, value); !d.Allowed {
			return d
		}
	}
	if strings.HasPrefix(field, "-") {
		return allow
	}
	if d := g.evaluatePath(rs, field); !d.Allowed {
		return d
	}
	if g.norm.absolute(field) {
		return allow
	}
	if dir != "" {
		if d := g.evaluatePath(rs, path.Join(dir, filepath.ToSlash(field))); !d.Allowed {
			return d
		}
	}
	if !strings.ContainsAny(field, `/\`) {
		return allow
	}
	// A relative path with an unknown base may still name the tail of a
	// protected location, e.g. .aws/credentials.
	rel := g.norm.normalize(field)
	for strings.HasPrefix(rel, "../") {
		rel = rel[3:]
	}
	for _, r := range rs.paths {
		if r.exact != "" && underTail(r.exact, rel) {
			return deny("Access to protected file blocked", r.source, CategoryProtectedPath)
		}
	}
	return allow
}

// underTail reports whether rel equals, or lies below, a trailing run of
// whole elements of exact.
func underTail(exact, rel string) bool {
	exact = strings.TrimSuffix(exact, "/")
	for i := 0; i < len(exact); i++ {
		if exact[i] != '/' {
			continue
		}
		tail := exact[i+1:]
		if tail != "" && (rel == tail || strings.HasPrefix(rel, tail+"/")) {
			return true
		}
	}
	return false
}

func deny(reason, rule, category string) Decision {
	return Decision{Reason: reason, Rule: rule, Category: category}
}

// record writes the denial to the audit trail. Write failures are reported
// by zap's error output and never change the decision.
func (g *Gatekeeper) record(kind, subject string, d Decision) {
	g.audit.Warn("security denial",
		zap.String("check", kind),
		zap.String("subject", subject),
		zap.String("category", d.Category),
		zap.String("rule", d.Rule),
		zap.String("reason", d.Reason))
	g.logger.Warn("blocked "+kind,
		zap.String("subject", truncate(subject, 100)),
		zap.String("category", d.Category),
		zap.String("reason", d.Reason))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
