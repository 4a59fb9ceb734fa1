// Package security vets filesystem paths and shell command lines before the
// agent runs a tool. Built-in protection can be extended by the operator but
// never reduced.
package security

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultProtectedPaths are always denied. Entries containing * or ? are
// globs matched against the whole normalized path; entries without a slash
// match any file of that name; the rest protect the path and everything
// below it.
var DefaultProtectedPaths = []string{
	// macOS keychains
	"/Library/Keychains",
	"~/Library/Keychains",
	"/System/Library/Keychains",

	// SSH and GPG
	"~/.ssh",
	"/etc/ssh/ssh_host_*",
	"~/.gnupg",

	// Browser credential stores
	"~/Library/Application Support/Google/Chrome/Default/Login Data",
	"~/Library/Application Support/Firefox/Profiles/*/logins.json",
	"~/Library/Safari/Passwords",
	"~/.config/google-chrome/Default/Login Data",
	"~/.config/chromium/Default/Login Data",
	"~/.mozilla/firefox/*/logins.json",
	"~/.mozilla/firefox/*/key4.db",
	"~/AppData/Local/Google/Chrome/User Data/Default/Login Data",

	// Password managers
	"~/.password-store",
	"~/Library/Application Support/1Password",

	// Cloud credentials
	"~/.aws/credentials",
	"~/.azure/credentials",
	"~/.config/gcloud/credentials.db",
	"~/.kube/config",
	"~/.docker/config.json",

	// Environment files with secrets
	".env",
	".env.local",
	".env.production",
	"*.env",

	// Private keys
	"*.pem",
	"*.key",
	"*.p12",
	"*.pfx",
	"*_rsa",
	"*_dsa",
	"*_ecdsa",
	"*_ed25519",

	// System password files
	"/etc/shadow",
	"/etc/gshadow",
	"/etc/master.passwd",
	"/etc/sudoers",
}

// DefaultCredentialDumpCommands are denied wherever they appear in a command
// line, compared case-insensitively.
var DefaultCredentialDumpCommands = []string{
	"security find-generic-password",
	"security find-internet-password",
	"security dump-keychain",
	"security export",
	"dscl . -read",
	"defaults read com.apple.loginwindow",
	"hashdump",
	"mimikatz",
	"pwdump",
	"fgdump",
	"secretsdump",
	"lazagne",
	"chainbreaker",
	"keychaindump",
	"reg save hklm\\sam",
	"reg save hklm\\security",
	"vssadmin create shadow",
}

// sensitive matches path fragments that look like credential material.
const sensitive = `(\.ssh|\.gnupg|\.aws|\.azure|\.kube|credentials|\.key\b|\.pem\b|fleetgate/agent\.secret)`

// DefaultExfiltrationPatterns are regular expressions over the whole command
// line. Each pairs an upload, encode, archive or transfer utility with a
// sensitive argument.
var DefaultExfiltrationPatterns = []string{
	`curl\s.*(-d|--data|--data-binary|--data-urlencode|-F|--form|-T|--upload-file)\b.*` + sensitive,
	`wget\s.*--post-(file|data).*` + sensitive,
	`base64\s.*` + sensitive,
	`openssl\s.*(enc|base64).*` + sensitive,
	`(^|[\s;|&])(tar|zip|gzip|7z|rar)\s.*` + sensitive,
	`cat\s.*(\.ssh/id_|\.gnupg/|\.aws/credentials).*\|`,
	`(^|[\s;|&])(nc|netcat|ncat|socat)\s.*` + sensitive,
	`rsync\s.*` + sensitive + `.*:`,
	`scp\s.*(\.ssh/id_|\.aws/credentials|\.gnupg/)`,
	`(Invoke-WebRequest|Invoke-RestMethod|iwr|irm)\s.*-InFile.*` + sensitive,
}

// RulesFile is the operator rules file. Every list only adds to the
// built-in set.
type RulesFile struct {
	ProtectedPaths       []string `yaml:"protected_paths"`
	BlockedCommands      []string `yaml:"blocked_commands"`
	ExfiltrationPatterns []string `yaml:"exfiltration_patterns"`
}

// ReadRulesFile parses path. A missing file yields empty rules.
func ReadRulesFile(path string) (RulesFile, error) {
	var rf RulesFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rf, nil
		}
		return rf, fmt.Errorf("read rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return rf, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return rf, nil
}

type pathRule struct {
	source string
	exact  string         // full normalized path; also protects everything below
	name   string         // base name match
	glob   *regexp.Regexp // anchored pattern over the normalized path
}

type patternRule struct {
	source string
	re     *regexp.Regexp
}

// ruleSet is immutable once built; extending produces a new one.
type ruleSet struct {
	paths        []pathRule
	dumpCommands []string
	exfiltration []patternRule
}

func (n normalizer) compilePath(entry string) (pathRule, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return pathRule{}, fmt.Errorf("empty protected path")
	}
	if strings.ContainsAny(entry, "*?") {
		re, err := regexp.Compile("(?i)^" + globToRegexp(n.expand(entry)) + "$")
		if err != nil {
			return pathRule{}, fmt.Errorf("protected path %q: %w", entry, err)
		}
		return pathRule{source: entry, glob: re}, nil
	}
	if !strings.ContainsAny(entry, `/\`) && !strings.HasPrefix(entry, "~") {
		return pathRule{source: entry, name: n.fold(entry)}, nil
	}
	return pathRule{source: entry, exact: n.normalize(entry)}, nil
}

// globToRegexp converts * and ? into regular expression syntax and quotes
// everything else. * crosses directory separators.
func globToRegexp(glob string) string {
	var b strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

func compilePattern(expr string) (patternRule, error) {
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return patternRule{}, fmt.Errorf("exfiltration pattern %q: %w", expr, err)
	}
	return patternRule{source: expr, re: re}, nil
}

// normalizer resolves the home directory and folds case the way the host
// filesystem does.
type normalizer struct {
	home            string
	caseInsensitive bool
}

// homePrefix matches a leading home directory in shell or cmd spelling.
var homePrefix = regexp.MustCompile(`^(~|\$HOME|\$\{HOME\}|(?i:%USERPROFILE%))([/\\]|$)`)

func (n normalizer) expand(p string) string {
	if n.home == "" {
		return p
	}
	if m := homePrefix.FindStringSubmatchIndex(p); m != nil {
		return n.home + p[m[3]:]
	}
	return p
}

// absolute reports whether p names a location independent of the working
// directory once the home directory is expanded.
func (n normalizer) absolute(p string) bool {
	p = filepath.ToSlash(n.expand(p))
	if strings.HasPrefix(p, "/") {
		return true
	}
	return len(p) >= 2 && p[1] == ':' && ('a' <= p[0]|0x20 && p[0]|0x20 <= 'z')
}

// chdir returns the normalized directory after cd target from dir. An
// empty result means the directory is unknown.
func (n normalizer) chdir(dir, target string) string {
	switch {
	case target == "-":
		return ""
	case n.absolute(target):
		return n.normalize(target)
	case dir == "":
		return ""
	}
	return n.fold(path.Join(dir, filepath.ToSlash(target)))
}

func (n normalizer) normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.ToSlash(filepath.Clean(n.expand(p)))
	return n.fold(p)
}

func (n normalizer) fold(s string) string {
	if n.caseInsensitive {
		return strings.ToLower(s)
	}
	return s
}

func (n normalizer) build(rf RulesFile, base *ruleSet) (*ruleSet, error) {
	rs := &ruleSet{}
	if base != nil {
		rs.paths = append(rs.paths, base.paths...)
		rs.dumpCommands = append(rs.dumpCommands, base.dumpCommands...)
		rs.exfiltration = append(rs.exfiltration, base.exfiltration...)
	}
	for _, p := range rf.ProtectedPaths {
		r, err := n.compilePath(p)
		if err != nil {
			return nil, err
		}
		rs.paths = append(rs.paths, r)
	}
	for _, c := range rf.BlockedCommands {
		if c = strings.TrimSpace(c); c != "" {
			rs.dumpCommands = append(rs.dumpCommands, strings.ToLower(c))
		}
	}
	for _, e := range rf.ExfiltrationPatterns {
		r, err := compilePattern(e)
		if err != nil {
			return nil, err
		}
		rs.exfiltration = append(rs.exfiltration, r)
	}
	return rs, nil
}
