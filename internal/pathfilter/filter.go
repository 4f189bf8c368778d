// Package pathfilter decides which paths under a repository root take part
// in versioning. It is a pure function of its configuration: no I/O, no state.
package pathfilter

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// RuleKind tags how a Rule matches.
type RuleKind int

const (
	// ExactName matches a single path component by string equality.
	ExactName RuleKind = iota
	// Glob matches a single path component with filepath.Match syntax.
	Glob
	// Regexp matches the whole slash-separated relative path.
	Regexp
)

func (k RuleKind) String() string {
	switch k {
	case ExactName:
		return "name"
	case Glob:
		return "glob"
	case Regexp:
		return "regexp"
	default:
		return "unknown"
	}
}

// Rule is one include or exclude entry.
type Rule struct {
	Kind  RuleKind
	Value string
	re    *regexp.Regexp
}

// ParseRule turns a configured string into a Rule.
//
//	"node_modules"  -> ExactName
//	"*.swp"         -> Glob (any of * ? [ present)
//	"re:^build/.*$" -> Regexp
//	"/\.tmp$/"      -> Regexp
func ParseRule(s string) (Rule, error) {
	if s == "" {
		return Rule{}, fmt.Errorf("empty rule")
	}

	var expr string
	switch {
	case strings.HasPrefix(s, "re:"):
		expr = strings.TrimPrefix(s, "re:")
	case len(s) > 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/"):
		expr = s[1 : len(s)-1]
	}
	if expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: %w", s, err)
		}
		return Rule{Kind: Regexp, Value: expr, re: re}, nil
	}

	if strings.ContainsAny(s, "*?[") {
		if _, err := filepath.Match(s, ""); err != nil {
			return Rule{}, fmt.Errorf("rule %q: %w", s, err)
		}
		return Rule{Kind: Glob, Value: s}, nil
	}
	return Rule{Kind: ExactName, Value: s}, nil
}

// matchComponent tests a single path component. Regexp rules never match
// components; they are evaluated against full paths by matchPath.
func (r Rule) matchComponent(name string) bool {
	switch r.Kind {
	case ExactName:
		return name == r.Value
	case Glob:
		ok, _ := filepath.Match(r.Value, name)
		return ok
	default:
		return false
	}
}

func (r Rule) matchPath(rel string) bool {
	if r.Kind == Regexp {
		return r.re.MatchString(rel)
	}
	return r.matchComponent(path.Base(rel))
}

// Options is the configuration surface of a Filter.
type Options struct {
	ExcludedDirectories []string
	ExcludedFiles       []string
	// IncludedFiles, when non-empty, is an allow-list: only matching files
	// are versioned.
	IncludedFiles []string
}

// Defaults returns the exclusions applied when nothing is configured.
func Defaults() Options {
	return Options{
		ExcludedDirectories: []string{".svn", ".git", "node_modules"},
		ExcludedFiles:       []string{".DS_Store"},
	}
}

// Filter evaluates Options against relative paths. A nil *Filter allows
// everything.
type Filter struct {
	excludedDirs  []Rule
	excludedFiles []Rule
	includedFiles []Rule
}

// New parses opts into a Filter. Duplicate entries are removed.
func New(opts Options) (*Filter, error) {
	dirs, err := parseRules(opts.ExcludedDirectories)
	if err != nil {
		return nil, fmt.Errorf("excluded directories: %w", err)
	}
	files, err := parseRules(opts.ExcludedFiles)
	if err != nil {
		return nil, fmt.Errorf("excluded files: %w", err)
	}
	included, err := parseRules(opts.IncludedFiles)
	if err != nil {
		return nil, fmt.Errorf("included files: %w", err)
	}
	return &Filter{excludedDirs: dirs, excludedFiles: files, includedFiles: included}, nil
}

func parseRules(raw []string) ([]Rule, error) {
	seen := make(map[string]struct{}, len(raw))
	var rules []Rule
	for _, s := range raw {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		r, err := ParseRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// ExcludesDir reports whether the directory at rel (slash separated,
// relative to the root) is pruned. A directory is pruned when any of its
// components matches an excluded-directory rule, so "node_modules" prunes
// "a/b/node_modules" too.
func (f *Filter) ExcludesDir(rel string) bool {
	if f == nil {
		return false
	}
	rel = clean(rel)
	if rel == "" {
		return false
	}
	for _, r := range f.excludedDirs {
		if r.Kind == Regexp {
			if r.re.MatchString(rel) {
				return true
			}
			continue
		}
		for _, c := range strings.Split(rel, "/") {
			if r.matchComponent(c) {
				return true
			}
		}
	}
	return false
}

// Allows reports whether the file at rel participates in versioning.
func (f *Filter) Allows(rel string) bool {
	if f == nil {
		return true
	}
	rel = clean(rel)
	if rel == "" {
		return false
	}
	if dir := path.Dir(rel); dir != "." && f.ExcludesDir(dir) {
		return false
	}
	for _, r := range f.excludedFiles {
		if r.matchPath(rel) {
			return false
		}
	}
	if len(f.includedFiles) == 0 {
		return true
	}
	for _, r := range f.includedFiles {
		if r.matchPath(rel) {
			return true
		}
	}
	return false
}

func clean(rel string) string {
	rel = path.Clean(filepath.ToSlash(rel))
	rel = strings.TrimPrefix(rel, "/")
	if rel == "." {
		return ""
	}
	return rel
}
