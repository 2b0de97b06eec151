package toolregistry

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// ShellPolicy holds the configured deny rules evaluated against the
// concatenated command text of shell-executing tools, built from the
// commands configuration block and merged with per-agent overrides.
type ShellPolicy struct {
	denyRegex []*regexp.Regexp
	denyGlob  []string
	allowGlob []string
}

// NewShellPolicy compiles the configured rule sets. Invalid regexes are
// an error: a policy that silently drops a deny rule is worse than one
// that refuses to load.
func NewShellPolicy(denyRegex, denyGlob, allowGlob []string) (*ShellPolicy, error) {
	p := &ShellPolicy{denyGlob: denyGlob, allowGlob: allowGlob}
	for _, pattern := range denyRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid deny_regex %q: %w", pattern, err)
		}
		p.denyRegex = append(p.denyRegex, re)
	}
	return p, nil
}

// Merge returns a policy with extra rules layered on top of this one,
// used for per-agent environment overrides.
func (p *ShellPolicy) Merge(extraDenyRegex, extraDenyGlob []string) (*ShellPolicy, error) {
	merged := &ShellPolicy{
		denyRegex: append([]*regexp.Regexp(nil), p.denyRegex...),
		denyGlob:  append(append([]string(nil), p.denyGlob...), extraDenyGlob...),
		allowGlob: append([]string(nil), p.allowGlob...),
	}
	for _, pattern := range extraDenyRegex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid deny_regex override %q: %w", pattern, err)
		}
		merged.denyRegex = append(merged.denyRegex, re)
	}
	return merged, nil
}

// Denies evaluates command text against the rule sets. An allow_glob
// match exempts the command from glob denial but not from regex denial —
// regex rules are the hard floor.
func (p *ShellPolicy) Denies(commandText string) (reason string, denied bool) {
	text := strings.TrimSpace(commandText)
	if text == "" {
		return "", false
	}

	for _, re := range p.denyRegex {
		if re.MatchString(text) {
			return fmt.Sprintf("matched deny_regex %q", re.String()), true
		}
	}

	allowed := false
	for _, glob := range p.allowGlob {
		if ok, err := path.Match(glob, text); err == nil && ok {
			allowed = true
			break
		}
	}
	if allowed {
		return "", false
	}

	for _, glob := range p.denyGlob {
		if ok, err := path.Match(glob, text); err == nil && ok {
			return fmt.Sprintf("matched deny_glob %q", glob), true
		}
	}

	return "", false
}
