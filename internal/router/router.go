// Package router resolves an inbound message to a role (and optional
// working-directory override) via a configured list of regex rules, and
// coalesces bursts of short messages via a debouncer (§4.8).
package router

import (
	"regexp"
)

// Rule is one routing rule: the first Pattern that matches wins.
type Rule struct {
	Pattern *regexp.Regexp
	Role    string
	Cwd     string
}

// Router holds an ordered list of rules plus a default role.
type Router struct {
	Rules       []Rule
	DefaultRole string
}

// NewRule compiles pattern case-insensitively, per §4.8.
func NewRule(pattern, role, cwd string) (Rule, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Pattern: re, Role: role, Cwd: cwd}, nil
}

// ResolveRole returns the first matching rule's role, or the router's
// default if none match.
func (r *Router) ResolveRole(content string) string {
	for _, rule := range r.Rules {
		if rule.Pattern.MatchString(content) {
			return rule.Role
		}
	}
	return r.DefaultRole
}

// ResolveRoutingCwd returns the first matching rule's cwd override, or
// empty if none match or the matching rule has none.
func (r *Router) ResolveRoutingCwd(content string) string {
	for _, rule := range r.Rules {
		if rule.Pattern.MatchString(content) {
			return rule.Cwd
		}
	}
	return ""
}
