// Package detection matches extracted page signals against declarative rules.
//
// A RuleSet is an OR over rules and a Rule is an AND over filters. Rules are
// appended at load time and never removed.
package detection

import (
	"strings"
	"sync"
)

// FilterKind identifies what part of a response a filter inspects.
type FilterKind string

const (
	// KindInTitle matches against the extracted page title.
	KindInTitle FilterKind = "intitle"
)

// knownKinds are the filter keys accepted by the loader.
var knownKinds = map[FilterKind]bool{
	KindInTitle: true,
}

// CasePolicy controls how filter patterns are compared with candidate text.
type CasePolicy int

const (
	CaseSensitive CasePolicy = iota
	CaseInsensitive
)

// Filter is a single substring condition.
type Filter struct {
	Kind    FilterKind `json:"kind" yaml:"kind"`
	Pattern string     `json:"pattern" yaml:"pattern"`
}

// Match reports whether the pattern occurs in text under the given policy.
func (f Filter) Match(text string, policy CasePolicy) bool {
	if policy == CaseInsensitive {
		return strings.Contains(strings.ToLower(text), strings.ToLower(f.Pattern))
	}
	return strings.Contains(text, f.Pattern)
}

// Rule is a conjunction of filters. A rule without filters never matches.
type Rule struct {
	Filters []Filter `json:"filters" yaml:"filters"`
}

// NewRule builds a rule from intitle patterns.
func NewRule(titlePatterns ...string) Rule {
	r := Rule{Filters: make([]Filter, 0, len(titlePatterns))}
	for _, p := range titlePatterns {
		r.Filters = append(r.Filters, Filter{Kind: KindInTitle, Pattern: p})
	}
	return r
}

// Match reports whether every filter matches text.
func (r Rule) Match(text string, policy CasePolicy) bool {
	if len(r.Filters) == 0 {
		return false
	}
	for _, f := range r.Filters {
		if !f.Match(text, policy) {
			return false
		}
	}
	return true
}

func (r Rule) clone() Rule {
	return Rule{Filters: append([]Filter(nil), r.Filters...)}
}

// RuleSet is an ordered, append-only collection of rules.
type RuleSet struct {
	mu     sync.RWMutex
	rules  []Rule
	policy CasePolicy
}

// NewRuleSet creates a rule set with the given case policy and initial rules.
func NewRuleSet(policy CasePolicy, rules ...Rule) *RuleSet {
	rs := &RuleSet{policy: policy}
	rs.Add(rules...)
	return rs
}

// Add appends rules to the end of the set.
func (rs *RuleSet) Add(rules ...Rule) {
	if len(rules) == 0 {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rules {
		rs.rules = append(rs.rules, r.clone())
	}
}

// Match reports whether any rule matches text.
func (rs *RuleSet) Match(text string) bool {
	_, ok := rs.MatchRule(text)
	return ok
}

// MatchRule returns the index of the first matching rule.
func (rs *RuleSet) MatchRule(text string) (int, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	for i, r := range rs.rules {
		if r.Match(text, rs.policy) {
			return i, true
		}
	}
	return -1, false
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.rules)
}

// Rules returns a copy of the rules in declaration order.
func (rs *RuleSet) Rules() []Rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.clone()
	}
	return out
}

// Policy returns the case policy of the set.
func (rs *RuleSet) Policy() CasePolicy {
	return rs.policy
}
