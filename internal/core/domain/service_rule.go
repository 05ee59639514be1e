package domain

import (
	"slices"
	"strings"
)

// Wildcard marks a rule path as a prefix match when it is the last character.
const Wildcard = "*"

// ServiceRule binds a protected URL to a service and its requirements.
type ServiceRule struct {
	ServiceName     ServiceName
	Path            string
	RequiredFactors []string
	Resource        string
	Query           string
	PublicAccess    bool
	GetProxies      bool
}

// IsWildcard reports whether Path ends in the wildcard.
func (r *ServiceRule) IsWildcard() bool {
	return strings.HasSuffix(r.Path, Wildcard)
}

// prefix returns the literal part of a wildcard path.
func (r *ServiceRule) prefix() string {
	return strings.TrimSuffix(r.Path, Wildcard)
}

// matchesPath compares exact paths ignoring case. Wildcard prefixes are
// compared as written.
func (r *ServiceRule) matchesPath(path string) bool {
	if r.IsWildcard() {
		return strings.HasPrefix(path, r.prefix())
	}
	return strings.EqualFold(r.Path, path)
}

func (r *ServiceRule) matchesFilters(resource, query string) bool {
	if r.Resource != "" && !strings.EqualFold(r.Resource, resource) {
		return false
	}
	if r.Query != "" && !strings.EqualFold(r.Query, query) {
		return false
	}
	return true
}

// SplitResource splits a request path after its last slash, so
// "/a/b/index.html" gives "/a/b/" and "index.html". A path ending in a slash
// has no resource.
func SplitResource(path string) (dir, resource string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return path, ""
	}
	return path[:i+1], path[i+1:]
}

// RuleTable is an immutable set of service rules. Readers share one table
// per configuration generation.
type RuleTable struct {
	exact    []*ServiceRule
	wildcard []*ServiceRule
	byName   map[string]*ServiceRule
	all      []ServiceRule
}

// NewRuleTable copies rules into a lookup table. Wildcard rules are ordered
// longest prefix first.
func NewRuleTable(rules []ServiceRule) *RuleTable {
	t := &RuleTable{
		all:    slices.Clone(rules),
		byName: make(map[string]*ServiceRule, len(rules)),
	}
	for i := range t.all {
		r := &t.all[i]
		if r.IsWildcard() {
			t.wildcard = append(t.wildcard, r)
		} else {
			t.exact = append(t.exact, r)
		}
		key := strings.ToLower(r.ServiceName.Value())
		if _, seen := t.byName[key]; !seen {
			t.byName[key] = r
		}
	}
	slices.SortStableFunc(t.wildcard, func(a, b *ServiceRule) int {
		return len(b.prefix()) - len(a.prefix())
	})
	return t
}

// Len returns the number of rules.
func (t *RuleTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.all)
}

// Rules returns a copy of every rule in load order.
func (t *RuleTable) Rules() []ServiceRule {
	if t == nil {
		return nil
	}
	return slices.Clone(t.all)
}

// Match finds the rule for a request. An exact path match wins; otherwise the
// wildcard rule with the longest prefix. Path, resource and query must all
// hold for a rule to match.
func (t *RuleTable) Match(path, resource, query string) (*ServiceRule, bool) {
	if t == nil {
		return nil, false
	}
	for _, r := range t.exact {
		if r.matchesPath(path) && r.matchesFilters(resource, query) {
			return r, true
		}
	}
	for _, r := range t.wildcard {
		if r.matchesPath(path) && r.matchesFilters(resource, query) {
			return r, true
		}
	}
	return nil, false
}

// ByServiceName returns the first rule declared for a service, ignoring case.
func (t *RuleTable) ByServiceName(name string) (*ServiceRule, bool) {
	if t == nil {
		return nil, false
	}
	r, ok := t.byName[strings.ToLower(name)]
	return r, ok
}
