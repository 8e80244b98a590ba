package auth

import (
	"net/http"
	"strings"
)

// Rule maps a route to the roles needed to read and to write it.
type Rule struct {
	Path   string
	Prefix bool
	Read   Role
	Write  Role
}

func (r Rule) matches(path string) bool {
	if r.Prefix {
		return strings.HasPrefix(path, r.Path)
	}
	return path == r.Path
}

// Policy resolves the role a request needs. The first matching rule wins.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
	Rules          []Rule
}

// runRules: starting a run needs an operator, reading runs and reports a
// viewer. Nothing under a run may be modified below admin.
var runRules = []Rule{
	{Path: "/api/v1/runs", Read: RoleViewer, Write: RoleOperator},
	{Path: "/api/v1/runs/", Prefix: true, Read: RoleViewer, Write: RoleAdmin},
	{Path: "/api/", Prefix: true, Read: RoleViewer, Write: RoleOperator},
}

// NewDefaultPolicy returns the run API policy with the given exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes, Rules: runRules}
}

// IsExempt reports whether r skips authentication.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole returns the role r needs; false means the route is public.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	for _, rule := range p.Rules {
		if !rule.matches(r.URL.Path) {
			continue
		}
		if readOnly(r.Method) {
			return rule.Read, true
		}
		return rule.Write, true
	}
	return "", false
}

func readOnly(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
