// Package rolemap holds the static, reloadable table translating upstream
// role values into the downstream's role vocabulary.
package rolemap

import (
	"fmt"
	"strings"
	"sync"
)

// Base roles built into the downstream authorization service. Custom roles,
// when present on a user, supersede the base role.
const (
	BaseRoleReader   = "reader"
	BaseRoleWriter   = "writer"
	BaseRoleAdmin    = "admin"
	BaseRoleNoAccess = "no_access"
)

var baseRoles = map[string]bool{
	BaseRoleReader:   true,
	BaseRoleWriter:   true,
	BaseRoleAdmin:    true,
	BaseRoleNoAccess: true,
}

// Rule maps one upstream role value to a set of downstream custom role keys
type Rule struct {
	Role        string
	CustomRoles []string
}

// Table is the role mapping table. It is safe for concurrent readers and may
// be swapped wholesale with Reload while requests are in flight.
type Table struct {
	mu          sync.RWMutex
	rules       []Rule
	byRole      map[string][]string
	defaultRole string
	strict      bool
}

// New builds a table from an ordered rule list. defaultRole must be one of
// the downstream base roles; it applies when none of a user's upstream roles
// match any rule. With strict set, an unmatched upstream role value becomes
// an error for the caller instead of a silent drop.
func New(rules []Rule, defaultRole string, strict bool) (*Table, error) {
	if !baseRoles[defaultRole] {
		return nil, fmt.Errorf("invalid default base role %q", defaultRole)
	}

	t := &Table{
		defaultRole: defaultRole,
		strict:      strict,
	}
	if err := t.Reload(rules); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload replaces the rule list atomically
func (t *Table) Reload(rules []Rule) error {
	byRole := make(map[string][]string, len(rules))
	for _, r := range rules {
		if r.Role == "" {
			return fmt.Errorf("mapping rule with empty role value")
		}
		if _, dup := byRole[r.Role]; dup {
			return fmt.Errorf("duplicate mapping rule for role %q", r.Role)
		}
		if len(r.CustomRoles) == 0 {
			return fmt.Errorf("mapping rule for role %q has no custom roles", r.Role)
		}
		byRole[r.Role] = r.CustomRoles
	}

	t.mu.Lock()
	t.rules = rules
	t.byRole = byRole
	t.mu.Unlock()
	return nil
}

// DefaultRole returns the configured default base role
func (t *Table) DefaultRole() string {
	return t.defaultRole
}

// Strict reports whether unmatched upstream roles are treated as errors
func (t *Table) Strict() bool {
	return t.strict
}

// Resolve looks up every upstream role value and returns the deduplicated
// set of downstream custom role keys in first-seen order, plus the values
// that matched no rule. Lookup is exact-match on the role value, trimmed of
// surrounding whitespace.
func (t *Table) Resolve(roleValues []string) (customRoles []string, unmatched []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool)
	for _, v := range roleValues {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		mapped, ok := t.byRole[v]
		if !ok {
			unmatched = append(unmatched, v)
			continue
		}
		for _, cr := range mapped {
			if !seen[cr] {
				seen[cr] = true
				customRoles = append(customRoles, cr)
			}
		}
	}
	return customRoles, unmatched
}
