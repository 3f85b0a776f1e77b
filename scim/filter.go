package scim

import (
	"regexp"
	"strings"
)

// The bridge recognizes exactly one filter form: userName eq "<value>".
// Any other filter expression is valid syntax-wise but matches no resources,
// so list calls carrying one return an empty result instead of an error.

var userNameEqPattern = regexp.MustCompile(`^(?i:username)\s+(?i:eq)\s+"([^"]*)"$`)

// UserNameFilter is the parsed form of a list filter.
type UserNameFilter struct {
	// UserName is the value to match when Recognized is true.
	UserName string
	// Recognized reports whether the expression was the supported
	// userName equality predicate.
	Recognized bool
}

// ParseUserNameFilter parses a SCIM filter expression. An empty expression
// returns nil, meaning no filtering applies.
func ParseUserNameFilter(expr string) *UserNameFilter {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}

	m := userNameEqPattern.FindStringSubmatch(expr)
	if m == nil {
		return &UserNameFilter{Recognized: false}
	}
	return &UserNameFilter{UserName: m[1], Recognized: true}
}

// Matches reports whether the given username satisfies the filter.
func (f *UserNameFilter) Matches(userName string) bool {
	if f == nil {
		return true
	}
	if !f.Recognized {
		return false
	}
	return strings.EqualFold(f.UserName, userName)
}
