// Package translate maps upstream SCIM user resources to the downstream
// extended representation and back. All functions are pure: the caller
// decides what to do with unmatched role values.
package translate

import (
	"fmt"

	"github.com/marcelom97/scimbridge/downstream"
	"github.com/marcelom97/scimbridge/rolemap"
	"github.com/marcelom97/scimbridge/scim"
)

// RoleTypeCustom tags upstream role entries that were reconstructed from the
// downstream custom-role list. The tag is informational: the mapping from
// upstream roles to custom roles is not injective, so the original rule
// cannot be recovered.
const RoleTypeCustom = "custom"

// ValidationError reports an inbound payload that cannot be translated
type ValidationError struct {
	Detail string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return e.Detail
}

// ToDownstream builds the downstream create/replace payload for an upstream
// user. Role values are resolved against the mapping table: a non-empty
// result becomes the customRole set (and no base role is set); an empty
// result sets the table's default base role instead. Never both.
//
// The returned unmatched slice lists upstream role values no rule covered;
// with the table in strict mode these produce a ValidationError instead.
func ToDownstream(user *scim.User, table *rolemap.Table) (*downstream.User, []string, error) {
	customRoles, unmatched := table.Resolve(roleValues(user.Roles))
	if table.Strict() && len(unmatched) > 0 {
		return nil, unmatched, &ValidationError{
			Detail: fmt.Sprintf("no mapping rule for role %q", unmatched[0]),
		}
	}

	ext := &downstream.Extension{}
	if len(customRoles) > 0 {
		ext.CustomRole = customRoles
	} else {
		ext.Role = table.DefaultRole()
	}

	emails, err := carryEmails(user)
	if err != nil {
		return nil, unmatched, err
	}

	du := &downstream.User{
		Schemas:    []string{scim.SchemaUser, downstream.ExtensionSchema},
		ExternalID: user.ExternalID,
		UserName:   user.UserName,
		Name:       user.Name,
		Active:     user.Active,
		Emails:     emails,
		Extension:  ext,
	}
	if du.Active == nil {
		du.Active = scim.Bool(true)
	}

	return du, unmatched, nil
}

// carryEmails carries the upstream contact addresses through, preserving the
// primary flag and defaulting the kind to "work". The downstream requires at
// least one email, so one is synthesized from the username when the upstream
// provides none.
func carryEmails(user *scim.User) ([]scim.Email, error) {
	if len(user.Emails) > 0 {
		emails := make([]scim.Email, 0, len(user.Emails))
		for _, e := range user.Emails {
			if e.Value == "" {
				continue
			}
			kind := e.Type
			if kind == "" {
				kind = "work"
			}
			emails = append(emails, scim.Email{
				Value:   e.Value,
				Type:    kind,
				Primary: e.Primary,
			})
		}
		if len(emails) > 0 {
			return emails, nil
		}
	}

	if user.UserName == "" {
		return nil, &ValidationError{Detail: "user has no email and no userName to synthesize one from"}
	}

	return []scim.Email{{
		Value:   user.UserName,
		Type:    "work",
		Primary: true,
	}}, nil
}

// ToUpstream reconstructs the provider-shaped resource from a downstream
// record. internalID becomes the externally visible resource id; the
// downstream identifier never crosses this boundary. resourceBaseURL is the
// upstream-facing base for the meta.location URL.
func ToUpstream(du *downstream.User, internalID, resourceBaseURL string) *scim.User {
	user := &scim.User{
		ID:         internalID,
		ExternalID: du.ExternalID,
		Schemas:    []string{scim.SchemaUser},
		UserName:   du.UserName,
		Name:       du.Name,
		Active:     du.Active,
		Emails:     du.Emails,
	}

	for _, cr := range du.CustomRoles() {
		user.Roles = append(user.Roles, scim.Role{
			Value: cr,
			Type:  RoleTypeCustom,
		})
	}

	user.Meta = &scim.Meta{
		ResourceType: "User",
		Location:     fmt.Sprintf("%s/Users/%s", resourceBaseURL, internalID),
	}
	if du.Meta != nil {
		user.Meta.Created = du.Meta.Created
		user.Meta.LastModified = du.Meta.LastModified
	}

	return user
}

// DeriveRoleUpdate converts the value of an upstream patch operation
// targeting the roles path into the downstream extension replacement value,
// applying the same rule-matching logic as ToDownstream.
func DeriveRoleUpdate(value any, table *rolemap.Table) (*downstream.Extension, []string, error) {
	values, err := parseRoleValues(value)
	if err != nil {
		return nil, nil, err
	}

	customRoles, unmatched := table.Resolve(values)
	if table.Strict() && len(unmatched) > 0 {
		return nil, unmatched, &ValidationError{
			Detail: fmt.Sprintf("no mapping rule for role %q", unmatched[0]),
		}
	}

	ext := &downstream.Extension{}
	if len(customRoles) > 0 {
		ext.CustomRole = customRoles
	} else {
		ext.Role = table.DefaultRole()
	}
	return ext, unmatched, nil
}

// parseRoleValues extracts role value strings from the loosely-typed patch
// value: either a list of {value: ...} objects, a single such object, or a
// bare string.
func parseRoleValues(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case map[string]any:
		s, err := roleValueFromObject(v)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	case []any:
		values := make([]string, 0, len(v))
		for _, item := range v {
			switch entry := item.(type) {
			case string:
				values = append(values, entry)
			case map[string]any:
				s, err := roleValueFromObject(entry)
				if err != nil {
					return nil, err
				}
				values = append(values, s)
			default:
				return nil, &ValidationError{Detail: fmt.Sprintf("unsupported roles entry type %T", item)}
			}
		}
		return values, nil
	default:
		return nil, &ValidationError{Detail: fmt.Sprintf("unsupported roles value type %T", value)}
	}
}

func roleValueFromObject(obj map[string]any) (string, error) {
	raw, ok := obj["value"]
	if !ok {
		return "", &ValidationError{Detail: "roles entry missing value attribute"}
	}
	s, ok := raw.(string)
	if !ok {
		return "", &ValidationError{Detail: fmt.Sprintf("roles entry value must be a string, got %T", raw)}
	}
	return s, nil
}

func roleValues(roles []scim.Role) []string {
	values := make([]string, 0, len(roles))
	for _, r := range roles {
		values = append(values, r.Value)
	}
	return values
}
