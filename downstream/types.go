package downstream

import (
	"github.com/marcelom97/scimbridge/scim"
)

// ExtensionSchema is the downstream vendor's User schema extension carrying
// its two-tier authorization attributes.
const ExtensionSchema = "urn:ietf:params:scim:schemas:extension:authzen:2.0:User"

// User is the downstream representation of a user. It reuses the core SCIM
// shapes but carries the vendor extension, and its ID lives in the
// downstream identifier space: it must never be returned to the upstream
// caller.
type User struct {
	ID         string     `json:"id,omitempty"`
	ExternalID string     `json:"externalId,omitempty"`
	Meta       *scim.Meta `json:"meta,omitempty"`
	Schemas    []string   `json:"schemas"`
	UserName   string     `json:"userName,omitempty"`
	Name       *scim.Name `json:"name,omitempty"`
	Active     *bool      `json:"active,omitempty"`
	Emails     []scim.Email `json:"emails,omitempty"`
	Extension  *Extension   `json:"urn:ietf:params:scim:schemas:extension:authzen:2.0:User,omitempty"`
}

// Extension holds the vendor's authorization attributes. CustomRole, when
// non-empty, supersedes Role.
type Extension struct {
	Role       string   `json:"role,omitempty"`
	CustomRole []string `json:"customRole,omitempty"`
}

// CustomRoles returns the extension's custom role list, treating an absent
// extension as empty.
func (u *User) CustomRoles() []string {
	if u.Extension == nil {
		return nil
	}
	return u.Extension.CustomRole
}
