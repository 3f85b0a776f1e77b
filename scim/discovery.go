package scim

// Static discovery documents. The bridge exposes a single User resource type;
// bulk, sort and etags are not advertised because the downstream translation
// layer does not support them.

// ServiceProviderConfig represents the SCIM service provider configuration
type ServiceProviderConfig struct {
	Schemas               []string               `json:"schemas"`
	DocumentationURI      string                 `json:"documentationUri,omitempty"`
	Patch                 SupportedFeature       `json:"patch"`
	Bulk                  BulkFeature            `json:"bulk"`
	Filter                FilterFeature          `json:"filter"`
	ChangePassword        SupportedFeature       `json:"changePassword"`
	Sort                  SupportedFeature       `json:"sort"`
	Etag                  SupportedFeature       `json:"etag"`
	AuthenticationSchemes []AuthenticationScheme `json:"authenticationSchemes"`
}

// SupportedFeature indicates if a feature is supported
type SupportedFeature struct {
	Supported bool `json:"supported"`
}

// BulkFeature describes bulk operation capabilities
type BulkFeature struct {
	Supported      bool `json:"supported"`
	MaxOperations  int  `json:"maxOperations"`
	MaxPayloadSize int  `json:"maxPayloadSize"`
}

// FilterFeature describes filter capabilities
type FilterFeature struct {
	Supported  bool `json:"supported"`
	MaxResults int  `json:"maxResults"`
}

// AuthenticationScheme describes an authentication scheme
type AuthenticationScheme struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SpecURI     string `json:"specUri,omitempty"`
	Primary     bool   `json:"primary,omitempty"`
}

// ResourceTypeDefinition represents a resource type
type ResourceTypeDefinition struct {
	Schemas     []string `json:"schemas"`
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Endpoint    string   `json:"endpoint"`
	Description string   `json:"description,omitempty"`
	Schema      string   `json:"schema"`
}

// SchemaDefinition represents a SCIM schema definition
type SchemaDefinition struct {
	ID          string                `json:"id"`
	Name        string                `json:"name,omitempty"`
	Description string                `json:"description,omitempty"`
	Attributes  []AttributeDefinition `json:"attributes,omitempty"`
}

// AttributeDefinition describes a SCIM attribute
type AttributeDefinition struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	MultiValued bool   `json:"multiValued"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	CaseExact   bool   `json:"caseExact"`
	Mutability  string `json:"mutability"`
	Returned    string `json:"returned"`
	Uniqueness  string `json:"uniqueness"`
}

// GetServiceProviderConfig returns the service provider configuration
func GetServiceProviderConfig() *ServiceProviderConfig {
	return &ServiceProviderConfig{
		Schemas: []string{"urn:ietf:params:scim:schemas:core:2.0:ServiceProviderConfig"},
		Patch:   SupportedFeature{Supported: true},
		Bulk:    BulkFeature{Supported: false},
		Filter: FilterFeature{
			Supported:  true,
			MaxResults: 200,
		},
		ChangePassword: SupportedFeature{Supported: false},
		Sort:           SupportedFeature{Supported: false},
		Etag:           SupportedFeature{Supported: false},
		AuthenticationSchemes: []AuthenticationScheme{
			{
				Type:        "oauthbearertoken",
				Name:        "OAuth Bearer Token",
				Description: "Authentication scheme using a static Bearer token",
				SpecURI:     "http://www.rfc-editor.org/info/rfc6750",
				Primary:     true,
			},
		},
	}
}

// GetResourceTypes returns the resource types served by the bridge
func GetResourceTypes() []ResourceTypeDefinition {
	return []ResourceTypeDefinition{
		{
			Schemas:     []string{"urn:ietf:params:scim:schemas:core:2.0:ResourceType"},
			ID:          "User",
			Name:        "User",
			Endpoint:    "/Users",
			Description: "User Account",
			Schema:      SchemaUser,
		},
	}
}

// GetUserSchema returns the User schema definition
func GetUserSchema() *SchemaDefinition {
	return &SchemaDefinition{
		ID:          SchemaUser,
		Name:        "User",
		Description: "User Account",
		Attributes: []AttributeDefinition{
			{
				Name:       "userName",
				Type:       "string",
				Required:   true,
				Mutability: "readWrite",
				Returned:   "default",
				Uniqueness: "server",
			},
			{
				Name:       "externalId",
				Type:       "string",
				Mutability: "immutable",
				Returned:   "default",
				Uniqueness: "server",
			},
			{
				Name:       "name",
				Type:       "complex",
				Mutability: "readWrite",
				Returned:   "default",
				Uniqueness: "none",
			},
			{
				Name:       "active",
				Type:       "boolean",
				Mutability: "readWrite",
				Returned:   "default",
				Uniqueness: "none",
			},
			{
				Name:        "emails",
				Type:        "complex",
				MultiValued: true,
				Mutability:  "readWrite",
				Returned:    "default",
				Uniqueness:  "none",
			},
			{
				Name:        "roles",
				Type:        "complex",
				MultiValued: true,
				Description: "Roles translated to the downstream authorization model",
				Mutability:  "readWrite",
				Returned:    "default",
				Uniqueness:  "none",
			},
		},
	}
}
