// Package wellknown defines the discovery documents the server publishes so
// that clients can configure themselves without prior knowledge: OAuth2
// protected-resource metadata (RFC 9728), authorization-server metadata
// (RFC 8414), and the service root document.
package wellknown

// ProtectedResourceMetadata is the RFC 9728 document served under
// /.well-known/oauth-protected-resource.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// AuthServerMetadata is the RFC 8414 document served under
// /.well-known/oauth-authorization-server. This server is its own
// authorization server: the endpoints point back at /authorize and /token.
type AuthServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ServiceDocumentation              string   `json:"service_documentation,omitempty"`
}

// ServiceDocument is served on the service root and advertises protocol
// version, transport URLs and capability flags.
type ServiceDocument struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	ProtocolVersion string            `json:"protocol_version"`
	Capabilities    map[string]bool   `json:"capabilities"`
	Endpoints       map[string]string `json:"endpoints"`
}
