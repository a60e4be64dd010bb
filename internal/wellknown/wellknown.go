// Package wellknown holds documents served under /.well-known.
package wellknown

// ProtectedResourceMetadata is the OAuth 2.0 protected resource metadata
// document of RFC 9728.
type ProtectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers,omitempty"`
	JwksURI                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported,omitempty"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
	ResourceName                      string   `json:"resource_name,omitempty"`
	ResourceDocumentation             string   `json:"resource_documentation,omitempty"`
}

// AdminResource describes the admin API at resource, whose tokens are issued
// by issuer or, lacking one, verified against jwksURI.
func AdminResource(resource, issuer, jwksURI string) ProtectedResourceMetadata {
	md := ProtectedResourceMetadata{
		Resource:               resource,
		JwksURI:                jwksURI,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "MCP context gateway admin API",
	}
	if issuer != "" {
		md.AuthorizationServers = []string{issuer}
	}
	return md
}
