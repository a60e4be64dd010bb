// Package auth gates access to the gateway.
//
// Agent connections present a workspace identifier and an access key. The
// Authenticator resolves them against the workspace's access policy and
// returns a Grant carrying the policy snapshot used for the lifetime of the
// session, or one of the sentinel errors:
//
//	ErrBadRequest    no workspace identifier          -> 400
//	ErrForbidden     workspace unknown or disabled    -> 403
//	ErrUnauthorized  credential missing or not valid  -> 401
//
// Unknown and disabled workspaces produce the same error so that a caller
// cannot probe which workspaces exist.
//
// Operators calling the admin API present bearer JWTs instead. A
// TokenVerifier validates them; HMAC (shared secret), JWKS and OIDC
// discovery verifiers are provided.
//
// Example:
//
//	authn := auth.NewAuthenticator(policyStore)
//	grant, err := authn.Authenticate(ctx, auth.Credentials{WorkspaceID: ws, Secret: key})
//	if err != nil {
//	    http.Error(w, err.Error(), auth.StatusCode(err))
//	    return
//	}
package auth
