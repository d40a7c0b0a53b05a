// Package sso implements the enterprise single sign-on core: SAML 2.0
// service provider flows, OAuth2/OIDC authorization-code flows with PKCE,
// and LDAP search-then-bind authentication, all funneled through one
// identity resolution pipeline that links external identities to local
// accounts and provisions missing accounts just in time.
//
// Protocol adapters produce a normalized ExternalIdentity; the
// IdentityResolver maps it to an Account; the SessionManager owns the
// resulting browser session. The SSOManager wires all of it behind
// gorilla/mux routes.
package sso
