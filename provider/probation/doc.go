// Package probation is the identity adapter for the probation user directory,
// reached over its REST API. Calls are authorised with an OAuth2
// client-credentials token obtained by golang.org/x/oauth2.
package probation
