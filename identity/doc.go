// Package identity defines the user-record model shared by every identity backend
// and the narrow contracts those backends implement.
//
// # Architecture boundaries
//
// identity is a leaf package. Backend adapters (provider/local, provider/prison,
// provider/probation, provider/federated) implement [Provider] and, where they own
// credentials, [Authenticator]. The engine in the root package depends only on these
// interfaces and selects an implementation by [AuthSource] tag.
//
// # What this package must NOT do
//
//   - Import the root hmppsauth package or any provider implementation.
//   - Perform I/O. Types here are plain values and interfaces.
package identity
