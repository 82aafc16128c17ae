// Package stores provides the Redis-backed verification token store.
//
// # Design
//
// Each token is persisted as a versioned, binary-encoded record with a TTL equal
// to its remaining lifetime. Save and Consume use WATCH/MULTI optimistic
// transactions with bounded retry on contention, so a consume is an atomic
// check-and-delete: of two racing consumers exactly one receives the token.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control only. Token id
// generation, expiry windows and owner checks belong to internal/flows.
//
// # What this package must NOT do
//
//   - Import the root hmppsauth package.
//   - Log token ids.
package stores
