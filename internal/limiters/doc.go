// Package limiters provides the Redis-backed retry ledger that drives account
// lockout.
//
// # Architecture boundaries
//
// The ledger only counts. Whether a count means "locked" is decided by the
// authentication flow in internal/flows using the configured threshold.
//
// # What this package must NOT do
//
//   - Import the root hmppsauth package.
//   - Read-then-write counters: every mutation is a single atomic Redis command.
package limiters
