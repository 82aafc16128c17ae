// Package hmppsauth resolves and authenticates staff identities held across
// several independent backends: a local account store, the prison staff
// directory, the probation user service and a federated directory.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after [Builder.Build].
//
// # Architecture boundaries
//
// hmppsauth is the public surface. It exposes [Engine], [Builder], [Config],
// the sentinel errors and aliases of the record and token types. Flow
// orchestration, the Redis stores, metrics and audit dispatch live under
// internal/. Backends plug in through the [identity.Provider] family of
// interfaces; ready-made adapters live under provider/.
//
// # What this package must NOT do
//
//   - Hold per-user state. Failure counters live in the retry ledger and
//     verification tokens in the token store.
//   - Deliver notifications. Codes and links are handed to a [Notifier].
//   - Log or audit passwords, token ids or one-time codes.
//
// # Errors
//
// [Engine.Authenticate] reports expected outcomes in [AttemptResult] and
// returns an error only when a backend could not be asked. Every other
// operation returns one of the sentinels in errors.go, wrapped where a cause
// is worth keeping.
package hmppsauth
