// Package internal holds helpers private to the broker, currently random token
// id and one-time code generation.
//
// Sub-packages:
//
//   - audit: async event dispatch (Dispatcher and Sink implementations)
//   - flows: orchestrators behind every Engine operation
//   - limiters: the Redis retry ledger
//   - metrics: lock-free counters and the authenticate latency histogram
//   - stores: the Redis verification token store
package internal
