// Package pgstore provides PostgreSQL implementations of the retry ledger and
// the verification token store, plus the embedded goose migrations for every
// table the broker owns (retry counters, verification tokens, local users).
//
// Atomicity comes from single statements: the ledger increments with an
// INSERT .. ON CONFLICT .. RETURNING upsert and tokens are consumed with
// DELETE .. RETURNING, so no explicit row locks are taken.
package pgstore
