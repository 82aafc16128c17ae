// Package flows contains the orchestrators behind every Engine operation.
//
// Each Run* function takes a typed dependency struct and does no I/O of its
// own: providers, the retry ledger, the token store and the notifier are all
// reached through that struct. The Engine builds the deps once and delegates.
// EvaluateMFA is a pure function of its input.
//
// Flows never hold state between calls and never import the root package.
package flows
