// Package federated serves identities that sign in through an external
// directory. The directory owns their credentials; the broker keeps a linked
// row per identity in its users table (source "federated") so the usual
// lookups, lockout and record updates apply. [Provider.IdentityFromToken]
// turns the directory's signed ID token into an identity.LoginIdentity.
package federated
