// Package verify defines single-use, typed, expiring verification tokens and the
// store contract that persists them.
//
// Tokens back four flows: password reset, email verification, MFA (challenge
// plus short-lived code) and generic account-change confirmation. The lifecycle
// logic (create, check, consume) lives in the engine; this package only fixes the
// data shape and the atomicity a [Store] must provide.
package verify
