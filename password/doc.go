// Package password hashes and verifies staff passwords.
//
// New hashes are Argon2id in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Records migrated from older systems may still carry bcrypt hashes
// ($2a$, $2b$, $2y$). [Verifier] accepts both and reports through
// [Verifier.NeedsUpgrade] when a hash should be replaced on the next
// successful login.
//
// This package never stores passwords and never logs them.
package password
