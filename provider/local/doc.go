// Package local is the identity adapter for accounts held in the broker's own
// users table. Records there are either native local accounts or shadow copies
// created when a user from another backend was migrated; the latter carry the
// Master flag so they win master-record resolution.
//
// The gorm-backed [Repository] is shared with provider/federated, which stores
// linked directory identities in the same table under a different source.
package local
