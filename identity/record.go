package identity

import (
	"strings"
	"time"
)

// MFAPreference is the channel a user prefers for MFA codes.
type MFAPreference string

const (
	MFAEmail          MFAPreference = "email"
	MFAText           MFAPreference = "text"
	MFASecondaryEmail MFAPreference = "secondary-email"
)

// PersonName is the display name held by a backend.
type PersonName struct {
	First string
	Last  string
}

// FullName joins first and last name, skipping blanks.
func (p PersonName) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(p.First) + " " + strings.TrimSpace(p.Last))
}

// UserRecord is one account as held by one backend.
//
// Username is stored normalized (see [NormalizeUsername]). Records are never
// physically deleted by the engine; they are mutated on login, lockout and
// email or mobile changes.
type UserRecord struct {
	Username string
	Source   AuthSource
	Person   PersonName

	Email                  string
	EmailVerified          bool
	SecondaryEmail         string
	SecondaryEmailVerified bool
	Mobile                 string
	MobileVerified         bool
	MFAPreference          MFAPreference

	Locked             bool
	Enabled            bool
	CredentialsExpired bool
	LastLoggedIn       time.Time

	Authorities []string
	Groups      []string

	// Master is only meaningful for local records: the local copy is the
	// authoritative one even if another backend also knows the username.
	Master bool
}

// HasAnyRole reports whether the record holds at least one of roles.
// Role codes compare case-insensitively and ignore a leading "ROLE_".
func (u UserRecord) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		w := normalizeRole(want)
		if w == "" {
			continue
		}
		for _, have := range u.Authorities {
			if normalizeRole(have) == w {
				return true
			}
		}
	}
	return false
}

// InGroup reports group membership, case-insensitively.
func (u UserRecord) InGroup(group string) bool {
	g := strings.ToUpper(strings.TrimSpace(group))
	for _, have := range u.Groups {
		if strings.ToUpper(strings.TrimSpace(have)) == g {
			return true
		}
	}
	return false
}

// VerifiedEmail returns the primary email when it has been verified.
func (u UserRecord) VerifiedEmail() (string, bool) {
	if u.EmailVerified && strings.TrimSpace(u.Email) != "" {
		return NormalizeEmail(u.Email), true
	}
	return "", false
}

// Clone returns a deep copy so callers may mutate slices freely.
func (u UserRecord) Clone() UserRecord {
	out := u
	out.Authorities = append([]string(nil), u.Authorities...)
	out.Groups = append([]string(nil), u.Groups...)
	return out
}

func normalizeRole(role string) string {
	r := strings.ToUpper(strings.TrimSpace(role))
	return strings.TrimPrefix(r, "ROLE_")
}

// LoginIdentity is a principal that has already been authenticated somewhere,
// typically a federated directory login. It is used to constrain master-record
// resolution by email and to enrich the stored record after login.
type LoginIdentity struct {
	Username      string
	Source        AuthSource
	Email         string
	EmailVerified bool
	Person        PersonName
}

// Richer reports whether the login identity carries data the stored record lacks
// or has stale: a verified email that differs, or a different non-empty name.
func (l LoginIdentity) Richer(stored UserRecord) bool {
	if l.EmailVerified && l.Email != "" {
		if !stored.EmailVerified || NormalizeEmail(stored.Email) != NormalizeEmail(l.Email) {
			return true
		}
	}
	if l.Person.First != "" && l.Person.First != stored.Person.First {
		return true
	}
	if l.Person.Last != "" && l.Person.Last != stored.Person.Last {
		return true
	}
	return false
}
