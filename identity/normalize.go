package identity

import "strings"

// NormalizeUsername trims and upper-cases a username. Every backend stores and
// compares usernames in this form.
func NormalizeUsername(username string) string {
	return strings.ToUpper(strings.TrimSpace(username))
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SameEmail compares two addresses after normalization. Blank never matches.
func SameEmail(a, b string) bool {
	na, nb := NormalizeEmail(a), NormalizeEmail(b)
	return na != "" && na == nb
}

// IsEmailLogin reports whether a username is really an email address.
func IsEmailLogin(username string) bool {
	return strings.Contains(username, "@")
}
