package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type distinguishes the flow a token belongs to. A token is only ever valid
// for the exact type it was issued with.
type Type string

const (
	PasswordReset Type = "password-reset"
	EmailVerify   Type = "email-verify"
	MFAChallenge  Type = "mfa-challenge"
	MFACode       Type = "mfa-code"
	AccountChange Type = "account-change"
)

// Types lists every declared token type.
var Types = []Type{PasswordReset, EmailVerify, MFAChallenge, MFACode, AccountChange}

// Valid reports whether t is a declared type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// ParseType accepts the names of the declared types.
func ParseType(value string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(value)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown token type %q", value)
	}
	return t, nil
}

// Token is one issued verification token.
type Token struct {
	ID        string
	Type      Type
	Owner     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

var (
	// ErrDuplicateID is returned by Save when the token id is already taken.
	ErrDuplicateID = errors.New("verification token id already exists")
	// ErrLiveTokenExists is returned by Save when the owner already holds a
	// token of the same type.
	ErrLiveTokenExists = errors.New("owner already holds a token of this type")
	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("verification token store unavailable")
)

// Store persists tokens.
//
// Find, FindByOwner and Consume return (nil, nil) when nothing matches.
// Consume must validate and delete in one atomic step: when two callers race on
// the same id exactly one receives the token. Consume never deletes a token of a
// different type than requested.
type Store interface {
	Save(ctx context.Context, token Token) error
	Find(ctx context.Context, id string) (*Token, error)
	FindByOwner(ctx context.Context, typ Type, owner string) (*Token, error)
	Delete(ctx context.Context, id string) (bool, error)
	Consume(ctx context.Context, typ Type, id string) (*Token, error)
}
