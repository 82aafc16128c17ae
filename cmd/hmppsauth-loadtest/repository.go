package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/emileswarts/hmppsauth/password"
	"github.com/emileswarts/hmppsauth/provider/local"
)

// memRepository is an in-process local.Repository so the load test measures
// the engine and Redis, not a database.
type memRepository struct {
	mu    sync.RWMutex
	users map[string]*local.User
}

// seedUsers creates LOADUSER0..n-1 sharing one Argon2id hash.
func seedUsers(n int) (*memRepository, []string, error) {
	hash, err := password.DefaultVerifier().Hash(seedPassword)
	if err != nil {
		return nil, nil, err
	}
	repo := &memRepository{users: make(map[string]*local.User, n)}
	names := make([]string, n)
	for i := range n {
		name := fmt.Sprintf("LOADUSER%d", i)
		names[i] = name
		repo.users[name] = &local.User{
			ID:            uint64(i + 1),
			Username:      name,
			Source:        identity.SourceLocal.String(),
			Master:        true,
			PasswordHash:  hash,
			Email:         fmt.Sprintf("load.user%d@justice.gov.uk", i),
			EmailVerified: true,
			Enabled:       true,
		}
	}
	return repo, names, nil
}

func (r *memRepository) FindByUsername(_ context.Context, source identity.AuthSource, username string) (*local.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[identity.NormalizeUsername(username)]
	if !ok || u.Source != source.String() {
		return nil, nil
	}
	out := *u
	return &out, nil
}

func (r *memRepository) FindByEmail(_ context.Context, source identity.AuthSource, email string) ([]local.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []local.User
	for _, u := range r.users {
		if u.Source == source.String() && identity.SameEmail(u.Email, email) {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (r *memRepository) Update(_ context.Context, source identity.AuthSource, username string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[identity.NormalizeUsername(username)]
	if !ok || u.Source != source.String() {
		return identity.ErrUserNotFound
	}
	for column, value := range fields {
		switch column {
		case "password_hash":
			u.PasswordHash = value.(string)
		case "locked":
			u.Locked = value.(bool)
		case "credentials_expired":
			u.CredentialsExpired = value.(bool)
		case "email":
			u.Email = value.(string)
		case "email_verified":
			u.EmailVerified = value.(bool)
		case "first_name":
			u.FirstName = value.(string)
		case "last_name":
			u.LastName = value.(string)
		case "last_logged_in":
			at := value.(time.Time)
			u.LastLoggedIn = &at
		default:
			return fmt.Errorf("unknown column %q", column)
		}
	}
	return nil
}

func (r *memRepository) Create(_ context.Context, user *local.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := identity.NormalizeUsername(user.Username)
	if _, ok := r.users[key]; ok {
		return local.ErrUserExists
	}
	user.ID = uint64(len(r.users) + 1)
	cp := *user
	r.users[key] = &cp
	return nil
}
