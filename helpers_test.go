package hmppsauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/emileswarts/hmppsauth/identity"
	"github.com/redis/go-redis/v9"
)

type testProvider struct {
	mu        sync.Mutex
	source    identity.AuthSource
	users     map[string]*identity.UserRecord
	passwords map[string]string
	err       error
	delay     time.Duration
	logins    []*identity.LoginIdentity
}

func newTestProvider(source identity.AuthSource) *testProvider {
	return &testProvider{
		source:    source,
		users:     make(map[string]*identity.UserRecord),
		passwords: make(map[string]string),
	}
}

func (p *testProvider) add(u identity.UserRecord, password string) *testProvider {
	u.Username = identity.NormalizeUsername(u.Username)
	u.Source = p.source
	p.users[u.Username] = &u
	if password != "" {
		p.passwords[u.Username] = password
	}
	return p
}

func (p *testProvider) Source() identity.AuthSource { return p.source }

func (p *testProvider) FindByUsername(ctx context.Context, username string) (*identity.UserRecord, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	u, ok := p.users[identity.NormalizeUsername(username)]
	if !ok {
		return nil, nil
	}
	out := u.Clone()
	return &out, nil
}

func (p *testProvider) FindByEmail(ctx context.Context, email string) ([]identity.UserRecord, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	var out []identity.UserRecord
	for _, u := range p.users {
		if identity.SameEmail(u.Email, email) {
			out = append(out, u.Clone())
		}
	}
	return out, nil
}

func (p *testProvider) Authenticate(_ context.Context, username, password string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	want, ok := p.passwords[identity.NormalizeUsername(username)]
	return ok && want == password, nil
}

func (p *testProvider) RecordLogin(_ context.Context, username string, at time.Time, from *identity.LoginIdentity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[identity.NormalizeUsername(username)]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.LastLoggedIn = at
	p.logins = append(p.logins, from)
	if from != nil && from.Richer(*u) {
		u.Email = identity.NormalizeEmail(from.Email)
		u.EmailVerified = from.EmailVerified
		u.Person = from.Person
	}
	return nil
}

func (p *testProvider) SetLocked(_ context.Context, username string, locked bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[identity.NormalizeUsername(username)]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.Locked = locked
	return nil
}

func (p *testProvider) SetPassword(_ context.Context, username, password string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := identity.NormalizeUsername(username)
	if _, ok := p.users[key]; !ok {
		return identity.ErrUserNotFound
	}
	p.passwords[key] = password
	return nil
}

func (p *testProvider) ChangeEmail(_ context.Context, username, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[identity.NormalizeUsername(username)]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.Email, u.EmailVerified = identity.NormalizeEmail(email), false
	return nil
}

func (p *testProvider) MarkEmailVerified(_ context.Context, username, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[identity.NormalizeUsername(username)]
	if !ok || !identity.SameEmail(u.Email, email) {
		return identity.ErrUserNotFound
	}
	u.EmailVerified = true
	return nil
}

func (p *testProvider) Provision(_ context.Context, login identity.LoginIdentity) (*identity.UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := identity.UserRecord{
		Username:      identity.NormalizeUsername(login.Username),
		Source:        p.source,
		Person:        login.Person,
		Email:         identity.NormalizeEmail(login.Email),
		EmailVerified: login.EmailVerified,
		MFAPreference: identity.MFAEmail,
		Enabled:       true,
	}
	p.users[u.Username] = &u
	out := u.Clone()
	return &out, nil
}

func (p *testProvider) get(username string) identity.UserRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users[identity.NormalizeUsername(username)].Clone()
}

// lookupOnly exposes lookups and credential checks but no record mutation, the
// way the probation API does.
type lookupOnly struct {
	p *testProvider
}

func (l lookupOnly) Source() identity.AuthSource { return l.p.source }

func (l lookupOnly) FindByUsername(ctx context.Context, username string) (*identity.UserRecord, error) {
	return l.p.FindByUsername(ctx, username)
}

func (l lookupOnly) FindByEmail(ctx context.Context, email string) ([]identity.UserRecord, error) {
	return l.p.FindByEmail(ctx, email)
}

func (l lookupOnly) Authenticate(ctx context.Context, username, password string) (bool, error) {
	return l.p.Authenticate(ctx, username, password)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, msg Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) last(t *testing.T) Notification {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		t.Fatal("nothing was sent")
	}
	return n.sent[len(n.sent)-1]
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return rdb, mr
}

type testEnv struct {
	engine   *Engine
	local    *testProvider
	prison   *testProvider
	notifier *recordingNotifier
	mr       *miniredis.Miniredis
}

func newTestEnv(t *testing.T, cfg Config, configure ...func(*Builder)) *testEnv {
	t.Helper()
	rdb, mr := newTestRedis(t)
	env := &testEnv{
		local:    newTestProvider(identity.SourceLocal),
		prison:   newTestProvider(identity.SourcePrison),
		notifier: &recordingNotifier{},
		mr:       mr,
	}
	env.local.add(identity.UserRecord{
		Username: "bob", Master: true, Enabled: true,
		Email: "bob@justice.gov.uk", EmailVerified: true,
		Person: identity.PersonName{First: "Bob", Last: "Smith"},
	}, "correct-horse")
	env.prison.add(identity.UserRecord{
		Username: "itag_user", Enabled: true,
		Email: "itag@prison.gov.uk", EmailVerified: true,
		Authorities: []string{"ROLE_OMIC_ADMIN"},
	}, "prison-pass")

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithProviders(env.local, env.prison).
		WithNotifier(env.notifier)
	for _, fn := range configure {
		fn(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine
	return env
}
