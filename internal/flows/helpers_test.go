package flows

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/emileswarts/hmppsauth/verify"
)

var (
	errNotReady       = errors.New("not ready")
	errNotFound       = errors.New("user not found")
	errMismatch       = errors.New("email mismatch")
	errUnavailable    = errors.New("backend unavailable")
	errTokenInvalid   = errors.New("token invalid")
	errTokenExpired   = errors.New("token expired")
	errTokenWrongUser = errors.New("token wrong user")
	errDelivery       = errors.New("delivery failed")
	errNoReset        = errors.New("reset unsupported")
	errMFAUnavailable = errors.New("mfa unavailable")
	errMissing        = errors.New("missing credentials")
	errLocked         = errors.New("account locked")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProvider is an in-memory backend that also owns credentials and
// accepts record mutations.
type fakeProvider struct {
	mu        sync.Mutex
	source    identity.AuthSource
	users     map[string]*identity.UserRecord
	passwords map[string]string
	err       error
	delay     time.Duration

	lockCalls   int
	loginCalls  int
	emailCalls  int
	setPassword int
}

func newFakeProvider(source identity.AuthSource, users ...identity.UserRecord) *fakeProvider {
	p := &fakeProvider{
		source:    source,
		users:     make(map[string]*identity.UserRecord),
		passwords: make(map[string]string),
	}
	for _, u := range users {
		u := u
		u.Source = source
		p.users[identity.NormalizeUsername(u.Username)] = &u
	}
	return p
}

func (p *fakeProvider) withPassword(username, password string) *fakeProvider {
	p.passwords[identity.NormalizeUsername(username)] = password
	return p
}

func (p *fakeProvider) Source() identity.AuthSource { return p.source }

func (p *fakeProvider) wait(ctx context.Context) error {
	if p.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(p.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakeProvider) FindByUsername(ctx context.Context, username string) (*identity.UserRecord, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
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

func (p *fakeProvider) FindByEmail(ctx context.Context, email string) ([]identity.UserRecord, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
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

func (p *fakeProvider) Authenticate(_ context.Context, username, password string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	want, ok := p.passwords[identity.NormalizeUsername(username)]
	return ok && want == password, nil
}

func (p *fakeProvider) RecordLogin(_ context.Context, username string, at time.Time, _ *identity.LoginIdentity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loginCalls++
	u, ok := p.users[identity.NormalizeUsername(username)]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.LastLoggedIn = at
	return nil
}

func (p *fakeProvider) SetLocked(_ context.Context, username string, locked bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lockCalls++
	u, ok := p.users[identity.NormalizeUsername(username)]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.Locked = locked
	return nil
}

func (p *fakeProvider) ChangeEmail(_ context.Context, username, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emailCalls++
	u, ok := p.users[identity.NormalizeUsername(username)]
	if !ok {
		return identity.ErrUserNotFound
	}
	u.Email = identity.NormalizeEmail(email)
	u.EmailVerified = false
	return nil
}

func (p *fakeProvider) MarkEmailVerified(_ context.Context, username, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[identity.NormalizeUsername(username)]
	if !ok || !identity.SameEmail(u.Email, email) {
		return identity.ErrUserNotFound
	}
	u.EmailVerified = true
	return nil
}

func (p *fakeProvider) SetPassword(_ context.Context, username, password string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setPassword++
	key := identity.NormalizeUsername(username)
	if _, ok := p.users[key]; !ok {
		return identity.ErrUserNotFound
	}
	p.passwords[key] = password
	p.users[key].CredentialsExpired = false
	return nil
}

func (p *fakeProvider) user(username string) identity.UserRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users[identity.NormalizeUsername(username)].Clone()
}

type memLedger struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func newMemLedger() *memLedger { return &memLedger{counts: make(map[string]int)} }

func (l *memLedger) IncrementAndGet(_ context.Context, username string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	l.counts[username]++
	return l.counts[username], nil
}

func (l *memLedger) Reset(_ context.Context, username string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	delete(l.counts, username)
	return nil
}

func (l *memLedger) Get(_ context.Context, username string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return 0, l.err
	}
	return l.counts[username], nil
}

// memTokenStore never expires entries on its own, so tests can drive expiry
// through the flow clock.
type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]verify.Token
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]verify.Token)}
}

func (s *memTokenStore) Save(_ context.Context, token verify.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token.ID]; ok {
		return verify.ErrDuplicateID
	}
	for _, t := range s.tokens {
		if t.Type == token.Type && t.Owner == token.Owner {
			return verify.ErrLiveTokenExists
		}
	}
	s.tokens[token.ID] = token
	return nil
}

func (s *memTokenStore) Find(_ context.Context, id string) (*verify.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *memTokenStore) FindByOwner(_ context.Context, typ verify.Type, owner string) (*verify.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.Type == typ && t.Owner == owner {
			t := t
			return &t, nil
		}
	}
	return nil, nil
}

func (s *memTokenStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[id]
	delete(s.tokens, id)
	return ok, nil
}

func (s *memTokenStore) Consume(_ context.Context, typ verify.Type, id string) (*verify.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok || t.Type != typ {
		return nil, nil
	}
	delete(s.tokens, id)
	return &t, nil
}

func (s *memTokenStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func sequence(prefix string) func() (string, error) {
	var (
		mu sync.Mutex
		n  int
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return prefix + string(rune('a'+n-1)), nil
	}
}

func testTokenDeps(store verify.Store, clock *fakeClock) TokenDeps {
	return TokenDeps{
		Store: store,
		Windows: map[verify.Type]time.Duration{
			verify.PasswordReset: 7 * 24 * time.Hour,
			verify.EmailVerify:   7 * 24 * time.Hour,
			verify.AccountChange: 7 * 24 * time.Hour,
			verify.MFAChallenge:  20 * time.Minute,
			verify.MFACode:       10 * time.Minute,
		},
		NewLinkID: sequence("link-"),
		NewCode:   sequence("code-"),
		Observer:  Observer{Now: clock.Now},
		Errors: TokenErrors{
			EngineNotReady: errNotReady,
			Invalid:        errTokenInvalid,
			Expired:        errTokenExpired,
			WrongUser:      errTokenWrongUser,
		},
	}
}

func testResolveDeps(providers ...*fakeProvider) ResolveDeps {
	m := make(map[identity.AuthSource]identity.Provider, len(providers))
	for _, p := range providers {
		m[p.source] = p
	}
	return ResolveDeps{
		Providers: m,
		Errors: ResolveErrors{
			UserNotFound:       errNotFound,
			EmailMismatch:      errMismatch,
			BackendUnavailable: errUnavailable,
		},
	}
}
