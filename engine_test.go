package hmppsauth

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
)

func TestBuildRejectsBadWiring(t *testing.T) {
	rdb, _ := newTestRedis(t)
	local := newTestProvider(identity.SourceLocal)

	if _, err := New().WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected error without providers")
	}
	if _, err := New().WithRedis(rdb).WithProviders(local, newTestProvider(identity.SourceLocal)).Build(); err == nil {
		t.Fatal("expected error for duplicate source")
	}
	if _, err := New().WithProviders(local).Build(); err == nil {
		t.Fatal("expected error without redis or explicit stores")
	}

	b := New().WithRedis(rdb).WithProviders(local)
	e, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	e.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected builder reuse to fail")
	}
}

func TestNilEngineNotReady(t *testing.T) {
	var e *Engine
	ctx := context.Background()

	if _, err := e.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "x"}); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("Authenticate: %v", err)
	}
	if _, err := e.ResolveMasterRecord(ctx, "bob"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("ResolveMasterRecord: %v", err)
	}
	if err := e.UnlockAccount(ctx, "bob"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("UnlockAccount: %v", err)
	}
	if _, err := e.ConsumeToken(ctx, TokenPasswordReset, "x"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("ConsumeToken: %v", err)
	}
	e.Close()
}

func TestAuthenticateLockoutThenUnlock(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	e := env.engine
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res, err := e.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "wrong"})
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if res.State != StateAuthenticationFailed {
			t.Fatalf("attempt %d: state %s", i, res.State)
		}
	}
	res, err := e.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "wrong"})
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if res.State != StateAccountLocked || res.Reason != ReasonLocked {
		t.Fatalf("expected lockout, got %s/%s", res.State, res.Reason)
	}
	if !env.local.get("bob").Locked {
		t.Fatal("expected lock flag stored on local record")
	}

	res, err = e.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("locked attempt: %v", err)
	}
	if res.State != StateAccountLocked {
		t.Fatalf("correct password on locked account: %s", res.State)
	}

	if err := e.UnlockAccount(ctx, "BOB"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if env.local.get("bob").Locked {
		t.Fatal("lock flag not cleared")
	}
	res, err = e.Authenticate(ctx, AuthenticateRequest{Username: " Bob ", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("after unlock: %v", err)
	}
	if res.State != StateAuthenticated || res.User == nil || res.User.Username != "BOB" {
		t.Fatalf("unexpected result after unlock: %+v", res)
	}
	if env.local.get("bob").LastLoggedIn.IsZero() {
		t.Fatal("expected last login recorded")
	}
}

func TestAuthenticateLockoutCountedInRedis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.Threshold = 2
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	for range 2 {
		if _, err := env.engine.Authenticate(ctx, AuthenticateRequest{Username: "itag_user", Password: "nope"}); err != nil {
			t.Fatalf("attempt: %v", err)
		}
	}
	if got := env.mr.Exists("hrl:ITAG_USER"); !got {
		t.Fatal("expected failure counter in redis")
	}
	res, err := env.engine.Authenticate(ctx, AuthenticateRequest{Username: "itag_user", Password: "prison-pass"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.State != StateAccountLocked {
		t.Fatalf("expected locked, got %s", res.State)
	}
}

func TestAuthenticateAPIContextUsesHigherThreshold(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	for i := range 5 {
		res, err := env.engine.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "wrong", Context: ContextAPI})
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if res.State != StateAuthenticationFailed {
			t.Fatalf("attempt %d: expected failure, got %s", i, res.State)
		}
	}
}

func TestAuthenticateMissingCredentials(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	res, err := env.engine.Authenticate(context.Background(), AuthenticateRequest{Username: "bob"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != StateMissingCredentials {
		t.Fatalf("expected missing credentials, got %s", res.State)
	}
	if !errors.Is(StateErr(res.State), ErrMissingCredentials) {
		t.Fatal("StateErr mapping wrong")
	}
}

func TestAuthenticateBackendFailureIsError(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.local.err = errors.New("connection refused")

	_, err := env.engine.Authenticate(context.Background(), AuthenticateRequest{Username: "bob", Password: "correct-horse"})
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
	if env.mr.Exists("hrl:BOB") {
		t.Fatal("failure counter must not move on backend error")
	}
}

func TestAuthenticateMFAFromClientTable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MFA.Clients = map[string]string{"omic-ui": "all", "legacy": "untrusted-network"}
	cfg.MFA.ApprovedNetworks = []string{"10.0.0.0/8"}
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	res, err := env.engine.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "correct-horse", ClientID: "omic-ui", Origin: "10.1.2.3"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.State != StateMfaRequired || res.MFADestination != "bob@justice.gov.uk" {
		t.Fatalf("expected MFA via email, got %+v", res)
	}

	res, err = env.engine.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "correct-horse", ClientID: "legacy", Origin: "10.1.2.3"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.State != StateAuthenticated {
		t.Fatalf("approved network should skip MFA, got %s", res.State)
	}

	res, err = env.engine.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "correct-horse", ClientID: "legacy", Origin: "81.2.69.160"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.State != StateMfaRequired {
		t.Fatalf("outside network should need MFA, got %s", res.State)
	}

	res, err = env.engine.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "correct-horse", ClientID: "omic-ui", MFAMode: MFAModeNone})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.State != StateAuthenticated {
		t.Fatalf("request mode should override client table, got %s", res.State)
	}
}

func TestAuthenticateMFAOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MFA.DefaultMode = "all"
	env := newTestEnv(t, cfg, func(b *Builder) {
		b.WithMFAOverride(ClientExemptUnlessRole("legacy", "MFA"))
	})
	ctx := context.Background()

	res, err := env.engine.Authenticate(ctx, AuthenticateRequest{Username: "itag_user", Password: "prison-pass", ClientID: "legacy"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.State != StateAuthenticated {
		t.Fatalf("legacy client should be exempt, got %s", res.State)
	}

	res, err = env.engine.Authenticate(ctx, AuthenticateRequest{Username: "itag_user", Password: "prison-pass", ClientID: "other"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.State != StateMfaRequired {
		t.Fatalf("default mode all should challenge, got %s", res.State)
	}
}

func TestAuthenticateMFAUnavailableWithoutDestination(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MFA.DefaultMode = "all"
	env := newTestEnv(t, cfg)
	env.local.add(identity.UserRecord{Username: "nomail", Master: true, Enabled: true}, "pw")

	res, err := env.engine.Authenticate(context.Background(), AuthenticateRequest{Username: "nomail", Password: "pw"})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if res.State != StateMfaUnavailable {
		t.Fatalf("expected mfa unavailable, got %s", res.State)
	}
	if !errors.Is(StateErr(res.State), ErrMfaUnavailable) {
		t.Fatal("StateErr mapping wrong")
	}
}

func TestMFAChallengeRoundTrip(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	challenge, err := env.engine.IssueMFAChallenge(ctx, "bob")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if challenge.Destination != "bob@justice.gov.uk" || challenge.Preference != identity.MFAEmail {
		t.Fatalf("unexpected challenge: %+v", challenge)
	}
	sent := env.notifier.last(t)
	if sent.Channel != ChannelEmail || sent.TemplateID != "mfa-code-email" {
		t.Fatalf("unexpected notification: %+v", sent)
	}
	code := sent.Data["code"]
	if len(code) != 6 {
		t.Fatalf("expected six digit code, got %q", code)
	}

	if _, err := env.engine.VerifyMFACode(ctx, challenge.ChallengeToken, "000000x"); err == nil {
		t.Fatal("expected bad code to fail")
	}

	user, err := env.engine.VerifyMFACode(ctx, challenge.ChallengeToken, code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if user.Username != "BOB" {
		t.Fatalf("unexpected user %q", user.Username)
	}

	_, err = env.engine.VerifyMFACode(ctx, challenge.ChallengeToken, code)
	if TokenReason(err) != TokenReasonInvalid {
		t.Fatalf("second verify should find the challenge gone, got %v", err)
	}
}

func TestTokensThroughRedis(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	e := env.engine
	ctx := context.Background()

	id, err := e.CreateVerificationToken(ctx, TokenAccountChange, "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := e.CreateVerificationToken(ctx, TokenAccountChange, "BOB")
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if again != id {
		t.Fatalf("expected live token reused, got %q and %q", id, again)
	}

	if _, err := e.CheckToken(ctx, TokenPasswordReset, id); TokenReason(err) != TokenReasonInvalid {
		t.Fatalf("wrong type should be invalid, got %v", err)
	}
	if _, err := e.CheckTokenForUser(ctx, TokenAccountChange, id, "someone-else"); TokenReason(err) != TokenReasonWrongUser {
		t.Fatalf("expected wrong-user, got %v", err)
	}
	if _, err := e.CheckToken(ctx, TokenAccountChange, id); TokenReason(err) != TokenReasonInvalid {
		t.Fatalf("wrong-user check should destroy the token, got %v", err)
	}

	id, err = e.CreateVerificationToken(ctx, TokenAccountChange, "bob")
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	tok, err := e.ConsumeToken(ctx, TokenAccountChange, id)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if tok.Owner != "BOB" {
		t.Fatalf("unexpected owner %q", tok.Owner)
	}
	if _, err := e.ConsumeToken(ctx, TokenAccountChange, id); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("second consume: %v", err)
	}
}

func TestPasswordResetWithNotifierFunc(t *testing.T) {
	var links []string
	notifier := NotifierFunc(func(_ context.Context, n Notification) error {
		links = append(links, n.Data["token"])
		return nil
	})
	env := newTestEnv(t, DefaultConfig(), func(b *Builder) { b.WithNotifier(notifier) })
	ctx := context.Background()

	for range 3 {
		_, _ = env.engine.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "wrong"})
	}
	if !env.local.get("bob").Locked {
		t.Fatal("precondition: bob should be locked")
	}

	id, err := env.engine.RequestPasswordReset(ctx, "bob@justice.gov.uk")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if id == "" || len(links) != 1 || links[0] != id {
		t.Fatalf("expected link delivered, id=%q links=%v", id, links)
	}

	if err := env.engine.ConfirmPasswordReset(ctx, id, "battery-staple"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	res, err := env.engine.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "battery-staple"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.State != StateAuthenticated {
		t.Fatalf("reset should unlock and accept new password, got %s", res.State)
	}

	id, err = env.engine.RequestPasswordReset(ctx, "nobody")
	if err != nil || id != "" {
		t.Fatalf("unknown user must be silent, got %q %v", id, err)
	}
}

func TestPasswordResetDeliveryFailure(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.notifier.err = errors.New("notify down")

	id, err := env.engine.RequestPasswordReset(context.Background(), "bob")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	if id == "" {
		t.Fatal("token should survive a failed send")
	}
}

func TestEmailVerificationAndAccountChange(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()

	id, err := env.engine.RequestEmailVerification(ctx, "bob", "Bob.New@justice.gov.uk")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := env.local.get("bob"); got.EmailVerified || got.Email != "bob.new@justice.gov.uk" {
		t.Fatalf("expected pending address, got %+v", got)
	}
	if env.notifier.last(t).Destination != "bob.new@justice.gov.uk" {
		t.Fatal("verification sent to wrong address")
	}

	if _, err := env.engine.ConfirmEmailVerification(ctx, id, "someone@else.gov.uk"); !errors.Is(err, ErrEmailMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}

	id, err = env.engine.RequestEmailVerification(ctx, "bob", "bob.new@justice.gov.uk")
	if err != nil {
		t.Fatalf("re-request: %v", err)
	}
	user, err := env.engine.ConfirmEmailVerification(ctx, id, "bob.new@justice.gov.uk")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !user.EmailVerified {
		t.Fatal("expected verified record returned")
	}

	id, err = env.engine.RequestAccountChange(ctx, "bob")
	if err != nil {
		t.Fatalf("account change: %v", err)
	}
	owner, err := env.engine.ConfirmAccountChange(ctx, id)
	if err != nil {
		t.Fatalf("confirm account change: %v", err)
	}
	if owner != "BOB" {
		t.Fatalf("unexpected owner %q", owner)
	}
}

func TestResolveAndDiscover(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	env.prison.add(identity.UserRecord{Username: "bob", Enabled: true, Email: "bob@justice.gov.uk", EmailVerified: true}, "")
	env.prison.add(identity.UserRecord{Username: "bob_p", Enabled: true, Email: "bob@justice.gov.uk", EmailVerified: true, Authorities: []string{"ROLE_OMIC_ADMIN"}}, "")
	env.prison.add(identity.UserRecord{Username: "bob_off", Enabled: false, Email: "bob@justice.gov.uk"}, "")
	ctx := context.Background()

	user, err := env.engine.ResolveMasterRecord(ctx, "bob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if user.Source != identity.SourceLocal {
		t.Fatalf("master local record should win, got %s", user.Source)
	}
	if _, err := env.engine.ResolveMasterRecord(ctx, "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	all, err := env.engine.DiscoverAccounts(ctx, "BOB@justice.gov.uk", DiscoverOptions{})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected three enabled accounts, got %d", len(all))
	}

	admins, err := env.engine.DiscoverAccounts(ctx, "bob@justice.gov.uk", DiscoverOptions{Roles: []string{"OMIC_ADMIN"}})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(admins) != 1 || admins[0].Username != "BOB_P" {
		t.Fatalf("unexpected role filter result: %+v", admins)
	}
}

func TestCompleteFederatedLogin(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := context.Background()
	login := LoginIdentity{
		Username:      "bob",
		Source:        identity.SourceFederated,
		Email:         "bob@justice.gov.uk",
		EmailVerified: true,
		Person:        identity.PersonName{First: "Robert", Last: "Smith"},
	}

	user, err := env.engine.CompleteFederatedLogin(ctx, login)
	if err != nil {
		t.Fatalf("federated login: %v", err)
	}
	if user.Username != "BOB" {
		t.Fatalf("unexpected user %q", user.Username)
	}
	if got := env.local.get("bob"); got.Person.First != "Robert" {
		t.Fatalf("expected record refreshed from directory, got %+v", got.Person)
	}

	login.Email = "impostor@example.com"
	if _, err := env.engine.CompleteFederatedLogin(ctx, login); !errors.Is(err, ErrEmailMismatch) {
		t.Fatalf("expected email mismatch, got %v", err)
	}

	if err := env.local.SetLocked(ctx, "bob", true); err != nil {
		t.Fatal(err)
	}
	login.Email = "bob@justice.gov.uk"
	if _, err := env.engine.CompleteFederatedLogin(ctx, login); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected locked, got %v", err)
	}
}

func TestLedgerLockHoldsForFederatedLogin(t *testing.T) {
	probation := newTestProvider(identity.SourceProbation).add(identity.UserRecord{
		Username: "pro_user", Enabled: true,
		Email: "pro.user@justice.gov.uk", EmailVerified: true,
	}, "probation-pass")
	env := newTestEnv(t, DefaultConfig(), func(b *Builder) {
		b.WithProviders(lookupOnly{p: probation})
	})
	e := env.engine
	ctx := context.Background()

	want := []AttemptState{StateAuthenticationFailed, StateAuthenticationFailed, StateAccountLocked}
	for i, state := range want {
		res, err := e.Authenticate(ctx, AuthenticateRequest{Username: "pro_user", Password: "wrong"})
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if res.State != state {
			t.Fatalf("attempt %d: got %s want %s", i+1, res.State, state)
		}
	}

	login := LoginIdentity{
		Username:      "pro_user",
		Source:        identity.SourceFederated,
		Email:         "pro.user@justice.gov.uk",
		EmailVerified: true,
	}
	if _, err := e.CompleteFederatedLogin(ctx, login); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected federated login refused, got %v", err)
	}
	if !env.mr.Exists("hrl:PRO_USER") {
		t.Fatal("federated login must not clear the failure counter")
	}

	res, err := e.Authenticate(ctx, AuthenticateRequest{Username: "pro_user", Password: "probation-pass"})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateAccountLocked {
		t.Fatalf("correct password after federated attempt: %s", res.State)
	}

	if err := e.UnlockAccount(ctx, "pro_user"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := e.CompleteFederatedLogin(ctx, login); err != nil {
		t.Fatalf("federated login after unlock: %v", err)
	}
}

func TestMFACodeGuessesLockAccount(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	e := env.engine
	ctx := context.Background()

	challenge, err := e.IssueMFAChallenge(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	code := env.notifier.last(t).Data["code"]
	wrong := "000000"
	if code == wrong {
		wrong = "999999"
	}

	for i := 1; i <= 2; i++ {
		if _, err := e.VerifyMFACode(ctx, challenge.ChallengeToken, wrong); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("guess %d: expected invalid, got %v", i, err)
		}
	}
	if _, err := e.VerifyMFACode(ctx, challenge.ChallengeToken, wrong); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected lockout on third guess, got %v", err)
	}
	if !env.local.get("bob").Locked {
		t.Fatal("expected lock flag stored")
	}
	if _, err := e.VerifyMFACode(ctx, challenge.ChallengeToken, code); err == nil {
		t.Fatal("correct code accepted after lockout")
	}

	res, err := e.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "correct-horse"})
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateAccountLocked {
		t.Fatalf("password login after mfa lockout: %s", res.State)
	}
}

func TestFederatedLoginProvisionsFirstTimeUser(t *testing.T) {
	fed := newTestProvider(identity.SourceFederated)
	env := newTestEnv(t, DefaultConfig(), func(b *Builder) {
		b.WithProviders(fed)
	})
	ctx := context.Background()
	login := LoginIdentity{
		Username:      "5c9b2a7e-1111-2222-3333-444455556666",
		Source:        identity.SourceFederated,
		Email:         "New.User@justice.gov.uk",
		EmailVerified: true,
		Person:        identity.PersonName{First: "New", Last: "User"},
	}

	user, err := env.engine.CompleteFederatedLogin(ctx, login)
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	if user.Source != identity.SourceFederated || !user.Enabled || user.Email != "new.user@justice.gov.uk" {
		t.Fatalf("unexpected provisioned record %+v", user)
	}
	stored := fed.get(login.Username)
	if stored.LastLoggedIn.IsZero() {
		t.Fatal("expected first login recorded on the new record")
	}

	again, err := env.engine.CompleteFederatedLogin(ctx, login)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if again.Username != user.Username || len(fed.users) != 1 {
		t.Fatalf("second login must reuse the record, have %d", len(fed.users))
	}

	unverified := login
	unverified.Username = "someone-else"
	unverified.EmailVerified = false
	if _, err := env.engine.CompleteFederatedLogin(ctx, unverified); !errors.Is(err, ErrEmailMismatch) {
		t.Fatalf("expected unverified login refused, got %v", err)
	}
	if len(fed.users) != 1 {
		t.Fatal("unverified login must not provision")
	}
}

func TestAuditEventsCarryClientAndOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.DropIfFull = false
	sink := NewChannelSink(16)
	env := newTestEnv(t, cfg, func(b *Builder) { b.WithAuditSink(sink) })

	_, err := env.engine.Authenticate(context.Background(), AuthenticateRequest{
		Username: "bob", Password: "correct-horse", ClientID: "omic-ui", Origin: "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}

	select {
	case ev := <-sink.Events():
		if ev.EventType != "authentication_attempt" || !ev.Success {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.ClientID != "omic-ui" || ev.Origin != "10.0.0.1" {
			t.Fatalf("client/origin not lifted: %+v", ev)
		}
		if ev.Metadata["state"] != StateAuthenticated.String() {
			t.Fatalf("unexpected metadata: %v", ev.Metadata)
		}
		if _, ok := ev.Metadata["client_id"]; ok {
			t.Fatal("client_id left in metadata")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audit event")
	}
}

func TestAuditErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want AuditErrorCode
	}{
		{nil, ""},
		{ErrUserNotFound, auditErrUserNotFound},
		{ErrTokenExpired, auditErrExpiredToken},
		{fmt.Errorf("send: %w", ErrDeliveryFailed), auditErrDeliveryFailed},
		{context.Canceled, auditErrCancelled},
		{errors.New("pq: connection reset"), auditErrInternal},
	}
	for _, tt := range tests {
		if got := auditErrorCode(tt.err); got != tt.want {
			t.Fatalf("auditErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestTokenReasonAndStateErr(t *testing.T) {
	if TokenReason(fmt.Errorf("wrap: %w", ErrTokenExpired)) != TokenReasonExpired {
		t.Fatal("wrapped expired not classified")
	}
	if TokenReason(errors.New("other")) != "" {
		t.Fatal("non-token error classified")
	}
	if StateErr(StateAuthenticated) != nil {
		t.Fatal("authenticated must map to nil")
	}
	if !errors.Is(StateErr(StateAccountLocked), ErrAccountLocked) {
		t.Fatal("locked mapping wrong")
	}
}

func TestEngineMetricsSnapshot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	_, _ = env.engine.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "correct-horse"})
	_, _ = env.engine.Authenticate(ctx, AuthenticateRequest{Username: "bob", Password: "wrong"})

	snap := env.engine.MetricsSnapshot()
	if snap.Counters[MetricAuthSuccess] != 1 || snap.Counters[MetricAuthFailure] != 1 {
		t.Fatalf("unexpected counters: %v", snap.Counters)
	}
	var observed uint64
	for _, n := range snap.Histograms[MetricAuthenticateLatency] {
		observed += n
	}
	if observed != 2 {
		t.Fatalf("expected two latency observations, got %d", observed)
	}
}
