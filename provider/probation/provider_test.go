package probation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func directory(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/DELIUS_USER/details", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"username": "delius_user", "firstName": "Dee", "surname": "Lius",
			"email": "Dee.Lius@Justice.gov.uk", "enabled": true,
			"roles": []map[string]string{{"name": "CTRBT001"}},
		})
	})
	mux.HandleFunc("GET /users/search/email/{email}/details", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("email") != "a.user@justice.gov.uk" {
			_ = json.NewEncoder(w).Encode([]any{})
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"username": "AUSER1", "email": "a.user@justice.gov.uk", "enabled": true},
			{"username": "AUSER2", "email": "a.user@justice.gov.uk", "enabled": false},
		})
	})
	mux.HandleFunc("GET /users/BROKEN/details", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("POST /authenticate", func(w http.ResponseWriter, r *http.Request) {
		var req authenticateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch {
		case req.Username == "DELIUS_USER" && req.Password == "good-password":
			w.WriteHeader(http.StatusOK)
		case req.Username == "FLAKY":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFindByUsername(t *testing.T) {
	srv := directory(t)
	p := NewWithHTTPClient(srv.URL, srv.Client(), nil)

	rec, err := p.FindByUsername(context.Background(), "delius_user")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "DELIUS_USER", rec.Username)
	assert.Equal(t, identity.SourceProbation, rec.Source)
	assert.Equal(t, "dee.lius@justice.gov.uk", rec.Email)
	assert.True(t, rec.EmailVerified)
	assert.True(t, rec.HasAnyRole("CTRBT001"))

	rec, err = p.FindByUsername(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = p.FindByUsername(context.Background(), "broken")
	assert.ErrorIs(t, err, identity.ErrBackendUnavailable)
}

func TestFindByEmail(t *testing.T) {
	srv := directory(t)
	p := NewWithHTTPClient(srv.URL, srv.Client(), nil)

	recs, err := p.FindByEmail(context.Background(), " A.User@justice.gov.uk")
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = p.FindByEmail(context.Background(), "nobody@justice.gov.uk")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAuthenticate(t *testing.T) {
	srv := directory(t)
	p := NewWithHTTPClient(srv.URL, srv.Client(), nil)

	ok, err := p.Authenticate(context.Background(), "delius_user", "good-password")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Authenticate(context.Background(), "delius_user", "bad-password")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.Authenticate(context.Background(), "flaky", "any")
	assert.ErrorIs(t, err, identity.ErrBackendUnavailable)
}

func TestUnreachableDirectory(t *testing.T) {
	srv := directory(t)
	url := srv.URL
	srv.Close()

	_, err := NewWithHTTPClient(url, nil, nil).FindByUsername(context.Background(), "delius_user")
	assert.ErrorIs(t, err, identity.ErrBackendUnavailable)
}

func TestRequestsHonourContextDeadline(t *testing.T) {
	var hits atomic.Int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewWithHTTPClient(slow.URL, slow.Client(), nil).FindByUsername(ctx, "bob")
	assert.ErrorIs(t, err, identity.ErrBackendUnavailable)
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewUsesClientCredentials(t *testing.T) {
	var sawBearer atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-123","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("GET /users/BOB/details", func(w http.ResponseWriter, r *http.Request) {
		sawBearer.Store(r.Header.Get("Authorization") == "Bearer tok-123")
		_ = json.NewEncoder(w).Encode(map[string]any{"username": "BOB", "enabled": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := New(context.Background(), Config{
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/oauth/token",
		ClientID:     "broker",
		ClientSecret: "secret",
	}, nil)

	rec, err := p.FindByUsername(context.Background(), "bob")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, sawBearer.Load())
}
