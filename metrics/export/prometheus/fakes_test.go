package prometheus

import (
	"context"

	"github.com/emileswarts/hmppsauth"
	"github.com/emileswarts/hmppsauth/identity"
)

type staticProvider struct{}

func (staticProvider) Source() identity.AuthSource { return identity.SourceLocal }

func (staticProvider) FindByUsername(context.Context, string) (*identity.UserRecord, error) {
	return nil, nil
}

func (staticProvider) FindByEmail(context.Context, string) ([]identity.UserRecord, error) {
	return nil, nil
}

type noLedger struct{}

func (noLedger) IncrementAndGet(context.Context, string) (int, error) { return 1, nil }
func (noLedger) Reset(context.Context, string) error                  { return nil }
func (noLedger) Get(context.Context, string) (int, error)             { return 0, nil }

type noTokens struct{ hmppsauth.TokenStore }
