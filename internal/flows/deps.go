package flows

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AuditFunc emits one audit event. meta is only called when a sink is attached.
type AuditFunc func(ctx context.Context, event string, success bool, username, source, reason string, err error, meta func() map[string]string)

// Observer carries the ambient hooks every flow reports through.
type Observer struct {
	Now       func() time.Time
	Logger    *zap.Logger
	MetricInc func(int)
	EmitAudit AuditFunc
}

func (o *Observer) normalize() {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MetricInc == nil {
		o.MetricInc = func(int) {}
	}
	if o.EmitAudit == nil {
		o.EmitAudit = func(context.Context, string, bool, string, string, string, error, func() map[string]string) {}
	}
}

// Deps groups the flow dependency sets. The Engine builds this once.
type Deps struct {
	Resolve      ResolveDeps
	Authenticate AuthenticateDeps
	Tokens       TokenDeps
	Verification VerificationDeps
	Discover     DiscoverDeps
}
