package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/emileswarts/hmppsauth"
	"github.com/emileswarts/hmppsauth/identity"
	"github.com/emileswarts/hmppsauth/pgstore"
	"github.com/emileswarts/hmppsauth/provider/federated"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var errUsage = errors.New("usage")

// A command turns its arguments into an fx invoke function. The work itself
// runs in an OnStart hook so it gets the start deadline and a fully built
// graph.
type command struct {
	name  string
	usage string
	parse func(args []string, out io.Writer) (any, error)
}

var commands = []command{
	{"migrate", "apply the auth database migrations", parseMigrate},
	{"resolve", "<username>  print the master record", parseResolve},
	{"discover", "[-roles r1,r2] [-sources s1,s2] <email>  list accounts for an email", parseDiscover},
	{"unlock", "<username>  clear failures and the lock flag", parseUnlock},
	{"check-token", "<type> <id>  report whether a verification token is usable", parseCheckToken},
	{"federated-login", "<id-token>  complete a login from a directory ID token", parseFederatedLogin},
}

func parseCommand(args []string, out io.Writer) (any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: no command", errUsage)
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.parse(args[1:], out)
		}
	}
	return nil, fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

func exactArgs(name string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: %s takes %d argument(s), got %d", errUsage, name, n, len(args))
	}
	return nil
}

func parseMigrate(args []string, _ io.Writer) (any, error) {
	if err := exactArgs("migrate", args, 0); err != nil {
		return nil, err
	}
	return func(lc fx.Lifecycle, pool authPool, log *zap.Logger) {
		lc.Append(fx.StartHook(func(ctx context.Context) error {
			if err := pgstore.Migrate(ctx, pool.Pool); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		}))
	}, nil
}

func parseResolve(args []string, out io.Writer) (any, error) {
	if err := exactArgs("resolve", args, 1); err != nil {
		return nil, err
	}
	username := args[0]
	return func(lc fx.Lifecycle, engine *hmppsauth.Engine) {
		lc.Append(fx.StartHook(func(ctx context.Context) error {
			user, err := engine.ResolveMasterRecord(ctx, username)
			if err != nil {
				return err
			}
			return writeJSON(out, user)
		}))
	}, nil
}

func parseDiscover(args []string, out io.Writer) (any, error) {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	roles := fs.String("roles", "", "comma separated roles; any match keeps an account")
	sources := fs.String("sources", "", "comma separated sources to query")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	if err := exactArgs("discover", fs.Args(), 1); err != nil {
		return nil, err
	}

	opts := hmppsauth.DiscoverOptions{Roles: splitList(*roles)}
	for _, name := range splitList(*sources) {
		source, err := identity.ParseAuthSource(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errUsage, err)
		}
		opts.Sources = append(opts.Sources, source)
	}
	email := fs.Arg(0)

	return func(lc fx.Lifecycle, engine *hmppsauth.Engine) {
		lc.Append(fx.StartHook(func(ctx context.Context) error {
			users, err := engine.DiscoverAccounts(ctx, email, opts)
			if err != nil {
				return err
			}
			return writeJSON(out, users)
		}))
	}, nil
}

func parseUnlock(args []string, out io.Writer) (any, error) {
	if err := exactArgs("unlock", args, 1); err != nil {
		return nil, err
	}
	username := args[0]
	return func(lc fx.Lifecycle, engine *hmppsauth.Engine) {
		lc.Append(fx.StartHook(func(ctx context.Context) error {
			if err := engine.UnlockAccount(ctx, username); err != nil {
				return err
			}
			_, err := fmt.Fprintf(out, "unlocked %s\n", identity.NormalizeUsername(username))
			return err
		}))
	}, nil
}

func parseCheckToken(args []string, out io.Writer) (any, error) {
	if err := exactArgs("check-token", args, 2); err != nil {
		return nil, err
	}
	typ := hmppsauth.TokenType(args[0])
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown token type %q", errUsage, args[0])
	}
	id := args[1]
	return func(lc fx.Lifecycle, engine *hmppsauth.Engine) {
		lc.Append(fx.StartHook(func(ctx context.Context) error {
			token, err := engine.CheckToken(ctx, typ, id)
			if reason := hmppsauth.TokenReason(err); reason != "" {
				_, werr := fmt.Fprintln(out, reason)
				return werr
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "valid owner=%s expires=%s\n", token.Owner, token.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"))
			return err
		}))
	}, nil
}

func parseFederatedLogin(args []string, out io.Writer) (any, error) {
	if err := exactArgs("federated-login", args, 1); err != nil {
		return nil, err
	}
	raw := args[0]
	return func(lc fx.Lifecycle, engine *hmppsauth.Engine, fed *federated.Provider) {
		lc.Append(fx.StartHook(func(ctx context.Context) error {
			if fed == nil {
				return errors.New("federated backend is not enabled")
			}
			login, err := fed.IdentityFromToken(ctx, raw)
			if err != nil {
				return err
			}
			user, err := engine.CompleteFederatedLogin(ctx, *login)
			if err != nil {
				return err
			}
			return writeJSON(out, user)
		}))
	}, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
