// Command brokerctl runs one-off operations against the identity broker:
// schema migration, record resolution, account discovery, unlocks, token
// checks and federated login completion.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "brokerctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("brokerctl", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file; defaults to ./brokerctl.{yaml,toml,json} when present")
	timeout := fs.Duration("timeout", 30*time.Second, "overall deadline for the command")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: brokerctl [-config file] [-timeout d] <command> [args]")
		fmt.Fprintln(fs.Output(), "\ncommands:")
		for _, c := range commands {
			fmt.Fprintf(fs.Output(), "  %-16s %s\n", c.name, c.usage)
		}
		fmt.Fprintln(fs.Output(), "\nflags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	invoke, err := parseCommand(fs.Args(), out)
	if err != nil {
		fs.Usage()
		return err
	}

	app := fx.New(
		Module(*configPath),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			l := &fxevent.ZapLogger{Logger: log}
			l.UseLogLevel(zap.DebugLevel)
			return l
		}),
		fx.Invoke(invoke),
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	startErr := app.Start(ctx)
	stopErr := app.Stop(context.WithoutCancel(ctx))
	return errors.Join(startErr, stopErr)
}
