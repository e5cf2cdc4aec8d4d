package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ggoodman/botfleet/accounts"
	accountsmem "github.com/ggoodman/botfleet/accounts/memory"
	accountsredis "github.com/ggoodman/botfleet/accounts/redis"
	"github.com/ggoodman/botfleet/accounts/sqlite"
	"github.com/ggoodman/botfleet/commands"
	"github.com/ggoodman/botfleet/commands/builtin"
	"github.com/ggoodman/botfleet/internal/config"
	"github.com/ggoodman/botfleet/internal/logctx"
	"github.com/ggoodman/botfleet/transport"
	"github.com/ggoodman/botfleet/transport/gateway"
	"github.com/ggoodman/botfleet/transport/memory"
)

var errUnknownBackend = errors.New("unknown backend")

// app carries what every subcommand needs: the environment, the settings
// loader and the process logger.
type app struct {
	env      config.Env
	settings *config.Loader
	log      *slog.Logger
}

func wireApp(stderr io.Writer, opts *globalOptions) (*app, error) {
	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	if opts.configFile != "" {
		env.ConfigFile = opts.configFile
	}
	log := newLogger(env, stderr)
	settings, err := config.LoadSettings(env.ConfigFile, config.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return &app{env: env, settings: settings, log: log}, nil
}

func newLogger(env config.Env, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: env.Level()}
	var h slog.Handler
	if strings.EqualFold(env.LogFormat, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

// openStore opens the account store selected by the environment.
func (a *app) openStore() (accounts.Store, error) {
	switch strings.ToLower(a.env.Store) {
	case "memory":
		return accountsmem.New(), nil
	case "sqlite":
		st, err := sqlite.Open(a.env.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "redis":
		st, err := accountsredis.New(accountsredis.Config{RedisAddr: a.env.RedisAddr, KeyPrefix: a.env.RedisPrefix})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("%w: store %q", errUnknownBackend, a.env.Store)
}

// authenticator builds the chat network client selected by the environment.
func (a *app) authenticator() (transport.Authenticator, error) {
	switch strings.ToLower(a.env.Transport) {
	case "memory":
		return memory.New(), nil
	case "gateway":
		c, err := gateway.New(a.env.GatewayURL, gateway.WithLogger(a.log))
		if err != nil {
			return nil, fmt.Errorf("build gateway client: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: transport %q", errUnknownBackend, a.env.Transport)
}

// loadRegistry builds the command registry from the built-in descriptors,
// honouring the premium flag and the disabled lists of the current settings.
// Descriptors that fail validation are skipped and returned as load errors.
func (a *app) loadRegistry() (*commands.Registry, []error) {
	s := a.settings.Current()
	reg := commands.NewRegistry(
		commands.WithPremium(s.Premium),
		commands.WithDisabled(s.DisabledCommands, s.DisabledEvents),
		commands.WithLogger(a.log),
	)
	errs := reg.LoadCommands(builtin.Commands()...)
	errs = append(errs, reg.LoadEvents(builtin.Events()...)...)
	return reg, errs
}
