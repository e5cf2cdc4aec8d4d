package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/botfleet/internal/jobs"
	"github.com/ggoodman/botfleet/internal/webauth"
	"github.com/ggoodman/botfleet/supervisor"
	"github.com/ggoodman/botfleet/webapi"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Restore stored sessions and serve the dashboard API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := wireApp(cmd.ErrOrStderr(), opts)
			if err != nil {
				return err
			}
			if addr != "" {
				a.env.ListenAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides BOTFLEET_LISTEN_ADDR)")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	a.settings.Watch()

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			a.log.Warn("serve.store.close.fail", slog.String("err", err.Error()))
		}
	}()

	auth, err := a.authenticator()
	if err != nil {
		return err
	}

	secret := []byte(a.env.JWTSecret)
	if len(secret) == 0 {
		a.log.Warn("serve.jwt.ephemeral_secret")
		if secret, err = webauth.RandomSecret(); err != nil {
			return err
		}
	}
	tokens, err := webauth.New(webauth.Config{Secret: secret, TTL: a.env.TokenTTL})
	if err != nil {
		return fmt.Errorf("build token issuer: %w", err)
	}

	reg, _ := a.loadRegistry()
	sup := supervisor.New(store, auth, reg,
		supervisor.WithLogger(a.log),
		supervisor.WithSettings(a.settings),
		supervisor.WithPasswordHasher(webauth.HashPassword),
	)
	if err := sup.RestoreAll(ctx); err != nil {
		a.log.Error("serve.restore.fail", slog.String("err", err.Error()))
	}

	h, err := webapi.New(webapi.Config{
		Supervisor: sup,
		Store:      store,
		Tokens:     tokens,
		PublicDir:  a.env.PublicDir,
		LogHandler: a.log.Handler(),
	})
	if err != nil {
		_ = sup.Shutdown(context.Background())
		return fmt.Errorf("build web api: %w", err)
	}
	srv := &http.Server{
		Addr:              a.env.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s := a.settings.Current()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("serve.listen", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			a.log.Warn("serve.http.shutdown.fail", slog.String("err", err.Error()))
		}
		if err := sup.Shutdown(sctx); err != nil {
			a.log.Warn("serve.supervisor.shutdown.fail", slog.String("err", err.Error()))
		}
		return nil
	})
	if s.AutoRestart.Enabled {
		g.Go(func() error { return jobs.Restart(gctx, s.AutoRestart.Interval, a.log) })
	}
	if s.CacheCleanup.Enabled {
		g.Go(func() error { return jobs.CachePurge(gctx, s.CacheCleanup.Interval, s.CacheCleanup.Dirs, a.log) })
	}

	err = g.Wait()
	a.log.Info("serve.stop")
	return err
}
