package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/botfleet/accounts"
	"github.com/ggoodman/botfleet/internal/logctx"
	"github.com/ggoodman/botfleet/sessions"
	"github.com/ggoodman/botfleet/transport"
)

// StartSession authenticates creds and brings the account online. A nil meta
// restores a stored account; a non-nil meta creates a new one and fails with
// ErrAccountAlreadyLinked when the username or account is already stored.
//
// On failure every side effect of this attempt is undone and the registry
// holds no entry for the account.
func (s *Supervisor) StartSession(ctx context.Context, creds transport.Credentials, meta *Metadata) (*sessions.Session, error) {
	start := s.now()
	fresh := meta != nil

	// Authenticating
	capab, err := s.auth.Authenticate(ctx, creds)
	if err != nil {
		s.log.WarnContext(ctx, "supervisor.session.auth.fail", slog.Bool("fresh", fresh), slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	accountID := capab.AccountID()
	ctx = logctx.WithAccountData(ctx, &logctx.AccountData{AccountID: accountID, Restored: !fresh})

	if err := s.reserve(accountID); err != nil {
		if fresh && errors.Is(err, ErrSessionActive) {
			return nil, fmt.Errorf("%w: %w", ErrAccountAlreadyLinked, err)
		}
		return nil, err
	}
	defer s.release(accountID)

	// Initializing
	identity, err := capab.Identity(ctx, accountID)
	if err != nil || identity.Name == "" {
		if err == nil {
			err = transport.ErrIdentityNotFound
		}
		s.log.WarnContext(ctx, "supervisor.session.identity.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrIdentityNotFound, err)
	}

	rec, created, err := s.persist(ctx, capab, identity, meta)
	if err != nil {
		return nil, err
	}
	undo := func() {
		if !created {
			return
		}
		dctx, cancel := s.cleanupContext(ctx)
		defer cancel()
		if derr := s.store.Delete(dctx, accountID); derr != nil {
			s.log.ErrorContext(ctx, "supervisor.session.undo.fail", slog.String("err", derr.Error()))
		}
	}

	sess := sessions.New(sessions.Config{
		AccountID:  accountID,
		Capability: capab,
		Identity:   identity,
		Elapsed:    rec.ElapsedSeconds,
		Settings: sessions.Settings{
			Prefix:  rec.CommandPrefix,
			BotName: rec.BotName,
			Admins:  rec.Admins,
		},
		StartedAt: s.now(),
	})
	if err := s.registry.Add(sess); err != nil {
		undo()
		return nil, fmt.Errorf("%w: %w", ErrSessionActive, err)
	}

	// Binding handlers
	capab.SetOptions(s.loginOptions())
	s.commands.Bind(ctx, sess)

	// Listening
	runCtx := logctx.WithAccountData(s.baseCtx, &logctx.AccountData{
		AccountID: accountID,
		Name:      identity.Name,
		Restored:  !fresh,
	})
	runCtx, cancel := context.WithCancel(context.WithValue(runCtx, loopKey{}, accountID))
	h, err := capab.Listen(runCtx)
	if err != nil {
		cancel()
		s.registry.Remove(sess)
		sess.Clear()
		undo()
		s.log.WarnContext(ctx, "supervisor.session.listen.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("open listen loop: %w", err)
	}
	sess.SetListener(h)

	r := &run{
		sess:      sess,
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		reconnect: newReconnectTimer(s.reconnectEvery()),
	}
	sess.SetTimers(r.reconnect, s.maint.Start(accountID))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.teardown(ctx, r, reasonShutdown)
		undo()
		return nil, ErrShutdown
	}
	s.runs[accountID] = r
	s.wg.Add(1)
	s.mu.Unlock()
	go s.listen(r)

	s.log.InfoContext(ctx, "supervisor.session.start.ok",
		slog.String("name", identity.Name),
		slog.Bool("fresh", fresh),
		slog.String("listener", h.ID()),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return sess, nil
}

// persist stores the credential snapshot and identity. For fresh sessions it
// creates the record and reports created=true.
func (s *Supervisor) persist(ctx context.Context, capab transport.Capability, identity transport.Identity, meta *Metadata) (*accounts.Record, bool, error) {
	accountID := capab.AccountID()
	snapshot, err := capab.ExportCredentials(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("export credentials: %w", err)
	}

	if meta == nil {
		patch := accounts.Patch{
			CredentialSnapshot: &snapshot,
			DisplayName:        accounts.String(identity.Name),
			ProfileURL:         accounts.String(identity.ProfileURL),
			AvatarURL:          accounts.String(identity.AvatarURL),
		}
		if err := s.store.Update(ctx, accountID, patch); err != nil {
			return nil, false, fmt.Errorf("update stored account: %w", err)
		}
		rec, err := s.store.FindByID(ctx, accountID)
		if err != nil {
			return nil, false, fmt.Errorf("load stored account: %w", err)
		}
		return rec, false, nil
	}

	if meta.Username != "" {
		_, err := s.store.FindByUsername(ctx, meta.Username)
		switch {
		case err == nil:
			return nil, false, ErrAccountAlreadyLinked
		case !errors.Is(err, accounts.ErrNotFound):
			return nil, false, fmt.Errorf("lookup username: %w", err)
		}
	}

	cur := s.settings.Current()
	rec := &accounts.Record{
		AccountID:          accountID,
		Username:           meta.Username,
		CredentialSnapshot: snapshot,
		DisplayName:        identity.Name,
		ProfileURL:         identity.ProfileURL,
		AvatarURL:          identity.AvatarURL,
		CommandPrefix:      meta.Prefix,
		BotName:            meta.BotName,
		Admins:             append([]string(nil), meta.Admins...),
		CreatedAt:          s.now(),
		UpdatedAt:          s.now(),
	}
	if rec.BotName == "" && cur != nil {
		rec.BotName = cur.BotName
	}
	if rec.CommandPrefix == "" && cur != nil {
		rec.CommandPrefix = cur.Prefix
	}
	if meta.Password != "" {
		rec.PasswordHash = meta.Password
		if s.hashPassword != nil {
			h, err := s.hashPassword(meta.Password)
			if err != nil {
				return nil, false, fmt.Errorf("hash password: %w", err)
			}
			rec.PasswordHash = h
		}
	}
	if err := s.store.Create(ctx, rec); err != nil {
		if errors.Is(err, accounts.ErrExists) || errors.Is(err, accounts.ErrUsernameTaken) {
			return nil, false, ErrAccountAlreadyLinked
		}
		return nil, false, fmt.Errorf("create stored account: %w", err)
	}
	return rec, true, nil
}

// reserve marks accountID as starting so that concurrent attempts for the
// same account cannot both register.
func (s *Supervisor) reserve(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShutdown
	}
	if _, ok := s.starting[accountID]; ok {
		return ErrSessionActive
	}
	if _, ok := s.runs[accountID]; ok {
		return ErrSessionActive
	}
	s.starting[accountID] = struct{}{}
	return nil
}

func (s *Supervisor) release(accountID string) {
	s.mu.Lock()
	delete(s.starting, accountID)
	s.mu.Unlock()
}

func (s *Supervisor) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
