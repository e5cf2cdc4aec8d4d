package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ggoodman/botfleet/accounts"
	"github.com/ggoodman/botfleet/sessions"
	"github.com/ggoodman/botfleet/transport"
	"golang.org/x/sync/errgroup"
)

// Signal kinds dropped before dispatch.
var ignored = map[string]bool{
	transport.EventPresence:    true,
	transport.EventTyping:      true,
	transport.EventReadReceipt: true,
}

type reason int

const (
	reasonLogout reason = iota
	reasonCheckpoint
	reasonListenFailed
	reasonShutdown
)

func (r reason) String() string {
	switch r {
	case reasonLogout:
		return "logout"
	case reasonCheckpoint:
		return "checkpoint_rejected"
	case reasonListenFailed:
		return "listen_failed"
	case reasonShutdown:
		return "shutdown"
	}
	return "unknown"
}

// purge reports whether the stored record is deleted on teardown.
func (r reason) purge() bool { return r != reasonShutdown }

// run is the supervisor-private state of one live session.
type run struct {
	sess      *sessions.Session
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	reconnect *reconnectTimer
	once      sync.Once
}

type loopKey struct{}

// listen is the session goroutine.
func (s *Supervisor) listen(r *run) {
	defer s.wg.Done()
	defer close(r.done)
	defer func() {
		if h := r.sess.Listener(); h != nil {
			_ = h.Close()
		}
	}()

	for {
		h := r.sess.Listener()
		select {
		case <-r.ctx.Done():
			return
		case <-r.reconnect.C():
			if !s.cycle(r, "scheduled") {
				return
			}
		case in, ok := <-h.Inbound():
			if !ok {
				if r.ctx.Err() != nil {
					return
				}
				s.log.WarnContext(r.ctx, "supervisor.listen.closed", slog.String("listener", h.ID()))
				if !s.cycle(r, "dropped") {
					return
				}
				continue
			}
			if !s.handle(r, in) {
				return
			}
		}
	}
}

// handle processes one inbound item. It reports false when the session was
// torn down.
func (s *Supervisor) handle(r *run, in transport.Inbound) bool {
	if in.Err != nil {
		if s.checkpoint.Matches(in.Err) {
			return s.resolveCheckpoint(r)
		}
		s.log.WarnContext(r.ctx, "supervisor.listen.error", slog.String("err", in.Err.Error()))
		return true
	}
	s.dispatch(r, in.Event)
	return true
}

func (s *Supervisor) dispatch(r *run, ev *transport.Event) {
	if ev == nil || ignored[ev.Type] || r.ctx.Err() != nil {
		return
	}
	s.dispatcher.Dispatch(r.ctx, r.sess, ev)
}

func (s *Supervisor) resolveCheckpoint(r *run) bool {
	s.log.WarnContext(r.ctx, "supervisor.checkpoint.detected")
	if err := s.checkpoint.Resolve(r.ctx, r.sess.Capability()); err != nil {
		if r.ctx.Err() != nil {
			return false
		}
		s.fail(r, reasonCheckpoint, err)
		return false
	}
	return s.cycle(r, "checkpoint")
}

// cycle closes the current listen loop, dispatches what it still buffered,
// opens a new loop and rearms the reconnect timer. A failed reopen tears the
// session down. It reports false when the session is gone.
func (s *Supervisor) cycle(r *run, cause string) bool {
	if old := r.sess.Listener(); old != nil {
		_ = old.Close()
		for in := range old.Inbound() {
			if in.Err != nil {
				s.log.DebugContext(r.ctx, "supervisor.reconnect.drop_error", slog.String("err", in.Err.Error()))
				continue
			}
			s.dispatch(r, in.Event)
		}
	}
	if r.ctx.Err() != nil {
		return false
	}

	h, err := r.sess.Capability().Listen(r.ctx)
	if err != nil {
		if r.ctx.Err() != nil {
			return false
		}
		s.fail(r, reasonListenFailed, err)
		return false
	}
	r.sess.SetListener(h)
	if r.ctx.Err() != nil {
		_ = h.Close()
		return false
	}
	r.reconnect.Reset()
	s.log.InfoContext(r.ctx, "supervisor.session.reconnect.ok", slog.String("cause", cause), slog.String("listener", h.ID()))
	return true
}

func (s *Supervisor) fail(r *run, why reason, err error) {
	s.log.ErrorContext(r.ctx, "supervisor.session.fail", slog.String("reason", why.String()), slog.String("err", err.Error()))
	s.teardown(r.ctx, r, why)
}

// teardown runs once per session: timers, context, registry entry, listen
// handle, per-session state and finally the stored record.
func (s *Supervisor) teardown(ctx context.Context, r *run, why reason) {
	r.once.Do(func() {
		accountID := r.sess.AccountID()
		s.mu.Lock()
		if s.runs[accountID] == r {
			delete(s.runs, accountID)
		}
		s.mu.Unlock()

		r.sess.StopTimers()
		r.cancel()
		s.registry.Remove(r.sess)
		if h := r.sess.Listener(); h != nil {
			_ = h.Close()
		}
		r.sess.Clear()

		if why.purge() {
			s.purge(ctx, accountID)
		}
		s.log.InfoContext(ctx, "supervisor.session.stop",
			slog.String("account_id", accountID),
			slog.String("reason", why.String()),
			slog.Int64("elapsed", r.sess.Elapsed()),
		)
	})
}

// Terminate logs the account out: the session is torn down and its stored
// record deleted. It returns ErrNotLoggedIn when the account has no live
// session. Unless called from the session's own handlers it waits for the
// session goroutine to exit.
func (s *Supervisor) Terminate(ctx context.Context, accountID string) error {
	s.mu.Lock()
	r, ok := s.runs[accountID]
	s.mu.Unlock()
	if !ok {
		return ErrNotLoggedIn
	}
	s.teardown(ctx, r, reasonLogout)
	if id, _ := ctx.Value(loopKey{}).(string); id == accountID {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RestoreAll starts every stored account that carries a credential snapshot.
// Records without one are deleted, as are records whose restore fails.
func (s *Supervisor) RestoreAll(ctx context.Context) error {
	recs, err := s.store.ListRestorable(ctx)
	if err != nil {
		return err
	}
	all, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	restorable := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		restorable[rec.AccountID] = struct{}{}
	}
	for _, rec := range all {
		if _, ok := restorable[rec.AccountID]; !ok {
			s.log.WarnContext(ctx, "supervisor.restore.skip", slog.String("account_id", rec.AccountID), slog.String("reason", "no credential snapshot"))
			s.purge(ctx, rec.AccountID)
		}
	}

	var g errgroup.Group
	g.SetLimit(s.restoreConcurrency)
	for _, rec := range recs {
		g.Go(func() error {
			s.restore(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	s.log.InfoContext(ctx, "supervisor.restore.done", slog.Int("stored", len(all)), slog.Int("active", s.registry.Len()))
	return ctx.Err()
}

func (s *Supervisor) restore(ctx context.Context, rec *accounts.Record) {
	_, err := s.StartSession(ctx, transport.Credentials{Snapshot: rec.CredentialSnapshot}, nil)
	switch {
	case err == nil:
	case errors.Is(err, ErrSessionActive), errors.Is(err, ErrShutdown):
	case ctx.Err() != nil:
		// Interrupted restores keep their record for the next start.
	default:
		s.log.ErrorContext(ctx, "supervisor.restore.fail", slog.String("account_id", rec.AccountID), slog.String("err", err.Error()))
		s.purge(ctx, rec.AccountID)
	}
}

func (s *Supervisor) purge(ctx context.Context, accountID string) {
	dctx, cancel := s.cleanupContext(ctx)
	defer cancel()
	if err := s.store.Delete(dctx, accountID); err != nil {
		s.log.ErrorContext(ctx, "supervisor.session.purge.fail", slog.String("account_id", accountID), slog.String("err", err.Error()))
	}
}

// Shutdown tears down every live session without touching stored records and
// waits for the session goroutines to exit or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		s.teardown(ctx, r, reasonShutdown)
	}
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.InfoContext(ctx, "supervisor.shutdown.ok", slog.Int("sessions", len(runs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
