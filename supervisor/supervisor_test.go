package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/botfleet/accounts"
	accountsmem "github.com/ggoodman/botfleet/accounts/memory"
	"github.com/ggoodman/botfleet/commands"
	"github.com/ggoodman/botfleet/internal/config"
	"github.com/ggoodman/botfleet/internal/webauth"
	"github.com/ggoodman/botfleet/sessions"
	"github.com/ggoodman/botfleet/transport"
	"github.com/ggoodman/botfleet/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = 2 * time.Second
	poll = 5 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []transport.Event
}

func (r *recorder) add(ev *transport.Event) {
	r.mu.Lock()
	r.events = append(r.events, *ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []transport.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Event(nil), r.events...)
}

func (r *recorder) len() int { return len(r.snapshot()) }

type fixture struct {
	t     *testing.T
	net   *memory.Network
	store accounts.Store
	reg   *commands.Registry
	sup   *Supervisor
	cmds  *recorder
	evs   *recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		net:   memory.New(),
		store: accountsmem.New(),
		reg:   commands.NewRegistry(),
		cmds:  &recorder{},
		evs:   &recorder{},
	}
	errs := f.reg.LoadCommands(
		commands.RawCommand{
			Manifest: []byte(`{"name":"echo","category":"test","prefix":true}`),
			Run: func(ctx context.Context, c *commands.Context) error {
				f.cmds.add(c.Event)
				_, err := c.Reply(ctx, strings.Join(c.Args, " "))
				return err
			},
		},
		commands.RawCommand{
			Manifest: []byte(`{"name":"leave","category":"test","prefix":true}`),
			Run: func(ctx context.Context, c *commands.Context) error {
				return f.sup.Terminate(ctx, c.Session.AccountID())
			},
		},
	)
	require.Empty(t, errs)
	require.NoError(t, f.reg.LoadEvent(commands.RawEvent{
		Manifest: []byte(`{"name":"watch"}`),
		Handle: func(ctx context.Context, c *commands.Context) error {
			f.evs.add(c.Event)
			return nil
		},
	}))

	base := []Option{
		WithReconnectInterval(time.Hour),
		WithMaintenanceInterval(time.Hour),
		WithSettings(config.Static(config.Settings{
			Prefix:       "/",
			LoginOptions: map[string]any{"listenEvents": true},
		})),
	}
	f.sup = New(f.store, f.net, f.reg, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = f.sup.Shutdown(ctx)
	})
	return f
}

func snapshotFor(id string) json.RawMessage {
	return json.RawMessage(`{"cookie":"` + id + `"}`)
}

func (f *fixture) register(id string) transport.Credentials {
	f.net.Register(id, transport.Identity{Name: "Bot " + id, ProfileURL: "https://chat.example/" + id, AvatarURL: "https://chat.example/" + id + ".png"}, snapshotFor(id))
	return transport.Credentials{Snapshot: snapshotFor(id)}
}

func (f *fixture) create(id, username string) *sessions.Session {
	f.t.Helper()
	sess, err := f.sup.StartSession(context.Background(), f.register(id), &Metadata{Username: username, Password: "pw"})
	require.NoError(f.t, err)
	return sess
}

func message(body string) transport.Event {
	return transport.Event{Type: transport.EventMessage, ThreadID: "T1", SenderID: "U1", Body: body}
}

func (f *fixture) stored(id string) (*accounts.Record, bool) {
	rec, err := f.store.FindByID(context.Background(), id)
	if errors.Is(err, accounts.ErrNotFound) {
		return nil, false
	}
	require.NoError(f.t, err)
	return rec, true
}

func TestStartSessionCreatesAndListens(t *testing.T) {
	f := newFixture(t, WithPasswordHasher(webauth.HashPassword))
	sess, err := f.sup.StartSession(context.Background(), f.register("A1"), &Metadata{
		Username: "alice",
		Password: "hunter2",
		BotName:  "Helper",
		Admins:   []string{"U9"},
	})
	require.NoError(t, err)

	got, ok := f.sup.Get("A1")
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, "Bot A1", sess.Identity().Name)
	assert.Equal(t, "/", sess.Settings().Prefix, "deployment prefix is the default")
	assert.True(t, sess.Settings().IsAdmin("U9"))
	assert.Equal(t, 1, f.net.OpenHandles("A1"))
	assert.Equal(t, transport.Options{"listenEvents": true}, f.net.Options("A1"))

	rec, ok := f.stored("A1")
	require.True(t, ok)
	assert.Equal(t, "alice", rec.Username)
	assert.Equal(t, "Helper", rec.BotName)
	assert.JSONEq(t, string(snapshotFor("A1")), string(rec.CredentialSnapshot))
	require.NoError(t, webauth.CheckPassword(rec.PasswordHash, "hunter2"))

	require.Equal(t, []sessions.Summary{{
		AccountID:  "A1",
		Name:       "Bot A1",
		ProfileURL: "https://chat.example/A1",
		AvatarURL:  "https://chat.example/A1.png",
	}}, f.sup.Active())
	assert.Len(t, f.sup.Commands(), 2)
}

func TestSecondSessionForSameUsernameIsRejected(t *testing.T) {
	f := newFixture(t)
	f.create("A1", "alice")

	_, err := f.sup.StartSession(context.Background(), f.register("B1"), &Metadata{Username: "alice"})
	require.ErrorIs(t, err, ErrAccountAlreadyLinked)
	_, err = f.sup.StartSession(context.Background(), f.register("A1"), &Metadata{Username: "other"})
	require.ErrorIs(t, err, ErrAccountAlreadyLinked)

	assert.Equal(t, 1, f.sup.Registry().Len())
	_, ok := f.sup.Get("A1")
	assert.True(t, ok)
	_, ok = f.stored("B1")
	assert.False(t, ok, "rejection must not persist anything")
	assert.Zero(t, f.net.ListenCount("B1"))
	assert.Equal(t, 1, f.net.ListenCount("A1"))
}

func TestConcurrentCreationsKeepOneEntry(t *testing.T) {
	f := newFixture(t)
	creds := f.register("A1")

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sup.StartSession(context.Background(), creds, &Metadata{Username: "alice"})
			if err == nil {
				ok.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrAccountAlreadyLinked)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, 1, f.sup.Registry().Len())
	assert.Equal(t, 1, f.net.OpenHandles("A1"))
}

func TestAuthFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	_, err := f.sup.StartSession(context.Background(), transport.Credentials{Snapshot: json.RawMessage(`"bogus"`)}, &Metadata{Username: "x"})
	require.ErrorIs(t, err, ErrAuthFailure)
	require.ErrorIs(t, err, transport.ErrInvalidCredentials)

	assert.Zero(t, f.sup.Registry().Len())
	all, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestUnknownIdentityIsRejected(t *testing.T) {
	f := newFixture(t)
	f.net.Register("A1", transport.Identity{}, snapshotFor("A1"))
	_, err := f.sup.StartSession(context.Background(), transport.Credentials{Snapshot: snapshotFor("A1")}, &Metadata{Username: "x"})
	require.ErrorIs(t, err, ErrIdentityNotFound)
	assert.Zero(t, f.sup.Registry().Len())
	_, ok := f.stored("A1")
	assert.False(t, ok)
}

func TestEventsAreDispatchedAndSignalsIgnored(t *testing.T) {
	f := newFixture(t)
	f.create("A1", "alice")

	for _, typ := range []string{transport.EventPresence, transport.EventTyping, transport.EventReadReceipt} {
		require.Equal(t, 1, f.net.Deliver("A1", transport.Event{Type: typ, ThreadID: "T1"}))
	}
	require.Equal(t, 1, f.net.Deliver("A1", transport.Event{Type: transport.EventLog, LogType: "log:subscribe", ThreadID: "T1"}))
	require.Equal(t, 1, f.net.Deliver("A1", message("/echo hello there")))

	require.Eventually(t, func() bool { return f.cmds.len() == 1 }, wait, poll)
	evs := f.evs.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, transport.EventLog, evs[0].Type)

	require.Eventually(t, func() bool { return len(f.net.Sent("A1")) == 1 }, wait, poll)
	assert.Equal(t, "hello there", f.net.Sent("A1")[0].Body)
}

func TestTerminateTearsDownEverything(t *testing.T) {
	f := newFixture(t, WithMaintenanceInterval(100*time.Millisecond))
	sess := f.create("A1", "alice")
	require.Eventually(t, func() bool { return sess.Elapsed() > 0 }, 3*time.Second, poll)

	require.NoError(t, f.sup.Terminate(context.Background(), "A1"))

	_, ok := f.sup.Get("A1")
	assert.False(t, ok)
	_, ok = f.stored("A1")
	assert.False(t, ok, "logout deletes the stored record")
	assert.True(t, sess.TimersStopped())
	assert.Zero(t, f.net.OpenHandles("A1"))
	assert.Empty(t, sess.EventNames())

	frozen := sess.Elapsed()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, frozen, sess.Elapsed(), "maintenance must not tick after teardown")
	assert.Zero(t, f.net.Deliver("A1", message("/echo late")))

	require.ErrorIs(t, f.sup.Terminate(context.Background(), "A1"), ErrNotLoggedIn)
}

func TestHandlerCanTerminateItsOwnSession(t *testing.T) {
	f := newFixture(t)
	f.create("A1", "alice")
	require.Equal(t, 1, f.net.Deliver("A1", message("/leave")))

	require.Eventually(t, func() bool {
		_, ok := f.sup.Get("A1")
		return !ok
	}, wait, poll)
	_, ok := f.stored("A1")
	assert.False(t, ok)
}

func checkpointError() error {
	return &transport.InBandError{
		Message: "listen error",
		Payload: json.RawMessage(`{"error":601051028565049,"description":"checkpoint"}`),
	}
}

func TestCheckpointRejectedPurgesSession(t *testing.T) {
	f := newFixture(t)
	f.net.SetSideChannel(func(string, transport.SideChannelRequest) ([]byte, error) {
		return []byte(`{"data":{"fb_scraping_warning_clear":{"success":false}}}`), nil
	})
	sess := f.create("A2", "bob")

	require.Equal(t, 1, f.net.Fail("A2", checkpointError()))
	require.Eventually(t, func() bool {
		_, ok := f.sup.Get("A2")
		return !ok
	}, wait, poll)

	_, ok := f.stored("A2")
	assert.False(t, ok, "stored credential must be invalidated")
	assert.True(t, sess.TimersStopped())
	assert.Len(t, f.net.SideChannelRequests("A2"), 1)

	assert.Zero(t, f.net.Deliver("A2", message("/echo after")))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.cmds.len())
}

func TestCheckpointResolvedResumesListening(t *testing.T) {
	f := newFixture(t)
	f.net.SetSideChannel(func(string, transport.SideChannelRequest) ([]byte, error) {
		return []byte(`{"data":{"fb_scraping_warning_clear":{"success":true}}}`), nil
	})
	sess := f.create("A2", "bob")
	first := sess.Listener()

	require.Equal(t, 1, f.net.Fail("A2", checkpointError()))
	require.Eventually(t, func() bool { return f.net.ListenCount("A2") == 2 }, wait, poll)
	require.Eventually(t, func() bool { return sess.Listener() != first }, wait, poll)

	got, ok := f.sup.Get("A2")
	require.True(t, ok)
	assert.Same(t, sess, got)
	_, ok = f.stored("A2")
	assert.True(t, ok)

	require.Equal(t, 1, f.net.Deliver("A2", message("/echo still here")))
	require.Eventually(t, func() bool { return f.cmds.len() == 1 }, wait, poll)
}

func TestOtherInBandErrorsAreOnlyLogged(t *testing.T) {
	f := newFixture(t)
	f.create("A1", "alice")
	require.Equal(t, 1, f.net.Fail("A1", errors.New("transient glitch")))
	require.Equal(t, 1, f.net.Deliver("A1", message("/echo ok")))
	require.Eventually(t, func() bool { return f.cmds.len() == 1 }, wait, poll)
	assert.Equal(t, 1, f.net.ListenCount("A1"))
	assert.Empty(t, f.net.SideChannelRequests("A1"))
}

func TestReconnectSwapsListenerOnly(t *testing.T) {
	f := newFixture(t, WithReconnectInterval(40*time.Millisecond))
	sess := f.create("A3", "carol")
	first := sess.Listener()

	require.Eventually(t, func() bool { return f.net.ListenCount("A3") >= 2 }, wait, poll)
	require.Eventually(t, func() bool { return sess.Listener() != first }, wait, poll)

	got, ok := f.sup.Get("A3")
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, "A3", got.AccountID())
	assert.LessOrEqual(t, f.net.OpenHandles("A3"), 1)

	require.Eventually(t, func() bool { return f.net.Deliver("A3", message("/echo once")) == 1 }, wait, poll)
	require.Eventually(t, func() bool { return f.cmds.len() == 1 }, wait, poll)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.cmds.len(), "event must not be dispatched twice across reconnects")
}

func TestDroppedConnectionReconnects(t *testing.T) {
	f := newFixture(t)
	sess := f.create("A1", "alice")
	first := sess.Listener()

	f.net.Drop("A1")
	require.Eventually(t, func() bool { return f.net.ListenCount("A1") == 2 }, wait, poll)
	require.Eventually(t, func() bool { return sess.Listener() != first }, wait, poll)
	_, ok := f.sup.Get("A1")
	assert.True(t, ok)
}

// flakyAuth hands out capabilities whose Listen fails after the first call.
type flakyAuth struct{ *memory.Network }

func (a flakyAuth) Authenticate(ctx context.Context, creds transport.Credentials) (transport.Capability, error) {
	c, err := a.Network.Authenticate(ctx, creds)
	if err != nil {
		return nil, err
	}
	return &flakyCapability{Capability: c}, nil
}

type flakyCapability struct {
	transport.Capability
	calls atomic.Int32
}

func (c *flakyCapability) Listen(ctx context.Context) (transport.ListenHandle, error) {
	if c.calls.Add(1) > 1 {
		return nil, errors.New("gateway unavailable")
	}
	return c.Capability.Listen(ctx)
}

func TestFailedReopenTerminatesAccount(t *testing.T) {
	f := newFixture(t)
	f.sup = New(f.store, flakyAuth{f.net}, f.reg, WithReconnectInterval(20*time.Millisecond), WithMaintenanceInterval(time.Hour))
	sess := f.create("A6", "dave")

	require.Eventually(t, func() bool {
		_, ok := f.sup.Get("A6")
		return !ok
	}, wait, poll)
	assert.True(t, sess.TimersStopped())
	_, ok := f.stored("A6")
	assert.False(t, ok)
}

func TestRestoreAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register("A1")
	require.NoError(t, f.store.Create(ctx, &accounts.Record{AccountID: "A1", Username: "alice", CredentialSnapshot: snapshotFor("A1"), ElapsedSeconds: 42, CommandPrefix: "!"}))
	require.NoError(t, f.store.Create(ctx, &accounts.Record{AccountID: "A4", Username: "nosnap"}))
	require.NoError(t, f.store.Create(ctx, &accounts.Record{AccountID: "A5", Username: "revoked", CredentialSnapshot: snapshotFor("A5")}))

	require.NoError(t, f.sup.RestoreAll(ctx))

	sess, ok := f.sup.Get("A1")
	require.True(t, ok)
	assert.Equal(t, int64(42), sess.Elapsed())
	assert.Equal(t, "!", sess.Settings().Prefix)
	rec, ok := f.stored("A1")
	require.True(t, ok)
	assert.Equal(t, "alice", rec.Username)
	assert.Equal(t, "Bot A1", rec.DisplayName)

	_, ok = f.stored("A4")
	assert.False(t, ok, "records without a snapshot are deleted")
	_, ok = f.stored("A5")
	assert.False(t, ok, "records that fail to restore are deleted")
	assert.Equal(t, 1, f.sup.Registry().Len())

	require.Equal(t, 1, f.net.Deliver("A1", message("!echo restored")))
	require.Eventually(t, func() bool { return f.cmds.len() == 1 }, wait, poll)
}

type unlistableStore struct {
	accounts.Store
}

func (unlistableStore) ListRestorable(context.Context) ([]*accounts.Record, error) {
	return nil, errors.New("index unavailable")
}

func TestRestoreAllStopsWhenRestorableListingFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Create(ctx, &accounts.Record{AccountID: "A4", Username: "nosnap"}))
	f.sup = New(unlistableStore{f.store}, f.net, f.reg, WithMaintenanceInterval(time.Hour))

	require.Error(t, f.sup.RestoreAll(ctx))
	_, ok := f.stored("A4")
	assert.True(t, ok, "nothing is purged when the restorable set is unknown")
}

func TestShutdownKeepsStoredRecords(t *testing.T) {
	f := newFixture(t)
	sess := f.create("A1", "alice")
	require.NoError(t, f.sup.Shutdown(context.Background()))

	assert.Zero(t, f.sup.Registry().Len())
	assert.True(t, sess.TimersStopped())
	assert.Zero(t, f.net.OpenHandles("A1"))
	_, ok := f.stored("A1")
	assert.True(t, ok)

	_, err := f.sup.StartSession(context.Background(), f.register("A7"), &Metadata{Username: "late"})
	require.ErrorIs(t, err, ErrShutdown)
}

func TestConfigure(t *testing.T) {
	f := newFixture(t)
	f.create("A1", "alice")

	require.NoError(t, f.sup.Configure(context.Background(), "A1", func(s *sessions.Settings) { s.Prefix = "!" }))
	require.Equal(t, 1, f.net.Deliver("A1", message("/echo ignored")))
	require.Equal(t, 1, f.net.Deliver("A1", message("!echo works")))
	require.Eventually(t, func() bool { return f.cmds.len() == 1 }, wait, poll)
	assert.Equal(t, "!echo works", f.cmds.snapshot()[0].Body)

	require.ErrorIs(t, f.sup.Configure(context.Background(), "nope", func(*sessions.Settings) {}), ErrNotLoggedIn)
}
