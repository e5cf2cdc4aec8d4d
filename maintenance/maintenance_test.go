package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/botfleet/accounts"
	"github.com/ggoodman/botfleet/accounts/memory"
	"github.com/ggoodman/botfleet/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 10 * time.Millisecond

func setup(t *testing.T, store accounts.Store) (*sessions.Registry, *sessions.Session) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &accounts.Record{AccountID: "A1", ElapsedSeconds: 5}))
	reg := sessions.NewRegistry()
	sess := sessions.New(sessions.Config{AccountID: "A1", Elapsed: 5})
	require.NoError(t, reg.Add(sess))
	return reg, sess
}

func TestTicksAdvanceAndPersist(t *testing.T) {
	store := memory.New()
	reg, sess := setup(t, store)
	h := New(reg, store, WithInterval(tick), WithStep(time.Second)).Start("A1")
	defer h.Stop()

	require.Eventually(t, func() bool { return sess.Elapsed() >= 8 }, time.Second, tick)
	require.Eventually(t, func() bool {
		rec, err := store.FindByID(context.Background(), "A1")
		return err == nil && rec.ElapsedSeconds >= 8
	}, time.Second, tick)
}

func TestStopHaltsTicks(t *testing.T) {
	store := memory.New()
	reg, sess := setup(t, store)
	h := New(reg, store, WithInterval(tick), WithStep(time.Second)).Start("A1")
	require.Eventually(t, func() bool { return sess.Elapsed() > 5 }, time.Second, tick)

	h.Stop()
	h.Stop()
	frozen := sess.Elapsed()
	time.Sleep(5 * tick)
	assert.Equal(t, frozen, sess.Elapsed())
}

func TestTickerStopsItselfWhenSessionRemoved(t *testing.T) {
	store := memory.New()
	reg, sess := setup(t, store)
	h := New(reg, store, WithInterval(tick), WithStep(time.Second)).Start("A1").(*ticker)

	require.True(t, reg.Remove(sess))
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop after the session was removed")
	}
	assert.Equal(t, int64(5), sess.Elapsed(), "no tick may touch a removed session")
	h.Stop()
}

type failingStore struct {
	accounts.Store
	fails atomic.Int32
}

func (f *failingStore) Update(ctx context.Context, id string, p accounts.Patch) error {
	f.fails.Add(1)
	return errors.New("disk full")
}

func TestWriteFailuresDoNotStopTicker(t *testing.T) {
	base := memory.New()
	reg, sess := setup(t, base)
	store := &failingStore{Store: base}
	h := New(reg, store, WithInterval(tick), WithStep(time.Second)).Start("A1")
	defer h.Stop()

	require.Eventually(t, func() bool { return store.fails.Load() >= 3 }, time.Second, tick)
	assert.GreaterOrEqual(t, sess.Elapsed(), int64(8))
}

func TestStepDefaultsToInterval(t *testing.T) {
	s := New(sessions.NewRegistry(), memory.New(), WithInterval(250*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, s.step)
}

func TestSubSecondTicksAccrueWholeSeconds(t *testing.T) {
	store := memory.New()
	reg, sess := setup(t, store)
	h := New(reg, store, WithInterval(tick), WithStep(500*time.Millisecond)).Start("A1")
	defer h.Stop()

	require.Eventually(t, func() bool { return sess.Elapsed() >= 7 }, time.Second, tick)
	rec, err := store.FindByID(context.Background(), "A1")
	require.NoError(t, err)
	assert.LessOrEqual(t, rec.ElapsedSeconds, sess.Elapsed())
}

func TestMultiSecondTicksCreditTheFullInterval(t *testing.T) {
	store := memory.New()
	reg, sess := setup(t, store)
	h := New(reg, store, WithInterval(tick), WithStep(3*time.Second)).Start("A1")
	require.Eventually(t, func() bool { return sess.Elapsed() >= 11 }, time.Second, tick)
	h.Stop()
	assert.Zero(t, (sess.Elapsed()-5)%3, "each tick credits three seconds")
}
