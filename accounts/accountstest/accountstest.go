// Package accountstest provides a conformance suite for accounts.Store
// implementations. Each store package runs it from its own tests.
package accountstest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/botfleet/accounts"
)

// StoreFactory creates a new, empty Store instance for testing.
type StoreFactory func(t *testing.T) accounts.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Create_AndFindByID", func(t *testing.T) { testCreateAndFind(t, factory) })
	t.Run("Create_DuplicateIDRejected", func(t *testing.T) { testCreateDuplicateID(t, factory) })
	t.Run("Create_DuplicateUsernameRejected", func(t *testing.T) { testCreateDuplicateUsername(t, factory) })
	t.Run("FindByUsername", func(t *testing.T) { testFindByUsername(t, factory) })
	t.Run("Update_AppliesOnlyPatchedFields", func(t *testing.T) { testUpdatePartial(t, factory) })
	t.Run("Update_MissingRecord", func(t *testing.T) { testUpdateMissing(t, factory) })
	t.Run("Delete_IsIdempotentAndFreesUsername", func(t *testing.T) { testDelete(t, factory) })
	t.Run("ListRestorable_OnlySnapshotsOrderedByID", func(t *testing.T) { testListRestorable(t, factory) })
	t.Run("Update_ConcurrentElapsedWrites", func(t *testing.T) { testConcurrentUpdates(t, factory) })
}

func newCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// uniq makes ids unique per test so that shared backends (Redis) don't collide.
func uniq(t *testing.T, s string) string {
	return fmt.Sprintf("%s-%d", s, time.Now().UnixNano())
}

func cleanup(t *testing.T, s accounts.Store, ids ...string) {
	t.Cleanup(func() {
		for _, id := range ids {
			_ = s.Delete(context.Background(), id)
		}
	})
}

func testCreateAndFind(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := uniq(t, "acct")
	cleanup(t, s, id)

	rec := &accounts.Record{
		AccountID:          id,
		Username:           uniq(t, "user"),
		PasswordHash:       "hash",
		CredentialSnapshot: json.RawMessage(`{"c_user":"1"}`),
		ElapsedSeconds:     42,
		DisplayName:        "Alice",
		Admins:             []string{"1", "2"},
	}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Username != rec.Username || got.DisplayName != "Alice" || got.ElapsedSeconds != 42 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if string(got.CredentialSnapshot) != `{"c_user":"1"}` {
		t.Fatalf("snapshot mismatch: %s", got.CredentialSnapshot)
	}
	if len(got.Admins) != 2 || got.Admins[1] != "2" {
		t.Fatalf("admins mismatch: %v", got.Admins)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be set")
	}

	if _, err := s.FindByID(ctx, uniq(t, "missing")); !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testCreateDuplicateID(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := uniq(t, "acct")
	cleanup(t, s, id)

	if err := s.Create(ctx, &accounts.Record{AccountID: id, Username: uniq(t, "a")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Create(ctx, &accounts.Record{AccountID: id, Username: uniq(t, "b")})
	if !errors.Is(err, accounts.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func testCreateDuplicateUsername(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id1, id2 := uniq(t, "acct1"), uniq(t, "acct2")
	cleanup(t, s, id1, id2)
	username := uniq(t, "shared")

	if err := s.Create(ctx, &accounts.Record{AccountID: id1, Username: username}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Create(ctx, &accounts.Record{AccountID: id2, Username: username})
	if !errors.Is(err, accounts.ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	if _, err := s.FindByID(ctx, id2); !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("rejected create must not leave a record, got %v", err)
	}
}

func testFindByUsername(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := uniq(t, "acct")
	cleanup(t, s, id)
	username := uniq(t, "bob")

	if err := s.Create(ctx, &accounts.Record{AccountID: id, Username: username}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.FindByUsername(ctx, username)
	if err != nil {
		t.Fatalf("find by username: %v", err)
	}
	if got.AccountID != id {
		t.Fatalf("expected %s, got %s", id, got.AccountID)
	}
	if _, err := s.FindByUsername(ctx, uniq(t, "nobody")); !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testUpdatePartial(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := uniq(t, "acct")
	cleanup(t, s, id)

	if err := s.Create(ctx, &accounts.Record{AccountID: id, Username: uniq(t, "u"), DisplayName: "Before", BotName: "bot"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	admins := []string{"9"}
	snap := json.RawMessage(`["cookie"]`)
	err := s.Update(ctx, id, accounts.Patch{
		ElapsedSeconds:     accounts.Int64(7),
		CommandPrefix:      accounts.String("!"),
		Admins:             &admins,
		CredentialSnapshot: &snap,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ElapsedSeconds != 7 || got.CommandPrefix != "!" || got.DisplayName != "Before" || got.BotName != "bot" {
		t.Fatalf("unexpected record after update: %+v", got)
	}
	if len(got.Admins) != 1 || got.Admins[0] != "9" {
		t.Fatalf("admins not updated: %v", got.Admins)
	}
	if !got.Restorable() {
		t.Fatalf("expected record to be restorable after snapshot update")
	}
}

func testUpdateMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	err := s.Update(ctx, uniq(t, "missing"), accounts.Patch{ElapsedSeconds: accounts.Int64(1)})
	if !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := uniq(t, "acct")
	username := uniq(t, "carol")
	cleanup(t, s, id)

	if err := s.Create(ctx, &accounts.Record{AccountID: id, Username: username}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := s.FindByID(ctx, id); !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := s.FindByUsername(ctx, username); !errors.Is(err, accounts.ErrNotFound) {
		t.Fatalf("username index not cleared: %v", err)
	}

	other := uniq(t, "acct-other")
	cleanup(t, s, other)
	if err := s.Create(ctx, &accounts.Record{AccountID: other, Username: username}); err != nil {
		t.Fatalf("username should be free after delete: %v", err)
	}
}

func testListRestorable(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	base := uniq(t, "list")
	idB, idA, idNone := base+"-b", base+"-a", base+"-none"
	cleanup(t, s, idA, idB, idNone)

	for _, rec := range []*accounts.Record{
		{AccountID: idB, Username: idB, CredentialSnapshot: json.RawMessage(`"b"`)},
		{AccountID: idA, Username: idA, CredentialSnapshot: json.RawMessage(`"a"`)},
		{AccountID: idNone, Username: idNone},
	} {
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.AccountID, err)
		}
	}

	got, err := s.ListRestorable(ctx)
	if err != nil {
		t.Fatalf("list restorable: %v", err)
	}
	var mine []string
	for _, rec := range got {
		switch rec.AccountID {
		case idA, idB, idNone:
			mine = append(mine, rec.AccountID)
		}
	}
	if len(mine) != 2 || mine[0] != idA || mine[1] != idB {
		t.Fatalf("expected [%s %s], got %v", idA, idB, mine)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := 0
	for _, rec := range all {
		if rec.AccountID == idNone {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("List must include records without snapshots")
	}
}

func testConcurrentUpdates(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := newCtx(t)
	id := uniq(t, "acct")
	cleanup(t, s, id)

	if err := s.Create(ctx, &accounts.Record{AccountID: id, Username: uniq(t, "u")}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			if err := s.Update(ctx, id, accounts.Patch{ElapsedSeconds: accounts.Int64(v)}); err != nil {
				errs <- err
			}
		}(int64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent update: %v", err)
	}
	got, err := s.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ElapsedSeconds < 1 || got.ElapsedSeconds > 20 {
		t.Fatalf("unexpected elapsed after concurrent writes: %d", got.ElapsedSeconds)
	}
}
