package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ggoodman/botfleet/accounts"
	"github.com/ggoodman/botfleet/accounts/accountstest"
)

func TestMemoryStore(t *testing.T) {
	accountstest.RunStoreTests(t, func(t *testing.T) accounts.Store {
		return New()
	})
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Create(ctx, &accounts.Record{AccountID: "1", Admins: []string{"a"}, CredentialSnapshot: json.RawMessage(`"x"`)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.FindByID(ctx, "1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	got.Admins[0] = "mutated"
	got.DisplayName = "mutated"

	again, _ := s.FindByID(ctx, "1")
	if again.Admins[0] != "a" || again.DisplayName != "" {
		t.Fatalf("store state leaked through returned record: %+v", again)
	}
}
