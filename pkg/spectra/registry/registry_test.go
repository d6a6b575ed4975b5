package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/swordintel/spectra/pkg/spectra/store"
)

func newTestRegistry(t *testing.T) (*Registry, context.Context) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Config{Path: filepath.Join(dir, "test.db")}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg, err := New(st, filepath.Join(dir, "sessions"), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg, context.Background()
}

func TestImportUpsertsAndPreservesAPIHash(t *testing.T) {
	reg, ctx := newTestRegistry(t)

	if err := reg.Import(ctx, []Credentials{{APIID: 1, APIHash: "abc", SessionName: "alice", PhoneNumber: "+10000000000"}}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	// Re-import with a blank api_hash must not clobber the existing one.
	if err := reg.Import(ctx, []Credentials{{APIID: 1, APIHash: "", SessionName: "alice", PhoneNumber: "+10000000000"}}); err != nil {
		t.Fatalf("second Import: %v", err)
	}

	accounts, err := reg.List(ctx, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(accounts))
	}
	if accounts[0].APIHash != "abc" {
		t.Fatalf("expected api_hash to be preserved, got %q", accounts[0].APIHash)
	}
}

func TestLeaseEnforcesAtMostOneInFlight(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	if err := reg.Import(ctx, []Credentials{{APIID: 1, APIHash: "abc", SessionName: "alice", PhoneNumber: "+10000000000"}}); err != nil {
		t.Fatalf("Import: %v", err)
	}

	_, release, err := reg.Lease(ctx, Policy{Mode: ModeSmart})
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}

	if _, _, err := reg.Lease(ctx, Policy{Mode: ModeSmart}); err == nil {
		t.Fatal("expected second lease to fail while the only account is already leased")
	}

	release()

	if _, _, err := reg.Lease(ctx, Policy{Mode: ModeSmart}); err != nil {
		t.Fatalf("expected lease to succeed after release, got %v", err)
	}
}

func TestRecordBanMakesAccountIneligible(t *testing.T) {
	reg, ctx := newTestRegistry(t)
	if err := reg.Import(ctx, []Credentials{{APIID: 1, APIHash: "abc", SessionName: "alice", PhoneNumber: "+10000000000"}}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	accounts, _ := reg.List(ctx, nil)

	if err := reg.Record(ctx, Event{Kind: EventBanned, AccountID: accounts[0].ID}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if _, _, err := reg.Lease(ctx, Policy{Mode: ModeSmart}); err == nil {
		t.Fatal("expected lease to fail once the only account is banned")
	}
}
