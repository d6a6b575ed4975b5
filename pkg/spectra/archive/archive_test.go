package archive

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/swordintel/spectra/pkg/spectra/media"
	"github.com/swordintel/spectra/pkg/spectra/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Config{Path: filepath.Join(dir, "spectra.db")}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestDefaultOptionsMatchesSpecBatchSize(t *testing.T) {
	opts := DefaultOptions()
	if opts.BatchSize != 200 {
		t.Fatalf("expected default batch size 200, got %d", opts.BatchSize)
	}
	if !opts.DownloadMedia {
		t.Fatal("expected media download enabled by default")
	}
}

func TestVerifyOnEmptyEntityReturnsZeroSummary(t *testing.T) {
	st := newTestStore(t)
	p := New(st, media.NewStore(t.TempDir(), nil))

	sum, err := p.Verify(context.Background(), 999)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if sum.Count != 0 {
		t.Fatalf("expected zero count for an entity with no messages, got %d", sum.Count)
	}
}

func TestLoadCheckpointDefaultsToZero(t *testing.T) {
	st := newTestStore(t)
	p := New(st, media.NewStore(t.TempDir(), nil))

	last, err := p.loadCheckpoint(context.Background(), 1, "archive")
	if err != nil {
		t.Fatalf("loadCheckpoint: %v", err)
	}
	if last != 0 {
		t.Fatalf("expected checkpoint 0 for a fresh entity, got %d", last)
	}
}

func TestNullableHelpers(t *testing.T) {
	if nullableInt(0) != nil {
		t.Fatal("expected nullableInt(0) to be nil")
	}
	if nullableInt(5) != 5 {
		t.Fatal("expected nullableInt(5) to pass through")
	}
}
