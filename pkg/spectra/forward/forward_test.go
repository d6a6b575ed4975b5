package forward

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swordintel/spectra/pkg/spectra/fingerprint"
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

func TestGroupMessagesNoneProducesOneUnitPerMessage(t *testing.T) {
	msgs := []sourceMessage{{id: 1}, {id: 2}, {id: 3}}
	units := groupMessages(msgs, GroupNone, 0)
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
}

func TestGroupByFilenameGroupsSameStem(t *testing.T) {
	msgs := []sourceMessage{
		{id: 1, filename: "vacation.jpg"},
		{id: 2, filename: "vacation.mp4"},
		{id: 3, filename: "other.png"},
	}
	units := groupByFilename(msgs)
	if len(units) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(units))
	}
	if len(units[0]) != 2 {
		t.Fatalf("expected the vacation stem to group 2 messages, got %d", len(units[0]))
	}
}

func TestFilenameStemHandlesMissingExtensionAndEmptyName(t *testing.T) {
	if filenameStem("") != "\x00no-filename" {
		t.Fatal("expected a sentinel stem for an empty filename")
	}
	if filenameStem("noext") != "noext" {
		t.Fatal("expected a name with no dot to be its own stem")
	}
	if filenameStem("a.b.c") != "a.b" {
		t.Fatalf("expected the stem to split on the last dot, got %q", filenameStem("a.b.c"))
	}
}

func TestGroupByTimeGroupsSameSenderWithinWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := []sourceMessage{
		{id: 1, senderID: 10, postedAt: base},
		{id: 2, senderID: 10, postedAt: base.Add(5 * time.Second)},
		{id: 3, senderID: 10, postedAt: base.Add(60 * time.Second)},
		{id: 4, senderID: 20, postedAt: base.Add(61 * time.Second)},
	}
	units := groupByTime(msgs, 30*time.Second)
	if len(units) != 3 {
		t.Fatalf("expected 3 groups (two within window, one time gap, one sender change), got %d", len(units))
	}
	if len(units[0]) != 2 {
		t.Fatalf("expected the first group to absorb the message 5s later, got %d members", len(units[0]))
	}
}

func TestGroupByTimeDefaultsWindowWhenUnset(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	msgs := []sourceMessage{
		{id: 1, senderID: 1, postedAt: base},
		{id: 2, senderID: 1, postedAt: base.Add(10 * time.Second)},
	}
	units := groupByTime(msgs, 0)
	if len(units) != 1 {
		t.Fatalf("expected the default 30s window to merge these, got %d groups", len(units))
	}
}

func TestParseAndFormatHex64RoundTrip(t *testing.T) {
	v, ok := parseHex64(formatHex64(0xdeadbeef))
	if !ok || v != 0xdeadbeef {
		t.Fatalf("expected a round trip through formatHex64/parseHex64, got %x ok=%v", v, ok)
	}
}

func TestParseHex64RejectsGarbage(t *testing.T) {
	if _, ok := parseHex64("not-hex"); ok {
		t.Fatal("expected parseHex64 to reject a non-hex string")
	}
}

func TestIsDuplicateCatchesExactFingerprintMatch(t *testing.T) {
	st := newTestStore(t)
	f := New(st)
	ctx := context.Background()

	canon := fingerprint.Canonical{Text: "hello world"}
	sum := fingerprint.SHA256(canon)
	if err := f.commitFingerprint(ctx, 42, sum, canon, 7); err != nil {
		t.Fatalf("commitFingerprint: %v", err)
	}

	dup, err := f.isDuplicate(ctx, 42, sum, canon, fingerprint.DefaultThresholds())
	if err != nil {
		t.Fatalf("isDuplicate: %v", err)
	}
	if !dup {
		t.Fatal("expected an identical fingerprint to be reported as a duplicate")
	}
}

func TestIsDuplicateNearTextPathMirrorsThreshold(t *testing.T) {
	st := newTestStore(t)
	f := New(st)
	ctx := context.Background()

	original := fingerprint.Canonical{Text: "the quick brown fox jumps over the lazy dog"}
	if err := f.commitFingerprint(ctx, 1, fingerprint.SHA256(original), original, 7); err != nil {
		t.Fatalf("commitFingerprint: %v", err)
	}

	// Exact sha-256 differs (edited sentence), so this exercises the
	// fuzzy-hash comparison branch rather than the exact-match branch.
	// The expected outcome mirrors IsNearDuplicateText directly, so this
	// test checks isDuplicate's plumbing rather than asserting a
	// specific simhash distance for this sentence pair.
	near := fingerprint.Canonical{Text: "the quick brown fox leaps over the lazy dog"}
	th := fingerprint.DefaultThresholds()
	want := th.IsNearDuplicateText(fingerprint.FuzzyHash(near.Text), fingerprint.FuzzyHash(original.Text))

	dup, err := f.isDuplicate(ctx, 1, fingerprint.SHA256(near), near, th)
	if err != nil {
		t.Fatalf("isDuplicate: %v", err)
	}
	if dup != want {
		t.Fatalf("isDuplicate=%v did not match IsNearDuplicateText=%v for the same hash pair", dup, want)
	}
}

func TestIsDuplicateAllowsDistinctContent(t *testing.T) {
	st := newTestStore(t)
	f := New(st)
	ctx := context.Background()

	original := fingerprint.Canonical{Text: "the quick brown fox jumps over the lazy dog"}
	if err := f.commitFingerprint(ctx, 1, fingerprint.SHA256(original), original, 7); err != nil {
		t.Fatalf("commitFingerprint: %v", err)
	}

	distinct := fingerprint.Canonical{Text: "a completely unrelated sentence about something else"}
	th := fingerprint.DefaultThresholds()
	want := th.IsNearDuplicateText(fingerprint.FuzzyHash(distinct.Text), fingerprint.FuzzyHash(original.Text))

	dup, err := f.isDuplicate(ctx, 1, fingerprint.SHA256(distinct), distinct, th)
	if err != nil {
		t.Fatalf("isDuplicate: %v", err)
	}
	if dup != want {
		t.Fatalf("isDuplicate=%v did not match IsNearDuplicateText=%v", dup, want)
	}
}

func TestCommitFingerprintIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	f := New(st)
	ctx := context.Background()

	canon := fingerprint.Canonical{Text: "repeat me"}
	sum := fingerprint.SHA256(canon)
	if err := f.commitFingerprint(ctx, 5, sum, canon, 1); err != nil {
		t.Fatalf("first commitFingerprint: %v", err)
	}
	if err := f.commitFingerprint(ctx, 5, sum, canon, 1); err != nil {
		t.Fatalf("second commitFingerprint should be a no-op, not an error: %v", err)
	}
}

func TestCanonicalForUsesFirstMessageOfUnit(t *testing.T) {
	unit := []sourceMessage{
		{id: 1, text: "first", mediaSHA: "aaa", mediaMIME: "image/jpeg"},
		{id: 2, text: "second", mediaSHA: "bbb", mediaMIME: "image/png"},
	}
	canon := canonicalFor(unit)
	if canon.Text != "first" || canon.MediaSHA256 != "aaa" {
		t.Fatalf("expected canonicalFor to key off the unit's first message, got %+v", canon)
	}
}
