package media

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveWritesDeterministicLayoutAndSidecar(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	posted := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	sidecar, err := s.Save(context.Background(), bytes.NewReader([]byte("hello media")), Source{Entity: 100, Message: 42}, posted, ".txt", "text/plain")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	wantPath := filepath.Join(dir, "100", "2026", "03", "42.txt")
	if _, err := os.Stat(wantPath); err != nil {
		t.Fatalf("expected media file at %s: %v", wantPath, err)
	}

	sidecarPath := filepath.Join(dir, "100", "2026", "03", "42.json")
	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		t.Fatalf("expected sidecar at %s: %v", sidecarPath, err)
	}
	var onDisk Sidecar
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("unmarshal sidecar: %v", err)
	}
	if onDisk.SHA256 != sidecar.SHA256 {
		t.Fatalf("sidecar sha256 mismatch: %s vs %s", onDisk.SHA256, sidecar.SHA256)
	}
	if onDisk.Size != int64(len("hello media")) {
		t.Fatalf("unexpected size %d", onDisk.Size)
	}
}

func TestSetPerceptualHashPreservesExistingFields(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	posted := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if _, err := s.Save(context.Background(), bytes.NewReader([]byte("img-bytes")), Source{Entity: 1, Message: 2}, posted, ".jpg", "image/jpeg"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	mediaPath := filepath.Join(dir, "1", "2026", "03", "2.jpg")
	if err := s.SetPerceptualHash(mediaPath, "abc123"); err != nil {
		t.Fatalf("SetPerceptualHash: %v", err)
	}

	sidecarPath := filepath.Join(dir, "1", "2026", "03", "2.json")
	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var sc Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sc.PerceptualHash == nil || *sc.PerceptualHash != "abc123" {
		t.Fatalf("expected phash to be set, got %+v", sc.PerceptualHash)
	}
	if sc.Mime != "image/jpeg" {
		t.Fatalf("expected mime to be preserved, got %q", sc.Mime)
	}
}

func TestNoPartialFileLeftOnCancel(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	posted := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.Save(ctx, bytes.NewReader([]byte("data")), Source{Entity: 5, Message: 6}, posted, ".bin", "application/octet-stream")
	if err == nil {
		t.Fatal("expected Save to fail on an already-cancelled context")
	}

	finalPath := filepath.Join(dir, "5", "2026", "01", "6.bin")
	if _, statErr := os.Stat(finalPath); statErr == nil {
		t.Fatal("expected no final file to exist after a cancelled save")
	}
	if _, statErr := os.Stat(finalPath + ".tmp"); statErr == nil {
		t.Fatal("expected temp file to be cleaned up after a cancelled save")
	}
}
