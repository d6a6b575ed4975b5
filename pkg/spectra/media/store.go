// Package media implements the Archival Pipeline's media layout (spec §6):
// a deterministic content tree rooted at media_dir, with an append-only
// JSON sidecar per file. Adapted from the teacher's
// pkg/devclaw/media/store.go FileSystemStore — same content-addressed,
// sidecar-per-object shape, generalized from a flat UUID-keyed store to
// the entity/year/month/message-id layout §6 requires, and from
// "temporary + TTL" semantics (not needed here; archived media is
// permanent) to "streamed with bounded memory and atomic rename."
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/swordintel/spectra/pkg/spectra/errs"
)

// chunkSize bounds in-memory buffering during streaming downloads, per §5
// ("Media downloads use bounded-memory streaming (chunk size ≤ 1 MiB)").
const chunkSize = 1 << 20

// Source identifies where a media object came from.
type Source struct {
	Entity  int64 `json:"entity"`
	Message int64 `json:"message"`
}

// Sidecar is the JSON metadata object written alongside each media file
// (§6). New fields may be appended across versions; existing fields must
// never change meaning — callers must not remove or repurpose a field.
type Sidecar struct {
	ID             string  `json:"id"`
	Mime           string  `json:"mime"`
	Size           int64   `json:"size"`
	SHA256         string  `json:"sha256"`
	PerceptualHash *string `json:"phash,omitempty"`
	Source         Source  `json:"source"`
	FetchedAt      time.Time `json:"fetched_at"`
}

// Store roots the deterministic media/<entity-id>/<yyyy>/<mm>/ layout.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore builds a Store rooted at root (default "media").
func NewStore(root string, logger *slog.Logger) *Store {
	if root == "" {
		root = "media"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{root: root, logger: logger.With("component", "media-store")}
}

// dirFor returns media/<entity-id>/<yyyy>/<mm>/ for the given source
// entity and message timestamp.
func (s *Store) dirFor(entityID int64, postedAt time.Time) string {
	return filepath.Join(s.root, fmt.Sprintf("%d", entityID),
		fmt.Sprintf("%04d", postedAt.Year()), fmt.Sprintf("%02d", postedAt.Month()))
}

// PathFor returns the deterministic final path Save would write src's
// message to, without touching the filesystem. Callers (the Archival
// Pipeline) use this to populate media_objects.file_path after Save.
func (s *Store) PathFor(src Source, postedAt time.Time, ext string) string {
	return filepath.Join(s.dirFor(src.Entity, postedAt), fmt.Sprintf("%d%s", src.Message, ext))
}

// Save streams r into the deterministic layout, computing the sha-256
// incrementally, and writes the sidecar alongside. The file is written to
// a temporary path in the destination directory and renamed into place on
// completion, so a crash mid-download never leaves a partial file at the
// final path (§5 "scoped acquisition with guaranteed cleanup on all exit
// paths").
func (s *Store) Save(ctx context.Context, r io.Reader, src Source, postedAt time.Time, ext, mime string) (*Sidecar, error) {
	dir := s.dirFor(src.Entity, postedAt)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.Storage, "media.Store.Save", fmt.Errorf("create media directory %q: %w", dir, err))
	}

	finalPath := filepath.Join(dir, fmt.Sprintf("%d%s", src.Message, ext))
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errs.New(errs.Storage, "media.Store.Save", err)
	}

	hasher := sha256.New()
	buf := make([]byte, chunkSize)
	var size int64
	writeErr := func() error {
		for {
			select {
			case <-ctx.Done():
				return errs.New(errs.Cancelled, "media.Store.Save", ctx.Err())
			default:
			}
			n, rerr := r.Read(buf)
			if n > 0 {
				if _, werr := f.Write(buf[:n]); werr != nil {
					return errs.New(errs.Storage, "media.Store.Save", werr)
				}
				hasher.Write(buf[:n])
				size += int64(n)
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return errs.New(errs.NetworkTimeout, "media.Store.Save", rerr)
			}
		}
	}()

	closeErr := f.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return nil, writeErr
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return nil, errs.New(errs.Storage, "media.Store.Save", closeErr)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, errs.New(errs.Storage, "media.Store.Save", err)
	}

	sidecar := &Sidecar{
		ID:        fmt.Sprintf("%d:%d", src.Entity, src.Message),
		Mime:      mime,
		Size:      size,
		SHA256:    hex.EncodeToString(hasher.Sum(nil)),
		Source:    src,
		FetchedAt: time.Now().UTC(),
	}

	if err := s.writeSidecar(finalPath, sidecar); err != nil {
		return nil, err
	}

	s.logger.Debug("media saved", "path", finalPath, "size", size, "sha256", sidecar.SHA256)
	return sidecar, nil
}

// writeSidecar writes the sidecar JSON for mediaPath, merging onto any
// existing sidecar so the append-only invariant holds: an existing field
// is never silently dropped by a second write (e.g. adding phash later).
func (s *Store) writeSidecar(mediaPath string, sidecar *Sidecar) error {
	sidecarPath := sidecarPathFor(mediaPath)

	if existing, err := s.readSidecar(sidecarPath); err == nil {
		merged := *existing
		merged.Mime = sidecar.Mime
		merged.Size = sidecar.Size
		merged.SHA256 = sidecar.SHA256
		merged.Source = sidecar.Source
		merged.FetchedAt = sidecar.FetchedAt
		if sidecar.PerceptualHash != nil {
			merged.PerceptualHash = sidecar.PerceptualHash
		}
		sidecar = &merged
	}

	raw, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return errs.New(errs.Storage, "media.Store.writeSidecar", err)
	}
	if err := os.WriteFile(sidecarPath, raw, 0o644); err != nil {
		return errs.New(errs.Storage, "media.Store.writeSidecar", err)
	}
	return nil
}

// SetPerceptualHash updates an existing sidecar with a computed phash,
// used by the fingerprint package once an image has been downloaded.
func (s *Store) SetPerceptualHash(mediaPath, phash string) error {
	sidecarPath := sidecarPathFor(mediaPath)
	existing, err := s.readSidecar(sidecarPath)
	if err != nil {
		return errs.New(errs.Storage, "media.Store.SetPerceptualHash", err)
	}
	existing.PerceptualHash = &phash
	return s.writeSidecar(mediaPath, existing)
}

func (s *Store) readSidecar(sidecarPath string) (*Sidecar, error) {
	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		return nil, err
	}
	var sc Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func sidecarPathFor(mediaPath string) string {
	ext := filepath.Ext(mediaPath)
	return strings.TrimSuffix(mediaPath, ext) + ".json"
}

// ExtFromMIME returns a file extension for common MIME types, falling
// back to the empty string (kept unextended) for unrecognised types.
func ExtFromMIME(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(mime, "image/png"):
		return ".png"
	case strings.HasPrefix(mime, "image/gif"):
		return ".gif"
	case strings.HasPrefix(mime, "image/webp"):
		return ".webp"
	case strings.HasPrefix(mime, "video/mp4"):
		return ".mp4"
	case strings.HasPrefix(mime, "audio/mpeg"), strings.HasPrefix(mime, "audio/mp3"):
		return ".mp3"
	case strings.HasPrefix(mime, "audio/ogg"):
		return ".ogg"
	case strings.HasPrefix(mime, "application/pdf"):
		return ".pdf"
	default:
		return ""
	}
}
