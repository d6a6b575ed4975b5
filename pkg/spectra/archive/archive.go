// Package archive implements the Archival Pipeline (spec §4.5): a
// resumable per-entity message fetcher writing messages, media, and
// checkpoints in fixed-size committed batches, with an offline-verifiable
// integrity summary on completion.
package archive

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"io"
	"time"

	"github.com/swordintel/spectra/pkg/spectra/errs"
	"github.com/swordintel/spectra/pkg/spectra/media"
	"github.com/swordintel/spectra/pkg/spectra/registry"
	"github.com/swordintel/spectra/pkg/spectra/store"
	"github.com/swordintel/spectra/pkg/spectra/telegram"
)

// Options controls one archive run (spec §4.5's "options (media, avatars,
// topics, batch size, sleep)").
type Options struct {
	DownloadMedia bool
	MaxMediaBytes int64
	ArchiveTopics bool
	BatchSize     int
	InterBatchDelay time.Duration
}

// DefaultOptions returns the spec §4.5 defaults (batch size 200).
func DefaultOptions() Options {
	return Options{DownloadMedia: true, MaxMediaBytes: 50 << 20, BatchSize: 200}
}

// Job is one ArchiveJob row (spec §3), the payload a scheduler.Job carries
// for archival work.
type Job struct {
	ID             string
	TargetEntityID int64
	EntityRef      string // resolvable reference (@username, link, or id) for the first resolve
	Options        Options
}

// Summary is the offline-verifiable completion report spec §4.5 mandates:
// "count, min id, max id, total media bytes, sha-256 of concatenated
// per-message checksums in id order."
type Summary struct {
	Count           int
	MinID           int
	MaxID           int
	TotalMediaBytes int64
	ChecksumDigest  string
}

// Pipeline runs archive jobs. The scheduler drives it through the
// pipelineRunner adapter in cmd/spectra/commands.
type Pipeline struct {
	st        *store.Store
	mediaRoot *media.Store
}

// New builds an archive Pipeline over an open Store and media root.
func New(st *store.Store, mediaRoot *media.Store) *Pipeline {
	return &Pipeline{st: st, mediaRoot: mediaRoot}
}

// RunBatch drives one committed batch of job against an already-dialed
// client, for the given checkpoint context (spec §4.5 step 5: topic
// threads get their own context "archive:topic:<id>"; the top-level
// history uses "archive"). The scheduler adapter (pkg/spectra/scheduler's
// Runner glue, built in cmd/spectra) re-submits the job until done.
func (p *Pipeline) RunBatch(ctx context.Context, client *telegram.Client, account *registry.Account, job *Job, checkpointContext string) (done bool, err error) {
	return p.runOneBatch(ctx, client, account, job, checkpointContext)
}

// runOneBatch performs spec §4.5 steps 1-4 for one committed batch,
// returning done=true once the entity's history is fully fetched.
func (p *Pipeline) runOneBatch(ctx context.Context, client *telegram.Client, account *registry.Account, job *Job, checkpointContext string) (bool, error) {
	entity, err := p.resolveWithAccessRecord(ctx, client, account, job)
	if err != nil {
		return false, err
	}

	lastFetched, err := p.loadCheckpoint(ctx, job.TargetEntityID, checkpointContext)
	if err != nil {
		return false, err
	}

	batchSize := job.Options.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}
	batch, err := client.FetchHistory(ctx, *entity, lastFetched, batchSize)
	if err != nil {
		return false, err
	}
	if len(batch.Messages) == 0 {
		return true, nil
	}

	tx, err := p.st.Begin(ctx, false)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	maxID := lastFetched
	for _, msg := range batch.Messages {
		select {
		case <-ctx.Done():
			return false, errs.New(errs.Cancelled, "archive.runOneBatch", ctx.Err())
		default:
		}

		var mediaID any
		var mediaBytes int64
		if msg.Media != nil && job.Options.DownloadMedia && msg.Media.Size <= job.Options.MaxMediaBytes {
			sidecar, derr := p.downloadOne(ctx, client, *entity, msg)
			if derr != nil {
				return false, derr
			}
			mediaID = sidecar.ID
			mediaBytes = sidecar.Size
			ext := media.ExtFromMIME(msg.Media.MIME)
			if _, err = tx.Apply(ctx, `INSERT INTO media_objects (id, mime, size, file_path, original_filename, sha256, perceptual_hash, fuzzy_hash)
				VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)
				ON CONFLICT(id) DO NOTHING`,
				sidecar.ID, sidecar.Mime, sidecar.Size, p.mediaRoot.PathFor(media.Source{Entity: entity.ID, Message: int64(msg.ID)}, msg.Date, ext), msg.Media.Name, sidecar.SHA256); err != nil {
				return false, err
			}
		}

		checksum := messageChecksum(msg, mediaID)
		kind := "text"
		if mediaID != nil {
			kind = "media"
		}
		_, err = tx.Apply(ctx, `INSERT INTO messages (entity_id, message_id, sender_id, kind, posted_at, edited_at, text, reply_to, media_id, checksum)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id, message_id) DO UPDATE SET edited_at = excluded.edited_at, text = excluded.text, checksum = excluded.checksum`,
			job.TargetEntityID, msg.ID, msg.SenderID, kind, msg.Date, nullableTime(msg.EditDate), msg.Text, nullableInt(msg.ReplyTo), mediaID, checksum)
		if err != nil {
			return false, err
		}

		if msg.ID > maxID {
			maxID = msg.ID
		}
		_ = mediaBytes
	}

	if _, err := tx.Apply(ctx, `INSERT INTO checkpoints (entity_id, context, last_fetched_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_id, context) DO UPDATE SET last_fetched_id = excluded.last_fetched_id, updated_at = excluded.updated_at`,
		job.TargetEntityID, checkpointContext, maxID, time.Now()); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	return batch.Done, nil
}

func (p *Pipeline) downloadOne(ctx context.Context, client *telegram.Client, entity telegram.ResolvedEntity, msg telegram.Message) (*media.Sidecar, error) {
	pr, pw := io.Pipe()
	errCh := make(chan error, 1)
	go func() {
		_, derr := client.Download(ctx, entity, msg.ID, pw)
		pw.CloseWithError(derr)
		errCh <- derr
	}()

	ext := media.ExtFromMIME(msg.Media.MIME)
	sidecar, err := p.mediaRoot.Save(ctx, pr, media.Source{Entity: entity.ID, Message: int64(msg.ID)}, msg.Date, ext, msg.Media.MIME)
	if derr := <-errCh; derr != nil && err == nil {
		err = derr
	}
	if err != nil {
		return nil, err
	}
	return sidecar, nil
}

func (p *Pipeline) resolveWithAccessRecord(ctx context.Context, client *telegram.Client, account *registry.Account, job *Job) (*telegram.ResolvedEntity, error) {
	var accessHash sql.NullInt64
	row := p.st.QueryRowCtx(ctx, `SELECT access_hash FROM access_records WHERE entity_id = ? ORDER BY last_seen_at DESC LIMIT 1`, job.TargetEntityID)
	_ = row.Scan(&accessHash)

	entity, err := client.ResolveEntity(ctx, job.EntityRef)
	if err != nil {
		return nil, err
	}

	tx, err := p.st.Begin(ctx, false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.Apply(ctx, `INSERT INTO access_records (account_id, entity_id, access_hash, last_seen_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, entity_id) DO UPDATE SET access_hash = excluded.access_hash, last_seen_at = excluded.last_seen_at`,
		account.ID, entity.ID, entity.AccessHash, time.Now()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entity, nil
}

func (p *Pipeline) loadCheckpoint(ctx context.Context, entityID int64, checkpointContext string) (int, error) {
	row := p.st.QueryRowCtx(ctx, `SELECT last_fetched_id FROM checkpoints WHERE entity_id = ? AND context = ?`, entityID, checkpointContext)
	var last int
	if err := row.Scan(&last); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, errs.New(errs.Storage, "archive.loadCheckpoint", err)
	}
	return last, nil
}

// Verify computes the offline-verifiable Summary spec §4.5 mandates by
// reading back every stored message row for entityID in id order.
func (p *Pipeline) Verify(ctx context.Context, entityID int64) (*Summary, error) {
	rows, err := p.st.QueryCtx(ctx, `SELECT message_id, checksum FROM messages WHERE entity_id = ? ORDER BY message_id ASC`, entityID)
	if err != nil {
		return nil, errs.New(errs.Storage, "archive.Verify", err)
	}
	defer rows.Close()

	h := sha256.New()
	var sum Summary
	first := true
	for rows.Next() {
		var id int
		var checksum string
		if err := rows.Scan(&id, &checksum); err != nil {
			return nil, errs.New(errs.Storage, "archive.Verify", err)
		}
		if first {
			sum.MinID = id
			first = false
		}
		sum.MaxID = id
		sum.Count++
		h.Write([]byte(checksum))
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.Storage, "archive.Verify", err)
	}
	sum.ChecksumDigest = hex.EncodeToString(h.Sum(nil))

	var mediaBytes sql.NullInt64
	mrow := p.st.QueryRowCtx(ctx, `SELECT COALESCE(SUM(mo.size), 0) FROM messages m JOIN media_objects mo ON mo.id = m.media_id WHERE m.entity_id = ?`, entityID)
	if err := mrow.Scan(&mediaBytes); err == nil {
		sum.TotalMediaBytes = mediaBytes.Int64
	}
	return &sum, nil
}

func messageChecksum(msg telegram.Message, mediaID any) string {
	h := sha256.New()
	h.Write([]byte(msg.Text))
	if s, ok := mediaID.(string); ok {
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
