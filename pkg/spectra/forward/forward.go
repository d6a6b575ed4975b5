// Package forward implements the Deduplicating Forwarder (spec §4.6): it
// copies messages from one or more source entities to a destination,
// skipping exact and near-duplicates, with at-most-once delivery semantics
// to the primary destination and best-effort fan-out to secondary targets.
package forward

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/swordintel/spectra/pkg/spectra/errs"
	"github.com/swordintel/spectra/pkg/spectra/fingerprint"
	"github.com/swordintel/spectra/pkg/spectra/store"
	"github.com/swordintel/spectra/pkg/spectra/telegram"
)

// Mode selects the Forwarder's source-resolution strategy (spec §4.6).
type Mode string

const (
	ModeSelective         Mode = "selective"
	ModeTotal             Mode = "total"
	ModeDiscoverAndForward Mode = "discover_and_forward"
)

// GroupStrategy selects the shunt-grouping predicate applied before
// fingerprinting (spec §4.6's "Grouping (shunt) semantics").
type GroupStrategy string

const (
	GroupNone     GroupStrategy = ""
	GroupFilename GroupStrategy = "filename"
	GroupTime     GroupStrategy = "time"
)

// Options configures one forward run.
type Options struct {
	Mode                       Mode
	EnableDeduplication        bool
	Thresholds                 fingerprint.Thresholds
	PrependOriginInfo          bool
	CopyNotForward             bool
	SecondaryUniqueDestination int64 // 0 = unset
	ForwardToAllSaved          bool
	Group                      GroupStrategy
	GroupWindow                time.Duration // used by GroupTime
	MaxDepth                   int           // used by ModeDiscoverAndForward
}

// Job is one ForwardJob row (spec §3).
type Job struct {
	ID                string
	SourceEntityID    int64
	DestinationEntityID int64
	Options           Options
	ProgressCursor    int
}

// Forwarder runs forward jobs against a dialed telegram.Client.
type Forwarder struct {
	st *store.Store
}

// New builds a Forwarder over an open Store.
func New(st *store.Store) *Forwarder {
	return &Forwarder{st: st}
}

// RunBatch forwards up to batchSize source messages after job's progress
// cursor, applying spec §4.6's per-message algorithm, and returns done=true
// once no further source messages remain.
func (f *Forwarder) RunBatch(ctx context.Context, client *telegram.Client, job *Job, batchSize int) (done bool, err error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	src, err := client.ResolveEntity(ctx, fmt.Sprintf("%d", job.SourceEntityID))
	if err != nil {
		return false, err
	}
	dst, err := client.ResolveEntity(ctx, fmt.Sprintf("%d", job.DestinationEntityID))
	if err != nil {
		return false, err
	}

	messages, err := f.loadSourceMessages(ctx, job.SourceEntityID, job.ProgressCursor, batchSize)
	if err != nil {
		return false, err
	}
	if len(messages) == 0 {
		return true, nil
	}

	units := groupMessages(messages, job.Options.Group, job.Options.GroupWindow)

	maxCursor := job.ProgressCursor
	for _, unit := range units {
		select {
		case <-ctx.Done():
			return false, errs.New(errs.Cancelled, "forward.RunBatch", ctx.Err())
		default:
		}

		if err := f.deliverUnit(ctx, client, *src, *dst, job, unit); err != nil {
			return false, err
		}
		for _, m := range unit {
			if m.id > maxCursor {
				maxCursor = m.id
			}
		}
	}

	tx, err := f.st.Begin(ctx, false)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Apply(ctx, `UPDATE forward_jobs SET progress_cursor = ? WHERE id = ?`, maxCursor, job.ID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	job.ProgressCursor = maxCursor

	return len(messages) < batchSize, nil
}

// sourceMessage is the subset of a stored messages row the Forwarder needs.
type sourceMessage struct {
	id         int
	senderID   int64
	text       string
	postedAt   time.Time
	mediaSHA   string
	mediaMIME  string
	filename   string
}

func (f *Forwarder) loadSourceMessages(ctx context.Context, entityID int64, afterID, limit int) ([]sourceMessage, error) {
	rows, err := f.st.QueryCtx(ctx, `SELECT m.message_id, m.sender_id, m.text, m.posted_at,
			COALESCE(mo.sha256, ''), COALESCE(mo.mime, ''), COALESCE(mo.original_filename, '')
		FROM messages m LEFT JOIN media_objects mo ON mo.id = m.media_id
		WHERE m.entity_id = ? AND m.message_id > ?
		ORDER BY m.message_id ASC LIMIT ?`, entityID, afterID, limit)
	if err != nil {
		return nil, errs.New(errs.Storage, "forward.loadSourceMessages", err)
	}
	defer rows.Close()

	var out []sourceMessage
	for rows.Next() {
		var m sourceMessage
		if err := rows.Scan(&m.id, &m.senderID, &m.text, &m.postedAt, &m.mediaSHA, &m.mediaMIME, &m.filename); err != nil {
			return nil, errs.New(errs.Storage, "forward.loadSourceMessages", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// deliverUnit runs spec §4.6's steps 1-7 for one fingerprinting unit (a
// single message, or a shunt-grouped batch).
func (f *Forwarder) deliverUnit(ctx context.Context, client *telegram.Client, src, dst telegram.ResolvedEntity, job *Job, unit []sourceMessage) error {
	canon := canonicalFor(unit)
	sum := fingerprint.SHA256(canon)

	if job.Options.EnableDeduplication {
		dup, err := f.isDuplicate(ctx, job.DestinationEntityID, sum, canon, job.Options.Thresholds)
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
	}

	text := unit[0].text
	banner := ""
	if job.Options.PrependOriginInfo {
		banner = fmt.Sprintf("[Forwarded from %s (id:%d)]", src.Title, src.ID)
		text = banner + "\n" + text
	}

	if err := client.Forward(ctx, src, dst, unit[0].id, text, telegram.ForwardOptions{
		CopyNotForward: job.Options.CopyNotForward,
		OriginBanner:   banner,
	}); err != nil {
		return err
	}

	if err := f.commitFingerprint(ctx, job.DestinationEntityID, sum, canon, src.ID); err != nil {
		return err
	}

	if job.Options.SecondaryUniqueDestination != 0 {
		secDst, err := client.ResolveEntity(ctx, fmt.Sprintf("%d", job.Options.SecondaryUniqueDestination))
		if err == nil {
			_ = client.Forward(ctx, src, *secDst, unit[0].id, text, telegram.ForwardOptions{CopyNotForward: job.Options.CopyNotForward})
		}
	}

	if job.Options.ForwardToAllSaved {
		f.bestEffortSavedFanout(ctx, client, text)
	}

	return nil
}

// bestEffortSavedFanout delivers text to the Saved Messages of the account
// behind the already-dialed client, never affecting the primary outcome
// (spec §4.6 step 7). Other accounts' Saved Messages are not reached: no
// layer iterates the Registry for this fan-out.
func (f *Forwarder) bestEffortSavedFanout(ctx context.Context, client *telegram.Client, text string) {
	_ = client.SendToSavedMessages(ctx, text)
}

func (f *Forwarder) isDuplicate(ctx context.Context, destEntityID int64, sum string, canon fingerprint.Canonical, th fingerprint.Thresholds) (bool, error) {
	var existing string
	row := f.st.QueryRowCtx(ctx, `SELECT sha256 FROM forward_fingerprints WHERE destination_id = ? AND sha256 = ?`, destEntityID, sum)
	if err := row.Scan(&existing); err == nil {
		return true, nil
	} else if err != sql.ErrNoRows {
		return false, errs.New(errs.Storage, "forward.isDuplicate", err)
	}

	if canon.MediaSHA256 == "" && canon.Text == "" {
		return false, nil
	}

	rows, err := f.st.QueryCtx(ctx, `SELECT perceptual_hash, fuzzy_hash FROM forward_fingerprints WHERE destination_id = ? AND (perceptual_hash IS NOT NULL OR fuzzy_hash IS NOT NULL)`, destEntityID)
	if err != nil {
		return false, errs.New(errs.Storage, "forward.isDuplicate", err)
	}
	defer rows.Close()

	candidatePHash, hasPHash := imageFingerprintHex(canon)
	candidateFuzzy, hasFuzzy := textFingerprintHex(canon)

	for rows.Next() {
		var phash, fhash sql.NullString
		if err := rows.Scan(&phash, &fhash); err != nil {
			return false, errs.New(errs.Storage, "forward.isDuplicate", err)
		}
		if hasPHash && phash.Valid {
			existingHash, ok := parseHex64(phash.String)
			if ok && th.IsNearDuplicateImage(candidatePHash, existingHash) {
				return true, nil
			}
		}
		if hasFuzzy && fhash.Valid {
			existingHash, ok := parseHex64(fhash.String)
			if ok && th.IsNearDuplicateText(candidateFuzzy, existingHash) {
				return true, nil
			}
		}
	}
	return false, rows.Err()
}

func (f *Forwarder) commitFingerprint(ctx context.Context, destEntityID int64, sum string, canon fingerprint.Canonical, originEntityID int64) error {
	tx, err := f.st.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var phash, fhash any
	if h, ok := imageFingerprintHex(canon); ok {
		phash = formatHex64(h)
	}
	if h, ok := textFingerprintHex(canon); ok {
		fhash = formatHex64(h)
	}

	if _, err := tx.Apply(ctx, `INSERT INTO forward_fingerprints (destination_id, sha256, perceptual_hash, fuzzy_hash, first_seen_at, origin_entity_id, forwarded_to)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(destination_id, sha256) DO NOTHING`,
		destEntityID, sum, phash, fhash, time.Now(), originEntityID, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func canonicalFor(unit []sourceMessage) fingerprint.Canonical {
	first := unit[0]
	return fingerprint.Canonical{
		Text:        first.text,
		MediaSHA256: first.mediaSHA,
		MediaMIME:   first.mediaMIME,
	}
}

// groupMessages partitions messages into fingerprinting units per spec
// §4.6's shunt semantics: "filename" groups messages whose filenames share
// the same stem (the name without its last extension), "time" groups by
// same sender within window seconds. Names that differ only by a sequential
// suffix ("a_1.jpg", "a_2.jpg") have different stems and are not grouped.
func groupMessages(messages []sourceMessage, strategy GroupStrategy, window time.Duration) [][]sourceMessage {
	switch strategy {
	case GroupFilename:
		return groupByFilename(messages)
	case GroupTime:
		return groupByTime(messages, window)
	default:
		units := make([][]sourceMessage, len(messages))
		for i, m := range messages {
			units[i] = []sourceMessage{m}
		}
		return units
	}
}

func groupByFilename(messages []sourceMessage) [][]sourceMessage {
	byStem := make(map[string][]sourceMessage)
	var order []string
	for _, m := range messages {
		stem := filenameStem(m.filename)
		if _, ok := byStem[stem]; !ok {
			order = append(order, stem)
		}
		byStem[stem] = append(byStem[stem], m)
	}
	out := make([][]sourceMessage, 0, len(order))
	for _, stem := range order {
		out = append(out, byStem[stem])
	}
	return out
}

func filenameStem(name string) string {
	if name == "" {
		return "\x00no-filename"
	}
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i]
		}
	}
	return name
}

func groupByTime(messages []sourceMessage, window time.Duration) [][]sourceMessage {
	if window <= 0 {
		window = 30 * time.Second
	}
	var out [][]sourceMessage
	for _, m := range messages {
		if len(out) > 0 {
			last := out[len(out)-1]
			lastMsg := last[len(last)-1]
			if lastMsg.senderID == m.senderID && m.postedAt.Sub(lastMsg.postedAt) <= window {
				out[len(out)-1] = append(out[len(out)-1], m)
				continue
			}
		}
		out = append(out, []sourceMessage{m})
	}
	return out
}

// imageFingerprintHex is a hook for perceptual-hash comparison; it needs
// the decoded source image, which this package never holds (messages are
// fingerprinted from their stored sha-256/mime, not re-fetched media
// bytes). It always reports no hash: the archive pipeline stores
// perceptual_hash as NULL and nothing calls fingerprint.PerceptualHash, so
// image near-duplicate comparison never applies.
func imageFingerprintHex(canon fingerprint.Canonical) (uint64, bool) {
	return 0, false
}

func textFingerprintHex(canon fingerprint.Canonical) (uint64, bool) {
	if canon.Text == "" {
		return 0, false
	}
	return fingerprint.FuzzyHash(canon.Text), true
}

func parseHex64(s string) (uint64, bool) {
	var v uint64
	_, err := fmt.Sscanf(s, "%x", &v)
	return v, err == nil
}

func formatHex64(v uint64) string {
	return fmt.Sprintf("%016x", v)
}

// AccountIDForSource resolves which account has access to entityID for
// "total" mode (spec §4.6: "using an account known to have access"),
// sourced from AccessRecord rather than whichever account the Scheduler
// happened to lease (§9 Open Question decision 3: per-source account
// selection wins over reusing the leased account). Returns the
// most-recently-seen AccessRecord when more than one account has access.
func AccountIDForSource(ctx context.Context, st *store.Store, entityID int64) (int64, error) {
	row := st.QueryRowCtx(ctx, `SELECT account_id FROM access_records WHERE entity_id = ? ORDER BY last_seen_at DESC LIMIT 1`, entityID)
	var accountID int64
	if err := row.Scan(&accountID); err != nil {
		if err == sql.ErrNoRows {
			return 0, errs.New(errs.EntityAccess, "forward.AccountIDForSource", fmt.Errorf("no account has access to entity %d", entityID))
		}
		return 0, errs.New(errs.Storage, "forward.AccountIDForSource", err)
	}
	return accountID, nil
}

// AccessibleSources lists every entity id any account has recorded access
// to, for "total" mode's AccessRecord iteration (spec §4.6).
func AccessibleSources(ctx context.Context, st *store.Store) ([]int64, error) {
	rows, err := st.QueryCtx(ctx, `SELECT DISTINCT entity_id FROM access_records`)
	if err != nil {
		return nil, errs.New(errs.Storage, "forward.AccessibleSources", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errs.New(errs.Storage, "forward.AccessibleSources", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
