// Package discovery implements the Discovery Crawler (spec §4.7): a
// bounded breadth-first expansion from a seed set of entities, scoring
// candidates by inbound-reference count, invite-link presence, depth, and
// operator keyword match, persisting the observed entity graph as it goes.
// It has no teacher analogue; the per-entity transaction shape follows
// pkg/spectra/archive's runOneBatch, grounded on pkg/spectra/store's Tx
// contract.
package discovery

import (
	"container/heap"
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/swordintel/spectra/pkg/spectra/errs"
	"github.com/swordintel/spectra/pkg/spectra/registry"
	"github.com/swordintel/spectra/pkg/spectra/store"
	"github.com/swordintel/spectra/pkg/spectra/telegram"
)

// Job is one DiscoveryJob row (spec §3).
type Job struct {
	ID               string
	Seeds            []string
	MaxDepth         int // 0 = unbounded
	MaxEntities      int // 0 = unbounded
	ScanMessageLimit int // default 1000
	IncludePrivate   bool
	IncludePublic    bool
	AutoJoinPublic   bool
	Keyword          string // operator-provided title/description match, spec §4.7 weight 0.1
}

// Crawler runs discovery jobs against a dialed telegram.Client. A Crawler
// holds the in-memory frontier for every job it has seen; the scheduler
// adapter re-submits a job's RunBatch call until it reports done, matching
// the per-popped-entity commit shape spec §4.7 describes.
type Crawler struct {
	st *store.Store

	mu        sync.Mutex
	frontiers map[string]*frontier

	// OnEntityJoined is invoked after this account successfully joins a
	// newly discovered public entity (spec §4.6.1/§9: "Discovery emits
	// EntityJoined(entity); Forwarder's invitation sub-pipeline
	// subscribes. No direct call path."). nil disables the event.
	OnEntityJoined func(entityID int64)
}

// New builds a Crawler over an open Store.
func New(st *store.Store) *Crawler {
	return &Crawler{st: st, frontiers: make(map[string]*frontier)}
}

// candidate is one entry in a job's priority queue: an unresolved
// reference waiting to be popped, resolved, and expanded.
type candidate struct {
	ref          string
	depth        int
	inboundRefs  int
	hasInvite    bool
	keywordMatch bool
	index        int
}

// score implements spec §4.7's weighting: inbound references (0.4),
// invite-link presence (0.3), depth penalty (-0.2 per level), keyword
// match (0.1).
func (c *candidate) score() float64 {
	s := 0.4*float64(c.inboundRefs) - 0.2*float64(c.depth)
	if c.hasInvite {
		s += 0.3
	}
	if c.keywordMatch {
		s += 0.1
	}
	return s
}

// priorityQueue is a container/heap.Interface max-heap by candidate.score.
// Nothing in the pack supplies a priority queue, so this is the one place
// this package reaches for the standard library over a pack dependency.
type priorityQueue []*candidate

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool   { return pq[i].score() > pq[j].score() }
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	c := x.(*candidate)
	c.index = len(*pq)
	*pq = append(*pq, c)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return c
}

// frontier is one job's in-memory BFS state: a priority queue plus
// dedup-by-reference bookkeeping so the same candidate merges its inbound
// reference count instead of re-enqueuing.
type frontier struct {
	pq        priorityQueue
	byRef     map[string]*candidate
	processed int
}

func newFrontier(job *Job) *frontier {
	fr := &frontier{byRef: make(map[string]*candidate)}
	heap.Init(&fr.pq)
	for _, seed := range job.Seeds {
		fr.merge(seed, 0, false, false)
	}
	return fr
}

// merge adds a new reference to the frontier or, if already queued, bumps
// its inbound-reference count and re-heapifies (spec §4.7: "inbound
// references seen so far").
func (fr *frontier) merge(ref string, depth int, invite, keywordMatch bool) {
	if c, ok := fr.byRef[ref]; ok {
		c.inboundRefs++
		if invite {
			c.hasInvite = true
		}
		heap.Fix(&fr.pq, c.index)
		return
	}
	c := &candidate{ref: ref, depth: depth, inboundRefs: 1, hasInvite: invite, keywordMatch: keywordMatch}
	fr.byRef[ref] = c
	heap.Push(&fr.pq, c)
}

func (fr *frontier) pop() *candidate {
	if fr.pq.Len() == 0 {
		return nil
	}
	c := heap.Pop(&fr.pq).(*candidate)
	delete(fr.byRef, c.ref)
	return c
}

func (c *Crawler) frontierFor(job *Job) *frontier {
	c.mu.Lock()
	defer c.mu.Unlock()
	fr, ok := c.frontiers[job.ID]
	if !ok {
		fr = newFrontier(job)
		c.frontiers[job.ID] = fr
	}
	return fr
}

// RunBatch pops and processes one candidate entity, per spec §4.7's
// numbered algorithm, committing the entity row and any newly observed
// edges in a single transaction, and reports done once the frontier is
// exhausted or a bound is reached.
func (c *Crawler) RunBatch(ctx context.Context, client *telegram.Client, account *registry.Account, job *Job) (done bool, err error) {
	select {
	case <-ctx.Done():
		return false, errs.New(errs.Cancelled, "discovery.RunBatch", ctx.Err())
	default:
	}

	scanLimit := job.ScanMessageLimit
	if scanLimit <= 0 {
		scanLimit = 1000
	}

	fr := c.frontierFor(job)
	if job.MaxEntities > 0 && fr.processed >= job.MaxEntities {
		return true, nil
	}

	cand := fr.pop()
	if cand == nil {
		return true, nil
	}

	// Step 1: lease is the caller's (scheduler already leased account);
	// resolve the popped entity fresh and record its AccessRecord.
	entity, err := client.ResolveEntity(ctx, cand.ref)
	if err != nil {
		// A reference that no longer resolves does not abort the crawl;
		// it is simply dropped and the next candidate is tried on the
		// job's next RunBatch call.
		if errs.Is(err, errs.EntityAccess) {
			return fr.pq.Len() == 0, nil
		}
		return false, err
	}

	tx, err := c.st.Begin(ctx, false)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Apply(ctx, `INSERT INTO entities (id, account_id, access_hash, title, kind, first_seen_at, last_seen_at, discovery_depth, priority_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id, account_id) DO UPDATE SET access_hash = excluded.access_hash, title = excluded.title,
				last_seen_at = excluded.last_seen_at, priority_score = excluded.priority_score`,
		entity.ID, account.ID, entity.AccessHash, entity.Title, entity.Kind, now, now, cand.depth, cand.score()); err != nil {
		return false, err
	}
	if _, err := tx.Apply(ctx, `INSERT INTO access_records (account_id, entity_id, access_hash, last_seen_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(account_id, entity_id) DO UPDATE SET access_hash = excluded.access_hash, last_seen_at = excluded.last_seen_at`,
		account.ID, entity.ID, entity.AccessHash, now); err != nil {
		return false, err
	}

	// Step 2: optionally join public entities according to operator
	// policy. Best-effort: a join failure narrows what can be scanned
	// next time but never aborts the crawl.
	joined := false
	if job.AutoJoinPublic && job.IncludePublic && entity.Kind != "chat" {
		joined = client.Join(ctx, *entity) == nil
	}

	atDepthBound := job.MaxDepth > 0 && cand.depth >= job.MaxDepth
	if !atDepthBound {
		if err := c.expand(ctx, tx, client, *entity, cand, fr, job, scanLimit, now); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	// OnEntityJoined writes through the Store itself, so it runs only after
	// this batch's transaction has released the connection.
	if joined && c.OnEntityJoined != nil {
		c.OnEntityJoined(entity.ID)
	}

	fr.processed++
	done = fr.pq.Len() == 0 || (job.MaxEntities > 0 && fr.processed >= job.MaxEntities)
	return done, nil
}

// expand performs spec §4.7 steps 3-4: scan the entity's most recent
// messages for references, persist an edge for every reference that
// resolves, and merge newly discovered entities into the frontier.
func (c *Crawler) expand(ctx context.Context, tx *store.Tx, client *telegram.Client, entity telegram.ResolvedEntity, cand *candidate, fr *frontier, job *Job, scanLimit int, now time.Time) error {
	batch, err := client.FetchHistory(ctx, entity, 0, scanLimit)
	if err != nil {
		return err
	}

	seenInBatch := make(map[string]bool)
	for _, msg := range batch.Messages {
		for _, ref := range extractReferences(msg.Text) {
			if seenInBatch[ref.text] {
				continue
			}
			seenInBatch[ref.text] = true

			if ref.invite {
				// Invite-hash links (t.me/+..., t.me/joinchat/...) cannot
				// be resolved by username lookup; importing them needs a
				// ChatInvite wrapper pkg/spectra/telegram does not expose
				// yet, so they are skipped rather than persisted as a
				// half-known edge.
				continue
			}

			target, err := client.ResolveEntity(ctx, ref.text)
			if err != nil {
				if errs.Is(err, errs.EntityAccess) {
					continue
				}
				return err
			}
			if target.ID == entity.ID {
				continue
			}

			if _, err := tx.Apply(ctx, `INSERT INTO discovery_edges (source_entity_id, target_entity_id, observed_at, context)
					VALUES (?, ?, ?, ?)
					ON CONFLICT(source_entity_id, target_entity_id) DO UPDATE SET observed_at = excluded.observed_at`,
				entity.ID, target.ID, now, "mention"); err != nil {
				return err
			}

			if c.alreadyVisited(ctx, tx, target.ID) {
				continue
			}
			keywordMatch := job.Keyword != "" && strings.Contains(strings.ToLower(target.Title), strings.ToLower(job.Keyword))
			fr.merge(ref.text, cand.depth+1, ref.invite, keywordMatch)
		}
	}
	return nil
}

func (c *Crawler) alreadyVisited(ctx context.Context, tx *store.Tx, entityID int64) bool {
	rows, err := tx.Query(ctx, `SELECT 1 FROM entities WHERE id = ? LIMIT 1`, entityID)
	if err != nil {
		return false
	}
	defer rows.Close()
	return rows.Next()
}

// reference is one extracted candidate mention from a message's text.
type reference struct {
	text   string
	invite bool
}

var (
	inviteLinkRe = regexp.MustCompile(`t\.me/(\+[A-Za-z0-9_-]+|joinchat/[A-Za-z0-9_-]+)`)
	usernameLinkRe = regexp.MustCompile(`t\.me/([A-Za-z][A-Za-z0-9_]{4,31})`)
	mentionRe    = regexp.MustCompile(`@([A-Za-z][A-Za-z0-9_]{4,31})`)
)

// extractReferences scans text for t.me links and @username mentions
// (spec §4.7 step 3). Forwarded-from headers are not yet modelled by
// pkg/spectra/telegram's Message type (gotd/td exposes them only as a
// bare peer id with no access hash, unresolvable without an extra round
// trip this wrapper does not yet make) and so are not scanned here.
func extractReferences(text string) []reference {
	if text == "" {
		return nil
	}
	var out []reference
	for _, m := range inviteLinkRe.FindAllString(text, -1) {
		out = append(out, reference{text: m, invite: true})
	}
	for _, m := range usernameLinkRe.FindAllStringSubmatch(text, -1) {
		out = append(out, reference{text: "@" + m[1]})
	}
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		out = append(out, reference{text: "@" + m[1]})
	}
	return out
}
