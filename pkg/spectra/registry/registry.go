package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/swordintel/spectra/pkg/spectra/errs"
	"github.com/swordintel/spectra/pkg/spectra/logging"
	"github.com/swordintel/spectra/pkg/spectra/store"
)

// Credentials is one entry of the operator's accounts[] config array (§6).
type Credentials struct {
	APIID       int
	APIHash     string
	SessionName string
	PhoneNumber string
	Password    string
}

// Mode selects the account-picking strategy, shared with the Scheduler
// (§4.4): round_robin, smart, or pinned.
type Mode string

const (
	ModeRoundRobin Mode = "round_robin"
	ModeSmart      Mode = "smart"
	ModePinned     Mode = "pinned"
)

// Policy parameterises Lease.
type Policy struct {
	Mode          Mode
	PinnedAccount string // session_name, used when Mode == ModePinned
}

// EventKind enumerates the events Record() accepts (§4.2).
type EventKind string

const (
	EventFloodWait EventKind = "flood_wait"
	EventAuthFail  EventKind = "auth_fail"
	EventBanned    EventKind = "banned"
	EventSuccess   EventKind = "success"
)

// Event is one health-affecting observation about an account.
type Event struct {
	Kind      EventKind
	AccountID int64
	After     time.Duration // meaningful for EventFloodWait
}

// Registry is the Credential & Session Registry (§4.2).
type Registry struct {
	st       *store.Store
	sessions *SessionStore
	scrubber *logging.Scrubber
	logger   *slog.Logger

	mu          sync.Mutex
	leased      map[int64]bool
	rrCursor    int
	rrOrder     []int64
}

// New constructs a Registry over an open Store and session directory.
func New(st *store.Store, sessionDir string, scrubber *logging.Scrubber, logger *slog.Logger) (*Registry, error) {
	sessions, err := OpenSessionStore(sessionDir)
	if err != nil {
		return nil, err
	}
	return &Registry{
		st:       st,
		sessions: sessions,
		scrubber: scrubber,
		logger:   logger,
		leased:   make(map[int64]bool),
	}, nil
}

// Import upserts account rows, keyed by session name. It never overwrites a
// stored (non-empty) api_hash with a blank one, and never touches session
// material (§4.2).
func (r *Registry) Import(ctx context.Context, creds []Credentials) error {
	for _, c := range creds {
		if r.scrubber != nil {
			r.scrubber.Track(c.APIHash)
			r.scrubber.Track(c.PhoneNumber)
			r.scrubber.Track(c.Password)
		}

		var existingID int64
		var existingHash string
		row := r.st.QueryRowCtx(ctx, `SELECT id, api_hash FROM accounts WHERE session_name = ?`, c.SessionName)
		scanErr := row.Scan(&existingID, &existingHash)

		tx, err := r.st.Begin(ctx, false)
		if err != nil {
			return err
		}

		switch scanErr {
		case sql.ErrNoRows:
			_, err = tx.Apply(ctx, `INSERT INTO accounts (session_name, api_id, api_hash, phone_number, password, health_state)
				VALUES (?, ?, ?, ?, ?, ?)`, c.SessionName, c.APIID, c.APIHash, c.PhoneNumber, nullableString(c.Password), StateActive)
		case nil:
			// Never blank out a good api_hash with an empty incoming one.
			newHash := c.APIHash
			if newHash == "" {
				newHash = existingHash
			}
			_, err = tx.Apply(ctx, `UPDATE accounts SET api_id = ?, api_hash = ?, phone_number = ? WHERE id = ?`,
				c.APIID, newHash, c.PhoneNumber, existingID)
		default:
			tx.Rollback()
			return errs.New(errs.Storage, "Registry.Import", scanErr)
		}

		if err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseFunc is returned by Lease; callers must invoke it exactly once
// when the leased account's work is done.
type ReleaseFunc func()

// Lease selects an eligible, unleased account per policy and marks it
// leased until the returned handle is invoked. At most one lease per
// account is enforced by the in-memory leased set (§4.2, §5).
func (r *Registry) Lease(ctx context.Context, policy Policy) (*Account, ReleaseFunc, error) {
	accounts, err := r.listEligible(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(accounts) == 0 {
		return nil, nil, errs.New(errs.Auth, "Registry.Lease", fmt.Errorf("no eligible account available"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var chosen *Account
	switch policy.Mode {
	case ModePinned:
		for i := range accounts {
			if accounts[i].SessionName == policy.PinnedAccount && !r.leased[accounts[i].ID] {
				chosen = &accounts[i]
				break
			}
		}
		if chosen == nil {
			chosen = r.pickSmart(accounts)
		}
	case ModeSmart:
		chosen = r.pickSmart(accounts)
	default: // round_robin
		chosen = r.pickRoundRobin(accounts)
	}

	if chosen == nil {
		return nil, nil, errs.New(errs.Auth, "Registry.Lease", fmt.Errorf("no unleased eligible account available"))
	}

	r.leased[chosen.ID] = true
	release := func() {
		r.mu.Lock()
		delete(r.leased, chosen.ID)
		r.mu.Unlock()
	}
	return chosen, release, nil
}

// pickSmart implements §4.4: oldest last-used, lowest usage counter tiebreak.
func (r *Registry) pickSmart(accounts []Account) *Account {
	candidates := make([]Account, 0, len(accounts))
	for _, a := range accounts {
		if !r.leased[a.ID] {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := candidates[i].LastUsedAt, candidates[j].LastUsedAt
		switch {
		case li == nil && lj == nil:
			return candidates[i].UsageCounter < candidates[j].UsageCounter
		case li == nil:
			return true
		case lj == nil:
			return false
		case !li.Equal(*lj):
			return li.Before(*lj)
		default:
			return candidates[i].UsageCounter < candidates[j].UsageCounter
		}
	})
	return &candidates[0]
}

// pickRoundRobin implements strict rotation across active accounts,
// keyed by a stable ordering recomputed from the current account list.
func (r *Registry) pickRoundRobin(accounts []Account) *Account {
	ids := make([]int64, len(accounts))
	byID := make(map[int64]Account, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
		byID[a.ID] = a
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for attempt := 0; attempt < len(ids); attempt++ {
		idx := (r.rrCursor + attempt) % len(ids)
		id := ids[idx]
		if !r.leased[id] {
			r.rrCursor = (idx + 1) % len(ids)
			a := byID[id]
			return &a
		}
	}
	return nil
}

// Record applies a health-affecting event (§4.2 state machine).
func (r *Registry) Record(ctx context.Context, ev Event) error {
	tx, err := r.st.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch ev.Kind {
	case EventFloodWait:
		until := time.Now().Add(ev.After)
		_, err = tx.Apply(ctx, `UPDATE accounts SET health_state = ?, cooldown_until = ? WHERE id = ?`,
			StateFloodWaiting, until, ev.AccountID)
	case EventAuthFail:
		_, err = tx.Apply(ctx, `UPDATE accounts SET health_state = ?, cooldown_until = ? WHERE id = ?`,
			StateCooldown, time.Now().Add(time.Hour), ev.AccountID)
	case EventBanned:
		_, err = tx.Apply(ctx, `UPDATE accounts SET health_state = ?, banned = 1 WHERE id = ?`,
			StateBanned, ev.AccountID)
	case EventSuccess:
		_, err = tx.Apply(ctx, `UPDATE accounts SET health_state = ?, usage_counter = usage_counter + 1, last_used_at = ? WHERE id = ? AND health_state != ?`,
			StateActive, time.Now(), ev.AccountID, StateBanned)
	default:
		return errs.New(errs.Configuration, "Registry.Record", fmt.Errorf("unknown event kind %q", ev.Kind))
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// LoadSession returns the session material for sessionName, for the
// caller to hand to the Telegram client wrapper at dial time. An unseen
// session name (first ever login) returns a nil *Session and no error.
func (r *Registry) LoadSession(sessionName string) (*Session, error) {
	return r.sessions.Load(sessionName)
}

// SaveSession persists updated session material after a dial, so a
// renegotiated auth key survives process restart. Session bytes remain
// exclusively owned by the Registry; the lease only ever conveyed a
// handle.
func (r *Registry) SaveSession(sessionName string, s *Session) error {
	return r.sessions.Save(sessionName, s)
}

// List returns every account matching filter (nil filter returns all).
// Read-only, for the CLI's accounts.list verb.
func (r *Registry) List(ctx context.Context, filter func(Account) bool) ([]Account, error) {
	rows, err := r.st.QueryCtx(ctx, `SELECT id, session_name, api_id, api_hash, phone_number, password, proxy_id,
		usage_counter, last_used_at, cooldown_until, banned, health_state FROM accounts`)
	if err != nil {
		return nil, errs.New(errs.Storage, "Registry.List", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, errs.New(errs.Storage, "Registry.List", err)
		}
		if filter == nil || filter(a) {
			out = append(out, a)
		}
	}
	return out, rows.Err()
}

func (r *Registry) listEligible(ctx context.Context) ([]Account, error) {
	now := time.Now()
	all, err := r.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	var eligible []Account
	for _, a := range all {
		if a.Eligible(now) {
			eligible = append(eligible, a)
		}
	}
	return eligible, nil
}

func scanAccount(rows *sql.Rows) (Account, error) {
	var a Account
	var password sql.NullString
	var proxyID sql.NullInt64
	var lastUsed, cooldown sql.NullTime
	var banned int
	err := rows.Scan(&a.ID, &a.SessionName, &a.APIID, &a.APIHash, &a.PhoneNumber, &password, &proxyID,
		&a.UsageCounter, &lastUsed, &cooldown, &banned, &a.HealthState)
	if err != nil {
		return a, err
	}
	if password.Valid {
		a.Password = password.String
	}
	if proxyID.Valid {
		a.ProxyID = &proxyID.Int64
	}
	if lastUsed.Valid {
		a.LastUsedAt = &lastUsed.Time
	}
	if cooldown.Valid {
		a.CooldownUntil = &cooldown.Time
	}
	a.Banned = banned != 0
	return a, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
