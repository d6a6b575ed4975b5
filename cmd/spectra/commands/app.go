// Package commands is SPECTRA's cobra composition root: it wires the
// Persistence Store, Registry, Governor, Scheduler pool, and the three
// pipelines into the operator surface §6 names (archive, discover,
// forward, accounts.*, channels.update-access, schedule.*), and dials a
// telegram.Client per leased account the way other_examples' gotd/td
// wiring pattern does. Modeled on the teacher's cmd/devclaw/commands
// package: one NewRootCmd(version) entry point, one file per verb group.
package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/swordintel/spectra/pkg/spectra/archive"
	"github.com/swordintel/spectra/pkg/spectra/config"
	"github.com/swordintel/spectra/pkg/spectra/discovery"
	"github.com/swordintel/spectra/pkg/spectra/errs"
	"github.com/swordintel/spectra/pkg/spectra/forward"
	"github.com/swordintel/spectra/pkg/spectra/governor"
	"github.com/swordintel/spectra/pkg/spectra/logging"
	"github.com/swordintel/spectra/pkg/spectra/maintenance"
	"github.com/swordintel/spectra/pkg/spectra/media"
	"github.com/swordintel/spectra/pkg/spectra/proxydial"
	"github.com/swordintel/spectra/pkg/spectra/registry"
	"github.com/swordintel/spectra/pkg/spectra/scheduler"
	"github.com/swordintel/spectra/pkg/spectra/store"
	"github.com/swordintel/spectra/pkg/spectra/telegram"
)

// App bundles every composed subsystem for one CLI invocation. It owns
// the Store's file lock and session keyring for the process lifetime.
type App struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Scrubber *logging.Scrubber
	Store    *store.Store
	Registry *registry.Registry
	Governor *governor.Governor
	Media    *media.Store
	Archive     *archive.Pipeline
	Forward     *forward.Forwarder
	Discovery   *discovery.Crawler
	Pool        *scheduler.Pool
	Maintenance *maintenance.Scheduler

	jobStore *sqlJobStorage
}

// NewApp loads configPath, opens the store, and composes every subsystem.
// Callers must call Close when done.
func NewApp(configPath string) (*App, error) {
	scrubber := logging.NewScrubber()

	// Logger construction needs the scrubber before Load populates it with
	// live secrets; Load's own warnings are emitted through a bootstrap
	// logger (slog.Default) only.
	bootstrap := slog.Default()
	cfg, err := config.Load(configPath, bootstrap)
	if err != nil {
		return nil, err
	}
	for _, acct := range cfg.Accounts {
		scrubber.Track(acct.APIHash)
		scrubber.Track(acct.PhoneNumber)
		scrubber.Track(acct.Password)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, File: cfg.Logging.File}, scrubber)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(store.Config{Path: cfg.DB.Path}, logger)
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(st, sessionDirFor(cfg.DB.Path), scrubber, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	if len(cfg.Accounts) > 0 {
		creds := make([]registry.Credentials, len(cfg.Accounts))
		for i, a := range cfg.Accounts {
			creds[i] = registry.Credentials{
				APIID: a.APIID, APIHash: a.APIHash,
				SessionName: a.SessionName, PhoneNumber: a.PhoneNumber, Password: a.Password,
			}
		}
		if err := reg.Import(context.Background(), creds); err != nil {
			st.Close()
			return nil, err
		}
	}

	gov := governor.New(governor.Config{
		BucketOpsPerWindow: 30,
		Window:             60 * time.Second,
	}, time.Now().UnixNano())

	mediaRoot := media.NewStore("media", logger)

	app := &App{
		Cfg: cfg, Logger: logger, Scrubber: scrubber,
		Store: st, Registry: reg, Governor: gov, Media: mediaRoot,
		Archive:   archive.New(st, mediaRoot),
		Forward:   forward.New(st),
		Discovery: discovery.New(st),
		jobStore:  &sqlJobStorage{st: st},
	}

	workers := cfg.Parallel.MaxWorkers
	if !cfg.Parallel.Enabled || workers <= 0 {
		workers = 4
	}
	app.Pool = scheduler.New(scheduler.Config{Workers: workers}, reg, gov, &pipelineRunner{app: app}, logger)

	app.Discovery.OnEntityJoined = app.enqueueInvitations

	app.Maintenance = maintenance.New(app.jobStore, app.runSweep, 5*time.Minute, logger)

	return app, nil
}

// enqueueInvitations implements spec §4.6.1: on discovery of a new public
// entity by the primary (leased) account, enqueue one InvitationTask per
// non-banned account, the joining account included. An (entity, account)
// pair that already has a row, in any state, is left as it is, so each
// pair has at most one row.
func (a *App) enqueueInvitations(entityID int64) {
	ctx := context.Background()
	accounts, err := a.Registry.List(ctx, func(acc registry.Account) bool { return !acc.Banned })
	if err != nil {
		a.Logger.Warn("enqueueInvitations: failed to list accounts", "error", err)
		return
	}
	for _, acc := range accounts {
		tx, err := a.Store.Begin(ctx, false)
		if err != nil {
			a.Logger.Warn("enqueueInvitations: begin failed", "error", err)
			return
		}
		if _, err := tx.Apply(ctx, `INSERT INTO invitation_tasks (destination_entity_id, invitee_account_id, attempts, next_eligible_at, state)
			VALUES (?, ?, 0, ?, 'pending')
			ON CONFLICT(destination_entity_id, invitee_account_id) DO NOTHING`,
			entityID, acc.ID, time.Now()); err != nil {
			tx.Rollback()
			a.Logger.Warn("enqueueInvitations: insert failed", "error", err)
			continue
		}
		if err := tx.Commit(); err != nil {
			a.Logger.Warn("enqueueInvitations: commit failed", "error", err)
		}
	}
}

const invitationRetryCap = 3

// runSweep is the maintenance.Handler backing all three periodic sweeps
// (spec §4.6.1 invitation retries, §3 fingerprint retention, §4.2 cooldown
// expiry), dispatched on job.Kind.
func (a *App) runSweep(ctx context.Context, job *maintenance.Job) (string, error) {
	switch job.Kind {
	case maintenance.KindInvitationRetry:
		return a.sweepInvitations(ctx)
	case maintenance.KindFingerprintRetention:
		return a.sweepFingerprints(ctx)
	case maintenance.KindCooldownExpiry:
		return a.sweepCooldowns(ctx)
	default:
		return "", errs.New(errs.Configuration, "App.runSweep", fmt.Errorf("unknown sweep kind %q", job.Kind))
	}
}

// sweepInvitations drains due, non-terminal InvitationTask rows through
// the Governor's invitation op-class pacing (spec §4.3/§4.6.1), dialing
// the invitee account itself (without a Registry lease) to perform the join.
func (a *App) sweepInvitations(ctx context.Context) (string, error) {
	rows, err := a.Store.QueryCtx(ctx, `SELECT destination_entity_id, invitee_account_id, attempts
		FROM invitation_tasks WHERE state = 'pending' AND next_eligible_at <= ?`, time.Now())
	if err != nil {
		return "", err
	}
	type task struct {
		entityID, accountID int64
		attempts             int
	}
	var tasks []task
	for rows.Next() {
		var t task
		if err := rows.Scan(&t.entityID, &t.accountID, &t.attempts); err != nil {
			rows.Close()
			return "", err
		}
		tasks = append(tasks, t)
	}
	rows.Close()

	succeeded, failed := 0, 0
	for _, t := range tasks {
		if adm := a.Governor.Admit(t.accountID, governor.OpInvitations); !adm.Ok {
			continue
		}
		accounts, err := a.Registry.List(ctx, func(acc registry.Account) bool { return acc.ID == t.accountID })
		if err != nil || len(accounts) == 0 {
			continue
		}
		account := accounts[0]
		state, cause := a.attemptInvitation(ctx, &account, t.entityID)
		if state == "succeeded" {
			succeeded++
		} else if state == "failed" {
			failed++
		}
		_ = cause
	}
	return fmt.Sprintf("invitations: %d succeeded, %d failed, %d pending", succeeded, failed, len(tasks)-succeeded-failed), nil
}

func (a *App) attemptInvitation(ctx context.Context, account *registry.Account, entityID int64) (state string, cause error) {
	client, err := a.dialAccount(ctx, account)
	if err != nil {
		return a.recordInvitationAttempt(ctx, entityID, account.ID, err)
	}
	defer client.Close()

	entity, err := client.ResolveEntity(ctx, fmt.Sprintf("%d", entityID))
	if err != nil {
		return a.recordInvitationAttempt(ctx, entityID, account.ID, err)
	}
	err = client.Join(ctx, *entity)
	return a.recordInvitationAttempt(ctx, entityID, account.ID, err)
}

func (a *App) recordInvitationAttempt(ctx context.Context, entityID, accountID int64, cause error) (string, error) {
	var attempts int
	row := a.Store.QueryRowCtx(ctx, `SELECT attempts FROM invitation_tasks WHERE destination_entity_id = ? AND invitee_account_id = ?`, entityID, accountID)
	if err := row.Scan(&attempts); err != nil {
		return "", err
	}
	attempts++

	tx, err := a.Store.Begin(ctx, false)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	state := "pending"
	nextEligible := time.Now().Add(time.Duration(a.Cfg.Forwarding.InvitationDelays.MinSeconds) * time.Second)
	if cause == nil {
		state = "succeeded"
	} else if attempts >= invitationRetryCap {
		state = "failed"
	}

	if _, err := tx.Apply(ctx, `UPDATE invitation_tasks SET attempts = ?, state = ?, next_eligible_at = ?
		WHERE destination_entity_id = ? AND invitee_account_id = ?`, attempts, state, nextEligible, entityID, accountID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return state, cause
}

// sweepFingerprints prunes ForwardFingerprint rows older than the
// retention window (spec §3: "never deleted except by retention job").
func (a *App) sweepFingerprints(ctx context.Context) (string, error) {
	const retention = 90 * 24 * time.Hour
	tx, err := a.Store.Begin(ctx, false)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	res, err := tx.Apply(ctx, `DELETE FROM forward_fingerprints WHERE first_seen_at < ?`, time.Now().Add(-retention))
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	n, _ := res.RowsAffected()
	return fmt.Sprintf("pruned %d aged fingerprints", n), nil
}

// sweepCooldowns clears accounts whose cooldown has expired back to
// active (spec §4.2: "cooldown → active (cooldown expiry)").
func (a *App) sweepCooldowns(ctx context.Context) (string, error) {
	tx, err := a.Store.Begin(ctx, false)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	res, err := tx.Apply(ctx, `UPDATE accounts SET health_state = 'active', cooldown_until = NULL
		WHERE health_state = 'cooldown' AND cooldown_until <= ?`, time.Now())
	if err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	n, _ := res.RowsAffected()
	return fmt.Sprintf("restored %d accounts from cooldown", n), nil
}

// Close releases the store's file lock. Idempotent-ish; safe to call once.
func (a *App) Close() error {
	return a.Store.Close()
}

func sessionDirFor(dbPath string) string {
	return dbPath + ".sessions"
}

// dialAccount loads an account's session and bound proxy (if any) and
// authenticates a telegram.Client, per spec §4.2/§5. On success the session
// that was loaded is saved back through the Registry's encrypted session
// file store; key material renegotiated during the connection lives only in
// the client's in-memory session storage and is not saved.
func (a *App) dialAccount(ctx context.Context, account *registry.Account) (*telegram.Client, error) {
	sess, err := a.Registry.LoadSession(account.SessionName)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = registry.NewSession(nil)
	}

	var dialer *proxydial.Dialer
	if account.ProxyID != nil {
		spec, err := a.loadProxySpec(ctx, *account.ProxyID)
		if err != nil {
			return nil, err
		}
		if spec != nil {
			dialer, err = proxydial.New(*spec)
			if err != nil {
				return nil, err
			}
		}
	}

	client, err := telegram.Dial(ctx, account, sess, dialer)
	if err != nil {
		return nil, err
	}
	if err := a.Registry.SaveSession(account.SessionName, sess); err != nil {
		a.Logger.Warn("failed to persist session after dial", "account", account.SessionName, "error", err)
	}
	return client, nil
}

// LoginAccount drives an interactive Telegram auth flow for an account
// that has no usable stored session (spec §4.2's first-ever login), and
// persists the resulting session material to the Registry so future
// dialAccount calls authenticate without operator interaction.
func (a *App) LoginAccount(ctx context.Context, account *registry.Account) error {
	var dialer *proxydial.Dialer
	if account.ProxyID != nil {
		spec, err := a.loadProxySpec(ctx, *account.ProxyID)
		if err != nil {
			return err
		}
		if spec != nil {
			dialer, err = proxydial.New(*spec)
			if err != nil {
				return err
			}
		}
	}

	sess, err := telegram.InteractiveLogin(ctx, account, dialer)
	if err != nil {
		return err
	}
	return a.Registry.SaveSession(account.SessionName, sess)
}

func (a *App) loadProxySpec(ctx context.Context, proxyID int64) (*proxydial.Spec, error) {
	row := a.Store.QueryRowCtx(ctx, `SELECT id, transport, host, port, username, password, exclusive
		FROM proxies WHERE id = ?`, proxyID)
	var spec proxydial.Spec
	var username, password sql.NullString
	var exclusive int
	if err := row.Scan(&spec.ID, &spec.Transport, &spec.Host, &spec.Port, &username, &password, &exclusive); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.New(errs.Storage, "App.loadProxySpec", err)
	}
	spec.Username, spec.Password = username.String, password.String
	spec.Exclusive = exclusive != 0
	return &spec, nil
}

// ensureDefaultProxy upserts the single operator-configured default proxy
// (§6 `proxy` section) and returns its id. Nothing calls it: accounts.import
// does not bind imported accounts to this proxy.
func (a *App) ensureDefaultProxy(ctx context.Context) (*int64, error) {
	pc := a.Cfg.Proxy
	if !pc.Enabled {
		return nil, nil
	}
	tx, err := a.Store.Begin(ctx, false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Apply(ctx, `INSERT INTO proxies (transport, host, port, username, password, rotation_group)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(host, port, username, rotation_group) DO UPDATE SET transport = excluded.transport
		`, pc.Type, pc.Host, pc.Port, nullableString(pc.Username), nullableString(pc.Password), nullableString(pc.Rotation))
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		row := a.Store.QueryRowCtx(ctx, `SELECT id FROM proxies WHERE host = ? AND port = ? AND username IS ?`, pc.Host, pc.Port, nullableString(pc.Username))
		if scanErr := row.Scan(&id); scanErr != nil {
			return nil, errs.New(errs.Storage, "App.ensureDefaultProxy", scanErr)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &id, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ArchivePayload carries one archive.Job across repeated scheduler batches.
type ArchivePayload struct {
	Job               *archive.Job
	CheckpointContext string
	Done              bool
}

// ForwardPayload carries one forward.Job across repeated scheduler batches.
type ForwardPayload struct {
	Job       *forward.Job
	BatchSize int
	Done      bool
}

// DiscoveryPayload carries one discovery.Job across repeated scheduler batches.
type DiscoveryPayload struct {
	Job  *discovery.Job
	Done bool
}

// pipelineRunner implements scheduler.Runner (spec §4.4), dispatching on
// Job.Kind to the bound pipeline. One call drives exactly one committed
// batch, matching "runs one pipeline step to completion" per worker turn.
type pipelineRunner struct {
	app *App
}

func (r *pipelineRunner) Run(ctx context.Context, account *registry.Account, job *scheduler.Job) error {
	client, err := r.app.dialAccount(ctx, account)
	if err != nil {
		return err
	}
	defer client.Close()

	switch job.Kind {
	case scheduler.KindArchival:
		p := job.Payload.(*ArchivePayload)
		done, err := r.app.Archive.RunBatch(ctx, client, account, p.Job, p.CheckpointContext)
		if err != nil {
			return err
		}
		p.Done = done
		return nil
	case scheduler.KindForwarding:
		p := job.Payload.(*ForwardPayload)
		done, err := r.app.Forward.RunBatch(ctx, client, p.Job, p.BatchSize)
		if err != nil {
			return err
		}
		p.Done = done
		return nil
	case scheduler.KindDiscovery:
		p := job.Payload.(*DiscoveryPayload)
		done, err := r.app.Discovery.RunBatch(ctx, client, account, p.Job)
		if err != nil {
			return err
		}
		p.Done = done
		return nil
	default:
		return errs.New(errs.Configuration, "pipelineRunner.Run", fmt.Errorf("unknown job kind %v", job.Kind))
	}
}

// submitUntilDone enqueues job and keeps resubmitting it on every
// successful batch until isDone reports true, then calls onDone exactly
// once. onFailed fires if the scheduler exhausts retries or the job is
// cancelled/terminally auth-failed (scheduler.Pool.fail). Mirrors the
// scheduler's own re-queue-on-RetryAfter pattern for the "not done yet"
// case that isn't a failure.
func submitUntilDone(pool *scheduler.Pool, job *scheduler.Job, isDone func() bool, onDone func(), onFailed func(error)) {
	var onSuccess func(ctx context.Context)
	onSuccess = func(ctx context.Context) {
		if isDone() {
			if onDone != nil {
				onDone()
			}
			return
		}
		job.OnSuccess = onSuccess
		pool.Submit(job)
	}
	job.OnSuccess = onSuccess
	job.OnFailed = func(ctx context.Context, cause error) {
		if onFailed != nil {
			onFailed(cause)
		}
	}
	pool.Submit(job)
}

// discoveryMaxEntities derives the DiscoveryJob.MaxEntities budget from an
// operator-facing per-level cap and the crawl's max depth (spec §4.7): one
// seed level plus perLevelCap entities for each additional level.
func discoveryMaxEntities(perLevelCap, maxDepth int) int {
	return 1 + perLevelCap*maxDepth
}

// jobEntityLockID derives a stable scheduler entity-lock id for jobs with
// no single natural entity (discovery jobs span many seeds), so unrelated
// discovery jobs don't serialize behind one shared lock id.
func jobEntityLockID(jobID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(jobID))
	return int64(h.Sum64())
}

// archiveJobOptions is the JSON payload stored in archive_jobs.options.
type archiveJobOptions struct {
	EntityRef string
	Options   archive.Options
}

// EnqueueArchiveJob persists job as a pending archive_jobs row (spec §2/§3)
// so a running `spectra serve` process picks it up and drives it through
// the Pool, instead of running synchronously in this CLI invocation.
func (a *App) EnqueueArchiveJob(ctx context.Context, job *archive.Job) error {
	payload, err := json.Marshal(archiveJobOptions{EntityRef: job.EntityRef, Options: job.Options})
	if err != nil {
		return errs.New(errs.Configuration, "App.EnqueueArchiveJob", err)
	}
	tx, err := a.Store.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Apply(ctx, `INSERT INTO archive_jobs (id, target_entity_id, options, state, created_at)
		VALUES (?, ?, ?, 'pending', ?)`, job.ID, job.TargetEntityID, string(payload), time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

// EnqueueForwardJob persists job as a pending forward_jobs row. sourceSpec
// and destSpec are the operator-provided refs recorded for operator
// visibility; the job itself runs against the already-resolved numeric ids.
func (a *App) EnqueueForwardJob(ctx context.Context, job *forward.Job, sourceSpec, destSpec string) error {
	flags, err := json.Marshal(job.Options)
	if err != nil {
		return errs.New(errs.Configuration, "App.EnqueueForwardJob", err)
	}
	tx, err := a.Store.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Apply(ctx, `INSERT INTO forward_jobs (id, source_spec, destination_spec, mode, flags, progress_cursor, state, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 'pending', ?)`,
		job.ID, sourceSpec, destSpec, string(job.Options.Mode), string(flags), time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

// discoveryJobFlags carries the DiscoveryJob fields discovery_jobs' fixed
// columns don't hold, round-tripped through the flags TEXT column.
type discoveryJobFlags struct {
	ScanMessageLimit int
	IncludePrivate   bool
	IncludePublic    bool
	AutoJoinPublic   bool
	Keyword          string
}

// EnqueueDiscoveryJob persists job as a pending discovery_jobs row.
// perLevelCap is recorded alongside job.MaxDepth so a later loader can
// recompute MaxEntities via discoveryMaxEntities the same way the CLI did.
func (a *App) EnqueueDiscoveryJob(ctx context.Context, job *discovery.Job, perLevelCap int) error {
	seeds, err := json.Marshal(job.Seeds)
	if err != nil {
		return errs.New(errs.Configuration, "App.EnqueueDiscoveryJob", err)
	}
	flags, err := json.Marshal(discoveryJobFlags{
		ScanMessageLimit: job.ScanMessageLimit,
		IncludePrivate:   job.IncludePrivate,
		IncludePublic:    job.IncludePublic,
		AutoJoinPublic:   job.AutoJoinPublic,
		Keyword:          job.Keyword,
	})
	if err != nil {
		return errs.New(errs.Configuration, "App.EnqueueDiscoveryJob", err)
	}
	tx, err := a.Store.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Apply(ctx, `INSERT INTO discovery_jobs (id, seeds, max_depth, per_level_cap, flags, state, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
		job.ID, string(seeds), job.MaxDepth, perLevelCap, string(flags), time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

// setJobState records the terminal or in-flight state of a persisted job
// row, called from the scheduler's OnSuccess(done)/OnFailed callbacks.
func (a *App) setJobState(ctx context.Context, kind scheduler.Kind, id, state string, cause error) {
	var query string
	switch kind {
	case scheduler.KindArchival:
		query = `UPDATE archive_jobs SET state = ?, failure_cause = ? WHERE id = ?`
	case scheduler.KindForwarding:
		query = `UPDATE forward_jobs SET state = ?, failure_cause = ? WHERE id = ?`
	case scheduler.KindDiscovery:
		query = `UPDATE discovery_jobs SET state = ?, failure_cause = ? WHERE id = ?`
	default:
		return
	}
	var causeText any
	if cause != nil {
		causeText = cause.Error()
	}
	tx, err := a.Store.Begin(ctx, false)
	if err != nil {
		a.Logger.Warn("queue: set job state failed", "kind", kind, "job", id, "error", err)
		return
	}
	defer tx.Rollback()
	if _, err := tx.Apply(ctx, query, state, causeText, id); err != nil {
		a.Logger.Warn("queue: set job state failed", "kind", kind, "job", id, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		a.Logger.Warn("queue: set job state commit failed", "kind", kind, "job", id, "error", err)
	}
}

// PollQueuedJobs loads every pending row from archive_jobs/forward_jobs/
// discovery_jobs not already present in seen, marks it running, and drives
// it through the Pool via submitUntilDone, persisting the terminal state
// back to its row. Called once at `serve` startup and then on a ticker, so
// jobs enqueued by separate CLI invocations (archive/discover/forward
// --async) while serve is already running still get picked up.
func (a *App) PollQueuedJobs(ctx context.Context, seen map[string]bool) {
	a.loadPendingArchiveJobs(ctx, seen)
	a.loadPendingForwardJobs(ctx, seen)
	a.loadPendingDiscoveryJobs(ctx, seen)
}

func (a *App) loadPendingArchiveJobs(ctx context.Context, seen map[string]bool) {
	rows, err := a.Store.QueryCtx(ctx, `SELECT id, target_entity_id, options FROM archive_jobs WHERE state = 'pending'`)
	if err != nil {
		a.Logger.Warn("queue: load archive_jobs failed", "error", err)
		return
	}
	type pending struct {
		id       string
		entityID int64
		options  string
	}
	var jobs []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.entityID, &p.options); err != nil {
			continue
		}
		if !seen[p.id] {
			jobs = append(jobs, p)
		}
	}
	rows.Close()

	for _, p := range jobs {
		var opts archiveJobOptions
		if err := json.Unmarshal([]byte(p.options), &opts); err != nil {
			a.Logger.Warn("queue: bad archive_jobs payload, skipping", "job", p.id, "error", err)
			continue
		}
		seen[p.id] = true
		a.setJobState(ctx, scheduler.KindArchival, p.id, "running", nil)

		job := &archive.Job{ID: p.id, TargetEntityID: p.entityID, EntityRef: opts.EntityRef, Options: opts.Options}
		payload := &ArchivePayload{Job: job, CheckpointContext: "archive"}
		sjob := &scheduler.Job{ID: p.id, Kind: scheduler.KindArchival, EntityID: p.entityID, Payload: payload, MaxAttempts: 5}
		submitUntilDone(a.Pool, sjob,
			func() bool { return payload.Done },
			func() { a.setJobState(context.Background(), scheduler.KindArchival, p.id, "done", nil) },
			func(cause error) { a.setJobState(context.Background(), scheduler.KindArchival, p.id, "failed", cause) },
		)
	}
}

func (a *App) loadPendingForwardJobs(ctx context.Context, seen map[string]bool) {
	rows, err := a.Store.QueryCtx(ctx, `SELECT id, source_spec, destination_spec, flags, progress_cursor FROM forward_jobs WHERE state = 'pending'`)
	if err != nil {
		a.Logger.Warn("queue: load forward_jobs failed", "error", err)
		return
	}
	type pending struct {
		id, sourceSpec, destSpec, flags string
		cursor                          int
	}
	var jobs []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.sourceSpec, &p.destSpec, &p.flags, &p.cursor); err != nil {
			continue
		}
		if !seen[p.id] {
			jobs = append(jobs, p)
		}
	}
	rows.Close()

	for _, p := range jobs {
		srcID, err := parseEntityArg(p.sourceSpec)
		if err != nil {
			a.Logger.Warn("queue: bad forward_jobs source spec, skipping", "job", p.id, "error", err)
			continue
		}
		destID, err := parseEntityArg(p.destSpec)
		if err != nil {
			a.Logger.Warn("queue: bad forward_jobs destination spec, skipping", "job", p.id, "error", err)
			continue
		}
		var opts forward.Options
		if err := json.Unmarshal([]byte(p.flags), &opts); err != nil {
			a.Logger.Warn("queue: bad forward_jobs flags, skipping", "job", p.id, "error", err)
			continue
		}
		seen[p.id] = true
		a.setJobState(ctx, scheduler.KindForwarding, p.id, "running", nil)

		job := &forward.Job{
			ID: p.id, SourceEntityID: srcID, DestinationEntityID: destID, ProgressCursor: p.cursor,
			Options: opts,
		}
		payload := &ForwardPayload{Job: job, BatchSize: 50}
		sjob := &scheduler.Job{ID: p.id, Kind: scheduler.KindForwarding, EntityID: srcID, Payload: payload, MaxAttempts: 5}
		submitUntilDone(a.Pool, sjob,
			func() bool { return payload.Done },
			func() { a.setJobState(context.Background(), scheduler.KindForwarding, p.id, "done", nil) },
			func(cause error) { a.setJobState(context.Background(), scheduler.KindForwarding, p.id, "failed", cause) },
		)
	}
}

func (a *App) loadPendingDiscoveryJobs(ctx context.Context, seen map[string]bool) {
	rows, err := a.Store.QueryCtx(ctx, `SELECT id, seeds, max_depth, per_level_cap, flags FROM discovery_jobs WHERE state = 'pending'`)
	if err != nil {
		a.Logger.Warn("queue: load discovery_jobs failed", "error", err)
		return
	}
	type pending struct {
		id, seeds, flags string
		maxDepth, perLevelCap int
	}
	var jobs []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.seeds, &p.maxDepth, &p.perLevelCap, &p.flags); err != nil {
			continue
		}
		if !seen[p.id] {
			jobs = append(jobs, p)
		}
	}
	rows.Close()

	for _, p := range jobs {
		var seeds []string
		if err := json.Unmarshal([]byte(p.seeds), &seeds); err != nil {
			a.Logger.Warn("queue: bad discovery_jobs seeds, skipping", "job", p.id, "error", err)
			continue
		}
		var flags discoveryJobFlags
		if err := json.Unmarshal([]byte(p.flags), &flags); err != nil {
			a.Logger.Warn("queue: bad discovery_jobs flags, skipping", "job", p.id, "error", err)
			continue
		}
		seen[p.id] = true
		a.setJobState(ctx, scheduler.KindDiscovery, p.id, "running", nil)

		job := &discovery.Job{
			ID: p.id, Seeds: seeds, MaxDepth: p.maxDepth,
			MaxEntities:      discoveryMaxEntities(p.perLevelCap, p.maxDepth),
			ScanMessageLimit: flags.ScanMessageLimit,
			IncludePrivate:   flags.IncludePrivate,
			IncludePublic:    flags.IncludePublic,
			AutoJoinPublic:   flags.AutoJoinPublic,
			Keyword:          flags.Keyword,
		}
		payload := &DiscoveryPayload{Job: job}
		sjob := &scheduler.Job{ID: p.id, Kind: scheduler.KindDiscovery, EntityID: jobEntityLockID(p.id), Payload: payload, MaxAttempts: 5}
		submitUntilDone(a.Pool, sjob,
			func() bool { return payload.Done },
			func() { a.setJobState(context.Background(), scheduler.KindDiscovery, p.id, "done", nil) },
			func(cause error) { a.setJobState(context.Background(), scheduler.KindDiscovery, p.id, "failed", cause) },
		)
	}
}

// sqlJobStorage persists maintenance sweep jobs in the scheduled_jobs
// table (§3/§6), implementing maintenance.JobStorage.
type sqlJobStorage struct {
	st *store.Store
}

func (s *sqlJobStorage) Save(job *maintenance.Job) error {
	ctx := context.Background()
	tx, err := s.st.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastRun any
	if job.LastRunAt != nil {
		lastRun = *job.LastRunAt
	}
	if _, err := tx.Apply(ctx, `INSERT INTO scheduled_jobs (id, kind, cron_expr, payload, created_at, last_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, cron_expr = excluded.cron_expr,
			payload = excluded.payload, last_run_at = excluded.last_run_at`,
		job.ID, string(job.Kind), job.CronExpr, jobPayloadJSON(job), job.CreatedAt, lastRun); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlJobStorage) Delete(id string) error {
	ctx := context.Background()
	tx, err := s.st.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Apply(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlJobStorage) LoadAll() ([]*maintenance.Job, error) {
	ctx := context.Background()
	rows, err := s.st.QueryCtx(ctx, `SELECT id, kind, cron_expr, created_at, last_run_at FROM scheduled_jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*maintenance.Job
	for rows.Next() {
		var j maintenance.Job
		var kind string
		var lastRun sql.NullTime
		if err := rows.Scan(&j.ID, &kind, &j.CronExpr, &j.CreatedAt, &lastRun); err != nil {
			return nil, err
		}
		j.Kind = maintenance.Kind(kind)
		j.Enabled = true
		if lastRun.Valid {
			t := lastRun.Time
			j.LastRunAt = &t
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

func jobPayloadJSON(job *maintenance.Job) string {
	return fmt.Sprintf(`{"run_count":%d}`, job.RunCount)
}
