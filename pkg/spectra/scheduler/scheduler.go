// Package scheduler implements the Account Scheduler (spec §4.4): a bounded
// worker pool that binds queued work to leased (account, proxy) pairs and
// drives it to completion, with per-entity ordering and Governor-aware
// retry/back-pressure handling. Distinct from pkg/spectra/maintenance, which
// drives fixed periodic sweeps without ever leasing an account.
//
// The pool itself is new — the spec's three-priority-queue, per-entity-lock
// design has no analogue in the teacher's single-cron-loop scheduler — but
// its operational idioms (panic recovery around each unit of work, a
// context-based graceful Stop, structured logging of lifecycle events) are
// carried over from pkg/devclaw/scheduler/scheduler.go's executeJob/Stop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swordintel/spectra/pkg/spectra/errs"
	"github.com/swordintel/spectra/pkg/spectra/governor"
	"github.com/swordintel/spectra/pkg/spectra/registry"
)

// Kind orders the three pipeline classes; lower values run first.
type Kind int

const (
	KindArchival Kind = iota
	KindForwarding
	KindDiscovery
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindArchival:
		return "archival"
	case KindForwarding:
		return "forwarding"
	case KindDiscovery:
		return "discovery"
	default:
		return "unknown"
	}
}

// Job is one unit of work bound to an entity. Payload carries the
// pipeline-specific job row (an archive.Job, forward.Job, or
// discovery.Job); the scheduler never inspects it.
type Job struct {
	ID          string
	Kind        Kind
	EntityID    int64
	Pinned      bool
	Payload     any
	Attempts    int
	MaxAttempts int
	EarliestAt  time.Time

	OnSuccess func(ctx context.Context)
	OnFailed  func(ctx context.Context, cause error)
}

// Runner executes one Job step using a leased account, returning an error
// that governor/registry signalling can interpret (errs.FloodWaitKind,
// errs.Auth, etc.). A single call must run to a batch boundary and return;
// the scheduler handles retry/requeue/lease-release around it.
type Runner interface {
	Run(ctx context.Context, account *registry.Account, job *Job) error
}

// Pool is the bounded worker pool described in spec §4.4.
type Pool struct {
	workers int
	reg     *registry.Registry
	gov     *governor.Governor
	runner  Runner
	logger  *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queues [numKinds][]*Job

	entityLocks   map[int64]*sync.Mutex
	entityLocksMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures the pool. Workers defaults to 4 per spec §4.4.
type Config struct {
	Workers int
}

// New builds a Pool. runner dispatches by Job.Kind to the actual pipeline
// (archive/forward/discovery); reg and gov back account leasing and
// admission control per spec §4.2/§4.3.
func New(cfg Config, reg *registry.Registry, gov *governor.Governor, runner Runner, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		workers:     cfg.Workers,
		reg:         reg,
		gov:         gov,
		runner:      runner,
		logger:      logger.With("component", "scheduler"),
		entityLocks: make(map[int64]*sync.Mutex),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the worker pool. Call Stop to drain and shut down.
func (p *Pool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.logger.Info("scheduler pool started", "workers", p.workers)
}

// Stop cancels all in-flight batch boundaries cooperatively and waits for
// workers to drain, up to timeout.
func (p *Pool) Stop(timeout time.Duration) {
	p.cancel()
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("scheduler pool stop timed out, workers may still be finishing a batch")
	}
}

// Submit enqueues a job on its priority queue. Pinned jobs jump to the
// front of their queue, per spec §4.4.
func (p *Pool) Submit(job *Job) {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 5
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.queues[job.Kind]
	if job.Pinned {
		p.queues[job.Kind] = append([]*Job{job}, q...)
	} else {
		p.queues[job.Kind] = append(q, job)
	}
	p.cond.Broadcast()
}

// dequeue pops the highest-priority ready job (archival > forwarding >
// discovery), or nil if none are ready right now.
func (p *Pool) dequeue() *Job {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for k := Kind(0); k < numKinds; k++ {
		q := p.queues[k]
		for i, job := range q {
			if !job.EarliestAt.IsZero() && job.EarliestAt.After(now) {
				continue
			}
			p.queues[k] = append(q[:i:i], q[i+1:]...)
			return job
		}
	}
	return nil
}

func (p *Pool) waitForWork() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.ctx.Err() == nil {
		for k := Kind(0); k < numKinds; k++ {
			if len(p.queues[k]) > 0 {
				return
			}
		}
		p.cond.Wait()
	}
}

func (p *Pool) lockEntity(id int64) *sync.Mutex {
	p.entityLocksMu.Lock()
	l, ok := p.entityLocks[id]
	if !ok {
		l = &sync.Mutex{}
		p.entityLocks[id] = l
	}
	p.entityLocksMu.Unlock()
	return l
}

func (p *Pool) workerLoop(idx int) {
	defer p.wg.Done()
	log := p.logger.With("worker", idx)
	for {
		if p.ctx.Err() != nil {
			return
		}
		job := p.dequeue()
		if job == nil {
			p.waitForWork()
			continue
		}
		if p.ctx.Err() != nil {
			p.Submit(job)
			return
		}
		p.runJob(log, job)
	}
}

// runJob leases an account, serialises on the job's entity, runs the
// pipeline step, and applies the failure policy from spec §4.4.
func (p *Pool) runJob(log *slog.Logger, job *Job) {
	entityLock := p.lockEntity(job.EntityID)
	entityLock.Lock()
	defer entityLock.Unlock()

	account, release, err := p.reg.Lease(p.ctx, registry.Policy{Mode: registry.ModeSmart})
	if err != nil {
		log.Warn("scheduler: no eligible account, requeuing", "job", job.ID, "error", err)
		job.EarliestAt = time.Now().Add(5 * time.Second)
		p.Submit(job)
		return
	}
	defer release()

	if adm := p.gov.Admit(account.ID, governorOpFor(job.Kind)); !adm.Ok {
		job.EarliestAt = time.Now().Add(adm.RetryAfter)
		p.Submit(job)
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errs.New(errs.Protocol, "scheduler.runJob", fmt.Errorf("panic: %v", r))
			}
		}()
		err = p.runner.Run(p.ctx, account, job)
	}()

	if err == nil {
		p.reg.Record(p.ctx, registry.Event{Kind: registry.EventSuccess, AccountID: account.ID})
		if job.OnSuccess != nil {
			job.OnSuccess(p.ctx)
		}
		return
	}

	switch errs.KindOf(err) {
	case errs.FloodWaitKind:
		delta := 30 * time.Second
		if fw, ok := err.(*errs.Error); ok && fw.After > 0 {
			delta = fw.After
		}
		p.gov.OnFloodWait(account.ID, delta)
		p.reg.Record(p.ctx, registry.Event{Kind: registry.EventFloodWait, AccountID: account.ID, After: delta})
		job.EarliestAt = time.Now().Add(delta)
		p.Submit(job)
		return
	case errs.Auth:
		if errs.IsPermanentAuth(err) {
			p.reg.Record(p.ctx, registry.Event{Kind: registry.EventBanned, AccountID: account.ID})
			p.fail(job, err)
			return
		}
		p.reg.Record(p.ctx, registry.Event{Kind: registry.EventAuthFail, AccountID: account.ID})
		job.Attempts++
		if job.Attempts >= job.MaxAttempts {
			p.fail(job, err)
			return
		}
		p.Submit(job)
		return
	case errs.Cancelled:
		// Cancelled unwinds cleanly per spec §7: the deferred release()
		// frees the lease when runJob returns; do not retry.
		p.fail(job, err)
		return
	default:
		job.Attempts++
		if job.Attempts >= job.MaxAttempts {
			p.fail(job, err)
			return
		}
		job.EarliestAt = time.Now().Add(p.gov.NextBackoff(account.ID, governorOpFor(job.Kind), time.Second, 2*time.Minute, 0.2))
		p.Submit(job)
	}
}

func (p *Pool) fail(job *Job, cause error) {
	p.logger.Error("scheduler: job exhausted retries, terminating failed", "job", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", cause)
	if job.OnFailed != nil {
		job.OnFailed(p.ctx, cause)
	}
}

func governorOpFor(k Kind) governor.OpClass {
	switch k {
	case KindDiscovery:
		return governor.OpDiscovery
	default:
		return governor.OpMessages
	}
}
