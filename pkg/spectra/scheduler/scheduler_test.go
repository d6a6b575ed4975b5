package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/swordintel/spectra/pkg/spectra/errs"
	"github.com/swordintel/spectra/pkg/spectra/governor"
	"github.com/swordintel/spectra/pkg/spectra/registry"
	"github.com/swordintel/spectra/pkg/spectra/store"
)

func TestSubmitOrdersByKindAndPin(t *testing.T) {
	p := &Pool{entityLocks: make(map[int64]*sync.Mutex)}
	p.cond = sync.NewCond(&p.mu)
	p.workers = 1

	p.Submit(&Job{ID: "discover-1", Kind: KindDiscovery})
	p.Submit(&Job{ID: "forward-1", Kind: KindForwarding})
	p.Submit(&Job{ID: "archive-1", Kind: KindArchival})
	p.Submit(&Job{ID: "forward-pinned", Kind: KindForwarding, Pinned: true})

	first := p.dequeue()
	if first.ID != "archive-1" {
		t.Fatalf("expected archival to dequeue first, got %s", first.ID)
	}
	second := p.dequeue()
	if second.ID != "forward-pinned" {
		t.Fatalf("expected pinned forwarding job to jump the queue, got %s", second.ID)
	}
	third := p.dequeue()
	if third.ID != "forward-1" {
		t.Fatalf("expected non-pinned forwarding job next, got %s", third.ID)
	}
	fourth := p.dequeue()
	if fourth.ID != "discover-1" {
		t.Fatalf("expected discovery last, got %s", fourth.ID)
	}
}

func TestDequeueSkipsJobsNotYetEligible(t *testing.T) {
	p := &Pool{entityLocks: make(map[int64]*sync.Mutex)}
	p.cond = sync.NewCond(&p.mu)

	p.Submit(&Job{ID: "future", Kind: KindArchival, EarliestAt: time.Now().Add(time.Hour)})
	p.Submit(&Job{ID: "ready", Kind: KindArchival})

	job := p.dequeue()
	if job == nil || job.ID != "ready" {
		t.Fatalf("expected the ready job to dequeue ahead of the future one, got %+v", job)
	}
	if next := p.dequeue(); next != nil {
		t.Fatalf("expected no further ready jobs, got %+v", next)
	}
}

func TestStartStopDrainsWorkersCleanly(t *testing.T) {
	p := New(Config{Workers: 2}, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.Start(context.Background())
	p.Stop(time.Second)
}

func TestEntityLocksAreReusedPerEntity(t *testing.T) {
	p := &Pool{entityLocks: make(map[int64]*sync.Mutex)}
	a := p.lockEntity(1)
	b := p.lockEntity(1)
	if a != b {
		t.Fatal("expected the same entity to share one lock across calls")
	}
	c := p.lockEntity(2)
	if a == c {
		t.Fatal("expected different entities to get different locks")
	}
}

func TestDequeueIsEmptyWhenNoJobsSubmitted(t *testing.T) {
	p := &Pool{entityLocks: make(map[int64]*sync.Mutex)}
	p.cond = sync.NewCond(&p.mu)
	if job := p.dequeue(); job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
}

type fakeRunner struct{ err error }

func (f *fakeRunner) Run(ctx context.Context, account *registry.Account, job *Job) error {
	return f.err
}

func newTestPool(t *testing.T, runner Runner) *Pool {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Config{Path: filepath.Join(dir, "test.db")}, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg, err := registry.New(st, filepath.Join(dir, "sessions"), nil, nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	if err := reg.Import(context.Background(), []registry.Credentials{
		{APIID: 1, APIHash: "abc", SessionName: "alice", PhoneNumber: "+10000000000"},
	}); err != nil {
		t.Fatalf("Import: %v", err)
	}

	gov := governor.New(governor.Config{BucketOpsPerWindow: 30, Window: 60 * time.Second}, 1)
	p := New(Config{Workers: 1}, reg, gov, runner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.ctx = context.Background()
	return p
}

// A cancelled job must unwind cleanly (lease released, no retry) per spec
// §7, not cycle back through Submit like a transient failure.
func TestRunJobCancelledTerminatesWithoutRetry(t *testing.T) {
	p := newTestPool(t, &fakeRunner{err: errs.New(errs.Cancelled, "test.Run", nil)})

	var failedCause error
	failed := make(chan struct{}, 1)
	job := &Job{
		ID: "cancel-1", Kind: KindArchival, MaxAttempts: 3,
		OnFailed: func(ctx context.Context, cause error) {
			failedCause = cause
			failed <- struct{}{}
		},
	}

	p.runJob(slog.New(slog.NewTextHandler(io.Discard, nil)), job)

	select {
	case <-failed:
	default:
		t.Fatal("expected OnFailed to fire for a cancelled job")
	}
	if errs.KindOf(failedCause) != errs.Cancelled {
		t.Fatalf("expected Cancelled cause, got %v", failedCause)
	}
	if next := p.dequeue(); next != nil {
		t.Fatalf("expected the cancelled job not to be resubmitted, got %+v", next)
	}
}

// A permanent auth failure (revoked session) must ban the account and
// terminate the job rather than cycling through cooldown-and-retry forever.
func TestRunJobPermanentAuthBansAccountAndFails(t *testing.T) {
	p := newTestPool(t, &fakeRunner{err: errs.AuthRevoked("test.Run", nil)})

	failed := make(chan struct{}, 1)
	job := &Job{
		ID: "auth-1", Kind: KindArchival, MaxAttempts: 3,
		OnFailed: func(ctx context.Context, cause error) { failed <- struct{}{} },
	}

	p.runJob(slog.New(slog.NewTextHandler(io.Discard, nil)), job)

	select {
	case <-failed:
	default:
		t.Fatal("expected OnFailed to fire for a permanently revoked session")
	}
	accounts, err := p.reg.List(context.Background(), nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(accounts) != 1 || accounts[0].HealthState != registry.StateBanned {
		t.Fatalf("expected the account to be banned, got %+v", accounts)
	}
}
