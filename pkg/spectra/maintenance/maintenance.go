// Package maintenance runs the periodic sweep jobs SPECTRA needs beyond
// the operator-invoked archive/discover/forward pipelines: retrying stuck
// invitations, pruning aged fingerprints, and clearing expired cooldowns.
// Adapted from the teacher's pkg/devclaw/scheduler/scheduler.go — same
// cron-backed Job/JobStorage shape, panic recovery, spin-loop guard, and
// deterministic stagger — retargeted from "agent command on a channel" to
// SPECTRA's three fixed sweep kinds. This is distinct from the Account
// Scheduler (pkg/spectra/scheduler), which binds archive/forward/discover
// work to leased accounts; maintenance jobs never hold an account lease.
package maintenance

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// minJobInterval guards against a job firing twice within the same second
// boundary, as in the teacher's scheduler.
const minJobInterval = 2 * time.Second

// Kind identifies one of the three sweep jobs.
type Kind string

const (
	KindInvitationRetry      Kind = "invitation_retry"
	KindFingerprintRetention Kind = "fingerprint_retention"
	KindCooldownExpiry       Kind = "cooldown_expiry"
)

// Job is one scheduled sweep, persisted via JobStorage so it survives restarts.
type Job struct {
	ID        string
	Kind      Kind
	CronExpr  string
	Enabled   bool
	CreatedAt time.Time
	LastRunAt *time.Time
	LastError string
	RunCount  int
}

// Handler runs one sweep to completion and returns a human-readable summary.
type Handler func(ctx context.Context, job *Job) (string, error)

// JobStorage persists jobs, mirroring the teacher's JobStorage interface.
type JobStorage interface {
	Save(job *Job) error
	Delete(id string) error
	LoadAll() ([]*Job, error)
}

// Scheduler drives the three sweep kinds on their configured cron schedules.
type Scheduler struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	cron        *cron.Cron
	cronIDs     map[string]cron.EntryID
	runningJobs map[string]bool

	storage JobStorage
	handler Handler
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Scheduler. timeout bounds a single sweep's execution;
// zero means the 5-minute default the teacher's Scheduler uses.
func New(storage JobStorage, handler Handler, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		jobs:        make(map[string]*Job),
		cronIDs:     make(map[string]cron.EntryID),
		runningJobs: make(map[string]bool),
		storage:     storage,
		handler:     handler,
		timeout:     timeout,
		logger:      logger,
	}
}

// Start loads persisted jobs and begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()

	if s.storage != nil {
		jobs, err := s.storage.LoadAll()
		if err != nil {
			s.logger.Error("maintenance: failed to load jobs", "error", err)
		} else {
			s.mu.Lock()
			for _, job := range jobs {
				s.jobs[job.ID] = job
				if job.Enabled {
					if err := s.scheduleCronJob(job); err != nil {
						s.logger.Warn("maintenance: skipping job with invalid schedule", "id", job.ID, "error", err)
					}
				}
			}
			s.mu.Unlock()
		}
	}

	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop gracefully shuts down the cron loop.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("maintenance scheduler stop timed out")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// Add registers and persists a sweep job.
func (s *Scheduler) Add(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		return fmt.Errorf("maintenance: job ID is required")
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("maintenance: job %q already exists", job.ID)
	}
	job.CreatedAt = time.Now()

	if s.cron != nil && job.Enabled {
		if err := s.scheduleCronJob(job); err != nil {
			return fmt.Errorf("maintenance: invalid schedule %q: %w", job.CronExpr, err)
		}
	}
	s.jobs[job.ID] = job
	if s.storage != nil {
		if err := s.storage.Save(job); err != nil {
			s.logger.Error("maintenance: failed to persist job", "id", job.ID, "error", err)
		}
	}
	return nil
}

// Remove deletes a job by ID.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[id]; !exists {
		return fmt.Errorf("maintenance: job %q not found", id)
	}
	if entryID, ok := s.cronIDs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, id)
	}
	delete(s.jobs, id)
	if s.storage != nil {
		if err := s.storage.Delete(id); err != nil {
			s.logger.Error("maintenance: failed to remove job from storage", "id", id, "error", err)
		}
	}
	return nil
}

// List returns every registered job.
func (s *Scheduler) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

func (s *Scheduler) scheduleCronJob(job *Job) error {
	entryID, err := s.cron.AddFunc(job.CronExpr, func() { s.executeJob(job) })
	if err != nil {
		return err
	}
	s.cronIDs[job.ID] = entryID
	return nil
}

// executeJob runs job's sweep with the same safety guards as the teacher's
// Scheduler: duplicate-run guard, spin-loop guard, panic recovery, stagger,
// timeout.
func (s *Scheduler) executeJob(job *Job) {
	s.mu.Lock()
	if s.runningJobs[job.ID] {
		s.mu.Unlock()
		s.logger.Warn("maintenance: skipping job (already running)", "id", job.ID)
		return
	}
	if job.LastRunAt != nil && time.Since(*job.LastRunAt) < minJobInterval {
		s.mu.Unlock()
		return
	}
	s.runningJobs[job.ID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.runningJobs, job.ID)
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.mu.Lock()
			job.LastError = fmt.Sprintf("panic: %v", r)
			s.mu.Unlock()
			s.logger.Error("maintenance: job panicked", "id", job.ID, "panic", r)
			if s.storage != nil {
				s.storage.Save(job)
			}
		}
	}()

	if stagger := resolveStableCronOffset(job.ID, 5*time.Minute); stagger > 0 {
		select {
		case <-time.After(stagger):
		case <-s.ctx.Done():
			return
		}
	}

	s.mu.Lock()
	now := time.Now()
	job.LastRunAt = &now
	job.RunCount++
	s.mu.Unlock()
	if s.storage != nil {
		s.storage.Save(job)
	}

	if s.handler == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	result, err := s.handler(ctx, job)
	s.mu.Lock()
	if err != nil {
		job.LastError = err.Error()
		s.logger.Error("maintenance: sweep failed", "id", job.ID, "kind", job.Kind, "error", err)
	} else {
		job.LastError = ""
		s.logger.Info("maintenance: sweep completed", "id", job.ID, "kind", job.Kind, "summary", result)
	}
	s.mu.Unlock()

	if s.storage != nil {
		s.storage.Save(job)
	}
}

// resolveStableCronOffset mirrors the teacher's deterministic per-job
// stagger derived from a hash of the job ID, distributing sweep starts
// across the window instead of firing every job at exactly :00.
func resolveStableCronOffset(jobID string, maxStagger time.Duration) time.Duration {
	h := sha256.Sum256([]byte(jobID))
	n := binary.BigEndian.Uint32(h[:4])
	ms := int64(n) % maxStagger.Milliseconds()
	return time.Duration(ms) * time.Millisecond
}
