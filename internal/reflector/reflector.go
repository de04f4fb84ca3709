// Package reflector implements the Reflector Worker (spec §4.2): a two-level
// mutual exclusion (OS advisory file lock + Store lease) drain loop over the
// persistent reflector job queue. Ported from
// aoc-mind::reflector_runtime.DetachedReflectorWorker.
package reflector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/store"
)

// Config configures one worker's ownership identity and tick behavior.
type Config struct {
	ScopeID         string
	OwnerID         string
	OwnerPID        *int64
	LockPath        string
	LeaseTTLMS      int64
	MaxJobsPerTick  int
	RequeueOnError  bool
	MaxAttempts     int // open question (a): bound on requeue-on-error to avoid livelock
}

// NewConfig mirrors ReflectorRuntimeConfig::with_lock_path: sane defaults,
// owner_pid defaulted to the current process id.
func NewConfig(scopeID, ownerID, lockPath string) Config {
	pid := int64(os.Getpid())
	return Config{
		ScopeID:        scopeID,
		OwnerID:        ownerID,
		OwnerPID:       &pid,
		LockPath:       lockPath,
		LeaseTTLMS:     30_000,
		MaxJobsPerTick: 4,
		RequeueOnError: false,
		MaxAttempts:    5,
	}
}

// ConfigFromGuardrails derives lease_ttl_ms from the pipeline's shared
// Guardrails instead of the bare default, mirroring
// ReflectorRuntimeConfig::with_guardrails in the original runtime.
func ConfigFromGuardrails(scopeID, ownerID, lockPath string, guardrails model.Guardrails) Config {
	cfg := NewConfig(scopeID, ownerID, lockPath)
	if guardrails.ReflectorLeaseTTLMS > 0 {
		cfg.LeaseTTLMS = guardrails.ReflectorLeaseTTLMS
	}
	return cfg
}

// TickReport is the structured outcome of one run_once call (spec §7's
// propagation policy: the worker never panics the process, it reports).
type TickReport struct {
	FileLockAcquired bool
	LeaseAcquired    bool
	LockConflict     bool
	JobsClaimed      int
	JobsCompleted    int
	JobsFailed       int
}

// Handler processes one claimed job. A non-nil error routes through
// fail_reflector_job with the config's requeue_on_error policy.
type Handler func(ctx context.Context, s store.Store, job model.ReflectorJob) error

// Worker is a detached (stateless between ticks) reflector runner.
type Worker struct {
	cfg Config
}

func New(cfg Config) *Worker {
	if cfg.MaxJobsPerTick < 1 {
		cfg.MaxJobsPerTick = 1
	}
	return &Worker{cfg: cfg}
}

// RunOnce executes exactly one tick: acquire file lock, acquire/steal Store
// lease, drain up to MaxJobsPerTick jobs, release the file lock on exit.
func (w *Worker) RunOnce(ctx context.Context, s store.Store, now time.Time, handler Handler) (TickReport, error) {
	var report TickReport

	fileLock, acquired, err := tryAcquireFileLock(w.cfg, now)
	if err != nil {
		return report, err
	}
	if !acquired {
		report.LockConflict = true
		return report, nil
	}
	defer fileLock.Unlock() //nolint:errcheck
	report.FileLockAcquired = true

	leaseAcquired, err := s.TryAcquireReflectorLease(ctx, w.cfg.ScopeID, w.cfg.OwnerID, w.cfg.OwnerPID, now, w.cfg.LeaseTTLMS)
	if err != nil {
		return report, err
	}
	if !leaseAcquired {
		report.LockConflict = true
		return report, nil
	}
	report.LeaseAcquired = true

	for i := 0; i < w.cfg.MaxJobsPerTick; i++ {
		job, ok, err := s.ClaimNextReflectorJob(ctx, w.cfg.ScopeID, w.cfg.OwnerID, now)
		if err != nil {
			return report, err
		}
		if !ok {
			break
		}
		report.JobsClaimed++

		handlerErr := handler(ctx, s, job)
		if handlerErr == nil {
			if err := s.CompleteReflectorJob(ctx, job.JobID, w.cfg.OwnerID, now); err != nil {
				return report, err
			}
			report.JobsCompleted++
		} else {
			requeue := w.cfg.RequeueOnError && (w.cfg.MaxAttempts <= 0 || job.Attempts < w.cfg.MaxAttempts)
			if err := s.FailReflectorJob(ctx, job.JobID, w.cfg.OwnerID, handlerErr.Error(), now, requeue); err != nil {
				return report, err
			}
			report.JobsFailed++
		}

		// Heartbeat errors are non-fatal to the tick; the next tick's lease
		// acquisition will surface a genuinely lost lease as a conflict.
		_ = s.HeartbeatReflectorLease(ctx, w.cfg.ScopeID, w.cfg.OwnerID, now, w.cfg.LeaseTTLMS)
	}

	return report, nil
}

func tryAcquireFileLock(cfg Config, now time.Time) (*flock.Flock, bool, error) {
	if dir := filepath.Dir(cfg.LockPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, false, err
		}
	}

	fl := flock.New(cfg.LockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	writeLockMetadata(cfg, now) // best effort, informational only (spec §5, §9c)
	return fl, true, nil
}

func writeLockMetadata(cfg Config, now time.Time) {
	ownerPID := "na"
	if cfg.OwnerPID != nil {
		ownerPID = fmt.Sprintf("%d", *cfg.OwnerPID)
	}
	expiresAt := now.Add(time.Duration(cfg.LeaseTTLMS) * time.Millisecond)
	metadata := fmt.Sprintf(
		"owner_id=%s\nowner_pid=%s\nacquired_at=%s\nexpires_at=%s\n",
		cfg.OwnerID, ownerPID, now.Format(time.RFC3339), expiresAt.Format(time.RFC3339),
	)
	_ = os.WriteFile(cfg.LockPath, []byte(metadata), 0o644)
}
