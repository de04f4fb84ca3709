package reflector

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mindops.dev/sidecar/internal/model"
	"mindops.dev/sidecar/internal/store"
	"mindops.dev/sidecar/internal/store/memstore"
)

var testBase = time.Date(2024, 2, 7, 22, 47, 2, 0, time.UTC)

func ts(offsetMS int64) time.Time {
	return testBase.Add(time.Duration(offsetMS) * time.Millisecond)
}

func tempLockPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), fmt.Sprintf("sidecar-reflector-%s.lock", name))
}

func TestWorkerReportsLockConflictWhenFileLockIsBusy(t *testing.T) {
	s := memstore.New()
	lockPath := tempLockPath(t, "busy")

	holder := flock.New(lockPath)
	ok, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, ok, "hold file lock")
	defer holder.Unlock() //nolint:errcheck

	pid := int64(1)
	worker := New(Config{
		ScopeID:        "scope-a",
		OwnerID:        "owner-a",
		OwnerPID:       &pid,
		LockPath:       lockPath,
		LeaseTTLMS:     1_000,
		MaxJobsPerTick: 1,
	})

	report, err := worker.RunOnce(context.Background(), s, ts(0), func(ctx context.Context, s_ store.Store, job model.ReflectorJob) error { return nil })
	require.NoError(t, err)
	assert.True(t, report.LockConflict)
	assert.False(t, report.FileLockAcquired)
}

func TestWorkerTakesOverAfterStaleLeaseAndCompletesJob(t *testing.T) {
	s := memstore.New()
	lockPath := tempLockPath(t, "takeover")

	now := ts(0)
	oldPID := int64(1)
	_, err := s.TryAcquireReflectorLease(context.Background(), "scope-a", "owner-old", &oldPID, now, 500)
	require.NoError(t, err)

	_, err = s.EnqueueReflectorJob(context.Background(), "scope-a", []string{"obs:1"}, []string{"conv-1"}, 20, now)
	require.NoError(t, err)

	newPID := int64(2)
	worker := New(Config{
		ScopeID:        "scope-a",
		OwnerID:        "owner-new",
		OwnerPID:       &newPID,
		LockPath:       lockPath,
		LeaseTTLMS:     1_000,
		MaxJobsPerTick: 2,
	})

	report, err := worker.RunOnce(context.Background(), s, now.Add(700*time.Millisecond), func(ctx context.Context, st store.Store, job model.ReflectorJob) error {
		return nil
	})
	require.NoError(t, err)

	assert.True(t, report.FileLockAcquired)
	assert.True(t, report.LeaseAcquired)
	assert.Equal(t, 1, report.JobsClaimed)
	assert.Equal(t, 1, report.JobsCompleted)

	pending, err := s.PendingReflectorJobs(context.Background(), "scope-a")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestWorkerRequeuesFailuresWhenEnabled(t *testing.T) {
	s := memstore.New()
	lockPath := tempLockPath(t, "requeue")

	now := ts(0)
	pid := int64(1)
	_, err := s.TryAcquireReflectorLease(context.Background(), "scope-a", "owner-a", &pid, now, 1_000)
	require.NoError(t, err)
	_, err = s.EnqueueReflectorJob(context.Background(), "scope-a", []string{"obs:1"}, []string{"conv-1"}, 20, now)
	require.NoError(t, err)

	worker := New(Config{
		ScopeID:        "scope-a",
		OwnerID:        "owner-a",
		OwnerPID:       &pid,
		LockPath:       lockPath,
		LeaseTTLMS:     1_000,
		MaxJobsPerTick: 1,
		RequeueOnError: true,
		MaxAttempts:    5,
	})

	report, err := worker.RunOnce(context.Background(), s, now.Add(10*time.Millisecond), func(ctx context.Context, st store.Store, job model.ReflectorJob) error {
		return fmt.Errorf("provider timeout")
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.JobsFailed)
	pending, err := s.PendingReflectorJobs(context.Background(), "scope-a")
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

