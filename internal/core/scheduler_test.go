package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenanceRetention(t *testing.T) {
	h := newHarness(t, func(c *ServiceConfig) { c.Retention = time.Hour })
	ctx := context.Background()
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Minute)

	require.NoError(t, h.store.CreateJob(ctx, &ImportJob{JobID: "old", IdempotencyKey: "k1", Phase: PhaseCompleted, FinishedAt: &old}))
	require.NoError(t, h.store.CreateJob(ctx, &ImportJob{JobID: "recent", IdempotencyKey: "k2", Phase: PhaseFailed, FinishedAt: &recent}))
	require.NoError(t, h.store.PutUpload(ctx, PendingUpload{UploadID: "expired", ExpiresAt: old}))

	h.svc.runMaintenance(ctx)

	_, err := h.svc.GetJob(ctx, "old")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = h.store.FindJobByIdempotencyKey(ctx, "k1")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = h.svc.GetJob(ctx, "recent")
	assert.NoError(t, err)
	_, err = h.store.GetUpload(ctx, "expired")
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestMaintenanceReapsOrphans(t *testing.T) {
	h := newHarness(t, func(c *ServiceConfig) {
		c.Runner.StallTimeout = time.Minute
		c.MaxWait = time.Hour
	})
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, h.store.CreateJob(ctx, &ImportJob{JobID: "orphan", Phase: PhaseWriting, UpdatedAt: now.Add(-time.Hour)}))
	require.NoError(t, h.store.CreateJob(ctx, &ImportJob{JobID: "fresh", Phase: PhaseParsing, UpdatedAt: now}))
	// still inside its wait for a job slot on some instance
	require.NoError(t, h.store.CreateJob(ctx, &ImportJob{JobID: "waiting", Phase: PhaseQueued, UpdatedAt: now.Add(-10 * time.Minute)}))

	sub, err := h.svc.Subscribe(ctx, "orphan")
	require.NoError(t, err)
	defer sub.Close()
	<-sub.C // current snapshot

	reaped, err := h.svc.reapOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	job, err := h.svc.GetJob(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, job.Phase)
	assert.Equal(t, "IMP007", job.ErrorCode)
	assert.NotNil(t, job.FinishedAt)

	ev, ok := <-sub.C
	require.True(t, ok)
	assert.Equal(t, PhaseFailed, ev.Status)

	fresh, err := h.svc.GetJob(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, PhaseParsing, fresh.Phase)
	waiting, err := h.svc.GetJob(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, PhaseQueued, waiting.Phase)
	assert.Len(t, h.observer.Finished(), 1, "the reaped job is reported once")
}

func TestCancelOrphanedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateJob(ctx, &ImportJob{JobID: "orphan", Phase: PhaseQueued}))

	ev, err := h.svc.Cancel(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, PhaseCancelled, ev.Status)

	_, err = h.svc.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMaintenanceSchedulerStops(t *testing.T) {
	h := newHarness(t, func(c *ServiceConfig) { c.SweepInterval = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.svc.StartMaintenanceScheduler(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
