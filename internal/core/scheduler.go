package core

// scheduler.go runs periodic maintenance for the job store.
//
// Each cycle:
//  1. Drops finished jobs older than the retention window, plus expired
//     upload handles.
//  2. Fails unfinished jobs that no runner in this process owns and whose
//     last update is older than the stall timeout (left over from a crash or
//     restart).
//
// Failures are logged and retried on the next tick; they never stop the
// service.

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StartMaintenanceScheduler runs a cycle immediately, then every
// SweepInterval until ctx is cancelled.
func (s *Service) StartMaintenanceScheduler(ctx context.Context) {
	slog.Info("maintenance scheduler started",
		"retention", s.cfg.Retention,
		"interval", s.cfg.SweepInterval,
	)

	s.runMaintenance(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("maintenance scheduler stopped")
			return
		case <-ticker.C:
			s.runMaintenance(ctx)
		}
	}
}

// runMaintenance performs one retention + orphan sweep.
func (s *Service) runMaintenance(ctx context.Context) {
	start := time.Now()

	removed, err := s.store.DeleteFinishedBefore(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
	} else if removed > 0 {
		slog.Info("expired finished jobs", "jobs_removed", removed)
	}

	reaped, err := s.reapOrphans(ctx)
	if err != nil {
		slog.Error("orphan sweep failed", "error", err)
	} else if reaped > 0 {
		slog.Warn("failed orphaned jobs", "jobs_failed", reaped)
	}

	slog.Debug("maintenance completed", "duration_ms", time.Since(start).Milliseconds())
}

// reapOrphans force-fails unfinished jobs nobody is running.
func (s *Service) reapOrphans(ctx context.Context) (int, error) {
	jobs, err := s.store.ListUnfinished(ctx)
	if err != nil {
		return 0, err
	}

	stallAfter := s.cfg.Runner.StallTimeout
	if stallAfter <= 0 {
		stallAfter = 2 * time.Minute
	}

	// Queued jobs do not write progress while they wait for a slot.
	queuedAfter := stallAfter + s.cfg.MaxWait
	if s.cfg.MaxWait <= 0 {
		queuedAfter = stallAfter + DefaultMaxWaitTime
	}

	reaped := 0
	for _, job := range jobs {
		limit := stallAfter
		if job.Phase == PhaseQueued {
			limit = queuedAfter
		}
		if s.runner.Running(job.JobID) || s.now().Sub(job.UpdatedAt) < limit {
			continue
		}
		cause := fmt.Errorf("%w: no runner owns this job", ErrJobStalled)
		changed := false
		updated, err := s.store.UpdateJob(ctx, job.JobID, func(j *ImportJob) error {
			changed = false
			if j.Phase.Terminal() {
				return nil
			}
			changed = true
			now := s.now()
			j.Phase = PhaseFailed
			j.Error = cause.Error()
			j.ErrorCode = MapError(cause).Code
			j.UpdatedAt = now
			j.FinishedAt = &now
			return nil
		})
		if err != nil {
			slog.Error("failed to fail orphaned job", "job_id", job.JobID, "error", err)
			continue
		}
		s.publisher.Publish(updated.Snapshot())
		if !changed {
			continue
		}
		s.runner.notifyFinished(ctx, updated)
		reaped++
	}
	return reaped, nil
}
