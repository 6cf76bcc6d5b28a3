package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ServiceDeps are the storage and transport collaborators of a Service.
type ServiceDeps struct {
	Store     Store
	Objects   ObjectStore
	Upserter  Upserter
	Registry  *Registry
	Observers []JobObserver
	// Audit is optional; without it nothing is audited.
	Audit AuditLog
}

// ServiceConfig tunes the pipeline.
type ServiceConfig struct {
	Coordinator   CoordinatorConfig
	Runner        RunnerConfig
	MaxConcurrent int
	MaxWait       time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
}

// Service is the entry point for import operations. It owns the coordinator,
// the runner and the publisher, and is safe for concurrent use.
type Service struct {
	store       Store
	objects     ObjectStore
	upserter    Upserter
	audit       AuditLog
	registry    *Registry
	publisher   *Publisher
	limiter     *JobLimiter
	runner      *Runner
	coordinator *Coordinator
	cfg         ServiceConfig
	now         func() time.Time

	retryLocks *keyedMutex
}

// NewService wires a Service. A nil registry means DefaultRegistry.
func NewService(deps ServiceDeps, cfg ServiceConfig) (*Service, error) {
	if deps.Store == nil || deps.Objects == nil || deps.Upserter == nil {
		return nil, errors.New("service requires a store, an object store and an upserter")
	}
	if deps.Registry == nil {
		deps.Registry = DefaultRegistry
	}
	if deps.Registry.Len() == 0 {
		return nil, errors.New("no schema types registered")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	s := &Service{
		store:      deps.Store,
		objects:    deps.Objects,
		upserter:   deps.Upserter,
		audit:      deps.Audit,
		registry:   deps.Registry,
		publisher:  NewPublisher(),
		limiter:    NewJobLimiter(cfg.MaxConcurrent, cfg.MaxWait),
		now:        time.Now,
		retryLocks: newKeyedMutex(),
	}

	observers := deps.Observers
	if deps.Audit != nil {
		observers = append(append([]JobObserver(nil), observers...), auditObserver{svc: s})
	}
	s.runner = NewRunner(RunnerDeps{
		Store:     deps.Store,
		Objects:   deps.Objects,
		Upserter:  deps.Upserter,
		Registry:  deps.Registry,
		Publisher: s.publisher,
		Limiter:   s.limiter,
		Observers: observers,
	}, cfg.Runner)
	cfg.Runner = s.runner.cfg
	s.cfg = cfg
	s.coordinator = NewCoordinator(deps.Store, deps.Objects, deps.Registry, s.runner, cfg.Coordinator)
	return s, nil
}

// Initiate issues an upload handle. See Coordinator.Initiate.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (UploadTicket, error) {
	ticket, err := s.coordinator.Initiate(ctx, req)
	if err != nil {
		return ticket, err
	}
	s.LogAudit(ctx, AuditEntry{
		Action:     ActionUploadInitiated,
		SchemaType: req.SchemaType,
		UploadID:   ticket.UploadID,
	})
	return ticket, nil
}

// Complete turns a finished upload into a job. See Coordinator.Complete.
func (s *Service) Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	res, err := s.coordinator.Complete(ctx, req)
	if err != nil || res.Replayed {
		return res, err
	}
	s.LogAudit(ctx, AuditEntry{
		Action:     ActionImportQueued,
		SchemaType: res.SchemaType,
		JobID:      res.JobID,
		UploadID:   req.UploadID,
	})
	return res, nil
}

// GetJob returns the full job, including failed records.
func (s *Service) GetJob(ctx context.Context, jobID string) (*ImportJob, error) {
	return s.store.GetJob(ctx, jobID)
}

// GetProgress returns the current progress payload of a job.
func (s *Service) GetProgress(ctx context.Context, jobID string) (ProgressEvent, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return ProgressEvent{}, err
	}
	return job.Snapshot(), nil
}

// Subscribe returns a stream of progress events for a job, starting with
// its current snapshot. For a job that already finished the stream holds
// the terminal event and is closed. A job running on another instance is
// followed by polling the store every ProgressInterval.
func (s *Service) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	sub := s.publisher.Subscribe(jobID)
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	s.publisher.deliver(sub, job.Snapshot())
	if !job.Phase.Terminal() && !s.runner.Running(jobID) {
		go s.follow(sub, jobID, job.UpdatedAt)
	}
	return sub, nil
}

// follow feeds sub from the store until the job is terminal or the
// subscription is closed. Only snapshots written after seen are delivered.
func (s *Service) follow(sub *Subscription, jobID string, seen time.Time) {
	ctx := s.runner.baseCtx
	ticker := time.NewTicker(s.cfg.Runner.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.Done():
			return
		case <-ctx.Done():
			sub.Close()
			return
		case <-ticker.C:
		}

		job, err := s.store.GetJob(ctx, jobID)
		if errors.Is(err, ErrJobNotFound) {
			sub.Close()
			return
		}
		if err != nil {
			slog.Warn("failed to poll job progress", "job_id", jobID, "error", err)
			continue
		}
		if job.UpdatedAt.Equal(seen) && !job.Phase.Terminal() {
			continue
		}
		seen = job.UpdatedAt
		s.publisher.deliver(sub, job.Snapshot())
		if job.Phase.Terminal() {
			return
		}
	}
}

// Cancel requests cancellation. Cancelling a finished job is a no-op that
// returns its final state. A job that is not running in this process is
// marked cancelled in the store directly: either it is left over from a
// restart, or the instance running it sees the terminal phase on its next
// progress write and stops.
func (s *Service) Cancel(ctx context.Context, jobID string) (ProgressEvent, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return ProgressEvent{}, err
	}
	if job.Phase.Terminal() {
		return job.Snapshot(), nil
	}
	if s.runner.Cancel(jobID) {
		return job.Snapshot(), nil
	}

	changed := false
	updated, err := s.store.UpdateJob(ctx, jobID, func(j *ImportJob) error {
		changed = false
		if j.Phase.Terminal() {
			return nil
		}
		now := s.now()
		j.Phase = PhaseCancelled
		j.ThroughputRPS = 0
		j.UpdatedAt = now
		j.FinishedAt = &now
		changed = true
		return nil
	})
	if err != nil {
		return ProgressEvent{}, err
	}
	ev := updated.Snapshot()
	s.publisher.Publish(ev)
	if changed {
		slog.Info("import cancelled in store", "job_id", jobID, "phase_before", job.Phase)
		s.runner.notifyFinished(ctx, updated)
	}
	return ev, nil
}

// FailedRecords returns the rejected rows of a job in file order and whether
// the list was capped.
func (s *Service) FailedRecords(ctx context.Context, jobID string) ([]FailedRecord, bool, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	records := job.FailedRecords
	if records == nil {
		records = []FailedRecord{}
	}
	return records, job.FailedRecordsTruncated, nil
}

// FieldInfo describes one canonical field for clients building files.
type FieldInfo struct {
	Name       string    `json:"name"`
	Aliases    []string  `json:"aliases,omitempty"`
	Type       FieldType `json:"type"`
	Required   bool      `json:"required"`
	EnumValues []string  `json:"enumValues,omitempty"`
}

// SchemaInfo describes an importable schema type.
type SchemaInfo struct {
	Type        string      `json:"type"`
	Label       string      `json:"label"`
	KeyFields   []string    `json:"keyFields"`
	MaxFileSize int64       `json:"maxFileSize"`
	Fields      []FieldInfo `json:"fields"`
}

// Schemas lists the registered schema types.
func (s *Service) Schemas() []SchemaInfo {
	defs := s.registry.All()
	out := make([]SchemaInfo, len(defs))
	for i, def := range defs {
		info := SchemaInfo{
			Type:        def.Type,
			Label:       def.Label,
			KeyFields:   def.KeyFields,
			MaxFileSize: s.coordinator.MaxFileSize(def),
			Fields:      make([]FieldInfo, len(def.Fields)),
		}
		for j, f := range def.Fields {
			info.Fields[j] = FieldInfo{
				Name:       f.Name,
				Aliases:    f.Aliases,
				Type:       f.Type,
				Required:   f.Required,
				EnumValues: f.EnumValues,
			}
		}
		out[i] = info
	}
	return out
}

// ActiveJobs returns the number of jobs queued or running in this process.
func (s *Service) ActiveJobs() int {
	return s.runner.Active()
}

// LimiterStatus reports job slot usage.
func (s *Service) LimiterStatus() JobLimiterStatus {
	return s.limiter.Status()
}

// Shutdown waits for running jobs to finish, interrupting them when ctx
// expires first.
func (s *Service) Shutdown(ctx context.Context) error {
	if err := s.runner.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown import runner: %w", err)
	}
	return nil
}
