package core

// job.go drives import jobs through their phases.
//
// Each job runs on its own goroutine, which is the only writer of the job's
// counters. Rows flow parse -> validate -> buffer one at a time and the
// buffer is flushed in batches, so all counters advance together; the
// reported phase is the furthest stage reached. A stall watchdog runs next to
// the pipeline in the same errgroup and force-fails a job whose counters stop
// moving.
//
// The job record in the Store is shared by every instance. Progress and the
// final state are written with a guard: once the stored phase is terminal
// (another instance cancelled the job, or reaped it as orphaned) the runner
// stops at its next check and leaves that outcome in place.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunnerConfig tunes job execution.
type RunnerConfig struct {
	BatchSize        int
	ProgressEvery    int
	ProgressInterval time.Duration
	StallTimeout     time.Duration
	JobTimeout       time.Duration
	MaxFailedRecords int
	// MaxXLSXSize caps workbook uploads, which are parsed in memory.
	MaxXLSXSize int64
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 500
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Hour
	}
	if c.MaxFailedRecords <= 0 {
		c.MaxFailedRecords = 10000
	}
	if c.MaxXLSXSize <= 0 {
		c.MaxXLSXSize = DefaultMaxXLSXSize
	}
	return c
}

// RunnerDeps are the collaborators of a Runner.
type RunnerDeps struct {
	Store     Store
	Objects   ObjectStore
	Upserter  Upserter
	Registry  *Registry
	Publisher *Publisher
	Limiter   *JobLimiter
	Observers []JobObserver
}

// Runner executes submitted jobs asynchronously.
type Runner struct {
	deps RunnerDeps
	cfg  RunnerConfig
	now  func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]*jobHandle
}

// jobHandle is the shared control surface of a running job.
type jobHandle struct {
	cancelOnce sync.Once
	cancelled  chan struct{}
	lastMove   atomic.Int64
}

func newJobHandle(now time.Time) *jobHandle {
	h := &jobHandle{cancelled: make(chan struct{})}
	h.lastMove.Store(now.UnixNano())
	return h
}

func (h *jobHandle) requestCancel() {
	h.cancelOnce.Do(func() { close(h.cancelled) })
}

func (h *jobHandle) cancelRequested() bool {
	select {
	case <-h.cancelled:
		return true
	default:
		return false
	}
}

// NewRunner returns a runner. Jobs run until they finish or Shutdown gives up
// on them.
func NewRunner(deps RunnerDeps, cfg RunnerConfig) *Runner {
	if deps.Limiter == nil {
		deps.Limiter = NewJobLimiter(DefaultMaxConcurrentJobs, DefaultMaxWaitTime)
	}
	if deps.Publisher == nil {
		deps.Publisher = NewPublisher()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Runner{
		deps:    deps,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		baseCtx: ctx,
		stop:    stop,
		active:  make(map[string]*jobHandle),
	}
}

// Submit starts a job that has already been stored in the queued phase.
func (r *Runner) Submit(job *ImportJob) error {
	if r.baseCtx.Err() != nil {
		return errors.New("runner is shut down")
	}
	h := newJobHandle(r.now())

	r.mu.Lock()
	if _, dup := r.active[job.JobID]; dup {
		r.mu.Unlock()
		return fmt.Errorf("job %s is already running", job.JobID)
	}
	r.active[job.JobID] = h
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(h, job.Clone())
	return nil
}

// Cancel raises the cooperative cancellation flag of a running job. It
// returns false when the job is not running in this process.
func (r *Runner) Cancel(jobID string) bool {
	r.mu.Lock()
	h, ok := r.active[jobID]
	r.mu.Unlock()
	if ok {
		h.requestCancel()
	}
	return ok
}

// Running reports whether the job is executing (or queued) in this process.
func (r *Runner) Running(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[jobID]
	return ok
}

// Active returns the number of jobs queued or running.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown waits for in-flight jobs. When ctx expires first, remaining jobs
// are interrupted (they end as failed) and ctx's error is returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.stop()
		return nil
	case <-ctx.Done():
		r.stop()
		<-done
		return ctx.Err()
	}
}

// execution is the private state of one job run.
type execution struct {
	job    *ImportJob
	handle *jobHandle
	meter  *throughputMeter
	log    *slog.Logger
	maxFR  int

	lastEmitRows int64
	lastEmitAt   time.Time
}

func (x *execution) advance(p Phase) {
	if x.job.Phase != p && x.job.Phase.CanTransition(p) {
		x.job.Phase = p
	}
}

func (x *execution) touch(now time.Time) {
	x.handle.lastMove.Store(now.UnixNano())
}

func (x *execution) reject(fr FailedRecord) {
	x.job.RowsFailed++
	if len(x.job.FailedRecords) < x.maxFR {
		x.job.FailedRecords = append(x.job.FailedRecords, fr)
	} else {
		x.job.FailedRecordsTruncated = true
	}
}

func (x *execution) apply(s WriteStats) {
	x.job.RowsWritten += s.Written
	x.job.RowsCreated += s.Created
	x.job.RowsUpdated += s.Updated
	x.job.DuplicatesRemoved += s.Duplicates
	for _, fr := range s.Demoted {
		x.job.RowsValid--
		x.reject(fr)
	}
}

func (x *execution) setTotal(total int64, known bool) {
	if known {
		x.job.RowsTotal = total
		x.job.RowsTotalKnown = true
	}
}

// interrupted reports why the pipeline must stop before the next row or
// batch, if it must.
func (x *execution) interrupted(ctx context.Context) error {
	if x.handle.cancelRequested() {
		return errCancelRequested
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func (r *Runner) run(h *jobHandle, job *ImportJob) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.active, job.JobID)
		r.mu.Unlock()
	}()

	x := &execution{
		job:    job,
		handle: h,
		maxFR:  r.cfg.MaxFailedRecords,
		log:    slog.With("job_id", job.JobID, "schema", job.SchemaType),
	}

	if err := r.acquire(h); err != nil {
		r.finish(x, err)
		return
	}
	defer r.deps.Limiter.Release()

	start := r.now()
	job.StartedAt = &start
	x.meter = newThroughputMeter(start)
	x.lastEmitAt = start
	h.lastMove.Store(start.UnixNano())
	x.log.Info("import started", "file_key", job.FileKey, "file_size", job.FileSize)

	r.finish(x, r.execute(x))
}

// acquire waits in the queued phase for a limiter slot; cancellation and
// shutdown interrupt the wait.
func (r *Runner) acquire(h *jobHandle) error {
	waitCtx, cancel := context.WithCancel(r.baseCtx)
	defer cancel()
	go func() {
		select {
		case <-h.cancelled:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	err := r.deps.Limiter.Acquire(waitCtx)
	switch {
	case err == nil:
		return nil
	case h.cancelRequested():
		return errCancelRequested
	case r.baseCtx.Err() != nil:
		return errors.New("server shutting down before the import started")
	default:
		return err
	}
}

func (r *Runner) execute(x *execution) error {
	ctx, cancel := context.WithTimeoutCause(ContextWithJobID(r.baseCtx, x.job.JobID), r.cfg.JobTimeout, ErrJobTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() (err error) {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				x.log.Error("panic in import", "panic", rec)
				err = fmt.Errorf("internal error: %v", rec)
			}
		}()
		return r.pipeline(gctx, x)
	})
	g.Go(func() error {
		return r.watch(gctx, x.handle, done)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, ErrJobStalled) && errors.Is(context.Cause(ctx), ErrJobTimeout) {
		err = ErrJobTimeout
	}
	return err
}

// watch fails the job when its counters have not moved for StallTimeout.
func (r *Runner) watch(ctx context.Context, h *jobHandle, done <-chan struct{}) error {
	if r.cfg.StallTimeout <= 0 {
		return nil
	}
	interval := r.cfg.StallTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			idle := r.now().Sub(time.Unix(0, h.lastMove.Load()))
			if idle >= r.cfg.StallTimeout {
				return fmt.Errorf("%w: no progress for %s", ErrJobStalled, idle.Round(time.Second))
			}
		}
	}
}

func (r *Runner) pipeline(ctx context.Context, x *execution) error {
	def, err := r.deps.Registry.Lookup(x.job.SchemaType)
	if err != nil {
		return err
	}

	x.advance(PhaseParsing)
	r.emit(ctx, x)
	if err := x.interrupted(ctx); err != nil {
		return err
	}

	obj, err := r.deps.Objects.Open(ctx, x.job.FileKey)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return err
		}
		return storageError(fmt.Errorf("open upload: %w", err))
	}
	defer obj.Close()

	rows, err := OpenRowReader(obj, x.job.ContentType, def, ParseOptions{
		ExpectedSHA256: x.job.FileSHA256,
		MaxXLSXSize:    r.cfg.MaxXLSXSize,
	})
	if err != nil {
		return err
	}
	defer rows.Close()
	x.setTotal(rows.Total())

	validator := NewValidator(def)
	writer := NewWriter(r.deps.Upserter, def, r.cfg.BatchSize)

	for {
		if err := x.interrupted(ctx); err != nil {
			return err
		}
		row, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		x.job.RowsParsed++
		if row.Err != nil {
			x.reject(FailedRecord{
				OriginalIndex: row.Index,
				Line:          row.Line,
				RawRecord:     row.Values,
				ErrorReason:   row.Err.Error(),
			})
		} else {
			x.advance(PhaseValidating)
			rec, failed := validator.Validate(row.Index, row.Values)
			if failed != nil {
				failed.Line = row.Line
				x.reject(*failed)
			} else {
				x.job.RowsValid++
				x.apply(writer.Add(pendingRecord{index: row.Index, line: row.Line, raw: row.Values, record: rec}))
			}
		}
		x.touch(r.now())

		if writer.Full() {
			if err := r.flush(ctx, x, writer); err != nil {
				return err
			}
		}
		r.maybeEmit(ctx, x)
	}

	x.setTotal(rows.Total())
	return r.flush(ctx, x, writer)
}

func (r *Runner) flush(ctx context.Context, x *execution, w *Writer) error {
	if w.Pending() == 0 {
		return nil
	}
	x.advance(PhaseWriting)
	r.emit(ctx, x)
	if err := x.interrupted(ctx); err != nil {
		return err
	}

	stats, err := w.Flush(ctx)
	if err != nil {
		if cause := x.interrupted(ctx); cause != nil {
			return cause
		}
		return err
	}
	x.apply(stats)
	x.touch(r.now())
	return nil
}

func (r *Runner) maybeEmit(ctx context.Context, x *execution) {
	if x.job.RowsParsed-x.lastEmitRows >= int64(r.cfg.ProgressEvery) ||
		r.now().Sub(x.lastEmitAt) >= r.cfg.ProgressInterval {
		r.emit(ctx, x)
	}
}

// emit persists the current snapshot and offers it to subscribers. A stored
// terminal phase raises the cancellation flag instead.
func (r *Runner) emit(ctx context.Context, x *execution) {
	now := r.now()
	if x.meter != nil {
		x.job.ThroughputRPS = x.meter.Observe(x.job.RowsParsed, now)
	}
	x.job.UpdatedAt = now
	x.lastEmitRows = x.job.RowsParsed
	x.lastEmitAt = now

	snap := x.job.Clone()
	_, err := r.deps.Store.UpdateJob(ctx, snap.JobID, guardedSave(snap))
	switch {
	case errors.Is(err, errJobSettled):
		x.log.Info("job was ended by another instance, stopping")
		x.handle.requestCancel()
		return
	case err != nil:
		x.log.Warn("failed to persist progress", "error", err)
	}
	r.deps.Publisher.Publish(snap.Snapshot())
}

// guardedSave overwrites the stored job with snap unless it is already
// terminal.
func guardedSave(snap *ImportJob) func(*ImportJob) error {
	return func(cur *ImportJob) error {
		if cur.Phase.Terminal() {
			return errJobSettled
		}
		*cur = *snap.Clone()
		return nil
	}
}

// finish moves the job to its terminal phase, stores it, publishes the final
// event and notifies observers. When the stored job already reached a
// terminal phase, that state is kept and only published here; whoever wrote
// it notified the observers.
func (r *Runner) finish(x *execution, err error) {
	job := x.job
	now := r.now()

	switch {
	case err == nil:
		job.Phase = PhaseCompleted
	case errors.Is(err, errCancelRequested):
		job.Phase = PhaseCancelled
	default:
		job.Phase = PhaseFailed
		job.Error = err.Error()
		job.ErrorCode = MapError(err).Code
	}
	job.ThroughputRPS = 0
	job.UpdatedAt = now
	job.FinishedAt = &now

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.baseCtx), 10*time.Second)
	defer cancel()

	_, serr := r.deps.Store.UpdateJob(ctx, job.JobID, guardedSave(job))
	if errors.Is(serr, errJobSettled) {
		settled, gerr := r.deps.Store.GetJob(ctx, job.JobID)
		if gerr != nil {
			x.log.Error("failed to load settled job", "error", gerr)
			return
		}
		r.deps.Publisher.Publish(settled.Snapshot())
		x.log.Info("import ended by another instance",
			"phase", settled.Phase,
			"rows_written_here", job.RowsWritten,
		)
		return
	}
	if serr != nil {
		x.log.Error("failed to persist final job state", "error", serr)
	}
	r.deps.Publisher.Publish(job.Snapshot())
	r.notifyFinished(ctx, job)

	attrs := []any{
		"phase", job.Phase,
		"rows_parsed", job.RowsParsed,
		"rows_valid", job.RowsValid,
		"rows_written", job.RowsWritten,
		"rows_failed", job.RowsFailed,
		"duplicates_removed", job.DuplicatesRemoved,
	}
	if job.StartedAt != nil {
		attrs = append(attrs, "duration_ms", now.Sub(*job.StartedAt).Milliseconds())
	}
	switch job.Phase {
	case PhaseFailed:
		x.log.Error("import failed", append(attrs, "error", job.Error, "code", job.ErrorCode)...)
	default:
		x.log.Info("import finished", attrs...)
	}
}

// notifyFinished hands a terminal job to every observer.
func (r *Runner) notifyFinished(ctx context.Context, job *ImportJob) {
	for _, o := range r.deps.Observers {
		o.JobFinished(ctx, job.Clone())
	}
}
