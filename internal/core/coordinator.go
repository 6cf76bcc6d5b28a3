package core

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultUploadURLExpiry is how long an issued upload target stays valid.
const DefaultUploadURLExpiry = 15 * time.Minute

// DefaultMaxFileSize applies to schemas without their own limit.
const DefaultMaxFileSize int64 = 10 << 20

// pendingUploadTTLFactor stretches the handle lifetime past the target
// expiry so a slow upload can still be completed.
const pendingUploadTTLFactor = 4

// CoordinatorConfig tunes upload handling.
type CoordinatorConfig struct {
	UploadURLExpiry time.Duration
	DefaultMaxSize  int64
}

// InitiateRequest asks for a new upload handle.
type InitiateRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	SchemaType  string `json:"schemaType"`
}

// UploadTicket is returned by Initiate. The client writes the file to
// Upload and then calls Complete with the same UploadID, FileKey and
// IdempotencyKey.
type UploadTicket struct {
	UploadID       string       `json:"uploadId"`
	Upload         UploadTarget `json:"uploadTarget"`
	FileKey        string       `json:"fileKey"`
	IdempotencyKey string       `json:"idempotencyKey"`
	ContentType    ContentType  `json:"contentType"`
	MaxFileSize    int64        `json:"maxFileSize"`
}

// CompleteRequest reports a finished upload.
type CompleteRequest struct {
	UploadID       string `json:"uploadId"`
	FileKey        string `json:"fileKey"`
	FileSize       int64  `json:"fileSize"`
	FileSHA256     string `json:"fileSha256"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// CompleteResult identifies the job handling an upload. Replayed is set when
// an existing job was returned instead of a new one.
type CompleteResult struct {
	JobID      string `json:"jobId"`
	SchemaType string `json:"schemaType"`
	Status     Phase  `json:"status"`
	Replayed   bool   `json:"replayed"`
}

// Coordinator issues upload handles and turns completed uploads into jobs.
type Coordinator struct {
	store    Store
	objects  ObjectStore
	registry *Registry
	runner   *Runner
	cfg      CoordinatorConfig
	now      func() time.Time
	keys     *keyedMutex
}

// NewCoordinator wires a coordinator.
func NewCoordinator(store Store, objects ObjectStore, registry *Registry, runner *Runner, cfg CoordinatorConfig) *Coordinator {
	if cfg.UploadURLExpiry <= 0 {
		cfg.UploadURLExpiry = DefaultUploadURLExpiry
	}
	if cfg.DefaultMaxSize <= 0 {
		cfg.DefaultMaxSize = DefaultMaxFileSize
	}
	return &Coordinator{
		store:    store,
		objects:  objects,
		registry: registry,
		runner:   runner,
		cfg:      cfg,
		now:      time.Now,
		keys:     newKeyedMutex(),
	}
}

// MaxFileSize returns the size limit for a schema.
func (c *Coordinator) MaxFileSize(def SchemaDefinition) int64 {
	if def.MaxFileSize > 0 {
		return def.MaxFileSize
	}
	return c.cfg.DefaultMaxSize
}

// Initiate validates the request, reserves an object key and returns a
// pre-authorized upload target with a server-issued idempotency key.
func (c *Coordinator) Initiate(ctx context.Context, req InitiateRequest) (UploadTicket, error) {
	def, err := c.registry.Lookup(req.SchemaType)
	if err != nil {
		return UploadTicket{}, err
	}
	ct, err := ResolveContentType(req.ContentType, req.FileName)
	if err != nil {
		return UploadTicket{}, fmt.Errorf("%w: %q", err, req.ContentType)
	}

	now := c.now().UTC()
	uploadID := uuid.NewString()
	key := fmt.Sprintf("imports/%s/%04d/%02d/%s/%s",
		def.Type, now.Year(), int(now.Month()), uploadID, sanitizeFileName(req.FileName))

	target, err := c.objects.PresignPut(ctx, key, req.ContentType, c.cfg.UploadURLExpiry)
	if err != nil {
		return UploadTicket{}, storageError(fmt.Errorf("presign upload: %w", err))
	}

	pending := PendingUpload{
		UploadID:       uploadID,
		FileKey:        key,
		FileName:       req.FileName,
		ContentType:    ct,
		SchemaType:     def.Type,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.cfg.UploadURLExpiry * pendingUploadTTLFactor),
	}
	if err := c.store.PutUpload(ctx, pending); err != nil {
		return UploadTicket{}, storageError(fmt.Errorf("store upload: %w", err))
	}

	slog.Info("upload initiated", "upload_id", uploadID, "schema", def.Type, "file_key", key)
	return UploadTicket{
		UploadID:       uploadID,
		Upload:         target,
		FileKey:        key,
		IdempotencyKey: pending.IdempotencyKey,
		ContentType:    ct,
		MaxFileSize:    c.MaxFileSize(def),
	}, nil
}

// Complete turns a finished upload into a queued job, or returns the job
// already created for the same key and file.
func (c *Coordinator) Complete(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	pending, err := c.store.GetUpload(ctx, req.UploadID)
	if err != nil {
		return CompleteResult{}, err
	}
	if subtle.ConstantTimeCompare([]byte(req.IdempotencyKey), []byte(pending.IdempotencyKey)) != 1 {
		return CompleteResult{}, fmt.Errorf("%w: key was not issued for upload %s", ErrIdempotencyMismatch, req.UploadID)
	}
	if req.FileKey != pending.FileKey {
		return CompleteResult{}, fmt.Errorf("%w: file key does not belong to upload %s", ErrIdempotencyMismatch, req.UploadID)
	}

	sha := strings.ToLower(strings.TrimSpace(req.FileSHA256))
	if len(sha) != 64 {
		return CompleteResult{}, ErrInvalidChecksum
	}
	if _, err := hex.DecodeString(sha); err != nil {
		return CompleteResult{}, ErrInvalidChecksum
	}

	def, err := c.registry.Lookup(pending.SchemaType)
	if err != nil {
		return CompleteResult{}, err
	}
	if req.FileSize <= 0 {
		return CompleteResult{}, ErrEmptyFile
	}
	if limit := c.MaxFileSize(def); req.FileSize > limit {
		return CompleteResult{}, fmt.Errorf("%w: %d bytes exceeds the %d byte limit for %s",
			ErrPayloadTooLarge, req.FileSize, limit, def.Type)
	}

	unlock := c.keys.Lock(pending.IdempotencyKey)
	defer unlock()

	if res, ok, err := c.replay(ctx, pending.IdempotencyKey, sha); err != nil || ok {
		return res, err
	}

	info, err := c.objects.Stat(ctx, pending.FileKey)
	switch {
	case errors.Is(err, ErrObjectNotFound):
		return CompleteResult{}, fmt.Errorf("%w: nothing stored at %s", ErrUploadIncomplete, pending.FileKey)
	case err != nil:
		return CompleteResult{}, storageError(fmt.Errorf("stat upload: %w", err))
	case info.Size != req.FileSize:
		return CompleteResult{}, fmt.Errorf("%w: stored %d bytes, declared %d", ErrUploadIncomplete, info.Size, req.FileSize)
	}

	now := c.now()
	job := &ImportJob{
		JobID:          uuid.NewString(),
		UploadID:       pending.UploadID,
		FileKey:        pending.FileKey,
		FileName:       pending.FileName,
		ContentType:    pending.ContentType,
		FileSize:       req.FileSize,
		FileSHA256:     sha,
		IdempotencyKey: pending.IdempotencyKey,
		SchemaType:     pending.SchemaType,
		Phase:          PhaseQueued,
		ClientIP:       GetIPAddressFromContext(ctx),
		UserAgent:      GetUserAgentFromContext(ctx),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return CompleteResult{}, storageError(fmt.Errorf("create job: %w", err))
	}
	if err := c.runner.Submit(job); err != nil {
		c.abandon(ctx, job, err)
		return CompleteResult{}, err
	}

	slog.Info("import queued",
		"job_id", job.JobID,
		"upload_id", job.UploadID,
		"schema", job.SchemaType,
		"file_size", job.FileSize,
	)
	return CompleteResult{JobID: job.JobID, SchemaType: job.SchemaType, Status: PhaseQueued}, nil
}

// replay returns the existing job for an idempotency key when it may stand
// in for a new one.
func (c *Coordinator) replay(ctx context.Context, key, sha string) (CompleteResult, bool, error) {
	prior, err := c.store.FindJobByIdempotencyKey(ctx, key)
	if errors.Is(err, ErrJobNotFound) {
		return CompleteResult{}, false, nil
	}
	if err != nil {
		return CompleteResult{}, false, storageError(fmt.Errorf("lookup idempotency key: %w", err))
	}
	if prior.Phase == PhaseFailed || prior.Phase == PhaseCancelled {
		return CompleteResult{}, false, nil
	}
	if prior.FileSHA256 != sha {
		return CompleteResult{}, false, fmt.Errorf("%w: job %s was created for a different file", ErrIdempotencyMismatch, prior.JobID)
	}
	return CompleteResult{JobID: prior.JobID, SchemaType: prior.SchemaType, Status: prior.Phase, Replayed: true}, true, nil
}

// abandon fails a stored job that could not be handed to the runner.
func (c *Coordinator) abandon(ctx context.Context, job *ImportJob, cause error) {
	_, err := c.store.UpdateJob(ctx, job.JobID, func(j *ImportJob) error {
		now := c.now()
		j.Phase = PhaseFailed
		j.Error = cause.Error()
		j.ErrorCode = MapError(cause).Code
		j.UpdatedAt = now
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		slog.Error("failed to mark unsubmitted job", "job_id", job.JobID, "error", err)
	}
}
