package core

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes a stored upload.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	ETag        string
}

// ObjectStore is what the pipeline needs from object storage: a
// time-limited write target for the client, and read access to the bytes
// once the client reports the upload complete.
type ObjectStore interface {
	PresignPut(ctx context.Context, key, contentType string, expiry time.Duration) (UploadTarget, error)
	// Stat returns ErrObjectNotFound when nothing was uploaded under key.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// JobObserver is told about every job that reaches a terminal phase, after
// the final state has been stored and published. Implementations must not
// block for long; failures are theirs to log.
type JobObserver interface {
	JobFinished(ctx context.Context, job *ImportJob)
}
