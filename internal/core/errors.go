package core

import (
	"errors"
	"fmt"
)

// Job-level (fatal) and request-level errors. Callers test with errors.Is;
// messages are phrased so MapError can classify wrapped variants too.
var (
	ErrInvalidSchemaType      = errors.New("invalid schema type")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrIdempotencyMismatch    = errors.New("idempotency key mismatch")
	ErrPayloadTooLarge        = errors.New("file too large")
	ErrInvalidChecksum        = errors.New("invalid checksum: expected 64 hex characters")
	ErrUploadNotFound         = errors.New("upload not found")
	ErrUploadIncomplete       = errors.New("upload incomplete")
	ErrObjectNotFound         = errors.New("object not found")

	ErrCorruptFile      = errors.New("corrupt file")
	ErrEmptyFile        = errors.New("empty file")
	ErrMissingColumns   = errors.New("missing required column")
	ErrChecksumMismatch = errors.New("checksum mismatch")

	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrJobStalled         = errors.New("job stalled")
	ErrJobTimeout         = errors.New("job timed out")
	ErrTooManyJobs        = errors.New("too many concurrent imports, please try again later")

	ErrJobNotFound    = errors.New("job not found")
	ErrRecordNotFound = errors.New("record not found")
	ErrJobNotFinished = errors.New("job not finished")

	// errCancelRequested unwinds the pipeline when the cooperative flag is seen.
	errCancelRequested = errors.New("import cancelled")
	// errJobSettled aborts a store update because the job is already terminal.
	errJobSettled = errors.New("job already finished")
)

// FieldError describes a single invalid field of a row.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// storageError marks err as a storage outage while keeping the cause.
func storageError(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}
