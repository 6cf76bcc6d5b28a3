package core

import (
	"context"
	"fmt"
	"log/slog"
)

// RetryResult reports the outcome of a retry. A rejected correction is not
// an error: Success is false, Reason explains why and the record stays in
// FailedRecords with that reason.
type RetryResult struct {
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`
	Created       bool           `json:"created,omitempty"`
	FailedRecords []FailedRecord `json:"failedRecords"`
}

// Retry re-runs one failed record of a finished job through validation and
// a single-record write. corrected may use canonical names or any alias; its
// values override the stored raw record.
func (s *Service) Retry(ctx context.Context, jobID string, originalIndex int, corrected map[string]string) (RetryResult, error) {
	unlock := s.retryLocks.Lock(jobID)
	defer unlock()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return RetryResult{}, err
	}
	if !job.Phase.Terminal() {
		return RetryResult{}, fmt.Errorf("%w: job %s is %s", ErrJobNotFinished, jobID, job.Phase)
	}
	pos := job.FailedRecordAt(originalIndex)
	if pos < 0 {
		return RetryResult{}, fmt.Errorf("%w: index %d in job %s", ErrRecordNotFound, originalIndex, jobID)
	}
	def, err := s.registry.Lookup(job.SchemaType)
	if err != nil {
		return RetryResult{}, err
	}

	merged := make(map[string]string, len(job.FailedRecords[pos].RawRecord)+len(corrected))
	for k, v := range job.FailedRecords[pos].RawRecord {
		merged[k] = v
	}
	for k, v := range def.Canonicalize(corrected) {
		merged[k] = v
	}

	rec, failed := NewValidator(def).Validate(originalIndex, merged)
	if failed != nil {
		return s.keepFailed(ctx, jobID, originalIndex, merged, failed.ErrorReason)
	}

	outcomes, err := s.upserter.Upsert(ContextWithJobID(ctx, jobID), def, []Record{rec})
	if err != nil {
		return RetryResult{}, storageError(fmt.Errorf("retry record %d of job %s: %w", originalIndex, jobID, err))
	}
	if len(outcomes) != 1 {
		return RetryResult{}, storageError(fmt.Errorf("retry record %d of job %s: got %d outcomes", originalIndex, jobID, len(outcomes)))
	}
	if outcomes[0].Err != nil {
		return s.keepFailed(ctx, jobID, originalIndex, merged, fmt.Sprintf("write rejected: %v", outcomes[0].Err))
	}

	created := outcomes[0].Created
	updated, err := s.store.UpdateJob(ctx, jobID, func(j *ImportJob) error {
		i := j.FailedRecordAt(originalIndex)
		if i < 0 {
			return fmt.Errorf("%w: index %d in job %s", ErrRecordNotFound, originalIndex, jobID)
		}
		j.FailedRecords = append(j.FailedRecords[:i:i], j.FailedRecords[i+1:]...)
		j.RowsFailed--
		j.RowsValid++
		j.RowsWritten++
		if created {
			j.RowsCreated++
		} else {
			j.RowsUpdated++
		}
		j.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return RetryResult{}, err
	}

	s.LogAudit(ctx, AuditEntry{
		Action:       ActionRecordRetried,
		SchemaType:   job.SchemaType,
		JobID:        jobID,
		UploadID:     job.UploadID,
		RowsAffected: 1,
		Reason:       fmt.Sprintf("row %d", originalIndex),
	})
	slog.Info("failed record retried",
		"job_id", jobID,
		"original_index", originalIndex,
		"created", created,
		"rows_failed", updated.RowsFailed,
	)
	return RetryResult{Success: true, Created: created, FailedRecords: nonNil(updated.FailedRecords)}, nil
}

// keepFailed stores the merged record with its new reason.
func (s *Service) keepFailed(ctx context.Context, jobID string, originalIndex int, raw map[string]string, reason string) (RetryResult, error) {
	updated, err := s.store.UpdateJob(ctx, jobID, func(j *ImportJob) error {
		i := j.FailedRecordAt(originalIndex)
		if i < 0 {
			return fmt.Errorf("%w: index %d in job %s", ErrRecordNotFound, originalIndex, jobID)
		}
		j.FailedRecords[i].RawRecord = raw
		j.FailedRecords[i].ErrorReason = reason
		j.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return RetryResult{}, err
	}
	return RetryResult{Reason: reason, FailedRecords: nonNil(updated.FailedRecords)}, nil
}

func nonNil(records []FailedRecord) []FailedRecord {
	if records == nil {
		return []FailedRecord{}
	}
	return records
}
