package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store owns job and pending-upload records. Implementations return copies;
// mutating a returned job has no effect until it is saved.
type Store interface {
	PutUpload(ctx context.Context, u PendingUpload) error
	// GetUpload returns ErrUploadNotFound for unknown or expired handles.
	GetUpload(ctx context.Context, uploadID string) (PendingUpload, error)

	// CreateJob stores a new job and indexes it by idempotency key.
	CreateJob(ctx context.Context, job *ImportJob) error
	// UpdateJob applies fn to the current job atomically and returns the
	// result. If fn returns an error nothing is written.
	UpdateJob(ctx context.Context, jobID string, fn func(*ImportJob) error) (*ImportJob, error)
	// GetJob returns ErrJobNotFound for unknown or expired jobs.
	GetJob(ctx context.Context, jobID string) (*ImportJob, error)
	// FindJobByIdempotencyKey returns the most recent job created for key.
	FindJobByIdempotencyKey(ctx context.Context, key string) (*ImportJob, error)
	// ListUnfinished returns jobs not yet in a terminal phase.
	ListUnfinished(ctx context.Context) ([]*ImportJob, error)
	// DeleteFinishedBefore drops terminal jobs finished before cutoff and
	// expired upload handles, returning the number of jobs removed.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*ImportJob
	byKey   map[string]string
	uploads map[string]PendingUpload
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*ImportJob),
		byKey:   make(map[string]string),
		uploads: make(map[string]PendingUpload),
		now:     time.Now,
	}
}

func (s *MemoryStore) PutUpload(_ context.Context, u PendingUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[u.UploadID] = u
	return nil
}

func (s *MemoryStore) GetUpload(_ context.Context, uploadID string) (PendingUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[uploadID]
	if !ok || (!u.ExpiresAt.IsZero() && s.now().After(u.ExpiresAt)) {
		return PendingUpload{}, fmt.Errorf("%w: %s", ErrUploadNotFound, uploadID)
	}
	return u, nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job *ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.JobID]; exists {
		return fmt.Errorf("job %s already exists", job.JobID)
	}
	s.jobs[job.JobID] = job.Clone()
	if job.IdempotencyKey != "" {
		s.byKey[job.IdempotencyKey] = job.JobID
	}
	return nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, jobID string, fn func(*ImportJob) error) (*ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.jobs[jobID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) FindJobByIdempotencyKey(ctx context.Context, key string) (*ImportJob, error) {
	s.mu.RLock()
	id, ok := s.byKey[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no job for idempotency key", ErrJobNotFound)
	}
	return s.GetJob(ctx, id)
}

func (s *MemoryStore) ListUnfinished(_ context.Context) ([]*ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ImportJob
	for _, job := range s.jobs {
		if !job.Phase.Terminal() {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.Phase.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			if s.byKey[job.IdempotencyKey] == id {
				delete(s.byKey, job.IdempotencyKey)
			}
			removed++
		}
	}
	now := s.now()
	for id, u := range s.uploads {
		if !u.ExpiresAt.IsZero() && now.After(u.ExpiresAt) {
			delete(s.uploads, id)
		}
	}
	return removed, nil
}
