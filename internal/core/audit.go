package core

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited.
type AuditAction string

const (
	ActionUploadInitiated AuditAction = "upload_initiated"
	ActionImportQueued    AuditAction = "import_queued"
	ActionImportCompleted AuditAction = "import_completed"
	ActionImportFailed    AuditAction = "import_failed"
	ActionImportCancelled AuditAction = "import_cancelled"
	ActionRecordRetried   AuditAction = "record_retried"
)

// AuditSeverity represents the severity level of an audit entry.
type AuditSeverity string

const (
	SeverityLow    AuditSeverity = "low"
	SeverityMedium AuditSeverity = "medium"
	SeverityHigh   AuditSeverity = "high"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID           string        `json:"id"`
	Action       AuditAction   `json:"action"`
	Severity     AuditSeverity `json:"severity"`
	SchemaType   string        `json:"schemaType"`
	JobID        string        `json:"jobId,omitempty"`
	UploadID     string        `json:"uploadId,omitempty"`
	IPAddress    string        `json:"ipAddress,omitempty"`
	UserAgent    string        `json:"userAgent,omitempty"`
	RowsAffected int64         `json:"rowsAffected,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// AuditFilter contains filtering options for querying audit logs.
// Zero fields match everything. Results are newest first.
type AuditFilter struct {
	JobID      string
	SchemaType string
	Action     AuditAction
	Since      time.Time
	Limit      int
}

func (f AuditFilter) matches(e AuditEntry) bool {
	switch {
	case f.JobID != "" && e.JobID != f.JobID:
		return false
	case f.SchemaType != "" && e.SchemaType != f.SchemaType:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case !f.Since.IsZero() && e.CreatedAt.Before(f.Since):
		return false
	}
	return true
}

// AuditLog stores audit entries.
type AuditLog interface {
	Append(ctx context.Context, e AuditEntry) error
	List(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// determineSeverity returns the appropriate severity for an action.
func determineSeverity(action AuditAction) AuditSeverity {
	switch action {
	case ActionImportFailed, ActionImportCancelled:
		return SeverityHigh
	case ActionImportCompleted, ActionRecordRetried:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// newAuditEntry fills id, severity, timestamp and request metadata.
func newAuditEntry(ctx context.Context, e AuditEntry) AuditEntry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Severity = determineSeverity(e.Action)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = GetIPAddressFromContext(ctx)
	}
	if e.UserAgent == "" {
		e.UserAgent = GetUserAgentFromContext(ctx)
	}
	return e
}

// LogAudit records an entry. Audit failures never fail the operation being
// audited; they are logged.
func (s *Service) LogAudit(ctx context.Context, e AuditEntry) {
	if s.audit == nil {
		return
	}
	e = newAuditEntry(ctx, e)
	if err := s.audit.Append(context.WithoutCancel(ctx), e); err != nil {
		slog.Warn("failed to write audit entry", "action", e.Action, "job_id", e.JobID, "error", err)
	}
}

// GetAuditLog retrieves audit log entries with optional filtering.
func (s *Service) GetAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	if s.audit == nil {
		return []AuditEntry{}, nil
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.audit.List(ctx, f)
}

// auditObserver writes one entry per finished job.
type auditObserver struct {
	svc *Service
}

func (o auditObserver) JobFinished(ctx context.Context, job *ImportJob) {
	o.svc.LogAudit(ctx, jobAuditEntry(job))
}

func jobAuditEntry(job *ImportJob) AuditEntry {
	e := AuditEntry{
		SchemaType:   job.SchemaType,
		JobID:        job.JobID,
		UploadID:     job.UploadID,
		IPAddress:    job.ClientIP,
		UserAgent:    job.UserAgent,
		RowsAffected: job.RowsWritten,
	}
	switch job.Phase {
	case PhaseCompleted:
		e.Action = ActionImportCompleted
	case PhaseCancelled:
		e.Action = ActionImportCancelled
	default:
		e.Action = ActionImportFailed
		e.Reason = job.ErrorCode + " " + job.Error
	}
	return e
}

// MemoryAuditLog keeps a bounded audit trail in process memory.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	max     int
}

// NewMemoryAuditLog returns a log holding at most max entries (oldest
// dropped first). max <= 0 means 10000.
func NewMemoryAuditLog(max int) *MemoryAuditLog {
	if max <= 0 {
		max = 10000
	}
	return &MemoryAuditLog{max: max}
}

func (m *MemoryAuditLog) Append(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if over := len(m.entries) - m.max; over > 0 {
		m.entries = append([]AuditEntry(nil), m.entries[over:]...)
	}
	return nil
}

func (m *MemoryAuditLog) List(_ context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []AuditEntry{}
	for _, e := range m.entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
