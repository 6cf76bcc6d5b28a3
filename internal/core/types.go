package core

import (
	"path"
	"strings"
	"time"
)

// Phase is the lifecycle stage of an import job.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseParsing    Phase = "parsing"
	PhaseValidating Phase = "validating"
	PhaseWriting    Phase = "writing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

// phaseRank orders the forward phases. Terminal phases share the top rank.
var phaseRank = map[Phase]int{
	PhaseQueued:     0,
	PhaseParsing:    1,
	PhaseValidating: 2,
	PhaseWriting:    3,
	PhaseCompleted:  4,
	PhaseFailed:     4,
	PhaseCancelled:  4,
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// CanTransition reports whether a job in phase p may move to phase to.
// Forward moves may skip stages (a file where every row fails validation
// never reaches writing); failed and cancelled are reachable from any
// non-terminal phase.
func (p Phase) CanTransition(to Phase) bool {
	if p.Terminal() {
		return false
	}
	if _, ok := phaseRank[to]; !ok {
		return false
	}
	if to == PhaseFailed || to == PhaseCancelled {
		return true
	}
	return phaseRank[to] > phaseRank[p]
}

// ContentType is the tabular container format of an uploaded file.
type ContentType string

const (
	ContentCSV  ContentType = "csv"
	ContentXLS  ContentType = "xls"
	ContentXLSX ContentType = "xlsx"
)

var mimeContentTypes = map[string]ContentType{
	"text/csv":                 ContentCSV,
	"application/csv":          ContentCSV,
	"application/vnd.ms-excel": ContentXLS,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": ContentXLSX,
}

// ResolveContentType maps a declared MIME type (or bare format name) and the
// file name to a supported ContentType. The declared type wins when it is
// specific; generic types like application/octet-stream fall back to the
// file extension.
func ResolveContentType(declared, fileName string) (ContentType, error) {
	d := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(d, ';'); i >= 0 {
		d = strings.TrimSpace(d[:i])
	}
	switch ContentType(d) {
	case ContentCSV, ContentXLS, ContentXLSX:
		return ContentType(d), nil
	}
	if ct, ok := mimeContentTypes[d]; ok {
		return ct, nil
	}

	switch strings.ToLower(path.Ext(fileName)) {
	case ".csv", ".txt":
		return ContentCSV, nil
	case ".xls":
		return ContentXLS, nil
	case ".xlsx":
		return ContentXLSX, nil
	}
	if d == "text/plain" {
		return ContentCSV, nil
	}
	return "", ErrUnsupportedContentType
}

// Counters are the row tallies of a job. RowsTotal is meaningful only when
// RowsTotalKnown is set.
type Counters struct {
	RowsTotal         int64 `json:"rowsTotal"`
	RowsTotalKnown    bool  `json:"rowsTotalKnown"`
	RowsParsed        int64 `json:"rowsParsed"`
	RowsValid         int64 `json:"rowsValid"`
	RowsWritten       int64 `json:"rowsWritten"`
	RowsFailed        int64 `json:"rowsFailed"`
	RowsCreated       int64 `json:"rowsCreated"`
	RowsUpdated       int64 `json:"rowsUpdated"`
	DuplicatesRemoved int64 `json:"duplicatesRemoved"`
}

// FailedRecord is a row that was rejected during parsing, validation or
// writing. OriginalIndex is the 1-based position of the data row in the file
// (header excluded) and is the handle used by retry.
type FailedRecord struct {
	OriginalIndex int               `json:"originalIndex"`
	Line          int               `json:"line,omitempty"`
	RawRecord     map[string]string `json:"rawRecord"`
	ErrorReason   string            `json:"errorReason"`
}

// ImportJob is the unit of work for one uploaded file and the single source
// of truth for its progress.
type ImportJob struct {
	JobID          string      `json:"jobId"`
	UploadID       string      `json:"uploadId"`
	FileKey        string      `json:"fileKey"`
	FileName       string      `json:"fileName,omitempty"`
	ContentType    ContentType `json:"contentType"`
	FileSize       int64       `json:"fileSize"`
	FileSHA256     string      `json:"fileSha256"`
	IdempotencyKey string      `json:"idempotencyKey"`
	SchemaType     string      `json:"schemaType"`
	Phase          Phase       `json:"phase"`

	Counters
	ThroughputRPS float64 `json:"throughputRps,omitempty"`

	FailedRecords          []FailedRecord `json:"failedRecords"`
	FailedRecordsTruncated bool           `json:"failedRecordsTruncated,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`

	ClientIP  string `json:"clientIp,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (j *ImportJob) Clone() *ImportJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.FailedRecords != nil {
		c.FailedRecords = make([]FailedRecord, len(j.FailedRecords))
		for i, fr := range j.FailedRecords {
			c.FailedRecords[i] = fr.clone()
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func (fr FailedRecord) clone() FailedRecord {
	c := fr
	if fr.RawRecord != nil {
		c.RawRecord = make(map[string]string, len(fr.RawRecord))
		for k, v := range fr.RawRecord {
			c.RawRecord[k] = v
		}
	}
	return c
}

// FailedRecordAt returns the position of the failed record with the given
// original index, or -1.
func (j *ImportJob) FailedRecordAt(originalIndex int) int {
	for i, fr := range j.FailedRecords {
		if fr.OriginalIndex == originalIndex {
			return i
		}
	}
	return -1
}

// Summary is the terminal report of a job.
type Summary struct {
	RowsParsed        int64  `json:"rowsParsed"`
	RowsValid         int64  `json:"rowsValid"`
	RowsWritten       int64  `json:"rowsWritten"`
	RowsFailed        int64  `json:"rowsFailed"`
	RowsCreated       int64  `json:"rowsCreated"`
	RowsUpdated       int64  `json:"rowsUpdated"`
	DuplicatesRemoved int64  `json:"duplicatesRemoved"`
	FailedRecords     int    `json:"failedRecords"`
	Error             string `json:"error,omitempty"`
	ErrorCode         string `json:"errorCode,omitempty"`
	DurationMS        int64  `json:"durationMs,omitempty"`
}

// ProgressEvent is the payload shared by the pull endpoint and the push
// stream. Status and Summary are set only once the job is terminal.
type ProgressEvent struct {
	JobID         string   `json:"jobId"`
	SchemaType    string   `json:"schemaType"`
	Phase         Phase    `json:"phase"`
	RowsTotal     *int64   `json:"rowsTotal,omitempty"`
	RowsParsed    int64    `json:"rowsParsed"`
	RowsValid     int64    `json:"rowsValid"`
	RowsWritten   int64    `json:"rowsWritten"`
	RowsFailed    int64    `json:"rowsFailed"`
	ThroughputRPS *float64 `json:"throughputRps,omitempty"`
	ETASeconds    *float64 `json:"etaSeconds,omitempty"`
	Status        Phase    `json:"status,omitempty"`
	Summary       *Summary `json:"summary,omitempty"`
}

// Terminal reports whether this is the final event of a job.
func (e ProgressEvent) Terminal() bool { return e.Phase.Terminal() }

// Snapshot derives the progress payload from the job.
func (j *ImportJob) Snapshot() ProgressEvent {
	ev := ProgressEvent{
		JobID:       j.JobID,
		SchemaType:  j.SchemaType,
		Phase:       j.Phase,
		RowsParsed:  j.RowsParsed,
		RowsValid:   j.RowsValid,
		RowsWritten: j.RowsWritten,
		RowsFailed:  j.RowsFailed,
	}
	if j.RowsTotalKnown {
		total := j.RowsTotal
		ev.RowsTotal = &total
	}

	if j.Phase.Terminal() {
		ev.Status = j.Phase
		s := j.Summary()
		ev.Summary = &s
		return ev
	}

	if j.ThroughputRPS > 0 {
		rps := j.ThroughputRPS
		ev.ThroughputRPS = &rps
		if j.RowsTotalKnown {
			remaining := j.RowsTotal - j.RowsWritten
			if remaining < 0 {
				remaining = 0
			}
			eta := float64(remaining) / rps
			ev.ETASeconds = &eta
		}
	}
	return ev
}

// Summary builds the terminal report from the job's counters.
func (j *ImportJob) Summary() Summary {
	s := Summary{
		RowsParsed:        j.RowsParsed,
		RowsValid:         j.RowsValid,
		RowsWritten:       j.RowsWritten,
		RowsFailed:        j.RowsFailed,
		RowsCreated:       j.RowsCreated,
		RowsUpdated:       j.RowsUpdated,
		DuplicatesRemoved: j.DuplicatesRemoved,
		FailedRecords:     len(j.FailedRecords),
		Error:             j.Error,
		ErrorCode:         j.ErrorCode,
	}
	if j.StartedAt != nil && j.FinishedAt != nil {
		s.DurationMS = j.FinishedAt.Sub(*j.StartedAt).Milliseconds()
	}
	return s
}

// UploadTarget is a pre-authorized location the client writes file bytes to.
type UploadTarget struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// PendingUpload binds an issued upload handle to its idempotency key until
// the client completes it or the handle expires.
type PendingUpload struct {
	UploadID       string      `json:"uploadId"`
	FileKey        string      `json:"fileKey"`
	FileName       string      `json:"fileName"`
	ContentType    ContentType `json:"contentType"`
	SchemaType     string      `json:"schemaType"`
	IdempotencyKey string      `json:"idempotencyKey"`
	CreatedAt      time.Time   `json:"createdAt"`
	ExpiresAt      time.Time   `json:"expiresAt"`
}
