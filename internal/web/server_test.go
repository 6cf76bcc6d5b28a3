package web

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/bulkimport/internal/config"
	"github.com/JonMunkholm/bulkimport/internal/core"
	_ "github.com/JonMunkholm/bulkimport/internal/core/schemas"
	"github.com/JonMunkholm/bulkimport/internal/metrics"
	"github.com/JonMunkholm/bulkimport/internal/objectstore"
)

const pricelistCSV = "Kode Item,Harga\nA1,100\nA2,abc\nA3,300\n"

type harness struct {
	t       *testing.T
	server  *Server
	service *core.Service
	upserts *core.MemoryUpserter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{RequestTimeout: 5 * time.Second, SSEHeartbeat: 50 * time.Millisecond},
		Rate:   config.RateLimitConfig{Enabled: false},
	}
	objects := objectstore.NewMemoryStore("http://imports.test/api/imports/objects", 0)
	upserts := core.NewMemoryUpserter()
	svc, err := core.NewService(core.ServiceDeps{
		Store:    core.NewMemoryStore(),
		Objects:  objects,
		Upserter: upserts,
		Audit:    core.NewMemoryAuditLog(100),
	}, core.ServiceConfig{
		Coordinator:   core.CoordinatorConfig{UploadURLExpiry: time.Minute},
		Runner:        core.RunnerConfig{BatchSize: 2, ProgressInterval: time.Millisecond},
		MaxConcurrent: 2,
		MaxWait:       time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })

	return &harness{
		t:       t,
		server:  NewServer(svc, cfg, Options{Objects: objects, Metrics: metrics.New()}),
		service: svc,
		upserts: upserts,
	}
}

func (h *harness) do(method, target string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "192.0.2.10:5000"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	return rec
}

func (h *harness) doJSON(method, target string, v any) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if v != nil {
		require.NoError(h.t, json.NewEncoder(&body).Encode(v))
	}
	return h.do(method, target, &body, "Content-Type", "application/json")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// upload runs initiate, the direct PUT and complete for data.
func (h *harness) upload(data string) core.CompleteResult {
	t := h.t
	rec := h.doJSON(http.MethodPost, "/api/imports/uploads", core.InitiateRequest{
		FileName:    "harga.csv",
		ContentType: "text/csv",
		SchemaType:  "pricelist",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ticket := decode[core.UploadTicket](t, rec)

	u, err := url.Parse(ticket.Upload.URL)
	require.NoError(t, err)
	rec = h.do(ticket.Upload.Method, u.EscapedPath(), strings.NewReader(data), "Content-Type", "text/csv")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sum := sha256.Sum256([]byte(data))
	rec = h.doJSON(http.MethodPost, "/api/imports/uploads/"+ticket.UploadID+"/complete", core.CompleteRequest{
		FileKey:        ticket.FileKey,
		FileSize:       int64(len(data)),
		FileSHA256:     hex.EncodeToString(sum[:]),
		IdempotencyKey: ticket.IdempotencyKey,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/imports/jobs/"+decode[core.CompleteResult](t, rec).JobID, rec.Header().Get("Location"))
	return decode[core.CompleteResult](t, rec)
}

func (h *harness) waitTerminal(jobID string) core.ProgressEvent {
	var ev core.ProgressEvent
	require.Eventually(h.t, func() bool {
		rec := h.do(http.MethodGet, "/api/imports/jobs/"+jobID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		ev = decode[core.ProgressEvent](h.t, rec)
		return ev.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return ev
}

func TestImportFlow(t *testing.T) {
	h := newHarness(t)
	res := h.upload(pricelistCSV)
	assert.Equal(t, core.PhaseQueued, res.Status)
	assert.False(t, res.Replayed)

	ev := h.waitTerminal(res.JobID)
	assert.Equal(t, core.PhaseCompleted, ev.Status)
	require.NotNil(t, ev.Summary)
	assert.Equal(t, int64(3), ev.Summary.RowsParsed)
	assert.Equal(t, int64(2), ev.Summary.RowsWritten)
	assert.Equal(t, int64(1), ev.Summary.RowsFailed)

	rec := h.do(http.MethodGet, "/api/imports/jobs/"+res.JobID+"/failed-records", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decode[failedRecordsResponse](t, rec)
	require.Len(t, failed.FailedRecords, 1)
	assert.Equal(t, 2, failed.FailedRecords[0].OriginalIndex)
	assert.Equal(t, "abc", failed.FailedRecords[0].RawRecord["price"])

	rec = h.do(http.MethodGet, "/api/imports/jobs/"+res.JobID+"/failed-records?format=csv", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "_index,_line,_error,item_code,item_name,price,currency,effective_date", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "2,3,"), lines[1])

	rec = h.doJSON(http.MethodPost, "/api/imports/jobs/"+res.JobID+"/failed-records/2/retry",
		retryRequest{Corrected: map[string]string{"Harga": "150"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	retry := decode[core.RetryResult](t, rec)
	assert.True(t, retry.Success)
	assert.Empty(t, retry.FailedRecords)

	job, err := h.service.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), job.RowsWritten)
	assert.Equal(t, int64(0), job.RowsFailed)
	assert.Equal(t, "192.0.2.10", job.ClientIP)

	rec = h.do(http.MethodGet, "/api/imports/audit?jobId="+res.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[struct {
		Entries []core.AuditEntry `json:"entries"`
		Count   int               `json:"count"`
	}](t, rec)
	assert.GreaterOrEqual(t, audit.Count, 3)
	assert.Equal(t, core.ActionRecordRetried, audit.Entries[0].Action)
}

func TestCompleteReplay(t *testing.T) {
	h := newHarness(t)

	rec := h.doJSON(http.MethodPost, "/api/imports/uploads", core.InitiateRequest{
		FileName: "harga.csv", ContentType: "text/csv", SchemaType: "pricelist",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	ticket := decode[core.UploadTicket](t, rec)
	u, _ := url.Parse(ticket.Upload.URL)
	h.do(http.MethodPut, u.EscapedPath(), strings.NewReader(pricelistCSV))

	sum := sha256.Sum256([]byte(pricelistCSV))
	req := core.CompleteRequest{
		FileKey:        ticket.FileKey,
		FileSize:       int64(len(pricelistCSV)),
		FileSHA256:     hex.EncodeToString(sum[:]),
		IdempotencyKey: ticket.IdempotencyKey,
	}
	first := decode[core.CompleteResult](t, h.doJSON(http.MethodPost, "/api/imports/uploads/"+ticket.UploadID+"/complete", req))
	h.waitTerminal(first.JobID)

	rec = h.doJSON(http.MethodPost, "/api/imports/uploads/"+ticket.UploadID+"/complete", req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	second := decode[core.CompleteResult](t, rec)
	assert.Equal(t, first.JobID, second.JobID)
	assert.True(t, second.Replayed)

	req.FileSHA256 = strings.Repeat("0", 64)
	rec = h.doJSON(http.MethodPost, "/api/imports/uploads/"+ticket.UploadID+"/complete", req)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "IMP003", decode[ErrorResponse](t, rec).Code)
}

func TestErrorResponses(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		method string
		target string
		body   any
		status int
		code   string
	}{
		{"unknown schema", http.MethodPost, "/api/imports/uploads",
			core.InitiateRequest{FileName: "a.csv", ContentType: "text/csv", SchemaType: "nope"}, http.StatusBadRequest, "IMP001"},
		{"unsupported format", http.MethodPost, "/api/imports/uploads",
			core.InitiateRequest{FileName: "a.pdf", ContentType: "application/pdf", SchemaType: "pricelist"}, http.StatusBadRequest, "IMP002"},
		{"unknown field", http.MethodPost, "/api/imports/uploads",
			map[string]string{"schema": "pricelist"}, http.StatusBadRequest, "REQ001"},
		{"unknown upload", http.MethodPost, "/api/imports/uploads/missing/complete",
			core.CompleteRequest{FileKey: "k", FileSize: 1, FileSHA256: strings.Repeat("a", 64), IdempotencyKey: "x"}, http.StatusNotFound, "UPL001"},
		{"unknown job", http.MethodGet, "/api/imports/jobs/missing", nil, http.StatusNotFound, "IMP004"},
		{"cancel unknown job", http.MethodPost, "/api/imports/jobs/missing/cancel", nil, http.StatusNotFound, "IMP004"},
		{"bad retry index", http.MethodPost, "/api/imports/jobs/x/failed-records/zero/retry", nil, http.StatusBadRequest, "REQ001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.doJSON(tt.method, tt.target, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestHTMXFragments(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/imports/jobs/missing", nil, "HX-Request", "true")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Error code: IMP004")

	res := h.upload(pricelistCSV)
	h.waitTerminal(res.JobID)
	rec = h.do(http.MethodGet, "/api/imports/jobs/"+res.JobID, nil, "HX-Request", "true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `phase-completed`)
	assert.NotContains(t, rec.Body.String(), "hx-trigger", "finished jobs stop polling")
}

func TestJobEventsFinishedJob(t *testing.T) {
	h := newHarness(t)
	res := h.upload(pricelistCSV)
	h.waitTerminal(res.JobID)

	srv := httptest.NewServer(h.server.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/imports/jobs/" + res.JobID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	assert.Equal(t, []string{"complete"}, events, "stream ends after the terminal event")
}

func TestJobEventsUnknownJob(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/imports/jobs/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutObjectRejectsUnknownKey(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPut, "/api/imports/objects/imports/pricelist/x.csv", strings.NewReader("a"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSchemasAndHealth(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/schemas", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	schemas := decode[struct {
		Schemas []core.SchemaInfo `json:"schemas"`
	}](t, rec)
	var types []string
	for _, s := range schemas.Schemas {
		types = append(types, s.Type)
	}
	assert.Contains(t, types, "pricelist")
	assert.Contains(t, types, "transfer_items")

	rec = h.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = h.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bulkimport_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.ErrInvalidSchemaType, http.StatusBadRequest},
		{core.ErrInvalidChecksum, http.StatusBadRequest},
		{core.ErrIdempotencyMismatch, http.StatusConflict},
		{core.ErrJobNotFinished, http.StatusConflict},
		{core.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{core.ErrRecordNotFound, http.StatusNotFound},
		{core.ErrTooManyJobs, http.StatusTooManyRequests},
		{core.ErrMissingColumns, http.StatusUnprocessableEntity},
		{core.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
