package web

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/logging"
	"github.com/JonMunkholm/bulkimport/internal/web/templates"
)

// handleGetJob returns the progress payload of a job. HTMX clients get a
// self-refreshing progress card instead.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	ev, err := s.service.GetProgress(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if isHTMX(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		templates.JobProgress(ev, r.URL.Path).Render(r.Context(), w)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleJobEvents streams progress via Server-Sent Events. The first event
// is the current snapshot; the stream ends after the terminal event. Each
// event id is the job's rowsParsed so clients can discard stale events
// after reconnecting.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, r, fmt.Errorf("streaming not supported"))
		return
	}

	sub, err := s.service.Subscribe(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := logging.WithFields(r.Context(), "job_id", jobID)
	interval := s.cfg.Server.SSEHeartbeat
	if interval <= 0 {
		interval = 15 * time.Second
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Warn("encode progress event", "error", err)
				return
			}
			event := "progress"
			if ev.Terminal() {
				event = "complete"
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.RowsParsed, event, data); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleCancel requests cancellation. Cancelling a finished job returns its
// final state.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	ev, err := s.service.Cancel(WithRequestMetadata(r.Context(), r), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	logging.WithFields(r.Context(), "job_id", jobID).Info("cancel requested", "phase", ev.Phase)
	writeJSON(w, http.StatusOK, ev)
}

type failedRecordsResponse struct {
	JobID         string              `json:"jobId"`
	Truncated     bool                `json:"truncated"`
	Total         int                 `json:"total"`
	FailedRecords []core.FailedRecord `json:"failedRecords"`
}

// handleFailedRecords lists rejected rows, or exports them as CSV with
// ?format=csv.
func (s *Server) handleFailedRecords(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	records, truncated, err := s.service.FailedRecords(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		s.exportFailedRecords(w, r, jobID, records)
		return
	}

	writeJSON(w, http.StatusOK, failedRecordsResponse{
		JobID:         jobID,
		Truncated:     truncated,
		Total:         len(records),
		FailedRecords: records,
	})
}

// exportFailedRecords writes the failed rows with the schema's fields in
// declaration order, followed by any other column the rows carry.
func (s *Server) exportFailedRecords(w http.ResponseWriter, r *http.Request, jobID string, records []core.FailedRecord) {
	job, err := s.service.GetJob(r.Context(), jobID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	columns := s.exportColumns(job.SchemaType, records)

	filename := fmt.Sprintf("failed_records_%s_%s.csv", job.SchemaType, time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	cw := csv.NewWriter(w)
	cw.Write(append([]string{"_index", "_line", "_error"}, columns...))
	for _, rec := range records {
		row := make([]string, 0, len(columns)+3)
		row = append(row, strconv.Itoa(rec.OriginalIndex), strconv.Itoa(rec.Line), rec.ErrorReason)
		for _, c := range columns {
			row = append(row, rec.RawRecord[c])
		}
		cw.Write(row)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		logging.WithFields(r.Context(), "job_id", jobID).Warn("failed records export interrupted", "error", err)
	}
}

func (s *Server) exportColumns(schemaType string, records []core.FailedRecord) []string {
	seen := make(map[string]bool)
	var columns []string
	for _, info := range s.service.Schemas() {
		if info.Type != schemaType {
			continue
		}
		for _, f := range info.Fields {
			seen[f.Name] = true
			columns = append(columns, f.Name)
		}
	}

	var extra []string
	for _, rec := range records {
		for k := range rec.RawRecord {
			if !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
	}
	sort.Strings(extra)
	return append(columns, extra...)
}

type retryRequest struct {
	Corrected map[string]string `json:"corrected"`
}

// handleRetry re-submits one failed record, optionally with corrected
// values. A record that fails again is reported with success=false and
// status 200; the job and record must exist.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 1 {
		s.respondError(w, r, fmt.Errorf("%w: record index must be a positive integer", errBadRequest))
		return
	}

	var req retryRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		s.respondError(w, r, err)
		return
	}

	res, err := s.service.Retry(WithRequestMetadata(r.Context(), r), jobID, index, req.Corrected)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	logging.WithFields(r.Context(), "job_id", jobID, "original_index", index).
		Info("record retried", "success", res.Success)
	writeJSON(w, http.StatusOK, res)
}
