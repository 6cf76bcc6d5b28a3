package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/logging"
)

// handleInitiate issues an upload handle and presigned target.
func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req core.InitiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	ticket, err := s.service.Initiate(WithRequestMetadata(r.Context(), r), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

// handleComplete turns a finished upload into a queued job. The job runs in
// the background; the response only carries its id.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req core.CompleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.UploadID = chi.URLParam(r, "uploadID")

	res, err := s.service.Complete(WithRequestMetadata(r.Context(), r), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	logging.WithFields(r.Context(), "job_id", res.JobID, "upload_id", req.UploadID).
		Info("upload completed", "replayed", res.Replayed, "status", res.Status)

	w.Header().Set("Location", "/api/imports/jobs/"+res.JobID)
	writeJSON(w, http.StatusAccepted, res)
}

// handlePreview runs a dry parse over the start of an uploaded file.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req core.PreviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.UploadID = chi.URLParam(r, "uploadID")

	res, err := s.service.Preview(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePutObject receives file bytes for presigned URLs issued by the
// in-process object store.
func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || key == "" {
		s.respondError(w, r, fmt.Errorf("%w: missing object key", errBadRequest))
		return
	}

	n, err := s.opts.Objects.Put(r.Context(), key, r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		if errors.Is(err, core.ErrPayloadTooLarge) || errors.Is(err, core.ErrStorageUnavailable) {
			s.respondError(w, r, err)
			return
		}
		// Unknown or expired grants look the same as an expired presigned
		// URL on S3.
		logging.FromContext(r.Context()).Warn("object upload rejected", "key", key, "error", err)
		writeJSON(w, http.StatusForbidden, ErrorResponse{
			Error:   "Upload URL is invalid or has expired",
			Message: "Upload URL is invalid or has expired",
			Action:  "Start a new upload",
			Code:    "UPL001",
		})
		return
	}

	logging.FromContext(r.Context()).Debug("object stored", "key", key, "bytes", n)
	w.WriteHeader(http.StatusOK)
}
