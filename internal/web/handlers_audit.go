package web

import (
	"context"
	"net/http"
	"time"

	"github.com/JonMunkholm/bulkimport/internal/core"
)

// handleAuditLog lists audit entries, newest first. Supported filters:
// jobId, schemaType, action, since (RFC 3339 or duration) and limit.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseSince(r, time.Now())
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	entries, err := s.service.GetAuditLog(r.Context(), core.AuditFilter{
		JobID:      q.Get("jobId"),
		SchemaType: q.Get("schemaType"),
		Action:     core.AuditAction(q.Get("action")),
		Since:      since,
		Limit:      parseIntParam(r, "limit", 100),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleListSchemas describes the importable schema types.
func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schemas": s.service.Schemas()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"limiter": s.service.LimiterStatus(),
	})
}

// handleReady checks the storage dependencies within a short deadline.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
