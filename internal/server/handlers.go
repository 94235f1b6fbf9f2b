package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/torii/kakunin/internal/models"
	"github.com/torii/kakunin/internal/pipeline"
	"github.com/torii/kakunin/internal/storage"
)

// handleUpload ingests a multipart document upload. Processing runs in the
// background by default; ?wait=true blocks until the record reaches
// VALIDATED or FAILED and returns the final record.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "expected multipart form upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}
	if int64(len(content)) > maxUploadBytes {
		s.respondError(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}

	typeHint := r.FormValue("type_hint")
	s.logger.Debug("upload request",
		zap.String("filename", header.Filename),
		zap.String("type_hint", typeHint))

	rec, err := s.pipeline.Ingest(r.Context(), header.Filename, content, models.UploadAPI, typeHint)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		if err := s.pipeline.Process(r.Context(), rec.ID); err != nil {
			s.logger.Warn("synchronous processing failed",
				zap.String("document_id", rec.ID), zap.Error(err))
		}
		got, err := s.store.GetRecord(r.Context(), rec.ID)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, got)
		return
	}

	// The request context dies with the response; processing gets its own.
	go func() {
		if err := s.pipeline.Process(context.Background(), rec.ID); err != nil {
			s.logger.Warn("background processing failed",
				zap.String("document_id", rec.ID), zap.Error(err))
		}
	}()
	s.respondJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	state := models.ProcessingState(r.URL.Query().Get("state"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}
	recs, err := s.store.ListRecords(r.Context(), state, offset, limit)
	if err != nil {
		s.logger.Error("list documents failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []*models.ProcessingRecord{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"documents": recs,
		"offset":    offset,
		"limit":     limit,
	})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		var notFound *storage.NotFoundError
		if errors.As(err, &notFound) {
			s.respondError(w, http.StatusNotFound, "document not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("resume request", zap.String("document_id", id))
	if err := s.pipeline.Resume(r.Context(), id); err != nil {
		s.respondStateError(w, id, err)
		return
	}
	rec, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("restart request", zap.String("document_id", id))
	if err := s.pipeline.Restart(r.Context(), id); err != nil {
		s.respondStateError(w, id, err)
		return
	}
	rec, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

type releaseRequest struct {
	Decision string `json:"decision"` // "approve" or "reject"
	Actor    string `json:"actor"`
	Comment  string `json:"comment,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Actor == "" {
		s.respondError(w, http.StatusBadRequest, "actor is required")
		return
	}
	s.logger.Debug("release request",
		zap.String("document_id", id),
		zap.String("decision", req.Decision),
		zap.String("actor", req.Actor))

	var rec *models.ProcessingRecord
	var err error
	switch req.Decision {
	case "approve":
		rec, err = s.pipeline.Approve(r.Context(), id, req.Actor, req.Comment)
	case "reject":
		rec, err = s.pipeline.Reject(r.Context(), id, req.Actor, req.Comment)
	default:
		s.respondError(w, http.StatusBadRequest, "decision must be approve or reject")
		return
	}
	if err != nil {
		var conflict *pipeline.ReleaseConflictError
		var notFound *storage.NotFoundError
		switch {
		case errors.As(err, &conflict):
			s.respondError(w, http.StatusPreconditionFailed, conflict.Error())
		case errors.As(err, &notFound):
			s.respondError(w, http.StatusNotFound, "document not found")
		case rec != nil:
			// Approved but the index handoff failed; the decision stands.
			s.logger.Error("release handoff failed", zap.Error(err))
			s.respondJSON(w, http.StatusAccepted, rec)
		default:
			s.logger.Error("release failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total, err := s.store.CountRecords(ctx)
	if err != nil {
		s.logger.Error("status: count records failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byState, err := s.store.CountByState(ctx)
	if err != nil {
		s.logger.Error("status: count by state failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	states := make(map[string]int64, len(byState))
	for state, n := range byState {
		states[string(state)] = n
	}
	resp := map[string]interface{}{
		"documents": total,
		"states":    states,
	}

	if s.config != nil {
		resp["config"] = map[string]interface{}{
			"database_path":      s.config.Storage.DatabasePath,
			"image_store_path":   s.config.Storage.ImageStorePath,
			"index_path":         s.config.Storage.IndexPath,
			"coverage_threshold": s.config.Verification.CoverageThreshold,
			"providers":          len(s.config.Providers),
		}
		diskBytes, err := storage.DiskUsageBytes(
			s.config.Storage.DatabasePath,
			s.config.Storage.ImageStorePath,
			s.config.Storage.IndexPath,
		)
		if err == nil {
			resp["disk_usage_bytes"] = diskBytes
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// respondStateError maps pipeline errors for resume/restart: missing records
// are 404, wrong-state refusals are 409.
func (s *Server) respondStateError(w http.ResponseWriter, id string, err error) {
	var notFound *storage.NotFoundError
	if errors.As(err, &notFound) {
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	s.logger.Warn("state change refused", zap.String("document_id", id), zap.Error(err))
	s.respondError(w, http.StatusConflict, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
