package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/warden/internal/engine"
	"github.com/foxzi/warden/internal/importer"
	"github.com/foxzi/warden/internal/template"
)

// ImportRequest is the request body for POST /guilds/{guildID}/import.
// Exactly one of TemplateID and Template must be set.
type ImportRequest struct {
	TemplateID   string          `json:"templateId,omitempty"`
	Template     json.RawMessage `json:"template,omitempty"`
	Strategy     string          `json:"strategy,omitempty"`
	SkipSections []string        `json:"skipSections,omitempty"`
	DryRun       bool            `json:"dryRun"`
	Wait         bool            `json:"wait"`
}

// ImportListResponse is the response for GET /imports
type ImportListResponse struct {
	Operations []importer.Snapshot `json:"operations"`
	Total      int                 `json:"total"`
}

// CancelResponse is the response for DELETE /imports/{id}
type CancelResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CleanupResponse is the response for POST /imports/cleanup
type CleanupResponse struct {
	Removed int `json:"removed"`
}

// handleImport handles POST /api/v1/guilds/{guildID}/import
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	strategy, err := importer.ParseStrategy(req.Strategy)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	skip, err := importer.ParseSections(req.SkipSections)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	tmpl, ok := s.importTemplate(w, r, &req)
	if !ok {
		return
	}

	ctx := r.Context()
	if req.Wait && s.config.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.WaitTimeout)
		defer cancel()
	}

	res, err := s.engine.ImportServerTemplate(ctx, guildID, tmpl, engine.ImportOptions{
		Strategy:     strategy,
		SkipSections: skip,
		DryRun:       req.DryRun,
		Wait:         req.Wait,
	})
	switch {
	case errors.Is(err, engine.ErrInvalidTemplate):
		s.sendJSON(w, http.StatusUnprocessableEntity, res.Validation)
		return
	case err != nil:
		s.sendEngineError(w, err, "import template")
		return
	}

	switch {
	case !res.Started:
		s.sendJSON(w, http.StatusOK, res)
	case res.Summary != nil:
		s.sendJSON(w, http.StatusOK, res)
	default:
		w.Header().Set("Location", "/api/v1/imports/"+res.OperationID)
		s.sendJSON(w, http.StatusAccepted, res)
	}
}

// importTemplate resolves the template named by req, writing the error
// response itself when it cannot.
func (s *Server) importTemplate(w http.ResponseWriter, r *http.Request, req *ImportRequest) (*template.Template, bool) {
	hasInline := len(req.Template) > 0 && string(req.Template) != "null"
	switch {
	case req.TemplateID != "" && hasInline:
		s.sendError(w, http.StatusBadRequest, "templateId and template are mutually exclusive")
		return nil, false
	case req.TemplateID != "":
		tmpl, err := s.engine.GetTemplate(r.Context(), req.TemplateID)
		if err != nil {
			s.sendEngineError(w, err, "get template")
			return nil, false
		}
		return tmpl, true
	case hasInline:
		tmpl, err := template.Decode(req.Template, template.FormatJSON)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		return tmpl, true
	default:
		s.sendError(w, http.StatusBadRequest, "templateId or template is required")
		return nil, false
	}
}

// handleListImports handles GET /api/v1/imports
func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	ops := s.engine.ListImports(r.URL.Query().Get("guild_id"))
	s.sendJSON(w, http.StatusOK, ImportListResponse{Operations: ops, Total: len(ops)})
}

// handleImportStatus handles GET /api/v1/imports/{id}
func (s *Server) handleImportStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.GetImportStatus(chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "get import status")
		return
	}
	s.sendJSON(w, http.StatusOK, snap)
}

// handleCancelImport handles DELETE /api/v1/imports/{id}
func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.engine.GetImportStatus(id); err != nil {
		s.sendEngineError(w, err, "cancel import")
		return
	}
	if !s.engine.CancelImport(id) {
		s.sendError(w, http.StatusConflict, "import has already finished")
		return
	}
	s.sendJSON(w, http.StatusAccepted, CancelResponse{ID: id, Status: "cancelling"})
}

// handleCleanupImports handles POST /api/v1/imports/cleanup?max_age=
func (s *Server) handleCleanupImports(w http.ResponseWriter, r *http.Request) {
	maxAge := s.cleanupMaxAge
	if v := r.URL.Query().Get("max_age"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.sendError(w, http.StatusBadRequest, "max_age must be a non-negative duration")
			return
		}
		maxAge = d
	}

	removed := s.engine.CleanupImportOperations(maxAge)
	s.logger.Info("import operations cleaned up", "removed", removed, "max_age", maxAge)
	s.sendJSON(w, http.StatusOK, CleanupResponse{Removed: removed})
}
