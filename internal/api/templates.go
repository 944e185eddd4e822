package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/warden/internal/engine"
	"github.com/foxzi/warden/internal/template"
)

// TemplateListResponse is the response for listing templates
type TemplateListResponse struct {
	Templates []template.Summary `json:"templates"`
	Total     int                `json:"total"`
}

// handleListTemplates handles GET /api/v1/templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	filter := template.ListFilter{
		Search: r.URL.Query().Get("search"),
		Tag:    r.URL.Query().Get("tag"),
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil && offset > 0 {
			filter.Offset = offset
		}
	}

	templates, err := s.engine.ListTemplates(r.Context(), filter)
	if err != nil {
		s.sendEngineError(w, err, "list templates")
		return
	}

	s.sendJSON(w, http.StatusOK, TemplateListResponse{
		Templates: templates,
		Total:     len(templates),
	})
}

// handleCreateTemplate handles POST /api/v1/templates
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := readTemplate(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.engine.SaveTemplate(r.Context(), tmpl)
	if errors.Is(err, engine.ErrInvalidTemplate) {
		s.sendJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	if err != nil {
		s.sendEngineError(w, err, "save template")
		return
	}

	w.Header().Set("Location", "/api/v1/templates/"+tmpl.ID)
	s.sendTemplate(w, r, http.StatusCreated, tmpl)
}

// handleGetTemplate handles GET /api/v1/templates/{id}. The id may also be
// a template name.
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.engine.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "get template")
		return
	}

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag(tmpl) {
		w.Header().Set("ETag", match)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	s.sendTemplate(w, r, http.StatusOK, tmpl)
}

// handleDeleteTemplate handles DELETE /api/v1/templates/{id}
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteTemplate(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendEngineError(w, err, "delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
