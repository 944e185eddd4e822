package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/warden/internal/engine"
	"github.com/foxzi/warden/internal/guild"
	"github.com/foxzi/warden/internal/template"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Uptime        string `json:"uptime"`
	ActiveImports int    `json:"active_imports"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// ExportRequest is the request body for POST /guilds/{guildID}/export.
// Unset include flags default to true.
type ExportRequest struct {
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	IncludePermissions *bool    `json:"includePermissions,omitempty"`
	IncludeChannelData *bool    `json:"includeChannelData,omitempty"`
	IncludeRoleData    *bool    `json:"includeRoleData,omitempty"`
	ExcludedChannels   []string `json:"excludedChannels,omitempty"`
	ExcludedRoles      []string `json:"excludedRoles,omitempty"`
	AuthorID           string   `json:"authorId,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	Save               bool     `json:"save"`
}

func (req *ExportRequest) options() template.ExportOptions {
	opts := template.DefaultExportOptions()
	if req.IncludePermissions != nil {
		opts.IncludePermissions = *req.IncludePermissions
	}
	if req.IncludeChannelData != nil {
		opts.IncludeChannelData = *req.IncludeChannelData
	}
	if req.IncludeRoleData != nil {
		opts.IncludeRoleData = *req.IncludeRoleData
	}
	opts.ExcludedChannels = req.ExcludedChannels
	opts.ExcludedRoles = req.ExcludedRoles
	opts.AuthorID = req.AuthorID
	opts.Tags = req.Tags
	return opts
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       s.version,
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		ActiveImports: s.engine.Tracker().Active(),
	})
}

// handleExport handles POST /api/v1/guilds/{guildID}/export
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")

	var req ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	tmpl, err := s.engine.ExportServerTemplate(r.Context(), engine.ExportRequest{
		GuildID:     guildID,
		Name:        req.Name,
		Description: req.Description,
		Options:     req.options(),
		Save:        req.Save,
	})
	if err != nil {
		s.sendEngineError(w, err, "export guild")
		return
	}

	status := http.StatusOK
	if req.Save {
		status = http.StatusCreated
	}
	s.sendTemplate(w, r, status, tmpl)
}

// handleValidate handles POST /api/v1/templates/validate. The body is a
// template document; ?guild_id= also checks limits against that guild.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := readTemplate(r)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.engine.ValidateTemplate(r.Context(), tmpl, r.URL.Query().Get("guild_id"))
	if err != nil {
		s.sendEngineError(w, err, "validate template")
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// readTemplate decodes a template document from the request body. YAML is
// selected by Content-Type or ?format=yaml.
func readTemplate(r *http.Request) (*template.Template, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("request body is required")
	}
	return template.Decode(data, requestFormat(r))
}

func requestFormat(r *http.Request) template.Format {
	if f, err := template.ParseFormat(r.URL.Query().Get("format")); err == nil && f == template.FormatYAML {
		return f
	}
	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "yaml") {
		return template.FormatYAML
	}
	return template.FormatJSON
}

// sendTemplate writes tmpl as JSON or, with ?format=yaml, YAML. The ETag is
// the template fingerprint.
func (s *Server) sendTemplate(w http.ResponseWriter, r *http.Request, status int, tmpl *template.Template) {
	format, err := template.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := template.Encode(tmpl, format)
	if err != nil {
		s.logger.Error("failed to encode template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to encode template")
		return
	}

	contentType := "application/json"
	if format == template.FormatYAML {
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", etag(tmpl))
	w.WriteHeader(status)
	w.Write(data)
}

func etag(tmpl *template.Template) string {
	return `"` + template.Fingerprint(tmpl) + `"`
}

// sendEngineError maps engine errors onto HTTP statuses.
func (s *Server) sendEngineError(w http.ResponseWriter, err error, action string) {
	var status int
	switch {
	case errors.Is(err, engine.ErrTemplateNotFound),
		errors.Is(err, engine.ErrOperationNotFound),
		errors.Is(err, guild.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrImportInProgress),
		errors.Is(err, template.ErrNameTaken):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("failed to "+action, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to "+action)
		return
	}
	s.sendError(w, status, err.Error())
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
