package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/warden/internal/config"
	"github.com/foxzi/warden/internal/engine"
	"github.com/foxzi/warden/internal/guild"
	"github.com/foxzi/warden/internal/guild/guildtest"
	"github.com/foxzi/warden/internal/importer"
	"github.com/foxzi/warden/internal/template"
)

const (
	sourceGuild = "100"
	targetGuild = "200"
	testAPIKey  = "test-api-key"
)

const starterTemplate = `{
	"name": "starter",
	"description": "starter layout",
	"serverName": "",
	"roles": [{"name": "Member", "color": 0, "permissions": 1024, "position": 1, "hoist": false, "mentionable": false}],
	"channels": [{
		"name": "general",
		"type": "text",
		"topic": "hi",
		"slowmodeSeconds": null,
		"parentRef": null,
		"permissionOverwrites": [{"subjectRef": "Member", "allowBits": 2048, "denyBits": 0}]
	}],
	"metadata": {"version": "1.0.0", "createdAt": "2026-01-01T00:00:00Z", "authorId": "", "tags": ["starter"]}
}`

type testEnv struct {
	server *Server
	engine *engine.Engine
	source *guildtest.Guild
	target *guildtest.Guild
}

func setupTestServer(t *testing.T, cfg *config.APIConfig) *testEnv {
	t.Helper()

	f, err := os.CreateTemp("", "api_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	f.Close()
	db, err := bolt.Open(f.Name(), 0600, nil)
	if err != nil {
		os.Remove(f.Name())
		t.Fatalf("failed to open db: %v", err)
	}
	store, err := template.NewStorage(db)
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}

	source := guildtest.New(sourceGuild, "Origin")
	modID := source.AddRole(guild.Role{Name: "Mod", Position: 1})
	source.AddChannel(guild.Channel{
		Name:       "general",
		Type:       guild.ChannelText,
		Topic:      "hello",
		Overwrites: []guild.Overwrite{{ID: modID, Type: guild.OverwriteRole, Allow: 1 << 13}},
	})
	target := guildtest.New(targetGuild, "Target")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(guildtest.NewRegistry(source, target), store, engine.Config{
		StepTimeout:       time.Second,
		SerializePerGuild: true,
	}, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Close(ctx)
		db.Close()
		os.Remove(f.Name())
	})

	if cfg == nil {
		cfg = &config.APIConfig{ListenAddr: ":8080", APIKey: testAPIKey, MaxBodyBytes: 1 << 20, WaitTimeout: 5 * time.Second}
	}
	return &testEnv{server: NewServer(e, cfg, logger), engine: e, source: source, target: target}
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func importBody(t *testing.T, extra map[string]interface{}) string {
	t.Helper()
	body := map[string]interface{}{"template": json.RawMessage(starterTemplate)}
	for k, v := range extra {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return string(data)
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	decode(t, w, &resp)
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want %q", resp.Status, "ok")
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt error = %v", err)
	}

	tests := []struct {
		name   string
		cfg    *config.APIConfig
		header string
		xKey   string
		want   int
	}{
		{"no auth", &config.APIConfig{APIKey: "secret-key"}, "", "", http.StatusUnauthorized},
		{"wrong key", &config.APIConfig{APIKey: "secret-key"}, "Bearer wrong-key", "", http.StatusUnauthorized},
		{"correct key", &config.APIConfig{APIKey: "secret-key"}, "Bearer secret-key", "", http.StatusOK},
		{"x-api-key header", &config.APIConfig{APIKey: "secret-key"}, "", "secret-key", http.StatusOK},
		{"bcrypt hash", &config.APIConfig{APIKeyHash: string(hash)}, "Bearer hashed-key", "", http.StatusOK},
		{"bcrypt wrong key", &config.APIConfig{APIKeyHash: string(hash)}, "Bearer other", "", http.StatusUnauthorized},
		{"no key configured", &config.APIConfig{}, "", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, tt.cfg)
			req := httptest.NewRequest("GET", "/api/v1/templates", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.xKey != "" {
				req.Header.Set("X-API-Key", tt.xKey)
			}
			w := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestExportEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do(t, "POST", "/api/v1/guilds/"+sourceGuild+"/export", `{"name": "origin", "tags": ["base"], "save": true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusCreated, w.Body.String())
	}
	tag := w.Header().Get("ETag")
	if tag == "" {
		t.Error("ETag header missing")
	}

	var tmpl template.Template
	decode(t, w, &tmpl)
	if tmpl.ID == "" || len(tmpl.Roles) != 1 || len(tmpl.Channels) != 1 {
		t.Fatalf("unexpected template: %+v", tmpl)
	}
	if ows := tmpl.Channels[0].PermissionOverwrites; len(ows) != 1 || ows[0].Subject.Role != "Mod" {
		t.Errorf("overwrites = %+v, want one for Mod", ows)
	}

	w = env.do(t, "GET", "/api/v1/templates/origin", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET by name Status = %d", w.Code)
	}
	if got := w.Header().Get("ETag"); got != tag {
		t.Errorf("ETag = %s, want %s", got, tag)
	}

	req := httptest.NewRequest("GET", "/api/v1/templates/"+tmpl.ID, nil)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("If-None-Match", tag)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional GET Status = %d, want 304", rec.Code)
	}

	w = env.do(t, "GET", "/api/v1/templates/"+tmpl.ID+"?format=yaml", "")
	if ct := w.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("Content-Type = %s, want application/yaml", ct)
	}
	if !strings.Contains(w.Body.String(), "name: origin") {
		t.Errorf("YAML body missing name: %s", w.Body.String())
	}
}

func TestExportEndpointErrors(t *testing.T) {
	env := setupTestServer(t, nil)

	tests := []struct {
		name  string
		guild string
		body  string
		want  int
	}{
		{"invalid json", sourceGuild, `{invalid}`, http.StatusBadRequest},
		{"missing name", sourceGuild, `{}`, http.StatusBadRequest},
		{"unknown guild", "999", `{"name": "x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/guilds/"+tt.guild+"/export", tt.body)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestValidateEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do(t, "POST", "/api/v1/templates/validate", starterTemplate)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var res template.ValidationResult
	decode(t, w, &res)
	if !res.Valid {
		t.Errorf("template should be valid: %+v", res.Errors)
	}

	broken := strings.Replace(starterTemplate, `"subjectRef": "Member"`, `"subjectRef": "Ghost"`, 1)
	w = env.do(t, "POST", "/api/v1/templates/validate?guild_id="+targetGuild, broken)
	decode(t, w, &res)
	if res.Valid || len(res.Errors) == 0 {
		t.Error("dangling subject should be reported")
	}

	commented := "// layout\n" + strings.Replace(starterTemplate, `"tags": ["starter"]`, `"tags": ["starter",]`, 1)
	w = env.do(t, "POST", "/api/v1/templates/validate", commented)
	if w.Code != http.StatusOK {
		t.Errorf("JSONC body Status = %d, want 200", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/templates/validate", `{"name": "x", "bogus": 1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown field Status = %d, want 400", w.Code)
	}
}

func TestTemplateLibraryEndpoints(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do(t, "POST", "/api/v1/templates", starterTemplate)
	if w.Code != http.StatusCreated {
		t.Fatalf("create Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var created template.Template
	decode(t, w, &created)

	if w := env.do(t, "POST", "/api/v1/templates", starterTemplate); w.Code != http.StatusConflict {
		t.Errorf("duplicate create Status = %d, want 409", w.Code)
	}

	invalid := strings.Replace(starterTemplate, `"name": "starter"`, `"name": ""`, 1)
	w = env.do(t, "POST", "/api/v1/templates", invalid)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid create Status = %d, want 422", w.Code)
	}

	w = env.do(t, "GET", "/api/v1/templates?search=start", "")
	var list TemplateListResponse
	decode(t, w, &list)
	if list.Total != 1 || list.Templates[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	if w := env.do(t, "DELETE", "/api/v1/templates/"+created.ID, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete Status = %d, want 204", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/templates/"+created.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete Status = %d, want 404", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/templates/"+created.ID, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete Status = %d, want 404", w.Code)
	}
}

func TestImportDryRunEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do(t, "POST", "/api/v1/guilds/"+targetGuild+"/import", importBody(t, map[string]interface{}{"dryRun": true}))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var res engine.ImportResult
	decode(t, w, &res)
	if res.Started {
		t.Error("dry run should not start")
	}
	if len(res.Preview) != 2 {
		t.Errorf("preview has %d steps, want 2", len(res.Preview))
	}
	if len(env.target.Calls()) != 0 {
		t.Error("dry run mutated the guild")
	}
}

func TestImportWaitEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	w := env.do(t, "POST", "/api/v1/guilds/"+targetGuild+"/import", importBody(t, map[string]interface{}{"wait": true, "strategy": "overwrite"}))
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var res engine.ImportResult
	decode(t, w, &res)
	if res.Summary == nil || res.Summary.Status != importer.StatusCompleted {
		t.Fatalf("summary = %+v, want completed", res.Summary)
	}

	w = env.do(t, "GET", "/api/v1/imports/"+res.OperationID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status Status = %d", w.Code)
	}
	var snap importer.Snapshot
	decode(t, w, &snap)
	if snap.Progress.Done != snap.Progress.Total || snap.Strategy != importer.StrategyOverwrite {
		t.Errorf("snapshot = %+v", snap)
	}

	w = env.do(t, "GET", "/api/v1/imports?guild_id="+targetGuild, "")
	var list ImportListResponse
	decode(t, w, &list)
	if list.Total != 1 {
		t.Errorf("imports total = %d, want 1", list.Total)
	}
}

func TestImportStoredTemplate(t *testing.T) {
	env := setupTestServer(t, nil)

	if w := env.do(t, "POST", "/api/v1/templates", starterTemplate); w.Code != http.StatusCreated {
		t.Fatalf("create Status = %d", w.Code)
	}
	w := env.do(t, "POST", "/api/v1/guilds/"+targetGuild+"/import", `{"templateId": "starter", "dryRun": true}`)
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d. Body: %s", w.Code, w.Body.String())
	}
	w = env.do(t, "POST", "/api/v1/guilds/"+targetGuild+"/import", `{"templateId": "missing"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing template Status = %d, want 404", w.Code)
	}
}

func TestImportAsyncAndCancel(t *testing.T) {
	env := setupTestServer(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	first := true
	env.target.Intercept(func(ctx context.Context, c guildtest.Call) error {
		if first {
			first = false
			close(started)
			<-release
		}
		return nil
	})

	w := env.do(t, "POST", "/api/v1/guilds/"+targetGuild+"/import", importBody(t, nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var res engine.ImportResult
	decode(t, w, &res)
	if loc := w.Header().Get("Location"); loc != "/api/v1/imports/"+res.OperationID {
		t.Errorf("Location = %s", loc)
	}
	<-started

	if w := env.do(t, "POST", "/api/v1/guilds/"+targetGuild+"/import", importBody(t, nil)); w.Code != http.StatusConflict {
		t.Errorf("concurrent import Status = %d, want 409", w.Code)
	}

	w = env.do(t, "DELETE", "/api/v1/imports/"+res.OperationID, "")
	if w.Code != http.StatusAccepted {
		t.Errorf("cancel Status = %d, want 202", w.Code)
	}
	close(release)

	op, _ := env.engine.Tracker().Operation(res.OperationID)
	select {
	case <-op.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("import did not finish")
	}
	if op.Status() != importer.StatusCancelled {
		t.Errorf("status = %s, want cancelled", op.Status())
	}

	if w := env.do(t, "DELETE", "/api/v1/imports/"+res.OperationID, ""); w.Code != http.StatusConflict {
		t.Errorf("cancel finished Status = %d, want 409", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/imports/unknown", ""); w.Code != http.StatusNotFound {
		t.Errorf("cancel unknown Status = %d, want 404", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/imports/unknown", ""); w.Code != http.StatusNotFound {
		t.Errorf("status unknown Status = %d, want 404", w.Code)
	}
}

func TestImportEndpointErrors(t *testing.T) {
	env := setupTestServer(t, nil)

	invalid := strings.Replace(starterTemplate, `"name": "starter"`, `"name": ""`, 1)
	tests := []struct {
		name  string
		guild string
		body  string
		want  int
	}{
		{"invalid json", targetGuild, `{invalid}`, http.StatusBadRequest},
		{"bad strategy", targetGuild, importBody(t, map[string]interface{}{"strategy": "replace"}), http.StatusBadRequest},
		{"bad section", targetGuild, importBody(t, map[string]interface{}{"skipSections": []string{"emoji"}}), http.StatusBadRequest},
		{"no template", targetGuild, `{"dryRun": true}`, http.StatusBadRequest},
		{"both templates", targetGuild, importBody(t, map[string]interface{}{"templateId": "x"}), http.StatusBadRequest},
		{"unknown guild", "999", importBody(t, nil), http.StatusNotFound},
		{"invalid template", targetGuild, `{"template": ` + invalid + `}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/guilds/"+tt.guild+"/import", tt.body)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestCleanupEndpoint(t *testing.T) {
	env := setupTestServer(t, nil)

	if w := env.do(t, "POST", "/api/v1/guilds/"+targetGuild+"/import", importBody(t, map[string]interface{}{"wait": true})); w.Code != http.StatusOK {
		t.Fatalf("import Status = %d", w.Code)
	}

	if w := env.do(t, "POST", "/api/v1/imports/cleanup?max_age=soon", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad max_age Status = %d, want 400", w.Code)
	}

	w := env.do(t, "POST", "/api/v1/imports/cleanup", "")
	var resp CleanupResponse
	decode(t, w, &resp)
	if resp.Removed != 0 {
		t.Errorf("default cleanup removed %d, want 0", resp.Removed)
	}

	time.Sleep(5 * time.Millisecond)
	w = env.do(t, "POST", "/api/v1/imports/cleanup?max_age=1ms", "")
	decode(t, w, &resp)
	if resp.Removed != 1 {
		t.Errorf("cleanup removed %d, want 1", resp.Removed)
	}
}
