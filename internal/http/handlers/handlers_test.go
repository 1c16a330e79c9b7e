package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/http/middleware"
	"github.com/tbourn/voiceops-backend/internal/provider"
	"github.com/tbourn/voiceops-backend/internal/repo"
	"github.com/tbourn/voiceops-backend/internal/services"
)

const testSecret = "hook-secret"

type apiFixture struct {
	r    *gin.Engine
	db   *gorm.DB
	fake *provider.Fake
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:h_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	fake := provider.NewFake()
	exec := &services.ActionExecutor{DB: db, Provider: fake, Timeout: 2 * time.Second}
	tracker := &services.AgentTracker{DB: db, Provider: fake, Executor: exec}
	broker := &services.ConfirmationBroker{DB: db, TTL: 2 * time.Minute}
	engine := &services.CommandService{
		DB:       db,
		Provider: fake,
		Resolver: &services.IntentResolver{DB: db, Provider: fake, Threshold: 0.6, TTL: 2 * time.Minute, ActiveWindow: 30 * time.Minute},
		Gate:     &services.PolicyGate{DB: db, Provider: fake},
		Broker:   broker,
		Executor: exec,
		Tracker:  tracker,
	}
	h := New(Deps{
		Engine:   engine,
		Pending:  broker,
		Audit:    &services.AuditService{DB: db},
		Tasks:    tracker,
		Policies: &services.PolicyService{DB: db},
		Webhooks: &services.WebhookIngestor{
			DB:         db,
			Secrets:    map[string]string{"github": testSecret},
			AgentLabel: "agent",
			Tracker:    tracker,
		},
	})

	r := gin.New()
	r.Use(middleware.RequestID())
	r.POST("/webhooks/:source", h.ReceiveWebhook)
	api := r.Group("/api/v1", middleware.Identity(middleware.IdentityOptions{}))
	api.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	api.POST("/commands", h.PostCommand)
	api.GET("/commands", h.ListCommands)
	api.GET("/confirmations", h.ListConfirmations)
	api.POST("/confirmations/confirm", h.Confirm)
	api.POST("/confirmations/cancel", h.Cancel)
	api.GET("/actions", h.ListActions)
	api.GET("/actions/:id", h.GetAction)
	api.GET("/agent-tasks", h.ListAgentTasks)
	api.GET("/agent-tasks/:id", h.GetAgentTask)
	api.POST("/agent-tasks/:id/refresh", h.RefreshAgentTask)
	api.GET("/policies", h.ListPolicies)
	api.GET("/policies/:owner/:repo", h.GetPolicy)
	api.PUT("/policies/:owner/:repo", h.PutPolicy)
	api.DELETE("/policies/:owner/:repo", h.DeletePolicy)
	api.GET("/webhook-events", h.ListWebhookEvents)
	return &apiFixture{r: r, db: db, fake: fake}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "u1")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestCommands_ConfirmFlow(t *testing.T) {
	f := newAPI(t)
	f.fake.AddPR("acme/api", 12, "Add search", 0)
	if _, err := repo.UpsertPolicy(context.Background(), f.db, domain.NewRepoPolicy("u1", "acme/api")); err != nil {
		t.Fatalf("policy: %v", err)
	}

	w := f.do(t, http.MethodPost, "/api/v1/commands", CommandRequest{
		InputType:  "voice",
		Intent:     "pr.request_review",
		Confidence: 0.9,
		Entities:   map[string]string{"repo": "acme/api", "number": "12", "reviewers": "alice"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	resp := decode[services.CommandResponse](t, w)
	if resp.Confirmation == nil || resp.Status != domain.CommandNeedsConfirmation {
		t.Fatalf("resp = %+v", resp)
	}

	list := decode[ListConfirmationsResponse](t, f.do(t, http.MethodGet, "/api/v1/confirmations", nil))
	if len(list.Confirmations) != 1 || list.Confirmations[0].Token != resp.Confirmation.Token {
		t.Fatalf("pending = %+v", list)
	}

	w = f.do(t, http.MethodPost, "/api/v1/confirmations/confirm", TokenRequest{Token: resp.Confirmation.Token})
	if w.Code != http.StatusOK {
		t.Fatalf("confirm status=%d body=%s", w.Code, w.Body.String())
	}
	if f.fake.Count("request_reviewers") != 1 {
		t.Fatalf("request_reviewers calls = %d", f.fake.Count("request_reviewers"))
	}

	w = f.do(t, http.MethodPost, "/api/v1/confirmations/confirm", TokenRequest{Token: resp.Confirmation.Token})
	if w.Code != http.StatusNotFound || decode[ErrorResponse](t, w).Code != ErrCodeConfirmationNotFound {
		t.Fatalf("second confirm status=%d body=%s", w.Code, w.Body.String())
	}

	hist := decode[ListCommandsResponse](t, f.do(t, http.MethodGet, "/api/v1/commands", nil))
	if hist.Pagination.Total != 1 {
		t.Fatalf("history = %+v", hist.Pagination)
	}
}

func TestCommands_Errors(t *testing.T) {
	f := newAPI(t)
	f.fake.AddPR("acme/api", 7, "Release", 2)

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"bad json", []byte(`{"intent":`), http.StatusBadRequest, ErrCodeBadRequest},
		{"empty", CommandRequest{}, http.StatusBadRequest, ErrCodeBadRequest},
		{"confidence range", CommandRequest{Intent: "pr.list", Confidence: 1.5}, http.StatusBadRequest, ErrCodeBadRequest},
		{"low confidence", CommandRequest{Intent: "pr.list", Confidence: 0.2}, http.StatusUnprocessableEntity, ErrCodeLowConfidence},
		{"unknown intent", CommandRequest{Intent: "pr.explode", Confidence: 0.9}, http.StatusUnprocessableEntity, ErrCodeUnknownIntent},
		{"policy denied", CommandRequest{Intent: "pr.merge", Confidence: 0.9, Entities: map[string]string{"repo": "acme/api", "number": "7"}}, http.StatusForbidden, ErrCodePolicyDenied},
		{"bad input type", CommandRequest{Intent: "pr.list", Confidence: 0.9, InputType: "smoke"}, http.StatusBadRequest, ErrCodeInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/commands", tc.body)
			if w.Code != tc.status {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
			if got := decode[ErrorResponse](t, w); got.Code != tc.code || got.RequestID == "" {
				t.Fatalf("envelope = %+v", got)
			}
		})
	}
	if f.fake.Count("merge_pr") != 0 {
		t.Fatalf("merge was called")
	}
}

func TestCommands_MissingUser(t *testing.T) {
	f := newAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/commands", nil)
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestCancel_NothingPending(t *testing.T) {
	f := newAPI(t)
	w := f.do(t, http.MethodPost, "/api/v1/confirmations/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestActions_ETag(t *testing.T) {
	f := newAPI(t)
	f.fake.AddPR("acme/api", 3, "Fix", 0)
	p := domain.NewRepoPolicy("u1", "acme/api")
	p.RequireConfirmation = false
	if _, err := repo.UpsertPolicy(context.Background(), f.db, p); err != nil {
		t.Fatalf("policy: %v", err)
	}
	w := f.do(t, http.MethodPost, "/api/v1/commands", CommandRequest{
		Intent: "pr.rerun_checks", Confidence: 0.9, Entities: map[string]string{"repo": "acme/api", "number": "3"},
	}, middleware.HeaderIdempotencyKey, "rerun-3")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/api/v1/actions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	etag := w.Header().Get("ETag")
	list := decode[ListActionsResponse](t, w)
	if etag == "" || len(list.Actions) != 1 || list.Actions[0].IdempotencyKey != "rerun-3" {
		t.Fatalf("etag=%q list=%+v", etag, list)
	}

	w = f.do(t, http.MethodGet, "/api/v1/actions", nil, "If-None-Match", etag)
	if w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/v1/actions/"+list.Actions[0].ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status=%d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/v1/actions/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", w.Code)
	}
}

func TestPolicies_CRUD(t *testing.T) {
	f := newAPI(t)

	view := decode[services.PolicyView](t, f.do(t, http.MethodGet, "/api/v1/policies/Acme/API", nil))
	if view.Stored || view.AllowMerge || view.RepoFullName != "acme/api" {
		t.Fatalf("default = %+v", view)
	}

	allow := true
	w := f.do(t, http.MethodPut, "/api/v1/policies/acme/api", services.PolicyUpdate{AllowMerge: &allow})
	if w.Code != http.StatusOK || !decode[domain.RepoPolicy](t, w).AllowMerge {
		t.Fatalf("put status=%d body=%s", w.Code, w.Body.String())
	}

	neg := -1
	w = f.do(t, http.MethodPut, "/api/v1/policies/acme/api", services.PolicyUpdate{RequiredApprovals: &neg})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("negative approvals status=%d", w.Code)
	}

	if got := decode[ListPoliciesResponse](t, f.do(t, http.MethodGet, "/api/v1/policies", nil)); len(got.Policies) != 1 {
		t.Fatalf("list = %+v", got)
	}
	if w := f.do(t, http.MethodDelete, "/api/v1/policies/acme/api", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", w.Code)
	}
	if w := f.do(t, http.MethodDelete, "/api/v1/policies/acme/api", nil); w.Code != http.StatusNotFound {
		t.Fatalf("second delete status=%d", w.Code)
	}
}

func TestWebhooks_IngestAndList(t *testing.T) {
	f := newAPI(t)
	body := []byte(`{"action":"labeled","repository":{"full_name":"acme/api"},"issue":{"number":1,"state":"open","labels":[]}}`)

	send := func(delivery, sig string) *httptest.ResponseRecorder {
		return f.do(t, http.MethodPost, "/webhooks/github", body,
			HeaderGitHubEvent, "issues",
			HeaderGitHubDelivery, delivery,
			HeaderHubSignature256, sig)
	}

	w := send("d-1", provider.Sign(body, testSecret))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if res := decode[services.IngestResult](t, w); !res.SignatureOK || res.Duplicate {
		t.Fatalf("result = %+v", res)
	}

	if res := decode[services.IngestResult](t, send("d-1", provider.Sign(body, testSecret))); !res.Duplicate {
		t.Fatalf("re-delivery = %+v", res)
	}

	w = send("d-2", "sha256=00")
	if w.Code != http.StatusAccepted || decode[services.IngestResult](t, w).SignatureOK {
		t.Fatalf("bad signature status=%d body=%s", w.Code, w.Body.String())
	}

	list := decode[ListWebhookEventsResponse](t, f.do(t, http.MethodGet, "/api/v1/webhook-events?source=github", nil))
	if list.Pagination.Total != 2 {
		t.Fatalf("events = %+v", list.Pagination)
	}
}

func TestAgentTasks(t *testing.T) {
	f := newAPI(t)
	if w := f.do(t, http.MethodGet, "/api/v1/agent-tasks?status=bogus", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bogus status=%d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/v1/agent-tasks/nope", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", w.Code)
	}

	p := domain.NewRepoPolicy("u1", "acme/api")
	p.RequireConfirmation = false
	if _, err := repo.UpsertPolicy(context.Background(), f.db, p); err != nil {
		t.Fatalf("policy: %v", err)
	}
	w := f.do(t, http.MethodPost, "/api/v1/commands", CommandRequest{
		Intent: "agent.delegate", Confidence: 0.9,
		Entities: map[string]string{"repo": "acme/api", "number": "9", "instruction": "bump deps"},
	})
	resp := decode[services.CommandResponse](t, w)
	if w.Code != http.StatusOK || resp.AgentTask == nil {
		t.Fatalf("delegate status=%d body=%s", w.Code, w.Body.String())
	}

	f.fake.SetAgent("acme/api", 9, &provider.AgentState{Status: domain.TaskCompleted, Seq: 99})
	w = f.do(t, http.MethodPost, "/api/v1/agent-tasks/"+resp.AgentTask.ID+"/refresh", nil)
	if w.Code != http.StatusOK || decode[domain.AgentTask](t, w).Status != domain.TaskCompleted {
		t.Fatalf("refresh status=%d body=%s", w.Code, w.Body.String())
	}

	list := decode[ListAgentTasksResponse](t, f.do(t, http.MethodGet, "/api/v1/agent-tasks?status=completed", nil))
	if list.Pagination.Total != 1 {
		t.Fatalf("tasks = %+v", list)
	}
}
