package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/voxdrop/internal/campaign"
	"github.com/foxzi/voxdrop/internal/config"
	"github.com/foxzi/voxdrop/internal/ratelimit"
	"github.com/foxzi/voxdrop/internal/reconcile"
)

const testAPIKey = "secret-key"

type testEnv struct {
	server *Server
	store  *campaign.BoltStore
}

func newTestEnv(t *testing.T, apiCfg *config.APIConfig, webhook *config.WebhookConfig) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := campaign.NewBoltStore(filepath.Join(t.TempDir(), "voxdrop.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	limiter, err := ratelimit.NewLimiter(store.DB(), &ratelimit.Config{FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	t.Cleanup(func() {
		limiter.Stop()
		store.Close()
	})

	if apiCfg == nil {
		apiCfg = &config.APIConfig{APIKey: testAPIKey}
	}

	server, err := NewServer(Deps{
		Campaigns:  campaign.NewService(store, nil, limiter, logger),
		Reconciler: reconcile.New(store, nil, time.Second, logger),
		RateStats:  limiter,
	}, apiCfg, webhook, logger)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	return &testEnv{server: server, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()

	e.server.Handler().ServeHTTP(w, req)
	return w
}

func newCampaignBody(script string, contacts int) map[string]any {
	list := make([]map[string]any, 0, contacts)
	for i := 0; i < contacts; i++ {
		list = append(list, map[string]any{
			"id":         fmt.Sprintf("c%d", i),
			"first_name": fmt.Sprintf("Name%d", i),
			"phone":      fmt.Sprintf("+1212555010%d", i),
		})
	}
	return map[string]any{
		"name":   "Spring outreach",
		"script": script,
		"sender": "+15550100",
		"schedule": map[string]any{
			"start_time":   "10:00",
			"end_time":     "16:00",
			"timezone":     "America/New_York",
			"days":         []string{"mon", "tue", "wed", "thu", "fri"},
			"max_per_hour": 10,
		},
		"contacts": list,
	}
}

func (e *testEnv) createCampaign(t *testing.T, contacts int) *campaign.Campaign {
	t.Helper()

	w := e.do(t, http.MethodPost, "/api/v1/campaigns", newCampaignBody("Hi {{first_name}}", contacts))
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}

	var c campaign.Campaign
	if err := json.NewDecoder(w.Body).Decode(&c); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return &c
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %s", resp.Status)
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong key", header: "Authorization", value: "Bearer nope", want: http.StatusUnauthorized},
		{name: "bearer", header: "Authorization", value: "Bearer " + testAPIKey, want: http.StatusOK},
		{name: "x-api-key", header: "X-API-Key", value: testAPIKey, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()

			env.server.Handler().ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestAPIAllowedIPs(t *testing.T) {
	env := newTestEnv(t, &config.APIConfig{AllowedIPs: []string{"203.0.113.0/24"}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	req.RemoteAddr = "198.51.100.1:4000"
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected status %d, got %d", http.StatusForbidden, w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestCreateCampaign(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/v1/campaigns", newCampaignBody("Hi {{first_name}}, about {{parcel_id}}", 2))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}

	var resp CreateCampaignResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Campaign == nil || resp.ID == "" {
		t.Fatal("expected campaign id in response")
	}
	if resp.Status != campaign.StatusActive {
		t.Errorf("expected status active, got %s", resp.Status)
	}
	if resp.Progress.Total != 2 || resp.Progress.Pending != 2 {
		t.Errorf("unexpected progress: %+v", resp.Progress)
	}
	if len(resp.Warnings) != 1 || resp.Warnings[0] != "parcel_id" {
		t.Errorf("expected warning for parcel_id, got %v", resp.Warnings)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	body := newCampaignBody("Hi", 0)
	body["name"] = ""

	w := env.do(t, http.MethodPost, "/api/v1/campaigns", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d: %s", http.StatusBadRequest, w.Code, w.Body.String())
	}

	resp := decodeError(t, w)
	if resp.Error != "validation failed" {
		t.Errorf("expected validation error, got %q", resp.Error)
	}
	if len(resp.Details) < 2 {
		t.Errorf("expected every problem listed, got %v", resp.Details)
	}
}

func TestCreateCampaignInvalidBody(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/api/v1/campaigns", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	env := newTestEnv(t, &config.APIConfig{APIKey: testAPIKey, MaxBodyBytes: 64}, nil)

	w := env.do(t, http.MethodPost, "/api/v1/campaigns", newCampaignBody(strings.Repeat("x", 200), 1))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status %d, got %d", http.StatusRequestEntityTooLarge, w.Code)
	}
}

func TestListAndGetCampaign(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	c := env.createCampaign(t, 1)

	w := env.do(t, http.MethodGet, "/api/v1/campaigns", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var list CampaignListResponse
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(list.Campaigns) != 1 || list.Campaigns[0].ID != c.ID {
		t.Errorf("unexpected campaign list: %+v", list.Campaigns)
	}

	w = env.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/campaigns/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestListCampaignsEmpty(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodGet, "/api/v1/campaigns", nil)
	if !strings.Contains(w.Body.String(), `"campaigns":[]`) {
		t.Errorf("expected empty array, got %s", w.Body.String())
	}
}

func TestUpdateCampaign(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	c := env.createCampaign(t, 3)
	path := "/api/v1/campaigns/" + c.ID

	tests := []struct {
		name       string
		body       any
		wantCode   int
		wantStatus campaign.Status
	}{
		{name: "pause", body: map[string]any{"action": "pause"}, wantCode: http.StatusOK, wantStatus: campaign.StatusPaused},
		{name: "pause twice", body: map[string]any{"action": "pause"}, wantCode: http.StatusConflict},
		{name: "resume", body: map[string]any{"action": "resume"}, wantCode: http.StatusOK, wantStatus: campaign.StatusActive},
		{name: "unknown action", body: map[string]any{"action": "explode"}, wantCode: http.StatusBadRequest},
		{name: "empty", body: map[string]any{}, wantCode: http.StatusBadRequest},
		{name: "bad schedule", body: map[string]any{"schedule": map[string]any{"timezone": "Mars/Olympus"}}, wantCode: http.StatusBadRequest},
		{
			name:       "reschedule",
			body:       map[string]any{"schedule": map[string]any{"max_per_hour": 2, "delay_minutes": 5}},
			wantCode:   http.StatusOK,
			wantStatus: campaign.StatusActive,
		},
		{name: "cancel", body: map[string]any{"action": "cancel"}, wantCode: http.StatusOK, wantStatus: campaign.StatusCancelled},
		{name: "cancel twice", body: map[string]any{"action": "cancel"}, wantCode: http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPatch, path, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			if tt.wantStatus == "" {
				return
			}

			var got campaign.Campaign
			if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, got.Status)
			}
		})
	}

	got, err := env.store.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Schedule.MaxPerHour != 2 || got.Schedule.DelayMinutes != 5 {
		t.Errorf("schedule overrides not persisted: %+v", got.Schedule)
	}
	if got.Progress.Cancelled != 3 || got.Progress.Pending != 0 {
		t.Errorf("expected all pending entries cancelled, got %+v", got.Progress)
	}
}

func TestUpdateCampaignNotFound(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPatch, "/api/v1/campaigns/missing", map[string]any{"action": "pause"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestDeleteCampaign(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	c := env.createCampaign(t, 2)

	w := env.do(t, http.MethodDelete, "/api/v1/campaigns/"+c.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d after delete, got %d", http.StatusNotFound, w.Code)
	}

	w = env.do(t, http.MethodDelete, "/api/v1/campaigns/"+c.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d on second delete, got %d", http.StatusNotFound, w.Code)
	}
}

func TestListContacts(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	c := env.createCampaign(t, 3)
	base := "/api/v1/campaigns/" + c.ID + "/contacts"

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantCount int
	}{
		{name: "all", query: "", wantCode: http.StatusOK, wantCount: 3},
		{name: "pending", query: "?status=pending", wantCode: http.StatusOK, wantCount: 3},
		{name: "sent", query: "?status=sent", wantCode: http.StatusOK, wantCount: 0},
		{name: "limit", query: "?limit=2", wantCode: http.StatusOK, wantCount: 2},
		{name: "offset", query: "?offset=2", wantCode: http.StatusOK, wantCount: 1},
		{name: "bad status", query: "?status=lost", wantCode: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=-1", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, base+tt.query, nil)
			if w.Code != tt.wantCode {
				t.Fatalf("expected status %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				return
			}

			var resp ContactListResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Count != tt.wantCount || len(resp.Contacts) != tt.wantCount {
				t.Errorf("expected %d contacts, got %d", tt.wantCount, resp.Count)
			}
		})
	}
}

func TestStatisticsLocal(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	c := env.createCampaign(t, 2)

	w := env.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/statistics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var stats reconcile.Statistics
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats.Source != "local" {
		t.Errorf("expected local source, got %s", stats.Source)
	}
	if stats.Total != 2 || stats.Pending != 2 {
		t.Errorf("unexpected statistics: %+v", stats)
	}

	w = env.do(t, http.MethodGet, "/api/v1/campaigns/missing/statistics", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestStatisticsXLSX(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	c := env.createCampaign(t, 2)

	w := env.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/statistics.xlsx", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if ct := w.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, c.ID) {
		t.Errorf("expected campaign id in Content-Disposition, got %q", cd)
	}
	// xlsx is a zip archive
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("PK")) {
		t.Error("expected zip payload")
	}
}

func TestRateLimitStats(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	c := env.createCampaign(t, 1)

	w := env.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID+"/ratelimit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp RateLimitResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Stats == nil || resp.Key != c.ID {
		t.Errorf("expected stats for %s, got %+v", c.ID, resp.Stats)
	}
	if resp.HourlyCount != 0 {
		t.Errorf("expected no admissions, got %d", resp.HourlyCount)
	}
	if resp.MaxPerHour != 10 {
		t.Errorf("expected max_per_hour 10, got %d", resp.MaxPerHour)
	}
}

func postWebhook(env *testEnv, query string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, config.WebhookPath+query, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.5:5000"
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	return w
}

func TestWebhook(t *testing.T) {
	env := newTestEnv(t, nil, &config.WebhookConfig{Token: "hook-token"})
	c := env.createCampaign(t, 2)

	delivered := map[string]any{
		"id":       "vm-1",
		"status":   "delivered",
		"metadata": map[string]string{"campaignId": c.ID, "contactId": "c0"},
	}

	w := postWebhook(env, "", delivered)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d without token, got %d", http.StatusUnauthorized, w.Code)
	}

	w = postWebhook(env, "?token=hook-token", delivered)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var resp WebhookResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" || !resp.Changed {
		t.Errorf("unexpected response: %+v", resp)
	}

	entry, err := env.store.GetEntry(context.Background(), c.ID, "c0")
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if entry.Status != campaign.EntrySent {
		t.Errorf("expected entry sent, got %s", entry.Status)
	}

	// Redelivery is idempotent
	w = postWebhook(env, "?token=hook-token", delivered)
	resp = WebhookResponse{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Changed {
		t.Error("expected repeated callback to change nothing")
	}
}

func TestWebhookUnknownTarget(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := postWebhook(env, "", map[string]any{
		"status":   "delivered",
		"metadata": map[string]string{"campaignId": "missing", "contactId": "c0"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp WebhookResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ignored" {
		t.Errorf("expected ignored, got %s", resp.Status)
	}
}

func TestWebhookAllowedIPs(t *testing.T) {
	env := newTestEnv(t, nil, &config.WebhookConfig{AllowedIPs: []string{"198.51.100.0/24"}})

	w := postWebhook(env, "", map[string]any{"status": "delivered"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected status %d, got %d", http.StatusForbidden, w.Code)
	}
}

func TestWebhookNoAPIKeyRequired(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	// The API key guards /api/v1 only
	w := postWebhook(env, "", map[string]any{"status": "delivered"})
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestNewServerRejectsBadAllowList(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewServer(Deps{}, &config.APIConfig{}, &config.WebhookConfig{AllowedIPs: []string{"not-an-ip"}}, logger)
	if err == nil {
		t.Error("expected error for invalid allow-list entry")
	}
}
