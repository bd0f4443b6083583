package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crowdsieve/crowdsieve/internal/capi"
	"github.com/crowdsieve/crowdsieve/internal/config"
	"github.com/crowdsieve/crowdsieve/internal/filter"
	"github.com/crowdsieve/crowdsieve/internal/lapi"
	"github.com/crowdsieve/crowdsieve/internal/pipeline"
	"github.com/crowdsieve/crowdsieve/internal/storage"
)

const testAPIKey = "test-api-key"

type testEnv struct {
	srv   *httptest.Server
	store *storage.SQLStore
	capi  *httptest.Server
}

// newTestEnv builds a full server over an embedded store, a fake CAPI,
// and the given LAPI servers.
func newTestEnv(t *testing.T, capiHandler http.HandlerFunc, lapiServers []config.LAPIServer) *testEnv {
	return newTestEnvCfg(t, capiHandler, lapiServers, nil)
}

func newTestEnvCfg(t *testing.T, capiHandler http.HandlerFunc, lapiServers []config.LAPIServer, mutate func(*config.Config)) *testEnv {
	t.Helper()

	if capiHandler == nil {
		capiHandler = func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"message":"OK"}`)
		}
	}
	fakeCAPI := httptest.NewServer(capiHandler)
	t.Cleanup(fakeCAPI.Close)

	store, err := storage.OpenEmbedded(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Defaults()
	cfg.Proxy.CAPIURL = fakeCAPI.URL
	cfg.Dashboard.APIKey = testAPIKey
	cfg.LAPIServers = lapiServers
	cfg.Filters.Rules = []config.Rule{
		{Name: "drop-simulated", Filter: map[string]any{"field": "simulated", "op": "eq", "value": true}},
	}
	if mutate != nil {
		mutate(cfg)
	}

	log := zap.NewNop()
	capiClient := capi.New(fakeCAPI.URL, time.Second)
	lapis := lapi.NewPool(lapiServers, time.Second)
	filters := filter.New(cfg.Filters, log)
	pipe := pipeline.New(filters, store, capiClient, nil, true, log)

	s := New(cfg, pipe, capiClient, store, lapis, nil, log)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)

	return &testEnv{srv: ts, store: store, capi: fakeCAPI}
}

func (e *testEnv) request(t *testing.T, method, path string, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) api(t *testing.T, method, path, body string) *http.Response {
	return e.request(t, method, path, body, map[string]string{
		"X-API-Key":    testAPIKey,
		"Content-Type": "application/json",
	})
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"), "no HSTS in development")
}

func TestMetricsExposed(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	resp := env.request(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSignalsRoute(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	body := `[{"scenario":"crowdsecurity/ssh-bf","simulated":false,"source":{"scope":"ip","ip":"1.2.3.4"}}]`
	resp := env.request(t, http.MethodPost, "/v2/signals", body, map[string]string{"Content-Type": "application/json"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	alerts, total, err := env.store.ListAlerts(context.Background(), storage.AlertQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.True(t, alerts[0].ForwardedToCAPI)
}

func TestSignalsBodyLimit(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	big := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	resp := env.request(t, http.MethodPost, "/v2/signals", string(big), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestPassthroughRelay(t *testing.T) {
	var gotPath string
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, `{"relayed":true}`)
	}, nil)

	resp := env.request(t, http.MethodGet, "/v2/decisions/stream?startup=true", "", nil)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode, "upstream status is relayed verbatim")
	assert.Equal(t, "GET /v2/decisions/stream?startup=true", gotPath)
}

func TestRateLimitExemptsAPIKey(t *testing.T) {
	env := newTestEnvCfg(t, nil, nil, func(cfg *config.Config) {
		cfg.Environment = "production"
		cfg.Dashboard.RateLimitRPS = 1
		cfg.Dashboard.RateLimitBurst = 1
	})

	// Keyed requests bypass the limiter entirely.
	for i := 0; i < 10; i++ {
		resp := env.api(t, http.MethodGet, "/api/stats", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// Keyless requests drain the bucket and get throttled.
	throttled := false
	for i := 0; i < 10; i++ {
		resp := env.request(t, http.MethodGet, "/api/stats", "", nil)
		if resp.StatusCode == http.StatusTooManyRequests {
			throttled = true
		}
	}
	assert.True(t, throttled)
}

func TestCORSDisabledWithoutOrigins(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.request(t, http.MethodGet, "/api/stats", "", map[string]string{
		"X-API-Key": testAPIKey,
		"Origin":    "https://anywhere.example.com",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"),
		"an empty origin list grants no cross-origin access")
}

func TestCORSRespectsConfiguredOrigins(t *testing.T) {
	env := newTestEnvCfg(t, nil, nil, func(cfg *config.Config) {
		cfg.Dashboard.AllowedOrigins = []string{"https://dash.example.com"}
	})

	resp := env.request(t, http.MethodGet, "/api/stats", "", map[string]string{
		"X-API-Key": testAPIKey,
		"Origin":    "https://dash.example.com",
	})
	assert.Equal(t, "https://dash.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = env.request(t, http.MethodGet, "/api/stats", "", map[string]string{
		"X-API-Key": testAPIKey,
		"Origin":    "https://evil.example.com",
	})
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestOperatorAPIRequiresKey(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.request(t, http.MethodGet, "/api/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/api/stats", "", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.api(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func seedAlert(t *testing.T, env *testEnv, scenario, ip string) int64 {
	t.Helper()
	id, err := env.store.InsertAlert(context.Background(), &storage.AlertRecord{
		Scenario:     scenario,
		SourceScope:  "ip",
		SourceValue:  ip,
		SourceIP:     ip,
		ReceivedAt:   time.Now().UTC(),
		MatchReasons: "[]",
		RawJSON:      []byte("{}"),
	})
	require.NoError(t, err)
	return id
}

func TestListAlertsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedAlert(t, env, "crowdsecurity/ssh-bf", "1.2.3.4")
	seedAlert(t, env, "crowdsecurity/http-probing", "5.6.7.8")

	resp := env.api(t, http.MethodGet, "/api/alerts?scenario=crowdsecurity/ssh-bf", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Alerts []alertView `json:"alerts"`
		Total  int64       `json:"total"`
		Limit  int         `json:"limit"`
	}
	decode(t, resp, &body)
	assert.Equal(t, int64(1), body.Total)
	assert.Equal(t, defaultAlertLimit, body.Limit)
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, "crowdsecurity/ssh-bf", body.Alerts[0].Scenario)
}

func TestListAlertsValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	tests := []string{
		"/api/alerts?limit=0",
		"/api/alerts?limit=1001",
		"/api/alerts?limit=abc",
		"/api/alerts?offset=-1",
		"/api/alerts?country=deu",
		"/api/alerts?source_ip=not-an-ip",
		"/api/alerts?filtered=maybe",
		"/api/alerts?since=2019-01-01",
		"/api/alerts?until=not-a-date",
		"/api/alerts?scenario=" + strings.Repeat("x", maxScenarioLen+1),
	}
	for _, path := range tests {
		resp := env.api(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestGetAlertEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	id := seedAlert(t, env, "s", "1.2.3.4")

	resp := env.api(t, http.MethodGet, fmt.Sprintf("/api/alerts/%d", id), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got alertView
	decode(t, resp, &got)
	assert.Equal(t, id, got.ID)

	resp = env.api(t, http.MethodGet, "/api/alerts/99999", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.api(t, http.MethodGet, "/api/alerts/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsAndDistribution(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedAlert(t, env, "s", "1.2.3.4")

	resp := env.api(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats storage.Stats
	decode(t, resp, &stats)
	assert.Equal(t, int64(1), stats.TotalAlerts)

	resp = env.api(t, http.MethodGet, "/api/stats/distribution?period=30d", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.api(t, http.MethodGet, "/api/stats/distribution?period=90d", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIPInfoEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	seedAlert(t, env, "crowdsecurity/ssh-bf", "1.2.3.4")
	seedAlert(t, env, "crowdsecurity/ssh-bf", "1.2.3.4")

	resp := env.api(t, http.MethodGet, "/api/ip-info/1.2.3.4", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info struct {
		IP         string         `json:"ip"`
		AlertCount int            `json:"alert_count"`
		Scenarios  map[string]int `json:"scenarios"`
	}
	decode(t, resp, &info)
	assert.Equal(t, "1.2.3.4", info.IP)
	assert.Equal(t, 2, info.AlertCount)
	assert.Equal(t, 2, info.Scenarios["crowdsecurity/ssh-bf"])

	resp = env.api(t, http.MethodGet, "/api/ip-info/nope", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnalyzersDisabled(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp := env.api(t, http.MethodGet, "/api/analyzers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Enabled bool `json:"enabled"`
	}
	decode(t, resp, &body)
	assert.False(t, body.Enabled)

	resp = env.api(t, http.MethodPost, "/api/analyzers/ssh-bf/run", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
