package pipeline

import (
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
	"github.com/crowdsieve/crowdsieve/internal/storage"
	"github.com/crowdsieve/crowdsieve/internal/validator"
)

func testStore(t *testing.T) *storage.SQLStore {
	t.Helper()
	store, err := storage.OpenEmbedded(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dropSimulatedEngine(t *testing.T) *filter.Engine {
	t.Helper()
	return filter.New(config.FiltersConfig{
		Mode: filter.ModeBlock,
		Rules: []config.Rule{
			{Name: "drop-simulated", Filter: map[string]any{"field": "simulated", "op": "eq", "value": true}},
		},
	}, zap.NewNop())
}

func alertJSON(scenario string, simulated bool) string {
	return fmt.Sprintf(`{"scenario":%q,"simulated":%t,"source":{"scope":"ip","ip":"1.2.3.4"},"start_at":"2026-08-24T10:00:00Z"}`,
		scenario, simulated)
}

func TestProcessSignalsFiltersAndForwards(t *testing.T) {
	var upstreamBody []byte
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var raws []json.RawMessage
		json.NewDecoder(r.Body).Decode(&raws)
		upstreamBody, _ = json.Marshal(raws)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message":"OK"}`)
	}))
	defer ts.Close()

	store := testStore(t)
	p := New(dropSimulatedEngine(t), store, capi.New(ts.URL, time.Second), nil, true, zap.NewNop())

	body := "[" + alertJSON("crowdsecurity/ssh-bf", true) + "," + alertJSON("crowdsecurity/http-probing", false) + "]"
	resp := p.ProcessSignals(context.Background(), "v2", []byte(body), "Bearer tok", "cs-lapi/1.6")

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"message":"OK"}`, string(resp.Body))
	assert.Equal(t, 1, calls)

	// Only the survivor reached CAPI.
	var forwarded []map[string]any
	require.NoError(t, json.Unmarshal(upstreamBody, &forwarded))
	require.Len(t, forwarded, 1)
	assert.Equal(t, "crowdsecurity/http-probing", forwarded[0]["scenario"])

	// Both alerts are stored; only the survivor is marked forwarded.
	alerts, total, err := store.ListAlerts(context.Background(), storage.AlertQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	for _, a := range alerts {
		if a.Scenario == "crowdsecurity/ssh-bf" {
			assert.True(t, a.Filtered)
			assert.False(t, a.ForwardedToCAPI)
		} else {
			assert.False(t, a.Filtered)
			assert.True(t, a.ForwardedToCAPI)
		}
	}
}

func TestProcessSignalsAllFiltered(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("CAPI must not be called when every alert is filtered")
	}))
	defer ts.Close()

	p := New(dropSimulatedEngine(t), testStore(t), capi.New(ts.URL, time.Second), nil, true, zap.NewNop())

	body := "[" + alertJSON("a", true) + "," + alertJSON("b", true) + "]"
	resp := p.ProcessSignals(context.Background(), "v2", []byte(body), "", "")

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"message":"OK"}`, string(resp.Body))
}

func TestProcessSignalsForwardingDisabled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("CAPI must not be called with forwarding disabled")
	}))
	defer ts.Close()

	store := testStore(t)
	p := New(dropSimulatedEngine(t), store, capi.New(ts.URL, time.Second), nil, false, zap.NewNop())

	resp := p.ProcessSignals(context.Background(), "v2", []byte("["+alertJSON("x", false)+"]"), "", "")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, string(resp.Body), "forwarding disabled")

	alerts, _, err := store.ListAlerts(context.Background(), storage.AlertQuery{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].ForwardedToCAPI)
}

func TestProcessSignalsUpstreamTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	store := testStore(t)
	p := New(dropSimulatedEngine(t), store, capi.New(ts.URL, 50*time.Millisecond), nil, true, zap.NewNop())

	resp := p.ProcessSignals(context.Background(), "v2", []byte("["+alertJSON("x", false)+"]"), "", "")
	assert.Equal(t, http.StatusBadGateway, resp.Status)

	alerts, _, err := store.ListAlerts(context.Background(), storage.AlertQuery{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].ForwardedToCAPI, "failed forward never marks alerts")
}

func TestProcessSignalsRelaysUpstreamStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer ts.Close()

	store := testStore(t)
	p := New(dropSimulatedEngine(t), store, capi.New(ts.URL, time.Second), nil, true, zap.NewNop())

	resp := p.ProcessSignals(context.Background(), "v2", []byte("["+alertJSON("x", false)+"]"), "", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.Status)
	assert.Contains(t, string(resp.Body), "quota exceeded")

	alerts, _, err := store.ListAlerts(context.Background(), storage.AlertQuery{})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.False(t, alerts[0].ForwardedToCAPI, "non-2xx upstream never marks alerts")
}

func TestProcessSignalsBadRequests(t *testing.T) {
	p := New(dropSimulatedEngine(t), testStore(t), capi.New("http://127.0.0.1:0", time.Second), nil, true, zap.NewNop())

	tests := []struct {
		name string
		body string
	}{
		{"not an array", `{"scenario":"x"}`},
		{"not json", "garbage"},
		{"oversized batch", "[" + strings.Repeat(alertJSON("x", false)+",", config.MaxAlertsPerBatch) + alertJSON("x", false) + "]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := p.ProcessSignals(context.Background(), "v2", []byte(tt.body), "", "")
			assert.Equal(t, http.StatusBadRequest, resp.Status)
		})
	}
}

func TestProcessSignalsEmptyBatch(t *testing.T) {
	p := New(dropSimulatedEngine(t), testStore(t), capi.New("http://127.0.0.1:0", time.Second), nil, true, zap.NewNop())
	resp := p.ProcessSignals(context.Background(), "v2", []byte("[]"), "", "")
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestProcessSignalsClientValidation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer ts.Close()

	store := testStore(t)
	capiClient := capi.New(ts.URL, time.Second)
	v, err := validator.New(config.ClientValidationConfig{
		Enabled:          true,
		CacheTTLSeconds:  60,
		MaxMemoryEntries: 10,
		FailClosed:       true,
	}, store, capiClient, zap.NewNop())
	require.NoError(t, err)

	p := New(dropSimulatedEngine(t), store, capiClient, v, true, zap.NewNop())

	resp := p.ProcessSignals(context.Background(), "v2", []byte("["+alertJSON("x", false)+"]"), "Bearer rejected", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Status)

	resp = p.ProcessSignals(context.Background(), "v2", []byte("[]"), "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Status, "missing bearer token is rejected")
}

func TestBuildAlertRecordPreservesRawBytes(t *testing.T) {
	raw := json.RawMessage(`{"scenario":"s",  "uuid":"u-1","start_at":"2026-08-24T10:00:00Z","source":{"scope":"ip","value":"5.6.7.8"},"decisions":[{"type":"ban","value":"5.6.7.8","duration":"4h"}],"events":[{"timestamp":"2026-08-24T09:59:00Z","meta":[{"key":"k","value":"v"}]}]}`)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))

	rec := buildAlertRecord(raw, fields, filter.Verdict{}, time.Now().UTC())

	assert.Equal(t, []byte(raw), rec.RawJSON, "whitespace and field order survive")
	assert.Equal(t, "u-1", rec.UUID.String)
	assert.Equal(t, "s", rec.Scenario)
	assert.True(t, rec.StartedAt.Valid)
	assert.Equal(t, "5.6.7.8", rec.SourceIP, "ip scope falls back to source.value")
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, "ban", rec.Decisions[0].Type)
	require.Len(t, rec.Events, 1)
	assert.Contains(t, rec.Events[0].MetaJSON, `"key":"k"`)
	assert.Equal(t, "[]", rec.MatchReasons)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Empty(t, bearerToken("bearer abc"))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken(""))
}
