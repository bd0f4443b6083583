package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenEmbedded(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(received time.Time) *AlertRecord {
	return &AlertRecord{
		UUID:          sql.NullString{String: "a-uuid", Valid: true},
		MachineID:     "web-01",
		Scenario:      "crowdsecurity/ssh-bf",
		Message:       "brute force",
		EventsCount:   6,
		ReceivedAt:    received,
		SourceScope:   "ip",
		SourceValue:   "1.2.3.4",
		SourceIP:      "1.2.3.4",
		SourceCountry: "DE",
		MatchReasons:  `[{"name":"r","reason":"x"}]`,
		RawJSON:       []byte(`{"scenario":"crowdsecurity/ssh-bf","source":{"ip":"1.2.3.4"}}`),
		Decisions: []DecisionRecord{
			{Origin: "crowdsec", Type: "ban", Scope: "ip", Value: "1.2.3.4", Duration: "4h", Scenario: "crowdsecurity/ssh-bf"},
		},
		Events: []EventRecord{
			{Timestamp: sql.NullTime{Time: received, Valid: true}, MetaJSON: `{"log_type":"ssh"}`},
		},
	}
}

func TestInsertAndGetAlert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord(time.Now().UTC())
	id, err := store.InsertAlert(ctx, rec)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	got, err := store.GetAlert(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, "crowdsecurity/ssh-bf", got.Scenario)
	assert.Equal(t, "web-01", got.MachineID)
	assert.Equal(t, rec.RawJSON, got.RawJSON, "raw payload survives byte-for-byte")
	assert.True(t, got.HasDecisions)
	assert.False(t, got.ForwardedToCAPI)
	require.Len(t, got.Decisions, 1)
	assert.Equal(t, "ban", got.Decisions[0].Type)
	require.Len(t, got.Events, 1)
	assert.JSONEq(t, `{"log_type":"ssh"}`, got.Events[0].MetaJSON)
}

func TestGetAlertNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetAlert(context.Background(), 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertAlertEnforcesInvariants(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord(time.Now().UTC())
	rec.Decisions = nil
	rec.Filtered = true
	rec.ForwardedToCAPI = true // contradictory input is corrected
	rec.MatchReasons = ""

	id, err := store.InsertAlert(ctx, rec)
	require.NoError(t, err)

	got, err := store.GetAlert(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.HasDecisions)
	assert.False(t, got.ForwardedToCAPI, "a filtered alert is never marked forwarded")
	assert.Equal(t, "[]", got.MatchReasons)
}

func TestMarkAlertsForwarded(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id1, err := store.InsertAlert(ctx, sampleRecord(time.Now().UTC()))
	require.NoError(t, err)
	id2, err := store.InsertAlert(ctx, sampleRecord(time.Now().UTC()))
	require.NoError(t, err)

	at := time.Now().UTC()
	require.NoError(t, store.MarkAlertsForwarded(ctx, []int64{id1}, at))
	require.NoError(t, store.MarkAlertsForwarded(ctx, nil, at), "empty id list is a no-op")

	got1, err := store.GetAlert(ctx, id1)
	require.NoError(t, err)
	assert.True(t, got1.ForwardedToCAPI)
	assert.True(t, got1.ForwardedAt.Valid)

	got2, err := store.GetAlert(ctx, id2)
	require.NoError(t, err)
	assert.False(t, got2.ForwardedToCAPI)
}

func TestListAlerts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		rec := sampleRecord(now.Add(time.Duration(i) * time.Minute))
		if i >= 3 {
			rec.Scenario = "crowdsecurity/http-probing"
			rec.Filtered = true
		}
		_, err := store.InsertAlert(ctx, rec)
		require.NoError(t, err)
	}

	alerts, total, err := store.ListAlerts(ctx, AlertQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, alerts, 2)
	assert.True(t, alerts[0].ReceivedAt.After(alerts[1].ReceivedAt), "newest first")

	filtered := true
	alerts, total, err = store.ListAlerts(ctx, AlertQuery{Scenario: "crowdsecurity/http-probing", Filtered: &filtered})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, alerts, 2)

	alerts, total, err = store.ListAlerts(ctx, AlertQuery{Since: now.Add(3*time.Minute - time.Second)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, alerts, 2)
}

func TestAlertsByIP(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := sampleRecord(time.Now().UTC())
	_, err := store.InsertAlert(ctx, rec)
	require.NoError(t, err)

	other := sampleRecord(time.Now().UTC())
	other.SourceIP = "9.9.9.9"
	other.SourceValue = "9.9.9.9"
	_, err = store.InsertAlert(ctx, other)
	require.NoError(t, err)

	alerts, err := store.AlertsByIP(ctx, "1.2.3.4", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "1.2.3.4", alerts[0].SourceIP)
}

func TestGetStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := sampleRecord(now)
	a.Filtered = true
	_, err := store.InsertAlert(ctx, a)
	require.NoError(t, err)

	b := sampleRecord(now)
	id, err := store.InsertAlert(ctx, b)
	require.NoError(t, err)
	require.NoError(t, store.MarkAlertsForwarded(ctx, []int64{id}, now))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalAlerts)
	assert.Equal(t, int64(1), stats.FilteredAlerts)
	assert.Equal(t, int64(1), stats.ForwardedAlerts)
	assert.Equal(t, int64(2), stats.AlertsLast24h)
	require.NotEmpty(t, stats.TopScenarios)
	assert.Equal(t, "crowdsecurity/ssh-bf", stats.TopScenarios[0].Name)
	assert.Equal(t, int64(2), stats.TopScenarios[0].Count)
}

func TestPruneAlertsCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	old := sampleRecord(time.Now().UTC().AddDate(0, 0, -60))
	oldID, err := store.InsertAlert(ctx, old)
	require.NoError(t, err)

	fresh := sampleRecord(time.Now().UTC())
	freshID, err := store.InsertAlert(ctx, fresh)
	require.NoError(t, err)

	n, err := store.PruneAlerts(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetAlert(ctx, oldID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetAlert(ctx, freshID)
	assert.NoError(t, err)

	var orphans int
	require.NoError(t, store.DB().Get(&orphans,
		store.DB().Rebind("SELECT COUNT(*) FROM decisions WHERE alert_id = ?"), oldID))
	assert.Zero(t, orphans, "decisions cascade with their alert")
}

func TestValidatedClientLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.GetValidatedClient(ctx, "deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)

	vc := &ValidatedClient{
		TokenHash:      "deadbeef",
		ValidatedAt:    now,
		ExpiresAt:      now.Add(time.Hour),
		LastAccessedAt: now,
		AccessCount:    1,
	}
	require.NoError(t, store.UpsertValidatedClient(ctx, vc))

	got, err := store.GetValidatedClient(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)

	// Re-validation bumps the counter.
	require.NoError(t, store.UpsertValidatedClient(ctx, vc))
	got, err = store.GetValidatedClient(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AccessCount)

	require.NoError(t, store.TouchValidatedClient(ctx, "deadbeef", now.Add(time.Minute)))
	got, err = store.GetValidatedClient(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.AccessCount)

	n, err := store.PruneValidatedClients(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAnalyzerRuns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &AnalyzerRun{
		AnalyzerID:     "ssh-bf",
		StartedAt:      now,
		FinishedAt:     sql.NullTime{Time: now.Add(time.Second), Valid: true},
		Status:         "success",
		LogsFetched:    120,
		AlertsCount:    2,
		DecisionsCount: 2,
	}
	runID, err := store.InsertAnalyzerRun(ctx, run)
	require.NoError(t, err)

	results := []AnalyzerResult{
		{SourceIP: "1.1.1.1", DistinctCount: 7, TotalCount: 30, DecisionPushed: true},
		{SourceIP: "2.2.2.2", DistinctCount: 5, TotalCount: 12, DecisionPushed: true},
	}
	require.NoError(t, store.InsertAnalyzerResults(ctx, runID, results))

	failed := &AnalyzerRun{
		AnalyzerID:   "ssh-bf",
		StartedAt:    now.Add(time.Minute),
		Status:       "error",
		ErrorMessage: "loki unreachable",
	}
	_, err = store.InsertAnalyzerRun(ctx, failed)
	require.NoError(t, err)

	runs, err := store.ListAnalyzerRuns(ctx, "ssh-bf", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "error", runs[0].Status, "newest first")
	assert.Equal(t, "success", runs[1].Status)
	assert.Equal(t, "[]", runs[1].DetectionsJSON)
	assert.Equal(t, 120, runs[1].LogsFetched)

	runs, err = store.ListAnalyzerRuns(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
