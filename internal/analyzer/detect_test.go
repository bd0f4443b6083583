package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entriesFor(t *testing.T, rows []map[string]any) []LogEntry {
	t.Helper()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	out := make([]LogEntry, len(rows))
	for i, r := range rows {
		out[i] = LogEntry{Fields: r, Timestamp: base.Add(time.Duration(i) * time.Second)}
	}
	return out
}

func analyzerWith(groupBy, distinct, operator string, threshold int) *Analyzer {
	a := &Analyzer{}
	a.Detection.GroupBy = groupBy
	a.Detection.Distinct = distinct
	a.Detection.Operator = operator
	a.Detection.Threshold = threshold
	return a
}

func TestDetectByCount(t *testing.T) {
	entries := entriesFor(t, []map[string]any{
		{"ip": "1.1.1.1", "user": "root"},
		{"ip": "1.1.1.1", "user": "admin"},
		{"ip": "1.1.1.1", "user": "root"},
		{"ip": "2.2.2.2", "user": "root"},
		{"ip": ""},
		{"user": "no-ip"},
	})

	out := detect(entries, analyzerWith("ip", "", ">", 2))
	require.Len(t, out, 1)
	assert.Equal(t, "1.1.1.1", out[0].Key)
	assert.Equal(t, 3, out[0].TotalCount)
	assert.True(t, out[0].LastSeen.After(out[0].FirstSeen))
}

func TestDetectDistinct(t *testing.T) {
	entries := entriesFor(t, []map[string]any{
		{"ip": "1.1.1.1", "user": "root"},
		{"ip": "1.1.1.1", "user": "root"},
		{"ip": "1.1.1.1", "user": "root"},
		{"ip": "3.3.3.3", "user": "a"},
		{"ip": "3.3.3.3", "user": "b"},
		{"ip": "3.3.3.3", "user": "c"},
	})

	// Repeats of one username do not cross a distinct threshold.
	out := detect(entries, analyzerWith("ip", "user", ">=", 3))
	require.Len(t, out, 1)
	assert.Equal(t, "3.3.3.3", out[0].Key)
	assert.Equal(t, 3, out[0].DistinctCount)
	assert.Equal(t, 3, out[0].TotalCount)
}

func TestDetectSortsByCompareValueDesc(t *testing.T) {
	entries := entriesFor(t, []map[string]any{
		{"ip": "b"}, {"ip": "b"},
		{"ip": "a"}, {"ip": "a"}, {"ip": "a"},
		{"ip": "c"}, {"ip": "c"},
	})

	out := detect(entries, analyzerWith("ip", "", ">=", 2))
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].Key)
	// Equal counts break ties by key.
	assert.Equal(t, "b", out[1].Key)
	assert.Equal(t, "c", out[2].Key)
}

func TestThresholdMet(t *testing.T) {
	tests := []struct {
		value     int
		op        string
		threshold int
		want      bool
	}{
		{5, ">", 4, true},
		{5, ">", 5, false},
		{5, ">=", 5, true},
		{5, "gte", 5, true},
		{3, "<", 5, true},
		{5, "<=", 5, true},
		{5, "==", 5, true},
		{5, "eq", 4, false},
		{5, "!=", 4, true},
		{5, "ne", 5, false},
		{5, "unknown", 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, thresholdMet(tt.value, tt.op, tt.threshold),
			"%d %s %d", tt.value, tt.op, tt.threshold)
	}
}

func TestWhitelist(t *testing.T) {
	w := NewWhitelist([]string{"10.0.0.0/8", "2001:db8::/32", "8.8.4.4", "trusted-host"})
	assert.Equal(t, 4, w.Size())

	assert.True(t, w.Contains("10.1.2.3"))
	assert.True(t, w.Contains("2001:db8::1"))
	assert.True(t, w.Contains("8.8.4.4"))
	assert.True(t, w.Contains("trusted-host"))

	assert.False(t, w.Contains("8.8.8.8"))
	assert.False(t, w.Contains("192.168.1.1"))
	// A v4 address never matches a v6 range.
	assert.False(t, NewWhitelist([]string{"::/0"}).Contains("1.2.3.4"))
}
