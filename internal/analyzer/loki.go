package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/crowdsieve/crowdsieve/internal/config"
)

// LogEntry is one fetched log line with its extracted JSON projection.
type LogEntry struct {
	Raw       string
	Timestamp time.Time
	Fields    map[string]any
}

// LokiClient queries a Loki datasource through the Grafana proxy.
type LokiClient struct {
	grafanaURL    string
	token         string
	datasourceUID string
	httpClient    *http.Client
}

// NewLokiClient builds a client for one configured source.
func NewLokiClient(src config.SourceConfig, timeout time.Duration) *LokiClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LokiClient{
		grafanaURL:    strings.TrimRight(src.GrafanaURL, "/"),
		token:         src.Token,
		datasourceUID: src.DatasourceUID,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// lokiQueryResponse is the query_range envelope: streams of
// [nanosecond-timestamp, line] value pairs.
type lokiQueryResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Stream map[string]string `json:"stream"`
			Values [][]string        `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// QueryRange fetches up to limit log lines matching query over
// [start, end].
func (c *LokiClient) QueryRange(ctx context.Context, query string, start, end time.Time, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 1000
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("direction", "backward")

	reqURL := fmt.Sprintf("%s/api/datasources/proxy/uid/%s/loki/api/v1/query_range?%s",
		c.grafanaURL, url.PathEscape(c.datasourceUID), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("loki returned status %d: %s", resp.StatusCode, string(body))
	}

	var qr lokiQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("parsing query response: %w", err)
	}
	if qr.Status != "success" {
		return nil, fmt.Errorf("loki query status %q", qr.Status)
	}

	var entries []LogEntry
	for _, stream := range qr.Data.Result {
		for _, pair := range stream.Values {
			if len(pair) != 2 {
				continue
			}
			entry := LogEntry{Raw: pair[1]}
			if ns, err := strconv.ParseInt(pair[0], 10, 64); err == nil {
				entry.Timestamp = time.Unix(0, ns).UTC()
			}
			entries = append(entries, entry)
			if len(entries) >= limit {
				return entries, nil
			}
		}
	}
	return entries, nil
}

// extract applies the JSON field projection to each entry. Lines that are
// not JSON objects keep an empty field map.
func extract(entries []LogEntry, fields map[string]string) []LogEntry {
	for i := range entries {
		entries[i].Fields = map[string]any{}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(entries[i].Raw), &parsed); err != nil {
			continue
		}
		if len(fields) == 0 {
			entries[i].Fields = parsed
			continue
		}
		for out, in := range fields {
			if v, ok := resolvePath(parsed, in); ok {
				entries[i].Fields[out] = v
			}
		}
	}
	return entries
}

// resolvePath walks a dot path through nested JSON objects.
func resolvePath(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}
