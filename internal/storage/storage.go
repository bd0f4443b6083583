// Package storage persists alerts, decisions, events, validated clients,
// and analyzer runs behind a backend-agnostic interface.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// AlertRecord is one persisted alert with its owned decisions and events.
type AlertRecord struct {
	ID              int64          `db:"id"`
	UUID            sql.NullString `db:"uuid"`
	MachineID       string         `db:"machine_id"`
	Scenario        string         `db:"scenario"`
	ScenarioHash    string         `db:"scenario_hash"`
	ScenarioVersion string         `db:"scenario_version"`
	Message         string         `db:"message"`
	EventsCount     int            `db:"events_count"`
	StartedAt       sql.NullTime   `db:"started_at"`
	StoppedAt       sql.NullTime   `db:"stopped_at"`
	ReceivedAt      time.Time      `db:"received_at"`
	ForwardedAt     sql.NullTime   `db:"forwarded_at"`

	SourceScope   string `db:"source_scope"`
	SourceValue   string `db:"source_value"`
	SourceIP      string `db:"source_ip"`
	SourceRange   string `db:"source_range"`
	ASNumber      string `db:"as_number"`
	ASName        string `db:"as_name"`
	SourceCountry string `db:"source_country"`

	GeoCountryCode string          `db:"geo_country_code"`
	GeoCountryName string          `db:"geo_country_name"`
	GeoCity        string          `db:"geo_city"`
	GeoRegion      string          `db:"geo_region"`
	GeoLatitude    sql.NullFloat64 `db:"geo_latitude"`
	GeoLongitude   sql.NullFloat64 `db:"geo_longitude"`
	GeoTimezone    string          `db:"geo_timezone"`
	GeoISP         string          `db:"geo_isp"`
	GeoOrg         string          `db:"geo_org"`

	Simulated       bool `db:"simulated"`
	Filtered        bool `db:"filtered"`
	ForwardedToCAPI bool `db:"forwarded_to_capi"`
	HasDecisions    bool `db:"has_decisions"`

	MatchReasons string `db:"match_reasons"` // JSON
	RawJSON      []byte `db:"raw_json"`

	Decisions []DecisionRecord `db:"-"`
	Events    []EventRecord    `db:"-"`
}

// DecisionRecord is a remediation owned by an alert.
type DecisionRecord struct {
	ID        int64          `db:"id"`
	AlertID   int64          `db:"alert_id"`
	UUID      sql.NullString `db:"uuid"`
	Origin    string         `db:"origin"`
	Type      string         `db:"type"`
	Scope     string         `db:"scope"`
	Value     string         `db:"value"`
	Duration  string         `db:"duration"`
	Scenario  string         `db:"scenario"`
	Simulated bool           `db:"simulated"`
	Until     sql.NullTime   `db:"until_at"`
}

// EventRecord is supporting evidence owned by an alert.
type EventRecord struct {
	ID        int64        `db:"id"`
	AlertID   int64        `db:"alert_id"`
	Timestamp sql.NullTime `db:"timestamp"`
	MetaJSON  string       `db:"meta_json"`
}

// ValidatedClient caches proof that a LAPI bearer token was accepted by
// CAPI.
type ValidatedClient struct {
	ID             int64          `db:"id"`
	TokenHash      string         `db:"token_hash"`
	MachineID      sql.NullString `db:"machine_id"`
	ValidatedAt    time.Time      `db:"validated_at"`
	ExpiresAt      time.Time      `db:"expires_at"`
	LastAccessedAt time.Time      `db:"last_accessed_at"`
	AccessCount    int64          `db:"access_count"`
}

// AnalyzerRun records one run of one analyzer, success or failure.
type AnalyzerRun struct {
	ID             int64        `db:"id"`
	AnalyzerID     string       `db:"analyzer_id"`
	StartedAt      time.Time    `db:"started_at"`
	FinishedAt     sql.NullTime `db:"finished_at"`
	Status         string       `db:"status"` // success | error
	LogsFetched    int          `db:"logs_fetched"`
	AlertsCount    int          `db:"alerts_generated"`
	DecisionsCount int          `db:"decisions_pushed"`
	ErrorMessage   string       `db:"error_message"`
	DetectionsJSON string       `db:"detections_json"`
	PushJSON       string       `db:"push_json"`
}

// AnalyzerResult is one detection emitted by a run.
type AnalyzerResult struct {
	ID             int64        `db:"id"`
	RunID          int64        `db:"run_id"`
	SourceIP       string       `db:"source_ip"`
	DistinctCount  int          `db:"distinct_count"`
	TotalCount     int          `db:"total_count"`
	FirstSeen      sql.NullTime `db:"first_seen"`
	LastSeen       sql.NullTime `db:"last_seen"`
	DecisionPushed bool         `db:"decision_pushed"`
}

// AlertQuery bounds and filters an alert listing.
type AlertQuery struct {
	Limit     int
	Offset    int
	Scenario  string
	Country   string
	SourceIP  string
	MachineID string
	Filtered  *bool
	Since     time.Time
	Until     time.Time
}

// Stats is the aggregate view served by the operator API.
type Stats struct {
	TotalAlerts     int64            `json:"total_alerts"`
	FilteredAlerts  int64            `json:"filtered_alerts"`
	ForwardedAlerts int64            `json:"forwarded_alerts"`
	AlertsLast24h   int64            `json:"alerts_last_24h"`
	TopScenarios    []NamedCount     `json:"top_scenarios"`
	TopCountries    []NamedCount     `json:"top_countries"`
	TopSourceIPs    []NamedCount     `json:"top_source_ips"`
}

// NamedCount is a generic name/count aggregation row.
type NamedCount struct {
	Name  string `json:"name" db:"name"`
	Count int64  `json:"count" db:"count"`
}

// Store is the uniform contract both backends implement.
type Store interface {
	// Alerts.
	InsertAlert(ctx context.Context, a *AlertRecord) (int64, error)
	MarkAlertsForwarded(ctx context.Context, ids []int64, at time.Time) error
	GetAlert(ctx context.Context, id int64) (*AlertRecord, error)
	ListAlerts(ctx context.Context, q AlertQuery) ([]AlertRecord, int64, error)
	AlertsByIP(ctx context.Context, ip string, limit int) ([]AlertRecord, error)
	GetStats(ctx context.Context) (*Stats, error)
	CountryDistribution(ctx context.Context, since time.Time) ([]NamedCount, error)
	PruneAlerts(ctx context.Context, before time.Time) (int64, error)

	// Validated clients.
	GetValidatedClient(ctx context.Context, tokenHash string) (*ValidatedClient, error)
	UpsertValidatedClient(ctx context.Context, vc *ValidatedClient) error
	TouchValidatedClient(ctx context.Context, tokenHash string, at time.Time) error
	PruneValidatedClients(ctx context.Context, before time.Time) (int64, error)

	// Analyzer runs.
	InsertAnalyzerRun(ctx context.Context, run *AnalyzerRun) (int64, error)
	InsertAnalyzerResults(ctx context.Context, runID int64, results []AnalyzerResult) error
	ListAnalyzerRuns(ctx context.Context, analyzerID string, limit int) ([]AnalyzerRun, error)

	Close() error
}
