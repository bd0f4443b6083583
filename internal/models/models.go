// Package models holds the CrowdSec-shaped wire types exchanged with
// LAPIs and CAPI.
package models

import "time"

// Alert is an alert object in the shape LAPIs emit and accept.
type Alert struct {
	ID              int64    `json:"id,omitempty"`
	UUID            string   `json:"uuid,omitempty"`
	MachineID       string   `json:"machine_id,omitempty"`
	Scenario        string   `json:"scenario"`
	ScenarioHash    string   `json:"scenario_hash"`
	ScenarioVersion string   `json:"scenario_version"`
	Message         string   `json:"message"`
	EventsCount     int      `json:"events_count"`
	StartAt         string   `json:"start_at"`
	StopAt          string   `json:"stop_at"`
	CreatedAt       string   `json:"created_at,omitempty"`
	Capacity        int      `json:"capacity"`
	Leakspeed       string   `json:"leakspeed"`
	Simulated       bool     `json:"simulated"`
	Remediation     bool     `json:"remediation,omitempty"`
	Labels          []string `json:"labels"`

	Source    Source     `json:"source"`
	Decisions []Decision `json:"decisions,omitempty"`
	Events    []Event    `json:"events"`
}

// Source describes where an alert originated.
type Source struct {
	Scope     string  `json:"scope"`
	Value     string  `json:"value"`
	IP        string  `json:"ip,omitempty"`
	Range     string  `json:"range,omitempty"`
	AsNumber  string  `json:"as_number,omitempty"`
	AsName    string  `json:"as_name,omitempty"`
	Cn        string  `json:"cn,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Decision is a remediation carried inside an alert.
type Decision struct {
	ID        int64  `json:"id,omitempty"`
	UUID      string `json:"uuid,omitempty"`
	Origin    string `json:"origin"`
	Type      string `json:"type"`
	Scope     string `json:"scope"`
	Value     string `json:"value"`
	Duration  string `json:"duration"`
	Scenario  string `json:"scenario"`
	Simulated bool   `json:"simulated"`
	Until     string `json:"until,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Event is a supporting piece of evidence attached to an alert.
type Event struct {
	Timestamp string     `json:"timestamp"`
	Meta      []MetaItem `json:"meta"`
}

// MetaItem is a key/value pair inside an event.
type MetaItem struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TimestampLayouts are the formats LAPIs have been observed to emit.
var TimestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05 +0000 UTC",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a LAPI timestamp, trying known layouts in order.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range TimestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
