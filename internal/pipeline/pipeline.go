// Package pipeline implements the signals processing flow: validate,
// filter, persist, forward, relay.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/crowdsieve/crowdsieve/internal/capi"
	"github.com/crowdsieve/crowdsieve/internal/config"
	"github.com/crowdsieve/crowdsieve/internal/filter"
	"github.com/crowdsieve/crowdsieve/internal/metrics"
	"github.com/crowdsieve/crowdsieve/internal/storage"
	"github.com/crowdsieve/crowdsieve/internal/validator"
)

// Response is what the signals handler writes back to the LAPI.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

func jsonResponse(status int, message string) *Response {
	body, _ := json.Marshal(map[string]string{"message": message})
	return &Response{Status: status, ContentType: "application/json", Body: body}
}

// Pipeline processes signals batches.
type Pipeline struct {
	filters   *filter.Engine
	store     storage.Store
	capi      *capi.Client
	validator *validator.Validator // nil when client validation is disabled
	forward   bool
	log       *zap.Logger
}

// New assembles a pipeline. validator may be nil.
func New(filters *filter.Engine, store storage.Store, capiClient *capi.Client, v *validator.Validator, forwardEnabled bool, log *zap.Logger) *Pipeline {
	return &Pipeline{
		filters:   filters,
		store:     store,
		capi:      capiClient,
		validator: v,
		forward:   forwardEnabled,
		log:       log,
	}
}

// ProcessSignals runs one batch through the full flow. Storage failures
// are logged and swallowed; forwarding failures are returned to the
// caller as the response.
func (p *Pipeline) ProcessSignals(ctx context.Context, version string, body []byte, authorization, userAgent string) *Response {
	if p.validator != nil {
		token := bearerToken(authorization)
		if token == "" || !p.validator.Validate(ctx, token) {
			return jsonResponse(http.StatusUnauthorized, "client validation failed")
		}
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return jsonResponse(http.StatusBadRequest, "request body must be a JSON array of alerts")
	}
	if len(raws) > config.MaxAlertsPerBatch {
		return jsonResponse(http.StatusBadRequest, "batch exceeds maximum size")
	}
	metrics.SignalsReceived.Add(float64(len(raws)))

	if len(raws) == 0 {
		return jsonResponse(http.StatusOK, "OK")
	}

	now := time.Now().UTC()

	// Evaluate and persist every alert, keeping survivors in input order.
	// The inserted ids are per-batch state carried into the forwarded-at
	// update below.
	var survivorRaws []json.RawMessage
	var survivorIDs []int64
	filtered := 0

	for _, raw := range raws {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			// A non-object element cannot match any field condition;
			// store it and let it pass through.
			fields = map[string]any{}
		}

		verdict := p.filters.Evaluate(fields)
		record := buildAlertRecord(raw, fields, verdict, now)

		id, err := p.store.InsertAlert(ctx, record)
		if err != nil {
			p.log.Error("failed to persist alert",
				zap.String("scenario", record.Scenario), zap.Error(err))
			id = 0
		}

		if verdict.Filtered {
			filtered++
			continue
		}
		survivorRaws = append(survivorRaws, raw)
		if id > 0 {
			survivorIDs = append(survivorIDs, id)
		}
	}
	metrics.SignalsFiltered.Add(float64(filtered))

	p.log.Info("processed signals batch",
		zap.String("version", version),
		zap.Int("received", len(raws)),
		zap.Int("filtered", filtered),
		zap.Int("passed", len(survivorRaws)))

	if len(survivorRaws) == 0 {
		return jsonResponse(http.StatusOK, "OK")
	}
	if !p.forward {
		return jsonResponse(http.StatusOK, "OK (forwarding disabled)")
	}

	forwardBody, err := json.Marshal(survivorRaws)
	if err != nil {
		p.log.Error("failed to encode survivors", zap.Error(err))
		return jsonResponse(http.StatusInternalServerError, "internal error")
	}

	upstream, err := p.capi.ForwardSignals(ctx, version, forwardBody, authorization, userAgent)
	if err != nil {
		metrics.ForwardErrors.Inc()
		p.log.Error("failed to forward signals to CAPI", zap.Error(err))
		return jsonResponse(http.StatusBadGateway, "upstream unavailable")
	}

	if upstream.Success() {
		metrics.SignalsForwarded.Add(float64(len(survivorRaws)))
		if err := p.store.MarkAlertsForwarded(ctx, survivorIDs, time.Now().UTC()); err != nil {
			p.log.Error("failed to mark alerts forwarded", zap.Error(err))
		}
	}

	return &Response{
		Status:      upstream.Status,
		ContentType: upstream.ContentType,
		Body:        upstream.Body,
	}
}

func bearerToken(authorization string) string {
	const prefix = "Bearer "
	if len(authorization) > len(prefix) && authorization[:len(prefix)] == prefix {
		return authorization[len(prefix):]
	}
	return ""
}

// buildAlertRecord projects the raw alert JSON into storage columns. The
// raw payload is kept byte-for-byte.
func buildAlertRecord(raw json.RawMessage, fields map[string]any, verdict filter.Verdict, receivedAt time.Time) *storage.AlertRecord {
	rec := &storage.AlertRecord{
		ReceivedAt: receivedAt,
		Filtered:   verdict.Filtered,
		RawJSON:    append([]byte(nil), raw...),
	}

	reasons, _ := json.Marshal(verdict.Matched)
	rec.MatchReasons = string(reasons)
	if verdict.Matched == nil {
		rec.MatchReasons = "[]"
	}

	rec.UUID = nullableString(stringField(fields, "uuid"))
	rec.MachineID = stringField(fields, "machine_id")
	rec.Scenario = stringField(fields, "scenario")
	rec.ScenarioHash = stringField(fields, "scenario_hash")
	rec.ScenarioVersion = stringField(fields, "scenario_version")
	rec.Message = stringField(fields, "message")
	rec.EventsCount = intField(fields, "events_count")
	rec.StartedAt = timeField(fields, "start_at")
	rec.StoppedAt = timeField(fields, "stop_at")
	rec.Simulated = boolField(fields, "simulated")

	if src, ok := fields["source"].(map[string]any); ok {
		rec.SourceScope = stringField(src, "scope")
		rec.SourceValue = stringField(src, "value")
		rec.SourceIP = stringField(src, "ip")
		rec.SourceRange = stringField(src, "range")
		rec.ASNumber = stringField(src, "as_number")
		rec.ASName = stringField(src, "as_name")
		rec.SourceCountry = stringField(src, "cn")
		if rec.SourceIP == "" && rec.SourceScope == "ip" {
			rec.SourceIP = rec.SourceValue
		}
	}

	if decisions, ok := fields["decisions"].([]any); ok {
		for _, d := range decisions {
			dm, ok := d.(map[string]any)
			if !ok {
				continue
			}
			rec.Decisions = append(rec.Decisions, storage.DecisionRecord{
				UUID:      nullableString(stringField(dm, "uuid")),
				Origin:    stringField(dm, "origin"),
				Type:      stringField(dm, "type"),
				Scope:     stringField(dm, "scope"),
				Value:     stringField(dm, "value"),
				Duration:  stringField(dm, "duration"),
				Scenario:  stringField(dm, "scenario"),
				Simulated: boolField(dm, "simulated"),
				Until:     timeField(dm, "until"),
			})
		}
	}

	if events, ok := fields["events"].([]any); ok {
		for _, e := range events {
			em, ok := e.(map[string]any)
			if !ok {
				continue
			}
			meta, _ := json.Marshal(em["meta"])
			if len(meta) == 0 || string(meta) == "null" {
				meta = []byte("{}")
			}
			rec.Events = append(rec.Events, storage.EventRecord{
				Timestamp: timeField(em, "timestamp"),
				MetaJSON:  string(meta),
			})
		}
	}

	return rec
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func timeField(m map[string]any, key string) sql.NullTime {
	s, ok := m[key].(string)
	if !ok || s == "" {
		return sql.NullTime{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05Z", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return sql.NullTime{Time: t, Valid: true}
		}
	}
	return sql.NullTime{}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
