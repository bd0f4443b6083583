package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crowdsieve/crowdsieve/internal/analyzer"
	"github.com/crowdsieve/crowdsieve/internal/config"
	"github.com/crowdsieve/crowdsieve/internal/models"
	"github.com/crowdsieve/crowdsieve/internal/storage"
)

// Input bounds for operator handlers.
const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
	maxScenarioLen    = 200
	maxReasonLen      = 500
)

// dateFloor is the earliest accepted date filter.
var dateFloor = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// alertView is the operator-API projection of a stored alert.
type alertView struct {
	ID              int64  `json:"id"`
	UUID            string `json:"uuid,omitempty"`
	MachineID       string `json:"machine_id,omitempty"`
	Scenario        string `json:"scenario"`
	ScenarioVersion string `json:"scenario_version,omitempty"`
	Message         string `json:"message,omitempty"`
	EventsCount     int    `json:"events_count"`
	StartedAt       string `json:"started_at,omitempty"`
	StoppedAt       string `json:"stopped_at,omitempty"`
	ReceivedAt      string `json:"received_at"`
	ForwardedAt     string `json:"forwarded_at,omitempty"`

	SourceScope   string `json:"source_scope,omitempty"`
	SourceValue   string `json:"source_value,omitempty"`
	SourceIP      string `json:"source_ip,omitempty"`
	SourceCountry string `json:"source_country,omitempty"`
	ASName        string `json:"as_name,omitempty"`

	Simulated       bool            `json:"simulated"`
	Filtered        bool            `json:"filtered"`
	ForwardedToCAPI bool            `json:"forwarded_to_capi"`
	HasDecisions    bool            `json:"has_decisions"`
	MatchReasons    json.RawMessage `json:"match_reasons"`

	Decisions []decisionView `json:"decisions,omitempty"`
	Events    []eventView    `json:"events,omitempty"`
}

type decisionView struct {
	ID       int64  `json:"id"`
	Origin   string `json:"origin"`
	Type     string `json:"type"`
	Scope    string `json:"scope"`
	Value    string `json:"value"`
	Duration string `json:"duration"`
	Scenario string `json:"scenario,omitempty"`
	Until    string `json:"until,omitempty"`
}

type eventView struct {
	Timestamp string          `json:"timestamp,omitempty"`
	Meta      json.RawMessage `json:"meta"`
}

func toAlertView(a *storage.AlertRecord) alertView {
	v := alertView{
		ID:              a.ID,
		UUID:            a.UUID.String,
		MachineID:       a.MachineID,
		Scenario:        a.Scenario,
		ScenarioVersion: a.ScenarioVersion,
		Message:         a.Message,
		EventsCount:     a.EventsCount,
		ReceivedAt:      a.ReceivedAt.UTC().Format(time.RFC3339),
		SourceScope:     a.SourceScope,
		SourceValue:     a.SourceValue,
		SourceIP:        a.SourceIP,
		SourceCountry:   a.SourceCountry,
		ASName:          a.ASName,
		Simulated:       a.Simulated,
		Filtered:        a.Filtered,
		ForwardedToCAPI: a.ForwardedToCAPI,
		HasDecisions:    a.HasDecisions,
		MatchReasons:    json.RawMessage(a.MatchReasons),
	}
	if len(v.MatchReasons) == 0 {
		v.MatchReasons = json.RawMessage("[]")
	}
	if a.StartedAt.Valid {
		v.StartedAt = a.StartedAt.Time.UTC().Format(time.RFC3339)
	}
	if a.StoppedAt.Valid {
		v.StoppedAt = a.StoppedAt.Time.UTC().Format(time.RFC3339)
	}
	if a.ForwardedAt.Valid {
		v.ForwardedAt = a.ForwardedAt.Time.UTC().Format(time.RFC3339)
	}
	for _, d := range a.Decisions {
		dv := decisionView{
			ID:       d.ID,
			Origin:   d.Origin,
			Type:     d.Type,
			Scope:    d.Scope,
			Value:    d.Value,
			Duration: d.Duration,
			Scenario: d.Scenario,
		}
		if d.Until.Valid {
			dv.Until = d.Until.Time.UTC().Format(time.RFC3339)
		}
		v.Decisions = append(v.Decisions, dv)
	}
	for _, e := range a.Events {
		ev := eventView{Meta: json.RawMessage(e.MetaJSON)}
		if len(ev.Meta) == 0 {
			ev.Meta = json.RawMessage("{}")
		}
		if e.Timestamp.Valid {
			ev.Timestamp = e.Timestamp.Time.UTC().Format(time.RFC3339)
		}
		v.Events = append(v.Events, ev)
	}
	return v
}

// handleListAlerts serves GET /api/alerts with bounded, validated query
// parameters.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := storage.AlertQuery{Limit: defaultAlertLimit}
	params := r.URL.Query()

	if raw := params.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAlertLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		q.Limit = n
	}
	if raw := params.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be non-negative")
			return
		}
		q.Offset = n
	}
	if v := params.Get("scenario"); v != "" {
		if len(v) > maxScenarioLen {
			writeError(w, http.StatusBadRequest, "scenario filter too long")
			return
		}
		q.Scenario = v
	}
	if v := params.Get("country"); v != "" {
		if !config.ValidCountry(v) {
			writeError(w, http.StatusBadRequest, "country must be a two-letter upper-case code")
			return
		}
		q.Country = v
	}
	if v := params.Get("source_ip"); v != "" {
		if _, err := netip.ParseAddr(v); err != nil {
			writeError(w, http.StatusBadRequest, "source_ip is not a valid address")
			return
		}
		q.SourceIP = v
	}
	if v := params.Get("machine_id"); v != "" {
		q.MachineID = v
	}
	if v := params.Get("filtered"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "filtered must be true or false")
			return
		}
		q.Filtered = &b
	}

	var ok bool
	if q.Since, ok = parseDateParam(params.Get("since")); !ok {
		writeError(w, http.StatusBadRequest, "since is not a valid date")
		return
	}
	if q.Until, ok = parseDateParam(params.Get("until")); !ok {
		writeError(w, http.StatusBadRequest, "until is not a valid date")
		return
	}

	alerts, total, err := s.store.ListAlerts(r.Context(), q)
	if err != nil {
		s.log.Error("failed to list alerts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]alertView, 0, len(alerts))
	for i := range alerts {
		views = append(views, toAlertView(&alerts[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": views,
		"total":  total,
		"limit":  q.Limit,
		"offset": q.Offset,
	})
}

// parseDateParam accepts an RFC 3339 timestamp or a bare date, bounded
// to [2020-01-01, now+24h]. An empty value is fine.
func parseDateParam(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	var t time.Time
	var err error
	if t, err = time.Parse(time.RFC3339, raw); err != nil {
		if t, err = time.Parse("2006-01-02", raw); err != nil {
			return time.Time{}, false
		}
	}
	if t.Before(dateFloor) || t.After(time.Now().Add(24*time.Hour)) {
		return time.Time{}, false
	}
	return t, true
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}

	alert, err := s.store.GetAlert(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		s.log.Error("failed to load alert", zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toAlertView(alert))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.log.Error("failed to compute stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	switch period := r.URL.Query().Get("period"); period {
	case "", "7d":
		since = time.Now().AddDate(0, 0, -7)
	case "30d":
		since = time.Now().AddDate(0, 0, -30)
	case "all":
		// zero time means no lower bound
	default:
		writeError(w, http.StatusBadRequest, "period must be 7d, 30d, or all")
		return
	}

	dist, err := s.store.CountryDistribution(r.Context(), since)
	if err != nil {
		s.log.Error("failed to compute distribution", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if dist == nil {
		dist = []storage.NamedCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"countries": dist})
}

// handleIPInfo summarizes what is known about one address from stored
// alerts.
func (s *Server) handleIPInfo(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if _, err := netip.ParseAddr(ip); err != nil {
		writeError(w, http.StatusBadRequest, "invalid IP address")
		return
	}

	alerts, err := s.store.AlertsByIP(r.Context(), ip, 50)
	if err != nil {
		s.log.Error("failed to load alerts for ip", zap.String("ip", ip), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	scenarios := map[string]int{}
	var country, asName string
	var firstSeen, lastSeen time.Time
	for i := range alerts {
		a := &alerts[i]
		if a.Scenario != "" {
			scenarios[a.Scenario]++
		}
		if country == "" {
			country = a.SourceCountry
		}
		if asName == "" {
			asName = a.ASName
		}
		if firstSeen.IsZero() || a.ReceivedAt.Before(firstSeen) {
			firstSeen = a.ReceivedAt
		}
		if a.ReceivedAt.After(lastSeen) {
			lastSeen = a.ReceivedAt
		}
	}

	views := make([]alertView, 0, len(alerts))
	for i := range alerts {
		views = append(views, toAlertView(&alerts[i]))
	}

	info := map[string]any{
		"ip":          ip,
		"alert_count": len(alerts),
		"scenarios":   scenarios,
		"country":     country,
		"as_name":     asName,
		"alerts":      views,
	}
	if !firstSeen.IsZero() {
		info["first_seen"] = firstSeen.UTC().Format(time.RFC3339)
		info["last_seen"] = lastSeen.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, info)
}

// handleLAPIServers lists the configured servers without credentials.
func (s *Server) handleLAPIServers(w http.ResponseWriter, r *http.Request) {
	type serverView struct {
		Name     string `json:"name"`
		URL      string `json:"url"`
		CanPush  bool   `json:"can_push"`
		CanQuery bool   `json:"can_query"`
	}

	out := make([]serverView, 0, len(s.cfg.LAPIServers))
	for _, sc := range s.cfg.LAPIServers {
		out = append(out, serverView{
			Name:     sc.Name,
			URL:      sc.URL,
			CanPush:  sc.MachineID != "" && sc.Password != "",
			CanQuery: sc.APIKey != "",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

// serverDecisions is the per-server slice of a decisions fan-out.
type serverDecisions struct {
	Server    string            `json:"server"`
	Error     string            `json:"error,omitempty"`
	Decisions []models.Decision `json:"decisions"`
}

// handleDecisions queries every configured LAPI in parallel and
// partitions the union into decisions shared by all healthy servers and
// decisions local to one.
func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip != "" {
		if _, err := netip.ParseAddr(ip); err != nil {
			writeError(w, http.StatusBadRequest, "invalid IP address")
			return
		}
	}

	clients := s.lapis.All()
	results := make([]serverDecisions, len(clients))

	var g errgroup.Group
	for i, c := range clients {
		i, c := i, c
		g.Go(func() error {
			decisions, err := c.GetDecisions(r.Context(), ip)
			sd := serverDecisions{Server: c.Name(), Decisions: decisions}
			if err != nil {
				sd.Error = err.Error()
				sd.Decisions = []models.Decision{}
			}
			results[i] = sd
			return nil
		})
	}
	g.Wait()

	shared, local := partitionDecisions(results)
	// Per-server entries carry only the local remainder; a decision
	// promoted to shared appears once, in the shared list.
	for i := range results {
		if l, ok := local[results[i].Server]; ok {
			results[i].Decisions = l
		} else {
			results[i].Decisions = []models.Decision{}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"servers": results,
		"shared":  shared,
		"local":   local,
	})
}

// partitionDecisions marks a decision shared when its scenario, type,
// and value appear on every healthy server and its origin is a
// CAPI-distributed one. Everything else stays local to its server.
func partitionDecisions(results []serverDecisions) ([]models.Decision, map[string][]models.Decision) {
	healthy := 0
	presence := map[string]map[string]struct{}{}
	for _, sd := range results {
		if sd.Error != "" {
			continue
		}
		healthy++
		for _, d := range sd.Decisions {
			key := decisionKey(d)
			if presence[key] == nil {
				presence[key] = map[string]struct{}{}
			}
			presence[key][sd.Server] = struct{}{}
		}
	}

	shared := []models.Decision{}
	local := map[string][]models.Decision{}
	seenShared := map[string]struct{}{}
	for _, sd := range results {
		for _, d := range sd.Decisions {
			key := decisionKey(d)
			if healthy > 0 && len(presence[key]) == healthy && sharedOrigin(d.Origin) {
				if _, dup := seenShared[key]; !dup {
					seenShared[key] = struct{}{}
					shared = append(shared, d)
				}
				continue
			}
			local[sd.Server] = append(local[sd.Server], d)
		}
	}
	return shared, local
}

func decisionKey(d models.Decision) string {
	return d.Scenario + "\x00" + d.Type + "\x00" + d.Value
}

func sharedOrigin(origin string) bool {
	o := strings.ToLower(origin)
	return strings.Contains(o, "capi") || strings.Contains(o, "lists") || strings.Contains(o, "crowdsec")
}

func (s *Server) handleDeleteDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		writeError(w, http.StatusBadRequest, "invalid decision id")
		return
	}

	serverName := r.URL.Query().Get("server")
	if !config.ValidServerName(serverName) {
		writeError(w, http.StatusBadRequest, "server parameter is required")
		return
	}
	client, ok := s.lapis.Get(serverName)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown server")
		return
	}

	if err := client.DeleteDecision(r.Context(), id); err != nil {
		s.log.Error("failed to delete decision",
			zap.String("server", serverName), zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to delete decision on server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "decision deleted"})
}

// manualBanRequest is the POST /api/decisions/ban payload. The ban goes
// to exactly one selected server.
type manualBanRequest struct {
	Server   string `json:"server"`
	IP       string `json:"ip"`
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

// handleManualBan pushes an operator-initiated ban to the selected LAPI.
func (s *Server) handleManualBan(w http.ResponseWriter, r *http.Request) {
	var req manualBanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := netip.ParseAddr(req.IP); err != nil {
		writeError(w, http.StatusBadRequest, "invalid IP address")
		return
	}
	if !config.ValidBanDuration(req.Duration) {
		writeError(w, http.StatusBadRequest, "duration must be like 30s, 10m, or 4h")
		return
	}
	if len(req.Reason) > maxReasonLen {
		writeError(w, http.StatusBadRequest, "reason too long")
		return
	}
	if !config.ValidServerName(req.Server) {
		writeError(w, http.StatusBadRequest, "server is required")
		return
	}
	if _, ok := s.lapis.Get(req.Server); !ok {
		writeError(w, http.StatusNotFound, "unknown server "+req.Server)
		return
	}

	targets := s.lapis.WithMachineCredentials([]string{req.Server})
	if len(targets) == 0 {
		writeError(w, http.StatusBadRequest, "server has no machine credentials")
		return
	}
	target := targets[0]

	alert := buildManualBanAlert(req)
	if err := target.PushAlerts(r.Context(), []models.Alert{alert}); err != nil {
		s.log.Error("manual ban push failed",
			zap.String("server", target.Name()), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to push ban to server")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"server":  target.Name(),
		"message": "ban pushed",
	})
}

func buildManualBanAlert(req manualBanRequest) models.Alert {
	now := time.Now().UTC().Format(time.RFC3339)
	message := req.Reason
	if message == "" {
		message = "manual ban via operator API"
	}
	return models.Alert{
		Scenario:    "crowdsieve/manual",
		Message:     message,
		EventsCount: 1,
		StartAt:     now,
		StopAt:      now,
		Capacity:    0,
		Leakspeed:   "0",
		Labels:      []string{},
		Source: models.Source{
			Scope: "ip",
			Value: req.IP,
			IP:    req.IP,
		},
		Decisions: []models.Decision{{
			Origin:   "crowdsieve",
			Type:     "ban",
			Scope:    "ip",
			Value:    req.IP,
			Duration: req.Duration,
			Scenario: "crowdsieve/manual",
		}},
		Events: []models.Event{},
	}
}

func (s *Server) handleListAnalyzers(w http.ResponseWriter, r *http.Request) {
	if s.analyzers == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"enabled":   false,
			"analyzers": []analyzer.Status{},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":   true,
		"analyzers": s.analyzers.List(),
	})
}

func (s *Server) handleRunAnalyzer(w http.ResponseWriter, r *http.Request) {
	if s.analyzers == nil {
		writeError(w, http.StatusNotFound, "analyzer engine is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	err := s.analyzers.Trigger(id)
	switch {
	case errors.Is(err, analyzer.ErrUnknownAnalyzer):
		writeError(w, http.StatusNotFound, "unknown analyzer")
	case errors.Is(err, analyzer.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "a run is already in progress")
	case err != nil:
		s.log.Error("failed to trigger analyzer", zap.String("analyzer", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"message": "run started"})
	}
}
