package analyzer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crowdsieve/crowdsieve/internal/config"
	"github.com/crowdsieve/crowdsieve/internal/lapi"
	"github.com/crowdsieve/crowdsieve/internal/metrics"
	"github.com/crowdsieve/crowdsieve/internal/models"
	"github.com/crowdsieve/crowdsieve/internal/storage"
)

// ErrUnknownAnalyzer is returned by Trigger for an unknown id.
var ErrUnknownAnalyzer = errors.New("analyzer: unknown analyzer")

// ErrAlreadyRunning is returned by Trigger when a run is in flight.
var ErrAlreadyRunning = errors.New("analyzer: run already in progress")

// state tracks one scheduled analyzer.
type state struct {
	analyzer *Analyzer

	running atomic.Bool

	mu        sync.Mutex
	nextRunAt time.Time
	lastRun   *RunSummary
}

// RunSummary is the in-memory view of the most recent run.
type RunSummary struct {
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Status      string    `json:"status"`
	LogsFetched int       `json:"logs_fetched"`
	Alerts      int       `json:"alerts_generated"`
	Pushed      int       `json:"decisions_pushed"`
	Error       string    `json:"error,omitempty"`
}

// Status is the operator-API view of one analyzer.
type Status struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Enabled  bool        `json:"enabled"`
	Version  string      `json:"version"`
	Interval string      `json:"interval"`
	Lookback string      `json:"lookback"`
	Running  bool        `json:"running"`
	NextRun  *time.Time  `json:"next_run_at,omitempty"`
	LastRun  *RunSummary `json:"last_run,omitempty"`
}

// Engine loads analyzer configs, schedules runs, and executes them.
type Engine struct {
	cfg       config.AnalyzersConfig
	store     storage.Store
	lapis     *lapi.Pool
	sources   map[string]*LokiClient
	whitelist *Whitelist
	timeout   time.Duration
	log       *zap.Logger

	cron   *cron.Cron
	states map[string]*state
	order  []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads the analyzer directory and builds an engine. Config-file
// errors are logged and skipped; they never abort startup.
func New(cfg config.AnalyzersConfig, store storage.Store, lapis *lapi.Pool, timeout time.Duration, log *zap.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     store,
		lapis:     lapis,
		sources:   map[string]*LokiClient{},
		whitelist: NewWhitelist(cfg.Whitelist),
		timeout:   timeout,
		log:       log,
		cron:      cron.New(),
		states:    map[string]*state{},
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	for name, src := range cfg.Sources {
		e.sources[name] = NewLokiClient(src, timeout)
	}

	analyzers, errs := LoadDir(cfg.ConfigDir, cfg)
	for _, msg := range errs {
		log.Warn("skipping analyzer config", zap.String("error", msg))
	}
	for _, a := range analyzers {
		if _, dup := e.states[a.ID]; dup {
			log.Warn("duplicate analyzer id, keeping first", zap.String("analyzer", a.ID))
			continue
		}
		e.states[a.ID] = &state{analyzer: a}
		e.order = append(e.order, a.ID)
	}

	return e
}

// Start schedules every enabled analyzer: one immediate run, then a
// recurring tick every interval. Zero intervals are never scheduled.
func (e *Engine) Start() {
	for _, id := range e.order {
		st := e.states[id]
		a := st.analyzer
		if !a.IsEnabled() {
			e.log.Info("analyzer disabled", zap.String("analyzer", a.ID))
			continue
		}
		if a.Interval() <= 0 {
			e.log.Warn("analyzer has zero interval, not scheduling", zap.String("analyzer", a.ID))
			continue
		}

		tick := func() { e.tick(st) }
		if _, err := e.cron.AddFunc("@every "+a.Interval().String(), tick); err != nil {
			e.log.Error("failed to schedule analyzer",
				zap.String("analyzer", a.ID), zap.Error(err))
			continue
		}

		e.log.Info("analyzer scheduled",
			zap.String("analyzer", a.ID),
			zap.Duration("interval", a.Interval()),
			zap.Duration("lookback", a.Lookback()))

		// Fire-now, then every interval.
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			tick()
		}()
	}
	e.cron.Start()
}

// Stop halts the timers and drains in-flight runs before releasing the
// run context, so a run caught mid-fetch finishes instead of aborting.
func (e *Engine) Stop() {
	<-e.cron.Stop().Done()
	e.wg.Wait()
	e.cancel()
}

// tick is one timer firing. The next ETA is recorded whether or not the
// run is skipped; an overlapping tick is skipped, never queued.
func (e *Engine) tick(st *state) {
	st.mu.Lock()
	st.nextRunAt = time.Now().Add(st.analyzer.Interval())
	st.mu.Unlock()

	if !st.running.CompareAndSwap(false, true) {
		e.log.Warn("previous run still executing, skipping tick",
			zap.String("analyzer", st.analyzer.ID))
		return
	}
	defer st.running.Store(false)

	e.execute(st)
}

// Trigger starts an ad-hoc run, subject to the same overlap rule.
func (e *Engine) Trigger(id string) error {
	st, ok := e.states[id]
	if !ok {
		return ErrUnknownAnalyzer
	}
	if !st.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer st.running.Store(false)
		e.execute(st)
	}()
	return nil
}

// List returns the status of every configured analyzer.
func (e *Engine) List() []Status {
	out := make([]Status, 0, len(e.order))
	for _, id := range e.order {
		st := e.states[id]
		a := st.analyzer

		st.mu.Lock()
		s := Status{
			ID:       a.ID,
			Name:     a.Name,
			Enabled:  a.IsEnabled(),
			Version:  a.Version,
			Interval: a.Schedule.Interval,
			Lookback: a.Schedule.Lookback,
			Running:  st.running.Load(),
			LastRun:  st.lastRun,
		}
		if !st.nextRunAt.IsZero() {
			next := st.nextRunAt
			s.NextRun = &next
		}
		st.mu.Unlock()

		out = append(out, s)
	}
	return out
}

// pushOutcome records the per-server result of a fan-out.
type pushOutcome struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// execute runs the per-run pipeline: fetch, extract, detect, whitelist,
// push, persist. A run row is written on every outcome.
func (e *Engine) execute(st *state) {
	a := st.analyzer
	started := time.Now().UTC()
	log := e.log.With(zap.String("analyzer", a.ID))

	run := &storage.AnalyzerRun{
		AnalyzerID: a.ID,
		StartedAt:  started,
		Status:     "success",
	}

	detections, logsFetched, pushed, outcomes, err := e.runPipeline(e.ctx, a, log)
	run.LogsFetched = logsFetched
	if err != nil {
		run.Status = "error"
		run.ErrorMessage = err.Error()
		log.Error("analyzer run failed", zap.Error(err))
	} else {
		run.AlertsCount = len(detections)
		run.DecisionsCount = pushed
	}

	if dj, err := json.Marshal(detections); err == nil && detections != nil {
		run.DetectionsJSON = string(dj)
	}
	if pj, err := json.Marshal(outcomes); err == nil && outcomes != nil {
		run.PushJSON = string(pj)
	}
	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	metrics.AnalyzerRuns.WithLabelValues(a.ID, run.Status).Inc()

	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runID, perr := e.store.InsertAnalyzerRun(persistCtx, run)
	if perr != nil {
		log.Error("failed to persist analyzer run", zap.Error(perr))
	} else if len(detections) > 0 {
		anyPushed := false
		for _, o := range outcomes {
			if o.Success {
				anyPushed = true
				break
			}
		}
		results := make([]storage.AnalyzerResult, 0, len(detections))
		for _, d := range detections {
			results = append(results, storage.AnalyzerResult{
				SourceIP:       d.Key,
				DistinctCount:  d.DistinctCount,
				TotalCount:     d.TotalCount,
				FirstSeen:      sql.NullTime{Time: d.FirstSeen, Valid: !d.FirstSeen.IsZero()},
				LastSeen:       sql.NullTime{Time: d.LastSeen, Valid: !d.LastSeen.IsZero()},
				DecisionPushed: anyPushed,
			})
		}
		if err := e.store.InsertAnalyzerResults(persistCtx, runID, results); err != nil {
			log.Error("failed to persist analyzer results", zap.Error(err))
		}
	}

	summary := &RunSummary{
		StartedAt:   started,
		FinishedAt:  run.FinishedAt.Time,
		Status:      run.Status,
		LogsFetched: run.LogsFetched,
		Alerts:      run.AlertsCount,
		Pushed:      run.DecisionsCount,
		Error:       run.ErrorMessage,
	}
	st.mu.Lock()
	st.lastRun = summary
	st.mu.Unlock()

	log.Info("analyzer run finished",
		zap.String("status", run.Status),
		zap.Int("logs", run.LogsFetched),
		zap.Int("detections", run.AlertsCount),
		zap.Int("pushed", run.DecisionsCount))
}

// runPipeline performs the fail-fast steps and returns what execute
// persists.
func (e *Engine) runPipeline(ctx context.Context, a *Analyzer, log *zap.Logger) (detections []Detection, logsFetched, pushed int, outcomes map[string]pushOutcome, err error) {
	src, ok := e.sources[a.Source.Ref]
	if !ok {
		return nil, 0, 0, nil, fmt.Errorf("unknown source %q", a.Source.Ref)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	end := time.Now().UTC()
	start := end.Add(-a.Lookback())
	entries, err := src.QueryRange(fetchCtx, a.Source.Query, start, end, a.Source.MaxLines)
	if err != nil {
		return nil, 0, 0, nil, fmt.Errorf("fetching logs: %w", err)
	}
	logsFetched = len(entries)

	entries = extract(entries, a.Extraction.Fields)
	all := detect(entries, a)

	whitelisted := 0
	detections = make([]Detection, 0, len(all))
	for _, d := range all {
		if e.whitelist.Contains(d.Key) {
			whitelisted++
			continue
		}
		detections = append(detections, d)
	}
	if whitelisted > 0 {
		log.Info("whitelist suppressed detections", zap.Int("count", whitelisted))
	}
	metrics.AnalyzerDetections.WithLabelValues(a.ID).Add(float64(len(detections)))

	if len(detections) == 0 {
		return detections, logsFetched, 0, map[string]pushOutcome{}, nil
	}

	alerts := buildAlerts(a, detections)
	pushed, outcomes = e.push(ctx, a, alerts, log)
	return detections, logsFetched, pushed, outcomes, nil
}

// push fans the alert batch out to the target LAPIs in parallel. Server
// failures are isolated per target.
func (e *Engine) push(ctx context.Context, a *Analyzer, alerts []models.Alert, log *zap.Logger) (int, map[string]pushOutcome) {
	var names []string
	if !a.Targets.All {
		names = a.Targets.Names
	}
	targets := e.lapis.WithMachineCredentials(names)
	outcomes := make(map[string]pushOutcome, len(targets))
	if len(targets) == 0 {
		log.Warn("no target LAPIs with machine credentials")
		return 0, outcomes
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			pushCtx, cancel := context.WithTimeout(gctx, e.timeout)
			defer cancel()

			err := target.PushAlerts(pushCtx, alerts)
			mu.Lock()
			if err != nil {
				outcomes[target.Name()] = pushOutcome{Error: err.Error()}
				log.Error("failed to push alerts",
					zap.String("server", target.Name()), zap.Error(err))
			} else {
				outcomes[target.Name()] = pushOutcome{Success: true}
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	pushed := 0
	for _, o := range outcomes {
		if o.Success {
			pushed += len(alerts)
		}
	}
	return pushed, outcomes
}

// buildAlerts converts detections into CrowdSec-shaped alerts carrying
// the configured decision.
func buildAlerts(a *Analyzer, detections []Detection) []models.Alert {
	now := time.Now().UTC().Format(time.RFC3339)
	alerts := make([]models.Alert, 0, len(detections))
	for _, d := range detections {
		startAt := now
		stopAt := now
		if !d.FirstSeen.IsZero() {
			startAt = d.FirstSeen.UTC().Format(time.RFC3339)
		}
		if !d.LastSeen.IsZero() {
			stopAt = d.LastSeen.UTC().Format(time.RFC3339)
		}

		alerts = append(alerts, models.Alert{
			UUID:            uuid.NewString(),
			Scenario:        a.Decision.Scenario,
			ScenarioVersion: a.Version,
			Message: fmt.Sprintf("%s: %s (events=%d distinct=%d)",
				a.Decision.Reason, d.Key, d.TotalCount, d.DistinctCount),
			EventsCount: d.TotalCount,
			StartAt:     startAt,
			StopAt:      stopAt,
			Capacity:    a.Detection.Threshold,
			Leakspeed:   "0",
			Labels:      []string{},
			Source: models.Source{
				Scope: a.Decision.Scope,
				Value: d.Key,
				IP:    d.Key,
			},
			Decisions: []models.Decision{{
				UUID:     uuid.NewString(),
				Origin:   "crowdsieve",
				Type:     a.Decision.Type,
				Scope:    a.Decision.Scope,
				Value:    d.Key,
				Duration: a.Decision.Duration,
				Scenario: a.Decision.Scenario,
			}},
			Events: []models.Event{},
		})
	}
	return alerts
}
