package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore implements Store over either an embedded SQLite file or a
// networked Postgres database. Query text is written in ? placeholders
// and rebound per driver, so behavior stays identical.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// OpenEmbedded opens (creating if needed) the SQLite data file with WAL
// mode, foreign keys, a 5 s busy timeout, and restrictive permissions.
func OpenEmbedded(path string) (*SQLStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating data file: %w", err)
	}
	f.Close()
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, fmt.Errorf("setting data file permissions: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// The embedded driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent batches.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, driver: "sqlite"}
	if err := s.init(schemaSQLite); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenRelational connects to Postgres and initializes the schema.
func OpenRelational(host string, port int, database, user, password, sslMode string) (*SQLStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		host, port, database, user, password, sslMode)
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &SQLStore{db: db, driver: "postgres"}
	if err := s.init(schemaPostgres); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init(schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initializing schema: %w", err)
		}
	}
	for _, idx := range schemaIndexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the pool for tests.
func (s *SQLStore) DB() *sqlx.DB { return s.db }

// execInsert runs an insert and returns the generated id, handling the
// driver split between LastInsertId and RETURNING.
func (s *SQLStore) execInsert(ctx context.Context, query string, args ...any) (int64, error) {
	if s.driver == "postgres" {
		var id int64
		err := s.db.QueryRowxContext(ctx, s.db.Rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const alertColumns = `uuid, machine_id, scenario, scenario_hash, scenario_version, message,
	events_count, started_at, stopped_at, received_at, forwarded_at,
	source_scope, source_value, source_ip, source_range, as_number, as_name, source_country,
	geo_country_code, geo_country_name, geo_city, geo_region, geo_latitude, geo_longitude,
	geo_timezone, geo_isp, geo_org,
	simulated, filtered, forwarded_to_capi, has_decisions, match_reasons, raw_json`

// InsertAlert stores one alert with its decisions and events in a single
// transaction and returns the generated alert id.
func (s *SQLStore) InsertAlert(ctx context.Context, a *AlertRecord) (int64, error) {
	a.HasDecisions = len(a.Decisions) > 0
	if a.Filtered {
		a.ForwardedToCAPI = false
	}
	if a.MatchReasons == "" {
		a.MatchReasons = "[]"
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `INSERT INTO alerts (` + alertColumns + `) VALUES (` +
		strings.TrimSuffix(strings.Repeat("?, ", 33), ", ") + `)`
	args := []any{
		a.UUID, a.MachineID, a.Scenario, a.ScenarioHash, a.ScenarioVersion, a.Message,
		a.EventsCount, a.StartedAt, a.StoppedAt, a.ReceivedAt, a.ForwardedAt,
		a.SourceScope, a.SourceValue, a.SourceIP, a.SourceRange, a.ASNumber, a.ASName, a.SourceCountry,
		a.GeoCountryCode, a.GeoCountryName, a.GeoCity, a.GeoRegion, a.GeoLatitude, a.GeoLongitude,
		a.GeoTimezone, a.GeoISP, a.GeoOrg,
		a.Simulated, a.Filtered, a.ForwardedToCAPI, a.HasDecisions, a.MatchReasons, a.RawJSON,
	}

	var alertID int64
	if s.driver == "postgres" {
		if err := tx.QueryRowxContext(ctx, tx.Rebind(insert+" RETURNING id"), args...).Scan(&alertID); err != nil {
			return 0, fmt.Errorf("inserting alert: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, tx.Rebind(insert), args...)
		if err != nil {
			return 0, fmt.Errorf("inserting alert: %w", err)
		}
		alertID, err = res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("inserting alert: %w", err)
		}
	}

	for i := range a.Decisions {
		d := &a.Decisions[i]
		d.AlertID = alertID
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO decisions (alert_id, uuid, origin, type, scope, value, duration, scenario, simulated, until_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			d.AlertID, d.UUID, d.Origin, d.Type, d.Scope, d.Value, d.Duration, d.Scenario, d.Simulated, d.Until)
		if err != nil {
			return 0, fmt.Errorf("inserting decision: %w", err)
		}
	}

	for i := range a.Events {
		e := &a.Events[i]
		e.AlertID = alertID
		if e.MetaJSON == "" {
			e.MetaJSON = "{}"
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO events (alert_id, timestamp, meta_json) VALUES (?, ?, ?)`),
			e.AlertID, e.Timestamp, e.MetaJSON)
		if err != nil {
			return 0, fmt.Errorf("inserting event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing alert: %w", err)
	}
	a.ID = alertID
	return alertID, nil
}

// MarkAlertsForwarded flags the given alerts as forwarded to CAPI.
func (s *SQLStore) MarkAlertsForwarded(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE alerts SET forwarded_to_capi = ?, forwarded_at = ? WHERE id IN (?)`,
		true, at, ids)
	if err != nil {
		return fmt.Errorf("building update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("marking alerts forwarded: %w", err)
	}
	return nil
}

// GetAlert loads one alert with its decisions and events.
func (s *SQLStore) GetAlert(ctx context.Context, id int64) (*AlertRecord, error) {
	var a AlertRecord
	err := s.db.GetContext(ctx, &a, s.db.Rebind(`SELECT * FROM alerts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading alert: %w", err)
	}

	if err := s.db.SelectContext(ctx, &a.Decisions,
		s.db.Rebind(`SELECT * FROM decisions WHERE alert_id = ? ORDER BY id`), id); err != nil {
		return nil, fmt.Errorf("loading decisions: %w", err)
	}
	if err := s.db.SelectContext(ctx, &a.Events,
		s.db.Rebind(`SELECT * FROM events WHERE alert_id = ? ORDER BY id`), id); err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return &a, nil
}

func (q AlertQuery) where() (string, []any) {
	var clauses []string
	var args []any
	if q.Scenario != "" {
		clauses = append(clauses, "scenario = ?")
		args = append(args, q.Scenario)
	}
	if q.Country != "" {
		clauses = append(clauses, "geo_country_code = ?")
		args = append(args, q.Country)
	}
	if q.SourceIP != "" {
		clauses = append(clauses, "source_ip = ?")
		args = append(args, q.SourceIP)
	}
	if q.MachineID != "" {
		clauses = append(clauses, "machine_id = ?")
		args = append(args, q.MachineID)
	}
	if q.Filtered != nil {
		clauses = append(clauses, "filtered = ?")
		args = append(args, *q.Filtered)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "received_at >= ?")
		args = append(args, q.Since)
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "received_at <= ?")
		args = append(args, q.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListAlerts returns a page of alerts (newest first) and the total count
// matching the query.
func (s *SQLStore) ListAlerts(ctx context.Context, q AlertQuery) ([]AlertRecord, int64, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	where, args := q.where()

	var total int64
	if err := s.db.GetContext(ctx, &total,
		s.db.Rebind(`SELECT COUNT(*) FROM alerts`+where), args...); err != nil {
		return nil, 0, fmt.Errorf("counting alerts: %w", err)
	}

	listArgs := append(append([]any{}, args...), q.Limit, q.Offset)
	var alerts []AlertRecord
	err := s.db.SelectContext(ctx, &alerts,
		s.db.Rebind(`SELECT * FROM alerts`+where+` ORDER BY received_at DESC, id DESC LIMIT ? OFFSET ?`),
		listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing alerts: %w", err)
	}
	return alerts, total, nil
}

// AlertsByIP returns the most recent alerts for one source IP.
func (s *SQLStore) AlertsByIP(ctx context.Context, ip string, limit int) ([]AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var alerts []AlertRecord
	err := s.db.SelectContext(ctx, &alerts, s.db.Rebind(
		`SELECT * FROM alerts WHERE source_ip = ? OR source_value = ?
		 ORDER BY received_at DESC, id DESC LIMIT ?`), ip, ip, limit)
	if err != nil {
		return nil, fmt.Errorf("listing alerts by ip: %w", err)
	}
	return alerts, nil
}

// GetStats aggregates the operator dashboard counters.
func (s *SQLStore) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	row := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN filtered THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN forwarded_to_capi THEN 1 ELSE 0 END), 0)
		 FROM alerts`))
	if err := row.Scan(&st.TotalAlerts, &st.FilteredAlerts, &st.ForwardedAlerts); err != nil {
		return nil, fmt.Errorf("aggregating alerts: %w", err)
	}

	if err := s.db.GetContext(ctx, &st.AlertsLast24h, s.db.Rebind(
		`SELECT COUNT(*) FROM alerts WHERE received_at >= ?`),
		time.Now().Add(-24*time.Hour)); err != nil {
		return nil, fmt.Errorf("counting recent alerts: %w", err)
	}

	top := func(column, filter string) ([]NamedCount, error) {
		var rows []NamedCount
		err := s.db.SelectContext(ctx, &rows, s.db.Rebind(fmt.Sprintf(
			`SELECT %s AS name, COUNT(*) AS count FROM alerts %s
			 GROUP BY %s ORDER BY count DESC LIMIT 10`, column, filter, column)))
		return rows, err
	}

	var err error
	if st.TopScenarios, err = top("scenario", "WHERE scenario != ''"); err != nil {
		return nil, fmt.Errorf("top scenarios: %w", err)
	}
	if st.TopCountries, err = top("geo_country_code", "WHERE geo_country_code != ''"); err != nil {
		return nil, fmt.Errorf("top countries: %w", err)
	}
	if st.TopSourceIPs, err = top("source_ip", "WHERE source_ip != ''"); err != nil {
		return nil, fmt.Errorf("top source ips: %w", err)
	}
	return &st, nil
}

// CountryDistribution groups alerts by country code since the given time;
// a zero time means all history.
func (s *SQLStore) CountryDistribution(ctx context.Context, since time.Time) ([]NamedCount, error) {
	query := `SELECT geo_country_code AS name, COUNT(*) AS count FROM alerts
	          WHERE geo_country_code != ''`
	var args []any
	if !since.IsZero() {
		query += ` AND received_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY geo_country_code ORDER BY count DESC`

	var rows []NamedCount
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("country distribution: %w", err)
	}
	return rows, nil
}

// PruneAlerts deletes alerts received before the cutoff; decisions and
// events cascade.
func (s *SQLStore) PruneAlerts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM alerts WHERE received_at < ?`), before)
	if err != nil {
		return 0, fmt.Errorf("pruning alerts: %w", err)
	}
	return res.RowsAffected()
}

// GetValidatedClient looks up a cached validation by token hash.
func (s *SQLStore) GetValidatedClient(ctx context.Context, tokenHash string) (*ValidatedClient, error) {
	var vc ValidatedClient
	err := s.db.GetContext(ctx, &vc,
		s.db.Rebind(`SELECT * FROM validated_clients WHERE token_hash = ?`), tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading validated client: %w", err)
	}
	return &vc, nil
}

// UpsertValidatedClient inserts or refreshes a validation record.
func (s *SQLStore) UpsertValidatedClient(ctx context.Context, vc *ValidatedClient) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO validated_clients (token_hash, machine_id, validated_at, expires_at, last_accessed_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (token_hash) DO UPDATE SET
		   machine_id = excluded.machine_id,
		   validated_at = excluded.validated_at,
		   expires_at = excluded.expires_at,
		   last_accessed_at = excluded.last_accessed_at,
		   access_count = validated_clients.access_count + 1`),
		vc.TokenHash, vc.MachineID, vc.ValidatedAt, vc.ExpiresAt, vc.LastAccessedAt, vc.AccessCount)
	if err != nil {
		return fmt.Errorf("upserting validated client: %w", err)
	}
	return nil
}

// TouchValidatedClient refreshes last access and bumps the counter.
func (s *SQLStore) TouchValidatedClient(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE validated_clients SET last_accessed_at = ?, access_count = access_count + 1
		 WHERE token_hash = ?`), at, tokenHash)
	if err != nil {
		return fmt.Errorf("touching validated client: %w", err)
	}
	return nil
}

// PruneValidatedClients evicts entries expired before the cutoff.
func (s *SQLStore) PruneValidatedClients(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM validated_clients WHERE expires_at < ?`), before)
	if err != nil {
		return 0, fmt.Errorf("pruning validated clients: %w", err)
	}
	return res.RowsAffected()
}

// InsertAnalyzerRun writes one run row and returns its id.
func (s *SQLStore) InsertAnalyzerRun(ctx context.Context, run *AnalyzerRun) (int64, error) {
	if run.DetectionsJSON == "" {
		run.DetectionsJSON = "[]"
	}
	if run.PushJSON == "" {
		run.PushJSON = "{}"
	}
	id, err := s.execInsert(ctx,
		`INSERT INTO analyzer_runs (analyzer_id, started_at, finished_at, status, logs_fetched,
		  alerts_generated, decisions_pushed, error_message, detections_json, push_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.AnalyzerID, run.StartedAt, run.FinishedAt, run.Status, run.LogsFetched,
		run.AlertsCount, run.DecisionsCount, run.ErrorMessage, run.DetectionsJSON, run.PushJSON)
	if err != nil {
		return 0, fmt.Errorf("inserting analyzer run: %w", err)
	}
	run.ID = id
	return id, nil
}

// InsertAnalyzerResults writes the per-detection rows for one run.
func (s *SQLStore) InsertAnalyzerResults(ctx context.Context, runID int64, results []AnalyzerResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range results {
		r := &results[i]
		r.RunID = runID
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO analyzer_results (run_id, source_ip, distinct_count, total_count, first_seen, last_seen, decision_pushed)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			r.RunID, r.SourceIP, r.DistinctCount, r.TotalCount, r.FirstSeen, r.LastSeen, r.DecisionPushed)
		if err != nil {
			return fmt.Errorf("inserting analyzer result: %w", err)
		}
	}
	return tx.Commit()
}

// ListAnalyzerRuns returns the most recent runs, optionally for one
// analyzer.
func (s *SQLStore) ListAnalyzerRuns(ctx context.Context, analyzerID string, limit int) ([]AnalyzerRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT * FROM analyzer_runs`
	var args []any
	if analyzerID != "" {
		query += ` WHERE analyzer_id = ?`
		args = append(args, analyzerID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var runs []AnalyzerRun
	if err := s.db.SelectContext(ctx, &runs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing analyzer runs: %w", err)
	}
	return runs, nil
}
