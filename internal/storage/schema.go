package storage

// Schema definitions are backend-specific; column semantics are shared.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS alerts (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid              TEXT,
	machine_id        TEXT NOT NULL DEFAULT '',
	scenario          TEXT NOT NULL DEFAULT '',
	scenario_hash     TEXT NOT NULL DEFAULT '',
	scenario_version  TEXT NOT NULL DEFAULT '',
	message           TEXT NOT NULL DEFAULT '',
	events_count      INTEGER NOT NULL DEFAULT 0,
	started_at        TIMESTAMP,
	stopped_at        TIMESTAMP,
	received_at       TIMESTAMP NOT NULL,
	forwarded_at      TIMESTAMP,
	source_scope      TEXT NOT NULL DEFAULT '',
	source_value      TEXT NOT NULL DEFAULT '',
	source_ip         TEXT NOT NULL DEFAULT '',
	source_range      TEXT NOT NULL DEFAULT '',
	as_number         TEXT NOT NULL DEFAULT '',
	as_name           TEXT NOT NULL DEFAULT '',
	source_country    TEXT NOT NULL DEFAULT '',
	geo_country_code  TEXT NOT NULL DEFAULT '',
	geo_country_name  TEXT NOT NULL DEFAULT '',
	geo_city          TEXT NOT NULL DEFAULT '',
	geo_region        TEXT NOT NULL DEFAULT '',
	geo_latitude      REAL,
	geo_longitude     REAL,
	geo_timezone      TEXT NOT NULL DEFAULT '',
	geo_isp           TEXT NOT NULL DEFAULT '',
	geo_org           TEXT NOT NULL DEFAULT '',
	simulated         BOOLEAN NOT NULL DEFAULT 0,
	filtered          BOOLEAN NOT NULL DEFAULT 0,
	forwarded_to_capi BOOLEAN NOT NULL DEFAULT 0,
	has_decisions     BOOLEAN NOT NULL DEFAULT 0,
	match_reasons     TEXT NOT NULL DEFAULT '[]',
	raw_json          BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	alert_id  INTEGER NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
	uuid      TEXT,
	origin    TEXT NOT NULL DEFAULT '',
	type      TEXT NOT NULL DEFAULT '',
	scope     TEXT NOT NULL DEFAULT '',
	value     TEXT NOT NULL DEFAULT '',
	duration  TEXT NOT NULL DEFAULT '',
	scenario  TEXT NOT NULL DEFAULT '',
	simulated BOOLEAN NOT NULL DEFAULT 0,
	until_at  TIMESTAMP
);

CREATE TABLE IF NOT EXISTS events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	alert_id  INTEGER NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
	timestamp TIMESTAMP,
	meta_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS validated_clients (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	token_hash       TEXT NOT NULL UNIQUE,
	machine_id       TEXT,
	validated_at     TIMESTAMP NOT NULL,
	expires_at       TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP NOT NULL,
	access_count     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS analyzer_runs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	analyzer_id      TEXT NOT NULL,
	started_at       TIMESTAMP NOT NULL,
	finished_at      TIMESTAMP,
	status           TEXT NOT NULL DEFAULT '',
	logs_fetched     INTEGER NOT NULL DEFAULT 0,
	alerts_generated INTEGER NOT NULL DEFAULT 0,
	decisions_pushed INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	detections_json  TEXT NOT NULL DEFAULT '[]',
	push_json        TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS analyzer_results (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id          INTEGER NOT NULL REFERENCES analyzer_runs(id) ON DELETE CASCADE,
	source_ip       TEXT NOT NULL DEFAULT '',
	distinct_count  INTEGER NOT NULL DEFAULT 0,
	total_count     INTEGER NOT NULL DEFAULT 0,
	first_seen      TIMESTAMP,
	last_seen       TIMESTAMP,
	decision_pushed BOOLEAN NOT NULL DEFAULT 0
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS alerts (
	id                BIGSERIAL PRIMARY KEY,
	uuid              TEXT,
	machine_id        TEXT NOT NULL DEFAULT '',
	scenario          TEXT NOT NULL DEFAULT '',
	scenario_hash     TEXT NOT NULL DEFAULT '',
	scenario_version  TEXT NOT NULL DEFAULT '',
	message           TEXT NOT NULL DEFAULT '',
	events_count      INTEGER NOT NULL DEFAULT 0,
	started_at        TIMESTAMPTZ,
	stopped_at        TIMESTAMPTZ,
	received_at       TIMESTAMPTZ NOT NULL,
	forwarded_at      TIMESTAMPTZ,
	source_scope      TEXT NOT NULL DEFAULT '',
	source_value      TEXT NOT NULL DEFAULT '',
	source_ip         TEXT NOT NULL DEFAULT '',
	source_range      TEXT NOT NULL DEFAULT '',
	as_number         TEXT NOT NULL DEFAULT '',
	as_name           TEXT NOT NULL DEFAULT '',
	source_country    TEXT NOT NULL DEFAULT '',
	geo_country_code  TEXT NOT NULL DEFAULT '',
	geo_country_name  TEXT NOT NULL DEFAULT '',
	geo_city          TEXT NOT NULL DEFAULT '',
	geo_region        TEXT NOT NULL DEFAULT '',
	geo_latitude      DOUBLE PRECISION,
	geo_longitude     DOUBLE PRECISION,
	geo_timezone      TEXT NOT NULL DEFAULT '',
	geo_isp           TEXT NOT NULL DEFAULT '',
	geo_org           TEXT NOT NULL DEFAULT '',
	simulated         BOOLEAN NOT NULL DEFAULT FALSE,
	filtered          BOOLEAN NOT NULL DEFAULT FALSE,
	forwarded_to_capi BOOLEAN NOT NULL DEFAULT FALSE,
	has_decisions     BOOLEAN NOT NULL DEFAULT FALSE,
	match_reasons     TEXT NOT NULL DEFAULT '[]',
	raw_json          BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id        BIGSERIAL PRIMARY KEY,
	alert_id  BIGINT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
	uuid      TEXT,
	origin    TEXT NOT NULL DEFAULT '',
	type      TEXT NOT NULL DEFAULT '',
	scope     TEXT NOT NULL DEFAULT '',
	value     TEXT NOT NULL DEFAULT '',
	duration  TEXT NOT NULL DEFAULT '',
	scenario  TEXT NOT NULL DEFAULT '',
	simulated BOOLEAN NOT NULL DEFAULT FALSE,
	until_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS events (
	id        BIGSERIAL PRIMARY KEY,
	alert_id  BIGINT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
	timestamp TIMESTAMPTZ,
	meta_json TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS validated_clients (
	id               BIGSERIAL PRIMARY KEY,
	token_hash       TEXT NOT NULL UNIQUE,
	machine_id       TEXT,
	validated_at     TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	last_accessed_at TIMESTAMPTZ NOT NULL,
	access_count     BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS analyzer_runs (
	id               BIGSERIAL PRIMARY KEY,
	analyzer_id      TEXT NOT NULL,
	started_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ,
	status           TEXT NOT NULL DEFAULT '',
	logs_fetched     INTEGER NOT NULL DEFAULT 0,
	alerts_generated INTEGER NOT NULL DEFAULT 0,
	decisions_pushed INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	detections_json  TEXT NOT NULL DEFAULT '[]',
	push_json        TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS analyzer_results (
	id              BIGSERIAL PRIMARY KEY,
	run_id          BIGINT NOT NULL REFERENCES analyzer_runs(id) ON DELETE CASCADE,
	source_ip       TEXT NOT NULL DEFAULT '',
	distinct_count  INTEGER NOT NULL DEFAULT 0,
	total_count     INTEGER NOT NULL DEFAULT 0,
	first_seen      TIMESTAMPTZ,
	last_seen       TIMESTAMPTZ,
	decision_pushed BOOLEAN NOT NULL DEFAULT FALSE
);
`

// schemaIndexes is identical SQL on both backends.
var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_alerts_scenario ON alerts(scenario)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_source_ip ON alerts(source_ip)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_received_at ON alerts(received_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_geo_country_code ON alerts(geo_country_code)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_filtered ON alerts(filtered)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_machine_id ON alerts(machine_id)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_alert_id ON decisions(alert_id)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_value ON decisions(value)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_type ON decisions(type)`,
	`CREATE INDEX IF NOT EXISTS idx_events_alert_id ON events(alert_id)`,
	`CREATE INDEX IF NOT EXISTS idx_validated_clients_expires_at ON validated_clients(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_analyzer_runs_analyzer_id ON analyzer_runs(analyzer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_analyzer_runs_started_at ON analyzer_runs(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_analyzer_results_run_id ON analyzer_results(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_analyzer_results_source_ip ON analyzer_results(source_ip)`,
}
