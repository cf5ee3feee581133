package storage

// Schema holds the tables the executor reads and writes. jobs, executions,
// targets and exploits are shared with the API and the builder; the queue
// tables are executor-owned.
const Schema = `
CREATE TABLE IF NOT EXISTS targets (
	id    BIGSERIAL PRIMARY KEY,
	ip    TEXT NOT NULL,
	extra TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS exploits (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL DEFAULT 'QUEUED',
	docker_id    TEXT,
	docker_cmd   JSONB,
	persist_key  TEXT,
	build_output TEXT
);

CREATE TABLE IF NOT EXISTS jobs (
	id         BIGSERIAL PRIMARY KEY,
	exploit_id TEXT NOT NULL REFERENCES exploits(id),
	timeout    TIMESTAMPTZ NOT NULL,
	status     TEXT NOT NULL DEFAULT 'QUEUED'
);

CREATE TABLE IF NOT EXISTS executions (
	id        BIGSERIAL PRIMARY KEY,
	job_id    BIGINT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	target_id BIGINT NOT NULL REFERENCES targets(id),
	status    TEXT NOT NULL DEFAULT 'QUEUED',
	stdout    TEXT NOT NULL DEFAULT '',
	stderr    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS executions_job_id_idx ON executions (job_id);

CREATE TABLE IF NOT EXISTS job_commands (
	id         BIGSERIAL PRIMARY KEY,
	action     TEXT NOT NULL,
	job_id     BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS execution_output (
	id           BIGSERIAL PRIMARY KEY,
	execution_id BIGINT NOT NULL,
	is_stdout    BOOLEAN NOT NULL,
	chunk        TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS execution_output_execution_id_idx ON execution_output (execution_id, id);
`
