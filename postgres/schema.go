package postgres

import "context"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workflows (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    owner_id    TEXT NOT NULL,
    engine_type TEXT NOT NULL DEFAULT '',
    tags        TEXT[] NOT NULL DEFAULT '{}',
    visibility  TEXT NOT NULL DEFAULT 'private',
    version     INTEGER NOT NULL DEFAULT 1,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS workflow_versions (
    workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    version     INTEGER NOT NULL,
    definition  JSONB NOT NULL,
    change_log  TEXT NOT NULL DEFAULT '',
    author_id   TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT workflow_versions_pkey PRIMARY KEY (workflow_id, version)
);

CREATE TABLE IF NOT EXISTS workflow_forks (
    id                   TEXT PRIMARY KEY,
    original_workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    forked_workflow_id   TEXT NOT NULL UNIQUE REFERENCES workflows(id) ON DELETE CASCADE,
    user_id              TEXT NOT NULL,
    base_version         INTEGER NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS merge_requests (
    id                 TEXT PRIMARY KEY,
    source_workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    target_workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    title              TEXT NOT NULL,
    description        TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL,
    created_by         TEXT NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS workflow_conflicts (
    id                   TEXT PRIMARY KEY,
    workflow_id          TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    base_version         INTEGER NOT NULL,
    conflicting_versions JSONB NOT NULL,
    conflicting_paths    TEXT[] NOT NULL DEFAULT '{}',
    resolved_definition  JSONB,
    status               TEXT NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved_at          TIMESTAMPTZ,
    resolved_by          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS workflow_grants (
    workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    user_id     TEXT NOT NULL,
    permission  TEXT NOT NULL,
    PRIMARY KEY (workflow_id, user_id, permission)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_merge_requests_open
    ON merge_requests(source_workflow_id, target_workflow_id) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_workflow_forks_original ON workflow_forks(original_workflow_id);
CREATE INDEX IF NOT EXISTS idx_merge_requests_source   ON merge_requests(source_workflow_id);
CREATE INDEX IF NOT EXISTS idx_merge_requests_target   ON merge_requests(target_workflow_id);
CREATE INDEX IF NOT EXISTS idx_workflow_conflicts_wf   ON workflow_conflicts(workflow_id);
`

// CreateSchema creates the flowsync tables if they don't exist.
func (s *PGStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaSQL)
	return err
}

// DropSchema drops every flowsync table.
func (s *PGStore) DropSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS workflow_grants, workflow_conflicts, merge_requests, workflow_forks, workflow_versions, workflows CASCADE;`)
	return err
}
