package sqlite

// schema is the full on-disk layout for a project's memory store. It mirrors
// the entities of §3 of the engine's data model: frames, events, anchors,
// storage items, and migration jobs, plus a schema_version table the
// migration runner consults on startup.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS frames (
    frame_id        TEXT PRIMARY KEY,
    run_id          TEXT NOT NULL,
    project_id      TEXT NOT NULL,
    parent_frame_id TEXT REFERENCES frames(frame_id) ON DELETE CASCADE,
    depth           INTEGER NOT NULL DEFAULT 0,
    type            TEXT NOT NULL,
    name            TEXT NOT NULL,
    state           TEXT NOT NULL DEFAULT 'active',
    inputs          TEXT NOT NULL DEFAULT '{}',
    outputs         TEXT NOT NULL DEFAULT '{}',
    digest_text     TEXT NOT NULL DEFAULT '',
    digest_json     TEXT,
    created_at      INTEGER NOT NULL,
    closed_at       INTEGER,
    score           REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_frames_project_state ON frames(project_id, state);
CREATE INDEX IF NOT EXISTS idx_frames_parent ON frames(parent_frame_id);
CREATE INDEX IF NOT EXISTS idx_frames_run ON frames(run_id, state);
CREATE INDEX IF NOT EXISTS idx_frames_created ON frames(created_at);

CREATE TABLE IF NOT EXISTS events (
    event_id   TEXT PRIMARY KEY,
    frame_id   TEXT NOT NULL REFERENCES frames(frame_id) ON DELETE CASCADE,
    run_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    payload    TEXT NOT NULL DEFAULT '{}',
    ts         INTEGER NOT NULL,
    UNIQUE(frame_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_frame_seq ON events(frame_id, seq);

CREATE TABLE IF NOT EXISTS anchors (
    anchor_id  TEXT PRIMARY KEY,
    frame_id   TEXT NOT NULL REFERENCES frames(frame_id) ON DELETE CASCADE,
    type       TEXT NOT NULL,
    text       TEXT NOT NULL,
    priority   INTEGER NOT NULL DEFAULT 5,
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anchors_frame_priority ON anchors(frame_id, priority DESC);
CREATE INDEX IF NOT EXISTS idx_anchors_type ON anchors(type);

CREATE TABLE IF NOT EXISTS storage_items (
    storage_id      TEXT PRIMARY KEY,
    frame_id        TEXT NOT NULL UNIQUE REFERENCES frames(frame_id) ON DELETE CASCADE,
    tier            TEXT NOT NULL DEFAULT 'young',
    data            BLOB,
    original_size   INTEGER NOT NULL DEFAULT 0,
    compressed_size INTEGER NOT NULL DEFAULT 0,
    compression     TEXT NOT NULL DEFAULT 'none',
    importance      REAL NOT NULL DEFAULT 0,
    access_count    INTEGER NOT NULL DEFAULT 0,
    last_accessed   INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    object_key      TEXT NOT NULL DEFAULT '',
    corrupt         INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_storage_items_tier ON storage_items(tier);

CREATE TABLE IF NOT EXISTS migration_jobs (
    job_id     TEXT PRIMARY KEY,
    item_id    TEXT NOT NULL,
    from_tier  TEXT NOT NULL,
    to_tier    TEXT NOT NULL,
    priority   INTEGER NOT NULL DEFAULT 0,
    attempts   INTEGER NOT NULL DEFAULT 0,
    status     TEXT NOT NULL DEFAULT 'pending',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_migration_jobs_pop ON migration_jobs(status, priority DESC, created_at ASC);
`
