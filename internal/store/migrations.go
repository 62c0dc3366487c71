package store

const schemaVersion = 2

const schema = `
CREATE TABLE IF NOT EXISTS schema_info (
    id                INTEGER PRIMARY KEY,
    version           TEXT NOT NULL,
    schema_version    INTEGER NOT NULL,
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages_raw (
    id                      INTEGER PRIMARY KEY AUTOINCREMENT,
    group_name              TEXT NOT NULL,
    sender                  TEXT NOT NULL,
    content                 TEXT NOT NULL,
    msg_type                TEXT NOT NULL DEFAULT 'text',
    timestamp               DATETIME NOT NULL,
    captured_at             DATETIME NOT NULL,
    processed_status        INTEGER NOT NULL DEFAULT 0,
    processing_attempts     INTEGER NOT NULL DEFAULT 0,
    last_processing_attempt DATETIME,
    processing_error        TEXT NOT NULL DEFAULT '',
    created_at              DATETIME NOT NULL,
    updated_at              DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_group ON messages_raw(group_name);
CREATE INDEX IF NOT EXISTS idx_raw_sender ON messages_raw(sender);
CREATE INDEX IF NOT EXISTS idx_raw_status ON messages_raw(processed_status);
CREATE INDEX IF NOT EXISTS idx_raw_captured ON messages_raw(captured_at);
CREATE INDEX IF NOT EXISTS idx_raw_group_sender ON messages_raw(group_name, sender);
CREATE INDEX IF NOT EXISTS idx_raw_status_captured ON messages_raw(processed_status, captured_at);

CREATE TABLE IF NOT EXISTS messages_staging (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    raw_message_id      INTEGER NOT NULL REFERENCES messages_raw(id),
    group_name          TEXT NOT NULL,
    sender              TEXT NOT NULL,
    content             TEXT NOT NULL,
    msg_type            TEXT NOT NULL DEFAULT 'text',
    timestamp           DATETIME NOT NULL,
    dedup_hash          TEXT NOT NULL,
    processing_batch_id TEXT NOT NULL,
    batch_sequence      INTEGER NOT NULL,
    validation_status   TEXT NOT NULL DEFAULT 'pending',
    created_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_staging_raw ON messages_staging(raw_message_id);
CREATE INDEX IF NOT EXISTS idx_staging_batch ON messages_staging(processing_batch_id);
CREATE INDEX IF NOT EXISTS idx_staging_hash ON messages_staging(dedup_hash);
CREATE INDEX IF NOT EXISTS idx_staging_status ON messages_staging(validation_status);
CREATE INDEX IF NOT EXISTS idx_staging_batch_seq ON messages_staging(processing_batch_id, batch_sequence);

CREATE TABLE IF NOT EXISTS messages_clean (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    raw_message_id     INTEGER NOT NULL REFERENCES messages_raw(id),
    staging_message_id INTEGER,
    group_name         TEXT NOT NULL,
    sender             TEXT NOT NULL,
    content            TEXT NOT NULL,
    msg_type           TEXT NOT NULL DEFAULT 'text',
    timestamp          DATETIME NOT NULL,
    dedup_hash         TEXT NOT NULL,
    processed_batch_id TEXT NOT NULL,
    quality_score      REAL NOT NULL DEFAULT 1.0,
    created_at         DATETIME NOT NULL,
    updated_at         DATETIME NOT NULL,
    UNIQUE(group_name, sender, content)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_clean_hash ON messages_clean(dedup_hash);
CREATE INDEX IF NOT EXISTS idx_clean_raw ON messages_clean(raw_message_id);
CREATE INDEX IF NOT EXISTS idx_clean_batch ON messages_clean(processed_batch_id);
CREATE INDEX IF NOT EXISTS idx_clean_group ON messages_clean(group_name);
CREATE INDEX IF NOT EXISTS idx_clean_sender ON messages_clean(sender);
CREATE INDEX IF NOT EXISTS idx_clean_timestamp ON messages_clean(timestamp);

CREATE TABLE IF NOT EXISTS processing_logs (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id          TEXT NOT NULL,
    operation_type    TEXT NOT NULL,
    status            TEXT NOT NULL,
    records_processed INTEGER NOT NULL DEFAULT 0,
    records_added     INTEGER NOT NULL DEFAULT 0,
    records_updated   INTEGER NOT NULL DEFAULT 0,
    records_deleted   INTEGER NOT NULL DEFAULT 0,
    error_message     TEXT NOT NULL DEFAULT '',
    execution_time_ms INTEGER NOT NULL DEFAULT 0,
    created_at        DATETIME NOT NULL,
    completed_at      DATETIME
);

CREATE INDEX IF NOT EXISTS idx_logs_batch ON processing_logs(batch_id);
CREATE INDEX IF NOT EXISTS idx_logs_op_status ON processing_logs(operation_type, status);
CREATE INDEX IF NOT EXISTS idx_logs_created ON processing_logs(created_at);

CREATE TABLE IF NOT EXISTS backup_metadata (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    backup_file_path  TEXT NOT NULL,
    backup_type       TEXT NOT NULL,
    record_count      INTEGER NOT NULL DEFAULT 0,
    file_size_bytes   INTEGER NOT NULL DEFAULT 0,
    checksum          TEXT NOT NULL DEFAULT '',
    compression_ratio REAL NOT NULL DEFAULT 1.0,
    backup_status     TEXT NOT NULL DEFAULT 'creating',
    created_at        DATETIME NOT NULL,
    restored_at       DATETIME,
    notes             TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_backup_type ON backup_metadata(backup_type);
CREATE INDEX IF NOT EXISTS idx_backup_created ON backup_metadata(created_at);
CREATE INDEX IF NOT EXISTS idx_backup_status ON backup_metadata(backup_status);

CREATE TABLE IF NOT EXISTS jobs (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    clean_message_id      INTEGER NOT NULL,
    raw_message_id        INTEGER NOT NULL,
    company               TEXT NOT NULL DEFAULT '',
    position              TEXT NOT NULL DEFAULT '',
    location              TEXT NOT NULL DEFAULT '',
    contact_email         TEXT NOT NULL DEFAULT '',
    full_text             TEXT NOT NULL DEFAULT '',
    extraction_confidence REAL NOT NULL DEFAULT 0,
    parsed_at             DATETIME NOT NULL,
    created_at            DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_clean ON jobs(clean_message_id);

CREATE VIEW IF NOT EXISTS messages AS
SELECT id, group_name, sender, content, msg_type, timestamp, 1 AS processed
FROM messages_clean
ORDER BY id;
`
