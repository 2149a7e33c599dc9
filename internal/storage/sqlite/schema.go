package sqlite

const schema = `
-- Live queue, one row per task in insertion order
CREATE TABLE IF NOT EXISTS tasks (
    seq INTEGER NOT NULL,
    id TEXT PRIMARY KEY,
    priority TEXT NOT NULL,
    status TEXT NOT NULL,
    anomaly_type TEXT NOT NULL,
    created_at TEXT NOT NULL,
    data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_seq ON tasks(seq);

-- Archive of terminal, expired and dropped tasks. Rows are never deleted.
CREATE TABLE IF NOT EXISTS task_archive (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    archive_reason TEXT NOT NULL,
    archived_at TEXT NOT NULL,
    data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_archive_id ON task_archive(id);

CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
