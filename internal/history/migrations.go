package history

const schema = `
CREATE TABLE IF NOT EXISTS history (
    seq INTEGER PRIMARY KEY,
    job_id TEXT NOT NULL UNIQUE,
    folder TEXT NOT NULL,
    playbook TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TEXT NOT NULL,
    completed_at TEXT,
    duration REAL,
    return_code INTEGER,
    output_preview TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_history_folder ON history(folder);
CREATE INDEX IF NOT EXISTS idx_history_status ON history(status);
`
