package db

// Schema defines the SQLite schema of the update journal. releases holds one
// row per version an apply was attempted for, events is an append-only log of
// state transitions, and attempt_sequence hands out unique apply run ids.
const Schema = `
CREATE TABLE IF NOT EXISTS releases (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    version TEXT NOT NULL UNIQUE,
    channel TEXT NOT NULL,
    sha256 TEXT NOT NULL,
    artifact_url TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'downloading', 'verifying', 'staged', 'active', 'rolled_back', 'failed')),
    staged_path TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_releases_version ON releases(version);
CREATE INDEX IF NOT EXISTS idx_releases_status ON releases(status);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    from_status TEXT,
    to_status TEXT,
    version TEXT,
    detail TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);

CREATE TABLE IF NOT EXISTS attempt_sequence (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    next_attempt_id INTEGER NOT NULL DEFAULT 1
);

INSERT OR IGNORE INTO attempt_sequence (id, next_attempt_id) VALUES (1, 1);
`

// Release status constants
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusVerifying   = "verifying"
	StatusStaged      = "staged"
	StatusActive      = "active"
	StatusRolledBack  = "rolled_back"
	StatusFailed      = "failed"
)

// Event kinds
const (
	EventTransition = "transition"
	EventApply      = "apply"
	EventSwitch     = "switch"
	EventCommit     = "commit"
	EventRollback   = "rollback"
	EventCrashLoop  = "crash_loop"
	EventRecover    = "recover"
)

// Release represents one attempted version
type Release struct {
	ID           int64
	Version      string
	Channel      string
	SHA256       string
	ArtifactURL  string
	Status       string
	StagedPath   string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// Event is one journal entry.
type Event struct {
	ID         int64
	Kind       string
	FromStatus string
	ToStatus   string
	Version    string
	Detail     string
	CreatedAt  string
}
