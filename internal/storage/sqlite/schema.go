package sqlite

const schema = `
-- Workspaces table
CREATE TABLE IF NOT EXISTS workspaces (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    github_repo_id INTEGER NOT NULL UNIQUE,
    repo_full_name TEXT NOT NULL DEFAULT '',
    dashboard_key TEXT NOT NULL UNIQUE,
    activity_window_hours INTEGER NOT NULL DEFAULT 72 CHECK(activity_window_hours > 0),
    health_score INTEGER NOT NULL DEFAULT 100 CHECK(health_score >= 0 AND health_score <= 100),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Members table
CREATE TABLE IF NOT EXISTS members (
    workspace_id TEXT NOT NULL,
    user_uid TEXT NOT NULL,
    username TEXT NOT NULL,
    last_active DATETIME,
    PRIMARY KEY (workspace_id, user_uid),
    FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_members_username ON members(workspace_id, username);

-- Features table
CREATE TABLE IF NOT EXISTS features (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT 'MEDIUM' CHECK(priority IN ('LOW','MEDIUM','HIGH')),
    status TEXT NOT NULL DEFAULT 'ACTIVE' CHECK(status IN ('ACTIVE','BLOCKED','COMPLETE')),
    completion INTEGER NOT NULL DEFAULT 0 CHECK(completion >= 0 AND completion <= 100),
    owner_uid TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_features_workspace_status ON features(workspace_id, status);

-- Feature dependencies (directed edge: feature depends on depends_on)
CREATE TABLE IF NOT EXISTS feature_dependencies (
    feature_id TEXT NOT NULL,
    depends_on_id TEXT NOT NULL,
    PRIMARY KEY (feature_id, depends_on_id),
    CHECK (feature_id <> depends_on_id),
    FOREIGN KEY (feature_id) REFERENCES features(id) ON DELETE CASCADE,
    FOREIGN KEY (depends_on_id) REFERENCES features(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_feature_deps_depends_on ON feature_dependencies(depends_on_id);

-- File activity table: latest commit per (workspace, branch, file)
CREATE TABLE IF NOT EXISTS file_activity (
    workspace_id TEXT NOT NULL,
    branch TEXT NOT NULL,
    file_path TEXT NOT NULL,
    last_commit_hash TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (workspace_id, branch, file_path),
    FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_file_activity_path ON file_activity(workspace_id, file_path, updated_at);

-- Pull requests table
CREATE TABLE IF NOT EXISTS pull_requests (
    workspace_id TEXT NOT NULL,
    pr_number INTEGER NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    source_branch TEXT NOT NULL DEFAULT '',
    target_branch TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open','merged','closed')),
    PRIMARY KEY (workspace_id, pr_number),
    FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
);

-- PR file membership
CREATE TABLE IF NOT EXISTS pr_files (
    workspace_id TEXT NOT NULL,
    pr_number INTEGER NOT NULL,
    file_path TEXT NOT NULL,
    PRIMARY KEY (workspace_id, pr_number, file_path),
    FOREIGN KEY (workspace_id, pr_number) REFERENCES pull_requests(workspace_id, pr_number) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_pr_files_path ON pr_files(workspace_id, file_path);

-- Blockers table
CREATE TABLE IF NOT EXISTS blockers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    workspace_id TEXT NOT NULL,
    type TEXT NOT NULL CHECK(type IN ('FILE_CONFLICT_RISK','DEPENDENCY_BLOCK','INACTIVITY','ALIGNMENT_DRIFT')),
    reference_id TEXT NOT NULL,
    severity TEXT NOT NULL CHECK(severity IN ('LOW','MEDIUM','HIGH')),
    description TEXT NOT NULL DEFAULT '',
    resolved INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    resolved_at DATETIME,
    FOREIGN KEY (workspace_id) REFERENCES workspaces(id) ON DELETE CASCADE
);

-- At most one unresolved blocker per (workspace, type, reference). This
-- partial index is load-bearing: it makes blocker upserts race-safe across
-- concurrent engine runs.
CREATE UNIQUE INDEX IF NOT EXISTS idx_blockers_active
    ON blockers(workspace_id, type, reference_id) WHERE resolved = 0;

CREATE INDEX IF NOT EXISTS idx_blockers_workspace ON blockers(workspace_id, resolved);

-- Webhook delivery idempotency log
CREATE TABLE IF NOT EXISTS webhook_deliveries (
    delivery_id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL DEFAULT '',
    repo_id INTEGER NOT NULL DEFAULT 0,
    branch TEXT NOT NULL DEFAULT '',
    commit_hash TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_deliveries_received ON webhook_deliveries(received_at);
`
