package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/repopulse/repopulse/internal/storage"
	"github.com/repopulse/repopulse/internal/types"
)

// --- Workspaces ---

func (t *tx) CreateWorkspace(ctx context.Context, ws *types.Workspace) error {
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now
	if ws.ActivityWindowHours <= 0 {
		ws.ActivityWindowHours = t.parent.defaultWindow()
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, github_repo_id, repo_full_name, dashboard_key,
			activity_window_hours, health_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.ID, ws.Name, ws.GithubRepoID, ws.RepoFullName, ws.DashboardKey,
		ws.ActivityWindowHours, ws.HealthScore, ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

func (t *tx) DeleteWorkspace(ctx context.Context, id string) error {
	res, err := t.conn.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const workspaceColumns = `id, name, github_repo_id, repo_full_name, dashboard_key,
	activity_window_hours, health_score, created_at, updated_at`

func (t *tx) scanWorkspace(row *sql.Row) (*types.Workspace, error) {
	var ws types.Workspace
	err := row.Scan(&ws.ID, &ws.Name, &ws.GithubRepoID, &ws.RepoFullName, &ws.DashboardKey,
		&ws.ActivityWindowHours, &ws.HealthScore, &ws.CreatedAt, &ws.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}
	return &ws, nil
}

func (t *tx) GetWorkspace(ctx context.Context, id string) (*types.Workspace, error) {
	return t.scanWorkspace(t.conn.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id))
}

func (t *tx) GetWorkspaceByRepoID(ctx context.Context, repoID int64) (*types.Workspace, error) {
	return t.scanWorkspace(t.conn.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE github_repo_id = ?`, repoID))
}

func (t *tx) GetWorkspaceByDashboardKey(ctx context.Context, key string) (*types.Workspace, error) {
	return t.scanWorkspace(t.conn.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE dashboard_key = ?`, key))
}

func (t *tx) UpdateHealthScore(ctx context.Context, workspaceID string, score int) error {
	res, err := t.conn.ExecContext(ctx,
		`UPDATE workspaces SET health_score = ?, updated_at = ? WHERE id = ?`,
		score, time.Now().UTC(), workspaceID)
	if err != nil {
		return fmt.Errorf("failed to update health score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- Members ---

func (t *tx) CreateMember(ctx context.Context, m *types.Member) error {
	m.Username = strings.ToLower(m.Username)
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO members (workspace_id, user_uid, username, last_active)
		VALUES (?, ?, ?, ?)`,
		m.WorkspaceID, m.UserUID, m.Username, m.LastActive)
	if err != nil {
		return fmt.Errorf("failed to create member: %w", err)
	}
	return nil
}

// TouchMemberByUsername refreshes last_active for the member with the given
// canonical username. A missing member is not an error: pushes from
// non-members are normal.
func (t *tx) TouchMemberByUsername(ctx context.Context, workspaceID, username string, at time.Time) error {
	_, err := t.conn.ExecContext(ctx,
		`UPDATE members SET last_active = ? WHERE workspace_id = ? AND username = ?`,
		at.UTC(), workspaceID, strings.ToLower(username))
	if err != nil {
		return fmt.Errorf("failed to touch member: %w", err)
	}
	return nil
}

// --- Features ---

func (t *tx) CreateFeature(ctx context.Context, f *types.Feature) error {
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	if f.Priority == "" {
		f.Priority = types.PriorityMedium
	}
	if f.Status == "" {
		f.Status = types.FeatureActive
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO features (id, workspace_id, name, description, priority, status,
			completion, owner_uid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.WorkspaceID, f.Name, f.Description, f.Priority, f.Status,
		f.Completion, f.OwnerUID, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create feature: %w", err)
	}
	return nil
}

const featureColumns = `id, workspace_id, name, description, priority, status,
	completion, owner_uid, created_at, updated_at`

func scanFeature(scan func(dest ...any) error) (*types.Feature, error) {
	var f types.Feature
	var owner sql.NullString
	err := scan(&f.ID, &f.WorkspaceID, &f.Name, &f.Description, &f.Priority, &f.Status,
		&f.Completion, &owner, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if owner.Valid {
		f.OwnerUID = &owner.String
	}
	return &f, nil
}

func (t *tx) GetFeature(ctx context.Context, id string) (*types.Feature, error) {
	row := t.conn.QueryRowContext(ctx, `SELECT `+featureColumns+` FROM features WHERE id = ?`, id)
	f, err := scanFeature(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature: %w", err)
	}
	return f, nil
}

func (t *tx) AddFeatureDependency(ctx context.Context, featureID, dependsOnID string) error {
	if featureID == dependsOnID {
		return storage.ErrSelfDependency
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO feature_dependencies (feature_id, depends_on_id) VALUES (?, ?)
		ON CONFLICT (feature_id, depends_on_id) DO NOTHING`,
		featureID, dependsOnID)
	if err != nil {
		return fmt.Errorf("failed to add feature dependency: %w", err)
	}
	return nil
}

func (t *tx) queryFeatures(ctx context.Context, query string, args ...any) ([]*types.Feature, error) {
	rows, err := t.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query features: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Feature
	for rows.Next() {
		f, err := scanFeature(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (t *tx) ListIncompleteFeatures(ctx context.Context, workspaceID string) ([]*types.Feature, error) {
	return t.queryFeatures(ctx, `
		SELECT `+featureColumns+` FROM features
		WHERE workspace_id = ? AND status <> 'COMPLETE'
		ORDER BY id`, workspaceID)
}

func (t *tx) IncompleteDependencies(ctx context.Context, featureID string) ([]*types.Feature, error) {
	return t.queryFeatures(ctx, `
		SELECT f.id, f.workspace_id, f.name, f.description, f.priority, f.status,
			f.completion, f.owner_uid, f.created_at, f.updated_at
		FROM feature_dependencies d
		JOIN features f ON f.id = d.depends_on_id
		WHERE d.feature_id = ? AND f.status <> 'COMPLETE'
		ORDER BY f.id`, featureID)
}

func (t *tx) SetFeatureStatus(ctx context.Context, featureID string, status types.FeatureStatus) error {
	res, err := t.conn.ExecContext(ctx,
		`UPDATE features SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), featureID)
	if err != nil {
		return fmt.Errorf("failed to set feature status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// BumpFeatureCompletion adds the per-push delta, capped below 100: the
// last slice is reserved for an explicit merge-to-trunk event. Values
// already above the cap are left untouched.
func (t *tx) BumpFeatureCompletion(ctx context.Context, featureID string) error {
	_, err := t.conn.ExecContext(ctx, `
		UPDATE features
		SET completion = CASE
			WHEN completion >= ? THEN completion
			ELSE MIN(?, completion + ?)
		END,
		updated_at = ?
		WHERE id = ? AND status <> 'COMPLETE'`,
		types.CompletionCap, types.CompletionCap, types.CompletionBumpPerPush,
		time.Now().UTC(), featureID)
	if err != nil {
		return fmt.Errorf("failed to bump feature completion: %w", err)
	}
	return nil
}

// --- File activity ---

// UpsertFileActivity records the latest commit for each modified file on a
// branch in one multi-row statement.
func (t *tx) UpsertFileActivity(ctx context.Context, workspaceID, branch, commitHash string, files []string, at time.Time) error {
	if len(files) == 0 {
		return nil
	}
	at = at.UTC()
	var sb strings.Builder
	sb.WriteString(`INSERT INTO file_activity (workspace_id, branch, file_path, last_commit_hash, updated_at) VALUES `)
	args := make([]any, 0, len(files)*5)
	for i, f := range files {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?)")
		args = append(args, workspaceID, branch, f, commitHash, at)
	}
	sb.WriteString(` ON CONFLICT (workspace_id, branch, file_path)
		DO UPDATE SET last_commit_hash = excluded.last_commit_hash, updated_at = excluded.updated_at`)
	if _, err := t.conn.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to upsert file activity: %w", err)
	}
	return nil
}

func (t *tx) DeleteBranchActivity(ctx context.Context, workspaceID, branch string) error {
	_, err := t.conn.ExecContext(ctx,
		`DELETE FROM file_activity WHERE workspace_id = ? AND branch = ?`,
		workspaceID, branch)
	if err != nil {
		return fmt.Errorf("failed to delete branch activity: %w", err)
	}
	return nil
}

func (t *tx) ListFileActivity(ctx context.Context, workspaceID, branch string) ([]*types.FileActivity, error) {
	rows, err := t.conn.QueryContext(ctx, `
		SELECT workspace_id, branch, file_path, last_commit_hash, updated_at
		FROM file_activity WHERE workspace_id = ? AND branch = ?
		ORDER BY file_path`, workspaceID, branch)
	if err != nil {
		return nil, fmt.Errorf("failed to list file activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.FileActivity
	for rows.Next() {
		var fa types.FileActivity
		if err := rows.Scan(&fa.WorkspaceID, &fa.Branch, &fa.FilePath, &fa.LastCommitHash, &fa.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file activity: %w", err)
		}
		out = append(out, &fa)
	}
	return out, rows.Err()
}

// --- Pull requests ---

func (t *tx) CreatePullRequest(ctx context.Context, pr *types.PullRequest, files []string) error {
	if pr.Status == "" {
		pr.Status = types.PROpen
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO pull_requests (workspace_id, pr_number, title, source_branch, target_branch, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		pr.WorkspaceID, pr.Number, pr.Title, pr.SourceBranch, pr.TargetBranch, pr.Status)
	if err != nil {
		return fmt.Errorf("failed to create pull request: %w", err)
	}
	for _, f := range files {
		_, err := t.conn.ExecContext(ctx, `
			INSERT INTO pr_files (workspace_id, pr_number, file_path) VALUES (?, ?, ?)
			ON CONFLICT (workspace_id, pr_number, file_path) DO NOTHING`,
			pr.WorkspaceID, pr.Number, f)
		if err != nil {
			return fmt.Errorf("failed to add pr file: %w", err)
		}
	}
	return nil
}

func (t *tx) SetPullRequestStatus(ctx context.Context, workspaceID string, number int, status types.PRStatus) error {
	res, err := t.conn.ExecContext(ctx,
		`UPDATE pull_requests SET status = ? WHERE workspace_id = ? AND pr_number = ?`,
		status, workspaceID, number)
	if err != nil {
		return fmt.Errorf("failed to set pull request status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- Webhook deliveries ---

// InsertDelivery records the delivery id, returning false when the id was
// already present. This is the idempotency gate for webhook retries.
func (t *tx) InsertDelivery(ctx context.Context, d *types.Delivery) (bool, error) {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	res, err := t.conn.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (delivery_id, workspace_id, repo_id, branch, commit_hash, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (delivery_id) DO NOTHING`,
		d.ID, d.WorkspaceID, d.RepoID, d.Branch, d.CommitHash, d.ReceivedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read delivery insert result: %w", err)
	}
	return n > 0, nil
}

func (t *tx) FinishDelivery(ctx context.Context, deliveryID string, duration time.Duration) error {
	_, err := t.conn.ExecContext(ctx,
		`UPDATE webhook_deliveries SET duration_ms = ? WHERE delivery_id = ?`,
		duration.Milliseconds(), deliveryID)
	if err != nil {
		return fmt.Errorf("failed to finish delivery: %w", err)
	}
	return nil
}
