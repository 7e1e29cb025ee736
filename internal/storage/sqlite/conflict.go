package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/repopulse/repopulse/internal/storage"
)

// BranchOverlaps groups in-window file activity by path, excluding trunk
// branches, and returns files touched by two or more distinct branches.
func (t *tx) BranchOverlaps(ctx context.Context, workspaceID string, since time.Time) ([]*storage.BranchOverlap, error) {
	rows, err := t.conn.QueryContext(ctx, `
		SELECT file_path, COUNT(DISTINCT branch), GROUP_CONCAT(DISTINCT branch)
		FROM file_activity
		WHERE workspace_id = ? AND branch NOT IN ('main', 'master') AND updated_at > ?
		GROUP BY file_path
		HAVING COUNT(DISTINCT branch) >= 2
		ORDER BY file_path`,
		workspaceID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query branch overlaps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.BranchOverlap
	for rows.Next() {
		var o storage.BranchOverlap
		var branches string
		if err := rows.Scan(&o.FilePath, &o.BranchCount, &branches); err != nil {
			return nil, fmt.Errorf("failed to scan branch overlap: %w", err)
		}
		o.Branches = strings.Split(branches, ",")
		sort.Strings(o.Branches)
		out = append(out, &o)
	}
	return out, rows.Err()
}

// PROverlaps returns files listed by two or more open pull requests.
func (t *tx) PROverlaps(ctx context.Context, workspaceID string) ([]*storage.PROverlap, error) {
	rows, err := t.conn.QueryContext(ctx, `
		SELECT pf.file_path, COUNT(DISTINCT pf.pr_number),
			GROUP_CONCAT(DISTINCT pf.pr_number), GROUP_CONCAT(DISTINCT pr.source_branch)
		FROM pr_files pf
		JOIN pull_requests pr
		  ON pr.workspace_id = pf.workspace_id AND pr.pr_number = pf.pr_number
		WHERE pf.workspace_id = ? AND pr.status = 'open'
		GROUP BY pf.file_path
		HAVING COUNT(DISTINCT pf.pr_number) >= 2
		ORDER BY pf.file_path`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pr overlaps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*storage.PROverlap
	for rows.Next() {
		var o storage.PROverlap
		var numbers, branches string
		if err := rows.Scan(&o.FilePath, &o.PRCount, &numbers, &branches); err != nil {
			return nil, fmt.Errorf("failed to scan pr overlap: %w", err)
		}
		for _, n := range strings.Split(numbers, ",") {
			num, err := strconv.Atoi(n)
			if err != nil {
				return nil, fmt.Errorf("failed to parse pr number %q: %w", n, err)
			}
			o.PRNumbers = append(o.PRNumbers, num)
		}
		sort.Ints(o.PRNumbers)
		o.SourceBranches = strings.Split(branches, ",")
		sort.Strings(o.SourceBranches)
		out = append(out, &o)
	}
	return out, rows.Err()
}

// TrunkTouches returns the set of files with trunk-branch activity within
// the window. The overlap grouping above excludes trunk, so trunk presence
// is derived here instead of from the filtered rows.
func (t *tx) TrunkTouches(ctx context.Context, workspaceID string, since time.Time) (map[string]bool, error) {
	rows, err := t.conn.QueryContext(ctx, `
		SELECT DISTINCT file_path FROM file_activity
		WHERE workspace_id = ? AND branch IN ('main', 'master') AND updated_at > ?`,
		workspaceID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query trunk touches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	touches := make(map[string]bool)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("failed to scan trunk touch: %w", err)
		}
		touches[path] = true
	}
	return touches, rows.Err()
}

// HealthInputs aggregates the four health signals in one round-trip each.
func (t *tx) HealthInputs(ctx context.Context, workspaceID string, since time.Time) (*storage.HealthInputs, error) {
	var in storage.HealthInputs

	err := t.conn.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(completion), 0) FROM features WHERE workspace_id = ?`,
		workspaceID).Scan(&in.FeatureCompletionAvg)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate feature completion: %w", err)
	}

	err = t.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN type = 'FILE_CONFLICT_RISK' THEN 1 ELSE 0 END), 0)
		FROM blockers WHERE workspace_id = ? AND resolved = 0`,
		workspaceID).Scan(&in.ActiveBlockerTotal, &in.ConflictBlockerCount)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate blockers: %w", err)
	}

	err = t.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM members
		WHERE workspace_id = ? AND (last_active IS NULL OR last_active <= ?)`,
		workspaceID, since.UTC()).Scan(&in.InactiveMemberCount)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate member inactivity: %w", err)
	}

	return &in, nil
}
