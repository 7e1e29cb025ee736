package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/repopulse/repopulse/internal/types"
)

// Blocker store. The partial unique index idx_blockers_active enforces at
// most one unresolved blocker per (workspace, type, reference); the
// IMMEDIATE transaction serializes the read-then-write below, with the
// index as backstop against anything that slips through.

// UpsertConflictBlocker inserts or escalates a FILE_CONFLICT_RISK blocker.
// Returns true when a row was inserted or its severity changed; an
// equal-severity match is a no-op so retries and reruns broadcast nothing.
func (t *tx) UpsertConflictBlocker(ctx context.Context, workspaceID, filePath string, sev types.Severity, description string) (bool, error) {
	return t.upsertBlocker(ctx, workspaceID, types.BlockerFileConflict, filePath, sev, description)
}

// UpsertDependencyBlocker inserts a DEPENDENCY_BLOCK blocker for the
// feature. Severity is fixed at HIGH. Returns true only on insert or
// description change.
func (t *tx) UpsertDependencyBlocker(ctx context.Context, workspaceID, featureID, description string) (bool, error) {
	return t.upsertBlocker(ctx, workspaceID, types.BlockerDependencyBlock, featureID, types.SeverityHigh, description)
}

// UpsertAlignmentBlocker inserts or updates an ALIGNMENT_DRIFT blocker.
func (t *tx) UpsertAlignmentBlocker(ctx context.Context, workspaceID, referenceID string, sev types.Severity, description string) (bool, error) {
	return t.upsertBlocker(ctx, workspaceID, types.BlockerAlignmentDrift, referenceID, sev, description)
}

func (t *tx) upsertBlocker(ctx context.Context, workspaceID string, typ types.BlockerType, referenceID string, sev types.Severity, description string) (bool, error) {
	var id int64
	var current types.Severity
	var currentDesc string
	err := t.conn.QueryRowContext(ctx, `
		SELECT id, severity, description FROM blockers
		WHERE workspace_id = ? AND type = ? AND reference_id = ? AND resolved = 0`,
		workspaceID, typ, referenceID).Scan(&id, &current, &currentDesc)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := t.conn.ExecContext(ctx, `
			INSERT INTO blockers (workspace_id, type, reference_id, severity, description, resolved, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)`,
			workspaceID, typ, referenceID, sev, description, time.Now().UTC())
		if err != nil {
			return false, fmt.Errorf("failed to insert blocker: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to query blocker: %w", err)
	case current == sev && currentDesc == description:
		return false, nil
	default:
		_, err := t.conn.ExecContext(ctx,
			`UPDATE blockers SET severity = ?, description = ? WHERE id = ?`,
			sev, description, id)
		if err != nil {
			return false, fmt.Errorf("failed to update blocker: %w", err)
		}
		return true, nil
	}
}

// ResolveStaleBlockers marks FILE_CONFLICT_RISK blockers resolved whose
// file is no longer a member of the current conflict set: files with >= 2
// distinct non-trunk branches active since the window cutoff, union files
// present in >= 2 open PRs. One set-based statement, no per-row loop.
func (t *tx) ResolveStaleBlockers(ctx context.Context, workspaceID string, since time.Time) (int64, error) {
	res, err := t.conn.ExecContext(ctx, `
		UPDATE blockers SET resolved = 1, resolved_at = ?
		WHERE workspace_id = ? AND type = 'FILE_CONFLICT_RISK' AND resolved = 0
		  AND reference_id NOT IN (
			SELECT file_path FROM file_activity
			WHERE workspace_id = ? AND branch NOT IN ('main', 'master') AND updated_at > ?
			GROUP BY file_path
			HAVING COUNT(DISTINCT branch) >= 2
			UNION
			SELECT pf.file_path FROM pr_files pf
			JOIN pull_requests pr
			  ON pr.workspace_id = pf.workspace_id AND pr.pr_number = pf.pr_number
			WHERE pf.workspace_id = ? AND pr.status = 'open'
			GROUP BY pf.file_path
			HAVING COUNT(DISTINCT pf.pr_number) >= 2
		  )`,
		time.Now().UTC(), workspaceID, workspaceID, since.UTC(), workspaceID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve stale blockers: %w", err)
	}
	return res.RowsAffected()
}

// ResolveDependencyBlocker marks the unresolved DEPENDENCY_BLOCK blocker
// for the feature resolved. Resolving an already-resolved or absent
// blocker is a no-op.
func (t *tx) ResolveDependencyBlocker(ctx context.Context, workspaceID, featureID string) error {
	_, err := t.conn.ExecContext(ctx, `
		UPDATE blockers SET resolved = 1, resolved_at = ?
		WHERE workspace_id = ? AND type = 'DEPENDENCY_BLOCK' AND reference_id = ? AND resolved = 0`,
		time.Now().UTC(), workspaceID, featureID)
	if err != nil {
		return fmt.Errorf("failed to resolve dependency blocker: %w", err)
	}
	return nil
}

const blockerColumns = `id, workspace_id, type, reference_id, severity, description, resolved, created_at, resolved_at`

func (t *tx) queryBlockers(ctx context.Context, query string, args ...any) ([]*types.Blocker, error) {
	rows, err := t.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query blockers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Blocker
	for rows.Next() {
		var b types.Blocker
		var resolvedAt sql.NullTime
		if err := rows.Scan(&b.ID, &b.WorkspaceID, &b.Type, &b.ReferenceID, &b.Severity,
			&b.Description, &b.Resolved, &b.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blocker: %w", err)
		}
		if resolvedAt.Valid {
			b.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (t *tx) ListUnresolvedBlockers(ctx context.Context, workspaceID string) ([]*types.Blocker, error) {
	return t.queryBlockers(ctx, `
		SELECT `+blockerColumns+` FROM blockers
		WHERE workspace_id = ? AND resolved = 0 ORDER BY id`, workspaceID)
}

func (t *tx) ListBlockers(ctx context.Context, workspaceID string) ([]*types.Blocker, error) {
	return t.queryBlockers(ctx, `
		SELECT `+blockerColumns+` FROM blockers
		WHERE workspace_id = ? ORDER BY id`, workspaceID)
}
