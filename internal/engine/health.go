package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/repopulse/repopulse/internal/bus"
	"github.com/repopulse/repopulse/internal/storage"
)

// Health score weights. The raw score rewards feature progress and
// penalizes active blockers, conflict risk, and inactive members, then
// clamps to [0, 100].
const (
	weightCompletion   = 0.4
	penaltyPerBlocker  = 5.0
	penaltyPerConflict = 3.0
	penaltyPerInactive = 5.0
)

// Score computes the clamped health score from its aggregates.
func Score(in *storage.HealthInputs) int {
	raw := weightCompletion*in.FeatureCompletionAvg -
		penaltyPerBlocker*float64(in.ActiveBlockerTotal) -
		penaltyPerConflict*float64(in.ConflictBlockerCount) -
		penaltyPerInactive*float64(in.InactiveMemberCount)

	score := int(math.Round(raw))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// RunHealth recomputes and persists the workspace health score. The
// HEALTH_UPDATE broadcast fires only when the stored score actually moved,
// so reruns over unchanged state emit nothing.
func (e *Engines) RunHealth(ctx context.Context, workspaceID string) error {
	var (
		score   int
		changed bool
	)

	err := e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		ws, err := tx.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return fmt.Errorf("load workspace: %w", err)
		}
		since := time.Now().UTC().Add(-ws.ActivityWindow())

		in, err := tx.HealthInputs(ctx, workspaceID, since)
		if err != nil {
			return fmt.Errorf("health inputs: %w", err)
		}

		score = Score(in)
		changed = score != ws.HealthScore
		if changed {
			if err := tx.UpdateHealthScore(ctx, workspaceID, score); err != nil {
				return fmt.Errorf("persist score: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if changed {
		e.hub.Broadcast(workspaceID, bus.NewHealthUpdate(score))
	}
	return nil
}
