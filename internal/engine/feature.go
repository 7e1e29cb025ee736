package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/repopulse/repopulse/internal/bus"
	"github.com/repopulse/repopulse/internal/storage"
	"github.com/repopulse/repopulse/internal/types"
)

// RunFeatures re-evaluates every incomplete feature of the workspace.
// A feature with incomplete upstream dependencies is BLOCKED and gets a
// DEPENDENCY_BLOCK blocker; one whose dependencies have all completed
// transitions back to ACTIVE and has its blocker resolved. Unblocked
// features advance their completion on each push, capped short of done.
func (e *Engines) RunFeatures(ctx context.Context, workspaceID string) error {
	var events []bus.BlockerCreated

	err := e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		features, err := tx.ListIncompleteFeatures(ctx, workspaceID)
		if err != nil {
			return fmt.Errorf("list features: %w", err)
		}

		events = events[:0]
		for _, f := range features {
			deps, err := tx.IncompleteDependencies(ctx, f.ID)
			if err != nil {
				return fmt.Errorf("dependencies of %s: %w", f.ID, err)
			}

			if len(deps) > 0 {
				if f.Status != types.FeatureBlocked {
					if err := tx.SetFeatureStatus(ctx, f.ID, types.FeatureBlocked); err != nil {
						return fmt.Errorf("block feature %s: %w", f.ID, err)
					}
				}
				names := make([]string, 0, len(deps))
				for _, d := range deps {
					names = append(names, d.Name)
				}
				sort.Strings(names)
				desc := fmt.Sprintf("%s blocked by incomplete dependencies: %s",
					f.Name, strings.Join(names, ", "))

				changed, err := tx.UpsertDependencyBlocker(ctx, workspaceID, f.ID, desc)
				if err != nil {
					return fmt.Errorf("upsert dependency blocker for %s: %w", f.ID, err)
				}
				if changed {
					events = append(events, bus.NewBlockerCreated(f.ID, f.Name, names))
				}
				continue
			}

			if f.Status == types.FeatureBlocked {
				if err := tx.SetFeatureStatus(ctx, f.ID, types.FeatureActive); err != nil {
					return fmt.Errorf("unblock feature %s: %w", f.ID, err)
				}
				if err := tx.ResolveDependencyBlocker(ctx, workspaceID, f.ID); err != nil {
					return fmt.Errorf("resolve dependency blocker for %s: %w", f.ID, err)
				}
			}
			if err := tx.BumpFeatureCompletion(ctx, f.ID); err != nil {
				return fmt.Errorf("bump completion of %s: %w", f.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, ev := range events {
		e.hub.Broadcast(workspaceID, ev)
	}
	return nil
}
