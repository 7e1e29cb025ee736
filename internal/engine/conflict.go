package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/repopulse/repopulse/internal/bus"
	"github.com/repopulse/repopulse/internal/severity"
	"github.com/repopulse/repopulse/internal/storage"
)

// conflictSignal merges the per-file inputs of the classifier: distinct
// non-trunk branches with recent activity, open PRs listing the file, and
// whether the file was touched on trunk inside the window.
type conflictSignal struct {
	branches    map[string]bool
	prNumbers   []int
	touchesMain bool
}

// RunConflicts recomputes conflict blockers for a workspace from current
// file activity and open pull requests. New or escalated blockers are
// broadcast after the transaction commits; blockers whose file dropped out
// of the conflict set are resolved in the same transaction.
func (e *Engines) RunConflicts(ctx context.Context, workspaceID string) error {
	var events []bus.ConflictWarning

	err := e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		ws, err := tx.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return fmt.Errorf("load workspace: %w", err)
		}
		since := time.Now().UTC().Add(-ws.ActivityWindow())

		branchOverlaps, err := tx.BranchOverlaps(ctx, workspaceID, since)
		if err != nil {
			return fmt.Errorf("branch overlaps: %w", err)
		}
		prOverlaps, err := tx.PROverlaps(ctx, workspaceID)
		if err != nil {
			return fmt.Errorf("pr overlaps: %w", err)
		}
		trunk, err := tx.TrunkTouches(ctx, workspaceID, since)
		if err != nil {
			return fmt.Errorf("trunk touches: %w", err)
		}

		signals := make(map[string]*conflictSignal)
		get := func(file string) *conflictSignal {
			s, ok := signals[file]
			if !ok {
				s = &conflictSignal{branches: make(map[string]bool)}
				signals[file] = s
			}
			return s
		}
		for _, o := range branchOverlaps {
			s := get(o.FilePath)
			for _, b := range o.Branches {
				s.branches[b] = true
			}
		}
		for _, o := range prOverlaps {
			s := get(o.FilePath)
			s.prNumbers = o.PRNumbers
			for _, b := range o.SourceBranches {
				s.branches[b] = true
			}
		}
		for file, s := range signals {
			s.touchesMain = trunk[file]
		}

		// Deterministic iteration keeps reruns byte-stable.
		files := make([]string, 0, len(signals))
		for file := range signals {
			files = append(files, file)
		}
		sort.Strings(files)

		events = events[:0]
		for _, file := range files {
			s := signals[file]
			branches := make([]string, 0, len(s.branches))
			for b := range s.branches {
				branches = append(branches, b)
			}
			sort.Strings(branches)

			sev := severity.Classify(severity.Signals{
				BranchCount: len(branches),
				PRCount:     len(s.prNumbers),
				TouchesMain: s.touchesMain,
			})
			desc := conflictDescription(file, branches, s.prNumbers, s.touchesMain)

			changed, err := tx.UpsertConflictBlocker(ctx, workspaceID, file, sev, desc)
			if err != nil {
				return fmt.Errorf("upsert conflict blocker for %s: %w", file, err)
			}
			if changed {
				events = append(events, bus.NewConflictWarning(file, branches, sev))
			}
		}

		if _, err := tx.ResolveStaleBlockers(ctx, workspaceID, since); err != nil {
			return fmt.Errorf("resolve stale blockers: %w", err)
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

// conflictDescription renders a stable human-readable summary. Stability
// matters: an unchanged description on rerun means no update and no
// broadcast.
func conflictDescription(file string, branches []string, prNumbers []int, touchesMain bool) string {
	desc := fmt.Sprintf("%s modified on %d branches (%s)", file, len(branches), strings.Join(branches, ", "))
	if len(prNumbers) > 0 {
		desc += fmt.Sprintf(", listed by %d open PRs %v", len(prNumbers), prNumbers)
	}
	if touchesMain {
		desc += ", including trunk"
	}
	return desc
}
