package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopulse/repopulse/internal/bus"
	"github.com/repopulse/repopulse/internal/storage"
	"github.com/repopulse/repopulse/internal/storage/sqlite"
	"github.com/repopulse/repopulse/internal/types"
)

// recorder captures broadcasts instead of pushing them over WebSocket.
type recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *recorder) Broadcast(workspaceID string, event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

func newTestEngines(t *testing.T) (*Engines, *sqlite.Store, *recorder) {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec := &recorder{}
	return New(store, rec, nil), store, rec
}

func seedWorkspace(t *testing.T, store *sqlite.Store, id string) {
	t.Helper()
	err := store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		return tx.CreateWorkspace(context.Background(), &types.Workspace{
			ID:           id,
			Name:         "test",
			GithubRepoID: 1000,
			RepoFullName: "acme/" + id,
			DashboardKey: "key-" + id,
		})
	})
	require.NoError(t, err)
}

func inTx(t *testing.T, store *sqlite.Store, fn func(tx storage.Transaction) error) {
	t.Helper()
	require.NoError(t, store.RunInTransaction(context.Background(), fn))
}

func TestConflictRunDetectsEscalatesAndResolves(t *testing.T) {
	engines, store, rec := newTestEngines(t)
	ctx := context.Background()
	seedWorkspace(t, store, "ws1")

	now := time.Now().UTC()
	inTx(t, store, func(tx storage.Transaction) error {
		require.NoError(t, tx.UpsertFileActivity(ctx, "ws1", "feat-a", "c1", []string{"shared.go"}, now))
		require.NoError(t, tx.UpsertFileActivity(ctx, "ws1", "feat-b", "c2", []string{"shared.go"}, now))
		return nil
	})

	require.NoError(t, engines.RunConflicts(ctx, "ws1"))

	events := rec.all()
	require.Len(t, events, 1)
	warning, ok := events[0].(bus.ConflictWarning)
	require.True(t, ok)
	assert.Equal(t, "shared.go", warning.File)
	assert.Equal(t, []string{"feat-a", "feat-b"}, warning.Branches)
	assert.Equal(t, types.SeverityMedium, warning.Severity)

	// Rerun over unchanged state: no new blocker, no new broadcast.
	require.NoError(t, engines.RunConflicts(ctx, "ws1"))
	assert.Len(t, rec.all(), 1)

	// A third branch escalates to HIGH and broadcasts once.
	inTx(t, store, func(tx storage.Transaction) error {
		return tx.UpsertFileActivity(ctx, "ws1", "feat-c", "c3", []string{"shared.go"}, now)
	})
	require.NoError(t, engines.RunConflicts(ctx, "ws1"))

	events = rec.all()
	require.Len(t, events, 2)
	warning = events[1].(bus.ConflictWarning)
	assert.Equal(t, types.SeverityHigh, warning.Severity)

	inTx(t, store, func(tx storage.Transaction) error {
		unresolved, err := tx.ListUnresolvedBlockers(ctx, "ws1")
		require.NoError(t, err)
		require.Len(t, unresolved, 1)
		assert.Equal(t, types.BlockerFileConflict, unresolved[0].Type)
		assert.Equal(t, "shared.go", unresolved[0].ReferenceID)
		return nil
	})

	// Once the overlap disappears the blocker resolves without broadcast.
	inTx(t, store, func(tx storage.Transaction) error {
		require.NoError(t, tx.DeleteBranchActivity(ctx, "ws1", "feat-b"))
		return tx.DeleteBranchActivity(ctx, "ws1", "feat-c")
	})
	require.NoError(t, engines.RunConflicts(ctx, "ws1"))
	assert.Len(t, rec.all(), 2)

	inTx(t, store, func(tx storage.Transaction) error {
		unresolved, err := tx.ListUnresolvedBlockers(ctx, "ws1")
		require.NoError(t, err)
		assert.Empty(t, unresolved)
		return nil
	})
}

func TestConflictTrunkTouchForcesHigh(t *testing.T) {
	engines, store, rec := newTestEngines(t)
	ctx := context.Background()
	seedWorkspace(t, store, "ws1")

	now := time.Now().UTC()
	inTx(t, store, func(tx storage.Transaction) error {
		require.NoError(t, tx.UpsertFileActivity(ctx, "ws1", "feat-a", "c1", []string{"shared.go"}, now))
		require.NoError(t, tx.UpsertFileActivity(ctx, "ws1", "feat-b", "c2", []string{"shared.go"}, now))
		return tx.UpsertFileActivity(ctx, "ws1", "main", "c3", []string{"shared.go"}, now)
	})

	require.NoError(t, engines.RunConflicts(ctx, "ws1"))

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, types.SeverityHigh, events[0].(bus.ConflictWarning).Severity)
}

func TestFeatureBlockingAndUnblocking(t *testing.T) {
	engines, store, rec := newTestEngines(t)
	ctx := context.Background()
	seedWorkspace(t, store, "ws1")

	inTx(t, store, func(tx storage.Transaction) error {
		require.NoError(t, tx.CreateFeature(ctx, &types.Feature{ID: "fa", WorkspaceID: "ws1", Name: "auth", Completion: 10}))
		require.NoError(t, tx.CreateFeature(ctx, &types.Feature{ID: "fb", WorkspaceID: "ws1", Name: "billing", Completion: 20}))
		return tx.AddFeatureDependency(ctx, "fb", "fa")
	})

	require.NoError(t, engines.RunFeatures(ctx, "ws1"))

	events := rec.all()
	require.Len(t, events, 1)
	created, ok := events[0].(bus.BlockerCreated)
	require.True(t, ok)
	assert.Equal(t, "fb", created.FeatureID)
	assert.Equal(t, "billing", created.FeatureName)
	assert.Equal(t, []string{"auth"}, created.BlockedBy)

	inTx(t, store, func(tx storage.Transaction) error {
		fa, err := tx.GetFeature(ctx, "fa")
		require.NoError(t, err)
		assert.Equal(t, types.FeatureActive, fa.Status)
		assert.Equal(t, 15, fa.Completion, "unblocked feature advances")

		fb, err := tx.GetFeature(ctx, "fb")
		require.NoError(t, err)
		assert.Equal(t, types.FeatureBlocked, fb.Status)
		assert.Equal(t, 20, fb.Completion, "blocked feature does not advance")
		return nil
	})

	// Rerun: still blocked, no duplicate blocker or broadcast.
	require.NoError(t, engines.RunFeatures(ctx, "ws1"))
	assert.Len(t, rec.all(), 1)

	// Completing the upstream dependency unblocks on the next run.
	inTx(t, store, func(tx storage.Transaction) error {
		return tx.SetFeatureStatus(ctx, "fa", types.FeatureComplete)
	})
	require.NoError(t, engines.RunFeatures(ctx, "ws1"))

	inTx(t, store, func(tx storage.Transaction) error {
		fb, err := tx.GetFeature(ctx, "fb")
		require.NoError(t, err)
		assert.Equal(t, types.FeatureActive, fb.Status)
		assert.Equal(t, 25, fb.Completion)

		unresolved, err := tx.ListUnresolvedBlockers(ctx, "ws1")
		require.NoError(t, err)
		assert.Empty(t, unresolved)
		return nil
	})
}

func TestScoreClamps(t *testing.T) {
	// 0.4*20 - 5*10 = -42, clamps to 0.
	assert.Equal(t, 0, Score(&storage.HealthInputs{
		FeatureCompletionAvg: 20,
		ActiveBlockerTotal:   10,
	}))
	// 0.4*295 = 118, clamps to 100.
	assert.Equal(t, 100, Score(&storage.HealthInputs{FeatureCompletionAvg: 295}))
	// 0.4*80 - 5*1 - 3*1 - 5*2 = 14.
	assert.Equal(t, 14, Score(&storage.HealthInputs{
		FeatureCompletionAvg: 80,
		ActiveBlockerTotal:   1,
		ConflictBlockerCount: 1,
		InactiveMemberCount:  2,
	}))
	assert.Equal(t, 0, Score(&storage.HealthInputs{}))
}

func TestHealthRunBroadcastsOnlyOnChange(t *testing.T) {
	engines, store, rec := newTestEngines(t)
	ctx := context.Background()
	seedWorkspace(t, store, "ws1")

	inTx(t, store, func(tx storage.Transaction) error {
		return tx.CreateFeature(ctx, &types.Feature{ID: "fa", WorkspaceID: "ws1", Name: "auth", Completion: 50})
	})

	require.NoError(t, engines.RunHealth(ctx, "ws1"))

	events := rec.all()
	require.Len(t, events, 1)
	update, ok := events[0].(bus.HealthUpdate)
	require.True(t, ok)
	assert.Equal(t, 20, update.Score)
	assert.Equal(t, types.RiskCritical, update.RiskLevel)

	inTx(t, store, func(tx storage.Transaction) error {
		ws, err := tx.GetWorkspace(ctx, "ws1")
		require.NoError(t, err)
		assert.Equal(t, 20, ws.HealthScore)
		return nil
	})

	// Unchanged inputs: score stays, nothing broadcast.
	require.NoError(t, engines.RunHealth(ctx, "ws1"))
	assert.Len(t, rec.all(), 1)
}

func TestProcessEmptyPushSkipsFeatureBump(t *testing.T) {
	engines, store, _ := newTestEngines(t)
	ctx := context.Background()
	seedWorkspace(t, store, "ws1")

	inTx(t, store, func(tx storage.Transaction) error {
		return tx.CreateFeature(ctx, &types.Feature{ID: "fa", WorkspaceID: "ws1", Name: "auth", Completion: 10})
	})

	// A branch-delete push dispatches with no modified files; completion
	// must not move, no matter how many deletions arrive.
	for i := 0; i < 3; i++ {
		engines.Process(ctx, Job{WorkspaceID: "ws1", TriggerBranch: "feat-a"})
	}
	inTx(t, store, func(tx storage.Transaction) error {
		fa, err := tx.GetFeature(ctx, "fa")
		require.NoError(t, err)
		assert.Equal(t, 10, fa.Completion)
		return nil
	})

	// A push with real file changes still advances.
	engines.Process(ctx, Job{
		WorkspaceID: "ws1", TriggerBranch: "feat-a", CommitHash: "c1",
		ModifiedFiles: []string{"auth/login.go"},
	})
	inTx(t, store, func(tx storage.Transaction) error {
		fa, err := tx.GetFeature(ctx, "fa")
		require.NoError(t, err)
		assert.Equal(t, 15, fa.Completion)
		return nil
	})
}

func TestDispatcherSerializesPerWorkspace(t *testing.T) {
	engines, store, _ := newTestEngines(t)
	seedWorkspace(t, store, "ws1")

	d := NewDispatcher(engines)
	defer d.Close()

	for i := 0; i < 40; i++ {
		d.Enqueue(Job{WorkspaceID: "ws1", TriggerBranch: "dev", CommitHash: "c"})
	}
	// Overflow drops oldest jobs instead of blocking; Close drains workers.
}
