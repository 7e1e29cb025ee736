// Package storage provides shared types for workspace intelligence storage.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds interface and value types referenced by both the implementation and
// its consumers (engines, webhook ingestor, cmd).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/repopulse/repopulse/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrSelfDependency is returned when a feature dependency edge would point
// at its own feature.
var ErrSelfDependency = errors.New("feature cannot depend on itself")

// BranchOverlap is one file touched by two or more distinct non-trunk
// branches within the activity window.
type BranchOverlap struct {
	FilePath    string
	BranchCount int
	Branches    []string
}

// PROverlap is one file listed by two or more open pull requests.
type PROverlap struct {
	FilePath       string
	PRCount        int
	PRNumbers      []int
	SourceBranches []string
}

// HealthInputs are the aggregates the health engine recomputes from.
type HealthInputs struct {
	FeatureCompletionAvg float64
	ActiveBlockerTotal   int
	ConflictBlockerCount int
	InactiveMemberCount  int
}

// Storage is the interface satisfied by *sqlite.Store. Consumers depend on
// this interface so mocks can be substituted in tests.
type Storage interface {
	// RunInTransaction executes fn atomically. Any error rolls the whole
	// transaction back; partial state never persists.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	Close() error
}

// Transaction exposes the operations available inside a transaction. All
// reads and writes are workspace-scoped; nothing crosses workspace
// boundaries.
type Transaction interface {
	// Workspaces
	CreateWorkspace(ctx context.Context, ws *types.Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error
	GetWorkspace(ctx context.Context, id string) (*types.Workspace, error)
	GetWorkspaceByRepoID(ctx context.Context, repoID int64) (*types.Workspace, error)
	GetWorkspaceByDashboardKey(ctx context.Context, key string) (*types.Workspace, error)
	UpdateHealthScore(ctx context.Context, workspaceID string, score int) error

	// Members
	CreateMember(ctx context.Context, m *types.Member) error
	TouchMemberByUsername(ctx context.Context, workspaceID, username string, at time.Time) error

	// Features and dependencies
	CreateFeature(ctx context.Context, f *types.Feature) error
	GetFeature(ctx context.Context, id string) (*types.Feature, error)
	AddFeatureDependency(ctx context.Context, featureID, dependsOnID string) error
	ListIncompleteFeatures(ctx context.Context, workspaceID string) ([]*types.Feature, error)
	IncompleteDependencies(ctx context.Context, featureID string) ([]*types.Feature, error)
	SetFeatureStatus(ctx context.Context, featureID string, status types.FeatureStatus) error
	BumpFeatureCompletion(ctx context.Context, featureID string) error

	// File activity (webhook ingestor only)
	UpsertFileActivity(ctx context.Context, workspaceID, branch, commitHash string, files []string, at time.Time) error
	DeleteBranchActivity(ctx context.Context, workspaceID, branch string) error
	ListFileActivity(ctx context.Context, workspaceID, branch string) ([]*types.FileActivity, error)

	// Pull requests
	CreatePullRequest(ctx context.Context, pr *types.PullRequest, files []string) error
	SetPullRequestStatus(ctx context.Context, workspaceID string, number int, status types.PRStatus) error

	// Webhook delivery log. InsertDelivery reports false when the delivery
	// id was already recorded (idempotent ingestion).
	InsertDelivery(ctx context.Context, d *types.Delivery) (bool, error)
	FinishDelivery(ctx context.Context, deliveryID string, duration time.Duration) error

	// Conflict signal queries
	BranchOverlaps(ctx context.Context, workspaceID string, since time.Time) ([]*BranchOverlap, error)
	PROverlaps(ctx context.Context, workspaceID string) ([]*PROverlap, error)
	TrunkTouches(ctx context.Context, workspaceID string, since time.Time) (map[string]bool, error)

	// Blocker store. Upserts report whether they changed state so callers
	// broadcast only on real transitions.
	UpsertConflictBlocker(ctx context.Context, workspaceID, filePath string, sev types.Severity, description string) (bool, error)
	ResolveStaleBlockers(ctx context.Context, workspaceID string, since time.Time) (int64, error)
	UpsertDependencyBlocker(ctx context.Context, workspaceID, featureID, description string) (bool, error)
	ResolveDependencyBlocker(ctx context.Context, workspaceID, featureID string) error
	UpsertAlignmentBlocker(ctx context.Context, workspaceID, referenceID string, sev types.Severity, description string) (bool, error)
	ListUnresolvedBlockers(ctx context.Context, workspaceID string) ([]*types.Blocker, error)
	ListBlockers(ctx context.Context, workspaceID string) ([]*types.Blocker, error)

	// Health aggregates
	HealthInputs(ctx context.Context, workspaceID string, since time.Time) (*HealthInputs, error)
}
