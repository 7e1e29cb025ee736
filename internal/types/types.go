// Package types defines core data structures for the repopulse pipeline.
package types

import "time"

// Severity is the tier assigned to a blocker.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// BlockerType discriminates the blocker union.
type BlockerType string

const (
	BlockerFileConflict    BlockerType = "FILE_CONFLICT_RISK"
	BlockerDependencyBlock BlockerType = "DEPENDENCY_BLOCK"
	BlockerInactivity      BlockerType = "INACTIVITY"
	BlockerAlignmentDrift  BlockerType = "ALIGNMENT_DRIFT"
)

// FeatureStatus is the lifecycle state of a feature.
type FeatureStatus string

const (
	FeatureActive   FeatureStatus = "ACTIVE"
	FeatureBlocked  FeatureStatus = "BLOCKED"
	FeatureComplete FeatureStatus = "COMPLETE"
)

// Priority of a feature.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// PRStatus is the lifecycle state of a pull request.
type PRStatus string

const (
	PROpen   PRStatus = "open"
	PRMerged PRStatus = "merged"
	PRClosed PRStatus = "closed"
)

// RiskLevel is the coarse tier derived from a workspace health score.
type RiskLevel string

const (
	RiskHealthy  RiskLevel = "HEALTHY"
	RiskWarning  RiskLevel = "WARNING"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelForScore maps a health score to its risk tier.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 80:
		return RiskHealthy
	case score >= 50:
		return RiskWarning
	default:
		return RiskCritical
	}
}

// ZeroHash is the all-zero commit hash GitHub sends on the endpoints of a
// branch-create or branch-delete push.
const ZeroHash = "0000000000000000000000000000000000000000"

// DefaultActivityWindowHours bounds which file activity counts as live for
// conflict detection when a workspace has no explicit setting.
const DefaultActivityWindowHours = 72

// CompletionBumpPerPush is added to a feature's completion on every push.
const CompletionBumpPerPush = 5

// CompletionCap is the highest completion reachable without an explicit
// merge-to-trunk event.
const CompletionCap = 95

// trunkBranches is the hard-coded integration trunk set.
var trunkBranches = map[string]bool{
	"main":   true,
	"master": true,
}

// IsTrunk reports whether branch is an integration trunk branch.
func IsTrunk(branch string) bool {
	return trunkBranches[branch]
}

// TrunkBranches returns the trunk branch names, for SQL IN clauses.
func TrunkBranches() []string {
	return []string{"main", "master"}
}

// Workspace is the tenant boundary, tied to exactly one upstream repository
// by its rename-stable numeric id.
type Workspace struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	GithubRepoID        int64     `json:"github_repo_id"`
	RepoFullName        string    `json:"repo_full_name"`
	DashboardKey        string    `json:"-"`
	ActivityWindowHours int       `json:"activity_window_hours"`
	HealthScore         int       `json:"health_score"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ActivityWindow returns the workspace's sliding activity window as a
// duration, falling back to the default when unset.
func (w *Workspace) ActivityWindow() time.Duration {
	hours := w.ActivityWindowHours
	if hours <= 0 {
		hours = DefaultActivityWindowHours
	}
	return time.Duration(hours) * time.Hour
}

// Member is a workspace-scoped participant.
type Member struct {
	WorkspaceID string     `json:"workspace_id"`
	UserUID     string     `json:"user_uid"`
	Username    string     `json:"username"` // canonical lowercase
	LastActive  *time.Time `json:"last_active,omitempty"`
}

// Feature is a unit of tracked work. Mutated by the feature engine only.
type Feature struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Priority    Priority      `json:"priority"`
	Status      FeatureStatus `json:"status"`
	Completion  int           `json:"completion"`
	OwnerUID    *string       `json:"owner_uid,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// FeatureDependency is a directed edge: FeatureID depends on DependsOnID.
type FeatureDependency struct {
	FeatureID   string `json:"feature_id"`
	DependsOnID string `json:"depends_on_id"`
}

// FileActivity records the latest observed commit for a file on a branch.
// Mutated by the webhook ingestor only.
type FileActivity struct {
	WorkspaceID    string    `json:"workspace_id"`
	Branch         string    `json:"branch"`
	FilePath       string    `json:"file_path"`
	LastCommitHash string    `json:"last_commit_hash"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PullRequest is workspace-scoped, unique by (workspace, number).
type PullRequest struct {
	WorkspaceID  string   `json:"workspace_id"`
	Number       int      `json:"number"`
	Title        string   `json:"title,omitempty"`
	SourceBranch string   `json:"source_branch"`
	TargetBranch string   `json:"target_branch"`
	Status       PRStatus `json:"status"`
}

// Blocker is a surfaced impediment, unique-while-unresolved per
// (workspace, type, reference). Mutated by the blocker store only.
type Blocker struct {
	ID          int64       `json:"id"`
	WorkspaceID string      `json:"workspace_id"`
	Type        BlockerType `json:"type"`
	ReferenceID string      `json:"reference_id"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
	Resolved    bool        `json:"resolved"`
	CreatedAt   time.Time   `json:"created_at"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
}

// Delivery is one row of the webhook idempotency log, keyed by the
// upstream-assigned delivery id.
type Delivery struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	RepoID      int64     `json:"repo_id"`
	Branch      string    `json:"branch,omitempty"`
	CommitHash  string    `json:"commit_hash,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	ReceivedAt  time.Time `json:"received_at"`
}
