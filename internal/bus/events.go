package bus

import "github.com/repopulse/repopulse/internal/types"

// EventType identifies a message pushed to dashboard subscribers.
type EventType string

const (
	EventConflictWarning EventType = "CONFLICT_WARNING"
	EventBlockerCreated  EventType = "BLOCKER_CREATED"
	EventHealthUpdate    EventType = "HEALTH_UPDATE"
)

// ConflictWarning is broadcast after the conflict engine commits a new or
// escalated FILE_CONFLICT_RISK blocker.
type ConflictWarning struct {
	Type     EventType      `json:"type"`
	File     string         `json:"file"`
	Branches []string       `json:"branches"`
	Severity types.Severity `json:"severity"`
}

// NewConflictWarning builds a CONFLICT_WARNING event.
func NewConflictWarning(file string, branches []string, sev types.Severity) ConflictWarning {
	if branches == nil {
		branches = []string{}
	}
	return ConflictWarning{Type: EventConflictWarning, File: file, Branches: branches, Severity: sev}
}

// BlockerCreated is broadcast when the feature engine blocks a feature on
// incomplete upstream dependencies.
type BlockerCreated struct {
	Type        EventType `json:"type"`
	FeatureID   string    `json:"featureId"`
	FeatureName string    `json:"featureName"`
	BlockedBy   []string  `json:"blockedBy"`
}

// NewBlockerCreated builds a BLOCKER_CREATED event.
func NewBlockerCreated(featureID, featureName string, blockedBy []string) BlockerCreated {
	if blockedBy == nil {
		blockedBy = []string{}
	}
	return BlockerCreated{Type: EventBlockerCreated, FeatureID: featureID, FeatureName: featureName, BlockedBy: blockedBy}
}

// HealthUpdate is broadcast after the health engine persists a recomputed
// score.
type HealthUpdate struct {
	Type      EventType       `json:"type"`
	Score     int             `json:"score"`
	RiskLevel types.RiskLevel `json:"riskLevel"`
}

// NewHealthUpdate builds a HEALTH_UPDATE event.
func NewHealthUpdate(score int) HealthUpdate {
	return HealthUpdate{Type: EventHealthUpdate, Score: score, RiskLevel: types.RiskLevelForScore(score)}
}
