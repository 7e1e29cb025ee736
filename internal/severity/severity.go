// Package severity classifies per-file conflict signals into a severity
// tier. Pure and deterministic; no I/O.
package severity

import "github.com/repopulse/repopulse/internal/types"

// Signals are the per-file inputs to classification.
type Signals struct {
	BranchCount int  // distinct non-trunk branches touching the file in-window
	PRCount     int  // distinct open PRs listing the file
	TouchesMain bool // trunk activity exists for the file in-window
}

// Classify maps conflict signals to a severity tier. First match wins:
// two open PRs on the same file is a confirmed incoming collision, any
// trunk overlap escalates, then branch fan-out decides.
func Classify(s Signals) types.Severity {
	switch {
	case s.PRCount >= 2:
		return types.SeverityHigh
	case s.TouchesMain:
		return types.SeverityHigh
	case s.BranchCount >= 3:
		return types.SeverityHigh
	case s.BranchCount == 2:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}
