// Package models defines the entities of the canonical verification store.
package models

// MatchStatus grades a verified bytecode comparison.
type MatchStatus string

const (
	// MatchPerfect means the metadata hash of the recompiled and on-chain
	// bytecode is bit-identical.
	MatchPerfect MatchStatus = "perfect"
	// MatchPartial means the bytecode matches after accounting for
	// metadata-trailer differences.
	MatchPartial MatchStatus = "partial"
)

// Rank orders match statuses: perfect > partial > none (nil).
func (s *MatchStatus) Rank() int {
	if s == nil {
		return 0
	}
	switch *s {
	case MatchPerfect:
		return 2
	case MatchPartial:
		return 1
	default:
		return 0
	}
}

// Status returns a pointer for a non-null status.
func Status(s MatchStatus) *MatchStatus {
	return &s
}

// BetterOrEqual reports whether (r1, c1) is at least as good as (r2, c2) on
// both axes.
func BetterOrEqual(r1, c1, r2, c2 *MatchStatus) bool {
	return r1.Rank() >= r2.Rank() && c1.Rank() >= c2.Rank()
}

// StrictlyBetter reports whether (r1, c1) improves on (r2, c2): at least as
// good on both axes and strictly better on one.
func StrictlyBetter(r1, c1, r2, c2 *MatchStatus) bool {
	return BetterOrEqual(r1, c1, r2, c2) && (r1.Rank() > r2.Rank() || c1.Rank() > c2.Rank())
}
