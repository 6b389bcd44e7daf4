package engine

import (
	"strings"

	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/version"
)

// IgnoreRules is the per-dependency ignore state. Exact ignores suppress a
// single version and clear as soon as the next check's candidate differs.
// Prefix ignores suppress a whole major.minor line and clear only when the
// prefix itself changes.
type IgnoreRules struct {
	Exact  string
	Prefix string
}

// Matches reports whether the candidate is suppressed by the rules.
func (r IgnoreRules) Matches(candidate string) bool {
	if r.Exact != "" && normalizeTag(candidate) == normalizeTag(r.Exact) {
		return true
	}
	if r.Prefix != "" && hasComponentPrefix(candidate, r.Prefix) {
		return true
	}
	return false
}

// Cleared returns which rules no longer apply given the latest candidate:
// an exact ignore clears once the candidate moved past it, a prefix ignore
// clears only when the candidate left the ignored line.
func (r IgnoreRules) Cleared(candidate string) (exact, prefix bool) {
	if r.Exact != "" && normalizeTag(candidate) != normalizeTag(r.Exact) {
		exact = true
	}
	if r.Prefix != "" && !hasComponentPrefix(candidate, r.Prefix) {
		prefix = true
	}
	return exact, prefix
}

func normalizeTag(tag string) string {
	return strings.TrimPrefix(tag, "v")
}

// hasComponentPrefix matches whole version components: prefix "3.15"
// matches "3.15.1" and "3.15" itself, but not "3.150.0".
func hasComponentPrefix(tag, prefix string) bool {
	tag = normalizeTag(tag)
	prefix = normalizeTag(prefix)
	if tag == prefix {
		return true
	}
	return strings.HasPrefix(tag, prefix+".")
}

// Verdict is the outcome of applying scope and ignore rules to a set of
// candidate tags.
type Verdict struct {
	// Allowed is true when an actionable candidate survived the rules.
	Allowed bool
	// Candidate is the highest in-scope, non-ignored candidate.
	Candidate string
	// Comparison orders Candidate against the current version.
	Comparison version.Comparison
	// BlockedCandidate is the highest candidate rejected by scope or
	// scheme, retained for informational surfacing only.
	BlockedCandidate string
	// BlockedComparison orders BlockedCandidate against the current
	// version.
	BlockedComparison version.Comparison
	// BlockedIsCalver marks a blocked candidate that is CalVer-shaped
	// while the current version is not.
	BlockedIsCalver bool
	// IgnoredCandidate is the highest candidate suppressed by an ignore
	// rule, recorded in the trace.
	IgnoredCandidate string
	// BlockedReason names the rule that blocked the best candidate when
	// nothing is allowed and something newer exists.
	BlockedReason string
}

// FilterInput carries everything the filter evaluates.
type FilterInput struct {
	Current           string
	Tags              []string
	Scheme            version.Scheme
	Scope             models.ChangeScope
	Ignore            IgnoreRules
	IncludePrerelease bool
}

// Filter applies ignore rules and the container scope to the candidate
// tags. When both an in-scope and an out-of-scope candidate exist, the
// highest in-scope one is proposed and the highest out-of-scope one is
// recorded as informational.
func Filter(in FilterInput) Verdict {
	var v Verdict
	currentIsCalver := version.ClassifyTag(in.Current) == version.SchemeCalVer

	for _, candidate := range version.SortDescending(in.Tags, in.Scheme) {
		cmp, ok := version.Compare(in.Current, candidate, in.Scheme)
		if !ok || cmp.Order <= 0 {
			continue
		}
		if !in.IncludePrerelease && version.IsPrerelease(candidate, in.Scheme) {
			continue
		}
		if in.Ignore.Matches(candidate) {
			if v.IgnoredCandidate == "" {
				v.IgnoredCandidate = candidate
				if v.BlockedReason == "" {
					v.BlockedReason = "ignored"
				}
			}
			continue
		}
		if cmp.ChangeType.Exceeds(in.Scope) {
			if v.BlockedCandidate == "" {
				v.BlockedCandidate = candidate
				v.BlockedComparison = cmp
				v.BlockedIsCalver = !currentIsCalver &&
					version.ClassifyTag(candidate) == version.SchemeCalVer
				if v.BlockedReason == "" {
					v.BlockedReason = "scope_violation"
				}
			}
			continue
		}
		// Candidates arrive newest first, so the first survivor wins.
		v.Allowed = true
		v.Candidate = candidate
		v.Comparison = cmp
		v.BlockedReason = ""
		break
	}
	return v
}
