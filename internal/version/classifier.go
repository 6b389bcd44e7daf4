// Package version classifies image tag histories into versioning schemes
// and orders versions under the detected scheme. Classification is
// structural and never fails: anything ambiguous degrades to the opaque
// scheme, where only digest equality is meaningful.
package version

import (
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/harborwatch/harborwatch/internal/models"
)

// Scheme is a detected versioning scheme.
type Scheme string

const (
	SchemeSemVer Scheme = "semver"
	SchemeCalVer Scheme = "calver"
	SchemeOpaque Scheme = "opaque"
)

// Comparison is the ordered result of comparing a candidate version against
// a current one.
type Comparison struct {
	// Order is -1 when the candidate is older, 0 when equal, 1 when newer.
	Order int
	// ChangeType is the highest-order component that differs.
	ChangeType models.ChangeType
}

// Classify determines the versioning scheme of a tag history. Each tag
// votes for the shape it resembles; the winning scheme must account for at
// least half the tags, otherwise the history is opaque.
func Classify(tags []string) Scheme {
	if len(tags) == 0 {
		return SchemeOpaque
	}
	var calver, semverish int
	for _, tag := range tags {
		switch classifyTag(tag) {
		case SchemeCalVer:
			calver++
		case SchemeSemVer:
			semverish++
		}
	}
	switch {
	case calver > 0 && calver >= semverish && calver*2 >= len(tags):
		return SchemeCalVer
	case semverish > 0 && semverish*2 >= len(tags):
		return SchemeSemVer
	default:
		return SchemeOpaque
	}
}

// SchemeFor resolves the effective scheme for a container: an explicit
// version-track override wins, otherwise the tag history is classified.
func SchemeFor(track *string, tags []string) Scheme {
	if track != nil {
		switch Scheme(*track) {
		case SchemeSemVer, SchemeCalVer, SchemeOpaque:
			return Scheme(*track)
		}
	}
	return Classify(tags)
}

// ClassifyTag shapes a single tag without the context of a history.
// Digests, hashes, names and single-component tags are opaque.
func ClassifyTag(tag string) Scheme {
	return classifyTag(tag)
}

// classifyTag shapes a single tag. Digests, hashes, names and
// single-component tags are opaque.
func classifyTag(tag string) Scheme {
	base := strings.TrimPrefix(tag, "v")
	if i := strings.IndexAny(base, "-+"); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, ".")
	nums := make([]int, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return SchemeOpaque
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return SchemeOpaque
		}
		nums = append(nums, n)
	}
	if len(nums) == 1 {
		if isDateStamp(nums[0]) {
			return SchemeCalVer
		}
		return SchemeOpaque
	}
	if len(nums) > 3 {
		return SchemeOpaque
	}
	if nums[0] >= 2000 && nums[0] <= 2100 && nums[1] >= 1 && nums[1] <= 12 {
		return SchemeCalVer
	}
	return SchemeSemVer
}

// isDateStamp reports whether the number plausibly encodes YYYYMMDD.
func isDateStamp(n int) bool {
	if n < 20000101 || n > 21001231 {
		return false
	}
	month := n / 100 % 100
	day := n % 100
	return month >= 1 && month <= 12 && day >= 1 && day <= 31
}

// Compare orders candidate against current under the scheme. The second
// return value is false when the pair cannot be ordered (opaque scheme or
// malformed input), in which case only digest equality applies.
func Compare(current, candidate string, scheme Scheme) (Comparison, bool) {
	switch scheme {
	case SchemeSemVer:
		return compareSemVer(current, candidate)
	case SchemeCalVer:
		return compareCalVer(current, candidate)
	default:
		return Comparison{}, false
	}
}

func compareSemVer(current, candidate string) (Comparison, bool) {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return Comparison{}, false
	}
	cand, err := semver.NewVersion(candidate)
	if err != nil {
		return Comparison{}, false
	}
	cmp := Comparison{Order: cand.Compare(cur), ChangeType: models.ChangeNone}
	switch {
	case cand.Major() != cur.Major():
		cmp.ChangeType = models.ChangeMajor
	case cand.Minor() != cur.Minor():
		cmp.ChangeType = models.ChangeMinor
	case cand.Patch() != cur.Patch() || cand.Prerelease() != cur.Prerelease():
		if cmp.Order != 0 {
			cmp.ChangeType = models.ChangePatch
		}
	}
	return cmp, true
}

func compareCalVer(current, candidate string) (Comparison, bool) {
	cur, ok := calverComponents(current)
	if !ok {
		return Comparison{}, false
	}
	cand, ok := calverComponents(candidate)
	if !ok {
		return Comparison{}, false
	}
	for len(cur) < 3 {
		cur = append(cur, 0)
	}
	for len(cand) < 3 {
		cand = append(cand, 0)
	}
	cmp := Comparison{ChangeType: models.ChangeNone}
	magnitudes := []models.ChangeType{models.ChangeMajor, models.ChangeMinor, models.ChangePatch}
	for i := 0; i < 3; i++ {
		if cand[i] == cur[i] {
			continue
		}
		cmp.ChangeType = magnitudes[i]
		if cand[i] > cur[i] {
			cmp.Order = 1
		} else {
			cmp.Order = -1
		}
		break
	}
	return cmp, true
}

// calverComponents decomposes a calendar version into year/month/patch.
// YYYYMMDD stamps become (year, month, day).
func calverComponents(tag string) ([]int, bool) {
	base := strings.TrimPrefix(tag, "v")
	if i := strings.IndexAny(base, "-+"); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, ".")
	nums := make([]int, 0, 3)
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		nums = append(nums, n)
	}
	if len(nums) == 1 {
		if !isDateStamp(nums[0]) {
			return nil, false
		}
		n := nums[0]
		return []int{n / 10000, n / 100 % 100, n % 100}, true
	}
	if len(nums) > 3 {
		return nil, false
	}
	return nums, true
}

// IsPrerelease reports whether a tag carries a pre-release marker under
// the scheme. Only SemVer defines pre-releases.
func IsPrerelease(tag string, scheme Scheme) bool {
	if scheme != SchemeSemVer {
		return false
	}
	v, err := semver.NewVersion(tag)
	if err != nil {
		return false
	}
	return v.Prerelease() != ""
}

// SortDescending returns the tags that parse under the scheme, newest
// first. Unparseable tags are dropped rather than erroring.
func SortDescending(tags []string, scheme Scheme) []string {
	ordered := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := Compare(t, t, scheme); ok {
			ordered = append(ordered, t)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		cmp, _ := Compare(ordered[j], ordered[i], scheme)
		return cmp.Order > 0
	})
	return ordered
}
