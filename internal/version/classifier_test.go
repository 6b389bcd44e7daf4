package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborwatch/harborwatch/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want Scheme
	}{
		{
			name: "semver majority",
			tags: []string{"1.2.0", "1.2.1", "1.3.0", "2.0.0", "latest"},
			want: SchemeSemVer,
		},
		{
			name: "semver with v prefix",
			tags: []string{"v1.0.0", "v1.1.0", "v2.0.0-rc.1"},
			want: SchemeSemVer,
		},
		{
			name: "calver year dot month",
			tags: []string{"2024.01", "2024.02", "2024.03.1"},
			want: SchemeCalVer,
		},
		{
			name: "calver date stamps",
			tags: []string{"20240115", "20240210", "20240301"},
			want: SchemeCalVer,
		},
		{
			name: "calver wins ties over semver",
			tags: []string{"2024.01", "1.2.0"},
			want: SchemeCalVer,
		},
		{
			name: "opaque names",
			tags: []string{"latest", "stable", "bullseye", "alpine"},
			want: SchemeOpaque,
		},
		{
			name: "opaque hashes",
			tags: []string{"a1b2c3d", "deadbeef", "cafebabe"},
			want: SchemeOpaque,
		},
		{
			name: "minority of versioned tags stays opaque",
			tags: []string{"1.2.0", "latest", "stable", "edge", "nightly"},
			want: SchemeOpaque,
		},
		{
			name: "empty history",
			tags: nil,
			want: SchemeOpaque,
		},
		{
			name: "four components are opaque",
			tags: []string{"1.2.3.4", "1.2.3.5"},
			want: SchemeOpaque,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.tags))
		})
	}
}

func TestSchemeForOverride(t *testing.T) {
	calver := "calver"
	assert.Equal(t, SchemeCalVer, SchemeFor(&calver, []string{"1.2.0", "1.3.0"}))

	bogus := "lexicographic"
	assert.Equal(t, SchemeSemVer, SchemeFor(&bogus, []string{"1.2.0", "1.3.0"}))

	assert.Equal(t, SchemeSemVer, SchemeFor(nil, []string{"1.2.0", "1.3.0"}))
}

func TestCompareSemVer(t *testing.T) {
	tests := []struct {
		current   string
		candidate string
		order     int
		change    models.ChangeType
	}{
		{"1.2.0", "1.2.1", 1, models.ChangePatch},
		{"1.2.0", "1.3.0", 1, models.ChangeMinor},
		{"1.2.0", "2.0.0", 1, models.ChangeMajor},
		{"1.2.1", "1.2.0", -1, models.ChangePatch},
		{"2.0.0", "1.9.9", -1, models.ChangeMajor},
		{"1.2.0", "1.2.0", 0, models.ChangeNone},
		{"1.2.0-rc.1", "1.2.0", 1, models.ChangePatch},
	}
	for _, tt := range tests {
		t.Run(tt.current+"_vs_"+tt.candidate, func(t *testing.T) {
			cmp, ok := Compare(tt.current, tt.candidate, SchemeSemVer)
			require.True(t, ok)
			assert.Equal(t, tt.order, cmp.Order)
			assert.Equal(t, tt.change, cmp.ChangeType)
		})
	}
}

// Comparing in both directions must flip the sign but keep the magnitude.
func TestCompareAntisymmetry(t *testing.T) {
	pairs := [][2]string{
		{"1.2.0", "1.3.0"},
		{"1.2.0", "2.0.0"},
		{"2024.01", "2024.02"},
		{"2023.12.1", "2024.01.0"},
	}
	for _, scheme := range []Scheme{SchemeSemVer, SchemeCalVer} {
		for _, pair := range pairs {
			fwd, okFwd := Compare(pair[0], pair[1], scheme)
			rev, okRev := Compare(pair[1], pair[0], scheme)
			if !okFwd || !okRev {
				continue
			}
			assert.Equal(t, -fwd.Order, rev.Order, "%s vs %s under %s", pair[0], pair[1], scheme)
			assert.Equal(t, fwd.ChangeType, rev.ChangeType)
		}
	}
}

func TestCompareCalVer(t *testing.T) {
	tests := []struct {
		current   string
		candidate string
		order     int
		change    models.ChangeType
	}{
		{"2023.12", "2024.01", 1, models.ChangeMajor},
		{"2024.01", "2024.02", 1, models.ChangeMinor},
		{"2024.01.0", "2024.01.1", 1, models.ChangePatch},
		{"2024.02", "2024.01", -1, models.ChangeMinor},
		{"20240115", "20240210", 1, models.ChangeMinor},
		{"2024.01", "2024.01", 0, models.ChangeNone},
	}
	for _, tt := range tests {
		t.Run(tt.current+"_vs_"+tt.candidate, func(t *testing.T) {
			cmp, ok := Compare(tt.current, tt.candidate, SchemeCalVer)
			require.True(t, ok)
			assert.Equal(t, tt.order, cmp.Order)
			assert.Equal(t, tt.change, cmp.ChangeType)
		})
	}
}

func TestCompareOpaqueNeverOrders(t *testing.T) {
	_, ok := Compare("latest", "stable", SchemeOpaque)
	assert.False(t, ok)

	// Malformed inputs under an ordered scheme also refuse to order.
	_, ok = Compare("latest", "1.2.0", SchemeSemVer)
	assert.False(t, ok)
	_, ok = Compare("2024.01", "latest", SchemeCalVer)
	assert.False(t, ok)
}

func TestIsPrerelease(t *testing.T) {
	assert.True(t, IsPrerelease("1.2.0-rc.1", SchemeSemVer))
	assert.True(t, IsPrerelease("2.0.0-beta", SchemeSemVer))
	assert.False(t, IsPrerelease("1.2.0", SchemeSemVer))
	// Pre-release markers only exist under semver.
	assert.False(t, IsPrerelease("2024.01-rc.1", SchemeCalVer))
	assert.False(t, IsPrerelease("anything-rc.1", SchemeOpaque))
}

func TestSortDescending(t *testing.T) {
	got := SortDescending([]string{"1.2.0", "latest", "2.0.0", "1.10.0"}, SchemeSemVer)
	assert.Equal(t, []string{"2.0.0", "1.10.0", "1.2.0"}, got)

	got = SortDescending([]string{"2024.01", "2023.12", "2024.02"}, SchemeCalVer)
	assert.Equal(t, []string{"2024.02", "2024.01", "2023.12"}, got)

	assert.Empty(t, SortDescending([]string{"latest", "stable"}, SchemeOpaque))
}
