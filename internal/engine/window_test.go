package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// at builds a local timestamp on a known weekday. 2024-01-01 is a Monday.
func at(day time.Weekday, hour, minute int) time.Time {
	base := time.Date(2024, 1, 1, hour, minute, 0, 0, time.UTC)
	offset := (int(day) - int(time.Monday) + 7) % 7
	return base.AddDate(0, 0, offset)
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"", false},
		{"22:00-06:00", false},
		{"daily 02:00-04:00", false},
		{"mon,tue 22:00-06:00", false},
		{"weekend 00:00-08:00", false},
		{"weekdays 01:00-03:00", false},
		{"not a window", true},
		{"mon 22:00", true},
		{"mon 25:00-06:00", true},
		{"mon 22:00-22:00", true},
		{"tomorrow 22:00-06:00", true},
		{"mon tue 22:00-06:00", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := ParseWindow(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUnsetWindowPermitsEverything(t *testing.T) {
	w, err := ParseWindow("")
	require.NoError(t, err)
	assert.False(t, w.IsSet())
	assert.True(t, w.Contains(at(time.Wednesday, 13, 37)))
}

func TestWindowSameDayRange(t *testing.T) {
	w, err := ParseWindow("02:00-04:00")
	require.NoError(t, err)

	assert.True(t, w.Contains(at(time.Monday, 2, 0)))
	assert.True(t, w.Contains(at(time.Monday, 3, 59)))
	assert.False(t, w.Contains(at(time.Monday, 4, 0)), "end is exclusive")
	assert.False(t, w.Contains(at(time.Monday, 10, 0)))
}

// A window wrapping midnight contains late evening and early morning, but
// not mid-day.
func TestWindowWrapsMidnight(t *testing.T) {
	w, err := ParseWindow("22:00-06:00")
	require.NoError(t, err)

	assert.True(t, w.Contains(at(time.Monday, 22, 0)))
	assert.True(t, w.Contains(at(time.Monday, 23, 30)))
	assert.True(t, w.Contains(at(time.Tuesday, 2, 0)))
	assert.True(t, w.Contains(at(time.Tuesday, 5, 59)))
	assert.False(t, w.Contains(at(time.Tuesday, 6, 0)))
	assert.False(t, w.Contains(at(time.Monday, 10, 0)))
}

// A wrapping window belongs to the day it starts on: Monday 22:00-06:00
// covers Tuesday 02:00 but not Wednesday 02:00.
func TestWrappingWindowBelongsToStartDay(t *testing.T) {
	w, err := ParseWindow("mon 22:00-06:00")
	require.NoError(t, err)

	assert.True(t, w.Contains(at(time.Monday, 23, 0)))
	assert.True(t, w.Contains(at(time.Tuesday, 2, 0)))
	assert.False(t, w.Contains(at(time.Tuesday, 23, 0)))
	assert.False(t, w.Contains(at(time.Wednesday, 2, 0)))
}

func TestWindowDayGroups(t *testing.T) {
	w, err := ParseWindow("weekend 01:00-05:00")
	require.NoError(t, err)
	assert.True(t, w.Contains(at(time.Saturday, 2, 0)))
	assert.True(t, w.Contains(at(time.Sunday, 2, 0)))
	assert.False(t, w.Contains(at(time.Monday, 2, 0)))

	w, err = ParseWindow("weekdays 01:00-05:00")
	require.NoError(t, err)
	assert.True(t, w.Contains(at(time.Friday, 2, 0)))
	assert.False(t, w.Contains(at(time.Saturday, 2, 0)))
}
