package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVODTimelineWindow(t *testing.T) {
	tl := NewVODTimeline(120)
	require.False(t, tl.IsLive())
	require.Equal(t, 0.0, tl.AvailabilityStart())
	require.Equal(t, 120.0, tl.AvailabilityEnd())
	require.Equal(t, 120.0, tl.Duration())
}

func TestLiveTimelineSlidingWindow(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(100 * time.Second)

	tl := NewLiveTimeline(start, 30)
	tl.SetNowFunc(func() time.Time { return now })
	tl.SetMaxSegmentDuration(4)

	require.True(t, tl.IsLive())
	require.InDelta(t, 96, tl.AvailabilityEnd(), 1e-9)
	require.InDelta(t, 66, tl.AvailabilityStart(), 1e-9)

	// The window slides with the clock.
	now = now.Add(10 * time.Second)
	require.InDelta(t, 106, tl.AvailabilityEnd(), 1e-9)
	require.InDelta(t, 76, tl.AvailabilityStart(), 1e-9)
}

func TestLiveTimelineClampsToDuration(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tl := NewLiveTimeline(start, 30)
	tl.SetDuration(40)
	tl.SetNowFunc(func() time.Time { return start.Add(1000 * time.Second) })

	require.Equal(t, 40.0, tl.AvailabilityEnd())
}

func TestLiveTimelineEarlyWindow(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tl := NewLiveTimeline(start, 30)
	tl.SetNowFunc(func() time.Time { return start.Add(5 * time.Second) })

	require.InDelta(t, 5, tl.AvailabilityEnd(), 1e-9)
	require.Equal(t, 0.0, tl.AvailabilityStart())
}

func TestManifestPeriodIndex(t *testing.T) {
	m := &Manifest{
		Timeline: NewVODTimeline(40),
		Periods: []*Period{
			{StartTime: 0},
			{StartTime: 20},
		},
	}

	testCases := []struct {
		time float64
		want int
	}{
		{time: 0, want: 0},
		{time: 19.9, want: 0},
		{time: 20, want: 1},
		{time: 35, want: 1},
		{time: -5, want: 0},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, m.PeriodIndex(tc.time), "time %v", tc.time)
	}

	require.Equal(t, 20.0, m.PeriodDuration(0))
	require.Equal(t, 20.0, m.PeriodDuration(1))
}
