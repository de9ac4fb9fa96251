package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func refs(times ...float64) []*SegmentReference {
	var out []*SegmentReference
	for i := 0; i+1 < len(times); i += 2 {
		out = append(out, &SegmentReference{
			Position:  uint64(i / 2),
			StartTime: times[i],
			EndTime:   times[i+1],
			URIs:      []string{"seg"},
		})
	}
	return out
}

func TestSegmentIndexFind(t *testing.T) {
	si := NewSegmentIndex(refs(0, 10, 10, 20, 20, 30))

	testCases := []struct {
		desc    string
		time    float64
		wantPos uint64
		wantOK  bool
	}{
		{desc: "start", time: 0, wantPos: 0, wantOK: true},
		{desc: "mid_segment", time: 5, wantPos: 0, wantOK: true},
		{desc: "boundary", time: 10, wantPos: 1, wantOK: true},
		{desc: "last_segment", time: 29.9, wantPos: 2, wantOK: true},
		{desc: "past_end", time: 30, wantOK: false},
		{desc: "before_start", time: -1, wantPos: 0, wantOK: true},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			pos, ok := si.Find(tc.time)
			require.Equal(t, tc.wantOK, ok)
			if ok {
				require.Equal(t, tc.wantPos, pos)
			}
		})
	}
}

func TestSegmentIndexFindInGap(t *testing.T) {
	si := NewSegmentIndex([]*SegmentReference{
		{Position: 0, StartTime: 0, EndTime: 10},
		{Position: 1, StartTime: 10.5, EndTime: 20},
	})
	pos, ok := si.Find(10.2)
	require.True(t, ok)
	require.Equal(t, uint64(1), pos)
}

func TestSegmentIndexGet(t *testing.T) {
	si := NewSegmentIndex(refs(0, 10, 10, 20))

	ref, ok := si.Get(1)
	require.True(t, ok)
	require.Equal(t, 10.0, ref.StartTime)

	_, ok = si.Get(7)
	require.False(t, ok)
}

func TestSegmentIndexMerge(t *testing.T) {
	si := NewSegmentIndex(refs(0, 10, 10, 20))
	si.Merge([]*SegmentReference{
		{Position: 1, StartTime: 10, EndTime: 20}, // duplicate, ignored
		{Position: 2, StartTime: 20, EndTime: 30},
	})
	require.Equal(t, 3, si.Count())

	last, ok := si.Last()
	require.True(t, ok)
	require.Equal(t, uint64(2), last.Position)
}

func TestSegmentIndexEvictBefore(t *testing.T) {
	si := NewSegmentIndex(refs(0, 10, 10, 20, 20, 30))
	si.EvictBefore(15)
	require.Equal(t, 2, si.Count())

	// The partially covered segment stays.
	pos, ok := si.Find(15)
	require.True(t, ok)
	require.Equal(t, uint64(1), pos)

	si.EvictBefore(100)
	require.Equal(t, 0, si.Count())
	_, ok = si.Find(0)
	require.False(t, ok)
}
