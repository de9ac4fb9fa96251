package manifest

import (
	"math"
	"time"
)

// PresentationTimeline tracks the presentation duration and, for live
// content, the availability window that slides with wall-clock time.
//
// For VOD the window is [0, duration]. For live, the window end is the
// newest presentation time whose segment is fully available, and the
// window start trails it by the availability duration.
type PresentationTimeline struct {
	duration             float64
	static               bool
	presentationStart    time.Time
	availabilityDuration float64
	maxSegmentDuration   float64

	// now is replaceable so live-window arithmetic is testable.
	now func() time.Time
}

// NewVODTimeline creates a static timeline of the given duration.
func NewVODTimeline(duration float64) *PresentationTimeline {
	return &PresentationTimeline{
		duration: duration,
		static:   true,
		now:      time.Now,
	}
}

// NewLiveTimeline creates a sliding-window timeline. presentationStart
// is the wall-clock instant of presentation time zero;
// availabilityDuration is the window size in seconds.
func NewLiveTimeline(presentationStart time.Time, availabilityDuration float64) *PresentationTimeline {
	return &PresentationTimeline{
		duration:             math.Inf(1),
		presentationStart:    presentationStart,
		availabilityDuration: availabilityDuration,
		now:                  time.Now,
	}
}

// SetNowFunc replaces the wall clock. Tests drive the window with it.
func (tl *PresentationTimeline) SetNowFunc(now func() time.Time) { tl.now = now }

// SetDuration sets the presentation duration.
func (tl *PresentationTimeline) SetDuration(d float64) { tl.duration = d }

// Duration returns the presentation duration, +Inf while live.
func (tl *PresentationTimeline) Duration() float64 { return tl.duration }

// IsLive reports whether the window slides with wall-clock time.
func (tl *PresentationTimeline) IsLive() bool { return !tl.static }

// SetMaxSegmentDuration records the largest known segment duration,
// which delays the window end so only complete segments are requested.
func (tl *PresentationTimeline) SetMaxSegmentDuration(d float64) {
	tl.maxSegmentDuration = d
}

// AvailabilityStart returns the earliest presentation time that may be
// requested.
func (tl *PresentationTimeline) AvailabilityStart() float64 {
	if tl.static {
		return 0
	}
	start := tl.AvailabilityEnd() - tl.availabilityDuration
	return math.Max(0, start)
}

// AvailabilityEnd returns the latest presentation time that may be
// requested.
func (tl *PresentationTimeline) AvailabilityEnd() float64 {
	if tl.static {
		return tl.duration
	}
	elapsed := tl.now().Sub(tl.presentationStart).Seconds()
	end := elapsed - tl.maxSegmentDuration
	return math.Min(math.Max(0, end), tl.duration)
}
