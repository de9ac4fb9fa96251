// Package manifest holds the data model the streaming core operates on:
// a presentation of contiguous periods, each carrying variants and text
// streams, plus the segment references and availability timeline needed
// to turn a playhead time into a fetchable byte range.
package manifest

import "fmt"

// ContentType identifies one kind of stream within a period.
type ContentType string

const (
	ContentTypeAudio ContentType = "audio"
	ContentTypeVideo ContentType = "video"
	ContentTypeText  ContentType = "text"
)

// Manifest is an ordered, finite sequence of periods over one timeline.
type Manifest struct {
	Timeline      *PresentationTimeline
	Periods       []*Period
	MinBufferTime float64
}

// Period is a contiguous part of the presentation timeline with its own
// set of streams. Periods are non-overlapping and ordered by StartTime.
type Period struct {
	StartTime   float64
	Variants    []*Variant
	TextStreams []*Stream
}

// Variant is an audio+video pairing within a period. Either side may be
// nil for single-type content.
type Variant struct {
	ID        uint32
	Audio     *Stream
	Video     *Stream
	Bandwidth uint32
}

// Stream represents one content type within one period.
//
// The segment index is lazy: CreateSegmentIndex must complete before
// FindPosition and GetReference are used.
type Stream struct {
	ID       uint32
	Type     ContentType
	MimeType string
	Codecs   string

	InitSegmentReference *InitSegmentReference

	// CreateSegmentIndex populates the index backing FindPosition and
	// GetReference. The streaming engine calls it when the stream is
	// chosen and again when the whole period is indexed in the
	// background, so it can run more than once per period activation.
	CreateSegmentIndex func() error
	// FindPosition returns the position of the segment containing t
	// (period-relative), or false if no segment covers it.
	FindPosition func(t float64) (uint64, bool)
	// GetReference returns the reference at position, or false if the
	// position is out of range.
	GetReference func(position uint64) (*SegmentReference, bool)

	// ContainsEmsgBoxes marks streams whose media segments may carry
	// emsg event boxes.
	ContainsEmsgBoxes bool
	// TrickModeVideo is the trick-play counterpart of a video stream.
	TrickModeVideo *Stream
}

// PeriodIndex returns the index of the period containing time t.
// Times before the first period map to period 0; times at or past the
// last period's start map to the last period.
func (m *Manifest) PeriodIndex(t float64) int {
	idx := 0
	for i, p := range m.Periods {
		if t >= p.StartTime {
			idx = i
		}
	}
	return idx
}

// PeriodDuration returns the duration of period i, using the next
// period's start or the presentation duration as the upper bound.
func (m *Manifest) PeriodDuration(i int) float64 {
	if i < 0 || i >= len(m.Periods) {
		return 0
	}
	if i+1 < len(m.Periods) {
		return m.Periods[i+1].StartTime - m.Periods[i].StartTime
	}
	return m.Timeline.Duration() - m.Periods[i].StartTime
}

// StreamsByType returns the per-type streams of a chosen variant plus an
// optional text stream.
func StreamsByType(variant *Variant, text *Stream) map[ContentType]*Stream {
	out := make(map[ContentType]*Stream, 3)
	if variant != nil {
		if variant.Audio != nil {
			out[ContentTypeAudio] = variant.Audio
		}
		if variant.Video != nil {
			out[ContentTypeVideo] = variant.Video
		}
	}
	if text != nil {
		out[ContentTypeText] = text
	}
	return out
}

func (s *Stream) String() string {
	return fmt.Sprintf("%s stream %d (%s)", s.Type, s.ID, s.MimeType)
}
