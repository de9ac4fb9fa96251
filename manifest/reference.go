package manifest

// SegmentReference carries the metadata needed to fetch one media
// segment. Times are period-relative. ByteRangeEnd of -1 means "to end
// of resource".
type SegmentReference struct {
	Position       uint64
	StartTime      float64
	EndTime        float64
	URIs           []string
	ByteRangeStart int64
	ByteRangeEnd   int64
}

// Duration returns the segment duration in seconds.
func (r *SegmentReference) Duration() float64 {
	return r.EndTime - r.StartTime
}

// InitSegmentReference locates an initialization segment. Init segments
// carry no media times.
type InitSegmentReference struct {
	URIs           []string
	ByteRangeStart int64
	ByteRangeEnd   int64
}
