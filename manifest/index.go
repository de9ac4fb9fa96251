package manifest

import "sort"

// SegmentIndex maps period-relative times to segment references. The
// references are kept sorted by start time; lookup is by binary search.
type SegmentIndex struct {
	references []*SegmentReference
}

// NewSegmentIndex creates an index over references, sorting them by
// start time.
func NewSegmentIndex(references []*SegmentReference) *SegmentIndex {
	refs := make([]*SegmentReference, len(references))
	copy(refs, references)
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].StartTime < refs[j].StartTime
	})
	return &SegmentIndex{references: refs}
}

// Find returns the position of the segment containing t. A time in the
// gap between two segments maps to the following segment, matching how
// small timestamp misalignments between audio and video are absorbed.
// A time at or past the end of the last segment has no position.
func (si *SegmentIndex) Find(t float64) (uint64, bool) {
	i := sort.Search(len(si.references), func(i int) bool {
		return si.references[i].EndTime > t
	})
	if i == len(si.references) {
		return 0, false
	}
	return si.references[i].Position, true
}

// Get returns the reference at position.
func (si *SegmentIndex) Get(position uint64) (*SegmentReference, bool) {
	i := sort.Search(len(si.references), func(i int) bool {
		return si.references[i].Position >= position
	})
	if i < len(si.references) && si.references[i].Position == position {
		return si.references[i], true
	}
	return nil, false
}

// Merge adds references from a manifest update, skipping positions the
// index already holds. Incoming references must not regress in time.
func (si *SegmentIndex) Merge(references []*SegmentReference) {
	for _, r := range references {
		if _, ok := si.Get(r.Position); ok {
			continue
		}
		si.references = append(si.references, r)
	}
	sort.Slice(si.references, func(i, j int) bool {
		return si.references[i].StartTime < si.references[j].StartTime
	})
}

// EvictBefore drops references that end at or before t, for live
// content whose segments have slid out of the availability window.
func (si *SegmentIndex) EvictBefore(t float64) {
	first := 0
	for first < len(si.references) && si.references[first].EndTime <= t {
		first++
	}
	si.references = si.references[first:]
}

// Count returns the number of references in the index.
func (si *SegmentIndex) Count() int { return len(si.references) }

// Last returns the final reference, or false on an empty index.
func (si *SegmentIndex) Last() (*SegmentReference, bool) {
	if len(si.references) == 0 {
		return nil, false
	}
	return si.references[len(si.references)-1], true
}
