package text

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
)

// Track receives cues as they enter and leave the store. The rendering
// side of the player implements it.
type Track interface {
	AddCue(cue *Cue)
	RemoveCue(cue *Cue)
}

// Engine stores parsed cues sorted by start time and serves the
// buffered-range queries the streaming engine makes for the text type.
//
// Destroy is safe concurrently with a pending AppendBuffer or Remove:
// the in-flight call completes and later calls become no-ops.
type Engine struct {
	mu     sync.Mutex
	logger *slog.Logger
	track  Track

	parser          Parser
	initialized     bool
	cues            []*Cue
	timestampOffset float64
	appendWindowEnd float64
	destroyed       bool
}

// NewEngine creates a text engine feeding cues to track. track may be
// nil when no renderer is attached.
func NewEngine(logger *slog.Logger, track Track) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:          logger.With("component", "textengine"),
		track:           track,
		appendWindowEnd: math.Inf(1),
	}
}

// InitParser instantiates the registered parser for mimeType.
func (e *Engine) InitParser(mimeType string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}
	parser, ok := newParser(mimeType)
	if !ok {
		return fmt.Errorf("no text parser registered for %q", mimeType)
	}
	e.parser = parser
	e.initialized = false
	return nil
}

// AppendBuffer parses data and stores the resulting cues. A call with
// nil segment bounds feeds the init segment; a call with bounds parses
// media. Cues starting at or after the append window end are dropped.
func (e *Engine) AppendBuffer(data []byte, segmentStart, segmentEnd *float64) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return nil
	}
	parser := e.parser
	if parser == nil {
		e.mu.Unlock()
		return fmt.Errorf("text engine has no parser; call InitParser first")
	}
	offset := e.timestampOffset
	e.mu.Unlock()

	// Init segments are appended without segment bounds.
	if segmentStart == nil || segmentEnd == nil {
		if err := parser.ParseInit(data); err != nil {
			return err
		}
		e.mu.Lock()
		e.initialized = true
		e.mu.Unlock()
		return nil
	}

	cues, err := parser.ParseMedia(data, TimeContext{
		PeriodStart:  offset,
		SegmentStart: *segmentStart,
		SegmentEnd:   *segmentEnd,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}
	for _, cue := range cues {
		if cue.StartTime >= e.appendWindowEnd {
			continue
		}
		e.insertLocked(cue)
		if e.track != nil {
			e.track.AddCue(cue)
		}
	}
	return nil
}

// insertLocked inserts cue keeping e.cues sorted by start time.
func (e *Engine) insertLocked(cue *Cue) {
	i := sort.Search(len(e.cues), func(i int) bool {
		return e.cues[i].StartTime > cue.StartTime
	})
	e.cues = append(e.cues, nil)
	copy(e.cues[i+1:], e.cues[i:])
	e.cues[i] = cue
}

// Remove drops cues whose interval overlaps [start, end).
func (e *Engine) Remove(start, end float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil
	}
	kept := e.cues[:0]
	for _, cue := range e.cues {
		if cue.StartTime < end && cue.EndTime > start {
			if e.track != nil {
				e.track.RemoveCue(cue)
			}
			continue
		}
		kept = append(kept, cue)
	}
	e.cues = kept
	return nil
}

// SetTimestampOffset sets the period start passed to the parser.
func (e *Engine) SetTimestampOffset(periodStart float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timestampOffset = periodStart
}

// SetAppendWindowEnd clamps BufferEnd and filters subsequent appends.
func (e *Engine) SetAppendWindowEnd(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.appendWindowEnd = t
}

// BufferStart returns the earliest stored cue start, or false when
// empty.
func (e *Engine) BufferStart() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cues) == 0 {
		return 0, false
	}
	return e.cues[0].StartTime, true
}

// BufferEnd returns the latest stored cue end clamped by the append
// window, or false when empty.
func (e *Engine) BufferEnd() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bufferEndLocked()
}

func (e *Engine) bufferEndLocked() (float64, bool) {
	if len(e.cues) == 0 {
		return 0, false
	}
	end := math.Inf(-1)
	for _, cue := range e.cues {
		end = math.Max(end, cue.EndTime)
	}
	return math.Min(end, e.appendWindowEnd), true
}

// BufferedAheadOf returns the seconds buffered past t. Gaps between
// cues are ignored; the buffered range is the convex span of stored
// cues.
func (e *Engine) BufferedAheadOf(t float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cues) == 0 {
		return 0
	}
	end, ok := e.bufferEndLocked()
	if !ok || t >= end {
		return 0
	}
	if t < e.cues[0].StartTime {
		return 0
	}
	return end - t
}

// Destroy releases the store. Subsequent operations are no-ops.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
	e.cues = nil
	e.parser = nil
}
