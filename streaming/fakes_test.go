package streaming

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Eyevinn/streamcore/errs"
	"github.com/Eyevinn/streamcore/manifest"
	"github.com/Eyevinn/streamcore/netengine"
)

// Fake collaborators for engine tests: a settable playhead, a media
// sink tracking buffered ranges, and a network engine serving segment
// bytes by URI with injectable failures.

type fakePlayhead struct {
	mu sync.Mutex
	t  float64
}

func (p *fakePlayhead) GetTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.t
}

func (p *fakePlayhead) Set(t float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t = t
}

type timeRange struct {
	start, end float64
}

type fakeSink struct {
	mu        sync.Mutex
	ranges    map[manifest.ContentType][]timeRange
	initCount map[manifest.ContentType]int
	mimeTypes map[manifest.ContentType]string
	duration  float64
	eosCount  int

	appendFailures map[manifest.ContentType]int
	appendFailErr  error
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		ranges:         make(map[manifest.ContentType][]timeRange),
		initCount:      make(map[manifest.ContentType]int),
		appendFailures: make(map[manifest.ContentType]int),
	}
}

func (s *fakeSink) failAppend(contentType manifest.ContentType, times int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendFailures[contentType] = times
	s.appendFailErr = err
}

func (s *fakeSink) Init(_ context.Context, mimeTypes map[manifest.ContentType]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mimeTypes = mimeTypes
	return nil
}

func (s *fakeSink) SetDuration(_ context.Context, d float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duration = d
	return nil
}

func (s *fakeSink) GetDuration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *fakeSink) AppendBuffer(_ context.Context, contentType manifest.ContentType, _ []byte, startTime, endTime *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendFailures[contentType] > 0 {
		s.appendFailures[contentType]--
		return s.appendFailErr
	}
	if startTime == nil || endTime == nil {
		s.initCount[contentType]++
		return nil
	}
	ranges := s.ranges[contentType]
	if n := len(ranges); n > 0 && *startTime <= ranges[n-1].end+0.001 {
		ranges[n-1].end = *endTime
	} else {
		ranges = append(ranges, timeRange{start: *startTime, end: *endTime})
	}
	s.ranges[contentType] = ranges
	return nil
}

func (s *fakeSink) Remove(_ context.Context, contentType manifest.ContentType, start, end float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []timeRange
	for _, r := range s.ranges[contentType] {
		if r.end <= start || r.start >= end {
			kept = append(kept, r)
			continue
		}
		if r.start < start {
			kept = append(kept, timeRange{start: r.start, end: start})
		}
		if r.end > end {
			kept = append(kept, timeRange{start: end, end: r.end})
		}
	}
	s.ranges[contentType] = kept
	return nil
}

func (s *fakeSink) Clear(ctx context.Context, contentType manifest.ContentType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ranges, contentType)
	return nil
}

func (s *fakeSink) EndOfStream(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eosCount++
	return nil
}

func (s *fakeSink) BufferStart(contentType manifest.ContentType) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ranges := s.ranges[contentType]
	if len(ranges) == 0 {
		return 0, false
	}
	return ranges[0].start, true
}

func (s *fakeSink) BufferEnd(contentType manifest.ContentType) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ranges := s.ranges[contentType]
	if len(ranges) == 0 {
		return 0, false
	}
	return ranges[len(ranges)-1].end, true
}

func (s *fakeSink) IsBuffered(contentType manifest.ContentType, t float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.ranges[contentType] {
		if t >= r.start && t < r.end {
			return true
		}
	}
	return false
}

func (s *fakeSink) BufferedAheadOf(contentType manifest.ContentType, t float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.ranges[contentType] {
		if t >= r.start && t < r.end {
			return r.end - t
		}
	}
	return 0
}

func (s *fakeSink) rangesFor(contentType manifest.ContentType) []timeRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]timeRange, len(s.ranges[contentType]))
	copy(out, s.ranges[contentType])
	return out
}

func (s *fakeSink) endOfStreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eosCount
}

func (s *fakeSink) initsFor(contentType manifest.ContentType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initCount[contentType]
}

// vttSegmentDoc is the payload served for every text segment URI: one
// cue covering the whole ten-second segment, times relative to the
// segment start.
const vttSegmentDoc = "WEBVTT\n\n00:00.000 --> 00:10.000\ncue\n"

type fakeNet struct {
	mu       sync.Mutex
	data     map[string][]byte
	failures map[string]int
	failErr  error
	requests []string
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		data:     make(map[string][]byte),
		failures: make(map[string]int),
		failErr: errs.Newf(errs.CategoryNetwork, errs.SeverityRecoverable,
			errs.CodeBadHTTPStatus, "injected failure"),
	}
}

func (n *fakeNet) Request(_ context.Context, _ netengine.RequestType, req *netengine.Request) (*netengine.Response, error) {
	uri := req.URIs[0]
	n.mu.Lock()
	n.requests = append(n.requests, uri)
	if n.failures[uri] > 0 {
		n.failures[uri]--
		err := n.failErr
		n.mu.Unlock()
		return nil, err
	}
	data, ok := n.data[uri]
	n.mu.Unlock()
	if !ok {
		if strings.Contains(uri, "_text_") {
			data = []byte(vttSegmentDoc)
		} else {
			data = []byte(uri)
		}
	}
	return &netengine.Response{Data: data, URI: uri}, nil
}

func (n *fakeNet) failOnce(uri string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[uri] = 1
}

func (n *fakeNet) requestedURIs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.requests))
	copy(out, n.requests)
	return out
}

func (n *fakeNet) requested(uri string) bool {
	for _, r := range n.requestedURIs() {
		if r == uri {
			return true
		}
	}
	return false
}

// buildStream creates a stream with a pre-computed segment index.
// Segment URIs are "<period>_<type>_<n>" with n starting at 1, init
// URIs "<period>_<type>_init".
func buildStream(id uint32, contentType manifest.ContentType, periodNum, segs int, segDur float64) *manifest.Stream {
	name := fmt.Sprintf("%d_%s", periodNum, contentType)
	var refs []*manifest.SegmentReference
	for i := 0; i < segs; i++ {
		refs = append(refs, &manifest.SegmentReference{
			Position:  uint64(i),
			StartTime: float64(i) * segDur,
			EndTime:   float64(i+1) * segDur,
			URIs:      []string{fmt.Sprintf("%s_%d", name, i+1)},
		})
	}
	index := manifest.NewSegmentIndex(refs)

	mimeTypes := map[manifest.ContentType]string{
		manifest.ContentTypeAudio: "audio/mp4",
		manifest.ContentTypeVideo: "video/mp4",
		manifest.ContentTypeText:  "text/vtt",
	}
	stream := &manifest.Stream{
		ID:                 id,
		Type:               contentType,
		MimeType:           mimeTypes[contentType],
		CreateSegmentIndex: func() error { return nil },
		FindPosition:       index.Find,
		GetReference:       index.Get,
	}
	if contentType != manifest.ContentTypeText {
		stream.InitSegmentReference = &manifest.InitSegmentReference{
			URIs: []string{name + "_init"},
		}
	}
	return stream
}

// buildManifest creates periods of equal length with one variant and,
// optionally, one text stream each.
func buildManifest(timeline *manifest.PresentationTimeline, numPeriods, segsPerPeriod int, segDur float64, withText bool) *manifest.Manifest {
	m := &manifest.Manifest{Timeline: timeline}
	id := uint32(1)
	for p := 0; p < numPeriods; p++ {
		period := &manifest.Period{
			StartTime: float64(p) * float64(segsPerPeriod) * segDur,
		}
		audio := buildStream(id, manifest.ContentTypeAudio, p+1, segsPerPeriod, segDur)
		id++
		video := buildStream(id, manifest.ContentTypeVideo, p+1, segsPerPeriod, segDur)
		id++
		period.Variants = []*manifest.Variant{{ID: id, Audio: audio, Video: video}}
		id++
		if withText {
			period.TextStreams = []*manifest.Stream{
				buildStream(id, manifest.ContentTypeText, p+1, segsPerPeriod, segDur),
			}
			id++
		}
		m.Periods = append(m.Periods, period)
	}
	return m
}

// harness wires an engine to fakes and records callback activity.
type harness struct {
	engine   *Engine
	sink     *fakeSink
	net      *fakeNet
	playhead *fakePlayhead

	mu               sync.Mutex
	errors           []error
	startupCount     int
	initialSetup     int
	canSwitchPeriods []float64
	manifestUpdates  int
	events           []*EmsgEvent
}

func newHarness(t *testing.T, m *manifest.Manifest, configure func(*Config)) *harness {
	t.Helper()
	h := &harness{
		sink:     newFakeSink(),
		net:      newFakeNet(),
		playhead: &fakePlayhead{},
	}

	cfg := DefaultConfig()
	cfg.BufferingGoal = 1000
	cfg.BufferBehind = 1000
	if configure != nil {
		configure(&cfg)
	}

	callbacks := PlayerCallbacks{
		OnChooseStreams: func(period *manifest.Period) ChosenStreams {
			chosen := ChosenStreams{}
			if len(period.Variants) > 0 {
				chosen.Audio = period.Variants[0].Audio
				chosen.Video = period.Variants[0].Video
			}
			if len(period.TextStreams) > 0 {
				chosen.Text = period.TextStreams[0]
			}
			return chosen
		},
		OnCanSwitch: func(period *manifest.Period) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.canSwitchPeriods = append(h.canSwitchPeriods, period.StartTime)
		},
		OnInitialStreamsSetup: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.initialSetup++
		},
		OnStartupComplete: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.startupCount++
		},
		OnError: func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.errors = append(h.errors, err)
		},
		OnEvent: func(event *EmsgEvent) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, event)
		},
		OnManifestUpdate: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.manifestUpdates++
		},
	}

	h.engine = New(nil, m, Dependencies{
		Playhead:  h.playhead,
		Sink:      h.sink,
		Net:       h.net,
		Callbacks: callbacks,
		Config:    cfg,
	})
	t.Cleanup(h.engine.Destroy)
	return h
}

func (h *harness) errorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.errors)
}

func (h *harness) firstError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errors) == 0 {
		return nil
	}
	return h.errors[0]
}

func (h *harness) startupCompleteCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startupCount
}

func (h *harness) canSwitchCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.canSwitchPeriods)
}

func (h *harness) eventCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *harness) manifestUpdateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manifestUpdates
}
