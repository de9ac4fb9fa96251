package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Eyevinn/streamcore/internal/metrics"
	"github.com/Eyevinn/streamcore/manifest"
	"github.com/Eyevinn/streamcore/netengine"
	"github.com/Eyevinn/streamcore/text"
)

// Playhead reports the current playback time.
type Playhead interface {
	GetTime() float64
}

// MediaSink is the downstream buffer accepting init and media bytes for
// audio and video. It is assumed internally serialized per content
// type. Append times are presentation times; nil times mark init
// segments.
type MediaSink interface {
	Init(ctx context.Context, mimeTypes map[manifest.ContentType]string) error
	SetDuration(ctx context.Context, duration float64) error
	GetDuration() float64
	AppendBuffer(ctx context.Context, contentType manifest.ContentType, data []byte, startTime, endTime *float64) error
	Remove(ctx context.Context, contentType manifest.ContentType, start, end float64) error
	Clear(ctx context.Context, contentType manifest.ContentType) error
	EndOfStream(ctx context.Context) error
	BufferStart(contentType manifest.ContentType) (float64, bool)
	BufferEnd(contentType manifest.ContentType) (float64, bool)
	IsBuffered(contentType manifest.ContentType, t float64) bool
	BufferedAheadOf(contentType manifest.ContentType, t float64) float64
}

// ChosenStreams is the player's answer to OnChooseStreams: the per-type
// streams to play in a period. Text may be nil.
type ChosenStreams struct {
	Audio *manifest.Stream
	Video *manifest.Stream
	Text  *manifest.Stream
}

// PlayerCallbacks wires the engine to its owner. The engine never holds
// a reference back to the player; nil callbacks are skipped.
type PlayerCallbacks struct {
	// OnChooseStreams must return the streams to play in period. It is
	// invoked at startup and on every period transition.
	OnChooseStreams func(period *manifest.Period) ChosenStreams
	// OnCanSwitch fires once per period when all its streams are
	// indexed and Switch may be called.
	OnCanSwitch func(period *manifest.Period)
	// OnInitialStreamsSetup fires after the sink is initialized and
	// the initial streams are indexed.
	OnInitialStreamsSetup func()
	// OnStartupComplete fires when every type has appended at least
	// one media segment.
	OnStartupComplete func()
	// OnError surfaces classified errors.
	OnError func(err error)
	// OnEvent surfaces emsg events with schemes the engine does not
	// handle itself.
	OnEvent func(event *EmsgEvent)
	// OnManifestUpdate fires for emsg boxes carrying the DASH
	// manifest-update scheme.
	OnManifestUpdate func()
	// OnSegmentAppended fires after every media segment append.
	OnSegmentAppended func()
}

// Dependencies are the collaborators handed to New.
type Dependencies struct {
	Playhead  Playhead
	Sink      MediaSink
	Net       netengine.Engine
	TextTrack text.Track
	Callbacks PlayerCallbacks
	Config    Config
	Metrics   *metrics.Streaming
}

// Engine schedules per-content-type fetch loops over a manifest.
type Engine struct {
	logger    *slog.Logger
	playhead  Playhead
	sink      MediaSink
	net       netengine.Engine
	textSink  *text.Engine
	callbacks PlayerCallbacks
	metrics   *metrics.Streaming
	manifest  *manifest.Manifest

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	cfg                Config
	states             map[manifest.ContentType]*mediaState
	currentPeriodIndex int
	transitioning      bool
	startupComplete    bool
	endOfStreamCalled  bool
	canSwitchFired     map[int]bool
	destroyed          bool
	wg                 sync.WaitGroup
}

// New creates a streaming engine over m. Call Init to start it.
func New(logger *slog.Logger, m *manifest.Manifest, deps Dependencies) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	mets := deps.Metrics
	if mets == nil {
		mets = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		logger:         logger.With("component", "streaming"),
		playhead:       deps.Playhead,
		sink:           deps.Sink,
		net:            deps.Net,
		textSink:       text.NewEngine(logger, deps.TextTrack),
		callbacks:      deps.Callbacks,
		metrics:        mets,
		manifest:       m,
		ctx:            ctx,
		cancel:         cancel,
		cfg:            deps.Config,
		states:         make(map[manifest.ContentType]*mediaState),
		canSwitchFired: make(map[int]bool),
	}
}

// TextEngine exposes the engine-owned cue store for the renderer.
func (e *Engine) TextEngine() *text.Engine { return e.textSink }

// Init sets up the initial streams and starts the update loops. It
// returns once all initial media states are ready; building segment
// indices for the rest of the first period continues in the background
// and ends with OnCanSwitch.
func (e *Engine) Init(ctx context.Context) error {
	periodIndex := e.manifest.PeriodIndex(e.playhead.GetTime())
	chosen := e.chooseStreams(e.manifest.Periods[periodIndex])

	// The playhead may have moved while streams were being chosen; a
	// stale choice is discarded and redone for the right period.
	if needed := e.manifest.PeriodIndex(e.playhead.GetTime()); needed != periodIndex {
		periodIndex = needed
		chosen = e.chooseStreams(e.manifest.Periods[periodIndex])
	}

	streams := e.streamsOf(chosen)
	if len(streams) == 0 {
		return fmt.Errorf("no streams chosen for period %d", periodIndex)
	}

	mimeTypes := make(map[manifest.ContentType]string)
	for contentType, stream := range streams {
		if contentType == manifest.ContentTypeText {
			continue
		}
		mimeTypes[contentType] = stream.MimeType
	}
	if err := e.sink.Init(ctx, mimeTypes); err != nil {
		return err
	}
	if duration := e.manifest.Timeline.Duration(); !math.IsInf(duration, 1) {
		if err := e.sink.SetDuration(ctx, duration); err != nil {
			return err
		}
	}
	if textStream := streams[manifest.ContentTypeText]; textStream != nil {
		if err := e.textSink.InitParser(textStream.MimeType); err != nil {
			return err
		}
	}

	if err := createIndexes(ctx, mapValues(streams)); err != nil {
		return err
	}
	if cb := e.callbacks.OnInitialStreamsSetup; cb != nil {
		cb()
	}

	e.mu.Lock()
	e.currentPeriodIndex = periodIndex
	for contentType, stream := range streams {
		ms := newMediaState(contentType, stream, periodIndex)
		e.states[contentType] = ms
	}
	for _, ms := range e.states {
		e.scheduleUpdateLocked(ms, 0)
	}
	e.mu.Unlock()

	go e.setupPeriod(periodIndex)
	return nil
}

// chooseStreams invokes the player's chooser.
func (e *Engine) chooseStreams(period *manifest.Period) ChosenStreams {
	if cb := e.callbacks.OnChooseStreams; cb != nil {
		return cb(period)
	}
	return ChosenStreams{}
}

func (e *Engine) streamsOf(chosen ChosenStreams) map[manifest.ContentType]*manifest.Stream {
	streams := make(map[manifest.ContentType]*manifest.Stream, 3)
	if chosen.Audio != nil {
		streams[manifest.ContentTypeAudio] = chosen.Audio
	}
	if chosen.Video != nil {
		streams[manifest.ContentTypeVideo] = chosen.Video
	}
	if chosen.Text != nil {
		streams[manifest.ContentTypeText] = chosen.Text
	}
	return streams
}

// setupPeriod builds the segment indices for every stream in a period
// and fires OnCanSwitch once. It runs in the background.
func (e *Engine) setupPeriod(periodIndex int) {
	e.mu.Lock()
	if e.destroyed || e.canSwitchFired[periodIndex] {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	period := e.manifest.Periods[periodIndex]
	var streams []*manifest.Stream
	for _, variant := range period.Variants {
		if variant.Audio != nil {
			streams = append(streams, variant.Audio)
		}
		if variant.Video != nil {
			streams = append(streams, variant.Video)
			if variant.Video.TrickModeVideo != nil {
				streams = append(streams, variant.Video.TrickModeVideo)
			}
		}
	}
	streams = append(streams, period.TextStreams...)

	if err := createIndexes(e.ctx, streams); err != nil {
		e.logger.Error("failed to index period streams", "period", periodIndex, "error", err)
		e.onError(err)
		return
	}

	e.mu.Lock()
	if e.destroyed || e.canSwitchFired[periodIndex] {
		e.mu.Unlock()
		return
	}
	e.canSwitchFired[periodIndex] = true
	e.mu.Unlock()

	if cb := e.callbacks.OnCanSwitch; cb != nil {
		cb(period)
	}
}

// createIndexes builds segment indices in parallel.
func createIndexes(ctx context.Context, streams []*manifest.Stream) error {
	g, _ := errgroup.WithContext(ctx)
	for _, stream := range streams {
		if stream.CreateSegmentIndex == nil {
			continue
		}
		create := stream.CreateSegmentIndex
		g.Go(create)
	}
	return g.Wait()
}

func mapValues(m map[manifest.ContentType]*manifest.Stream) []*manifest.Stream {
	out := make([]*manifest.Stream, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

// Seeked tells the engine the playhead moved. Buffered seeks just
// reschedule; unbuffered seeks clear the affected buffers, and seeks
// into another period restart the transition protocol there.
func (e *Engine) Seeked() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	presentationTime := e.playhead.GetTime()
	newPeriodIndex := e.manifest.PeriodIndex(presentationTime)

	allBuffered := true
	for _, ms := range e.states {
		ms.endOfStream = false
		if !e.sinkFor(ms).IsBuffered(presentationTime) {
			allBuffered = false
		}
	}

	if allBuffered {
		// Everything at the new playhead is already buffered; the
		// loops just pick up from their buffered ends.
		for _, ms := range e.states {
			e.scheduleUpdateLocked(ms, 0)
		}
		e.mu.Unlock()
		return
	}

	if newPeriodIndex == e.currentPeriodIndex {
		for _, ms := range e.states {
			if e.sinkFor(ms).IsBuffered(presentationTime) {
				e.scheduleUpdateLocked(ms, 0)
				continue
			}
			e.clearBufferLocked(ms)
		}
		e.mu.Unlock()
		return
	}

	// Seek into a different period: drop everything and rebuild the
	// media states there.
	for _, ms := range e.states {
		ms.needPeriodIndex = newPeriodIndex
		e.clearBufferLocked(ms)
	}
	e.maybeTransitionLocked()
	e.mu.Unlock()
}

// Switch substitutes the stream for one content type. With clearBuffer
// the type's buffer is dropped and refilled from the playhead.
func (e *Engine) Switch(contentType manifest.ContentType, stream *manifest.Stream, clearBuffer bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.switchLocked(contentType, stream, clearBuffer)
}

func (e *Engine) switchLocked(contentType manifest.ContentType, stream *manifest.Stream, clearBuffer bool) {
	ms, ok := e.states[contentType]
	if !ok {
		if contentType != manifest.ContentTypeText {
			e.logger.Warn("switch for inactive content type", "type", string(contentType))
			return
		}
		// Re-enable a previously disabled or absent text stream.
		if err := e.textSink.InitParser(stream.MimeType); err != nil {
			e.logger.Error("could not init text parser", "mime", stream.MimeType, "error", err)
			return
		}
		ms = newMediaState(contentType, stream, e.currentPeriodIndex)
		e.states[contentType] = ms
		e.scheduleUpdateLocked(ms, 0)
		return
	}
	if ms.stream == stream {
		return
	}

	if contentType == manifest.ContentTypeText && (ms.stream == nil || ms.stream.MimeType != stream.MimeType) {
		if err := e.textSink.InitParser(stream.MimeType); err != nil {
			e.logger.Error("could not reinit text parser", "mime", stream.MimeType, "error", err)
			return
		}
		ms.needInitSegment = true
	}

	e.logger.Info("switching stream", "type", string(contentType), "stream", stream.String())
	ms.stream = stream
	ms.needInitSegment = true
	ms.hasError = false

	if clearBuffer {
		e.clearBufferLocked(ms)
	} else if ms.updateTimer == nil && !ms.performingUpdate {
		e.scheduleUpdateLocked(ms, 0)
	}
}

// SetTrickPlay swaps the video stream with its trick-mode counterpart,
// clearing the video buffer in both directions.
func (e *Engine) SetTrickPlay(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	ms, ok := e.states[manifest.ContentTypeVideo]
	if !ok {
		return
	}
	if enabled {
		trick := ms.stream.TrickModeVideo
		if trick == nil {
			return
		}
		ms.restoreStream = ms.stream
		e.switchLocked(manifest.ContentTypeVideo, trick, true)
		return
	}
	if ms.restoreStream != nil {
		restore := ms.restoreStream
		ms.restoreStream = nil
		e.switchLocked(manifest.ContentTypeVideo, restore, true)
	}
}

// Configure hot-updates the configuration.
func (e *Engine) Configure(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// Destroy cancels all pending work and returns when the engine is
// quiescent.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	for _, ms := range e.states {
		ms.stopTimerLocked()
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.textSink.Destroy()
}

// onError surfaces an error to the player.
func (e *Engine) onError(err error) {
	if cb := e.callbacks.OnError; cb != nil {
		cb(err)
	}
}

var errDestroyed = errors.New("streaming engine destroyed")
