package streaming

import (
	"context"
	"math"
	"time"

	"github.com/Eyevinn/streamcore/errs"
	"github.com/Eyevinn/streamcore/manifest"
	"github.com/Eyevinn/streamcore/netengine"
)

// availabilityEpsilon keeps live fetch targets strictly inside the
// availability window.
const availabilityEpsilon = 0.1

// rebufferDelay is the wait before re-checking a live index that has
// not produced the needed segment yet.
const rebufferDelay = 1.0

// mediaState is the per-content-type bookkeeping for one fetch loop.
// All fields are guarded by the engine mutex.
type mediaState struct {
	typ           manifest.ContentType
	stream        *manifest.Stream
	restoreStream *manifest.Stream

	periodIndex     int
	needPeriodIndex int

	needInitSegment bool
	lastStream      *manifest.Stream
	lastSegmentRef  *manifest.SegmentReference
	lastPosition    uint64
	hasLastPosition bool

	endOfStream          bool
	performingUpdate     bool
	waitingToClearBuffer bool
	clearingBuffer       bool
	recovering           bool
	hasError             bool
	resumeAt             float64
	appendedFirst        bool
	quotaRetries         int

	updateTimer *time.Timer
}

func newMediaState(contentType manifest.ContentType, stream *manifest.Stream, periodIndex int) *mediaState {
	return &mediaState{
		typ:             contentType,
		stream:          stream,
		periodIndex:     periodIndex,
		needPeriodIndex: periodIndex,
		needInitSegment: true,
	}
}

func (ms *mediaState) stopTimerLocked() {
	if ms.updateTimer != nil {
		ms.updateTimer.Stop()
		ms.updateTimer = nil
	}
}

// scheduleUpdateLocked arms the update timer for ms, replacing any
// armed timer.
func (e *Engine) scheduleUpdateLocked(ms *mediaState, delaySeconds float64) {
	if e.destroyed || ms.hasError {
		return
	}
	ms.stopTimerLocked()
	ms.updateTimer = time.AfterFunc(
		time.Duration(delaySeconds*float64(time.Second)),
		func() { e.runUpdate(ms) })
}

// runUpdate is the timer entry point for one update tick.
func (e *Engine) runUpdate(ms *mediaState) {
	e.mu.Lock()
	ms.updateTimer = nil
	if e.destroyed || e.transitioning || ms.performingUpdate ||
		ms.clearingBuffer || ms.hasError || ms.endOfStream {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()
	e.update(ms)
}

// update runs one pass of the per-type scheduling loop: decide the
// next segment, fetch and append it, evict behind the playhead, and
// reschedule.
func (e *Engine) update(ms *mediaState) {
	e.mu.Lock()
	if e.destroyed || e.transitioning || ms.endOfStream ||
		ms.clearingBuffer || ms.hasError {
		e.mu.Unlock()
		return
	}

	cfg := e.cfg
	presentationTime := e.playhead.GetTime()
	sink := e.sinkFor(ms)

	bufferEnd, hasBuffer := sink.BufferEnd()
	bufferedAhead := 0.0
	if hasBuffer {
		bufferedAhead = math.Max(0, bufferEnd-presentationTime)
	}
	if bufferedAhead >= cfg.BufferingGoal {
		e.scheduleUpdateLocked(ms, math.Max(0, bufferedAhead-cfg.BufferingGoal+0.1))
		e.mu.Unlock()
		return
	}

	target := presentationTime
	if hasBuffer {
		target = bufferEnd
	}
	if ms.resumeAt > 0 && target < ms.resumeAt {
		target = ms.resumeAt
	}

	timeline := e.manifest.Timeline
	if timeline.IsLive() {
		availStart := timeline.AvailabilityStart()
		availEnd := timeline.AvailabilityEnd()
		if target > availEnd-availabilityEpsilon && target < timeline.Duration() {
			// Not yet available; wake up around the time it should
			// be, re-checking at least once a second in case the
			// window slides faster than expected.
			delay := math.Max(availabilityEpsilon, target-availEnd+availabilityEpsilon)
			e.scheduleUpdateLocked(ms, math.Min(delay, rebufferDelay))
			e.mu.Unlock()
			return
		}
		if target < availStart+availabilityEpsilon {
			// Fell out of the window; jump to the earliest segment
			// still available.
			target = availStart + availabilityEpsilon
		}
	}

	if needed := e.manifest.PeriodIndex(target); needed != ms.periodIndex {
		ms.needPeriodIndex = needed
		e.maybeTransitionLocked()
		e.mu.Unlock()
		return
	}

	period := e.manifest.Periods[ms.periodIndex]
	ref, ok := e.nextReferenceLocked(ms, period, target)
	if !ok {
		e.handleExhaustedIndex(ms, target)
		return
	}

	ms.performingUpdate = true
	stream := ms.stream
	needInit := ms.needInitSegment
	retry := cfg.Retry
	periodStart := period.StartTime
	e.mu.Unlock()

	err := e.fetchAndAppend(ms, stream, ref, periodStart, needInit, retry)

	e.mu.Lock()
	ms.performingUpdate = false
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	if ms.waitingToClearBuffer {
		ms.waitingToClearBuffer = false
		e.clearBufferLocked(ms)
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.handleUpdateError(ms, err, presentationTime)
		return
	}

	ms.needInitSegment = false
	ms.lastStream = stream
	ms.lastSegmentRef = ref
	ms.lastPosition = ref.Position
	ms.hasLastPosition = true
	ms.appendedFirst = true
	ms.recovering = false
	ms.quotaRetries = 0

	e.metrics.SegmentsAppended.WithLabelValues(string(ms.typ)).Inc()
	e.metrics.BufferAhead.WithLabelValues(string(ms.typ)).Set(sink.BufferedAheadOf(presentationTime))

	startupJustCompleted := e.checkStartupCompleteLocked()

	evictBefore := presentationTime - cfg.BufferBehind
	evict := false
	if bufferStart, ok := sink.BufferStart(); ok && evictBefore > bufferStart {
		evict = true
	}
	e.scheduleUpdateLocked(ms, 0)
	e.mu.Unlock()

	if evict {
		if err := sink.Remove(e.ctx, 0, evictBefore); err != nil {
			e.logger.Warn("eviction failed", "type", string(ms.typ), "error", err)
		} else {
			e.metrics.Evictions.WithLabelValues(string(ms.typ)).Inc()
		}
	}
	if cb := e.callbacks.OnSegmentAppended; cb != nil {
		cb()
	}
	if startupJustCompleted {
		e.logger.Info("startup complete")
		if cb := e.callbacks.OnStartupComplete; cb != nil {
			cb()
		}
	}
}

// handleExhaustedIndex deals with a segment index that has no segment
// for the target time. Called with the mutex held; unlocks it.
func (e *Engine) handleExhaustedIndex(ms *mediaState, target float64) {
	timeline := e.manifest.Timeline
	stillLive := timeline.IsLive() &&
		(math.IsInf(timeline.Duration(), 1) || target < timeline.Duration()-availabilityEpsilon)
	if stillLive {
		// The index will grow as the manifest updates.
		e.scheduleUpdateLocked(ms, rebufferDelay)
		e.mu.Unlock()
		return
	}
	if ms.periodIndex < len(e.manifest.Periods)-1 {
		ms.needPeriodIndex = ms.periodIndex + 1
		e.maybeTransitionLocked()
		e.mu.Unlock()
		return
	}

	// Last period, last segment appended for this type.
	ms.endOfStream = true
	e.logger.Info("type has reached end of stream", "type", string(ms.typ))
	if !e.allEndedLocked() || e.endOfStreamCalled {
		e.mu.Unlock()
		return
	}
	e.endOfStreamCalled = true
	e.mu.Unlock()

	if err := e.sink.EndOfStream(e.ctx); err != nil {
		e.onError(errs.New(errs.CategoryMedia, errs.SeverityCritical,
			errs.CodeMediaSourceOperationFailed, err))
	}
}

func (e *Engine) allEndedLocked() bool {
	for _, other := range e.states {
		if !other.endOfStream {
			return false
		}
	}
	return true
}

// nextReferenceLocked resolves the next segment to fetch for ms at
// target (presentation time).
func (e *Engine) nextReferenceLocked(ms *mediaState, period *manifest.Period, target float64) (*manifest.SegmentReference, bool) {
	rel := math.Max(0, target-period.StartTime)
	position, ok := ms.stream.FindPosition(rel)
	if !ok {
		return nil, false
	}
	// Guard against re-fetching the segment just appended when the
	// buffered end sits a rounding error before the boundary.
	if ms.hasLastPosition && ms.lastStream == ms.stream && position <= ms.lastPosition {
		position = ms.lastPosition + 1
	}
	return ms.stream.GetReference(position)
}

// fetchAndAppend fetches the init segment if needed, then the media
// segment, and appends both. Runs without the mutex.
func (e *Engine) fetchAndAppend(ms *mediaState, stream *manifest.Stream,
	ref *manifest.SegmentReference, periodStart float64, needInit bool,
	retry netengine.RetryParameters) error {

	ctx := e.ctx
	if needInit && stream.InitSegmentReference != nil {
		init := stream.InitSegmentReference
		resp, err := e.net.Request(ctx, netengine.RequestTypeSegment, &netengine.Request{
			URIs:           init.URIs,
			ByteRangeStart: init.ByteRangeStart,
			ByteRangeEnd:   init.ByteRangeEnd,
			Retry:          retry,
		})
		if err != nil {
			return err
		}
		if err := e.append(ctx, ms, resp.Data, nil, periodStart); err != nil {
			return err
		}
	}

	resp, err := e.net.Request(ctx, netengine.RequestTypeSegment, &netengine.Request{
		URIs:           ref.URIs,
		ByteRangeStart: ref.ByteRangeStart,
		ByteRangeEnd:   ref.ByteRangeEnd,
		Retry:          retry,
	})
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errDestroyed
	}

	if stream.ContainsEmsgBoxes && ms.typ == manifest.ContentTypeVideo {
		e.processEmsgBoxes(resp.Data, periodStart+ref.StartTime)
	}
	return e.append(ctx, ms, resp.Data, ref, periodStart)
}

// append routes bytes to the media sink or the text engine. A nil ref
// marks an init segment.
func (e *Engine) append(ctx context.Context, ms *mediaState, data []byte,
	ref *manifest.SegmentReference, periodStart float64) error {

	if ms.typ == manifest.ContentTypeText {
		e.textSink.SetTimestampOffset(periodStart)
		if ref == nil {
			return e.textSink.AppendBuffer(data, nil, nil)
		}
		start, end := ref.StartTime, ref.EndTime
		return e.textSink.AppendBuffer(data, &start, &end)
	}

	if ref == nil {
		return e.sink.AppendBuffer(ctx, ms.typ, data, nil, nil)
	}
	start := periodStart + ref.StartTime
	end := periodStart + ref.EndTime
	return e.sink.AppendBuffer(ctx, ms.typ, data, &start, &end)
}

// handleUpdateError classifies a fetch/append failure and decides
// between retrying, disabling the type, and surfacing. Called with the
// mutex held; unlocks it.
func (e *Engine) handleUpdateError(ms *mediaState, err error, presentationTime float64) {
	cfg := e.cfg
	isLive := e.manifest.Timeline.IsLive()

	var surface error
	evict := false
	evictTo := 0.0
	endOfStream := false

	switch {
	case errs.CodeOf(err) == errs.CodeQuotaExceeded:
		ms.quotaRetries++
		if ms.quotaRetries > 1 && e.allQuotaPressuredLocked() {
			// Every type is stuck on quota without progress.
			ms.hasError = true
			surface = err
			break
		}
		// Evict everything behind the playhead and retry once.
		evict = true
		evictTo = math.Max(0, presentationTime-availabilityEpsilon)
		ms.recovering = true
		e.scheduleUpdateLocked(ms, 0)

	case errs.IsRecoverable(err):
		e.metrics.FetchFailures.WithLabelValues(string(ms.typ)).Inc()
		if !ms.recovering {
			surface = err
		}
		if isLive && cfg.InfiniteRetriesForLiveStreams {
			ms.recovering = true
			e.scheduleUpdateLocked(ms, retrySeconds(cfg.Retry))
		} else {
			ms.hasError = true
		}

	case ms.typ == manifest.ContentTypeText && cfg.IgnoreTextStreamFailures:
		e.logger.Warn("disabling text streams after failure", "error", err)
		ms.stopTimerLocked()
		delete(e.states, manifest.ContentTypeText)
		// The remaining types may already idle at a period boundary or
		// at their end of stream, waiting on text; re-check both.
		e.maybeTransitionLocked()
		if len(e.states) > 0 && e.allEndedLocked() && !e.endOfStreamCalled {
			e.endOfStreamCalled = true
			endOfStream = true
		}

	default:
		ms.hasError = true
		surface = err
	}
	e.mu.Unlock()

	if evict {
		if removeErr := e.sinkFor(ms).Remove(e.ctx, 0, evictTo); removeErr != nil {
			e.logger.Warn("quota eviction failed", "type", string(ms.typ), "error", removeErr)
		}
	}
	if endOfStream {
		if eosErr := e.sink.EndOfStream(e.ctx); eosErr != nil {
			e.onError(errs.New(errs.CategoryMedia, errs.SeverityCritical,
				errs.CodeMediaSourceOperationFailed, eosErr))
		}
	}
	if surface != nil {
		if cb := cfg.FailureCallback; cb != nil && errs.IsRecoverable(surface) {
			cb(surface)
		}
		e.onError(surface)
	}
}

func (e *Engine) allQuotaPressuredLocked() bool {
	for _, other := range e.states {
		if other.quotaRetries == 0 {
			return false
		}
	}
	return true
}

func retrySeconds(retry netengine.RetryParameters) float64 {
	if retry.BaseDelay <= 0 {
		return 1
	}
	return retry.BaseDelay.Seconds()
}

// checkStartupCompleteLocked reports whether this call completed
// startup: every active type has appended at least one media segment.
func (e *Engine) checkStartupCompleteLocked() bool {
	if e.startupComplete {
		return false
	}
	for _, ms := range e.states {
		if !ms.appendedFirst {
			return false
		}
	}
	e.startupComplete = true
	return true
}

// maybeTransitionLocked starts the period transition once every active
// state needs the same new period. States that reach the boundary
// early idle until the rest catch up.
func (e *Engine) maybeTransitionLocked() {
	if e.transitioning || e.destroyed {
		return
	}
	needed := -1
	for _, ms := range e.states {
		if ms.hasError {
			continue
		}
		if ms.needPeriodIndex == ms.periodIndex {
			return
		}
		if needed == -1 {
			needed = ms.needPeriodIndex
		} else if ms.needPeriodIndex != needed {
			return
		}
	}
	if needed < 0 || needed >= len(e.manifest.Periods) {
		return
	}

	e.transitioning = true
	e.wg.Add(1)
	go e.transition(needed)
}

// transition chooses streams for the new period and rebuilds the media
// states on them.
func (e *Engine) transition(periodIndex int) {
	defer e.wg.Done()
	period := e.manifest.Periods[periodIndex]
	e.logger.Info("transitioning to period", "period", periodIndex, "startTime", period.StartTime)

	chosen := e.chooseStreams(period)
	streams := e.streamsOf(chosen)
	if err := createIndexes(e.ctx, mapValues(streams)); err != nil {
		e.mu.Lock()
		e.transitioning = false
		e.mu.Unlock()
		e.onError(err)
		return
	}

	e.mu.Lock()
	if e.destroyed {
		e.transitioning = false
		e.mu.Unlock()
		return
	}
	e.currentPeriodIndex = periodIndex

	var disabled []manifest.ContentType
	for contentType, ms := range e.states {
		stream, ok := streams[contentType]
		if !ok {
			disabled = append(disabled, contentType)
			continue
		}
		if contentType == manifest.ContentTypeText && ms.stream != nil &&
			ms.stream.MimeType != stream.MimeType {
			if err := e.textSink.InitParser(stream.MimeType); err != nil {
				e.logger.Error("could not reinit text parser", "mime", stream.MimeType, "error", err)
				disabled = append(disabled, contentType)
				continue
			}
		}
		ms.stream = stream
		ms.periodIndex = periodIndex
		ms.needPeriodIndex = periodIndex
		ms.needInitSegment = true
		ms.lastStream = nil
		ms.lastSegmentRef = nil
		ms.hasLastPosition = false
		ms.endOfStream = false
		ms.resumeAt = 0
	}
	for _, contentType := range disabled {
		ms := e.states[contentType]
		ms.stopTimerLocked()
		delete(e.states, contentType)
	}

	e.transitioning = false
	for _, ms := range e.states {
		e.scheduleUpdateLocked(ms, 0)
	}
	e.mu.Unlock()

	go e.setupPeriod(periodIndex)
}

// clearBufferLocked drops the buffered media for ms and resumes from
// the playhead. If an update is in flight the clear is deferred to its
// completion.
func (e *Engine) clearBufferLocked(ms *mediaState) {
	if ms.performingUpdate {
		ms.waitingToClearBuffer = true
		return
	}
	ms.clearingBuffer = true
	ms.stopTimerLocked()
	ms.lastStream = nil
	ms.lastSegmentRef = nil
	ms.hasLastPosition = false
	ms.endOfStream = false

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.sinkFor(ms).Clear(e.ctx)

		e.mu.Lock()
		ms.clearingBuffer = false
		if e.destroyed {
			e.mu.Unlock()
			return
		}
		if err != nil {
			ms.hasError = true
			e.mu.Unlock()
			e.onError(errs.New(errs.CategoryMedia, errs.SeverityCritical,
				errs.CodeMediaSourceOperationFailed, err))
			return
		}
		e.scheduleUpdateLocked(ms, 0)
		e.mu.Unlock()
	}()
}

// typeSink is the per-type view of the downstream buffer: the media
// sink for audio and video, the text engine for text.
type typeSink interface {
	BufferStart() (float64, bool)
	BufferEnd() (float64, bool)
	BufferedAheadOf(t float64) float64
	IsBuffered(t float64) bool
	Remove(ctx context.Context, start, end float64) error
	Clear(ctx context.Context) error
}

func (e *Engine) sinkFor(ms *mediaState) typeSink {
	if ms.typ == manifest.ContentTypeText {
		return textSinkAdapter{engine: e.textSink}
	}
	return mediaSinkAdapter{sink: e.sink, typ: ms.typ}
}

type mediaSinkAdapter struct {
	sink MediaSink
	typ  manifest.ContentType
}

func (a mediaSinkAdapter) BufferStart() (float64, bool) { return a.sink.BufferStart(a.typ) }
func (a mediaSinkAdapter) BufferEnd() (float64, bool)   { return a.sink.BufferEnd(a.typ) }
func (a mediaSinkAdapter) BufferedAheadOf(t float64) float64 {
	return a.sink.BufferedAheadOf(a.typ, t)
}
func (a mediaSinkAdapter) IsBuffered(t float64) bool { return a.sink.IsBuffered(a.typ, t) }
func (a mediaSinkAdapter) Remove(ctx context.Context, start, end float64) error {
	return a.sink.Remove(ctx, a.typ, start, end)
}
func (a mediaSinkAdapter) Clear(ctx context.Context) error { return a.sink.Clear(ctx, a.typ) }

type textSinkAdapter struct {
	engine textEngine
}

// textEngine is the subset of the text engine the scheduling loop
// uses.
type textEngine interface {
	BufferStart() (float64, bool)
	BufferEnd() (float64, bool)
	BufferedAheadOf(t float64) float64
	Remove(start, end float64) error
}

func (a textSinkAdapter) BufferStart() (float64, bool)      { return a.engine.BufferStart() }
func (a textSinkAdapter) BufferEnd() (float64, bool)        { return a.engine.BufferEnd() }
func (a textSinkAdapter) BufferedAheadOf(t float64) float64 { return a.engine.BufferedAheadOf(t) }
func (a textSinkAdapter) IsBuffered(t float64) bool {
	return a.engine.BufferedAheadOf(t) > 0
}
func (a textSinkAdapter) Remove(_ context.Context, start, end float64) error {
	return a.engine.Remove(start, end)
}
func (a textSinkAdapter) Clear(_ context.Context) error {
	return a.engine.Remove(0, math.Inf(1))
}
