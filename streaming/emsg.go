package streaming

import (
	"bytes"

	"github.com/Eyevinn/mp4ff/mp4"
)

// ManifestUpdateScheme is the DASH event scheme that signals an
// in-band manifest update rather than an application event.
const ManifestUpdateScheme = "urn:mpeg:dash:event:2012"

// EmsgEvent is an in-segment event message surfaced through OnEvent.
// StartTime and EndTime are presentation times computed from the
// segment start and the box's delta and duration.
type EmsgEvent struct {
	SchemeIDURI           string
	Value                 string
	Timescale             uint32
	PresentationTimeDelta uint32
	EventDuration         uint32
	ID                    uint32
	MessageData           []byte
	StartTime             float64
	EndTime               float64
}

// processEmsgBoxes extracts emsg boxes from a media segment and routes
// them: the manifest-update scheme triggers OnManifestUpdate, anything
// else surfaces as an OnEvent. Malformed segments are logged and
// skipped; event extraction never fails playback.
func (e *Engine) processEmsgBoxes(data []byte, segmentStart float64) {
	events, err := parseEmsgBoxes(data, segmentStart)
	if err != nil {
		e.logger.Warn("could not parse emsg boxes", "error", err)
		return
	}
	for _, event := range events {
		if event.SchemeIDURI == ManifestUpdateScheme {
			if cb := e.callbacks.OnManifestUpdate; cb != nil {
				cb()
			}
			continue
		}
		if cb := e.callbacks.OnEvent; cb != nil {
			cb(event)
		}
	}
}

// parseEmsgBoxes walks the top-level boxes of a segment and converts
// every emsg into an event.
func parseEmsgBoxes(data []byte, segmentStart float64) ([]*EmsgEvent, error) {
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var events []*EmsgEvent
	for _, child := range f.Children {
		emsg, ok := child.(*mp4.EmsgBox)
		if !ok {
			continue
		}
		timescale := emsg.TimeScale
		if timescale == 0 {
			timescale = 1
		}
		start := segmentStart + float64(emsg.PresentationTimeDelta)/float64(timescale)
		events = append(events, &EmsgEvent{
			SchemeIDURI:           emsg.SchemeIDURI,
			Value:                 emsg.Value,
			Timescale:             emsg.TimeScale,
			PresentationTimeDelta: emsg.PresentationTimeDelta,
			EventDuration:         emsg.EventDuration,
			ID:                    emsg.ID,
			MessageData:           emsg.MessageData,
			StartTime:             start,
			EndTime:               start + float64(emsg.EventDuration)/float64(timescale),
		})
	}
	return events, nil
}
