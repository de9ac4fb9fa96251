package text

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/Eyevinn/streamcore/errs"
)

// MP4VTTParser parses WebVTT cues embedded in ISO-BMFF segments
// (wvtt sample entry, cue payloads in vttc/payl/sttg boxes, vtte for
// empty intervals).
//
// The parser is stateful: ParseInit records the track timescale that
// ParseMedia needs to convert sample times.
type MP4VTTParser struct {
	logger    *slog.Logger
	vtt       *VTTParser
	timescale uint32
}

// NewMP4VTTParser creates an MP4 WebVTT parser.
func NewMP4VTTParser(logger *slog.Logger) *MP4VTTParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &MP4VTTParser{
		logger: logger.With("parser", "mp4vtt"),
		vtt:    NewVTTParser(logger),
	}
}

// ParseInit validates the wvtt sample entry and records the track
// timescale.
func (p *MP4VTTParser) ParseInit(data []byte) error {
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return errs.New(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidMP4VTT, err)
	}
	if f.Moov == nil || f.Moov.Trak == nil {
		return errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidMP4VTT, "init segment has no moov/trak")
	}
	mdia := f.Moov.Trak.Mdia
	sd, err := mdia.Minf.Stbl.Stsd.GetSampleDescription(0)
	if err != nil || sd.Type() != "wvtt" {
		return errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidMP4VTT, "init segment has no wvtt sample entry")
	}
	p.timescale = mdia.Mdhd.Timescale
	return nil
}

// ParseMedia walks the fragmented segment and converts wvtt samples to
// cues. Times come from the tfdt base plus sample durations, shifted by
// the period start.
func (p *MP4VTTParser) ParseMedia(data []byte, time TimeContext) ([]*Cue, error) {
	if p.timescale == 0 {
		return nil, errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidMP4VTT, "media segment appended before init segment")
	}
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return nil, errs.New(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidMP4VTT, err)
	}

	var cues []*Cue
	sawFragment := false
	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			sawFragment = true
			samples, err := frag.GetFullSamples(nil)
			if err != nil {
				return nil, errs.New(errs.CategoryText, errs.SeverityCritical,
					errs.CodeInvalidMP4VTT, err)
			}
			for _, sample := range samples {
				start := float64(sample.DecodeTime)/float64(p.timescale) + time.PeriodStart
				end := start + float64(sample.Dur)/float64(p.timescale)
				sampleCues, err := p.parseSample(sample.Data, start, end)
				if err != nil {
					return nil, err
				}
				cues = append(cues, sampleCues...)
			}
		}
	}
	if !sawFragment {
		return nil, errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidMP4VTT, "media segment has no movie fragment")
	}
	return cues, nil
}

// parseSample decodes the vttc/vtte boxes in one sample.
func (p *MP4VTTParser) parseSample(data []byte, start, end float64) ([]*Cue, error) {
	var cues []*Cue
	r := bytes.NewReader(data)
	var pos uint64
	for pos < uint64(len(data)) {
		box, err := mp4.DecodeBox(pos, r)
		if err != nil {
			return nil, errs.New(errs.CategoryText, errs.SeverityCritical,
				errs.CodeInvalidMP4VTT, err)
		}
		pos += box.Size()
		switch b := box.(type) {
		case *mp4.VttcBox:
			cue := NewCue(start, end, "")
			if b.Payl != nil {
				cue.Payload = b.Payl.CueText
			}
			if b.Iden != nil {
				cue.ID = b.Iden.CueID
			}
			if b.Sttg != nil {
				for _, setting := range splitSettings(b.Sttg.Settings) {
					p.vtt.parseCueSetting(cue, setting)
				}
			}
			cues = append(cues, cue)
		case *mp4.VtteBox:
			// Empty interval, nothing to emit.
		default:
			p.logger.Debug("skipping box in wvtt sample", "type", box.Type())
		}
	}
	return cues, nil
}

// splitSettings splits an sttg settings string into tokens.
func splitSettings(s string) []string {
	return strings.Fields(s)
}

func init() {
	RegisterParser(`application/mp4; codecs="wvtt"`, func() Parser { return NewMP4VTTParser(nil) })
}
