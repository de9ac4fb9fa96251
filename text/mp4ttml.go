package text

import (
	"bytes"
	"encoding/xml"
	"io"
	"log/slog"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/Eyevinn/streamcore/errs"
)

// MP4TTMLParser parses TTML documents embedded in ISO-BMFF segments
// (stpp sample entry). Each sample carries one TTML document; the cue
// keeps the raw XML payload for the renderer and spans the sample's
// time interval.
type MP4TTMLParser struct {
	logger    *slog.Logger
	timescale uint32
}

// NewMP4TTMLParser creates an MP4 TTML parser.
func NewMP4TTMLParser(logger *slog.Logger) *MP4TTMLParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &MP4TTMLParser{logger: logger.With("parser", "mp4ttml")}
}

// ParseInit validates the stpp sample entry and records the track
// timescale.
func (p *MP4TTMLParser) ParseInit(data []byte) error {
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return errs.New(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidMP4TTML, err)
	}
	if f.Moov == nil || f.Moov.Trak == nil {
		return errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidMP4TTML, "init segment has no moov/trak")
	}
	mdia := f.Moov.Trak.Mdia
	sd, err := mdia.Minf.Stbl.Stsd.GetSampleDescription(0)
	if err != nil || sd.Type() != "stpp" {
		return errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidMP4TTML, "init segment has no stpp sample entry")
	}
	p.timescale = mdia.Mdhd.Timescale
	return nil
}

// ParseMedia converts each stpp sample into a cue spanning the sample
// interval, carrying the raw TTML document.
func (p *MP4TTMLParser) ParseMedia(data []byte, time TimeContext) ([]*Cue, error) {
	if p.timescale == 0 {
		return nil, errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidMP4TTML, "media segment appended before init segment")
	}
	f, err := mp4.DecodeFile(bytes.NewReader(data))
	if err != nil {
		return nil, errs.New(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidMP4TTML, err)
	}

	var cues []*Cue
	for _, seg := range f.Segments {
		for _, frag := range seg.Fragments {
			samples, err := frag.GetFullSamples(nil)
			if err != nil {
				return nil, errs.New(errs.CategoryText, errs.SeverityCritical,
					errs.CodeInvalidMP4TTML, err)
			}
			for _, sample := range samples {
				if err := checkWellFormedXML(sample.Data); err != nil {
					return nil, errs.New(errs.CategoryText, errs.SeverityCritical,
						errs.CodeInvalidMP4TTML, err)
				}
				start := float64(sample.DecodeTime)/float64(p.timescale) + time.PeriodStart
				end := start + float64(sample.Dur)/float64(p.timescale)
				cues = append(cues, NewCue(start, end, string(sample.Data)))
			}
		}
	}
	return cues, nil
}

// checkWellFormedXML walks the tokens of a TTML document without
// building a tree.
func checkWellFormedXML(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func init() {
	RegisterParser(`application/mp4; codecs="stpp"`, func() Parser { return NewMP4TTMLParser(nil) })
}
