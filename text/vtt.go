package text

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/Eyevinn/streamcore/errs"
)

// WebVTT parsing. The parser is stateless between segments; timing
// comes from the TimeContext and an optional X-TIMESTAMP-MAP header
// (HLS carries one to align VTT time with the MPEG-TS clock).

const mpegTimescale = 90000

var (
	vttBlockSplitRE  = regexp.MustCompile(`\n{2,}`)
	vttHeaderRE      = regexp.MustCompile(`^WEBVTT($|[ \t\n])`)
	vttArrowRE       = regexp.MustCompile(`[ \t]+-->[ \t]+`)
	vttTimestampRE   = regexp.MustCompile(`^(?:(\d+):)?(\d{2}):(\d{2})\.(\d{3})$`)
	vttLocalRE       = regexp.MustCompile(`LOCAL:((?:\d+:)?\d{2}:\d{2}\.\d{3})`)
	vttMpegTSRE      = regexp.MustCompile(`MPEGTS:(-?\d+)`)
	vttNoteRE        = regexp.MustCompile(`^NOTE($|[ \t])`)
	vttAlignRE       = regexp.MustCompile(`^align:(start|middle|center|end|left|right)$`)
	vttVerticalRE    = regexp.MustCompile(`^vertical:(lr|rl)$`)
	vttSizeRE        = regexp.MustCompile(`^size:(\d{1,2}|100)%$`)
	vttPositionRE    = regexp.MustCompile(`^position:(\d{1,2}|100)%(?:,(line-left|line-right|center|start|end))?$`)
	vttLinePercentRE = regexp.MustCompile(`^line:(\d{1,2}|100)%(?:,(start|end|center))?$`)
	vttLineNumberRE  = regexp.MustCompile(`^line:(-?\d+)(?:,(start|end|center))?$`)
)

// VTTParser parses standalone WebVTT segments.
type VTTParser struct {
	logger *slog.Logger
}

// NewVTTParser creates a WebVTT parser.
func NewVTTParser(logger *slog.Logger) *VTTParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &VTTParser{logger: logger.With("parser", "vtt")}
}

// ParseInit is a no-op; WebVTT has no init segment.
func (p *VTTParser) ParseInit(data []byte) error { return nil }

// ParseMedia parses one WebVTT document into cues.
func (p *VTTParser) ParseMedia(data []byte, time TimeContext) ([]*Cue, error) {
	// Normalize line endings to LF.
	str := string(data)
	str = strings.ReplaceAll(str, "\r\n", "\n")
	str = strings.ReplaceAll(str, "\r", "\n")

	blocks := vttBlockSplitRE.Split(str, -1)

	if len(blocks) == 0 || !vttHeaderRE.MatchString(blocks[0]) {
		return nil, errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidTextHeader, "missing WEBVTT file header")
	}

	offset := time.PeriodStart + time.SegmentStart
	if strings.Contains(blocks[0], "X-TIMESTAMP-MAP") {
		mapOffset, err := parseTimestampMap(blocks[0], time.PeriodStart)
		if err != nil {
			return nil, err
		}
		offset = mapOffset
	}

	var cues []*Cue
	for _, block := range blocks[1:] {
		cue, err := p.parseCueBlock(block, offset)
		if err != nil {
			return nil, err
		}
		if cue != nil {
			cues = append(cues, cue)
		}
	}
	return cues, nil
}

// parseTimestampMap computes the cue-time offset from an
// X-TIMESTAMP-MAP header line.
func parseTimestampMap(header string, periodStart float64) (float64, error) {
	local := vttLocalRE.FindStringSubmatch(header)
	mpeg := vttMpegTSRE.FindStringSubmatch(header)
	if local == nil || mpeg == nil {
		return 0, errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidTextHeader, "invalid X-TIMESTAMP-MAP")
	}
	cueTime, ok := parseVTTTimestamp(local[1])
	if !ok {
		return 0, errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidTextHeader, "invalid LOCAL time in X-TIMESTAMP-MAP")
	}
	mpegTime, err := strconv.ParseInt(mpeg[1], 10, 64)
	if err != nil {
		return 0, errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidTextHeader, "invalid MPEGTS time in X-TIMESTAMP-MAP")
	}
	return periodStart + float64(mpegTime)/mpegTimescale - cueTime, nil
}

// parseCueBlock parses one block. Comments and style blocks yield a nil
// cue without error.
func (p *VTTParser) parseCueBlock(block string, offset float64) (*Cue, error) {
	lines := strings.Split(block, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return nil, nil
	}
	if vttNoteRE.MatchString(lines[0]) ||
		strings.HasPrefix(lines[0], "STYLE") ||
		strings.HasPrefix(lines[0], "REGION") {
		return nil, nil
	}

	id := ""
	if !strings.Contains(lines[0], "-->") {
		id = lines[0]
		lines = lines[1:]
		if len(lines) == 0 {
			return nil, nil
		}
	}

	parts := vttArrowRE.Split(lines[0], 2)
	if len(parts) != 2 {
		return nil, errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidTextCue, "missing cue time separator: %q", lines[0])
	}
	startTime, ok := parseVTTTimestamp(parts[0])
	if !ok {
		return nil, errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidTextCue, "invalid cue start time: %q", parts[0])
	}
	endFields := strings.Fields(parts[1])
	if len(endFields) == 0 {
		return nil, errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidTextCue, "missing cue end time: %q", lines[0])
	}
	endTime, ok := parseVTTTimestamp(endFields[0])
	if !ok {
		return nil, errs.Newf(errs.CategoryText, errs.SeverityCritical,
			errs.CodeInvalidTextCue, "invalid cue end time: %q", endFields[0])
	}

	payload := strings.TrimSpace(strings.Join(lines[1:], "\n"))
	cue := NewCue(startTime+offset, endTime+offset, payload)
	cue.ID = id

	for _, setting := range endFields[1:] {
		p.parseCueSetting(cue, setting)
	}
	return cue, nil
}

// parseCueSetting applies one settings token to cue. Unknown settings
// are logged and ignored.
func (p *VTTParser) parseCueSetting(cue *Cue, setting string) {
	switch {
	case vttAlignRE.MatchString(setting):
		value := vttAlignRE.FindStringSubmatch(setting)[1]
		cue.Align = Align(value)
		if cue.Align == AlignCenter {
			// Some platforms have no "center" keyword; middle with an
			// automatic position renders the same.
			cue.Align = AlignMiddle
			cue.hasPosition = false
		}
	case vttVerticalRE.MatchString(setting):
		cue.Vertical = vttVerticalRE.FindStringSubmatch(setting)[1]
	case vttSizeRE.MatchString(setting):
		value := vttSizeRE.FindStringSubmatch(setting)[1]
		cue.Size, _ = strconv.ParseFloat(value, 64)
		cue.hasSize = true
	case vttPositionRE.MatchString(setting):
		m := vttPositionRE.FindStringSubmatch(setting)
		cue.Position, _ = strconv.ParseFloat(m[1], 64)
		cue.hasPosition = true
		if m[2] != "" {
			cue.PositionAlign = PositionAlign(m[2])
		}
	case vttLinePercentRE.MatchString(setting):
		m := vttLinePercentRE.FindStringSubmatch(setting)
		cue.SnapToLines = false
		cue.Line, _ = strconv.ParseFloat(m[1], 64)
		cue.hasLine = true
		if m[2] != "" {
			cue.LineAlign = LineAlign(m[2])
		}
	case vttLineNumberRE.MatchString(setting):
		m := vttLineNumberRE.FindStringSubmatch(setting)
		cue.SnapToLines = true
		cue.Line, _ = strconv.ParseFloat(m[1], 64)
		cue.hasLine = true
		if m[2] != "" {
			cue.LineAlign = LineAlign(m[2])
		}
	default:
		p.logger.Warn("ignoring unknown cue setting", "setting", setting)
	}
}

// parseVTTTimestamp parses [hh:]mm:ss.mmm with minutes and seconds
// below 60.
func parseVTTTimestamp(s string) (float64, bool) {
	m := vttTimestampRE.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	hours := 0
	if m[1] != "" {
		hours, _ = strconv.Atoi(m[1])
	}
	minutes, _ := strconv.Atoi(m[2])
	seconds, _ := strconv.Atoi(m[3])
	millis, _ := strconv.Atoi(m[4])
	if minutes >= 60 || seconds >= 60 {
		return 0, false
	}
	return float64(hours)*3600 + float64(minutes)*60 + float64(seconds) +
		float64(millis)/1000, true
}

func init() {
	RegisterParser("text/vtt", func() Parser { return NewVTTParser(nil) })
	RegisterParser(`text/vtt; codecs="vtt"`, func() Parser { return NewVTTParser(nil) })
}
