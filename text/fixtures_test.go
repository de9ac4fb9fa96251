package text

import (
	"testing"

	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/stretchr/testify/require"
)

// Test fixtures: generated wvtt and stpp init and media segments, so
// the parsers are exercised against real ISO-BMFF bytes.

const fixtureTimescale = 1000 // 1ms resolution

// sliceEncoder covers boxes as well as init and media segments, which
// encode the same way without being boxes themselves.
type sliceEncoder interface {
	Size() uint64
	EncodeSW(sw bits.SliceWriter) error
}

func encodeBox(t *testing.T, enc sliceEncoder) []byte {
	t.Helper()
	sw := bits.NewFixedSliceWriter(int(enc.Size()))
	require.NoError(t, enc.EncodeSW(sw))
	return sw.Bytes()
}

func makeWvttInit(t *testing.T, lang string) []byte {
	t.Helper()
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(fixtureTimescale, "wvtt", lang)
	require.NoError(t, init.Moov.Trak.SetWvttDescriptor("WEBVTT"))
	return encodeBox(t, init)
}

func makeStppInit(t *testing.T, lang string) []byte {
	t.Helper()
	init := mp4.CreateEmptyInit()
	init.AddEmptyTrack(fixtureTimescale, "subt", lang)
	require.NoError(t, init.Moov.Trak.SetStppDescriptor("http://www.w3.org/ns/ttml", "", ""))
	return encodeBox(t, init)
}

// wvttSample is one cue interval in a generated wvtt segment. Empty
// text produces a vtte gap sample.
type wvttSample struct {
	startMS  int
	endMS    int
	text     string
	settings string
	id       string
}

func makeWvttSegment(t *testing.T, seqNr uint32, samples []wvttSample) []byte {
	t.Helper()
	seg := mp4.NewMediaSegment()
	frag, err := mp4.CreateFragment(seqNr, 1)
	require.NoError(t, err)
	seg.AddFragment(frag)

	for _, s := range samples {
		var data []byte
		if s.text == "" {
			vtte := mp4.VtteBox{}
			data = encodeBox(t, &vtte)
		} else {
			vttc := mp4.VttcBox{}
			if s.id != "" {
				vttc.AddChild(&mp4.IdenBox{CueID: s.id})
			}
			if s.settings != "" {
				vttc.AddChild(&mp4.SttgBox{Settings: s.settings})
			}
			vttc.AddChild(&mp4.PaylBox{CueText: s.text})
			data = encodeBox(t, &vttc)
		}
		frag.AddFullSample(mp4.FullSample{
			Sample: mp4.Sample{
				Flags: mp4.SyncSampleFlags,
				Dur:   uint32(s.endMS - s.startMS),
				Size:  uint32(len(data)),
			},
			DecodeTime: uint64(s.startMS),
			Data:       data,
		})
	}

	return encodeBox(t, seg)
}

func makeStppSegment(t *testing.T, seqNr uint32, startMS, durMS int, ttml string) []byte {
	t.Helper()
	seg := mp4.NewMediaSegment()
	frag, err := mp4.CreateFragment(seqNr, 1)
	require.NoError(t, err)
	seg.AddFragment(frag)

	data := []byte(ttml)
	frag.AddFullSample(mp4.FullSample{
		Sample: mp4.Sample{
			Flags: mp4.SyncSampleFlags,
			Dur:   uint32(durMS),
			Size:  uint32(len(data)),
		},
		DecodeTime: uint64(startMS),
		Data:       data,
	})
	return encodeBox(t, seg)
}

const sampleTTML = `<?xml version="1.0" encoding="utf-8"?>
<tt xmlns="http://www.w3.org/ns/ttml" xml:lang="en">
  <body>
    <div>
      <p begin="00:00:00.000" end="00:00:01.000">hello</p>
    </div>
  </body>
</tt>`
