// Package smfdecode reads Standard MIDI Files into timeline tracks.
package smfdecode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/cbegin/smfplay-go/internal/timeline"
)

const (
	metaTrackName     = 0x03
	metaTempo         = 0x51
	metaTimeSignature = 0x58
	metaKeySignature  = 0x59
)

var ErrMalformedMeta = errors.New("smfdecode: malformed meta event")

// DecodeFile reads the SMF at path.
func DecodeFile(path string) (timeline.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return timeline.File{}, err
	}
	defer f.Close()
	return Decode(bufio.NewReader(f))
}

// Decode parses an SMF from r.
func Decode(r io.Reader) (timeline.File, error) {
	s, err := smf.ReadFrom(r)
	if err != nil {
		return timeline.File{}, fmt.Errorf("smfdecode: %w", err)
	}
	return FromSMF(s)
}

// FromSMF converts a parsed file. Events the timeline does not use (sysex,
// text, end of track) are dropped and their delta is carried into the next
// kept event so absolute tick positions are preserved.
func FromSMF(s *smf.SMF) (timeline.File, error) {
	file := timeline.File{Timing: timing(s.TimeFormat)}
	for i, tr := range s.Tracks {
		out, err := convert(tr)
		if err != nil {
			return timeline.File{}, fmt.Errorf("smfdecode: track %d: %w", i, err)
		}
		file.Tracks = append(file.Tracks, out)
	}
	return file, nil
}

func timing(tf smf.TimeFormat) timeline.Timing {
	if ticks, ok := tf.(smf.MetricTicks); ok {
		return timeline.Timing{TicksPerQuarter: uint16(ticks)}
	}
	return timeline.Timing{SMPTE: true}
}

func convert(tr smf.Track) (timeline.Track, error) {
	out := make(timeline.Track, 0, len(tr))
	var carry uint32
	for _, ev := range tr {
		msg, err := message(ev.Message)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			carry += ev.Delta
			continue
		}
		out = append(out, timeline.TrackEvent{Delta: carry + ev.Delta, Message: msg})
		carry = 0
	}
	return out, nil
}

// message returns nil for events the timeline ignores.
func message(raw smf.Message) (timeline.Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == 0xFF {
		return metaMessage(raw)
	}
	return voiceMessage(midi.Message(raw)), nil
}

func voiceMessage(m midi.Message) timeline.Message {
	var ch, a, b uint8
	switch {
	case m.GetNoteOn(&ch, &a, &b):
		return timeline.Voice{Status: 0x90 | ch, Data1: a, Data2: b}
	case m.GetNoteOff(&ch, &a, &b):
		return timeline.Voice{Status: 0x80 | ch, Data1: a, Data2: b}
	case m.GetPolyAfterTouch(&ch, &a, &b):
		return timeline.Voice{Status: 0xA0 | ch, Data1: a, Data2: b}
	case m.GetControlChange(&ch, &a, &b):
		return timeline.Voice{Status: 0xB0 | ch, Data1: a, Data2: b}
	case m.GetProgramChange(&ch, &a):
		return timeline.Voice{Status: 0xC0 | ch, Data1: a}
	case m.GetAfterTouch(&ch, &a):
		return timeline.Voice{Status: 0xD0 | ch, Data1: a}
	}
	var rel int16
	var abs uint16
	if m.GetPitchBend(&ch, &rel, &abs) {
		return timeline.Voice{Status: 0xE0 | ch, Data1: uint8(abs & 0x7F), Data2: uint8(abs >> 7 & 0x7F)}
	}
	return nil
}

func metaMessage(raw []byte) (timeline.Message, error) {
	typ, data, err := metaPayload(raw)
	if err != nil {
		return nil, err
	}
	switch typ {
	case metaTempo:
		if len(data) != 3 {
			return nil, fmt.Errorf("%w: tempo with %d data bytes", ErrMalformedMeta, len(data))
		}
		us := uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
		return timeline.Tempo{MicrosPerQuarter: us}, nil
	case metaTimeSignature:
		if len(data) < 2 || data[1] > 7 {
			return nil, fmt.Errorf("%w: time signature % X", ErrMalformedMeta, data)
		}
		return timeline.TimeSignature{Numerator: data[0], Denominator: 1 << data[1]}, nil
	case metaKeySignature:
		if len(data) != 2 {
			return nil, fmt.Errorf("%w: key signature % X", ErrMalformedMeta, data)
		}
		return timeline.KeySignature{SharpsFlats: int8(data[0]), Minor: data[1] == 1}, nil
	case metaTrackName:
		return timeline.TrackName{Name: string(data)}, nil
	}
	return nil, nil
}

// metaPayload splits FF <type> <vlq length> <data>.
func metaPayload(raw []byte) (byte, []byte, error) {
	if len(raw) < 3 {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrMalformedMeta, len(raw))
	}
	typ := raw[1]
	var n int
	i := 2
	for {
		if i >= len(raw) || i > 5 {
			return 0, nil, fmt.Errorf("%w: bad length", ErrMalformedMeta)
		}
		b := raw[i]
		i++
		n = n<<7 | int(b&0x7F)
		if b&0x80 == 0 {
			break
		}
	}
	if len(raw)-i < n {
		return 0, nil, fmt.Errorf("%w: length %d exceeds %d data bytes", ErrMalformedMeta, n, len(raw)-i)
	}
	return typ, raw[i : i+n], nil
}
