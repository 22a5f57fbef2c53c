package timeline

import (
	"fmt"
	"time"
)

const (
	// MaxPitchBend is the largest 14-bit pitch bend value.
	MaxPitchBend = 16383
	// PitchBendCenter is the pitch bend value for no bend.
	PitchBendCenter = 8192
)

// Payload is one of the performance messages carried by a timeline Event.
// The set of implementations is closed.
type Payload interface {
	fmt.Stringer
	payload()
}

// Event is a Payload stamped with its absolute playback time.
type Event struct {
	TimeUS  uint64
	Payload Payload
}

// Time returns the event time as a duration from the start of the song.
func (e Event) Time() time.Duration {
	return time.Duration(e.TimeUS) * time.Microsecond
}

func (e Event) String() string {
	return fmt.Sprintf("t=%dus %v", e.TimeUS, e.Payload)
}

type NoteOn struct {
	Channel  uint8
	Key      uint8
	Velocity uint8
}

// NoteOff carries the release velocity; engines may ignore it.
type NoteOff struct {
	Channel  uint8
	Key      uint8
	Velocity uint8
}

type ProgramChange struct {
	Channel uint8
	Program uint8
}

type ControlChange struct {
	Channel    uint8
	Controller uint8
	Value      uint8
}

// PitchBend holds an unsigned 14-bit value centered on PitchBendCenter.
type PitchBend struct {
	Channel uint8
	Value   uint16
}

// Aftertouch is polyphonic key pressure.
type Aftertouch struct {
	Channel  uint8
	Key      uint8
	Pressure uint8
}

type ChannelAftertouch struct {
	Channel  uint8
	Pressure uint8
}

// TempoChange marks where a track changed tempo. Event times already account
// for it, so it has no effect on playback.
type TempoChange struct {
	MicrosPerQuarter float64
}

// NewNoteOn returns a NoteOn payload. A zero velocity yields a NoteOff with
// zero release velocity instead.
func NewNoteOn(channel, key, velocity uint8) Payload {
	if velocity == 0 {
		return NoteOff{Channel: channel, Key: key}
	}
	return NoteOn{Channel: channel, Key: key, Velocity: velocity}
}

// Valid reports whether the value fits in 14 bits.
func (p PitchBend) Valid() bool { return p.Value <= MaxPitchBend }

// BPM converts the marker to beats per minute.
func (t TempoChange) BPM() float64 { return BPM(t.MicrosPerQuarter) }

// BPM converts microseconds per quarter note to beats per minute.
func BPM(microsPerQuarter float64) float64 {
	if microsPerQuarter <= 0 {
		return 0
	}
	return 60_000_000 / microsPerQuarter
}

func (NoteOn) payload()            {}
func (NoteOff) payload()           {}
func (ProgramChange) payload()     {}
func (ControlChange) payload()     {}
func (PitchBend) payload()         {}
func (Aftertouch) payload()        {}
func (ChannelAftertouch) payload() {}
func (TempoChange) payload()       {}

func (p NoteOn) String() string {
	return fmt.Sprintf("NoteOn(ch%d,%d,%d)", p.Channel, p.Key, p.Velocity)
}

func (p NoteOff) String() string {
	return fmt.Sprintf("NoteOff(ch%d,%d,%d)", p.Channel, p.Key, p.Velocity)
}

func (p ProgramChange) String() string {
	return fmt.Sprintf("ProgramChange(ch%d,%d)", p.Channel, p.Program)
}

func (p ControlChange) String() string {
	return fmt.Sprintf("ControlChange(ch%d,%d,%d)", p.Channel, p.Controller, p.Value)
}

func (p PitchBend) String() string {
	return fmt.Sprintf("PitchBend(ch%d,%d)", p.Channel, p.Value)
}

func (p Aftertouch) String() string {
	return fmt.Sprintf("Aftertouch(ch%d,%d,%d)", p.Channel, p.Key, p.Pressure)
}

func (p ChannelAftertouch) String() string {
	return fmt.Sprintf("ChannelAftertouch(ch%d,%d)", p.Channel, p.Pressure)
}

func (p TempoChange) String() string {
	return fmt.Sprintf("Tempo(%.0fus/qn, %.1f BPM)", p.MicrosPerQuarter, p.BPM())
}
