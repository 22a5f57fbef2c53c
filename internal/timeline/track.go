package timeline

import "fmt"

// Message is one decoded track event: a meta-event the builder understands or
// a raw channel-voice message. The set of implementations is closed.
type Message interface {
	message()
}

// Tempo is the set-tempo meta-event.
type Tempo struct {
	MicrosPerQuarter uint32
}

// TimeSignature holds the meter; Denominator is the note value (4 for x/4).
type TimeSignature struct {
	Numerator   uint8
	Denominator uint8
}

// KeySignature holds the number of sharps (positive) or flats (negative).
type KeySignature struct {
	SharpsFlats int8
	Minor       bool
}

type TrackName struct {
	Name string
}

// Voice is a channel-voice message with its status byte (command nibble and
// channel) and data bytes. One-byte messages leave Data2 zero.
type Voice struct {
	Status uint8
	Data1  uint8
	Data2  uint8
}

// TrackEvent pairs a message with its delta time in ticks.
type TrackEvent struct {
	Delta   uint32
	Message Message
}

type Track []TrackEvent

// Timing is the file-wide time division. SMPTE marks frame-based timing,
// which has no ticks-per-quarter value.
type Timing struct {
	TicksPerQuarter uint16
	SMPTE           bool
}

// File is a decoded Standard MIDI File.
type File struct {
	Tracks []Track
	Timing Timing
}

func (Tempo) message()         {}
func (TimeSignature) message() {}
func (KeySignature) message()  {}
func (TrackName) message()     {}
func (Voice) message()         {}

// Channel returns the low nibble of the status byte.
func (v Voice) Channel() uint8 { return v.Status & 0x0F }

// Command returns the high nibble of the status byte (0x80..0xE0).
func (v Voice) Command() uint8 { return v.Status & 0xF0 }

func (t TimeSignature) String() string {
	return fmt.Sprintf("%d/%d", t.Numerator, t.Denominator)
}

var (
	majorKeys = [...]string{"Cb", "Gb", "Db", "Ab", "Eb", "Bb", "F", "C", "G", "D", "A", "E", "B", "F#", "C#"}
	minorKeys = [...]string{"Ab", "Eb", "Bb", "F", "C", "G", "D", "A", "E", "B", "F#", "C#", "G#", "D#", "A#"}
)

func (k KeySignature) String() string {
	scale, names := "major", majorKeys
	if k.Minor {
		scale, names = "minor", minorKeys
	}
	idx := int(k.SharpsFlats) + 7
	if idx < 0 || idx >= len(names) {
		return fmt.Sprintf("%+d (%s)", k.SharpsFlats, scale)
	}
	return names[idx] + " " + scale
}
