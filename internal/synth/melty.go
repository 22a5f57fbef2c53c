package synth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	meltysynth "github.com/sinshu/go-meltysynth/meltysynth"
)

const (
	DefaultSampleRate   = 44100
	DefaultBlockSize    = 64
	DefaultMaxPolyphony = 64
	DefaultGain         = 0.7
)

// ErrNoSoundFont is returned when a synthesizer is built without a sound font.
var ErrNoSoundFont = errors.New("synth: no sound font loaded")

// RangeError reports an argument outside its MIDI range.
type RangeError struct {
	Op    string
	Arg   string
	Value int
	Max   int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("synth: %s: %s %d out of range 0..%d", e.Op, e.Arg, e.Value, e.Max)
}

// Engine is a sound-font synthesizer that accepts MIDI calls and renders
// interleaved stereo audio.
type Engine interface {
	NoteOn(channel, key, velocity uint8) error
	NoteOff(channel, key uint8) error
	ProgramChange(channel, program uint8) error
	ControlChange(channel, controller, value uint8) error
	PitchBend(channel uint8, value uint16) error
	KeyPressure(channel, key, pressure uint8) error
	ChannelPressure(channel, pressure uint8) error
	RenderFloat32(dst []float32) error
	RenderInt16(dst []int16) error
}

type Settings struct {
	SampleRate      int
	BlockSize       int
	MaxPolyphony    int
	ReverbAndChorus bool
	// Gain scales every rendered sample.
	Gain float32
}

func DefaultSettings() Settings {
	return Settings{
		SampleRate:      DefaultSampleRate,
		BlockSize:       DefaultBlockSize,
		MaxPolyphony:    DefaultMaxPolyphony,
		ReverbAndChorus: true,
		Gain:            DefaultGain,
	}
}

func (s Settings) validate() error {
	switch {
	case s.SampleRate < 16000 || s.SampleRate > 192000:
		return fmt.Errorf("synth: sample rate %d outside 16000..192000", s.SampleRate)
	case s.BlockSize < 8 || s.BlockSize > 1024:
		return fmt.Errorf("synth: block size %d outside 8..1024", s.BlockSize)
	case s.MaxPolyphony < 8 || s.MaxPolyphony > 256:
		return fmt.Errorf("synth: polyphony %d outside 8..256", s.MaxPolyphony)
	case s.Gain < 0:
		return fmt.Errorf("synth: negative gain %v", s.Gain)
	}
	return nil
}

// synthesizer abstracts the subset of meltysynth.Synthesizer used by Melty.
type synthesizer interface {
	ProcessMidiMessage(channel int32, command int32, data1, data2 int32)
	NoteOn(channel, key, vel int32)
	NoteOff(channel, key int32)
	Render(left, right []float32)
}

// newSynthesizer constructs a meltysynth synthesizer. Tests may override this
// to inject a mock implementation.
var newSynthesizer = func(sf *meltysynth.SoundFont, settings *meltysynth.SynthesizerSettings) (synthesizer, error) {
	return meltysynth.NewSynthesizer(sf, settings)
}

// LoadSoundFont parses an SF2 bank from r.
func LoadSoundFont(r io.Reader) (*meltysynth.SoundFont, error) {
	sf, err := meltysynth.NewSoundFont(r)
	if err != nil {
		return nil, fmt.Errorf("synth: parse sound font: %w", err)
	}
	return sf, nil
}

// LoadSoundFontFile parses the SF2 bank at path.
func LoadSoundFontFile(path string) (*meltysynth.SoundFont, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("synth: open sound font: %w", err)
	}
	defer f.Close()
	return LoadSoundFont(bufio.NewReader(f))
}

// Melty is an Engine backed by meltysynth. It is not safe for concurrent use;
// wrap it in Shared.
type Melty struct {
	syn         synthesizer
	settings    Settings
	left, right []float32
}

var _ Engine = (*Melty)(nil)

func NewMelty(sf *meltysynth.SoundFont, settings Settings) (*Melty, error) {
	if sf == nil {
		return nil, ErrNoSoundFont
	}
	if err := settings.validate(); err != nil {
		return nil, err
	}
	ms := meltysynth.NewSynthesizerSettings(int32(settings.SampleRate))
	ms.BlockSize = int32(settings.BlockSize)
	ms.MaximumPolyphony = int32(settings.MaxPolyphony)
	ms.EnableReverbAndChorus = settings.ReverbAndChorus
	syn, err := newSynthesizer(sf, ms)
	if err != nil {
		return nil, fmt.Errorf("synth: create synthesizer: %w", err)
	}
	return &Melty{syn: syn, settings: settings}, nil
}

func (m *Melty) Settings() Settings { return m.settings }

func (m *Melty) NoteOn(channel, key, velocity uint8) error {
	if err := checkRange("note on", channel, key, velocity); err != nil {
		return err
	}
	m.syn.NoteOn(int32(channel), int32(key), int32(velocity))
	return nil
}

func (m *Melty) NoteOff(channel, key uint8) error {
	if err := checkRange("note off", channel, key, 0); err != nil {
		return err
	}
	m.syn.NoteOff(int32(channel), int32(key))
	return nil
}

func (m *Melty) ProgramChange(channel, program uint8) error {
	if err := checkRange("program change", channel, program, 0); err != nil {
		return err
	}
	m.syn.ProcessMidiMessage(int32(channel), 0xC0, int32(program), 0)
	return nil
}

func (m *Melty) ControlChange(channel, controller, value uint8) error {
	if err := checkRange("control change", channel, controller, value); err != nil {
		return err
	}
	m.syn.ProcessMidiMessage(int32(channel), 0xB0, int32(controller), int32(value))
	return nil
}

// PitchBend takes the 14-bit bend value, 8192 being center.
func (m *Melty) PitchBend(channel uint8, value uint16) error {
	if err := checkRange("pitch bend", channel, 0, 0); err != nil {
		return err
	}
	if value > 16383 {
		return &RangeError{Op: "pitch bend", Arg: "value", Value: int(value), Max: 16383}
	}
	m.syn.ProcessMidiMessage(int32(channel), 0xE0, int32(value&0x7F), int32(value>>7))
	return nil
}

func (m *Melty) KeyPressure(channel, key, pressure uint8) error {
	if err := checkRange("key pressure", channel, key, pressure); err != nil {
		return err
	}
	m.syn.ProcessMidiMessage(int32(channel), 0xA0, int32(key), int32(pressure))
	return nil
}

func (m *Melty) ChannelPressure(channel, pressure uint8) error {
	if err := checkRange("channel pressure", channel, pressure, 0); err != nil {
		return err
	}
	m.syn.ProcessMidiMessage(int32(channel), 0xD0, int32(pressure), 0)
	return nil
}

// RenderFloat32 fills dst with interleaved stereo frames.
func (m *Melty) RenderFloat32(dst []float32) error {
	if len(dst)%2 != 0 {
		return fmt.Errorf("synth: odd stereo buffer length %d", len(dst))
	}
	frames := len(dst) / 2
	m.render(frames)
	g := m.settings.Gain
	for i := 0; i < frames; i++ {
		dst[2*i] = m.left[i] * g
		dst[2*i+1] = m.right[i] * g
	}
	return nil
}

// RenderInt16 fills dst with interleaved stereo frames, clipping at full
// scale.
func (m *Melty) RenderInt16(dst []int16) error {
	if len(dst)%2 != 0 {
		return fmt.Errorf("synth: odd stereo buffer length %d", len(dst))
	}
	frames := len(dst) / 2
	m.render(frames)
	g := m.settings.Gain
	for i := 0; i < frames; i++ {
		dst[2*i] = toInt16(m.left[i] * g)
		dst[2*i+1] = toInt16(m.right[i] * g)
	}
	return nil
}

func (m *Melty) render(frames int) {
	if cap(m.left) < frames {
		m.left = make([]float32, frames)
		m.right = make([]float32, frames)
	}
	m.left = m.left[:frames]
	m.right = m.right[:frames]
	m.syn.Render(m.left, m.right)
}

func toInt16(v float32) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * 32767)
}

// checkRange validates a channel and two data bytes.
func checkRange(op string, channel, data1, data2 uint8) error {
	if channel > 15 {
		return &RangeError{Op: op, Arg: "channel", Value: int(channel), Max: 15}
	}
	if data1 > 127 {
		return &RangeError{Op: op, Arg: "data", Value: int(data1), Max: 127}
	}
	if data2 > 127 {
		return &RangeError{Op: op, Arg: "data", Value: int(data2), Max: 127}
	}
	return nil
}
