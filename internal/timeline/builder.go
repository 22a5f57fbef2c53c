package timeline

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cbegin/smfplay-go/internal/logging"
)

const (
	// DefaultMicrosPerQuarter is 120 BPM, used when a file has no tempo.
	DefaultMicrosPerQuarter = 500_000.0
	// FallbackPPQ replaces the division of frame-based (SMPTE) files.
	FallbackPPQ = 480
)

var (
	ErrNoTracks        = errors.New("timeline: file has no tracks")
	ErrInvalidDivision = errors.New("timeline: invalid time division")
	ErrInvalidTempo    = errors.New("timeline: invalid tempo")
	ErrInvalidMessage  = errors.New("timeline: invalid channel message")
)

// Builder converts decoded tracks into timed events.
type Builder struct {
	log logrus.FieldLogger
}

// NewBuilder returns a Builder that reports file metadata to log. A nil log
// discards it.
func NewBuilder(log logrus.FieldLogger) *Builder {
	return &Builder{log: logging.OrDiscard(log)}
}

// New builds the global timeline of file without logging.
func New(file File) (*Timeline, error) {
	return NewBuilder(nil).Build(file)
}

// Build runs both passes and merges the result.
func (b *Builder) Build(file File) (*Timeline, error) {
	if len(file.Tracks) == 0 {
		return nil, ErrNoTracks
	}
	initial, err := InitialTempo(file.Tracks)
	if err != nil {
		return nil, err
	}
	perTrack, info, err := b.BuildTracks(file, initial)
	if err != nil {
		return nil, err
	}
	tl := &Timeline{Events: Merge(perTrack), Info: info}
	b.log.WithFields(logrus.Fields{
		"events":   len(tl.Events),
		"duration": FormatDuration(tl.Duration()),
	}).Debug("timeline built")
	return tl, nil
}

// InitialTempo is the first pass: it returns the first tempo found in file
// order, or DefaultMicrosPerQuarter when there is none.
func InitialTempo(tracks []Track) (float64, error) {
	for i, tr := range tracks {
		for _, ev := range tr {
			t, ok := ev.Message.(Tempo)
			if !ok {
				continue
			}
			if t.MicrosPerQuarter == 0 {
				return 0, fmt.Errorf("%w: zero microseconds per quarter note in track %d", ErrInvalidTempo, i)
			}
			return float64(t.MicrosPerQuarter), nil
		}
	}
	return DefaultMicrosPerQuarter, nil
}

// PPQ returns the ticks per quarter note for timing. Frame-based timing falls
// back to FallbackPPQ and reports fallback=true; that conversion is only an
// approximation of the real frame clock.
func PPQ(timing Timing) (ppq float64, fallback bool, err error) {
	if timing.SMPTE {
		return FallbackPPQ, true, nil
	}
	if timing.TicksPerQuarter == 0 {
		return 0, false, fmt.Errorf("%w: zero ticks per quarter note", ErrInvalidDivision)
	}
	return float64(timing.TicksPerQuarter), false, nil
}

// BuildTracks is the second pass. It returns one time-ordered slice per
// track; every track starts at initialTempo and only follows its own tempo
// changes.
func (b *Builder) BuildTracks(file File, initialTempo float64) ([][]Event, Info, error) {
	if initialTempo <= 0 {
		return nil, Info{}, fmt.Errorf("%w: initial tempo %v", ErrInvalidTempo, initialTempo)
	}
	ppq, fallback, err := PPQ(file.Timing)
	if err != nil {
		return nil, Info{}, err
	}
	if fallback {
		b.log.WithField("ppq", ppq).Warn("frame-based timing is not supported; approximating with a fixed PPQ")
	}
	b.log.WithField("ppq", ppq).Info("time division")
	b.log.WithFields(logrus.Fields{
		"us_per_qn": initialTempo,
		"bpm":       fmt.Sprintf("%.1f", BPM(initialTempo)),
	}).Info("initial tempo")

	info := Info{
		PPQ:                     ppq,
		PPQFallback:             fallback,
		InitialMicrosPerQuarter: initialTempo,
		Tracks:                  len(file.Tracks),
	}
	out := make([][]Event, len(file.Tracks))
	for i, tr := range file.Tracks {
		events, err := b.buildTrack(i, tr, ppq, initialTempo, &info)
		if err != nil {
			return nil, Info{}, err
		}
		out[i] = events
	}
	return out, info, nil
}

func (b *Builder) buildTrack(index int, tr Track, ppq, initialTempo float64, info *Info) ([]Event, error) {
	clock := trackClock{ppq: ppq, usPerQuarter: initialTempo}
	log := b.log.WithField("track", index)
	events := make([]Event, 0, len(tr))
	for _, ev := range tr {
		t := clock.advance(ev.Delta)
		switch m := ev.Message.(type) {
		case Tempo:
			if m.MicrosPerQuarter == 0 {
				return nil, fmt.Errorf("%w: zero microseconds per quarter note in track %d at tick %d", ErrInvalidTempo, index, clock.absTicks)
			}
			us := float64(m.MicrosPerQuarter)
			events = append(events, Event{TimeUS: t, Payload: TempoChange{MicrosPerQuarter: us}})
			clock.setTempo(us)
			info.Meta = append(info.Meta, MetaEvent{Track: index, TimeUS: t, Message: m})
			log.WithFields(logrus.Fields{"at_us": t, "bpm": fmt.Sprintf("%.1f", BPM(us))}).Info("tempo change")
		case Voice:
			p, err := voicePayload(m)
			if err != nil {
				return nil, fmt.Errorf("track %d at tick %d: %w", index, clock.absTicks, err)
			}
			events = append(events, Event{TimeUS: t, Payload: p})
		case TimeSignature:
			info.Meta = append(info.Meta, MetaEvent{Track: index, TimeUS: t, Message: m})
			log.WithField("meter", m.String()).Info("time signature")
		case KeySignature:
			info.Meta = append(info.Meta, MetaEvent{Track: index, TimeUS: t, Message: m})
			log.WithField("key", m.String()).Info("key signature")
		case TrackName:
			info.Meta = append(info.Meta, MetaEvent{Track: index, TimeUS: t, Message: m})
			log.WithField("name", m.Name).Info("track name")
		}
	}
	return events, nil
}

// voicePayload maps a channel-voice message onto its payload.
func voicePayload(v Voice) (Payload, error) {
	ch := v.Channel()
	switch v.Command() {
	case 0x80:
		return NoteOff{Channel: ch, Key: v.Data1, Velocity: v.Data2}, nil
	case 0x90:
		return NewNoteOn(ch, v.Data1, v.Data2), nil
	case 0xA0:
		return Aftertouch{Channel: ch, Key: v.Data1, Pressure: v.Data2}, nil
	case 0xB0:
		return ControlChange{Channel: ch, Controller: v.Data1, Value: v.Data2}, nil
	case 0xC0:
		return ProgramChange{Channel: ch, Program: v.Data1}, nil
	case 0xD0:
		return ChannelAftertouch{Channel: ch, Pressure: v.Data1}, nil
	case 0xE0:
		return PitchBend{Channel: ch, Value: uint16(v.Data1&0x7F) | uint16(v.Data2&0x7F)<<7}, nil
	}
	return nil, fmt.Errorf("%w: status 0x%02X", ErrInvalidMessage, v.Status)
}

// trackClock converts one track's ticks to microseconds using the tempo
// currently in force over the whole tick count. A tempo change rescales every
// later event of the track, so times after a slowdown followed by a speedup
// can run backwards within a track; Merge orders them globally.
type trackClock struct {
	ppq          float64
	usPerQuarter float64
	absTicks     uint64
}

func (c *trackClock) advance(delta uint32) uint64 {
	c.absTicks += uint64(delta)
	return uint64(float64(c.absTicks) / c.ppq * c.usPerQuarter)
}

// setTempo applies to events after the tempo marker, which keeps the time it
// was reached at.
func (c *trackClock) setTempo(usPerQuarter float64) {
	c.usPerQuarter = usPerQuarter
}
