package synth

import (
	"errors"
	"sync"
)

// Shared serializes access to an Engine that is driven from the conductor
// goroutine and rendered from the audio thread. Each call holds the lock for
// exactly that call, so rendering never waits on more than one event.
type Shared struct {
	mu     sync.Mutex
	engine Engine
}

var _ Engine = (*Shared)(nil)

func NewShared(engine Engine) *Shared {
	return &Shared{engine: engine}
}

func (s *Shared) NoteOn(channel, key, velocity uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.NoteOn(channel, key, velocity)
}

func (s *Shared) NoteOff(channel, key uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.NoteOff(channel, key)
}

func (s *Shared) ProgramChange(channel, program uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.ProgramChange(channel, program)
}

func (s *Shared) ControlChange(channel, controller, value uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.ControlChange(channel, controller, value)
}

func (s *Shared) PitchBend(channel uint8, value uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.PitchBend(channel, value)
}

func (s *Shared) KeyPressure(channel, key, pressure uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.KeyPressure(channel, key, pressure)
}

func (s *Shared) ChannelPressure(channel, pressure uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.ChannelPressure(channel, pressure)
}

// RenderFloat32 renders one whole buffer under a single lock.
func (s *Shared) RenderFloat32(dst []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.RenderFloat32(dst)
}

func (s *Shared) RenderInt16(dst []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.RenderInt16(dst)
}

const (
	ccAllSoundOff         = 120
	ccResetAllControllers = 121
	pitchBendCenter       = 8192
)

// Reset centers pitch bend and silences every channel. Each message takes
// the lock on its own.
func (s *Shared) Reset() error {
	var errs []error
	for ch := uint8(0); ch < 16; ch++ {
		errs = append(errs,
			s.PitchBend(ch, pitchBendCenter),
			s.ControlChange(ch, ccResetAllControllers, 0),
			s.ControlChange(ch, ccAllSoundOff, 0),
		)
	}
	return errors.Join(errs...)
}
