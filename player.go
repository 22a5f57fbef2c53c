package smfplay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	meltysynth "github.com/sinshu/go-meltysynth/meltysynth"

	intaudio "github.com/cbegin/smfplay-go/internal/audio"
	intcond "github.com/cbegin/smfplay-go/internal/conductor"
	"github.com/cbegin/smfplay-go/internal/logging"
	intsmf "github.com/cbegin/smfplay-go/internal/smfdecode"
	intsynth "github.com/cbegin/smfplay-go/internal/synth"
	"github.com/cbegin/smfplay-go/internal/timeline"
)

// PlaybackEvent carries playback lifecycle events from Watch().
type PlaybackEvent struct {
	Kind int // EventDispatchComplete, EventPlaybackEnded, or EventDeviceError
	Err  error
}

const (
	EventDispatchComplete int = iota
	EventPlaybackEnded
	EventDeviceError
)

var ErrNoSoundFont = errors.New("no sound font loaded")

type PlayerOption func(*playerConfig)

type playerConfig struct {
	synth        intsynth.Settings
	backend      intaudio.Backend
	format       intaudio.Format
	bufferSize   time.Duration
	pollInterval time.Duration
	tail         time.Duration
	logger       logrus.FieldLogger
}

func defaultPlayerConfig() playerConfig {
	return playerConfig{
		synth:        intsynth.DefaultSettings(),
		backend:      intaudio.BackendEbiten,
		format:       intaudio.FormatFloat32,
		bufferSize:   intaudio.DefaultBufferSize,
		pollInterval: intcond.DefaultPollInterval,
		tail:         intcond.DefaultTail,
	}
}

func WithSampleRate(rate int) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.synth.SampleRate = rate
	}
}

func WithFormat(format intaudio.Format) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.format = format
	}
}

func WithBackend(backend intaudio.Backend) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.backend = backend
	}
}

func WithBufferSize(d time.Duration) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.bufferSize = d
	}
}

// WithGain sets the master gain applied to the synthesizer output.
func WithGain(gain float32) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.synth.Gain = gain
	}
}

func WithReverbAndChorus(enabled bool) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.synth.ReverbAndChorus = enabled
	}
}

func WithPollInterval(d time.Duration) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.pollInterval = d
	}
}

// WithTail sets how long playback continues after the last event. A negative
// value disables the tail.
func WithTail(d time.Duration) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.tail = d
	}
}

func WithLogger(log logrus.FieldLogger) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.logger = log
	}
}

type Player struct {
	mu        sync.Mutex
	cfg       playerConfig
	log       logrus.FieldLogger
	soundFont *meltysynth.SoundFont
	current   *session
	eventCh   chan PlaybackEvent
	eventChMu sync.Mutex
}

// session is one Play call: an engine, a device and the conductor driving
// them.
type session struct {
	cancel    context.CancelFunc
	conductor *intcond.Conductor
	device    *intaudio.Player
	done      chan struct{}
	stopped   atomic.Bool
	err       error
}

func NewPlayer(opts ...PlayerOption) (*Player, error) {
	cfg := defaultPlayerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.synth.SampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	if cfg.synth.Gain < 0 {
		return nil, errors.New("gain must not be negative")
	}
	return &Player{
		cfg: cfg,
		log: logging.OrDiscard(cfg.logger),
	}, nil
}

// Compile decodes an SMF and builds its global timeline.
func Compile(r io.Reader, log logrus.FieldLogger) (*timeline.Timeline, error) {
	file, err := intsmf.Decode(r)
	if err != nil {
		return nil, err
	}
	return timeline.NewBuilder(log).Build(file)
}

// CompileFile is Compile for the SMF at path.
func CompileFile(path string, log logrus.FieldLogger) (*timeline.Timeline, error) {
	file, err := intsmf.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return timeline.NewBuilder(log).Build(file)
}

func (p *Player) LoadSoundFont(r io.Reader) error {
	sf, err := intsynth.LoadSoundFont(r)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.soundFont = sf
	p.mu.Unlock()
	return nil
}

func (p *Player) LoadSoundFontFile(path string) error {
	sf, err := intsynth.LoadSoundFontFile(path)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.soundFont = sf
	p.mu.Unlock()
	return nil
}

// newEngine builds a fresh engine for every playback so no voice or
// controller state leaks between songs, then puts it in a clean state.
func (p *Player) newEngine() (*intsynth.Shared, error) {
	p.mu.Lock()
	sf := p.soundFont
	p.mu.Unlock()
	if sf == nil {
		return nil, ErrNoSoundFont
	}
	engine, err := intsynth.NewMelty(sf, p.cfg.synth)
	if err != nil {
		return nil, err
	}
	shared := intsynth.NewShared(engine)
	if err := shared.Reset(); err != nil {
		p.log.WithError(err).Warn("engine reset incomplete")
	}
	return shared, nil
}

// Play starts real-time playback of tl and returns immediately. Any previous
// playback is stopped first. Cancelling ctx stops playback.
func (p *Player) Play(ctx context.Context, tl *timeline.Timeline) error {
	if err := p.Stop(); err != nil {
		p.log.WithError(err).Debug("previous playback ended with error")
	}

	shared, err := p.newEngine()
	if err != nil {
		return err
	}
	device, err := intaudio.NewPlayer(intaudio.Config{
		Backend:    p.cfg.backend,
		SampleRate: p.cfg.synth.SampleRate,
		Format:     p.cfg.format,
		BufferSize: p.cfg.bufferSize,
		Logger:     p.log,
	}, shared)
	if err != nil {
		return fmt.Errorf("open audio device: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel, device: device, done: make(chan struct{})}
	s.conductor = intcond.New(tl.Events, shared, intcond.Options{
		PollInterval: p.cfg.pollInterval,
		Tail:         p.cfg.tail,
		Logger:       p.log,
		OnEvent: func(kind intcond.EventKind) {
			switch kind {
			case intcond.EventDispatchComplete:
				p.sendEvent(PlaybackEvent{Kind: EventDispatchComplete})
			case intcond.EventPlaybackEnded:
				p.sendEvent(PlaybackEvent{Kind: EventPlaybackEnded})
			}
		},
	})

	p.mu.Lock()
	p.current = s
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"events":   tl.Len(),
		"duration": timeline.FormatDuration(tl.Duration()),
	}).Info("playback started")
	device.Play()
	s.conductor.Start(ctx)
	go p.supervise(s)
	return nil
}

// supervise forwards device errors until the conductor finishes, then
// releases the device.
func (p *Player) supervise(s *session) {
	defer close(s.done)
loop:
	for {
		select {
		case err := <-s.device.Errors():
			p.log.WithError(err).Warn("audio error")
			p.sendEvent(PlaybackEvent{Kind: EventDeviceError, Err: err})
		case <-s.conductor.Done():
			break loop
		}
	}
	s.cancel()
	closeErr := s.device.Close()
	err := s.conductor.Err()
	if s.stopped.Load() && errors.Is(err, context.Canceled) {
		err = nil
	}
	s.err = errors.Join(err, closeErr)

	stats := s.conductor.Stats()
	p.log.WithFields(logrus.Fields{
		"dispatched":      stats.Dispatched,
		"failed":          stats.Failed,
		"dropped":         stats.Dropped,
		"render_failures": s.device.RenderFailures(),
	}).Info("playback finished")
}

func (p *Player) sendEvent(ev PlaybackEvent) {
	p.eventChMu.Lock()
	ch := p.eventCh
	p.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
			// Channel full; drop event
		}
	}
}

// Stop ends the current playback and waits for it to release the device.
func (p *Player) Stop() error {
	p.mu.Lock()
	s := p.current
	p.current = nil
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	s.stopped.Store(true)
	s.cancel()
	<-s.done
	return s.err
}

// Wait blocks until the current playback ends and returns its error.
// Wait returns immediately if no playback is active.
func (p *Player) Wait() error {
	p.mu.Lock()
	s := p.current
	p.mu.Unlock()
	if s == nil {
		return nil
	}
	<-s.done
	return s.err
}

// Done is closed when the current playback ends. It is nil when nothing is
// playing.
func (p *Player) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	return p.current.done
}

// Stats reports the dispatch counters of the current playback.
func (p *Player) Stats() intcond.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return intcond.Stats{}
	}
	return p.current.conductor.Stats()
}

// Position returns how far into the song the listener is.
func (p *Player) Position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0
	}
	return p.current.device.Position()
}

// Watch returns a channel that receives playback events. Events are sent when:
//   - EventDispatchComplete: the last event was handed to the engine
//   - EventPlaybackEnded: the tail after the last event elapsed
//   - EventDeviceError: the audio device or render path failed (Err set)
//
// The channel is buffered (cap 8); receive in a goroutine to avoid dropping events.
// Only the most recent Watch() channel receives events; call Watch before Play.
func (p *Player) Watch() <-chan PlaybackEvent {
	ch := make(chan PlaybackEvent, 8)
	p.eventChMu.Lock()
	p.eventCh = ch
	p.eventChMu.Unlock()
	return ch
}

// SampleRate returns the output sample rate.
func (p *Player) SampleRate() int { return p.cfg.synth.SampleRate }
