package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cbegin/smfplay-go/internal/logging"
)

// Backend selects the audio output library.
type Backend string

const (
	BackendEbiten Backend = "ebiten"
	BackendOto    Backend = "oto"
)

func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(s)); b {
	case BackendEbiten, BackendOto:
		return b, nil
	}
	return "", fmt.Errorf("unknown audio backend %q (want ebiten or oto)", s)
}

const DefaultBufferSize = 50 * time.Millisecond

type Config struct {
	Backend    Backend
	SampleRate int
	Format     Format
	// BufferSize is the device buffer length (0 = 50ms).
	BufferSize time.Duration
	Logger     logrus.FieldLogger
}

// device is what each backend provides.
type device interface {
	Play()
	Pause()
	IsPlaying() bool
	// Buffered returns how much audio was read but not yet heard.
	Buffered() time.Duration
	// Err reports an asynchronous device failure.
	Err() error
	Close() error
}

// Player streams a Source to the selected backend.
type Player struct {
	cfg    Config
	log    logrus.FieldLogger
	reader *StreamReader
	dev    device

	errs      chan error
	stop      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewPlayer(cfg Config, source Source) (*Player, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendEbiten
	}
	p := &Player{
		cfg:  cfg,
		log:  logging.OrDiscard(cfg.Logger).WithField("backend", cfg.Backend),
		errs: make(chan error, 8),
		stop: make(chan struct{}),
	}
	p.reader = NewStreamReader(source, cfg.Format, func(err error) {
		p.report(fmt.Errorf("render: %w", err))
	})

	var err error
	switch cfg.Backend {
	case BackendEbiten:
		p.dev, err = newEbitenDevice(cfg, p.reader)
	case BackendOto:
		p.dev, err = newOtoDevice(cfg, p.reader)
	default:
		err = fmt.Errorf("unknown audio backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{
		"sample_rate": cfg.SampleRate,
		"format":      cfg.Format.String(),
		"buffer":      cfg.BufferSize,
	}).Debug("audio device opened")
	go p.watch()
	return p, nil
}

func (p *Player) Play()           { p.dev.Play() }
func (p *Player) Pause()          { p.dev.Pause() }
func (p *Player) IsPlaying() bool { return p.dev.IsPlaying() }

// Position returns the current playback position (what the listener actually hears).
func (p *Player) Position() time.Duration {
	read := time.Duration(p.reader.Frames()) * time.Second / time.Duration(p.cfg.SampleRate)
	pos := read - p.dev.Buffered()
	if pos < 0 {
		return 0
	}
	return pos
}

// Errors delivers render and device failures. Errors are dropped when
// nobody is receiving.
func (p *Player) Errors() <-chan error { return p.errs }

// RenderFailures returns the number of buffers that were replaced by silence.
func (p *Player) RenderFailures() int64 { return p.reader.Failures() }

func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.dev.Pause()
		p.closeErr = errors.Join(p.dev.Close(), p.reader.Close())
	})
	return p.closeErr
}

func (p *Player) report(err error) {
	select {
	case p.errs <- err:
	default:
	}
}

// watch polls the device for asynchronous failures.
func (p *Player) watch() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.dev.Err(); err != nil {
				p.log.WithError(err).Error("audio device failed")
				p.report(err)
				return
			}
		}
	}
}
