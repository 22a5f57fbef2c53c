package audio

import (
	"fmt"
	"io"
	"sync"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

// sharedAudioContext returns the process-wide ebiten context; ebiten allows
// only one.
func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

type ebitenDevice struct {
	player *ebitaudio.Player
	reader *StreamReader
	rate   int
}

func newEbitenDevice(cfg Config, reader *StreamReader) (*ebitenDevice, error) {
	ctx, err := sharedAudioContext(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	var pl *ebitaudio.Player
	var src io.Reader = reader
	if cfg.Format == FormatInt16 {
		pl, err = ctx.NewPlayer(src)
	} else {
		pl, err = ctx.NewPlayerF32(src)
	}
	if err != nil {
		return nil, err
	}
	pl.SetBufferSize(cfg.BufferSize)
	return &ebitenDevice{player: pl, reader: reader, rate: cfg.SampleRate}, nil
}

func (d *ebitenDevice) Play()           { d.player.Play() }
func (d *ebitenDevice) Pause()          { d.player.Pause() }
func (d *ebitenDevice) IsPlaying() bool { return d.player.IsPlaying() }

func (d *ebitenDevice) Buffered() time.Duration {
	read := time.Duration(d.reader.Frames()) * time.Second / time.Duration(d.rate)
	if b := read - d.player.Position(); b > 0 {
		return b
	}
	return 0
}

// Err is always nil; ebiten surfaces driver failures through its own loop.
func (d *ebitenDevice) Err() error { return nil }

func (d *ebitenDevice) Close() error { return d.player.Close() }
