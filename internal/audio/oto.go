package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

var (
	otoOnce   sync.Once
	otoCtx    *oto.Context
	otoErr    error
	otoRate   int
	otoFormat Format
)

// sharedOtoContext creates the single oto context on first use and waits for
// the device to become ready.
func sharedOtoContext(cfg Config) (*oto.Context, error) {
	otoOnce.Do(func() {
		otoRate, otoFormat = cfg.SampleRate, cfg.Format
		op := &oto.NewContextOptions{
			SampleRate:   cfg.SampleRate,
			ChannelCount: 2,
			Format:       oto.FormatFloat32LE,
			BufferSize:   cfg.BufferSize,
		}
		if cfg.Format == FormatInt16 {
			op.Format = oto.FormatSignedInt16LE
		}
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(op)
		if otoErr == nil {
			<-ready
		}
	})
	if otoErr != nil {
		return nil, fmt.Errorf("oto: %w", otoErr)
	}
	if otoRate != cfg.SampleRate || otoFormat != cfg.Format {
		return nil, fmt.Errorf("oto context already initialized at %d Hz %s (requested %d Hz %s)",
			otoRate, otoFormat, cfg.SampleRate, cfg.Format)
	}
	return otoCtx, nil
}

type otoDevice struct {
	ctx       *oto.Context
	player    *oto.Player
	rate      int
	frameSize int
}

func newOtoDevice(cfg Config, reader *StreamReader) (*otoDevice, error) {
	ctx, err := sharedOtoContext(cfg)
	if err != nil {
		return nil, err
	}
	pl := ctx.NewPlayer(reader)
	frameSize := cfg.Format.FrameSize()
	pl.SetBufferSize(int(cfg.BufferSize.Seconds()*float64(cfg.SampleRate)) * frameSize)
	return &otoDevice{ctx: ctx, player: pl, rate: cfg.SampleRate, frameSize: frameSize}, nil
}

func (d *otoDevice) Play()           { d.player.Play() }
func (d *otoDevice) Pause()          { d.player.Pause() }
func (d *otoDevice) IsPlaying() bool { return d.player.IsPlaying() }

func (d *otoDevice) Buffered() time.Duration {
	frames := d.player.BufferedSize() / d.frameSize
	return time.Duration(frames) * time.Second / time.Duration(d.rate)
}

func (d *otoDevice) Err() error {
	if err := d.player.Err(); err != nil {
		return err
	}
	return d.ctx.Err()
}

func (d *otoDevice) Close() error { return d.player.Close() }
