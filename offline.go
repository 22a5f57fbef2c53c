package smfplay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	intaudio "github.com/cbegin/smfplay-go/internal/audio"
	intcond "github.com/cbegin/smfplay-go/internal/conductor"
	intsynth "github.com/cbegin/smfplay-go/internal/synth"
	"github.com/cbegin/smfplay-go/internal/timeline"
)

// offlineBlock is the largest number of frames rendered per engine call.
const offlineBlock = 1024

// RenderSamples renders events through engine without a device. Events are
// applied at their exact sample position. A negative tail means none; zero
// means the default tail.
func RenderSamples(events []timeline.Event, engine intsynth.Engine, sampleRate int, tail time.Duration) ([]float32, intcond.Stats, error) {
	var out []float32
	stats, err := renderOffline(events, engine, sampleRate, tail, func(frames int) error {
		n := len(out)
		out = slices.Grow(out, frames*2)[:n+frames*2]
		return engine.RenderFloat32(out[n:])
	})
	return out, stats, err
}

// RenderSamplesInt16 is RenderSamples producing 16-bit samples.
func RenderSamplesInt16(events []timeline.Event, engine intsynth.Engine, sampleRate int, tail time.Duration) ([]int16, intcond.Stats, error) {
	var out []int16
	stats, err := renderOffline(events, engine, sampleRate, tail, func(frames int) error {
		n := len(out)
		out = slices.Grow(out, frames*2)[:n+frames*2]
		return engine.RenderInt16(out[n:])
	})
	return out, stats, err
}

func renderOffline(events []timeline.Event, engine intsynth.Engine, sampleRate int, tail time.Duration, render func(frames int) error) (intcond.Stats, error) {
	var stats intcond.Stats
	if sampleRate <= 0 {
		return stats, fmt.Errorf("sample rate %d must be positive", sampleRate)
	}
	if tail == 0 {
		tail = intcond.DefaultTail
	} else if tail < 0 {
		tail = 0
	}
	var cursor int64
	advance := func(to int64) error {
		for cursor < to {
			n := min(to-cursor, offlineBlock)
			if err := render(int(n)); err != nil {
				return fmt.Errorf("render at frame %d: %w", cursor, err)
			}
			cursor += n
		}
		return nil
	}
	for _, ev := range events {
		if err := advance(usToFrames(ev.TimeUS, sampleRate)); err != nil {
			return stats, err
		}
		if _, ok := ev.Payload.(timeline.TempoChange); ok {
			stats.Skipped++
			continue
		}
		if err := intcond.Apply(engine, ev.Payload); err != nil {
			if errors.Is(err, intcond.ErrPitchBendRange) {
				stats.Dropped++
			} else {
				stats.Failed++
			}
			continue
		}
		stats.Dispatched++
	}
	end := cursor + int64(tail.Seconds()*float64(sampleRate))
	return stats, advance(end)
}

func usToFrames(us uint64, sampleRate int) int64 {
	return int64(math.Round(float64(us) * float64(sampleRate) / 1e6))
}

// RenderWAV renders tl offline with a fresh engine and writes a WAV file in
// the given sample format.
func (p *Player) RenderWAV(w io.Writer, tl *timeline.Timeline, format intaudio.Format) (int64, error) {
	engine, err := p.newEngine()
	if err != nil {
		return 0, err
	}
	rate := p.cfg.synth.SampleRate
	var wav []byte
	var stats intcond.Stats
	if format == intaudio.FormatInt16 {
		var samples []int16
		samples, stats, err = RenderSamplesInt16(tl.Events, engine, rate, p.cfg.tail)
		wav = EncodeWAVInt16LE(samples, rate, 2)
	} else {
		var samples []float32
		samples, stats, err = RenderSamples(tl.Events, engine, rate, p.cfg.tail)
		wav = EncodeWAVFloat32LE(samples, rate, 2)
	}
	if err != nil {
		return 0, err
	}
	p.log.WithFields(logrus.Fields{
		"dispatched": stats.Dispatched,
		"failed":     stats.Failed,
		"dropped":    stats.Dropped,
		"bytes":      len(wav),
	}).Debug("offline render complete")
	n, err := w.Write(wav)
	return int64(n), err
}

func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	out := wavHeader(len(samples)*4, sampleRate, channels, 3, 32)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}

func EncodeWAVInt16LE(samples []int16, sampleRate int, channels int) []byte {
	out := wavHeader(len(samples)*2, sampleRate, channels, 1, 16)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[44+i*2:], uint16(s))
	}
	return out
}

// wavHeader allocates the whole file and fills in the 44-byte header.
// formatTag is 1 for PCM and 3 for IEEE float.
func wavHeader(dataSize, sampleRate, channels, formatTag, bits int) []byte {
	blockAlign := channels * bits / 8
	out := make([]byte, 44+dataSize)
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], uint16(formatTag))
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], uint16(bits))
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	return out
}
