package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// Source renders interleaved stereo audio on demand.
type Source interface {
	RenderFloat32(dst []float32) error
	RenderInt16(dst []int16) error
}

// Format is the sample encoding delivered to the device.
type Format int

const (
	FormatFloat32 Format = iota
	FormatInt16
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "f32", "float32":
		return FormatFloat32, nil
	case "i16", "int16", "s16":
		return FormatInt16, nil
	}
	return 0, fmt.Errorf("unknown sample format %q (want f32 or i16)", s)
}

func (f Format) String() string {
	if f == FormatInt16 {
		return "i16"
	}
	return "f32"
}

// FrameSize is the byte size of one stereo frame.
func (f Format) FrameSize() int {
	if f == FormatInt16 {
		return 4
	}
	return 8
}

// StreamReader adapts a Source to the io.Reader the audio backends pull from.
// A render failure never blocks or ends the stream: the buffer is filled with
// silence and the error is handed to the error callback.
type StreamReader struct {
	mu      sync.Mutex
	source  Source
	format  Format
	f32     []float32
	i16     []int16
	onError func(error)

	frames   atomic.Int64
	failures atomic.Int64
}

func NewStreamReader(source Source, format Format, onError func(error)) *StreamReader {
	return &StreamReader{source: source, format: format, onError: onError}
}

// Read renders len(p)/FrameSize frames. A non-empty p shorter than one frame
// returns io.ErrShortBuffer.
func (r *StreamReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	frameSize := r.format.FrameSize()
	frames := len(p) / frameSize
	if frames == 0 {
		return 0, io.ErrShortBuffer
	}
	need := frames * 2
	var err error
	switch r.format {
	case FormatInt16:
		if cap(r.i16) < need {
			r.i16 = make([]int16, need)
		}
		r.i16 = r.i16[:need]
		if err = r.source.RenderInt16(r.i16); err != nil {
			clear(r.i16)
		}
		for i, s := range r.i16 {
			binary.LittleEndian.PutUint16(p[i*2:], uint16(s))
		}
	default:
		if cap(r.f32) < need {
			r.f32 = make([]float32, need)
		}
		r.f32 = r.f32[:need]
		if err = r.source.RenderFloat32(r.f32); err != nil {
			clear(r.f32)
		}
		for i, s := range r.f32 {
			binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(s))
		}
	}
	if err != nil {
		r.failures.Add(1)
		if r.onError != nil {
			r.onError(err)
		}
	}
	r.frames.Add(int64(frames))
	return frames * frameSize, nil
}

// Frames returns the number of frames handed to the device so far.
func (r *StreamReader) Frames() int64 { return r.frames.Load() }

// Failures returns the number of buffers that failed to render.
func (r *StreamReader) Failures() int64 { return r.failures.Load() }

func (r *StreamReader) Close() error { return nil }
