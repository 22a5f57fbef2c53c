package conductor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/cbegin/smfplay-go/internal/logging"
	"github.com/cbegin/smfplay-go/internal/timeline"
)

const (
	DefaultPollInterval = time.Millisecond
	DefaultTail         = 2 * time.Second
)

// ErrPitchBendRange is returned by Apply for pitch bends above 14 bits.
var ErrPitchBendRange = errors.New("conductor: pitch bend out of range")

// Engine is the set of synthesis calls the conductor makes. Any call may
// fail; failures never stop playback.
type Engine interface {
	NoteOn(channel, key, velocity uint8) error
	NoteOff(channel, key uint8) error
	ProgramChange(channel, program uint8) error
	ControlChange(channel, controller, value uint8) error
	PitchBend(channel uint8, value uint16) error
	KeyPressure(channel, key, pressure uint8) error
	ChannelPressure(channel, pressure uint8) error
}

// EventKind identifies conductor lifecycle events.
type EventKind int

const (
	// EventDispatchComplete fires once the last event was dispatched.
	EventDispatchComplete EventKind = iota
	// EventPlaybackEnded fires after the tail has elapsed.
	EventPlaybackEnded
)

func (k EventKind) String() string {
	switch k {
	case EventDispatchComplete:
		return "dispatch-complete"
	case EventPlaybackEnded:
		return "playback-ended"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Clock is the time source of the polling loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// WallClock is the monotonic system clock.
var WallClock Clock = wallClock{}

type Options struct {
	// PollInterval is the sleep between due-event checks (0 = 1ms).
	PollInterval time.Duration
	// Tail is how long Run keeps going after the last event so notes can
	// decay (0 = 2s, negative = none).
	Tail time.Duration
	// Clock defaults to WallClock.
	Clock  Clock
	Logger logrus.FieldLogger
	// OnEvent is called from the conductor goroutine.
	OnEvent func(EventKind)
	// ErrorRate limits per-event diagnostics (0 = 20 per second).
	ErrorRate  rate.Limit
	ErrorBurst int
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Tail == 0 {
		o.Tail = DefaultTail
	}
	if o.Tail < 0 {
		o.Tail = 0
	}
	if o.Clock == nil {
		o.Clock = WallClock
	}
	o.Logger = logging.OrDiscard(o.Logger)
	if o.ErrorRate == 0 {
		o.ErrorRate = 20
	}
	if o.ErrorBurst <= 0 {
		o.ErrorBurst = 20
	}
	return o
}

// Stats counts what happened to dispatched events.
type Stats struct {
	Dispatched int64 // accepted by the engine
	Failed     int64 // rejected by the engine
	Dropped    int64 // never forwarded (out-of-range pitch bend)
	Skipped    int64 // tempo markers
}

// Conductor replays a timeline against a clock and drives an Engine.
type Conductor struct {
	events  []timeline.Event
	engine  Engine
	opts    Options
	log     logrus.FieldLogger
	limiter *rate.Limiter
	// suppressed is only touched by the goroutine running Run.
	suppressed int

	cursor     atomic.Int64
	dispatched atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
	skipped    atomic.Int64

	startOnce sync.Once
	done      chan struct{}
	err       error
}

// New returns a conductor over a private copy of events, which must be
// sorted by time.
func New(events []timeline.Event, engine Engine, opts Options) *Conductor {
	opts = opts.withDefaults()
	evs := make([]timeline.Event, len(events))
	copy(evs, events)
	return &Conductor{
		events:  evs,
		engine:  engine,
		opts:    opts,
		log:     opts.Logger,
		limiter: rate.NewLimiter(opts.ErrorRate, opts.ErrorBurst),
		done:    make(chan struct{}),
	}
}

// Run dispatches every event at or after its time, then waits for the tail.
// It returns nil on completion or the context error when ctx ends first.
func (c *Conductor) Run(ctx context.Context) error {
	clock := c.opts.Clock
	start := clock.Now()
	i := int(c.cursor.Load())
	for i < len(c.events) {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := elapsedMicros(clock.Now().Sub(start))
		for i < len(c.events) && c.events[i].TimeUS <= now {
			c.dispatch(c.events[i])
			i++
			c.cursor.Store(int64(i))
		}
		if i >= len(c.events) {
			break
		}
		if err := c.wait(ctx, c.opts.PollInterval); err != nil {
			return err
		}
	}
	c.flushSuppressed()
	c.log.WithFields(c.statsFields()).Debug("dispatch complete")
	c.notify(EventDispatchComplete)

	if err := c.wait(ctx, c.opts.Tail); err != nil {
		return err
	}
	c.notify(EventPlaybackEnded)
	return nil
}

// Start runs Run on a new goroutine. Later calls do nothing.
func (c *Conductor) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go func() {
			c.err = c.Run(ctx)
			close(c.done)
		}()
	})
}

// Done is closed when a Run started by Start returns.
func (c *Conductor) Done() <-chan struct{} { return c.done }

// Err returns the result of Run once Done is closed, nil before.
func (c *Conductor) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Position returns the index of the next event to dispatch.
func (c *Conductor) Position() int { return int(c.cursor.Load()) }

// Len returns the number of events.
func (c *Conductor) Len() int { return len(c.events) }

func (c *Conductor) Stats() Stats {
	return Stats{
		Dispatched: c.dispatched.Load(),
		Failed:     c.failed.Load(),
		Dropped:    c.dropped.Load(),
		Skipped:    c.skipped.Load(),
	}
}

func (c *Conductor) dispatch(ev timeline.Event) {
	if _, ok := ev.Payload.(timeline.TempoChange); ok {
		c.skipped.Add(1)
		return
	}
	err := Apply(c.engine, ev.Payload)
	switch {
	case err == nil:
		c.dispatched.Add(1)
	case errors.Is(err, ErrPitchBendRange):
		c.dropped.Add(1)
		c.warn(ev, err, "dropping out-of-range pitch bend")
	default:
		c.failed.Add(1)
		c.warn(ev, err, "engine rejected event")
	}
}

// Apply makes the engine call that matches p. A note on with zero velocity is
// sent as a note off, tempo markers are a no-op and pitch bends above 16383
// are refused with ErrPitchBendRange.
func Apply(engine Engine, p timeline.Payload) error {
	switch p := p.(type) {
	case timeline.NoteOn:
		if p.Velocity == 0 {
			return engine.NoteOff(p.Channel, p.Key)
		}
		return engine.NoteOn(p.Channel, p.Key, p.Velocity)
	case timeline.NoteOff:
		return engine.NoteOff(p.Channel, p.Key)
	case timeline.ProgramChange:
		return engine.ProgramChange(p.Channel, p.Program)
	case timeline.ControlChange:
		return engine.ControlChange(p.Channel, p.Controller, p.Value)
	case timeline.PitchBend:
		if !p.Valid() {
			return fmt.Errorf("%w: %d", ErrPitchBendRange, p.Value)
		}
		return engine.PitchBend(p.Channel, p.Value)
	case timeline.Aftertouch:
		return engine.KeyPressure(p.Channel, p.Key, p.Pressure)
	case timeline.ChannelAftertouch:
		return engine.ChannelPressure(p.Channel, p.Pressure)
	case timeline.TempoChange:
		return nil
	}
	return fmt.Errorf("conductor: unsupported payload %T", p)
}

func (c *Conductor) warn(ev timeline.Event, err error, msg string) {
	if !c.limiter.Allow() {
		c.suppressed++
		return
	}
	entry := c.log.WithFields(logrus.Fields{
		"at_us": ev.TimeUS,
		"event": ev.Payload.String(),
	}).WithError(err)
	if c.suppressed > 0 {
		entry = entry.WithField("suppressed", c.suppressed)
		c.suppressed = 0
	}
	entry.Warn(msg)
}

func (c *Conductor) flushSuppressed() {
	if c.suppressed == 0 {
		return
	}
	c.log.WithField("suppressed", c.suppressed).Warn("event diagnostics were rate limited")
	c.suppressed = 0
}

func (c *Conductor) statsFields() logrus.Fields {
	s := c.Stats()
	return logrus.Fields{
		"dispatched": s.Dispatched,
		"failed":     s.Failed,
		"dropped":    s.Dropped,
		"skipped":    s.Skipped,
	}
}

func (c *Conductor) notify(kind EventKind) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(kind)
	}
}

func (c *Conductor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.opts.Clock.After(d):
		return nil
	}
}

func elapsedMicros(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d / time.Microsecond)
}
