package conductor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cbegin/smfplay-go/internal/timeline"
)

// fakeClock advances only when the conductor waits on it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	waited time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1000, 0)} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.waited += d
	ch := make(chan time.Time, 1)
	ch <- f.now
	return ch
}

type call struct {
	name string
	args []int
	at   time.Time
}

// spyEngine records every call and can be told to fail.
type spyEngine struct {
	mu    sync.Mutex
	clock Clock
	calls []call
	fail  func(name string) error
}

func (s *spyEngine) record(name string, args ...int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var at time.Time
	if s.clock != nil {
		at = s.clock.Now()
	}
	s.calls = append(s.calls, call{name: name, args: args, at: at})
	if s.fail != nil {
		return s.fail(name)
	}
	return nil
}

func (s *spyEngine) NoteOn(ch, key, vel uint8) error {
	return s.record("noteon", int(ch), int(key), int(vel))
}
func (s *spyEngine) NoteOff(ch, key uint8) error { return s.record("noteoff", int(ch), int(key)) }
func (s *spyEngine) ProgramChange(ch, program uint8) error {
	return s.record("program", int(ch), int(program))
}
func (s *spyEngine) ControlChange(ch, cc, value uint8) error {
	return s.record("cc", int(ch), int(cc), int(value))
}
func (s *spyEngine) PitchBend(ch uint8, value uint16) error {
	return s.record("bend", int(ch), int(value))
}
func (s *spyEngine) KeyPressure(ch, key, pressure uint8) error {
	return s.record("keypressure", int(ch), int(key), int(pressure))
}
func (s *spyEngine) ChannelPressure(ch, pressure uint8) error {
	return s.record("chanpressure", int(ch), int(pressure))
}

func (s *spyEngine) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.name
	}
	return out
}

func TestConductorTranslatesEveryPayload(t *testing.T) {
	events := []timeline.Event{
		{TimeUS: 0, Payload: timeline.TempoChange{MicrosPerQuarter: 500000}},
		{TimeUS: 0, Payload: timeline.ProgramChange{Channel: 1, Program: 24}},
		{TimeUS: 10, Payload: timeline.NoteOn{Channel: 1, Key: 60, Velocity: 100}},
		{TimeUS: 20, Payload: timeline.ControlChange{Channel: 1, Controller: 64, Value: 127}},
		{TimeUS: 30, Payload: timeline.PitchBend{Channel: 1, Value: 9000}},
		{TimeUS: 40, Payload: timeline.Aftertouch{Channel: 1, Key: 60, Pressure: 50}},
		{TimeUS: 50, Payload: timeline.ChannelAftertouch{Channel: 1, Pressure: 70}},
		{TimeUS: 60, Payload: timeline.NoteOff{Channel: 1, Key: 60, Velocity: 30}},
	}
	engine := &spyEngine{}
	c := New(events, engine, Options{Clock: newFakeClock(), Tail: -1})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"program", "noteon", "cc", "bend", "keypressure", "chanpressure", "noteoff"}
	got := engine.names()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
	if args := engine.calls[6].args; len(args) != 2 || args[0] != 1 || args[1] != 60 {
		t.Fatalf("note off args = %v", args)
	}
	stats := c.Stats()
	if stats.Dispatched != 7 || stats.Skipped != 1 || stats.Failed != 0 || stats.Dropped != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if c.Position() != len(events) {
		t.Fatalf("position = %d, want %d", c.Position(), len(events))
	}
}

func TestApplySendsZeroVelocityNoteOnAsNoteOff(t *testing.T) {
	engine := &spyEngine{}
	if err := Apply(engine, timeline.NoteOn{Channel: 3, Key: 64}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(engine.calls) != 1 || engine.calls[0].name != "noteoff" {
		t.Fatalf("calls = %v, want one noteoff", engine.names())
	}
	if args := engine.calls[0].args; len(args) != 2 || args[0] != 3 || args[1] != 64 {
		t.Fatalf("note off args = %v", args)
	}
}

func TestConductorNeverDispatchesEarly(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	times := []uint64{0, 999, 1000, 1001, 2500, 2500, 10_000, 123_456}
	var events []timeline.Event
	for i, us := range times {
		events = append(events, timeline.Event{TimeUS: us, Payload: timeline.NoteOn{Key: uint8(i), Velocity: 1}})
	}
	engine := &spyEngine{clock: clock}
	poll := time.Millisecond
	c := New(events, engine, Options{Clock: clock, PollInterval: poll, Tail: -1})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(engine.calls) != len(times) {
		t.Fatalf("dispatched %d events, want %d", len(engine.calls), len(times))
	}
	for i, cl := range engine.calls {
		due := start.Add(time.Duration(times[i]) * time.Microsecond)
		if cl.at.Before(due) {
			t.Fatalf("event %d dispatched at %v, before due %v", i, cl.at.Sub(start), due.Sub(start))
		}
		if late := cl.at.Sub(due); late >= poll {
			t.Fatalf("event %d dispatched %v late, poll is %v", i, late, poll)
		}
		if cl.args[1] != i {
			t.Fatalf("event %d dispatched out of order (key %d)", i, cl.args[1])
		}
	}
}

func TestConductorDropsOutOfRangePitchBend(t *testing.T) {
	events := []timeline.Event{
		{TimeUS: 0, Payload: timeline.PitchBend{Channel: 0, Value: 16384}},
		{TimeUS: 0, Payload: timeline.PitchBend{Channel: 0, Value: 20000}},
		{TimeUS: 0, Payload: timeline.PitchBend{Channel: 0, Value: timeline.MaxPitchBend}},
	}
	engine := &spyEngine{}
	c := New(events, engine, Options{Clock: newFakeClock(), Tail: -1})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(engine.calls) != 1 || engine.calls[0].args[1] != timeline.MaxPitchBend {
		t.Fatalf("engine calls = %+v, want only the in-range bend", engine.calls)
	}
	if got := c.Stats().Dropped; got != 2 {
		t.Fatalf("dropped = %d, want 2", got)
	}
}

func TestConductorContinuesAfterEngineErrors(t *testing.T) {
	var events []timeline.Event
	for i := 0; i < 50; i++ {
		events = append(events, timeline.Event{TimeUS: uint64(i * 100), Payload: timeline.NoteOn{Channel: 16, Key: 60, Velocity: 1}})
	}
	events = append(events, timeline.Event{TimeUS: 6000, Payload: timeline.ProgramChange{Channel: 0, Program: 1}})
	engine := &spyEngine{fail: func(name string) error {
		if name == "noteon" {
			return errors.New("invalid channel")
		}
		return nil
	}}
	c := New(events, engine, Options{Clock: newFakeClock(), Tail: -1})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(engine.calls) != 51 {
		t.Fatalf("engine saw %d calls, want 51", len(engine.calls))
	}
	stats := c.Stats()
	if stats.Failed != 50 || stats.Dispatched != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestConductorHoldsForTail(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	events := []timeline.Event{{TimeUS: 5000, Payload: timeline.NoteOn{Key: 1, Velocity: 1}}}
	var kinds []EventKind
	var completeAt time.Time
	c := New(events, &spyEngine{}, Options{
		Clock: clock,
		Tail:  3 * time.Second,
		OnEvent: func(k EventKind) {
			if k == EventDispatchComplete {
				completeAt = clock.Now()
			}
			kinds = append(kinds, k)
		},
	})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != EventDispatchComplete || kinds[1] != EventPlaybackEnded {
		t.Fatalf("lifecycle events = %v", kinds)
	}
	if got := clock.Now().Sub(completeAt); got != 3*time.Second {
		t.Fatalf("tail = %v, want 3s", got)
	}
	if completeAt.Sub(start) < 5*time.Millisecond {
		t.Fatalf("dispatch completed before the last event was due")
	}
}

func TestConductorDefaultTail(t *testing.T) {
	clock := newFakeClock()
	c := New(nil, &spyEngine{}, Options{Clock: clock})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if clock.waited != DefaultTail {
		t.Fatalf("waited %v, want %v", clock.waited, DefaultTail)
	}
}

func TestConductorStopsOnCancel(t *testing.T) {
	events := []timeline.Event{{TimeUS: uint64(time.Hour / time.Microsecond), Payload: timeline.NoteOn{Key: 1, Velocity: 1}}}
	engine := &spyEngine{}
	ended := false
	c := New(events, engine, Options{OnEvent: func(k EventKind) {
		if k == EventPlaybackEnded {
			ended = true
		}
	}})
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("conductor did not stop after cancel")
	}
	if !errors.Is(c.Err(), context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", c.Err())
	}
	if len(engine.calls) != 0 || ended {
		t.Fatalf("cancelled conductor dispatched %v (ended=%v)", engine.calls, ended)
	}
}

func TestConductorWallClock(t *testing.T) {
	events := []timeline.Event{
		{TimeUS: 0, Payload: timeline.NoteOn{Key: 60, Velocity: 100}},
		{TimeUS: 20_000, Payload: timeline.NoteOff{Key: 60}},
	}
	engine := &spyEngine{clock: WallClock}
	c := New(events, engine, Options{Tail: -1})
	begin := time.Now()
	c.Start(context.Background())
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("conductor did not finish")
	}
	if err := c.Err(); err != nil {
		t.Fatalf("err = %v", err)
	}
	if len(engine.calls) != 2 {
		t.Fatalf("calls = %+v", engine.calls)
	}
	if off := engine.calls[1].at.Sub(begin); off < 20*time.Millisecond {
		t.Fatalf("note off dispatched after %v, before its 20ms due time", off)
	}
}

func TestConductorWorksOnACopy(t *testing.T) {
	events := []timeline.Event{{TimeUS: 0, Payload: timeline.NoteOn{Key: 60, Velocity: 100}}}
	engine := &spyEngine{}
	c := New(events, engine, Options{Clock: newFakeClock(), Tail: -1})
	events[0].Payload = timeline.NoteOff{Key: 61}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := engine.names(); len(got) != 1 || got[0] != "noteon" {
		t.Fatalf("calls = %v; conductor saw the caller's mutation", got)
	}
}
