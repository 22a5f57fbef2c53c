package timeline

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func noteOn(ch, key, vel uint8) Voice { return Voice{Status: 0x90 | ch, Data1: key, Data2: vel} }

func metrical(ppq uint16, tracks ...Track) File {
	return File{Tracks: tracks, Timing: Timing{TicksPerQuarter: ppq}}
}

func TestEndToEndTwoTracks(t *testing.T) {
	trackA := Track{
		{Delta: 0, Message: Tempo{MicrosPerQuarter: 500000}},
		{Delta: 240, Message: noteOn(0, 60, 100)},
	}
	trackB := Track{
		{Delta: 120, Message: noteOn(1, 64, 90)},
	}
	tl, err := New(metrical(480, trackA, trackB))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []Event{
		{TimeUS: 0, Payload: TempoChange{MicrosPerQuarter: 500000}},
		{TimeUS: 125000, Payload: NoteOn{Channel: 1, Key: 64, Velocity: 90}},
		{TimeUS: 250000, Payload: NoteOn{Channel: 0, Key: 60, Velocity: 100}},
	}
	if !reflect.DeepEqual(tl.Events, want) {
		t.Fatalf("timeline mismatch\nwant: %v\ngot:  %v", want, tl.Events)
	}
	if got := tl.Duration(); got != 250*time.Millisecond {
		t.Fatalf("duration = %v, want 250ms", got)
	}
}

func TestTempoAtTickZeroSixtyBPM(t *testing.T) {
	tr := Track{
		{Delta: 0, Message: Tempo{MicrosPerQuarter: 1_000_000}},
		{Delta: 480, Message: noteOn(0, 60, 100)},
	}
	tl, err := New(metrical(480, tr))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	last := tl.Events[len(tl.Events)-1]
	if last.TimeUS != 1_000_000 {
		t.Fatalf("note time = %d, want 1000000", last.TimeUS)
	}
}

func TestDefaultTempoWithoutTempoEvents(t *testing.T) {
	const ppq = 96
	deltas := []uint32{0, 1, 47, 96, 200, 1000, 3}
	var tr Track
	for _, d := range deltas {
		tr = append(tr, TrackEvent{Delta: d, Message: noteOn(0, 60, 1)})
	}
	tl, err := New(metrical(ppq, tr))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var ticks uint64
	for i, d := range deltas {
		ticks += uint64(d)
		want := uint64(float64(ticks) / ppq * 0.5 * 1_000_000)
		if tl.Events[i].TimeUS != want {
			t.Fatalf("event %d at tick %d: got %dus, want %dus", i, ticks, tl.Events[i].TimeUS, want)
		}
	}
	if tl.Info.InitialMicrosPerQuarter != DefaultMicrosPerQuarter {
		t.Fatalf("initial tempo = %v", tl.Info.InitialMicrosPerQuarter)
	}
}

func TestVelocityZeroNoteOnBecomesNoteOff(t *testing.T) {
	tr := Track{
		{Delta: 0, Message: noteOn(3, 60, 100)},
		{Delta: 10, Message: noteOn(3, 60, 0)},
		{Delta: 10, Message: Voice{Status: 0x83, Data1: 62, Data2: 40}},
	}
	tl, err := New(metrical(480, tr))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, ev := range tl.Events {
		if on, ok := ev.Payload.(NoteOn); ok && on.Velocity == 0 {
			t.Fatalf("velocity-0 NoteOn emitted: %v", ev)
		}
	}
	if got, want := tl.Events[1].Payload, (NoteOff{Channel: 3, Key: 60, Velocity: 0}); got != want {
		t.Fatalf("normalized payload = %v, want %v", got, want)
	}
	if got, want := tl.Events[2].Payload, (NoteOff{Channel: 3, Key: 62, Velocity: 40}); got != want {
		t.Fatalf("note off payload = %v, want %v", got, want)
	}
}

func TestTempoChangesStayInTheirTrack(t *testing.T) {
	other := Track{
		{Delta: 480, Message: noteOn(1, 50, 80)},
		{Delta: 480, Message: noteOn(1, 52, 80)},
	}
	plain := Track{{Delta: 0, Message: Tempo{MicrosPerQuarter: 500000}}}
	changed := Track{
		{Delta: 0, Message: Tempo{MicrosPerQuarter: 500000}},
		{Delta: 240, Message: Tempo{MicrosPerQuarter: 250000}},
		{Delta: 240, Message: Tempo{MicrosPerQuarter: 2_000_000}},
	}

	b := NewBuilder(nil)
	a, _, err := b.BuildTracks(metrical(480, plain, other), 500000)
	if err != nil {
		t.Fatalf("build plain: %v", err)
	}
	c, _, err := b.BuildTracks(metrical(480, changed, other), 500000)
	if err != nil {
		t.Fatalf("build changed: %v", err)
	}
	if !reflect.DeepEqual(a[1], c[1]) {
		t.Fatalf("tempo changes leaked into another track\nplain:   %v\nchanged: %v", a[1], c[1])
	}
	if a[1][0].TimeUS != 500000 || a[1][1].TimeUS != 1_000_000 {
		t.Fatalf("unexpected times for untouched track: %v", a[1])
	}
}

func TestMidTrackTempoChangeRescalesWholeTickCount(t *testing.T) {
	tr := Track{
		{Delta: 0, Message: Tempo{MicrosPerQuarter: 500000}},
		{Delta: 480, Message: Tempo{MicrosPerQuarter: 1_000_000}},
		{Delta: 480, Message: noteOn(0, 60, 100)},
		{Delta: 240, Message: noteOn(0, 62, 100)},
	}
	perTrack, _, err := NewBuilder(nil).BuildTracks(metrical(480, tr), 500000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got := make([]uint64, len(perTrack[0]))
	for i, ev := range perTrack[0] {
		got[i] = ev.TimeUS
	}
	// The marker keeps the old tempo; later events use 60 BPM from tick 0.
	want := []uint64{0, 500000, 2_000_000, 2_500_000}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("times = %v, want %v", got, want)
	}
	marker, ok := perTrack[0][1].Payload.(TempoChange)
	if !ok || marker.MicrosPerQuarter != 1_000_000 {
		t.Fatalf("second event = %v, want tempo marker", perTrack[0][1])
	}
}

func TestInitialTempoScansTracksInOrder(t *testing.T) {
	tracks := []Track{
		{{Delta: 0, Message: noteOn(0, 60, 1)}},
		{{Delta: 0, Message: TrackName{Name: "x"}}, {Delta: 960, Message: Tempo{MicrosPerQuarter: 400000}}},
		{{Delta: 0, Message: Tempo{MicrosPerQuarter: 300000}}},
	}
	got, err := InitialTempo(tracks)
	if err != nil {
		t.Fatalf("initial tempo: %v", err)
	}
	if got != 400000 {
		t.Fatalf("initial tempo = %v, want 400000", got)
	}
	got, err = InitialTempo(tracks[:1])
	if err != nil || got != DefaultMicrosPerQuarter {
		t.Fatalf("initial tempo without tempo events = %v, %v", got, err)
	}
}

func TestInitialTempoSeedsEveryTrack(t *testing.T) {
	tempoTrack := Track{{Delta: 0, Message: Tempo{MicrosPerQuarter: 1_000_000}}}
	notes := Track{{Delta: 480, Message: noteOn(0, 60, 100)}}
	tl, err := New(metrical(480, tempoTrack, notes))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := tl.Events[len(tl.Events)-1].TimeUS; got != 1_000_000 {
		t.Fatalf("note time = %d, want 1000000", got)
	}
}

func TestSMPTEFallsBackToFixedPPQ(t *testing.T) {
	tr := Track{{Delta: FallbackPPQ, Message: noteOn(0, 60, 100)}}
	tl, err := New(File{Tracks: []Track{tr}, Timing: Timing{SMPTE: true}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !tl.Info.PPQFallback || tl.Info.PPQ != FallbackPPQ {
		t.Fatalf("info = %+v, want PPQ fallback", tl.Info)
	}
	if tl.Events[0].TimeUS != 500000 {
		t.Fatalf("note time = %d, want 500000", tl.Events[0].TimeUS)
	}
}

func TestVoiceMapping(t *testing.T) {
	cases := []struct {
		name string
		in   Voice
		want Payload
	}{
		{"note on", Voice{0x92, 61, 70}, NoteOn{Channel: 2, Key: 61, Velocity: 70}},
		{"note off", Voice{0x82, 61, 12}, NoteOff{Channel: 2, Key: 61, Velocity: 12}},
		{"poly aftertouch", Voice{0xA5, 40, 33}, Aftertouch{Channel: 5, Key: 40, Pressure: 33}},
		{"control change", Voice{0xBF, 7, 100}, ControlChange{Channel: 15, Controller: 7, Value: 100}},
		{"program change", Voice{0xC0, 24, 0}, ProgramChange{Channel: 0, Program: 24}},
		{"channel aftertouch", Voice{0xD1, 90, 0}, ChannelAftertouch{Channel: 1, Pressure: 90}},
		{"pitch bend center", Voice{0xE0, 0x00, 0x40}, PitchBend{Channel: 0, Value: PitchBendCenter}},
		{"pitch bend max", Voice{0xE9, 0x7F, 0x7F}, PitchBend{Channel: 9, Value: MaxPitchBend}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := voicePayload(tc.in)
			if err != nil {
				t.Fatalf("voicePayload: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMetaEventsAreInformational(t *testing.T) {
	tr := Track{
		{Delta: 0, Message: TrackName{Name: "Piano"}},
		{Delta: 0, Message: TimeSignature{Numerator: 3, Denominator: 4}},
		{Delta: 0, Message: KeySignature{SharpsFlats: -3, Minor: true}},
		{Delta: 10, Message: noteOn(0, 60, 100)},
	}
	tl, err := New(metrical(480, tr))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if tl.Len() != 1 {
		t.Fatalf("expected only the note in the timeline, got %v", tl.Events)
	}
	if names := tl.Info.TrackNames(); !reflect.DeepEqual(names, []string{"Piano"}) {
		t.Fatalf("track names = %v", names)
	}
	if len(tl.Info.Meta) != 3 {
		t.Fatalf("meta = %v", tl.Info.Meta)
	}
	if got := (KeySignature{SharpsFlats: -3, Minor: true}).String(); got != "C minor" {
		t.Fatalf("key name = %q", got)
	}
}

func TestBuildErrors(t *testing.T) {
	cases := []struct {
		name string
		file File
		want error
	}{
		{"no tracks", File{Timing: Timing{TicksPerQuarter: 480}}, ErrNoTracks},
		{"zero division", metrical(0, Track{{Message: noteOn(0, 1, 1)}}), ErrInvalidDivision},
		{"zero tempo", metrical(480, Track{{Message: Tempo{}}}), ErrInvalidTempo},
		{"late zero tempo", metrical(480, Track{{Message: Tempo{MicrosPerQuarter: 1}}, {Message: Tempo{}}}), ErrInvalidTempo},
		{"bad status", metrical(480, Track{{Message: Voice{Status: 0x40}}}), ErrInvalidMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.file)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	if got := FormatDuration(125*time.Second + 900*time.Millisecond); got != "02:05" {
		t.Fatalf("FormatDuration = %q", got)
	}
}
