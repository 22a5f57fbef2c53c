package timeline

import (
	"fmt"
	"slices"
	"time"
)

// Timeline is the global, time-ordered event sequence of a file. It is not
// modified after it is built; consumers that advance through it work on a
// Clone.
type Timeline struct {
	Events []Event
	Info   Info
}

// Info is the metadata collected while building a timeline.
type Info struct {
	PPQ                     float64
	PPQFallback             bool
	InitialMicrosPerQuarter float64
	Tracks                  int
	// Meta lists tempo, meter, key and track name events in build order.
	Meta []MetaEvent
}

// MetaEvent is an informational meta-event with its position.
type MetaEvent struct {
	Track   int
	TimeUS  uint64
	Message Message
}

// Len returns the number of events.
func (t *Timeline) Len() int { return len(t.Events) }

// Clone returns a copy of the event slice.
func (t *Timeline) Clone() []Event { return slices.Clone(t.Events) }

// Duration is the time of the last event.
func (t *Timeline) Duration() time.Duration {
	if len(t.Events) == 0 {
		return 0
	}
	return t.Events[len(t.Events)-1].Time()
}

// TrackNames returns the track names in the order they were found.
func (i Info) TrackNames() []string {
	var names []string
	for _, m := range i.Meta {
		if n, ok := m.Message.(TrackName); ok {
			names = append(names, n.Name)
		}
	}
	return names
}

// TempoChanges returns the number of tempo meta-events in the file.
func (i Info) TempoChanges() int {
	n := 0
	for _, m := range i.Meta {
		if _, ok := m.Message.(Tempo); ok {
			n++
		}
	}
	return n
}

// FormatDuration renders d as mm:ss.
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
