package registry

import (
	"context"
	"time"
)

// UnknownTotal marks progress events where the provider cannot know the
// total upfront, e.g. cursor-paginated listings.
const UnknownTotal = -1

// Event is one progress report emitted while a provider syncs.
type Event struct {
	// Source is the provider kind emitting the event.
	Source string
	// Stage names the resource being pulled, e.g. "users".
	Stage string
	// Current and Total describe progress within the stage; Total may be
	// UnknownTotal.
	Current int
	Total   int
	Message string
	// Done marks the final event of a stage.
	Done bool
	// Err carries the stage failure when Done is set on a failed stage.
	Err error
	At  time.Time
}

// Reporter receives progress events. Implementations must be cheap and
// non-blocking; they run inline with the sync.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ctx context.Context, ev Event)

func (f ReporterFunc) Report(ctx context.Context, ev Event) {
	f(ctx, ev)
}

type nopReporter struct{}

func (nopReporter) Report(context.Context, Event) {}

// NopReporter returns a Reporter that discards every event.
func NopReporter() Reporter {
	return nopReporter{}
}

// EnsureReporter returns r, or a no-op reporter when r is nil, so
// provider code never has to nil-check.
func EnsureReporter(r Reporter) Reporter {
	if r == nil {
		return NopReporter()
	}
	return r
}
