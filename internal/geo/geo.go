// Package geo carries the user's position from the browser to the
// assistant's system instruction.
//
// The gateway feeds browser geolocation results into a [Reported] provider;
// the assistant builder asks it for the current [Location] when a session is
// configured.
package geo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTimeout bounds how long [Reported.CurrentLocation] waits for
	// the browser's first fix.
	DefaultTimeout = 15 * time.Second

	// DefaultMaxAge is how long a reported fix stays current.
	DefaultMaxAge = time.Minute

	// lowAccuracy is the accuracy radius in metres above which a fix is
	// logged as possibly inaccurate.
	lowAccuracy = 100.0
)

// Location is one position fix.
type Location struct {
	Latitude  float64
	Longitude float64
	// Accuracy is the radius of uncertainty in metres.
	Accuracy  float64
	Timestamp time.Time
}

// ErrorCode classifies a failed position lookup. The values match the
// browser Geolocation API, with 0 for a browser that lacks it.
type ErrorCode int

const (
	CodeUnsupported         ErrorCode = 0
	CodePermissionDenied    ErrorCode = 1
	CodePositionUnavailable ErrorCode = 2
	CodeTimeout             ErrorCode = 3
)

// Message returns the canonical user-facing text for the code.
func (c ErrorCode) Message() string {
	switch c {
	case CodeUnsupported:
		return "Geolocation is not supported by this browser."
	case CodePermissionDenied:
		return "Location access denied by user"
	case CodePositionUnavailable:
		return "Location information is unavailable"
	case CodeTimeout:
		return "Location request timed out"
	default:
		return "Unknown error occurred"
	}
}

// LocationError reports why no position is available.
type LocationError struct {
	Code    ErrorCode
	Message string
}

// NewLocationError returns the error for code with its canonical message.
func NewLocationError(code ErrorCode) *LocationError {
	return &LocationError{Code: code, Message: code.Message()}
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("geo: location error %d: %s", e.Code, e.Message)
}

// Provider returns the user's current position.
type Provider interface {
	CurrentLocation(ctx context.Context) (Location, error)
}

// Option configures a [Reported] provider.
type Option func(*Reported)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(r *Reported) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMaxAge overrides [DefaultMaxAge].
func WithMaxAge(d time.Duration) Option {
	return func(r *Reported) {
		if d > 0 {
			r.maxAge = d
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Reported) { r.log = l }
}

// WithClock overrides time.Now. Tests only.
func WithClock(now func() time.Time) Option {
	return func(r *Reported) { r.now = now }
}

// Reported is a [Provider] fed by positions the browser pushes. It is safe
// for concurrent use.
type Reported struct {
	timeout time.Duration
	maxAge  time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	last     *Location
	lastErr  *LocationError
	changed  chan struct{}
	nextID   int
	watchers map[int]func(Location, error)
}

var _ Provider = (*Reported)(nil)

// NewReported creates an empty provider.
func NewReported(opts ...Option) *Reported {
	r := &Reported{
		timeout:  DefaultTimeout,
		maxAge:   DefaultMaxAge,
		log:      slog.Default(),
		now:      time.Now,
		changed:  make(chan struct{}),
		watchers: make(map[int]func(Location, error)),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Report records a new fix and notifies waiters and watchers. A zero
// Timestamp is replaced with the current time.
func (r *Reported) Report(loc Location) {
	if loc.Timestamp.IsZero() {
		loc.Timestamp = r.now()
	}
	if loc.Accuracy > lowAccuracy {
		r.log.Warn("geo: location may be inaccurate", "accuracy_m", loc.Accuracy)
	}

	r.mu.Lock()
	r.last = &loc
	r.lastErr = nil
	fns := r.signalLocked()
	r.mu.Unlock()

	for _, fn := range fns {
		fn(loc, nil)
	}
}

// ReportError records a failed lookup. An empty message is replaced with the
// code's canonical message. A previously reported fix is kept.
func (r *Reported) ReportError(code ErrorCode, message string) {
	if message == "" {
		message = code.Message()
	}
	lerr := &LocationError{Code: code, Message: message}

	r.mu.Lock()
	r.lastErr = lerr
	fns := r.signalLocked()
	r.mu.Unlock()

	for _, fn := range fns {
		fn(Location{}, lerr)
	}
}

// signalLocked wakes waiters and snapshots watchers. Must be called with
// r.mu held.
func (r *Reported) signalLocked() []func(Location, error) {
	close(r.changed)
	r.changed = make(chan struct{})
	fns := make([]func(Location, error), 0, len(r.watchers))
	for _, fn := range r.watchers {
		fns = append(fns, fn)
	}
	return fns
}

// CurrentLocation returns a fix no older than the max age. Without one it
// waits for the next report, up to the provider timeout. A reported error
// is returned as a [*LocationError]; running out of time yields
// [CodeTimeout].
func (r *Reported) CurrentLocation(ctx context.Context) (Location, error) {
	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		if r.last != nil && r.now().Sub(r.last.Timestamp) <= r.maxAge {
			loc := *r.last
			r.mu.Unlock()
			return loc, nil
		}
		if r.lastErr != nil {
			err := *r.lastErr
			r.mu.Unlock()
			return Location{}, &err
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return Location{}, NewLocationError(CodeTimeout)
		case <-ctx.Done():
			return Location{}, ctx.Err()
		}
	}
}

// Last returns the most recent fix and error without waiting. Either may be
// nil.
func (r *Reported) Last() (*Location, *LocationError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var loc *Location
	if r.last != nil {
		l := *r.last
		loc = &l
	}
	var lerr *LocationError
	if r.lastErr != nil {
		e := *r.lastErr
		lerr = &e
	}
	return loc, lerr
}

// Watch calls fn for every subsequent report until the returned cancel
// function is called. fn receives either a location or a *LocationError.
func (r *Reported) Watch(fn func(Location, error)) (cancel func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.watchers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}
