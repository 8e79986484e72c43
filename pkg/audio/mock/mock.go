// Package mock provides in-memory implementations of the [audio.Output]
// surface and of a playback queue for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and arguments, and expose fields that control return
// values.
//
// Typical usage:
//
//	out := &mock.Output{}
//	reg := audio.NewRegistry(out.Opener(), nil)
//	s := audio.NewStreamer(reg, "audio-out")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/maia/pkg/audio"
)

var (
	_ audio.Output  = (*Output)(nil)
	_ audio.Flusher = (*Output)(nil)
	_ audio.Resumer = (*Output)(nil)
)

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock playback device.
type Output struct {
	mu sync.Mutex

	// WriteErr is returned by WritePCM.
	WriteErr error

	// OpenErr is returned by the opener built with [Output.Opener].
	OpenErr error

	// Writes holds every chunk passed to WritePCM, in order.
	Writes [][]byte

	// Written receives a copy of every chunk if non-nil. Sends are
	// non-blocking.
	Written chan []byte

	// BeforeWrite, if set, runs at the start of every WritePCM call with
	// the number of the call, starting at 1.
	BeforeWrite func(n int)

	CallCountOpen   int
	CallCountFlush  int
	CallCountResume int
	CallCountClose  int
}

// WritePCM implements [audio.Sink].
func (o *Output) WritePCM(pcm []byte) error {
	o.mu.Lock()
	hook, n := o.BeforeWrite, len(o.Writes)+1
	o.mu.Unlock()
	if hook != nil {
		hook(n)
	}

	o.mu.Lock()
	c := append([]byte(nil), pcm...)
	o.Writes = append(o.Writes, c)
	err := o.WriteErr
	ch := o.Written
	o.mu.Unlock()

	if ch != nil {
		select {
		case ch <- c:
		default:
		}
	}
	return err
}

// Flush implements [audio.Flusher].
func (o *Output) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountFlush++
	return nil
}

// Resume implements [audio.Resumer].
func (o *Output) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountResume++
	return nil
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return nil
}

// Opener returns an [audio.Opener] that hands out o (or fails with OpenErr)
// and counts calls.
func (o *Output) Opener() audio.Opener {
	return func(context.Context, string) (audio.Output, error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.CallCountOpen++
		if o.OpenErr != nil {
			return nil, o.OpenErr
		}
		return o, nil
	}
}

// Bytes returns everything written so far, concatenated.
func (o *Output) Bytes() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	var all []byte
	for _, w := range o.Writes {
		all = append(all, w...)
	}
	return all
}

// Chunks returns a copy of the recorded writes.
func (o *Output) Chunks() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.Writes...)
}

// Counts returns the open, flush, resume and close call counts.
func (o *Output) Counts() (open, flush, resume, closed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountOpen, o.CallCountFlush, o.CallCountResume, o.CallCountClose
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock playback queue with the AddPCM16/Stop/Volume surface of a
// streamer plus meter.
type Player struct {
	mu sync.Mutex

	// AddErr is returned by AddPCM16.
	AddErr error

	// Level is returned by Volume.
	Level float64

	Chunks        [][]byte
	CallCountStop int
}

// AddPCM16 records pcm.
func (p *Player) AddPCM16(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Chunks = append(p.Chunks, append([]byte(nil), pcm...))
	return p.AddErr
}

// Stop counts the call and drops recorded chunks.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStop++
	p.Chunks = nil
}

// Volume returns Level.
func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Level
}

// Stops returns the number of Stop calls.
func (p *Player) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountStop
}

// Queued returns the number of chunks recorded since the last Stop.
func (p *Player) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Chunks)
}
