// Package audio plays assistant speech in real time and meters its volume.
//
// The pieces, leaves first:
//
//   - [Sink] receives paced PCM16 for playback; an [Output] is a sink owned
//     by a [Registry].
//   - [Registry] maps a key to at most one [Output] and only creates outputs
//     after its [Gesture] latch has fired.
//   - [Streamer] schedules bursty network chunks into a contiguous stream,
//     writing quantum-sized pieces to its output at wall-clock pace.
//   - [VolumeMeter] is a playback tap that publishes a normalised 0..1 level.
//
// All PCM is 16-bit signed little-endian mono unless stated otherwise.
package audio

import (
	"errors"
	"time"
)

// ErrAudioUnavailable is returned when a playback output cannot be created.
// Callers degrade gracefully: the session continues without assistant audio.
var ErrAudioUnavailable = errors.New("audio: output unavailable")

// Sink receives PCM16 chunks in playback order. WritePCM is called from a
// single goroutine and should not block for longer than one quantum.
type Sink interface {
	WritePCM(pcm []byte) error
}

// Flusher is implemented by sinks that buffer audio downstream (for example
// a browser-side player) and can discard it on demand.
type Flusher interface {
	Flush() error
}

// Resumer is implemented by outputs that may be suspended by their host and
// need an explicit resume before use.
type Resumer interface {
	Resume() error
}

// Output is a playback device owned by a [Registry].
type Output interface {
	Sink
	Close() error
}

// AudioFrame is a chunk of PCM with its format, used on the capture side
// where browser microphones deliver arbitrary rates and channel counts.
type AudioFrame struct {
	// Data is 16-bit little-endian PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g. 48000 for a browser microphone, 16000 for the
	// Live API input).
	SampleRate int

	// Channels is 1 for mono, 2 for interleaved stereo.
	Channels int
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	ch := max(f.Channels, 1)
	return PCMDuration(len(f.Data)/ch, f.SampleRate)
}

// PCMDuration returns the playback length of n bytes of mono PCM16 at rate.
func PCMDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	samples := int64(n / 2)
	return time.Duration(samples * int64(time.Second) / int64(rate))
}

// bytesFor returns the number of mono PCM16 bytes covering d at rate.
func bytesFor(d time.Duration, rate int) int {
	samples := int64(d) * int64(rate) / int64(time.Second)
	return int(samples) * 2
}
