package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultSampleRate is the rate of Live API speech output.
	DefaultSampleRate = 24000

	// DefaultQuantum is how much audio is written to the output per tick.
	DefaultQuantum = 20 * time.Millisecond

	// DefaultInitialDelay is buffered before playback starts from silence,
	// absorbing network jitter on the first chunks of a turn.
	DefaultInitialDelay = 100 * time.Millisecond
)

// Tap observes every quantum written to the output. Process is called on the
// playback goroutine and must not block.
type Tap interface {
	Process(pcm []byte)
}

// StreamerOption configures a [Streamer].
type StreamerOption func(*Streamer)

// WithSampleRate sets the PCM rate of chunks passed to AddPCM16.
func WithSampleRate(hz int) StreamerOption {
	return func(s *Streamer) {
		if hz > 0 {
			s.rate = hz
		}
	}
}

// WithQuantum sets the playback quantum. Stop takes effect within one quantum.
func WithQuantum(d time.Duration) StreamerOption {
	return func(s *Streamer) {
		if d > 0 {
			s.quantum = d
		}
	}
}

// WithInitialDelay sets how long playback waits after the first chunk
// arrives on an idle stream. Zero starts on the next tick.
func WithInitialDelay(d time.Duration) StreamerOption {
	return func(s *Streamer) {
		if d >= 0 {
			s.initialDelay = d
		}
	}
}

// WithStreamerLogger sets the logger for output write failures.
func WithStreamerLogger(l *slog.Logger) StreamerOption {
	return func(s *Streamer) {
		if l != nil {
			s.log = l
		}
	}
}

// Streamer turns bursty PCM16 chunks into contiguous real-time playback.
//
// Chunks are appended behind a scheduled-playback cursor, so back-to-back
// chunks play without gaps no matter when they arrive. [Streamer.Run] writes
// to the output it obtains from its [Registry] in quantum-sized pieces, as
// many per tick as the wall clock says are due since playback started, so a
// slow write or a dropped tick does not leave playback behind.
//
// All methods are safe for concurrent use.
type Streamer struct {
	reg          *Registry
	key          string
	rate         int
	quantum      time.Duration
	initialDelay time.Duration
	log          *slog.Logger

	// writeMu serialises output writes with Stop so no stale quantum is
	// written after Stop returns. Lock order: writeMu, then mu.
	writeMu sync.Mutex

	mu          sync.Mutex
	queue       [][]byte
	buffered    int   // bytes queued, not yet written
	scheduled   int64 // bytes accepted since the last Stop
	played      int64 // bytes written since the last Stop
	runPlayed   int64 // bytes written since startAt
	active      bool  // audio accepted since the last Stop
	startAt     time.Time
	unavailable error
	taps        map[string]Tap
	tapOrder    []string

	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamer returns a streamer that plays through the output registered
// under key in reg. Playback starts once [Streamer.Run] is called.
func NewStreamer(reg *Registry, key string, opts ...StreamerOption) *Streamer {
	s := &Streamer{
		reg:          reg,
		key:          key,
		rate:         DefaultSampleRate,
		quantum:      DefaultQuantum,
		initialDelay: DefaultInitialDelay,
		log:          slog.Default(),
		taps:         make(map[string]Tap),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SampleRate returns the rate chunks are expected in.
func (s *Streamer) SampleRate() int { return s.rate }

// AddPCM16 appends a chunk of mono PCM16 to the playback queue. The chunk is
// copied. On an idle stream playback begins after the initial delay.
// If the output could not be created the chunk is discarded and the error
// (wrapping [ErrAudioUnavailable]) is returned.
func (s *Streamer) AddPCM16(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("audio: odd PCM16 chunk length %d", len(pcm))
	}
	if len(pcm) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable != nil {
		return s.unavailable
	}
	if s.buffered == 0 {
		// Idle or underrun: rebuffer before playing.
		s.startAt = time.Now().Add(s.initialDelay)
		s.runPlayed = 0
	}
	s.queue = append(s.queue, append([]byte(nil), pcm...))
	s.buffered += len(pcm)
	s.scheduled += int64(len(pcm))
	s.active = true
	return nil
}

// Stop discards all unplayed audio and flushes the output if it buffers
// downstream. It waits for at most the in-flight quantum. Calls after the
// first, with no audio added in between, are no-ops.
func (s *Streamer) Stop() {
	s.mu.Lock()
	wasActive := s.active
	s.queue = nil
	s.buffered = 0
	s.scheduled = 0
	s.played = 0
	s.active = false
	s.mu.Unlock()

	if !wasActive {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	out := s.currentOutput()
	if f, ok := out.(Flusher); ok {
		if err := f.Flush(); err != nil {
			s.log.Warn("audio: flush output", "key", s.key, "err", err)
		}
	}
}

// Buffered returns the duration of queued audio not yet written.
func (s *Streamer) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PCMDuration(s.buffered, s.rate)
}

// Scheduled returns the total duration of audio accepted since the last
// Stop. Contiguous chunks make it the sum of their durations.
func (s *Streamer) Scheduled() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PCMDuration(int(s.scheduled), s.rate)
}

// Played returns the duration of audio written to the output since the last
// Stop.
func (s *Streamer) Played() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PCMDuration(int(s.played), s.rate)
}

// AddTap registers t under name, replacing any tap with the same name.
func (s *Streamer) AddTap(name string, t Tap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taps[name]; !ok {
		s.tapOrder = append(s.tapOrder, name)
	}
	s.taps[name] = t
}

// RemoveTap unregisters the tap called name.
func (s *Streamer) RemoveTap(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.taps[name]; !ok {
		return
	}
	delete(s.taps, name)
	for i, n := range s.tapOrder {
		if n == name {
			s.tapOrder = append(s.tapOrder[:i:i], s.tapOrder[i+1:]...)
			break
		}
	}
}

// Run acquires the output and plays queued audio until ctx is done or the
// streamer is closed. Acquiring the output waits for the registry's gesture
// latch. If the output cannot be created Run returns an error wrapping
// [ErrAudioUnavailable] and the streamer discards audio from then on.
func (s *Streamer) Run(ctx context.Context) error {
	out, err := s.reg.Get(ctx, s.key)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.mu.Lock()
		s.unavailable = err
		s.queue = nil
		s.buffered = 0
		s.mu.Unlock()
		return err
	}

	ticker := time.NewTicker(s.quantum)
	defer ticker.Stop()

	quantumBytes := max(bytesFor(s.quantum, s.rate), 2)
	var warned bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case now := <-ticker.C:
			if err := s.tick(out, now, quantumBytes); err != nil && !warned {
				s.log.Warn("audio: output write failed", "key", s.key, "err", err)
				warned = true
			}
		}
	}
}

// Close stops Run. It does not close the output, which the registry owns.
func (s *Streamer) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Streamer) tick(out Output, now time.Time, quantumBytes int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.buffered == 0 || now.Before(s.startAt) {
		s.mu.Unlock()
		return nil
	}
	// The quantum starting at startAt is due on the first tick.
	owed := int64(bytesFor(now.Sub(s.startAt), s.rate)+quantumBytes) - s.runPlayed
	quanta := max(int(owed)/quantumBytes, 1)
	taps := make([]Tap, 0, len(s.tapOrder))
	for _, name := range s.tapOrder {
		taps = append(taps, s.taps[name])
	}
	s.mu.Unlock()

	var firstErr error
	for range quanta {
		s.mu.Lock()
		if s.buffered == 0 {
			s.mu.Unlock()
			break
		}
		chunk := s.take(quantumBytes)
		s.played += int64(len(chunk))
		s.runPlayed += int64(len(chunk))
		s.mu.Unlock()

		if err := out.WritePCM(chunk); err != nil && firstErr == nil {
			firstErr = err
		}
		for _, t := range taps {
			t.Process(chunk)
		}
	}
	return firstErr
}

// take removes up to n bytes from the head of the queue. Callers hold mu.
func (s *Streamer) take(n int) []byte {
	out := make([]byte, 0, min(n, s.buffered))
	for len(out) < n && len(s.queue) > 0 {
		head := s.queue[0]
		k := min(n-len(out), len(head))
		out = append(out, head[:k]...)
		if k == len(head) {
			s.queue[0] = nil
			s.queue = s.queue[1:]
		} else {
			s.queue[0] = head[k:]
		}
	}
	s.buffered -= len(out)
	return out
}

func (s *Streamer) currentOutput() Output {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.reg.outputs[s.key]
}
