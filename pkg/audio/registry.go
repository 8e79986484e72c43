package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Opener creates the playback output for key.
type Opener func(ctx context.Context, key string) (Output, error)

// Registry owns playback outputs, at most one per key. Outputs are created
// lazily on first [Registry.Get], never before the registry's [Gesture] has
// fired, and are all closed by [Registry.Close].
type Registry struct {
	open    Opener
	gesture *Gesture

	mu      sync.Mutex
	outputs map[string]Output
	closed  bool
}

// NewRegistry returns a registry that creates outputs with open once gesture
// has been signalled. A nil gesture means no gesture is required.
func NewRegistry(open Opener, gesture *Gesture) *Registry {
	if gesture == nil {
		gesture = &Gesture{}
		gesture.Signal()
	}
	return &Registry{
		open:    open,
		gesture: gesture,
		outputs: make(map[string]Output),
	}
}

// Gesture returns the latch gating output creation.
func (r *Registry) Gesture() *Gesture { return r.gesture }

// Get returns the output for key, creating it if needed. It blocks until the
// gesture latch opens or ctx is done. An existing output that implements
// [Resumer] is resumed on every call. Failures to create an output wrap
// [ErrAudioUnavailable].
func (r *Registry) Get(ctx context.Context, key string) (Output, error) {
	if err := r.gesture.Wait(ctx); err != nil {
		return nil, fmt.Errorf("audio: waiting for user gesture: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: registry closed", ErrAudioUnavailable)
	}
	if out, ok := r.outputs[key]; ok {
		if rs, ok := out.(Resumer); ok {
			if err := rs.Resume(); err != nil {
				return nil, fmt.Errorf("%w: resume %q: %w", ErrAudioUnavailable, key, err)
			}
		}
		return out, nil
	}
	if r.open == nil {
		return nil, fmt.Errorf("%w: no opener for %q", ErrAudioUnavailable, key)
	}
	out, err := r.open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %w", ErrAudioUnavailable, key, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: opener returned no output for %q", ErrAudioUnavailable, key)
	}
	r.outputs[key] = out
	return out, nil
}

// Len returns the number of live outputs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outputs)
}

// Release closes and forgets the output for key, if any.
func (r *Registry) Release(key string) error {
	r.mu.Lock()
	out, ok := r.outputs[key]
	delete(r.outputs, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return out.Close()
}

// Close closes every output. Further calls to Get fail. Close is idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	outputs := r.outputs
	r.outputs = make(map[string]Output)
	r.mu.Unlock()

	var errs []error
	for key, out := range outputs {
		if err := out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audio: close output %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
