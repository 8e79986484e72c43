package audio

import (
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"
	"time"
)

const (
	// DefaultMeterInterval is the cadence at which the meter publishes.
	DefaultMeterInterval = 25 * time.Millisecond

	// meterDecay is applied per analysed block and per silent interval so the
	// level falls smoothly after speech stops.
	meterDecay = 0.7

	meterBacklog = 16
)

var _ Tap = (*VolumeMeter)(nil)

// MeterOption configures a [VolumeMeter].
type MeterOption func(*VolumeMeter)

// WithMeterInterval sets the publish cadence.
func WithMeterInterval(d time.Duration) MeterOption {
	return func(m *VolumeMeter) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithOnVolume registers fn to receive the level at every publish. fn runs
// on the meter goroutine.
func WithOnVolume(fn func(float64)) MeterOption {
	return func(m *VolumeMeter) { m.onVolume = fn }
}

// VolumeMeter is a playback [Tap] producing a normalised 0..1 RMS level with
// decay. Analysis happens on the meter's own goroutine; Process only hands
// the block over and drops it if the meter is behind, so metering can never
// stall playback.
type VolumeMeter struct {
	interval time.Duration
	onVolume func(float64)

	in    chan []byte
	level atomic.Uint64 // math.Float64bits
}

// NewVolumeMeter returns a meter. Call [VolumeMeter.Run] to start analysis.
func NewVolumeMeter(opts ...MeterOption) *VolumeMeter {
	m := &VolumeMeter{
		interval: DefaultMeterInterval,
		in:       make(chan []byte, meterBacklog),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Process implements [Tap]. It never blocks.
func (m *VolumeMeter) Process(pcm []byte) {
	select {
	case m.in <- pcm:
	default:
	}
}

// Volume returns the most recently published level.
func (m *VolumeMeter) Volume() float64 {
	return math.Float64frombits(m.level.Load())
}

// Run analyses blocks and publishes the level until ctx is done.
func (m *VolumeMeter) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var level float64
	var fresh bool
	for {
		select {
		case <-ctx.Done():
			return
		case pcm := <-m.in:
			level = math.Max(RMS(pcm), level*meterDecay)
			fresh = true
		case <-ticker.C:
			if !fresh {
				level *= meterDecay
				if level < 1e-4 {
					level = 0
				}
			}
			fresh = false
			m.level.Store(math.Float64bits(level))
			if m.onVolume != nil {
				m.onVolume(level)
			}
		}
	}
}

// RMS returns the root-mean-square of mono PCM16 normalised to 0..1.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += v * v
	}
	return math.Min(math.Sqrt(sum/float64(n)), 1)
}
