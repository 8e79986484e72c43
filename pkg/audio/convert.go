package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Converter turns capture frames into a target format. It logs once on the
// first format mismatch. Create one per stream; it is not safe for concurrent
// use.
type Converter struct {
	Target Format

	warnOnce sync.Once
}

// Convert returns frame in the target format. Frames already in the target
// format are returned unchanged. Channels are mixed down before resampling so
// the resampler only ever touches one channel.
func (c *Converter) Convert(frame AudioFrame) (AudioFrame, error) {
	ch := max(frame.Channels, 1)
	if len(frame.Data)%(2*ch) != 0 {
		return AudioFrame{}, fmt.Errorf("audio: convert: %d bytes is not a whole number of %d-channel PCM16 frames", len(frame.Data), ch)
	}
	if frame.SampleRate <= 0 {
		return AudioFrame{}, fmt.Errorf("audio: convert: invalid sample rate %d", frame.SampleRate)
	}
	from := Format{SampleRate: frame.SampleRate, Channels: ch}
	if from == c.Target {
		return frame, nil
	}

	c.warnOnce.Do(func() {
		slog.Debug("audio: converting capture format", "from", from, "to", c.Target)
	})

	pcm := frame.Data
	if ch > 1 {
		pcm = Downmix(pcm, ch)
	}
	pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
	if c.Target.Channels > 1 {
		pcm = Upmix(pcm, c.Target.Channels)
	}
	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   max(c.Target.Channels, 1),
	}, nil
}

// Downmix averages interleaved channels into mono, clamping to int16.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			off := i*stride + c*2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clamp16(sum/int32(channels))))
	}
	return out
}

// Upmix duplicates every mono sample across channels.
func Upmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	samples := len(pcm) / 2
	out := make([]byte, samples*channels*2)
	for i := range samples {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for c := range channels {
			j := (i*channels + c) * 2
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// ResampleMono16 resamples mono PCM16 from srcRate to dstRate with linear
// interpolation. Equal or invalid rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	m := int(int64(n) * int64(dstRate) / int64(srcRate))
	if m == 0 {
		return nil
	}

	sample := func(i int) float64 {
		if i >= n {
			i = n - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	out := make([]byte, m*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range m {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		v := sample(idx)*(1-frac) + sample(idx+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
