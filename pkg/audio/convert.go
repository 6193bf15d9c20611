package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// MonoFormat is the format the capture adapter emits.
var MonoFormat = Format{SampleRate: SampleRate, Channels: 1}

// String returns a human-readable form, e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatConverter converts raw chunks of any interleaved PCM16 format to mono
// samples at the target rate. It logs once on the first format mismatch and
// once on misaligned input. The resampling position carries over between
// chunks, so consecutive Convert calls behave like one continuous stream.
// Create one per source; not designed for shared use across goroutines.
type FormatConverter struct {
	// TargetRate defaults to [SampleRate] when zero.
	TargetRate int

	res resampler

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns the chunk as mono samples at the target rate. Chunks whose
// byte count is not a whole number of sample frames are dropped (nil result).
// Channels are downmixed before resampling so only one channel is
// interpolated.
func (c *FormatConverter) Convert(frame AudioFrame) []int16 {
	target := c.TargetRate
	if target <= 0 {
		target = SampleRate
	}
	channels := max(frame.Channels, 1)

	if len(frame.Data)%(2*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM chunk, dropping",
				"bytes", len(frame.Data),
				"format", Format{frame.SampleRate, channels}.String(),
			)
		})
		return nil
	}

	if frame.SampleRate != target || channels != 1 {
		c.warnedMismatch.Do(func() {
			slog.Debug("audio: converting source format",
				"from", Format{frame.SampleRate, channels}.String(),
				"to", Format{target, 1}.String(),
			)
		})
	}

	samples := BytesToSamples(frame.Data)
	if channels > 1 {
		samples = Downmix(samples, channels)
	}
	if frame.SampleRate <= 0 || frame.SampleRate == target {
		return samples
	}
	return c.res.process(samples, frame.SampleRate, target)
}

// resampler interpolates linearly across chunk boundaries. pos is the next
// output position in units of 1/dst input samples, relative to the start of
// the next chunk; it lies in [-dst, 0] between chunks, where negative values
// fall between prev and the chunk's first sample.
type resampler struct {
	src, dst int
	pos      int64
	prev     int16
}

func (r *resampler) process(samples []int16, src, dst int) []int16 {
	if src != r.src || dst != r.dst {
		*r = resampler{src: src, dst: dst}
	}
	n := int64(len(samples))
	if n == 0 {
		return nil
	}
	d, step := int64(dst), int64(src)

	limit := (n - 1) * d
	out := make([]int16, 0, n*d/step+1)
	for ; r.pos < limit; r.pos += step {
		var s0, s1 int16
		var rem int64
		if r.pos < 0 {
			s0, s1, rem = r.prev, samples[0], r.pos+d
		} else {
			idx := r.pos / d
			s0, s1, rem = samples[idx], samples[idx+1], r.pos%d
		}
		frac := float64(rem) / float64(d)
		out = append(out, int16(float64(s0)*(1-frac)+float64(s1)*frac))
	}
	r.pos -= n * d
	r.prev = samples[n-1]
	return out
}

// BytesToSamples decodes little-endian PCM16. A trailing odd byte is ignored.
func BytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

// SamplesToBytes encodes samples as little-endian PCM16.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Downmix averages each interleaved group of channels into one mono sample.
// Uses int32 arithmetic to prevent overflow. Trailing partial groups are
// ignored.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(samples[i*channels+ch])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return out
}

// ResampleMono resamples one self-contained block of mono samples from srcRate
// to dstRate using linear interpolation. If the rates match or either is not
// positive, the input is returned unchanged. Streams split into chunks should
// go through a [FormatConverter] instead.
func ResampleMono(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]int16, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Mix sums two mono sample slices with the given gains into dst, clamping to
// the int16 range. b may be shorter than dst; missing samples count as
// silence.
func Mix(dst, a, b []int16, gainA, gainB float64) {
	for i := range dst {
		var v float64
		if i < len(a) {
			v += float64(a[i]) * gainA
		}
		if i < len(b) {
			v += float64(b[i]) * gainB
		}
		dst[i] = clamp16(int32(v))
	}
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
