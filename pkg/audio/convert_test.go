package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/callscribe/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestDownmix(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	got := audio.Downmix([]int16{100, 200, -100, -200}, 2)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestDownmix_NoOverflow(t *testing.T) {
	got := audio.Downmix([]int16{32767, 32767, 32767}, 3)
	if len(got) != 1 || got[0] != 32767 {
		t.Errorf("got %v, want [32767]", got)
	}
}

func TestResampleMono_SameRate(t *testing.T) {
	in := []int16{100, 200, 300}
	out := audio.ResampleMono(in, 48000, 48000)
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
}

func TestResampleMono_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	got := audio.ResampleMono([]int16{1000, 2000}, 16000, 48000)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestResampleMono_Downsample(t *testing.T) {
	got := audio.ResampleMono([]int16{100, 200, 300, 400, 500, 600}, 48000, 16000)
	if len(got) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(got))
	}
}

func TestResampleMono_InvalidRate(t *testing.T) {
	in := []int16{100, 200}
	for _, rates := range [][2]int{{0, 16000}, {16000, 0}, {-1, 16000}} {
		out := audio.ResampleMono(in, rates[0], rates[1])
		if len(out) != len(in) {
			t.Errorf("rates %v: expected unchanged output, got len %d", rates, len(out))
		}
	}
}

func TestMix(t *testing.T) {
	tests := []struct {
		name   string
		a, b   []int16
		ga, gb float64
		want   []int16
	}{
		{name: "sum with gains", a: []int16{1000, 2000}, b: []int16{1000, 1000}, ga: 1, gb: 0.5, want: []int16{1500, 2500}},
		{name: "short b pads with silence", a: []int16{10, 20, 30}, b: []int16{10}, ga: 1, gb: 1, want: []int16{20, 20, 30}},
		{name: "clamps high", a: []int16{32000}, b: []int16{32000}, ga: 1, gb: 1, want: []int16{32767}},
		{name: "clamps low", a: []int16{-32000}, b: []int16{-32000}, ga: 1, gb: 1, want: []int16{-32768}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]int16, len(tt.a))
			audio.Mix(dst, tt.a, tt.b, tt.ga, tt.gb)
			for i := range tt.want {
				if dst[i] != tt.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, dst[i], tt.want[i])
				}
			}
		})
	}
}

func TestFormatConverter_PassThrough(t *testing.T) {
	var conv audio.FormatConverter
	got := conv.Convert(audio.AudioFrame{Data: samplesToBytes([]int16{1, -2, 3}), SampleRate: 16000, Channels: 1})
	want := []int16{1, -2, 3}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFormatConverter_StereoFortyEightK(t *testing.T) {
	var conv audio.FormatConverter
	// 960 stereo frames at 48 kHz = 20 ms → 320 mono samples at 16 kHz.
	pcm := samplesToBytes(make([]int16, 960*2))
	got := conv.Convert(audio.AudioFrame{Data: pcm, SampleRate: 48000, Channels: 2})
	if len(got) != 320 {
		t.Errorf("got %d samples, want 320", len(got))
	}
}

func TestFormatConverter_ChunkingDoesNotDrift(t *testing.T) {
	const total = 100_000
	ramp := make([]int16, total)
	for i := range ramp {
		ramp[i] = int16(i % 20000)
	}

	var whole audio.FormatConverter
	want := whole.Convert(audio.AudioFrame{Data: samplesToBytes(ramp), SampleRate: 44100, Channels: 1})

	var chunked audio.FormatConverter
	var got []int16
	sizes := []int{1000, 441, 7, 1, 2048}
	for off, i := 0, 0; off < total; i++ {
		n := min(sizes[i%len(sizes)], total-off)
		chunk := ramp[off : off+n]
		got = append(got, chunked.Convert(audio.AudioFrame{Data: samplesToBytes(chunk), SampleRate: 44100, Channels: 1})...)
		off += n
	}

	if len(got) != len(want) {
		t.Fatalf("chunked output = %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: chunked %d, whole %d", i, got[i], want[i])
		}
	}

	// 100000 samples at 44.1 kHz is 36281.18 samples at 16 kHz.
	if n := len(got); n < 36280 || n > 36282 {
		t.Errorf("output length %d, want about 36281", n)
	}
}

func TestFormatConverter_RateChangeResetsPosition(t *testing.T) {
	var conv audio.FormatConverter
	conv.Convert(audio.AudioFrame{Data: samplesToBytes(make([]int16, 1001)), SampleRate: 44100, Channels: 1})

	got := conv.Convert(audio.AudioFrame{Data: samplesToBytes(make([]int16, 960)), SampleRate: 48000, Channels: 1})
	if len(got) != 320 {
		t.Errorf("got %d samples after rate change, want 320", len(got))
	}
}

func TestFormatConverter_Misaligned(t *testing.T) {
	var conv audio.FormatConverter
	tests := []struct {
		name  string
		frame audio.AudioFrame
	}{
		{name: "odd bytes mono", frame: audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1}},
		{name: "partial stereo frame", frame: audio.AudioFrame{Data: []byte{1, 2, 3, 4, 5, 6}, SampleRate: 48000, Channels: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := conv.Convert(tt.frame); got != nil {
				t.Errorf("expected nil for misaligned chunk, got %d samples", len(got))
			}
		})
	}
}

func TestFrameBytes(t *testing.T) {
	f := audio.Frame{Samples: []int16{1, -1, 256}}
	got := f.Bytes()
	want := samplesToBytes([]int16{1, -1, 256})
	if string(got) != string(want) {
		t.Errorf("Bytes = %v, want %v", got, want)
	}
	if back := audio.BytesToSamples(got); back[1] != -1 || back[2] != 256 {
		t.Errorf("round trip = %v", back)
	}
}

func TestFormatString(t *testing.T) {
	tests := []struct {
		f    audio.Format
		want string
	}{
		{audio.Format{SampleRate: 16000, Channels: 1}, "16000Hz mono"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 44100, Channels: 6}, "44100Hz 6ch"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
