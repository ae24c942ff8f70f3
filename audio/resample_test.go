package audio

import (
	"bytes"
	"testing"
)

func pcmFromSamples(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

func samplesFromPCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

func TestResampleStereo48kTo16k(t *testing.T) {
	// 300 stereo frames at 48kHz with ratio 3 must produce exactly 100
	// mono samples at 16kHz.
	in := make([]byte, 0, 300*4)
	for i := 0; i < 300; i++ {
		in = append(in, pcmFromSamples(100, 200)...)
	}

	out := Resample(in, 48000, 2, 16000)
	samples := samplesFromPCM(out)

	if len(samples) != 100 {
		t.Fatalf("got %d output samples, want 100", len(samples))
	}
	for i, s := range samples {
		if s != 150 {
			t.Fatalf("sample %d = %d, want 150 (average of 100 and 200)", i, s)
		}
	}
}

func TestResampleEmptyInput(t *testing.T) {
	if out := Resample(nil, 48000, 2, 16000); len(out) != 0 {
		t.Errorf("empty input produced %d bytes", len(out))
	}
}

func TestResampleTruncatesPartialFrame(t *testing.T) {
	// Three bytes of stereo input is less than one 4-byte frame.
	if out := Resample([]byte{1, 2, 3}, 48000, 2, 16000); len(out) != 0 {
		t.Errorf("partial frame produced %d bytes", len(out))
	}
}

func TestResamplePartialBlock(t *testing.T) {
	// Two stereo frames with ratio 3: one partial block, one output sample.
	in := append(pcmFromSamples(100, 300), pcmFromSamples(500, 700)...)
	out := Resample(in, 48000, 2, 16000)
	samples := samplesFromPCM(out)

	if len(samples) != 1 {
		t.Fatalf("got %d output samples, want 1", len(samples))
	}
	// Frame averages are 200 and 600; block average is 400.
	if samples[0] != 400 {
		t.Errorf("partial block average = %d, want 400", samples[0])
	}
}

func TestResampleRatioOnePassesFramesThrough(t *testing.T) {
	in := append(pcmFromSamples(10, 20), pcmFromSamples(-10, -20)...)
	out := Resample(in, 16000, 2, 16000)
	samples := samplesFromPCM(out)

	want := []int16{15, -15}
	if len(samples) != len(want) {
		t.Fatalf("got %d output samples, want %d", len(samples), len(want))
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestResampleUpratePerformsNoInterpolation(t *testing.T) {
	// targetRate above inputRate clamps the ratio to 1: one output sample
	// per input frame, no new samples invented.
	in := pcmFromSamples(1000)
	out := Resample(in, 16000, 1, 48000)
	if !bytes.Equal(out, in) {
		t.Errorf("uprate output %v, want %v", out, in)
	}
}

func TestResampleClampsToInt16Range(t *testing.T) {
	in := make([]byte, 0, 3*4)
	for i := 0; i < 3; i++ {
		in = append(in, pcmFromSamples(32767, 32767)...)
	}
	out := Resample(in, 48000, 2, 16000)
	samples := samplesFromPCM(out)

	if len(samples) != 1 {
		t.Fatalf("got %d output samples, want 1", len(samples))
	}
	if samples[0] != 32767 {
		t.Errorf("clamped sample = %d, want 32767", samples[0])
	}

	for i := range in {
		in[i] = 0
	}
	for i := 0; i < 3; i++ {
		copy(in[i*4:], pcmFromSamples(-32768, -32768))
	}
	out = Resample(in, 48000, 2, 16000)
	samples = samplesFromPCM(out)
	if samples[0] != -32768 {
		t.Errorf("clamped sample = %d, want -32768", samples[0])
	}
}
