package audio_test

import (
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/audio"
)

func TestDuration(t *testing.T) {
	tests := []struct {
		name       string
		byteLen    int
		sampleRate int
		want       time.Duration
	}{
		{"one second at 16k", 16000 * 2, audio.SampleRate16k, time.Second},
		{"one second at 24k", 24000 * 2, audio.SampleRate24k, time.Second},
		{"200ms frame at 24k", 4800 * 2, audio.SampleRate24k, 200 * time.Millisecond},
		{"empty", 0, audio.SampleRate16k, 0},
		{"single trailing byte", 1, audio.SampleRate16k, 0},
		{"zero sample rate", 32000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.Duration(tt.byteLen, tt.sampleRate); got != tt.want {
				t.Errorf("Duration(%d, %d) = %v, want %v", tt.byteLen, tt.sampleRate, got, tt.want)
			}
		})
	}
}

func TestBytes(t *testing.T) {
	if got := audio.Bytes(time.Second, audio.SampleRate16k); got != 32000 {
		t.Errorf("Bytes(1s, 16k) = %d, want 32000", got)
	}
	if got := audio.Bytes(1200*time.Millisecond, audio.SampleRate24k); got != 57600 {
		t.Errorf("Bytes(1.2s, 24k) = %d, want 57600", got)
	}
	if got := audio.Bytes(-time.Second, audio.SampleRate16k); got != 0 {
		t.Errorf("Bytes(-1s, 16k) = %d, want 0", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, rate := range []int{audio.SampleRate16k, audio.SampleRate24k} {
		for _, d := range []time.Duration{20 * time.Millisecond, 200 * time.Millisecond, 5 * time.Second} {
			if got := audio.Duration(audio.Bytes(d, rate), rate); got != d {
				t.Errorf("Duration(Bytes(%v, %d)) = %v", d, rate, got)
			}
		}
	}
}

func TestSilence(t *testing.T) {
	s := audio.Silence(1200*time.Millisecond, audio.SampleRate24k)
	if len(s) != 57600 {
		t.Fatalf("Silence length = %d, want 57600", len(s))
	}
	for i, b := range s {
		if b != 0 {
			t.Fatalf("Silence[%d] = %d, want 0", i, b)
		}
	}
}
