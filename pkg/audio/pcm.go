// Package audio provides PCM16 byte/duration arithmetic for the gateway.
//
// All realtime providers exchange signed 16-bit little-endian mono PCM, but
// at different sample rates (16 kHz for Gemini Live, 24 kHz for OpenAI
// transcription). Buffer bounds, audio-per-minute accounting, and
// backpressure watermarks are all expressed in wall-clock duration, so the
// conversion between raw byte counts and durations lives here.
package audio

import "time"

// BytesPerSample is the size of a single PCM16 sample.
const BytesPerSample = 2

// Common provider sample rates in Hz.
const (
	SampleRate16k = 16000
	SampleRate24k = 24000
)

// Duration returns the wall-clock duration of a PCM16 mono byte slice at the
// given sample rate. Odd trailing bytes are ignored; a non-positive sample
// rate yields zero.
func Duration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 || byteLen < BytesPerSample {
		return 0
	}
	samples := byteLen / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Bytes returns the number of PCM16 mono bytes covering d at the given sample
// rate. The result is always an even number of bytes.
func Bytes(d time.Duration, sampleRate int) int {
	if sampleRate <= 0 || d <= 0 {
		return 0
	}
	samples := int(d * time.Duration(sampleRate) / time.Second)
	return samples * BytesPerSample
}

// Silence returns d worth of PCM16 mono silence at the given sample rate.
// Used to pad trailing silence before an end-of-speech commit under server
// VAD.
func Silence(d time.Duration, sampleRate int) []byte {
	return make([]byte, Bytes(d, sampleRate))
}
