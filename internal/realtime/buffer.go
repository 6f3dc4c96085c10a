package realtime

import (
	"time"

	"github.com/voxgate/voxgate/pkg/audio"
)

// audioBuffer holds PCM16 frames an adapter could not accept yet. It is
// bounded by wall-clock duration at the session sample rate; pushing past the
// bound evicts the oldest frames so the newest audio always survives.
//
// The buffer is owned by one session and is not safe for concurrent use.
type audioBuffer struct {
	frames     [][]byte
	bytes      int
	maxBytes   int
	sampleRate int
	dropped    int
}

func newAudioBuffer(maxDuration time.Duration, sampleRate int) *audioBuffer {
	return &audioBuffer{
		maxBytes:   audio.Bytes(maxDuration, sampleRate),
		sampleRate: sampleRate,
	}
}

// push enqueues frame, evicting from the front until it fits. It returns the
// number of frames evicted.
func (b *audioBuffer) push(frame []byte) int {
	evicted := 0
	for len(b.frames) > 0 && b.bytes+len(frame) > b.maxBytes {
		b.bytes -= len(b.frames[0])
		b.frames = b.frames[1:]
		evicted++
	}
	b.frames = append(b.frames, frame)
	b.bytes += len(frame)
	b.dropped += evicted
	return evicted
}

// pop removes and returns the oldest frame, or nil when empty.
func (b *audioBuffer) pop() []byte {
	if len(b.frames) == 0 {
		return nil
	}
	frame := b.frames[0]
	b.frames = b.frames[1:]
	b.bytes -= len(frame)
	return frame
}

// unpop puts a frame back at the front after a failed retry.
func (b *audioBuffer) unpop(frame []byte) {
	b.frames = append([][]byte{frame}, b.frames...)
	b.bytes += len(frame)
}

func (b *audioBuffer) len() int { return len(b.frames) }

func (b *audioBuffer) empty() bool { return len(b.frames) == 0 }

// duration is the wall-clock length of the buffered audio.
func (b *audioBuffer) duration() time.Duration {
	return audio.Duration(b.bytes, b.sampleRate)
}

func (b *audioBuffer) clear() {
	b.frames = nil
	b.bytes = 0
}
