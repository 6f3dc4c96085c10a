package realtime

import (
	"testing"
	"time"
)

// frame returns n milliseconds of PCM16 at 16 kHz.
func frame(n int) []byte {
	return make([]byte, n*16000*2/1000)
}

func TestBufferPushPop(t *testing.T) {
	t.Parallel()
	b := newAudioBuffer(100*time.Millisecond, 16000)

	b.push(frame(20))
	b.push(frame(30))
	if b.len() != 2 {
		t.Fatalf("len = %d", b.len())
	}
	if got := b.duration(); got != 50*time.Millisecond {
		t.Errorf("duration = %v", got)
	}

	first := b.pop()
	if len(first) != len(frame(20)) {
		t.Errorf("pop returned %d bytes, want oldest frame", len(first))
	}
	b.unpop(first)
	if got := b.pop(); len(got) != len(first) {
		t.Errorf("unpop did not restore front: %d bytes", len(got))
	}
}

func TestBufferEvictsOldestWhenFull(t *testing.T) {
	t.Parallel()
	b := newAudioBuffer(100*time.Millisecond, 16000)

	for i := 0; i < 5; i++ {
		b.push(frame(20)) // exactly full at 100 ms
	}
	if evicted := b.push(frame(20)); evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if got := b.duration(); got != 100*time.Millisecond {
		t.Errorf("duration after eviction = %v", got)
	}
	if b.dropped != 1 {
		t.Errorf("dropped = %d", b.dropped)
	}
}

func TestBufferClear(t *testing.T) {
	t.Parallel()
	b := newAudioBuffer(time.Second, 16000)
	b.push(frame(40))
	b.clear()
	if !b.empty() || b.duration() != 0 {
		t.Errorf("clear left len=%d duration=%v", b.len(), b.duration())
	}
	if b.pop() != nil {
		t.Error("pop on empty buffer returned a frame")
	}
}
