// Package realtime defines the adapter abstraction for bidirectional audio
// transcription streams.
//
// An Adapter wraps one upstream WebSocket session. Audio goes in as raw PCM16
// chunks; transcription results come back as canonical [Event] values on a
// channel, already translated from the provider's native event schema. The
// session engine upstream of this package never sees provider wire formats.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"encoding/json"
)

// VADType selects who decides when a user turn ends.
type VADType string

const (
	// VADManual leaves turn boundaries entirely to client activity markers.
	VADManual VADType = "manual"

	// VADServer enables upstream silence-based voice activity detection.
	VADServer VADType = "server_vad"

	// VADSemantic enables upstream semantic end-of-turn detection.
	VADSemantic VADType = "semantic_vad"
)

// IsValid reports whether t is a known VAD type.
func (t VADType) IsValid() bool {
	return t == VADManual || t == VADServer || t == VADSemantic
}

// VADConfig tunes upstream voice activity detection.
type VADConfig struct {
	Type VADType `json:"type"`

	// SilenceDurationMs and PrefixPaddingMs tune server_vad.
	SilenceDurationMs int `json:"silence_duration_ms,omitempty"`
	PrefixPaddingMs   int `json:"prefix_padding_ms,omitempty"`

	// StartSensitivity and EndSensitivity tune server_vad on providers that
	// expose sensitivity levels instead of durations.
	StartSensitivity string `json:"start_sensitivity,omitempty"`
	EndSensitivity   string `json:"end_sensitivity,omitempty"`

	// Eagerness tunes semantic_vad.
	Eagerness string `json:"eagerness,omitempty"`
}

// SessionConfig configures one upstream transcription session.
type SessionConfig struct {
	// Model routes the session; required.
	Model string

	// Language is an optional hint for the recognizer.
	Language string

	// Prompt biases transcription on providers that accept one.
	Prompt string

	// SystemInstruction configures model commentary where supported.
	SystemInstruction string

	// ResponseModalities restricts upstream output kinds.
	ResponseModalities []string

	// Transcription passes provider-specific transcription options through
	// verbatim.
	Transcription map[string]any

	// VAD selects and tunes turn detection.
	VAD VADConfig

	// IncludeModelOutput forwards model commentary events.
	IncludeModelOutput bool

	// IncludeRawUpstream forwards unrecognized upstream events as raw
	// payloads for debugging.
	IncludeRawUpstream bool
}

// EventType discriminates canonical upstream events.
type EventType string

const (
	EventTranscriptDelta EventType = "transcript.delta"
	EventTranscriptDone  EventType = "transcript.done"
	EventModelDelta      EventType = "model.delta"
	EventModelDone       EventType = "model.done"
	EventSpeechStarted   EventType = "speech_started"
	EventSpeechStopped   EventType = "speech_stopped"
	EventRateLimits      EventType = "rate_limits.updated"
	EventError           EventType = "error"
	EventRaw             EventType = "raw"
)

// Event is one canonical upstream event.
type Event struct {
	Type EventType

	// Text carries transcript or commentary content for the delta/done
	// kinds.
	Text string

	// RateLimits is the pass-through snapshot for EventRateLimits.
	RateLimits json.RawMessage

	// Raw is the unparsed upstream payload for EventRaw.
	Raw json.RawMessage

	// Code and Message describe EventError.
	Code    string
	Message string
}

// Adapter is one open upstream session. Callers must Close it when done and
// should check Err after the Events channel closes.
type Adapter interface {
	// AppendAudio delivers one PCM16 chunk. It returns false as a soft
	// failure when the upstream cannot accept more right now; the caller
	// should buffer and retry. A closed session also returns false.
	AppendAudio(chunk []byte) bool

	// ActivityStart marks the beginning of a user turn under manual VAD.
	ActivityStart() error

	// ActivityEnd marks the end of a user turn under manual VAD.
	ActivityEnd() error

	// Commit ends the turn and requests a final transcription result.
	Commit() error

	// Clear discards buffered, uncommitted audio upstream.
	Clear() error

	// Update applies a configuration change mid-session.
	Update(ctx context.Context, cfg SessionConfig) error

	// Events returns the canonical event stream. The channel is closed when
	// the session ends; consumers must drain it promptly.
	Events() <-chan Event

	// SampleRate returns the PCM16 sample rate this session expects, in Hz.
	SampleRate() int

	// Err returns the error that closed the Events channel early, or nil.
	Err() error

	// Close terminates the session. Safe to call more than once.
	Close() error
}

// Dialer opens upstream sessions for one provider.
type Dialer interface {
	// Name returns the provider tag.
	Name() string

	// Dial establishes a session. The returned Adapter is ready to accept
	// audio; the caller owns it and must Close it.
	Dial(ctx context.Context, cfg SessionConfig) (Adapter, error)
}
