// Package realtime implements the gateway's WebSocket transcription surface:
// the client protocol, the per-session engine with buffering and
// backpressure, per-key audio/request metering, and the session registry.
//
// Provider wire formats never reach this package; upstream traffic arrives as
// canonical events from a [realtime.Adapter].
package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/provider/realtime"
)

// Client → gateway message types.
const (
	MsgSessionUpdate = "session.update"
	MsgAudioAppend   = "input_audio.append"
	MsgActivityStart = "input_audio.activity_start"
	MsgActivityEnd   = "input_audio.activity_end"
	MsgAudioCommit   = "input_audio.commit"
	MsgAudioClear    = "input_audio.clear"
)

// Gateway → client message types.
const (
	MsgSessionCreated  = "session.created"
	MsgSessionUpdated  = "session.updated"
	MsgTranscriptDelta = "transcript.delta"
	MsgTranscriptDone  = "transcript.done"
	MsgModelDelta      = "model.delta"
	MsgModelDone       = "model.done"
	MsgSpeechStarted   = "speech_started"
	MsgSpeechStopped   = "speech_stopped"
	MsgRateLimits      = "rate_limits.updated"
	MsgWarning         = "warning"
	MsgError           = "error"
	MsgDebugUpstream   = "debug.upstream"
)

// Error and warning codes carried in protocol messages.
const (
	CodeBadJSON            = "bad_json"
	CodeInvalidSession     = "invalid_session"
	CodeBackpressurePaused = "backpressure_paused"
	CodeBackpressureResume = "backpressure_resumed"
	CodeCommitIgnored      = "commit_ignored"
	CodeAPMExceeded        = "apm_exceeded"
	CodeRPMExceeded        = "rpm_exceeded"
	CodeIdleTimeout        = "idle_timeout"
	CodeSessionExpired     = "session_expired"
	CodeUpstreamClosed     = "upstream_closed"
	CodeTooManySessions    = "too_many_sessions"
	CodeAuthFailed         = "auth_failed"
	CodeQuotaExceeded      = "quota_exceeded"
)

// WebSocket close codes used by the surface.
const (
	CloseNormal      = websocket.StatusNormalClosure
	CloseAuth        = websocket.StatusCode(4001)
	CloseQuota       = websocket.StatusCode(4008)
	CloseConcurrency = websocket.StatusCode(4013)
	CloseIdle        = websocket.StatusCode(4029)
)

// ClientMessage is the envelope for all client → gateway frames.
type ClientMessage struct {
	Type string `json:"type"`

	// Data carries the session.update payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Audio carries base64 PCM16 for input_audio.append.
	Audio string `json:"audio,omitempty"`
}

// SessionUpdate is the session.update payload.
type SessionUpdate struct {
	Model                   string              `json:"model"`
	Language                string              `json:"language"`
	Prompt                  string              `json:"prompt"`
	SystemInstruction       string              `json:"system_instruction"`
	InputAudioTranscription map[string]any      `json:"input_audio_transcription"`
	ResponseModalities      []string            `json:"response_modalities"`
	VAD                     *realtime.VADConfig `json:"vad"`
	Include                 struct {
		RawUpstream bool `json:"raw_upstream"`
		ModelOutput bool `json:"model_output"`
	} `json:"include"`
}

// Validate rejects payloads the session cannot act on.
func (u *SessionUpdate) Validate() error {
	if u.VAD != nil && !u.VAD.Type.IsValid() {
		return fmt.Errorf("unknown vad type %q", u.VAD.Type)
	}
	return nil
}

// ServerMessage is the envelope for all gateway → client frames.
type ServerMessage struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	Model      string          `json:"model,omitempty"`
	Text       string          `json:"text,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	RateLimits json.RawMessage `json:"rate_limits,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

func errorMsg(code, message string) ServerMessage {
	return ServerMessage{Type: MsgError, Code: code, Message: message}
}

func warningMsg(code string) ServerMessage {
	return ServerMessage{Type: MsgWarning, Code: code}
}

// Normalize maps a canonical upstream event to the client schema. The second
// return value is false for events the session should not forward under the
// current include flags.
func Normalize(evt realtime.Event, includeModel, includeRaw bool) (ServerMessage, bool) {
	switch evt.Type {
	case realtime.EventTranscriptDelta:
		return ServerMessage{Type: MsgTranscriptDelta, Text: evt.Text}, true
	case realtime.EventTranscriptDone:
		return ServerMessage{Type: MsgTranscriptDone, Text: evt.Text}, true
	case realtime.EventModelDelta:
		return ServerMessage{Type: MsgModelDelta, Text: evt.Text}, includeModel
	case realtime.EventModelDone:
		return ServerMessage{Type: MsgModelDone, Text: evt.Text}, includeModel
	case realtime.EventSpeechStarted:
		return ServerMessage{Type: MsgSpeechStarted}, true
	case realtime.EventSpeechStopped:
		return ServerMessage{Type: MsgSpeechStopped}, true
	case realtime.EventRateLimits:
		return ServerMessage{Type: MsgRateLimits, RateLimits: evt.RateLimits}, true
	case realtime.EventError:
		return errorMsg(evt.Code, evt.Message), true
	case realtime.EventRaw:
		return ServerMessage{Type: MsgDebugUpstream, Raw: evt.Raw}, includeRaw
	default:
		return ServerMessage{Type: MsgDebugUpstream, Raw: evt.Raw}, includeRaw
	}
}
