package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/realtime"
	"github.com/voxgate/voxgate/pkg/provider/realtime/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport records everything a session sends and counts pause/resume
// transitions.
type fakeTransport struct {
	mu      sync.Mutex
	msgs    []ServerMessage
	paused  int
	resumed int
}

func (f *fakeTransport) Send(_ context.Context, msg ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeTransport) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
}

func (f *fakeTransport) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
}

func (f *fakeTransport) find(msgType, code string) (ServerMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if m.Type == msgType && (code == "" || m.Code == code) {
			return m, true
		}
	}
	return ServerMessage{}, false
}

// waitFor polls for a message of the given type (and code, when set).
func (f *fakeTransport) waitFor(t *testing.T, msgType, code string) ServerMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m, ok := f.find(msgType, code); ok {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s/%s", msgType, code)
	return ServerMessage{}
}

func testConfig() Config {
	return Config{
		MaxBuffer:       time.Second,
		MaxIdle:         time.Minute,
		MaxLifetime:     time.Minute,
		TrailingSilence: 10 * time.Millisecond,
		EOSWait:         20 * time.Millisecond,
		DrainInterval:   5 * time.Millisecond,
		ReconnectBudget: time.Second,
	}
}

func bigMeters() *Meters {
	return NewMeters(time.Hour, 100000)
}

func newTestSession(dialer *mock.Dialer, cfg Config, meters *Meters) (*Session, *fakeTransport) {
	transport := &fakeTransport{}
	dialers := map[string]realtime.Dialer{"openai": dialer, "gemini": dialer}
	s := NewSession("sess-1", "api:test", dialers, meters, transport, cfg, nil, discardLogger())
	return s, transport
}

func sendUpdate(t *testing.T, s *Session, model string, vad realtime.VADType) {
	t.Helper()
	payload := fmt.Sprintf(`{"type":%q,"data":{"model":%q,"vad":{"type":%q}}}`,
		MsgSessionUpdate, model, vad)
	s.HandleClient(context.Background(), []byte(payload))
}

func sendAudio(t *testing.T, s *Session, pcm []byte) {
	t.Helper()
	payload, _ := json.Marshal(ClientMessage{
		Type:  MsgAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
	s.HandleClient(context.Background(), payload)
}

func sendType(t *testing.T, s *Session, msgType string) {
	t.Helper()
	s.HandleClient(context.Background(), []byte(fmt.Sprintf(`{"type":%q}`, msgType)))
}

func isDone(s *Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}

func waitDone(t *testing.T, s *Session, within time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(within):
		t.Fatal("session did not terminate")
	}
}

func TestSessionUpdateConnects(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, testConfig(), bigMeters())
	defer s.Close()

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADManual)

	msg := transport.waitFor(t, MsgSessionUpdated, "")
	if msg.Model != "gpt-4o-transcribe" || msg.SessionID != "sess-1" {
		t.Errorf("session.updated = %+v", msg)
	}
	sess := dialer.Last()
	if sess == nil {
		t.Fatal("no upstream session dialed")
	}
	if sess.Config().Model != "gpt-4o-transcribe" {
		t.Errorf("upstream model = %q", sess.Config().Model)
	}
	if sess.Config().VAD.Type != realtime.VADManual {
		t.Errorf("upstream vad = %q", sess.Config().VAD.Type)
	}
}

func TestBadJSONContinues(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, testConfig(), bigMeters())
	defer s.Close()

	s.HandleClient(context.Background(), []byte("{not json"))
	transport.waitFor(t, MsgError, CodeBadJSON)
	if isDone(s) {
		t.Fatal("bad JSON must not terminate the session")
	}

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADManual)
	transport.waitFor(t, MsgSessionUpdated, "")
}

func TestMalformedUpdateTerminates(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, testConfig(), bigMeters())

	s.HandleClient(context.Background(), []byte(`{"type":"session.update","data":"nope"}`))
	transport.waitFor(t, MsgError, CodeInvalidSession)
	waitDone(t, s, time.Second)
}

func TestUpdateWithoutModelTerminates(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, testConfig(), bigMeters())

	s.HandleClient(context.Background(), []byte(`{"type":"session.update","data":{}}`))
	transport.waitFor(t, MsgError, CodeInvalidSession)
	waitDone(t, s, time.Second)
}

func TestAudioForwarded(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	s, _ := newTestSession(dialer, testConfig(), bigMeters())
	defer s.Close()

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADManual)
	sendAudio(t, s, frame(20))

	if got := dialer.Last().BytesReceived(); got != len(frame(20)) {
		t.Errorf("upstream received %d bytes, want %d", got, len(frame(20)))
	}
}

func TestAudioBeforeConfigureRejected(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, testConfig(), bigMeters())
	defer s.Close()

	sendAudio(t, s, frame(20))
	transport.waitFor(t, MsgError, CodeInvalidSession)
	if isDone(s) {
		t.Fatal("pre-configure audio must not terminate the session")
	}
}

func TestBackpressurePauseAndResume(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxBuffer = 100 * time.Millisecond
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, cfg, bigMeters())
	defer s.Close()

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADManual)
	sess := dialer.Last()
	sess.SetSoftFail(true)

	for i := 0; i < 3; i++ {
		sendAudio(t, s, frame(20)) // 60 ms buffered, past the 50 ms high-water mark
	}
	transport.waitFor(t, MsgWarning, CodeBackpressurePaused)
	transport.mu.Lock()
	paused := transport.paused
	transport.mu.Unlock()
	if paused == 0 {
		t.Fatal("transport was not paused")
	}

	sess.SetSoftFail(false)
	transport.waitFor(t, MsgWarning, CodeBackpressureResume)

	deadline := time.Now().Add(2 * time.Second)
	want := 3 * len(frame(20))
	for time.Now().Before(deadline) && sess.BytesReceived() != want {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sess.BytesReceived(); got != want {
		t.Errorf("drained %d bytes, want %d", got, want)
	}
}

func TestAPMExceededDropsAudio(t *testing.T) {
	t.Parallel()
	meters := NewMeters(50*time.Millisecond, 100000)
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, testConfig(), meters)
	defer s.Close()

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADManual)
	sendAudio(t, s, frame(20))
	sendAudio(t, s, frame(20))
	sendAudio(t, s, frame(20)) // 60 ms in the minute window, over the 50 ms cap

	transport.waitFor(t, MsgError, CodeAPMExceeded)
	transport.waitFor(t, MsgRateLimits, "")

	want := 2 * len(frame(20))
	if got := dialer.Last().BytesReceived(); got != want {
		t.Errorf("upstream received %d bytes, want %d", got, want)
	}

	// Further appends are dropped until the window rolls.
	sendAudio(t, s, frame(20))
	if got := dialer.Last().BytesReceived(); got != want {
		t.Errorf("blocked append reached upstream: %d bytes", got)
	}
	if isDone(s) {
		t.Fatal("apm_exceeded must not terminate the session")
	}
}

func TestRPMExceededBlocksTurns(t *testing.T) {
	t.Parallel()
	meters := NewMeters(time.Hour, 1)
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, testConfig(), meters)
	defer s.Close()

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADManual)
	sendType(t, s, MsgAudioCommit)
	if got := dialer.Last().Commits(); got != 1 {
		t.Fatalf("commits = %d", got)
	}

	sendType(t, s, MsgAudioCommit)
	transport.waitFor(t, MsgError, CodeRPMExceeded)
	if got := dialer.Last().Commits(); got != 1 {
		t.Errorf("over-limit commit reached upstream: %d", got)
	}
}

func TestTranscriptFlow(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{Transcript: "hello world"}
	s, transport := newTestSession(dialer, testConfig(), bigMeters())
	defer s.Close()

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADManual)
	sendType(t, s, MsgAudioCommit)

	if msg := transport.waitFor(t, MsgTranscriptDelta, ""); msg.Text != "hello world" {
		t.Errorf("delta = %q", msg.Text)
	}
	if msg := transport.waitFor(t, MsgTranscriptDone, ""); msg.Text != "hello world" {
		t.Errorf("done = %q", msg.Text)
	}
}

func TestCommitIgnoredUnderServerVAD(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, testConfig(), bigMeters())
	defer s.Close()

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADServer)
	sendType(t, s, MsgAudioCommit)

	transport.waitFor(t, MsgWarning, CodeCommitIgnored)
	if got := dialer.Last().Commits(); got != 0 {
		t.Errorf("ignored commit reached upstream: %d", got)
	}
}

func TestCommitFallbackUnderServerVAD(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.CommitFallback = true
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, cfg, bigMeters())
	defer s.Close()

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADServer)
	sendType(t, s, MsgAudioCommit)

	// Trailing silence is appended immediately; the commit fires after the
	// end-of-speech wait elapses without an upstream terminal transcript.
	transport.waitFor(t, MsgTranscriptDone, "")
	sess := dialer.Last()
	if got := sess.Commits(); got != 1 {
		t.Errorf("commits = %d, want 1", got)
	}
	if sess.BytesReceived() == 0 {
		t.Error("no trailing silence reached upstream")
	}
}

func TestCommitFallbackBuffersSilenceUnderBackpressure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.CommitFallback = true
	dialer := &mock.Dialer{}
	s, _ := newTestSession(dialer, cfg, bigMeters())
	defer s.Close()

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADServer)
	sess := dialer.Last()
	sess.SetSoftFail(true)

	sendType(t, s, MsgAudioCommit)
	if got := sess.BytesReceived(); got != 0 {
		t.Fatalf("rejected silence reached upstream: %d bytes", got)
	}

	sess.SetSoftFail(false)
	want := len(audio.Silence(cfg.TrailingSilence, sess.SampleRate()))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sess.BytesReceived() != want {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sess.BytesReceived(); got != want {
		t.Errorf("drained %d bytes of trailing silence, want %d", got, want)
	}
}

func TestUpstreamErrorTerminates(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, testConfig(), bigMeters())

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADManual)
	dialer.Last().Emit(realtime.Event{Type: realtime.EventError, Code: "boom", Message: "bad"})

	transport.waitFor(t, MsgError, "boom")
	waitDone(t, s, time.Second)
}

func TestReconnectAfterUpstreamLoss(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	s, _ := newTestSession(dialer, testConfig(), bigMeters())
	defer s.Close()

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADManual)
	first := dialer.Last()
	first.FailWith(io.ErrUnexpectedEOF)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && dialer.Last() == first {
		time.Sleep(5 * time.Millisecond)
	}
	if dialer.Last() == first {
		t.Fatal("no reconnect attempt")
	}
	if isDone(s) {
		t.Fatal("session terminated despite successful reconnect")
	}

	sendAudio(t, s, frame(20))
	second := dialer.Last()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && second.BytesReceived() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if second.BytesReceived() == 0 {
		t.Error("audio did not reach the reconnected upstream")
	}
}

func TestSecondUpstreamLossTerminates(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, testConfig(), bigMeters())

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADManual)
	first := dialer.Last()
	first.FailWith(io.ErrUnexpectedEOF)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && dialer.Last() == first {
		time.Sleep(5 * time.Millisecond)
	}
	dialer.Last().FailWith(io.ErrUnexpectedEOF)

	transport.waitFor(t, MsgError, CodeUpstreamClosed)
	waitDone(t, s, time.Second)
}

func TestLifetimeCeiling(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxLifetime = 50 * time.Millisecond
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, cfg, bigMeters())

	go s.Run(context.Background())
	waitDone(t, s, 2*time.Second)
	transport.waitFor(t, MsgError, CodeSessionExpired)
	if code, _ := s.CloseStatus(); code != CloseNormal {
		t.Errorf("close code = %d", code)
	}
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxIdle = 50 * time.Millisecond
	dialer := &mock.Dialer{}
	s, transport := newTestSession(dialer, cfg, bigMeters())

	go s.Run(context.Background())
	waitDone(t, s, 3*time.Second)
	transport.waitFor(t, MsgError, CodeIdleTimeout)
	if code, reason := s.CloseStatus(); code != CloseIdle || reason != CodeIdleTimeout {
		t.Errorf("close status = %d/%q", code, reason)
	}
}

func TestActivityMarkersManualOnly(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	s, _ := newTestSession(dialer, testConfig(), bigMeters())
	defer s.Close()

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADServer)
	sendType(t, s, MsgActivityStart)
	sendType(t, s, MsgActivityEnd)

	// ActivityEnd commits on the mock; under server VAD both are ignored.
	if got := dialer.Last().Commits(); got != 0 {
		t.Errorf("activity markers reached upstream under server vad: %d commits", got)
	}
}

func TestClearDiscardsBufferedAudio(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxBuffer = 500 * time.Millisecond
	dialer := &mock.Dialer{}
	s, _ := newTestSession(dialer, cfg, bigMeters())
	defer s.Close()

	sendUpdate(t, s, "gpt-4o-transcribe", realtime.VADManual)
	sess := dialer.Last()
	sess.SetSoftFail(true)
	sendAudio(t, s, frame(20))
	sendType(t, s, MsgAudioClear)
	sess.SetSoftFail(false)

	// Buffered audio was discarded before the adapter recovered.
	time.Sleep(50 * time.Millisecond)
	if got := sess.BytesReceived(); got != 0 {
		t.Errorf("cleared audio reached upstream: %d bytes", got)
	}
}
