package realtime

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/pkg/provider/realtime"
	"github.com/voxgate/voxgate/pkg/provider/realtime/mock"
)

func newTestHandler(t *testing.T, dialer *mock.Dialer, maxSessions int) (*Handler, *Registry) {
	t.Helper()
	store := auth.NewMemoryStore([]config.KeyConfig{{Key: "gw-key", Name: "test"}})
	authn := auth.NewAuthenticator(store, auth.NewUsageTracker(), false)
	registry := NewRegistry(maxSessions, maxSessions)
	h := NewHandler(
		registry,
		map[string]realtime.Dialer{"openai": dialer, "gemini": dialer},
		authn,
		bigMeters(),
		testConfig(),
		true,
		nil,
		discardLogger(),
	)
	return h, registry
}

func dialHandler(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var msg ServerMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func writeMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func authHeader() http.Header {
	return http.Header{"Authorization": {"Bearer gw-key"}}
}

func TestHandlerSessionLifecycle(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{Transcript: "guten tag"}
	h, registry := newTestHandler(t, dialer, 4)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHandler(t, srv, authHeader())
	defer conn.Close(websocket.StatusNormalClosure, "")

	created := readMsg(t, conn)
	if created.Type != MsgSessionCreated || created.SessionID == "" {
		t.Fatalf("first message = %+v", created)
	}
	if registry.Len() != 1 {
		t.Errorf("registry len = %d", registry.Len())
	}

	writeMsg(t, conn, map[string]any{
		"type": MsgSessionUpdate,
		"data": map[string]any{
			"model": "gpt-4o-transcribe",
			"vad":   map[string]any{"type": "manual"},
		},
	})
	if msg := readMsg(t, conn); msg.Type != MsgSessionUpdated {
		t.Fatalf("expected session.updated, got %+v", msg)
	}

	writeMsg(t, conn, map[string]any{
		"type":  MsgAudioAppend,
		"audio": base64.StdEncoding.EncodeToString(frame(20)),
	})
	writeMsg(t, conn, map[string]any{"type": MsgAudioCommit})

	if msg := readMsg(t, conn); msg.Type != MsgTranscriptDelta || msg.Text != "guten tag" {
		t.Fatalf("expected transcript.delta, got %+v", msg)
	}
	if msg := readMsg(t, conn); msg.Type != MsgTranscriptDone || msg.Text != "guten tag" {
		t.Fatalf("expected transcript.done, got %+v", msg)
	}

	conn.Close(websocket.StatusNormalClosure, "bye")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && registry.Len() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if registry.Len() != 0 {
		t.Errorf("registry not cleaned up: %d sessions", registry.Len())
	}
}

func TestHandlerRejectsMissingAuth(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	h, _ := newTestHandler(t, dialer, 4)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialHandler(t, srv, nil)
	defer conn.Close(websocket.StatusNormalClosure, "")

	if msg := readMsg(t, conn); msg.Type != MsgError || msg.Code != CodeAuthFailed {
		t.Fatalf("expected auth_failed, got %+v", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != CloseAuth {
		t.Errorf("close status = %v, want %d", websocket.CloseStatus(err), CloseAuth)
	}
}

func TestHandlerConcurrencyCap(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	h, _ := newTestHandler(t, dialer, 1)
	srv := httptest.NewServer(h)
	defer srv.Close()

	first := dialHandler(t, srv, authHeader())
	defer first.Close(websocket.StatusNormalClosure, "")
	if msg := readMsg(t, first); msg.Type != MsgSessionCreated {
		t.Fatalf("first session: %+v", msg)
	}

	second := dialHandler(t, srv, authHeader())
	defer second.Close(websocket.StatusNormalClosure, "")
	if msg := readMsg(t, second); msg.Type != MsgError || msg.Code != CodeTooManySessions {
		t.Fatalf("expected too_many_sessions, got %+v", msg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := second.Read(ctx)
	if websocket.CloseStatus(err) != CloseConcurrency {
		t.Errorf("close status = %v, want %d", websocket.CloseStatus(err), CloseConcurrency)
	}
}

func TestHandlerDisabled(t *testing.T) {
	t.Parallel()
	dialer := &mock.Dialer{}
	h, _ := newTestHandler(t, dialer, 4)
	h.enabled = false
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
