package api_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/voxgate/voxgate/internal/api"
	"github.com/voxgate/voxgate/internal/models"
	"github.com/voxgate/voxgate/pkg/provider"
	"github.com/voxgate/voxgate/pkg/provider/chat"
	"github.com/voxgate/voxgate/pkg/provider/chat/mock"
)

func newTestRouter(t *testing.T, p chat.Provider) *mux.Router {
	t.Helper()
	providers := map[string]chat.Provider{
		provider.OpenAI: p,
		provider.Gemini: p,
	}
	h := api.NewHandler(providers, models.NewCatalog(provider.OpenAI, provider.Gemini), nil, nil, 0, slog.New(slog.DiscardHandler))
	r := mux.NewRouter()
	h.Register(r)
	return r
}

func postJSON(t *testing.T, r http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var out struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("error body %s: %v", body, err)
	}
	return out.Error.Code
}

func TestChatCompletions(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, &mock.Provider{})

	rec := postJSON(t, r, "/v1/chat/completions", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "chat.completion" || len(out.Choices) == 0 {
		t.Errorf("unexpected response: %s", rec.Body)
	}
	if got := out.Choices[0].Message.Content; got != "echo: hi" {
		t.Errorf("content = %q", got)
	}
}

func TestChatCompletionsStreaming(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, &mock.Provider{})

	rec := postJSON(t, r, "/v1/chat/completions", `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi there"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var chunks int
	var sawDone bool
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		if !json.Valid([]byte(payload)) {
			t.Fatalf("invalid chunk: %q", payload)
		}
		chunks++
	}
	if chunks == 0 {
		t.Error("no chunks streamed")
	}
	if !sawDone {
		t.Error("missing [DONE] sentinel")
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, &mock.Provider{})

	cases := []struct {
		name string
		body string
		code string
	}{
		{"missing model", `{"messages":[]}`, "missing_model"},
		{"bad json", `{`, "invalid_json"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, r, "/v1/chat/completions", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			if got := errorCode(t, rec.Body.Bytes()); got != tc.code {
				t.Errorf("code = %q, want %q", got, tc.code)
			}
		})
	}
}

func TestChatCompletionsNoProviderForModel(t *testing.T) {
	t.Parallel()
	h := api.NewHandler(map[string]chat.Provider{}, models.NewCatalog(), nil, nil, 0, slog.New(slog.DiscardHandler))
	r := mux.NewRouter()
	h.Register(r)

	rec := postJSON(t, r, "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := errorCode(t, rec.Body.Bytes()); got != "unknown_model" {
		t.Errorf("code = %q", got)
	}
}

func TestUpstreamErrorKeepsStatus(t *testing.T) {
	t.Parallel()
	fail := &provider.Error{Provider: "openai", Status: 429, Code: "rate_limit_exceeded", Message: "slow down"}
	r := newTestRouter(t, &mock.Provider{Fail: fail})

	rec := postJSON(t, r, "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got := errorCode(t, rec.Body.Bytes()); got != "rate_limit_exceeded" {
		t.Errorf("code = %q", got)
	}
}

func TestUnknownErrorBecomes500(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, &mock.Provider{Fail: errors.New("wires crossed")})

	rec := postJSON(t, r, "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
}

func TestEmbeddings(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, &mock.Provider{})

	rec := postJSON(t, r, "/v1/embeddings", `{"model":"text-embedding-3-small","input":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		Object string `json:"object"`
		Data   []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Object != "list" || len(out.Data) != 1 {
		t.Errorf("unexpected response: %s", rec.Body)
	}
}

func audioForm(t *testing.T, fields map[string]string, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestTranscriptions(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, &mock.Provider{})

	body, ct := audioForm(t, map[string]string{"model": "whisper-1"}, "clip.wav", []byte("RIFFaudio"))
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(out.Text, "clip.wav") {
		t.Errorf("text = %q", out.Text)
	}
}

func TestTranscriptionsRequireFile(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, &mock.Provider{})

	body, ct := audioForm(t, map[string]string{"model": "whisper-1"}, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got := errorCode(t, rec.Body.Bytes()); got != "missing_file" {
		t.Errorf("code = %q", got)
	}
}

func TestTranscriptionsRequireModel(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, &mock.Provider{})

	body, ct := audioForm(t, nil, "clip.wav", []byte("RIFFaudio"))
	req := httptest.NewRequest(http.MethodPost, "/v1/audio/transcriptions", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if got := errorCode(t, rec.Body.Bytes()); got != "missing_model" {
		t.Errorf("code = %q", got)
	}
}

func TestSpeech(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, &mock.Provider{})

	rec := postJSON(t, r, "/v1/audio/speech", `{"model":"tts-1","input":"hello there","voice":"alloy"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty audio body")
	}
}

func TestSpeechValidation(t *testing.T) {
	t.Parallel()
	r := newTestRouter(t, &mock.Provider{})

	long := strings.Repeat("a", 5000)
	cases := []struct {
		name string
		body string
		code string
	}{
		{"missing input", `{"model":"tts-1","voice":"alloy"}`, "missing_input"},
		{"missing voice", `{"model":"tts-1","input":"hi"}`, "missing_voice"},
		{"input too long", `{"model":"tts-1","input":"` + long + `","voice":"alloy"}`, "input_too_long"},
		{"speed out of range", `{"model":"tts-1","input":"hi","voice":"alloy","speed":9.5}`, "invalid_speed"},
		{"bad format", `{"model":"tts-1","input":"hi","voice":"alloy","response_format":"midi"}`, "invalid_format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, r, "/v1/audio/speech", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body)
			}
			if got := errorCode(t, rec.Body.Bytes()); got != tc.code {
				t.Errorf("code = %q, want %q", got, tc.code)
			}
		})
	}
}

func TestGeminiModelsRouteByPrefix(t *testing.T) {
	t.Parallel()
	gem := &mock.Provider{}
	providers := map[string]chat.Provider{provider.Gemini: gem}
	h := api.NewHandler(providers, models.NewCatalog(provider.Gemini), nil, nil, 0, slog.New(slog.DiscardHandler))
	r := mux.NewRouter()
	h.Register(r)

	// Not in the catalog, but the prefix routes it anyway.
	rec := postJSON(t, r, "/v1/chat/completions", `{"model":"gemini-3.0-experimental","messages":[]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if gem.Calls() != 1 {
		t.Errorf("gemini provider called %d times", gem.Calls())
	}
}
