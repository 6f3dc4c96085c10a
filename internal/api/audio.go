package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/voxgate/voxgate/internal/httperr"
	"github.com/voxgate/voxgate/pkg/provider/chat"
)

const maxSpeechInputChars = 4096

// speechFormats are the renderable TTS output formats.
var speechFormats = map[string]bool{
	"": true, "mp3": true, "opus": true, "aac": true, "flac": true, "wav": true, "pcm": true,
}

func (h *Handler) transcriptions(w http.ResponseWriter, r *http.Request) {
	h.audioUpload(w, r, "audio.transcriptions", chat.Provider.Transcribe)
}

func (h *Handler) translations(w http.ResponseWriter, r *http.Request) {
	h.audioUpload(w, r, "audio.translations", chat.Provider.Translate)
}

// audioUpload decodes one multipart audio request and forwards it.
func (h *Handler) audioUpload(w http.ResponseWriter, r *http.Request, operation string, call func(chat.Provider, context.Context, chat.AudioRequest) (json.RawMessage, error)) {
	req, err := parseAudioForm(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.providerFor(req.Fields["model"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()
	out, err := call(p, ctx, req)
	h.record(r.Context(), p.Name(), operation, err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSONBody(w, http.StatusOK, out)
}

// parseAudioForm extracts the file and remaining form fields from a
// multipart upload.
func parseAudioForm(r *http.Request) (chat.AudioRequest, error) {
	var req chat.AudioRequest
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		return req, httperr.UnsupportedMedia("expected multipart form data")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return req, httperr.Validation("missing_file", "a file part is required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxAudioBytes+1))
	if err != nil {
		return req, httperr.Internal(err)
	}
	if len(data) > maxAudioBytes {
		return req, httperr.PayloadTooLarge("audio file exceeds 25 MiB")
	}

	fields := make(map[string]string)
	for key, values := range r.MultipartForm.Value {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	if fields["model"] == "" {
		return req, httperr.Validation("missing_model", "model is required")
	}

	return chat.AudioRequest{
		Filename: header.Filename,
		File:     data,
		Fields:   fields,
	}, nil
}

// speechRequest is the slice of the TTS body the gateway validates.
type speechRequest struct {
	Model          string   `json:"model"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice"`
	ResponseFormat string   `json:"response_format"`
	Speed          *float64 `json:"speed"`
}

func (h *Handler) speech(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.writeError(w, r, httperr.Internal(err))
		return
	}
	var req speechRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, httperr.Validation("invalid_json", "request body is not valid JSON"))
		return
	}
	if err := req.validate(); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.providerFor(req.Model)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()
	result, err := p.Speech(ctx, body)
	h.record(r.Context(), p.Name(), "audio.speech", err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer result.Body.Close()

	w.Header().Set("Content-Type", result.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, result.Body)
}

func (req *speechRequest) validate() error {
	switch {
	case req.Model == "":
		return httperr.Validation("missing_model", "model is required")
	case req.Input == "":
		return httperr.Validation("missing_input", "input is required")
	case len(req.Input) > maxSpeechInputChars:
		return httperr.Validation("input_too_long", "input exceeds %d characters", maxSpeechInputChars)
	case req.Voice == "":
		return httperr.Validation("missing_voice", "voice is required")
	case !speechFormats[req.ResponseFormat]:
		return httperr.Validation("invalid_format", "unsupported response_format %q", req.ResponseFormat)
	case req.Speed != nil && (*req.Speed < 0.25 || *req.Speed > 4.0):
		return httperr.Validation("invalid_speed", "speed must be within [0.25, 4.0]")
	}
	return nil
}
