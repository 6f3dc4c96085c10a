package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/voxgate/voxgate/internal/httperr"
	"github.com/voxgate/voxgate/pkg/provider/chat"
)

// chatEnvelope is the slice of the chat body the gateway inspects; the full
// body still rides through verbatim.
type chatEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	body, env, err := h.readChatBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.providerFor(env.Model)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if env.Stream {
		h.streamCompletion(w, r, p, body)
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()
	out, err := p.Complete(ctx, body)
	h.record(r.Context(), p.Name(), "chat.completions", err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.recordTokens(r.Context(), out)
	writeJSONBody(w, http.StatusOK, out)
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, p chat.Provider, body json.RawMessage) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, httperr.Internal(fmt.Errorf("response writer cannot stream")))
		return
	}

	// Streams run for as long as the client stays connected, not the
	// per-call timeout.
	stream, err := p.StreamComplete(r.Context(), body)
	h.record(r.Context(), p.Name(), "chat.completions.stream", err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for stream.Next() {
		chunk := stream.Current()
		if _, err := fmt.Fprintf(w, "data: %s\n\n", chunk); err != nil {
			return
		}
		flusher.Flush()
		h.recordTokens(r.Context(), chunk)
	}
	if err := stream.Err(); err != nil {
		// Headers are gone; the best we can do is log and let the missing
		// sentinel signal the truncation.
		h.log.Warn("stream aborted", "provider", p.Name(), "err", err)
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (h *Handler) embeddings(w http.ResponseWriter, r *http.Request) {
	body, env, err := h.readChatBody(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.providerFor(env.Model)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx, cancel := h.callContext(r)
	defer cancel()
	out, err := p.Embeddings(ctx, body)
	h.record(r.Context(), p.Name(), "embeddings", err)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.recordTokens(r.Context(), out)
	writeJSONBody(w, http.StatusOK, out)
}

// readChatBody reads and minimally validates a JSON request body.
func (h *Handler) readChatBody(r *http.Request) (json.RawMessage, chatEnvelope, error) {
	var env chatEnvelope
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, env, httperr.Internal(err)
	}
	if len(body) > maxBodyBytes {
		return nil, env, httperr.PayloadTooLarge("request body exceeds 10 MiB")
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, env, httperr.Validation("invalid_json", "request body is not valid JSON")
	}
	if env.Model == "" {
		return nil, env, httperr.Validation("missing_model", "model is required")
	}
	return body, env, nil
}

// callContext bounds one provider call by the configured request timeout.
func (h *Handler) callContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}
