package models

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/voxgate/voxgate/internal/httperr"
)

// Handler serves the /v1/models routes.
type Handler struct {
	catalog *Catalog
}

// NewHandler wires the catalog routes.
func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog}
}

// Register mounts the routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/models", h.list).Methods(http.MethodGet)
	r.HandleFunc("/v1/models/capability/{capability}", h.byCapability).Methods(http.MethodGet)
	r.HandleFunc("/v1/models/{id}", h.get).Methods(http.MethodGet)
}

type listResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
	Total  int     `json:"total"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := Filter{
		Provider:   q.Get("provider"),
		Capability: q.Get("capability"),
		Type:       q.Get("type"),
		Search:     q.Get("search"),
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		httperr.Write(w, httperr.Validation("invalid_limit", "limit must be a non-negative integer"))
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		httperr.Write(w, httperr.Validation("invalid_offset", "offset must be a non-negative integer"))
		return
	}

	data, total := h.catalog.List(f)
	writeJSON(w, listResponse{Object: "list", Data: data, Total: total})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	m, ok := h.catalog.Get(id)
	if !ok {
		httperr.Write(w, httperr.NotFound("model %q not found", id))
		return
	}
	writeJSON(w, m)
}

func (h *Handler) byCapability(w http.ResponseWriter, r *http.Request) {
	capability := mux.Vars(r)["capability"]
	data, total := h.catalog.List(Filter{Capability: capability})
	writeJSON(w, listResponse{Object: "list", Data: data, Total: total})
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
