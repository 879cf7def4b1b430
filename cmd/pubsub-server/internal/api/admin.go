package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/enmasse"
)

// EndpointResponse is returned by endpoint creation. Password is set only when
// one was generated.
type EndpointResponse struct {
	IsOK bool   `json:"is_ok"`
	CID  string `json:"cid"`
	*pubsub.EndpointResult
}

// DeleteEndpointResponse lists the sub_keys dropped with the endpoint.
type DeleteEndpointResponse struct {
	IsOK    bool     `json:"is_ok"`
	CID     string   `json:"cid"`
	SubKeys []string `json:"sub_keys"`
}

// EnmasseResponse reports what an import changed.
type EnmasseResponse struct {
	IsOK   bool            `json:"is_ok"`
	CID    string          `json:"cid"`
	Result *enmasse.Result `json:"result"`
}

// ClearQueueRequest names the queue to clear.
type ClearQueueRequest struct {
	SubKey string `json:"sub_key"`
}

// ClearQueueResponse reports how many messages this process dropped.
type ClearQueueResponse struct {
	IsOK  bool   `json:"is_ok"`
	CID   string `json:"cid"`
	Count int    `json:"count"`
}

// HandleDiagnostics handles GET /pubsub/admin/diagnostics with a YAML dump of
// the registry.
func (h *Handler) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	data, err := yaml.Marshal(h.registry.Snapshot(h.admin.Server()))
	if err != nil {
		h.respondError(w, r, pubsub.NewErrorWithCause(pubsub.ErrCodeInternal, "failed to encode diagnostics", err))
		return
	}
	h.respondYAML(w, data)
}

// HandleCreateEndpoint handles POST /pubsub/admin/endpoint.
func (h *Handler) HandleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req pubsub.EndpointRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	res, err := h.admin.CreateEndpoint(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, EndpointResponse{IsOK: true, CID: CID(r.Context()), EndpointResult: res})
}

// HandleDeleteEndpoint handles DELETE /pubsub/admin/endpoint/{name}.
func (h *Handler) HandleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	subKeys, err := h.admin.DeleteEndpoint(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if subKeys == nil {
		subKeys = []string{}
	}
	h.respondJSON(w, http.StatusOK, DeleteEndpointResponse{IsOK: true, CID: CID(r.Context()), SubKeys: subKeys})
}

// HandleEnmasseImport handles POST /pubsub/admin/enmasse with a YAML body.
func (h *Handler) HandleEnmasseImport(w http.ResponseWriter, r *http.Request) {
	doc, err := enmasse.Parse(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.respondError(w, r, pubsub.NewErrorWithCause(pubsub.ErrCodeBadRequest, "invalid enmasse document", err))
		return
	}

	res, err := h.importer.Import(r.Context(), doc)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, EnmasseResponse{IsOK: true, CID: CID(r.Context()), Result: res})
}

// HandleEnmasseExport handles GET /pubsub/admin/enmasse.
func (h *Handler) HandleEnmasseExport(w http.ResponseWriter, r *http.Request) {
	data, err := enmasse.Marshal(enmasse.Export(h.registry))
	if err != nil {
		h.respondError(w, r, pubsub.NewErrorWithCause(pubsub.ErrCodeInternal, "failed to export", err))
		return
	}
	h.respondYAML(w, data)
}

// HandleClearQueue handles POST /pubsub/admin/queue/clear.
func (h *Handler) HandleClearQueue(w http.ResponseWriter, r *http.Request) {
	var req ClearQueueRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if req.SubKey == "" {
		h.respondError(w, r, pubsub.BadRequest("sub_key is required"))
		return
	}

	n, err := h.admin.ClearQueue(r.Context(), req.SubKey)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ClearQueueResponse{IsOK: true, CID: CID(r.Context()), Count: n})
}
