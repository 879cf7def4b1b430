package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
)

type ctxKey int

const (
	cidKey ctxKey = iota
	endpointKey
)

// CIDHeader carries the correlation ID of every response.
const CIDHeader = "X-PubSub-CID"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	IsOK    bool   `json:"is_ok"`
	CID     string `json:"cid"`
	Details string `json:"details"`
}

// CID returns the correlation ID assigned to the request.
func CID(ctx context.Context) string {
	cid, _ := ctx.Value(cidKey).(string)
	return cid
}

func endpointFrom(ctx context.Context) model.Endpoint {
	ep, _ := ctx.Value(endpointKey).(model.Endpoint)
	return ep
}

// withCID assigns a correlation ID and logs the request once it is served.
func (h *Handler) withCID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cid := pubsub.NewCID()
		w.Header().Set(CIDHeader, cid)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), cidKey, cid)))

		h.logger.Infof("[%s] %s %s %d (%v)", cid, r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

// withEndpoint authenticates the caller with HTTP basic auth.
func (h *Handler) withEndpoint(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			h.logger.Infof("[%s] No credentials in request", CID(r.Context()))
			h.unauthorized(w, r)
			return
		}
		ep, err := h.registry.Authenticate(username, password)
		if err != nil {
			h.logger.Infof("[%s] Authentication of `%s` failed: %v", CID(r.Context()), username, err)
			h.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), endpointKey, ep)))
	})
}

// withAdmin checks the admin credentials.
func (h *Handler) withAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(username), []byte(h.adminAuth.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.adminAuth.Password)) != 1 {
			h.logger.Warnf("[%s] Admin authentication failed for `%s`", CID(r.Context()), username)
			h.unauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", `Basic realm="pubsub"`)
	h.respondError(w, r, pubsub.ErrUnauthorized)
}

// respondError maps err onto a status code and the public error envelope.
// Authorization reasons and internal causes are logged, never returned.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	cid := CID(r.Context())
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Errorf("[%s] %s %s failed: %v", cid, r.Method, r.URL.Path, err)
	}
	h.respondJSON(w, status, ErrorResponse{CID: cid, Details: PublicDetails(err)})
}

func (h *Handler) respondStatus(w http.ResponseWriter, r *http.Request, status int, details string) {
	h.respondJSON(w, status, ErrorResponse{CID: CID(r.Context()), Details: details})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warnf("Could not write response: %v", err)
	}
}

func (h *Handler) respondYAML(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// StatusFor returns the HTTP status of err's kind.
func StatusFor(err error) int {
	switch pubsub.Kind(err) {
	case pubsub.ErrCodeBadRequest:
		return http.StatusBadRequest
	case pubsub.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case pubsub.ErrCodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicDetails renders err for clients: messages of the whole cause chain for
// client errors, fixed texts for the rest.
func PublicDetails(err error) string {
	switch pubsub.Kind(err) {
	case pubsub.ErrCodeUnauthorized:
		return pubsub.ErrUnauthorized.Message
	case pubsub.ErrCodeInternal:
		return "Internal server error"
	}
	return messageChain(err)
}

func messageChain(err error) string {
	var perr *pubsub.Error
	if !errors.As(err, &perr) {
		return err.Error()
	}
	if perr.Err == nil {
		return perr.Message
	}
	return perr.Message + ": " + messageChain(perr.Err)
}
