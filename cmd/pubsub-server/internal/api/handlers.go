// Package api provides HTTP handlers for the PubSub server REST API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/enmasse"
)

// maxBodySize bounds request bodies. Message payloads are additionally bounded
// by the pull ceilings on the way out.
const maxBodySize = 10 << 20

// Services are the pubsub services the API calls into.
type Services struct {
	Registry      *pubsub.Registry
	Publisher     *pubsub.Publisher
	Receiver      *pubsub.Receiver
	Subscriptions *pubsub.SubscriptionManager
	Admin         *pubsub.Admin
}

// Paths are the route prefixes of client operations. Each must start and end
// with a slash; the topic name follows the prefix.
type Paths struct {
	Publish     string
	Receive     string
	Subscribe   string
	Unsubscribe string
	Ack         string
}

// DefaultPaths returns the standard route prefixes.
func DefaultPaths() Paths {
	return Paths{
		Publish:     "/pubsub/topic/",
		Receive:     "/pubsub/messages/",
		Subscribe:   "/pubsub/subscribe/topic/",
		Unsubscribe: "/pubsub/subscribe/topic/",
		Ack:         "/pubsub/ack/",
	}
}

// AdminCredentials protect the admin routes. Empty Password disables them.
type AdminCredentials struct {
	Username string
	Password string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	registry  *pubsub.Registry
	publisher *pubsub.Publisher
	receiver  *pubsub.Receiver
	subs      *pubsub.SubscriptionManager
	admin     *pubsub.Admin
	importer  *enmasse.Importer
	paths     Paths
	adminAuth AdminCredentials
	logger    pubsub.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc Services, paths Paths, adminAuth AdminCredentials, logger pubsub.Logger) *Handler {
	if logger == nil {
		logger = &pubsub.NoopLogger{}
	}
	return &Handler{
		registry:  svc.Registry,
		publisher: svc.Publisher,
		receiver:  svc.Receiver,
		subs:      svc.Subscriptions,
		admin:     svc.Admin,
		importer:  enmasse.NewImporter(svc.Registry, svc.Admin, svc.Subscriptions, logger),
		paths:     paths,
		adminAuth: adminAuth,
		logger:    logger,
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.withCID)
	r.Use(middleware.Recoverer)

	r.Get("/pubsub/health", h.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.withEndpoint)
		r.Post(h.paths.Publish+"*", h.HandlePublish)
		r.Patch(h.paths.Receive+"*", h.HandleReceive)
		r.Post(h.paths.Subscribe+"*", h.HandleSubscribe)
		r.Delete(h.paths.Unsubscribe+"*", h.HandleUnsubscribe)
		r.Post(h.paths.Ack+"*", h.HandleAck)
	})

	if h.adminAuth.Password != "" {
		r.Route("/pubsub/admin", func(r chi.Router) {
			r.Use(h.withAdmin)
			r.Get("/diagnostics", h.HandleDiagnostics)
			r.Post("/endpoint", h.HandleCreateEndpoint)
			r.Delete("/endpoint/{name}", h.HandleDeleteEndpoint)
			r.Post("/enmasse", h.HandleEnmasseImport)
			r.Get("/enmasse", h.HandleEnmasseExport)
			r.Post("/queue/clear", h.HandleClearQueue)
		})
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		h.respondStatus(w, req, http.StatusBadRequest, "No such path `"+req.URL.Path+"`")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Allow", strings.Join(allowedMethods(r, req.URL.Path), ", "))
		h.respondStatus(w, req, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return r
}

func allowedMethods(routes chi.Routes, path string) []string {
	var out []string
	for _, m := range []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete} {
		if routes.Match(chi.NewRouteContext(), m, path) {
			out = append(out, m)
		}
	}
	return out
}

// topicName turns the path remainder after a route prefix into a topic name,
// so /pubsub/topic/demo/orders addresses /demo/orders.
func topicName(r *http.Request) string {
	return "/" + strings.TrimPrefix(chi.URLParam(r, "*"), "/")
}

// decodeJSON decodes an optional JSON body into v. An empty body leaves v alone.
func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return pubsub.NewErrorWithCause(pubsub.ErrCodeBadRequest, "Invalid JSON", err)
}

// HandlePublish handles POST {PathPublish}{topic}.
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req pubsub.PublishRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	res, err := h.publisher.Publish(r.Context(), CID(r.Context()), endpointFrom(r.Context()), topicName(r), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if !res.IsOK {
		status := StatusFor(res.Err)
		res.Details = PublicDetails(res.Err)
		h.respondJSON(w, status, res)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// HandleReceive handles PATCH {PathReceive}{topic}. Caps come from the query
// string, or from a JSON body when one is sent.
func (h *Handler) HandleReceive(w http.ResponseWriter, r *http.Request) {
	req, err := receiveRequest(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	res, err := h.receiver.Receive(r.Context(), CID(r.Context()), endpointFrom(r.Context()), topicName(r), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	views := make([]pubsub.MessageView, 0, len(res.Messages))
	for _, qm := range res.Messages {
		views = append(views, pubsub.NewMessageView(qm))
	}
	if res.Single {
		h.respondJSON(w, http.StatusOK, views[0])
		return
	}
	h.respondJSON(w, http.StatusOK, views)
}

func receiveRequest(r *http.Request) (pubsub.ReceiveRequest, error) {
	var req pubsub.ReceiveRequest
	q := r.URL.Query()

	var err error
	if req.MaxLen, err = queryInt(q.Get("max_len"), "max_len"); err != nil {
		return req, err
	}
	if req.MaxMessages, err = queryInt(q.Get("max_messages"), "max_messages"); err != nil {
		return req, err
	}
	if v := q.Get("wrap_in_list"); v != "" {
		wrap, err := strconv.ParseBool(v)
		if err != nil {
			return req, pubsub.BadRequest("wrap_in_list must be a boolean")
		}
		req.WrapInList = &wrap
	}

	if err := decodeJSON(r, &req); err != nil {
		return req, err
	}
	return req, nil
}

func queryInt(value, name string) (*int, error) {
	if value == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return nil, pubsub.BadRequest("%s must be an integer", name)
	}
	return &n, nil
}

// SubscribeResponse is returned by a successful subscription.
type SubscribeResponse struct {
	SubKey string `json:"sub_key"`
}

// HandleSubscribe handles POST {PathSubscribe}{topic}. The body is optional.
func (h *Handler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req pubsub.SubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	subKey, err := h.subs.Subscribe(r.Context(), CID(r.Context()), endpointFrom(r.Context()), topicName(r), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, SubscribeResponse{SubKey: subKey})
}

// HandleUnsubscribe handles DELETE {PathUnsubscribe}{topic}.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.subs.Unsubscribe(r.Context(), CID(r.Context()), endpointFrom(r.Context()), topicName(r)); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, struct{}{})
}

// AckRequest lists the messages a pull client is done with.
type AckRequest struct {
	MsgIDList []string `json:"msg_id_list"`
}

// AckResponse reports how many messages were acknowledged.
type AckResponse struct {
	IsOK  bool   `json:"is_ok"`
	CID   string `json:"cid"`
	Count int    `json:"count"`
}

// HandleAck handles POST {PathAck}{topic}.
func (h *Handler) HandleAck(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}

	n, err := h.receiver.Ack(r.Context(), CID(r.Context()), endpointFrom(r.Context()), topicName(r), req.MsgIDList)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, AckResponse{IsOK: true, CID: CID(r.Context()), Count: n})
}

// HealthResponse names the process answering.
type HealthResponse struct {
	Status     string `json:"status"`
	ServerName string `json:"server_name"`
	ServerPID  int    `json:"server_pid"`
}

// HandleHealth handles GET /pubsub/health.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	server := h.admin.Server()
	h.respondJSON(w, http.StatusOK, HealthResponse{Status: "ok", ServerName: server.Name, ServerPID: server.PID})
}
