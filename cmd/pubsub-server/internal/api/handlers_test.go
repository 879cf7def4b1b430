package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/adapters/memory"
	"github.com/coregx/gopubsub/model"
)

const (
	adminUser     = "admin"
	adminPassword = "admin-secret"
)

type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	registry *pubsub.Registry
	admin    *pubsub.Admin
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := &pubsub.NoopLogger{}
	server := model.ServerIdentity{Name: "api-test", PID: 7}
	registry := pubsub.NewRegistry(logger)
	repos := memory.NewRepositories()
	gd, mem := memory.NewMessageStore(), memory.NewMessageStore()
	broker := memory.NewBroker(0)

	applier, err := pubsub.NewApplyLoop(
		pubsub.WithApplyRegistry(registry),
		pubsub.WithApplyBroker(broker),
		pubsub.WithApplyMemoryStore(mem),
		pubsub.WithApplyDurableStore(gd),
		pubsub.WithApplyServer(server),
		pubsub.WithApplyLogger(logger),
	)
	require.NoError(t, err)

	admin, err := pubsub.NewAdmin(
		pubsub.WithAdminRegistry(registry),
		pubsub.WithAdminRepositories(repos),
		pubsub.WithAdminStores(gd, mem),
		pubsub.WithAdminControlPlane(broker, applier),
		pubsub.WithAdminLogger(logger),
	)
	require.NoError(t, err)

	publisher, err := pubsub.NewPublisher(
		pubsub.WithPublisherRegistry(registry),
		pubsub.WithPublisherStores(gd, mem),
		pubsub.WithPublisherRepositories(repos),
		pubsub.WithPublisherServer(server),
		pubsub.WithPublisherLogger(logger),
	)
	require.NoError(t, err)

	receiver, err := pubsub.NewReceiver(
		pubsub.WithReceiverRegistry(registry),
		pubsub.WithReceiverStores(gd, mem),
		pubsub.WithReceiverConfig(pubsub.DefaultConfig()),
		pubsub.WithReceiverLogger(logger),
	)
	require.NoError(t, err)

	subs, err := pubsub.NewSubscriptionManager(
		pubsub.WithSubscriptionManagerRegistry(registry),
		pubsub.WithSubscriptionManagerAdmin(admin),
		pubsub.WithSubscriptionManagerLogger(logger),
	)
	require.NoError(t, err)

	h := NewHandler(
		Services{Registry: registry, Publisher: publisher, Receiver: receiver, Subscriptions: subs, Admin: admin},
		DefaultPaths(),
		AdminCredentials{Username: adminUser, Password: adminPassword},
		logger,
	)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	ts := &testServer{t: t, srv: srv, registry: registry, admin: admin}

	ctx := context.Background()
	for _, name := range []string{"/demo/orders", "/demo/ticks"} {
		_, err := admin.CreateTopic(ctx, model.NewTopic(name, ""))
		require.NoError(t, err)
	}
	_, err = admin.CreateEndpoint(ctx, pubsub.EndpointRequest{
		Name:          "orders",
		Role:          model.RolePublisherSubscriber,
		TopicPatterns: "pub=/demo/*,sub=/demo/*",
		Password:      "orders-secret",
	})
	require.NoError(t, err)

	return ts
}

// do sends a request as the orders endpoint unless user is empty.
func (ts *testServer) do(method, path, body, user, password string) (*http.Response, []byte) {
	ts.t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	require.NoError(ts.t, err)
	if user != "" {
		req.SetBasicAuth(user, password)
	}

	resp, err := ts.srv.Client().Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp, data
}

func (ts *testServer) client(method, path, body string) (*http.Response, []byte) {
	ts.t.Helper()
	return ts.do(method, path, body, "orders", "orders-secret")
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(http.MethodGet, "/pubsub/health", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, HealthResponse{Status: "ok", ServerName: "api-test", ServerPID: 7}, decode[HealthResponse](t, body))
	assert.NotEmpty(t, resp.Header.Get(CIDHeader))
}

func TestPublishReceiveAck(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.client(http.MethodPost, "/pubsub/subscribe/topic/demo/orders", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	subKey := decode[SubscribeResponse](t, body).SubKey
	assert.True(t, strings.HasPrefix(subKey, "zpsk.rest."), subKey)

	resp, body = ts.client(http.MethodPost, "/pubsub/topic/demo/orders", `{"data":{"order":1},"correl_id":"c-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	published := decode[pubsub.PublishResult](t, body)
	assert.True(t, published.IsOK)
	assert.Equal(t, resp.Header.Get(CIDHeader), published.CID)
	require.NotEmpty(t, published.MsgID)

	resp, body = ts.client(http.MethodPatch, "/pubsub/messages/demo/orders", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	views := decode[[]pubsub.MessageView](t, body)
	require.Len(t, views, 1)
	assert.JSONEq(t, `{"order":1}`, string(views[0].Data))
	assert.Equal(t, "/demo/orders", views[0].Meta.TopicName)
	assert.Equal(t, published.MsgID, views[0].Meta.MsgID)
	assert.Equal(t, "c-1", views[0].Meta.CorrelID)
	assert.Equal(t, subKey, views[0].Meta.SubKey)

	resp, body = ts.client(http.MethodPost, "/pubsub/ack/demo/orders", `{"msg_id_list":["`+published.MsgID+`"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, 1, decode[AckResponse](t, body).Count)

	resp, body = ts.client(http.MethodPatch, "/pubsub/messages/demo/orders", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, body = ts.client(http.MethodDelete, "/pubsub/subscribe/topic/demo/orders", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{}`, string(body))

	resp, _ = ts.client(http.MethodPatch, "/pubsub/messages/demo/orders", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReceive_Shapes(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.client(http.MethodPost, "/pubsub/subscribe/topic/demo/ticks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for i := 0; i < 3; i++ {
		resp, body := ts.client(http.MethodPost, "/pubsub/topic/demo/ticks", `{"data":"tick"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	}

	resp, body := ts.client(http.MethodPatch, "/pubsub/messages/demo/ticks?max_messages=1&wrap_in_list=false", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	single := decode[pubsub.MessageView](t, body)
	assert.JSONEq(t, `"tick"`, string(single.Data))

	resp, body = ts.client(http.MethodPatch, "/pubsub/messages/demo/ticks", `{"max_messages":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Len(t, decode[[]pubsub.MessageView](t, body), 2)
}

func TestClientErrors(t *testing.T) {
	ts := newTestServer(t)

	// Messages without subscribers are not stored, so duplicates need one.
	resp, body := ts.client(http.MethodPost, "/pubsub/subscribe/topic/demo/orders", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, body = ts.client(http.MethodPost, "/pubsub/topic/demo/orders", `{"data":1,"msg_id":"dup-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		user       string
		password   string
		wantStatus int
		wantDetail string
	}{
		{"no credentials", http.MethodPost, "/pubsub/topic/demo/orders", `{"data":1}`, "", "", http.StatusUnauthorized, "Unauthorized"},
		{"wrong password", http.MethodPost, "/pubsub/topic/demo/orders", `{"data":1}`, "orders", "nope", http.StatusUnauthorized, "Unauthorized"},
		{"topic outside patterns", http.MethodPost, "/pubsub/topic/other/orders", `{"data":1}`, "orders", "orders-secret", http.StatusUnauthorized, "Unauthorized"},
		{"missing data", http.MethodPost, "/pubsub/topic/demo/orders", `{}`, "orders", "orders-secret", http.StatusBadRequest, ""},
		{"malformed json", http.MethodPost, "/pubsub/topic/demo/orders", `{"data":`, "orders", "orders-secret", http.StatusBadRequest, ""},
		{"duplicate msg_id", http.MethodPost, "/pubsub/topic/demo/orders", `{"data":1,"msg_id":"dup-1"}`, "orders", "orders-secret", http.StatusBadRequest, ""},
		{"unknown topic", http.MethodPost, "/pubsub/topic/demo/ghost", `{"data":1}`, "orders", "orders-secret", http.StatusNotFound, ""},
		{"receive without subscription", http.MethodPatch, "/pubsub/messages/demo/ticks", "", "orders", "orders-secret", http.StatusNotFound, ""},
		{"non-numeric max_len", http.MethodPatch, "/pubsub/messages/demo/orders?max_len=lots", "", "orders", "orders-secret", http.StatusBadRequest, "max_len must be an integer"},
		{"ack without ids", http.MethodPost, "/pubsub/ack/demo/orders", `{}`, "orders", "orders-secret", http.StatusBadRequest, "msg_id_list is required"},
		{"push without url", http.MethodPost, "/pubsub/subscribe/topic/demo/orders", `{"delivery_type":"push"}`, "orders", "orders-secret", http.StatusBadRequest, ""},
		{"unknown route", http.MethodGet, "/nowhere", "", "", "", http.StatusBadRequest, "No such path `/nowhere`"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(tt.method, tt.path, tt.body, tt.user, tt.password)
			require.Equal(t, tt.wantStatus, resp.StatusCode, string(body))

			got := decode[ErrorResponse](t, body)
			assert.False(t, got.IsOK)
			assert.Equal(t, resp.Header.Get(CIDHeader), got.CID)
			assert.NotEmpty(t, got.Details)
			if tt.wantDetail != "" {
				assert.Equal(t, tt.wantDetail, got.Details)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.client(http.MethodGet, "/pubsub/topic/demo/orders", "")
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, string(body))
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	assert.False(t, decode[ErrorResponse](t, body).IsOK)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad request", pubsub.BadRequest("x"), http.StatusBadRequest},
		{"validation", pubsub.NewError(pubsub.ErrCodeValidation, "x"), http.StatusBadRequest},
		{"unauthorized", pubsub.ErrUnauthorized, http.StatusUnauthorized},
		{"not found", pubsub.ErrTopicNotFound, http.StatusNotFound},
		{"no data", pubsub.ErrNoData, http.StatusNotFound},
		{"database", pubsub.NewError(pubsub.ErrCodeDatabase, "x"), http.StatusInternalServerError},
		{"plain error", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestPublicDetails(t *testing.T) {
	assert.Equal(t, "Unauthorized", PublicDetails(pubsub.NewErrorWithCause(pubsub.ErrCodeUnauthorized, "role forbids publish", io.EOF)))
	assert.Equal(t, "Internal server error", PublicDetails(pubsub.NewErrorWithCause(pubsub.ErrCodeDatabase, "insert failed", io.EOF)))
	assert.Equal(t, "invalid topic name: must be a path", PublicDetails(
		pubsub.NewErrorWithCause(pubsub.ErrCodeBadRequest, "invalid topic name", pubsub.NewError(pubsub.ErrCodeValidation, "must be a path"))))
}
