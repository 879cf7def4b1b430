package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/gopubsub"
)

// recorded is one request seen by the fake server.
type recorded struct {
	method string
	path   string
	user   string
	body   []byte
}

// fakeServer answers admin routes with canned bodies and records requests.
func fakeServer(t *testing.T, status int, reply string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var seen []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, _ := r.BasicAuth()
		body, _ := io.ReadAll(r.Body)
		seen = append(seen, recorded{method: r.Method, path: r.URL.Path, user: user, body: body})
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func runCmd(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--admin-password", "secret"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestEndpointCreate(t *testing.T) {
	srv, seen := fakeServer(t, http.StatusOK,
		`{"is_ok":true,"endpoint":{"id":4,"name":"orders","role":"publisher"},"security":{"name":"orders"},"password":"generated-1"}`)

	out, err := runCmd(t, srv, "endpoint", "create", "--name", "orders", "--role", "publisher", "--is-active=false")
	require.NoError(t, err)
	assert.Contains(t, out, "Endpoint `orders` created (id:4, role:publisher, security:orders)")
	assert.Contains(t, out, "Generated password: generated-1")

	require.Len(t, *seen, 1)
	got := (*seen)[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/pubsub/admin/endpoint", got.path)
	assert.Equal(t, "admin", got.user)

	var req pubsub.EndpointRequest
	require.NoError(t, json.Unmarshal(got.body, &req))
	assert.Equal(t, "orders", req.Name)
	assert.Equal(t, DefaultTopicPatterns, req.TopicPatterns)
	require.NotNil(t, req.IsActive)
	assert.False(t, *req.IsActive)
}

func TestEndpointDelete(t *testing.T) {
	srv, seen := fakeServer(t, http.StatusOK, `{"is_ok":true,"sub_keys":["zpsk.rest.a","zpsk.rest.b"]}`)

	out, err := runCmd(t, srv, "endpoint", "delete", "--name", "orders")
	require.NoError(t, err)
	assert.Equal(t, "Endpoint `orders` deleted, 2 subscription(s) removed\n", out)
	assert.Equal(t, "/pubsub/admin/endpoint/orders", (*seen)[0].path)
	assert.Equal(t, http.MethodDelete, (*seen)[0].method)
}

func TestServerError(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusNotFound, `{"is_ok":false,"cid":"c1","details":"endpoint not found"}`)

	_, err := runCmd(t, srv, "endpoint", "delete", "--name", "ghost")
	require.Error(t, err)
	assert.Equal(t, "server returned 404: endpoint not found (cid:c1)", err.Error())
}

func TestEnmasse(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(docPath, []byte("pubsub_topic:\n  - name: /demo/orders\n"), 0o600))

	t.Run("import", func(t *testing.T) {
		srv, seen := fakeServer(t, http.StatusOK, `{"is_ok":true,"result":{"topics_created":1}}`)

		out, err := runCmd(t, srv, "enmasse", "import", "-f", docPath)
		require.NoError(t, err)
		assert.Contains(t, out, "topics_created: 1")
		require.Len(t, *seen, 1)
		assert.Contains(t, string((*seen)[0].body), "/demo/orders")
	})

	t.Run("invalid document is not sent", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("pubsub_topic:\n  - name: orders\n"), 0o600))
		srv, seen := fakeServer(t, http.StatusOK, `{}`)

		_, err := runCmd(t, srv, "enmasse", "import", "-f", bad)
		require.Error(t, err)
		assert.Empty(t, *seen)
	})

	t.Run("export to file", func(t *testing.T) {
		srv, _ := fakeServer(t, http.StatusOK, "pubsub_topic:\n  - name: /demo/orders\n")
		target := filepath.Join(dir, "export.yaml")

		out, err := runCmd(t, srv, "enmasse", "export", "-f", target)
		require.NoError(t, err)
		assert.Contains(t, out, "Exported to")

		data, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Contains(t, string(data), "/demo/orders")
	})
}

func TestDiagnosticsAndQueueClear(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		reply    string
		wantPath string
		wantOut  string
	}{
		{"diagnostics", []string{"diagnostics"}, "topics: []\n", "/pubsub/admin/diagnostics", "topics: []\n"},
		{"queue clear", []string{"queue", "clear", "--sub-key", "zpsk.rest.a"}, `{"count":3}`, "/pubsub/admin/queue/clear", "Cleared 3 message(s) from `zpsk.rest.a`\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, seen := fakeServer(t, http.StatusOK, tt.reply)

			out, err := runCmd(t, srv, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOut, out)
			assert.Equal(t, tt.wantPath, (*seen)[0].path)
		})
	}
}

func TestRequiredFlags(t *testing.T) {
	srv, seen := fakeServer(t, http.StatusOK, `{}`)

	_, err := runCmd(t, srv, "endpoint", "create")
	assert.Error(t, err)
	_, err = runCmd(t, srv, "queue", "clear")
	assert.Error(t, err)
	assert.Empty(t, *seen)
}
