package pubsub_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/adapters/memory"
	"github.com/coregx/gopubsub/model"
)

// testEnv is one process wired over in-memory storage.
type testEnv struct {
	server   model.ServerIdentity
	registry *pubsub.Registry
	repos    *pubsub.Repositories
	gdStore  *memory.MessageStore
	memStore *memory.MessageStore
	broker   *memory.Broker
	applier  *pubsub.ApplyLoop
	admin    *pubsub.Admin
	pub      *pubsub.Publisher
	recv     *pubsub.Receiver
	subs     *pubsub.SubscriptionManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newProcess(t, model.ServerIdentity{Name: "test-server", PID: 1}, memory.NewBroker(0), memory.NewRepositories(), memory.NewMessageStore())
}

// newProcess builds a process that shares broker, repositories and the durable
// store with its peers but keeps its own registry and in-memory store.
func newProcess(t *testing.T, server model.ServerIdentity, broker *memory.Broker, repos *pubsub.Repositories, gd *memory.MessageStore) *testEnv {
	t.Helper()

	logger := &pubsub.NoopLogger{}
	env := &testEnv{
		server:   server,
		registry: pubsub.NewRegistry(logger),
		repos:    repos,
		gdStore:  gd,
		memStore: memory.NewMessageStore(),
		broker:   broker,
	}

	var err error
	env.applier, err = pubsub.NewApplyLoop(
		pubsub.WithApplyRegistry(env.registry),
		pubsub.WithApplyBroker(broker),
		pubsub.WithApplyMemoryStore(env.memStore),
		pubsub.WithApplyDurableStore(env.gdStore),
		pubsub.WithApplyServer(server),
		pubsub.WithApplyLogger(logger),
	)
	require.NoError(t, err)

	env.admin, err = pubsub.NewAdmin(
		pubsub.WithAdminRegistry(env.registry),
		pubsub.WithAdminRepositories(repos),
		pubsub.WithAdminStores(env.gdStore, env.memStore),
		pubsub.WithAdminControlPlane(broker, env.applier),
		pubsub.WithAdminLogger(logger),
	)
	require.NoError(t, err)

	env.pub, err = pubsub.NewPublisher(
		pubsub.WithPublisherRegistry(env.registry),
		pubsub.WithPublisherStores(env.gdStore, env.memStore),
		pubsub.WithPublisherRepositories(repos),
		pubsub.WithPublisherServer(server),
		pubsub.WithPublisherLogger(logger),
	)
	require.NoError(t, err)

	env.recv, err = pubsub.NewReceiver(
		pubsub.WithReceiverRegistry(env.registry),
		pubsub.WithReceiverStores(env.gdStore, env.memStore),
		pubsub.WithReceiverConfig(pubsub.DefaultConfig()),
		pubsub.WithReceiverLogger(logger),
	)
	require.NoError(t, err)

	env.subs, err = pubsub.NewSubscriptionManager(
		pubsub.WithSubscriptionManagerRegistry(env.registry),
		pubsub.WithSubscriptionManagerAdmin(env.admin),
		pubsub.WithSubscriptionManagerLogger(logger),
	)
	require.NoError(t, err)

	return env
}

func (e *testEnv) createTopic(t *testing.T, name string, gd bool) model.Topic {
	t.Helper()
	topic := model.NewTopic(name, "")
	topic.HasGD = gd
	saved, err := e.admin.CreateTopic(context.Background(), topic)
	require.NoError(t, err)
	return saved
}

func (e *testEnv) createEndpoint(t *testing.T, name string, role model.EndpointRole, patterns string) model.Endpoint {
	t.Helper()
	res, err := e.admin.CreateEndpoint(context.Background(), pubsub.EndpointRequest{
		Name:          name,
		Role:          role,
		TopicPatterns: patterns,
		Password:      name + "-secret",
	})
	require.NoError(t, err)
	return res.Endpoint
}

func (e *testEnv) subscribe(t *testing.T, ep model.Endpoint, topic string) string {
	t.Helper()
	subKey, err := e.subs.Subscribe(context.Background(), pubsub.NewCID(), ep, topic, pubsub.SubscribeRequest{})
	require.NoError(t, err)
	return subKey
}

func (e *testEnv) publish(t *testing.T, ep model.Endpoint, topic, msgID string, data interface{}) *pubsub.PublishResult {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	res, err := e.pub.Publish(context.Background(), pubsub.NewCID(), ep, topic, pubsub.PublishRequest{Data: raw, MsgID: msgID})
	require.NoError(t, err)
	require.True(t, res.IsOK, "publish failed: %s", res.Details)
	return res
}

func (e *testEnv) depth(t *testing.T, topic string) int64 {
	t.Helper()
	got, err := e.registry.GetTopicByName(topic)
	require.NoError(t, err)
	return got.CurrentDepth
}

func msgIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("msg-%d", i+1)
	}
	return out
}

func boolPtr(v bool) *bool { return &v }

func intPtr(v int) *int { return &v }
