package pubsub_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/gopubsub"
	"github.com/coregx/gopubsub/model"
)

func TestPublisher_FansOutToSubscribers(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		topicGD   bool
		override  *bool
		wantGD    bool
		wantDepth int64
	}{
		{"guaranteed delivery", true, nil, true, 1},
		{"in-memory", false, nil, false, 0},
		{"message forces guaranteed delivery", false, boolPtr(true), true, 1},
		{"message opts out of guaranteed delivery", true, boolPtr(false), false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.createTopic(t, "/demo/orders", tt.topicGD)
			pub := env.createEndpoint(t, "pub", model.RolePublisher, "pub=/demo/*")
			subA := env.createEndpoint(t, "sub-a", model.RoleSubscriber, "sub=/demo/*")
			subB := env.createEndpoint(t, "sub-b", model.RoleSubscriber, "sub=/demo/*")
			keyA := env.subscribe(t, subA, "/demo/orders")
			keyB := env.subscribe(t, subB, "/demo/orders")

			res, err := env.pub.Publish(ctx, "cid-1", pub, "/demo/orders", pubsub.PublishRequest{
				Data:  json.RawMessage(`{"order":1}`),
				HasGD: tt.override,
			})
			require.NoError(t, err)
			require.True(t, res.IsOK, res.Details)
			assert.Equal(t, "cid-1", res.CID)
			assert.NotEmpty(t, res.MsgID)

			owner, other := env.memStore, env.gdStore
			if tt.wantGD {
				owner, other = env.gdStore, env.memStore
			}
			for _, key := range []string{keyA, keyB} {
				n, err := owner.Depth(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				n, err = other.Depth(ctx, key)
				require.NoError(t, err)
				assert.Equal(t, 0, n)
			}
			assert.Equal(t, tt.wantDepth, env.depth(t, "/demo/orders"))
		})
	}
}

func TestPublisher_NoSubscribers(t *testing.T) {
	env := newTestEnv(t)
	env.createTopic(t, "/demo/orders", true)
	pub := env.createEndpoint(t, "pub", model.RolePublisher, "pub=/demo/*")

	res := env.publish(t, pub, "/demo/orders", "", "hello")
	assert.NotEmpty(t, res.MsgID)
	assert.Equal(t, int64(0), env.depth(t, "/demo/orders"))

	topic, err := env.registry.GetTopicByName("/demo/orders")
	require.NoError(t, err)
	assert.False(t, topic.LastPubTime.IsZero())
}

func TestPublisher_Bookkeeping(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createTopic(t, "/demo/orders", false)
	pub := env.createEndpoint(t, "pub", model.RolePublisher, "pub=/demo/*")

	env.publish(t, pub, "/demo/orders", "msg-1", 1)
	env.publish(t, pub, "/demo/orders", "msg-2", 2)

	rows, err := env.repos.EndpointTopics.FindByEndpoint(ctx, pub.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "msg-2", rows[0].PubMsgID)
	assert.Equal(t, "/demo/*", rows[0].PatternMatched)

	ep, err := env.registry.GetEndpointByID(pub.ID)
	require.NoError(t, err)
	assert.False(t, ep.LastPubTime.IsZero())
}

func TestPublisher_Rejections(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createTopic(t, "/demo/orders", true)
	env.createTopic(t, "/other/orders", true)

	inactive := model.NewTopic("/demo/paused", "")
	inactive.IsActive = false
	_, err := env.admin.CreateTopic(ctx, inactive)
	require.NoError(t, err)

	pub := env.createEndpoint(t, "pub", model.RolePublisher, "pub=/demo/*")
	reader := env.createEndpoint(t, "reader", model.RoleSubscriber, "sub=/demo/*")
	env.subscribe(t, reader, "/demo/orders")

	data := json.RawMessage(`"x"`)

	t.Run("invalid topic name", func(t *testing.T) {
		_, err := env.pub.Publish(ctx, "cid", pub, "orders", pubsub.PublishRequest{Data: data})
		assert.True(t, pubsub.IsBadRequest(err))
	})

	t.Run("pattern does not match", func(t *testing.T) {
		_, err := env.pub.Publish(ctx, "cid", pub, "/other/orders", pubsub.PublishRequest{Data: data})
		assert.ErrorIs(t, err, pubsub.ErrUnauthorized)
	})

	t.Run("role cannot publish", func(t *testing.T) {
		_, err := env.pub.Publish(ctx, "cid", reader, "/demo/orders", pubsub.PublishRequest{Data: data})
		assert.ErrorIs(t, err, pubsub.ErrUnauthorized)
	})

	t.Run("missing data", func(t *testing.T) {
		_, err := env.pub.Publish(ctx, "cid", pub, "/demo/orders", pubsub.PublishRequest{})
		assert.True(t, pubsub.IsBadRequest(err))
	})

	t.Run("malformed pub_time", func(t *testing.T) {
		_, err := env.pub.Publish(ctx, "cid", pub, "/demo/orders", pubsub.PublishRequest{Data: data, PubTime: "yesterday"})
		assert.True(t, pubsub.IsBadRequest(err))
	})

	t.Run("unknown topic", func(t *testing.T) {
		res, err := env.pub.Publish(ctx, "cid", pub, "/demo/missing", pubsub.PublishRequest{Data: data})
		require.NoError(t, err)
		assert.False(t, res.IsOK)
		assert.True(t, pubsub.IsNotFound(res.Err))
	})

	t.Run("inactive topic", func(t *testing.T) {
		res, err := env.pub.Publish(ctx, "cid", pub, "/demo/paused", pubsub.PublishRequest{Data: data})
		require.NoError(t, err)
		assert.False(t, res.IsOK)
		assert.True(t, pubsub.IsBadRequest(res.Err))
	})

	t.Run("duplicate msg_id", func(t *testing.T) {
		first, err := env.pub.Publish(ctx, "cid", pub, "/demo/orders", pubsub.PublishRequest{Data: data, MsgID: "dup-1"})
		require.NoError(t, err)
		require.True(t, first.IsOK)

		second, err := env.pub.Publish(ctx, "cid", pub, "/demo/orders", pubsub.PublishRequest{Data: data, MsgID: "dup-1"})
		require.NoError(t, err)
		assert.False(t, second.IsOK)
		assert.True(t, pubsub.IsBadRequest(second.Err))
		assert.True(t, errors.Is(second.Err, pubsub.ErrDuplicateMsgID))
		assert.Contains(t, second.Details, "dup-1")
		assert.Equal(t, int64(1), env.depth(t, "/demo/orders"))
	})
}

func TestPublisher_MessageDefaults(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createTopic(t, "/demo/orders", false)
	ep := env.createEndpoint(t, "both", model.RolePublisherSubscriber, "pub=/demo/*,sub=/demo/*")
	env.subscribe(t, ep, "/demo/orders")

	_, err := env.pub.Publish(ctx, "cid-9", ep, "/demo/orders", pubsub.PublishRequest{
		Data:       json.RawMessage(`{"a":1}`),
		MsgID:      "msg-1",
		Priority:   intPtr(42),
		Expiration: floatPtr(59.6),
		PubTime:    "2024-05-01T10:00:00",
		InReplyTo:  "msg-0",
	})
	require.NoError(t, err)

	got, err := env.recv.Receive(ctx, "cid-10", ep, "/demo/orders", pubsub.ReceiveRequest{})
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)

	view := pubsub.NewMessageView(got.Messages[0])
	assert.JSONEq(t, `{"a":1}`, string(view.Data))
	assert.Equal(t, model.DefaultPriority, view.Meta.Priority)
	assert.Equal(t, int64(60), view.Meta.Expiration)
	assert.Equal(t, "cid-9", view.Meta.CorrelID)
	assert.Equal(t, "msg-0", view.Meta.InReplyTo)
	assert.Equal(t, "2024-05-01T10:00:00.000000", view.Meta.PubTimeISO)
	assert.Equal(t, 1, view.Meta.DeliveryCount)
}

func floatPtr(v float64) *float64 { return &v }

func (e *testEnv) publishRaw(t *testing.T, ep model.Endpoint, topic string, req pubsub.PublishRequest) *pubsub.PublishResult {
	t.Helper()
	if req.Data == nil {
		req.Data = json.RawMessage(`"x"`)
	}
	res, err := e.pub.Publish(context.Background(), pubsub.NewCID(), ep, topic, req)
	require.NoError(t, err)
	return res
}

func assertDuplicate(t *testing.T, res *pubsub.PublishResult) {
	t.Helper()
	assert.False(t, res.IsOK)
	assert.True(t, pubsub.IsBadRequest(res.Err))
	assert.ErrorIs(t, res.Err, pubsub.ErrDuplicateMsgID)
}

func TestPublisher_DuplicateMsgIDOutlivesQueues(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		topicGD bool
		consume func(t *testing.T, env *testEnv, ep model.Endpoint, subKey string)
		again   pubsub.PublishRequest
	}{
		{
			name:    "republish after ack",
			topicGD: false,
			consume: func(t *testing.T, env *testEnv, ep model.Endpoint, _ string) {
				got, err := env.recv.Receive(ctx, "cid", ep, "/demo/orders", pubsub.ReceiveRequest{})
				require.NoError(t, err)
				require.Len(t, got.Messages, 1)
				n, err := env.recv.Ack(ctx, "cid", ep, "/demo/orders", []string{"once"})
				require.NoError(t, err)
				require.Equal(t, 1, n)
			},
		},
		{
			name:    "republish after expiry",
			topicGD: false,
			consume: func(t *testing.T, env *testEnv, _ model.Endpoint, subKey string) {
				n, _, err := env.memStore.Expire(ctx, subKey, []string{"once"})
				require.NoError(t, err)
				require.Equal(t, 1, n)
			},
		},
		{
			name:    "republish with has_gd flipped on",
			topicGD: false,
			again:   pubsub.PublishRequest{HasGD: boolPtr(true)},
		},
		{
			name:    "republish with has_gd flipped off",
			topicGD: true,
			again:   pubsub.PublishRequest{HasGD: boolPtr(false)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.createTopic(t, "/demo/orders", tt.topicGD)
			ep := env.createEndpoint(t, "both", model.RolePublisherSubscriber, "pub=/demo/*,sub=/demo/*")
			subKey := env.subscribe(t, ep, "/demo/orders")

			env.publish(t, ep, "/demo/orders", "once", "x")
			if tt.consume != nil {
				tt.consume(t, env, ep, subKey)
			}

			again := tt.again
			again.MsgID = "once"
			assertDuplicate(t, env.publishRaw(t, ep, "/demo/orders", again))

			want := 1
			if tt.consume != nil {
				want = 0
			}
			total := 0
			for _, store := range []pubsub.MessageStore{env.gdStore, env.memStore} {
				n, err := store.Depth(ctx, subKey)
				require.NoError(t, err)
				total += n
			}
			assert.Equal(t, want, total, "no second copy is queued")
		})
	}
}

func TestPublisher_DuplicateMsgIDWithoutSubscribers(t *testing.T) {
	for _, gd := range []bool{false, true} {
		t.Run(fmt.Sprintf("gd=%t", gd), func(t *testing.T) {
			env := newTestEnv(t)
			env.createTopic(t, "/demo/orders", gd)
			pub := env.createEndpoint(t, "pub", model.RolePublisher, "pub=/demo/*")

			env.publish(t, pub, "/demo/orders", "lonely", "x")
			assertDuplicate(t, env.publishRaw(t, pub, "/demo/orders", pubsub.PublishRequest{MsgID: "lonely"}))
		})
	}
}

func TestPublisher_DuplicateMsgIDAcrossProcesses(t *testing.T) {
	a, b := newCluster(t)
	stop := runLoops(t, a, b)
	defer stop()

	a.createTopic(t, "/demo/orders", false)
	require.Eventually(t, func() bool { return b.registry.HasTopicByName("/demo/orders") }, eventuallyWait, eventuallyTick)
	pub := a.createEndpoint(t, "pub", model.RolePublisher, "pub=/demo/*")
	require.Eventually(t, func() bool {
		_, err := b.registry.GetEndpointByID(pub.ID)
		return err == nil
	}, eventuallyWait, eventuallyTick)

	a.publish(t, pub, "/demo/orders", "shared-1", "x")
	assertDuplicate(t, b.publishRaw(t, pub, "/demo/orders", pubsub.PublishRequest{MsgID: "shared-1"}))
}

// failingStore refuses every publication.
type failingStore struct {
	pubsub.MessageStore
}

func (failingStore) Publish(context.Context, model.Message, []string) error {
	return errors.New("disk full")
}

func newPublisher(t *testing.T, env *testEnv, gd, mem pubsub.MessageStore, opts ...pubsub.PublisherOption) *pubsub.Publisher {
	t.Helper()
	p, err := pubsub.NewPublisher(append([]pubsub.PublisherOption{
		pubsub.WithPublisherRegistry(env.registry),
		pubsub.WithPublisherStores(gd, mem),
		pubsub.WithPublisherRepositories(env.repos),
		pubsub.WithPublisherServer(env.server),
		pubsub.WithPublisherLogger(&pubsub.NoopLogger{}),
	}, opts...)...)
	require.NoError(t, err)
	return p
}

func TestPublisher_FailedStoreReleasesMsgID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createTopic(t, "/demo/orders", true)
	pub := env.createEndpoint(t, "pub", model.RolePublisher, "pub=/demo/*")

	broken := newPublisher(t, env, failingStore{env.gdStore}, env.memStore)
	res, err := broken.Publish(ctx, "cid", pub, "/demo/orders", pubsub.PublishRequest{Data: json.RawMessage(`"x"`), MsgID: "retry-me"})
	require.NoError(t, err)
	assert.False(t, res.IsOK)
	assert.Equal(t, pubsub.ErrCodeInternal, pubsub.Kind(res.Err))

	env.publish(t, pub, "/demo/orders", "retry-me", "x")
}

func TestPublisher_RejectsOversizedMessages(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createTopic(t, "/demo/orders", true)
	ep := env.createEndpoint(t, "both", model.RolePublisherSubscriber, "pub=/demo/*,sub=/demo/*")
	subKey := env.subscribe(t, ep, "/demo/orders")

	cfg := pubsub.DefaultConfig()
	cfg.MaxLen = 10
	small := newPublisher(t, env, env.gdStore, env.memStore, pubsub.WithPublisherConfig(cfg))

	res, err := small.Publish(ctx, "cid", ep, "/demo/orders", pubsub.PublishRequest{
		Data:  json.RawMessage(`"more than ten bytes"`),
		MsgID: "big",
	})
	require.NoError(t, err)
	assert.False(t, res.IsOK)
	assert.True(t, pubsub.IsBadRequest(res.Err))
	assert.Contains(t, res.Details, "exceeds the limit of 10 bytes")

	n, err := env.gdStore.Depth(ctx, subKey)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The rejected msg_id was never taken.
	res, err = small.Publish(ctx, "cid", ep, "/demo/orders", pubsub.PublishRequest{Data: json.RawMessage(`"ok"`), MsgID: "big"})
	require.NoError(t, err)
	assert.True(t, res.IsOK, res.Details)
}

func TestPublisher_ConfiguredDefaults(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createTopic(t, "/demo/orders", false)
	ep := env.createEndpoint(t, "both", model.RolePublisherSubscriber, "pub=/demo/*,sub=/demo/*")
	env.subscribe(t, ep, "/demo/orders")

	cfg := pubsub.DefaultConfig()
	cfg.DefaultPriority = 8
	cfg.DefaultExpiration = 90 * time.Second
	p := newPublisher(t, env, env.gdStore, env.memStore, pubsub.WithPublisherConfig(cfg))

	res, err := p.Publish(ctx, "cid", ep, "/demo/orders", pubsub.PublishRequest{Data: json.RawMessage(`1`)})
	require.NoError(t, err)
	require.True(t, res.IsOK, res.Details)

	got, err := env.recv.Receive(ctx, "cid", ep, "/demo/orders", pubsub.ReceiveRequest{})
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	view := pubsub.NewMessageView(got.Messages[0])
	assert.Equal(t, 8, view.Meta.Priority)
	assert.Equal(t, int64(90), view.Meta.Expiration)
}

func TestNewPublisher_Options(t *testing.T) {
	env := newTestEnv(t)
	logger := &pubsub.NoopLogger{}

	all := func(extra ...pubsub.PublisherOption) []pubsub.PublisherOption {
		return append([]pubsub.PublisherOption{
			pubsub.WithPublisherRegistry(env.registry),
			pubsub.WithPublisherStores(env.gdStore, env.memStore),
			pubsub.WithPublisherRepositories(env.repos),
			pubsub.WithPublisherServer(env.server),
			pubsub.WithPublisherLogger(logger),
		}, extra...)
	}

	tests := []struct {
		name    string
		opts    []pubsub.PublisherOption
		wantErr bool
	}{
		{"all required", all(), false},
		{"with config", all(pubsub.WithPublisherConfig(pubsub.Config{})), false},
		{"missing server", all()[:3], true},
		{"empty server", all(pubsub.WithPublisherServer(model.ServerIdentity{})), true},
		{"nil repositories", all(pubsub.WithPublisherRepositories(nil)), true},
		{"repositories without msg_ids", all(pubsub.WithPublisherRepositories(&pubsub.Repositories{
			Topics: env.repos.Topics, EndpointTopics: env.repos.EndpointTopics,
		})), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pubsub.NewPublisher(tt.opts...)
			if tt.wantErr {
				var perr *pubsub.Error
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, pubsub.ErrCodeConfiguration, perr.Code)
				return
			}
			require.NoError(t, err)
		})
	}
}
